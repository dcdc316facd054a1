package segment

import (
	"log/slog"
	"time"
)

// InconsistencyType categorizes a detected cross-structure issue within
// a single segment (§8's "id maps are exact inverses" and "every live
// label resolves to a vector" invariants).
type InconsistencyType int

const (
	// InconsistencyOrphanLabel: a label_to_id entry whose id has no
	// entry in id_to_label.
	InconsistencyOrphanLabel InconsistencyType = iota
	// InconsistencyDanglingId: an id in id_to_label has no live,
	// resolvable vector behind its label.
	InconsistencyDanglingId
	// InconsistencyMapMismatch: id_to_label and label_to_id disagree
	// about an id<->label pair.
	InconsistencyMapMismatch
)

func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanLabel:
		return "orphan_label"
	case InconsistencyDanglingId:
		return "dangling_id"
	case InconsistencyMapMismatch:
		return "map_mismatch"
	default:
		return "unknown"
	}
}

// Inconsistency is one detected issue.
type Inconsistency struct {
	Type    InconsistencyType
	Id      string
	Label   uint64
	Details string
}

// CheckResult is the outcome of a full Check.
type CheckResult struct {
	Checked         int
	Inconsistencies []Inconsistency
	Duration        time.Duration
}

// ConsistencyChecker validates the segment's internal invariants: the
// id maps are exact inverses of each other, and every mapped id
// resolves to a live vector in the HNSW layer (§8).
type ConsistencyChecker struct {
	maps *IdMaps
	hi   *HnswIndex
}

// NewConsistencyChecker wires a checker to a segment's id maps and HNSW
// layer. The caller must hold at least a read lock while Check runs.
func NewConsistencyChecker(maps *IdMaps, hi *HnswIndex) *ConsistencyChecker {
	return &ConsistencyChecker{maps: maps, hi: hi}
}

// Check scans every id<->label pair for the two invariants above.
func (c *ConsistencyChecker) Check() *CheckResult {
	start := time.Now()
	var issues []Inconsistency

	if err := c.maps.CheckInverse(); err != nil {
		issues = append(issues, Inconsistency{
			Type:    InconsistencyMapMismatch,
			Details: err.Error(),
		})
	}

	for id, label := range c.maps.idToLabel {
		items := c.hi.GetItems([]uint64{label})
		if len(items) == 0 {
			issues = append(issues, Inconsistency{
				Type:    InconsistencyDanglingId,
				Id:      id,
				Label:   label,
				Details: "id_to_label entry has no live vector behind its label",
			})
		}
	}

	for label, id := range c.maps.labelToId {
		if _, ok := c.maps.idToLabel[id]; !ok {
			issues = append(issues, Inconsistency{
				Type:    InconsistencyOrphanLabel,
				Id:      id,
				Label:   label,
				Details: "label_to_id entry has no matching id_to_label entry",
			})
		}
	}

	return &CheckResult{
		Checked:         c.maps.Len(),
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}
}

// QuickCheck compares cardinalities only: id_to_label length against
// the HNSW layer's live (non-tombstoned) label count.
func (c *ConsistencyChecker) QuickCheck() bool {
	consistent := c.maps.Len() == c.hi.Len()
	if !consistent {
		slog.Debug("segment id map / hnsw live count mismatch",
			"id_maps", c.maps.Len(), "hnsw_live", c.hi.Len())
	}
	return consistent
}

// Repair removes dangling/orphaned id map entries surfaced by Check.
// A map_mismatch inconsistency is logged but not auto-repaired — it
// indicates a structural bug rather than an entry that's safe to drop.
func (c *ConsistencyChecker) Repair(issues []Inconsistency) {
	var dropped int
	for _, issue := range issues {
		switch issue.Type {
		case InconsistencyDanglingId:
			if issue.Id != "" {
				c.maps.Remove(issue.Id)
				dropped++
			}
		case InconsistencyOrphanLabel:
			// Remove(id) cannot reach it: id has no id_to_label entry.
			if id, ok := c.maps.labelToId[issue.Label]; ok && id == issue.Id {
				delete(c.maps.labelToId, issue.Label)
				dropped++
			}
		case InconsistencyMapMismatch:
			slog.Warn("segment id maps are not exact inverses, repair requires a rebuild", "details", issue.Details)
		}
	}
	if dropped > 0 {
		slog.Info("repaired segment id map inconsistencies", "dropped", dropped)
	}
}
