package segment

// IdMaps is the bidirectional id<->label map plus the per-id last-applied
// offset (§4.1). It shares the segment's single reader/writer lock with
// the HnswIndex writer side and the BruteForceIndex (§5) — callers
// outside this package must hold that lock.
type IdMaps struct {
	idToLabel   map[string]uint64
	labelToId   map[uint64]string
	idToOffset  map[string]uint64
	nextLabel   uint64
}

// NewIdMaps creates an empty id map set.
func NewIdMaps() *IdMaps {
	return &IdMaps{
		idToLabel:  make(map[string]uint64),
		labelToId:  make(map[uint64]string),
		idToOffset: make(map[string]uint64),
	}
}

// Label returns the internal label for id, if assigned.
func (m *IdMaps) Label(id string) (uint64, bool) {
	l, ok := m.idToLabel[id]
	return l, ok
}

// Id returns the external id for a label, if assigned.
func (m *IdMaps) Id(label uint64) (string, bool) {
	id, ok := m.labelToId[label]
	return id, ok
}

// Contains reports whether id has an assigned label.
func (m *IdMaps) Contains(id string) bool {
	_, ok := m.idToLabel[id]
	return ok
}

// LastOffset returns the last-applied offset recorded for id.
func (m *IdMaps) LastOffset(id string) (uint64, bool) {
	o, ok := m.idToOffset[id]
	return o, ok
}

// NextLabel previews the label that would be assigned next without
// consuming it. Labels are only burned by Assign.
func (m *IdMaps) NextLabel() uint64 {
	return m.nextLabel
}

// SetNextLabel restores the label counter (used on recovery, §6.1).
func (m *IdMaps) SetNextLabel(n uint64) {
	m.nextLabel = n
}

// Assign burns the next label for id. Callers must have already
// verified id is not already assigned and must only call this after the
// corresponding HnswIndex.AddItems has succeeded in memory (§4.1: "the
// counter is incremented only after the HNSW add has succeeded").
func (m *IdMaps) Assign(id string, offset uint64) uint64 {
	label := m.nextLabel
	m.idToLabel[id] = label
	m.labelToId[label] = id
	m.idToOffset[id] = offset
	m.nextLabel++
	return label
}

// Reassign records a new last-applied offset for an id that already has
// a label (UPDATE/UPSERT against an existing id keeps its label).
func (m *IdMaps) Reassign(id string, offset uint64) {
	m.idToOffset[id] = offset
}

// Remove deletes id (and its label) from all three maps (§4.4 step 1).
func (m *IdMaps) Remove(id string) {
	label, ok := m.idToLabel[id]
	if !ok {
		return
	}
	delete(m.idToLabel, id)
	delete(m.labelToId, label)
	delete(m.idToOffset, id)
}

// Len returns the number of live id<->label pairs.
func (m *IdMaps) Len() int {
	return len(m.idToLabel)
}

// CheckInverse verifies the §8 invariant that id_to_label and
// label_to_id are exact inverses. Returns the first mismatch found, or
// nil if consistent.
func (m *IdMaps) CheckInverse() error {
	if len(m.idToLabel) != len(m.labelToId) {
		return &inverseMismatchError{Reason: "map sizes differ"}
	}
	for id, label := range m.idToLabel {
		back, ok := m.labelToId[label]
		if !ok || back != id {
			return &inverseMismatchError{Reason: "id " + id + " does not round-trip through label_to_id"}
		}
	}
	return nil
}

type inverseMismatchError struct{ Reason string }

func (e *inverseMismatchError) Error() string { return "id map inverse violated: " + e.Reason }

// Snapshot returns copies of the three maps and the label counter, for
// persistence (§4.5). Callers must hold at least the read lock.
func (m *IdMaps) Snapshot() (idToLabel map[string]uint64, labelToId map[uint64]string, idToOffset map[string]uint64, nextLabel uint64) {
	idToLabel = make(map[string]uint64, len(m.idToLabel))
	for k, v := range m.idToLabel {
		idToLabel[k] = v
	}
	labelToId = make(map[uint64]string, len(m.labelToId))
	for k, v := range m.labelToId {
		labelToId[k] = v
	}
	idToOffset = make(map[string]uint64, len(m.idToOffset))
	for k, v := range m.idToOffset {
		idToOffset[k] = v
	}
	return idToLabel, labelToId, idToOffset, m.nextLabel
}

// Restore replaces the maps wholesale (used by recovery, §6.1).
func (m *IdMaps) Restore(idToLabel map[string]uint64, labelToId map[uint64]string, idToOffset map[string]uint64, nextLabel uint64) {
	m.idToLabel = idToLabel
	m.labelToId = labelToId
	m.idToOffset = idToOffset
	m.nextLabel = nextLabel
}
