package segment

import "sort"

// BruteForceIndex is the small, bounded in-memory buffer of the current
// open batch (§4.2). It is authoritative for writes that have not yet
// been applied to the HNSW layer, which is how queries get read-your-
// writes visibility without waiting for an apply.
type BruteForceIndex struct {
	capacity  int
	vectors   map[string][]float32
	tombstone map[string]bool
}

// NewBruteForceIndex creates an empty buffer with the given capacity
// (the segment's batch_size, §4.2).
func NewBruteForceIndex(capacity int) *BruteForceIndex {
	return &BruteForceIndex{
		capacity:  capacity,
		vectors:   make(map[string][]float32, capacity),
		tombstone: make(map[string]bool),
	}
}

// Upsert overwrites id's vector, or inserts it if there's room. Returns
// ErrBatchFull when at capacity and id is new — the caller must force
// an apply rather than treat this as a hard error (§7).
func (b *BruteForceIndex) Upsert(id string, vec []float32) error {
	_, exists := b.vectors[id]
	if !exists && len(b.vectors) >= b.capacity {
		return ErrBatchFull{}
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	b.vectors[id] = stored
	delete(b.tombstone, id) // a re-add after a tombstone clears it (§4.4 ADD row 2)
	return nil
}

// Delete records a tombstone for id. Idempotent.
func (b *BruteForceIndex) Delete(id string) {
	b.tombstone[id] = true
}

// HasId reports whether id has a (possibly tombstoned) entry.
func (b *BruteForceIndex) HasId(id string) bool {
	_, ok := b.vectors[id]
	return ok
}

// IsDeleted reports whether id is tombstoned in the current batch.
func (b *BruteForceIndex) IsDeleted(id string) bool {
	return b.tombstone[id]
}

// Get returns id's vector and whether it is live (present and not
// tombstoned).
func (b *BruteForceIndex) Get(id string) ([]float32, bool) {
	v, ok := b.vectors[id]
	if !ok || b.tombstone[id] {
		return nil, false
	}
	return v, true
}

// Len returns the number of entries currently buffered (including
// tombstoned ones, which still occupy a slot until Clear).
func (b *BruteForceIndex) Len() int {
	return len(b.vectors)
}

// bruteForceHit is one scored result from Query.
type bruteForceHit struct {
	Id       string
	Distance float32
}

// Query performs an exact linear scan against every non-tombstoned
// entry, returning the top-k by the segment's metric. Ties are broken
// by smaller id, lexicographically (§4.2).
func (b *BruteForceIndex) Query(vec []float32, k int, dist distanceFunc, allow map[string]bool) []bruteForceHit {
	hits := make([]bruteForceHit, 0, len(b.vectors))
	for id, v := range b.vectors {
		if b.tombstone[id] {
			continue
		}
		if allow != nil && !allow[id] {
			continue
		}
		hits = append(hits, bruteForceHit{Id: id, Distance: dist(vec, v)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Id < hits[j].Id
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

// Clear empties both the vector store and the tombstone set, called
// after a successful apply (§4.4 step 7).
func (b *BruteForceIndex) Clear() {
	b.vectors = make(map[string][]float32, b.capacity)
	b.tombstone = make(map[string]bool)
}
