package segment

import "log/slog"

// batchEntry is one pending write in the open Batch: the last value
// seen for an id before the batch is applied to the HNSW layer.
type batchEntry struct {
	Offset    uint64
	Embedding []float32
	IsNew     bool // true if this id had no label before this batch began
}

// Batch accumulates writes and deletes between two applies (§4.4). It
// mirrors the original's Batch helper: writes are coalesced per id (a
// later UPDATE in the same batch overwrites an earlier one), deletes
// are recorded by id only.
type Batch struct {
	written   map[string]*batchEntry
	deleted   []string
	addCount  int
	maxOffset uint64
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{written: make(map[string]*batchEntry)}
}

// ApplyWrite records a write, tracking whether it's a fresh add
// (isNew) for label-assignment purposes.
func (b *Batch) ApplyWrite(id string, offset uint64, embedding []float32, isNew bool) {
	if offset > b.maxOffset {
		b.maxOffset = offset
	}
	prev, existed := b.written[id]
	if !existed && isNew {
		b.addCount++
	}
	if existed && prev.IsNew {
		// id was added earlier in this batch and has no label yet; a
		// later UPDATE/UPSERT of it in the same batch is still an add.
		isNew = true
	}
	b.written[id] = &batchEntry{Offset: offset, Embedding: embedding, IsNew: isNew}
	b.unmarkDeleted(id)
}

// ApplyDelete records a delete for id, discarding any pending write for
// it in the same batch (a delete always wins within one batch window).
// id is still recorded in b.deleted even when it retracts a same-batch
// pending add (so a later WriteRecords call in this batch still sees
// it as "pending deleted" and permits a fresh re-add, §4.4's ADD row
// for "in-batch pending delete"); BatchApplier.Count compensates by
// only charging a pending delete against the live count when id is a
// genuinely pre-existing label, not a cancelled in-batch add.
func (b *Batch) ApplyDelete(id string, offset uint64) {
	if offset > b.maxOffset {
		b.maxOffset = offset
	}
	if entry, existed := b.written[id]; existed && entry.IsNew {
		b.addCount--
	}
	delete(b.written, id)
	if !b.isDeleted(id) {
		b.deleted = append(b.deleted, id)
	}
}

// isDeleted reports whether id already has a pending delete in this
// batch.
func (b *Batch) isDeleted(id string) bool {
	for _, d := range b.deleted {
		if d == id {
			return true
		}
	}
	return false
}

// unmarkDeleted reverses a pending delete for id, used when a later
// write in the same batch re-admits an id that was deleted earlier in
// it (spec.md's add->delete->re-add scenario). Without this, id stays
// in b.deleted even though b.written has a live entry for it again,
// which double-counts it out of Count().
func (b *Batch) unmarkDeleted(id string) {
	for i, d := range b.deleted {
		if d == id {
			b.deleted = append(b.deleted[:i], b.deleted[i+1:]...)
			return
		}
	}
}

// WrittenIds returns every id with a pending write, in no particular
// order.
func (b *Batch) WrittenIds() []string {
	ids := make([]string, 0, len(b.written))
	for id := range b.written {
		ids = append(ids, id)
	}
	return ids
}

// DeletedIds returns every id with a pending delete.
func (b *Batch) DeletedIds() []string { return b.deleted }

// Len reports the number of distinct ids with a pending write or a
// pending delete in this batch. The BatchSize trigger counts log records
// separately (BatchApplier.recordsSinceLastBatch).
func (b *Batch) Len() int { return len(b.written) + len(b.deleted) }

// BatchApplier is the write path (§4.4): it receives Records from the
// LogConsumer, buffers them in a BruteForceIndex for immediate read
// visibility, and periodically folds the accumulated Batch into the
// HnswIndex.
type BatchApplier struct {
	cfg Config

	maps *IdMaps
	hi   *HnswIndex
	bf   *BruteForceIndex

	curr *Batch

	totalAdded   uint64
	totalUpdated uint64

	recordsSinceLastBatch   int
	recordsSinceLastPersist int

	maxAppliedOffset uint64

	log *slog.Logger
}

// NewBatchApplier wires the three data structures together under a
// single applier, matching the teacher's pattern of a coordinator
// struct holding references to its collaborators rather than embedding
// them.
func NewBatchApplier(cfg Config, maps *IdMaps, hi *HnswIndex, bf *BruteForceIndex, log *slog.Logger) *BatchApplier {
	if log == nil {
		log = slog.Default()
	}
	return &BatchApplier{
		cfg:  cfg,
		maps: maps,
		hi:   hi,
		bf:   bf,
		curr: NewBatch(),
		log:  log,
	}
}

// MaxAppliedOffset returns the highest log offset folded into either
// the brute-force buffer or the HNSW layer.
func (a *BatchApplier) MaxAppliedOffset() uint64 { return a.maxAppliedOffset }

// RestoreState seeds the applier's counters from a loaded snapshot
// (§4.5 recovery path).
func (a *BatchApplier) RestoreState(totalAdded, totalUpdated, maxAppliedOffset uint64) {
	a.totalAdded = totalAdded
	a.totalUpdated = totalUpdated
	a.maxAppliedOffset = maxAppliedOffset
}

// Count returns the segment's live record count (§4.4): applied labels,
// minus any still-applied id with a pending delete in the open batch,
// plus any pending write for an id that isn't applied yet. A pending
// write never double-counts an id that already has a label (e.g. an
// id deleted and then re-added within the same batch, which still has
// its old label sitting in a.maps until the next ApplyBatch) — it's
// already included via a.maps.Len(), so only a genuinely new id adds
// to the total.
func (a *BatchApplier) Count() int {
	pendingDeletesOfLive := 0
	for _, id := range a.curr.deleted {
		if a.maps.Contains(id) {
			pendingDeletesOfLive++
		}
	}
	pendingNewWrites := 0
	for id := range a.curr.written {
		if !a.maps.Contains(id) {
			pendingNewWrites++
		}
	}
	return a.maps.Len() - pendingDeletesOfLive + pendingNewWrites
}

// WriteRecords folds a batch of log records into the brute-force
// buffer, routing each by operation type exactly per the routing table
// (§4.4): existence is checked against both the buffer and the HNSW
// id map, and a pending delete in the current batch makes id count as
// not-live even while it still has a (tombstoned) entry in one of the
// layers — this is what lets an ADD collide cleanly with its own
// earlier in-batch DELETE instead of being misread as an update.
func (a *BatchApplier) WriteRecords(records []Record) error {
	for _, record := range records {
		if record.LogOffset > a.maxAppliedOffset {
			a.maxAppliedOffset = record.LogOffset
		}
		a.recordsSinceLastBatch++
		a.recordsSinceLastPersist++

		existsInBf := a.bf.HasId(record.Id)
		_, existsInHnsw := a.maps.Label(record.Id)
		existsInIndex := existsInBf || existsInHnsw
		pendingDelete := a.isPendingDelete(record.Id)
		live := existsInIndex && !pendingDelete

		switch record.Operation {
		case OpDelete:
			if !live {
				a.log.Warn("delete of nonexistent embedding id", "id", record.Id)
				continue
			}
			a.curr.ApplyDelete(record.Id, record.LogOffset)
			// Tombstoned in the buffer even when id lives only in the HNSW
			// layer, so reads hide it until the batch is applied.
			a.bf.Delete(record.Id)

		case OpUpdate:
			if record.Embedding == nil {
				continue
			}
			if !live {
				a.log.Warn("update of nonexistent embedding id", "id", record.Id)
				continue
			}
			a.curr.ApplyWrite(record.Id, record.LogOffset, record.Embedding, false)
			if err := a.upsertBuffered(record.Id, record.Embedding); err != nil {
				return err
			}

		case OpAdd:
			if record.Embedding == nil {
				continue
			}
			if live {
				a.log.Warn("add of existing embedding id", "id", record.Id)
				continue
			}
			// Every successful ADD assigns a fresh label (§4.4 routing
			// table: both the brand-new-id and re-add-after-delete rows
			// carry new_label=true), regardless of whether id still has a
			// tombstoned entry in the brute-force buffer or id maps.
			a.curr.ApplyWrite(record.Id, record.LogOffset, record.Embedding, true)
			if err := a.upsertBuffered(record.Id, record.Embedding); err != nil {
				return err
			}

		case OpUpsert:
			if record.Embedding == nil {
				continue
			}
			a.curr.ApplyWrite(record.Id, record.LogOffset, record.Embedding, !live)
			if err := a.upsertBuffered(record.Id, record.Embedding); err != nil {
				return err
			}
		}

		if a.recordsSinceLastBatch >= a.cfg.BatchSize {
			if err := a.ApplyBatch(); err != nil {
				return err
			}
		}
	}
	return nil
}

// isPendingDelete reports whether id was deleted earlier in the
// currently-open batch (not yet applied to the HNSW layer).
func (a *BatchApplier) isPendingDelete(id string) bool {
	for _, d := range a.curr.deleted {
		if d == id {
			return true
		}
	}
	return false
}

// upsertBuffered writes vec into the brute-force buffer. A full buffer
// is not surfaced to the caller as an error (§4.2, §7): it forces an
// immediate ApplyBatch to make room, then retries once.
func (a *BatchApplier) upsertBuffered(id string, vec []float32) error {
	err := a.bf.Upsert(id, vec)
	if err == nil {
		return nil
	}
	if _, full := err.(ErrBatchFull); !full {
		return err
	}
	if err := a.ApplyBatch(); err != nil {
		return err
	}
	return a.bf.Upsert(id, vec)
}

// ApplyBatch folds the open Batch into the HNSW layer (§4.4). The
// fallible write path (ensure capacity, add_items) runs first and
// mutates nothing outside itself on failure; only once it has fully
// succeeded are the batch's deletes (mark_deleted + map removal) and
// the id<->label commits applied, so an error here leaves the segment
// exactly as it was before the call — no partial apply is ever visible
// to readers (§4.4 "If step 4 fails, no mutation is visible"; §7).
func (a *BatchApplier) ApplyBatch() error {
	writtenIds := a.curr.WrittenIds()

	if len(writtenIds) > 0 {
		dim := 0
		vectors := make([][]float32, 0, len(writtenIds))
		for _, id := range writtenIds {
			vectors = append(vectors, a.curr.written[id].Embedding)
		}
		if len(vectors) > 0 {
			dim = len(vectors[0])
		}
		if err := a.hi.EnsureCapacity(a.maps.Len(), a.curr.addCount, dim); err != nil {
			return err
		}

		// Computed against the not-yet-mutated id maps: a failure below
		// leaves next_label untouched, since fresh labels are only burned
		// into a.maps (via Assign, after AddItems succeeds) further down.
		// Driven by each entry's IsNew flag, not by whether a.maps
		// already has a label for id: an id that was deleted and then
		// re-added within this same batch still has its old (stale)
		// label sitting in a.maps (the delete-commit loop below only
		// retires ids still in DeletedIds, and a same-batch re-add
		// removes id from DeletedIds), but IsNew=true for it means a
		// fresh label must be assigned anyway.
		nextLabel := a.maps.NextLabel()
		labels := make([]uint64, len(writtenIds))
		for i, id := range writtenIds {
			if a.curr.written[id].IsNew {
				labels[i] = nextLabel
				nextLabel++
				continue
			}
			if existing, ok := a.maps.Label(id); ok {
				labels[i] = existing
			} else {
				labels[i] = nextLabel
				nextLabel++
			}
		}

		if err := a.hi.AddItems(labels, vectors); err != nil {
			return err
		}
	}

	// The write path is now durable in the HNSW graph; commit the
	// deletes and the id maps/counters together, since nothing below can
	// fail.
	for _, id := range a.curr.DeletedIds() {
		label, ok := a.maps.Label(id)
		if !ok {
			continue
		}
		a.hi.MarkDeleted(label)
		a.maps.Remove(id)
	}

	if len(writtenIds) > 0 {
		for _, id := range writtenIds {
			entry := a.curr.written[id]
			if entry.IsNew {
				// A stale label can still be sitting in a.maps here: an
				// id deleted and then re-added within this same batch
				// never went through the delete-commit loop above (the
				// re-add removed it from DeletedIds), so its old label
				// is still live in both a.maps and a.hi. Retire it now
				// — a fresh label was just added to a.hi above, and the
				// same id is never allowed two live labels at once.
				if oldLabel, ok := a.maps.Label(id); ok {
					a.hi.MarkDeleted(oldLabel)
					a.maps.Remove(id)
				}
				a.maps.Assign(id, entry.Offset)
				a.totalAdded++
			} else {
				a.maps.Reassign(id, entry.Offset)
				a.totalUpdated++
			}
		}
	}

	a.bf.Clear()
	a.curr = NewBatch()
	a.recordsSinceLastBatch = 0
	return nil
}

// ShouldPersist reports whether enough records have accumulated since
// the last persist to justify flushing to disk (§4.5).
func (a *BatchApplier) ShouldPersist() bool {
	return a.recordsSinceLastPersist >= a.cfg.SyncThreshold
}

// MarkPersisted resets the since-last-persist counter after a
// successful Persistor.Persist call.
func (a *BatchApplier) MarkPersisted() {
	a.recordsSinceLastPersist = 0
}

// Totals returns the running add/update counters for persistence.
func (a *BatchApplier) Totals() (totalAdded, totalUpdated uint64) {
	return a.totalAdded, a.totalUpdated
}
