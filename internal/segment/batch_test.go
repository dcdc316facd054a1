package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApplier(t *testing.T, cfg Config) *BatchApplier {
	t.Helper()
	maps := NewIdMaps()
	hi := NewHnswIndex(cfg.Space, cfg.M, cfg.EfConstruction, cfg.EfSearch, cfg.ResizeFactor)
	bf := NewBruteForceIndex(cfg.BatchSize)
	return NewBatchApplier(cfg, maps, hi, bf, nil)
}

func testCfg(t *testing.T) Config {
	cfg := DefaultConfig("coll-1", t.TempDir())
	cfg.BatchSize = 3
	cfg.SyncThreshold = 10
	return cfg
}

func TestBatchApplier_WriteRecords_AddIsVisibleInBruteForceBeforeApply(t *testing.T) {
	// Given: a fresh applier with a batch size large enough to avoid an
	// automatic apply
	cfg := testCfg(t)
	cfg.BatchSize = 10
	a := newTestApplier(t, cfg)

	// When: a single ADD record is written
	err := a.WriteRecords([]Record{{LogOffset: 1, Id: "a", Operation: OpAdd, Embedding: []float32{1, 2, 3}}})
	require.NoError(t, err)

	// Then: it is counted as live immediately, before any ApplyBatch
	assert.Equal(t, 1, a.Count())
}

func TestBatchApplier_WriteRecords_DuplicateAddIsRejected(t *testing.T) {
	cfg := testCfg(t)
	cfg.BatchSize = 10
	a := newTestApplier(t, cfg)
	require.NoError(t, a.WriteRecords([]Record{{LogOffset: 1, Id: "a", Operation: OpAdd, Embedding: []float32{1, 2, 3}}}))

	// When: a second ADD for the same id arrives
	err := a.WriteRecords([]Record{{LogOffset: 2, Id: "a", Operation: OpAdd, Embedding: []float32{9, 9, 9}}})
	require.NoError(t, err)

	// Then: the duplicate is ignored (logged, not applied) and count is
	// unchanged
	assert.Equal(t, 1, a.Count())
}

func TestBatchApplier_WriteRecords_DeleteOfUnknownIdIsIgnored(t *testing.T) {
	cfg := testCfg(t)
	a := newTestApplier(t, cfg)

	err := a.WriteRecords([]Record{{LogOffset: 1, Id: "ghost", Operation: OpDelete}})

	require.NoError(t, err)
	assert.Equal(t, 0, a.Count())
}

func TestBatchApplier_WriteRecords_AutoAppliesAtBatchSize(t *testing.T) {
	// Given: an applier with BatchSize 3
	cfg := testCfg(t)
	a := newTestApplier(t, cfg)

	// When: exactly BatchSize records are written in one call
	err := a.WriteRecords([]Record{
		{LogOffset: 1, Id: "a", Operation: OpAdd, Embedding: []float32{1, 0}},
		{LogOffset: 2, Id: "b", Operation: OpAdd, Embedding: []float32{0, 1}},
		{LogOffset: 3, Id: "c", Operation: OpAdd, Embedding: []float32{1, 1}},
	})
	require.NoError(t, err)

	// Then: the batch was folded into the HNSW layer automatically, and
	// the brute-force buffer was cleared
	added, _ := a.Totals()
	assert.Equal(t, uint64(3), added)
	assert.Equal(t, 3, a.Count())
}

func TestBatchApplier_ApplyBatch_AddThenDeleteInSameWindow(t *testing.T) {
	// Given: a pending add for "a" and a pending delete for it, folded
	// into the same open batch before any apply
	cfg := testCfg(t)
	cfg.BatchSize = 10
	a := newTestApplier(t, cfg)
	require.NoError(t, a.WriteRecords([]Record{
		{LogOffset: 1, Id: "a", Operation: OpAdd, Embedding: []float32{1, 2}},
		{LogOffset: 2, Id: "a", Operation: OpDelete},
	}))

	// Then: the add is fully retracted and nothing is live
	assert.Equal(t, 0, a.Count())

	// When: applying the (now-empty) batch
	require.NoError(t, a.ApplyBatch())

	// Then: still nothing live, and no add was ever counted
	added, _ := a.Totals()
	assert.Equal(t, uint64(0), added)
	assert.Equal(t, 0, a.Count())
}

func TestBatchApplier_ApplyBatch_UpdateKeepsSameLabel(t *testing.T) {
	// Given: an id already applied to the HNSW layer
	cfg := testCfg(t)
	cfg.BatchSize = 10
	a := newTestApplier(t, cfg)
	require.NoError(t, a.WriteRecords([]Record{{LogOffset: 1, Id: "a", Operation: OpAdd, Embedding: []float32{1, 0}}}))
	require.NoError(t, a.ApplyBatch())
	label, ok := a.maps.Label("a")
	require.True(t, ok)

	// When: an UPDATE for the same id is applied
	require.NoError(t, a.WriteRecords([]Record{{LogOffset: 2, Id: "a", Operation: OpUpdate, Embedding: []float32{9, 9}}}))
	require.NoError(t, a.ApplyBatch())

	// Then: the label is unchanged, and totalUpdated (not totalAdded)
	// incremented
	newLabel, ok := a.maps.Label("a")
	require.True(t, ok)
	assert.Equal(t, label, newLabel)
	added, updated := a.Totals()
	assert.Equal(t, uint64(1), added)
	assert.Equal(t, uint64(1), updated)
}

func TestBatchApplier_WriteRecords_UpdateOfNonexistentIdIsIgnored(t *testing.T) {
	cfg := testCfg(t)
	a := newTestApplier(t, cfg)

	err := a.WriteRecords([]Record{{LogOffset: 1, Id: "ghost", Operation: OpUpdate, Embedding: []float32{1}}})

	require.NoError(t, err)
	assert.Equal(t, 0, a.Count())
}

func TestBatchApplier_WriteRecords_UpsertAlwaysSucceeds(t *testing.T) {
	// Given: an empty applier
	cfg := testCfg(t)
	cfg.BatchSize = 10
	a := newTestApplier(t, cfg)

	// When: UPSERT-ing a brand-new id, then UPSERT-ing it again
	require.NoError(t, a.WriteRecords([]Record{{LogOffset: 1, Id: "a", Operation: OpUpsert, Embedding: []float32{1, 1}}}))
	require.NoError(t, a.WriteRecords([]Record{{LogOffset: 2, Id: "a", Operation: OpUpsert, Embedding: []float32{2, 2}}}))

	// Then: both succeed and only one id is live
	assert.Equal(t, 1, a.Count())
}

func TestBatchApplier_ShouldPersist_TracksSyncThreshold(t *testing.T) {
	cfg := testCfg(t)
	cfg.BatchSize = 100
	cfg.SyncThreshold = 2
	a := newTestApplier(t, cfg)

	assert.False(t, a.ShouldPersist())

	require.NoError(t, a.WriteRecords([]Record{
		{LogOffset: 1, Id: "a", Operation: OpAdd, Embedding: []float32{1}},
		{LogOffset: 2, Id: "b", Operation: OpAdd, Embedding: []float32{2}},
	}))
	assert.True(t, a.ShouldPersist())

	a.MarkPersisted()
	assert.False(t, a.ShouldPersist())
}

func TestBatchApplier_RestoreState_SeedsCountersFromSnapshot(t *testing.T) {
	cfg := testCfg(t)
	a := newTestApplier(t, cfg)

	a.RestoreState(5, 2, 100)

	added, updated := a.Totals()
	assert.Equal(t, uint64(5), added)
	assert.Equal(t, uint64(2), updated)
	assert.Equal(t, uint64(100), a.MaxAppliedOffset())
}

func TestBatchApplier_WriteRecords_AddDeleteReAddInSameBatch(t *testing.T) {
	// Given: "a" already applied to the HNSW layer from an earlier batch
	cfg := testCfg(t)
	cfg.BatchSize = 10
	a := newTestApplier(t, cfg)
	require.NoError(t, a.WriteRecords([]Record{{LogOffset: 1, Id: "a", Operation: OpAdd, Embedding: []float32{1, 0}}}))
	require.NoError(t, a.ApplyBatch())
	oldLabel, ok := a.maps.Label("a")
	require.True(t, ok)

	// When: in the same open batch "a" is deleted and then re-added
	require.NoError(t, a.WriteRecords([]Record{
		{LogOffset: 2, Id: "a", Operation: OpDelete},
		{LogOffset: 3, Id: "a", Operation: OpAdd, Embedding: []float32{5, 5}},
	}))

	// Then: Count reflects exactly one live record (delete then re-add
	// nets out to the same single id, never zero and never two)
	assert.Equal(t, 1, a.Count())

	// When: the batch is applied
	require.NoError(t, a.ApplyBatch())

	// Then: a fresh label was assigned (the old one is never reused for
	// the same id, §4.1), and it is counted as an add, not an update
	newLabel, ok := a.maps.Label("a")
	require.True(t, ok)
	assert.NotEqual(t, oldLabel, newLabel)
	added, updated := a.Totals()
	assert.Equal(t, uint64(2), added)
	assert.Equal(t, uint64(0), updated)
	assert.Equal(t, 1, a.Count())
}

func TestBatchApplier_ApplyBatch_RollsBackNothingOnDimensionMismatch(t *testing.T) {
	// Given: "a" already applied with a 2-dimensional embedding, fixing
	// the segment's dimensionality
	cfg := testCfg(t)
	cfg.BatchSize = 10
	a := newTestApplier(t, cfg)
	require.NoError(t, a.WriteRecords([]Record{{LogOffset: 1, Id: "a", Operation: OpAdd, Embedding: []float32{1, 0}}}))
	require.NoError(t, a.ApplyBatch())
	label, ok := a.maps.Label("a")
	require.True(t, ok)
	countBefore := a.Count()
	addedBefore, updatedBefore := a.Totals()

	// When: the same open batch deletes "a" and adds "b" with a
	// dimension-mismatched embedding
	require.NoError(t, a.WriteRecords([]Record{
		{LogOffset: 2, Id: "a", Operation: OpDelete},
		{LogOffset: 3, Id: "b", Operation: OpAdd, Embedding: []float32{1, 2, 3}},
	}))
	err := a.ApplyBatch()

	// Then: the dimension mismatch surfaces as an error...
	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)

	// ...and nothing was mutated: "a" still has its original label and
	// is still live, "b" never got a label, and the counters are
	// untouched — no partial apply is ever visible to readers (§4.4, §7)
	stillLabel, ok := a.maps.Label("a")
	require.True(t, ok)
	assert.Equal(t, label, stillLabel)
	_, ok = a.maps.Label("b")
	assert.False(t, ok)
	assert.Equal(t, countBefore, a.Count())
	addedAfter, updatedAfter := a.Totals()
	assert.Equal(t, addedBefore, addedAfter)
	assert.Equal(t, updatedBefore, updatedAfter)
}

func TestBatchApplier_UpsertBuffered_BatchFullTriggersImmediateApplyAndRetry(t *testing.T) {
	// Given: an applier whose brute-force buffer is smaller than its
	// batch size, so the buffer can fill before WriteRecords' own
	// BatchSize auto-apply check fires
	cfg := testCfg(t)
	cfg.BatchSize = 10
	maps := NewIdMaps()
	hi := NewHnswIndex(cfg.Space, cfg.M, cfg.EfConstruction, cfg.EfSearch, cfg.ResizeFactor)
	bf := NewBruteForceIndex(2)
	a := NewBatchApplier(cfg, maps, hi, bf, nil)

	// When: three new ids are added in one call, the third overflowing
	// the 2-slot buffer
	err := a.WriteRecords([]Record{
		{LogOffset: 1, Id: "a", Operation: OpAdd, Embedding: []float32{1, 0}},
		{LogOffset: 2, Id: "b", Operation: OpAdd, Embedding: []float32{0, 1}},
		{LogOffset: 3, Id: "c", Operation: OpAdd, Embedding: []float32{1, 1}},
	})

	// Then: no error reaches the caller — the full buffer forced an
	// immediate ApplyBatch (folding all three pending writes, including
	// "c" itself, into the HNSW layer and clearing the buffer), and the
	// retried Upsert for "c" then had room in the freshly-cleared buffer
	require.NoError(t, err)
	assert.Equal(t, 3, a.Count())
	added, _ := a.Totals()
	assert.Equal(t, uint64(3), added, "the forced apply folds every pending write, not just the ones already buffered")
}
