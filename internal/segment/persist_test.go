package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistor_Exists_FalseBeforeFirstPersist(t *testing.T) {
	p := NewPersistor(t.TempDir(), "coll-1")
	assert.False(t, p.Exists())
}

func TestPersistor_Dir_JoinsPersistDirectoryAndCollectionId(t *testing.T) {
	p := NewPersistor("/data/segments", "coll-1")
	assert.Equal(t, filepath.Join("/data/segments", "coll-1"), p.Dir())
}

func TestPersistor_PersistThenLoad_RoundTripsFullState(t *testing.T) {
	// Given: a populated segment's id maps and HNSW index
	root := t.TempDir()
	p := NewPersistor(root, "coll-1")

	maps := NewIdMaps()
	hi := NewHnswIndex(MetricL2, 16, 100, 10, 1.2)
	require.NoError(t, hi.EnsureCapacity(0, 2, 3))
	labelA := maps.Assign("a", 10)
	labelB := maps.Assign("b", 20)
	require.NoError(t, hi.AddItems([]uint64{labelA, labelB}, [][]float32{{1, 0, 0}, {0, 1, 0}}))
	require.NoError(t, hi.OpenFiles(p.Dir()))

	// When: persisting then loading into fresh structures
	require.NoError(t, p.Persist(hi, maps, 2, 0, 20))
	require.NoError(t, hi.CloseFiles())

	assert.True(t, p.Exists())

	maps2 := NewIdMaps()
	hi2 := NewHnswIndex(MetricL2, 16, 100, 10, 1.2)
	totalAdded, totalUpdated, maxOffset, err := p.Load(hi2, maps2, MetricL2)
	require.NoError(t, err)

	// Then: counters and maps are restored exactly
	assert.Equal(t, uint64(2), totalAdded)
	assert.Equal(t, uint64(0), totalUpdated)
	assert.Equal(t, uint64(20), maxOffset)

	restoredLabel, ok := maps2.Label("a")
	require.True(t, ok)
	assert.Equal(t, labelA, restoredLabel)
	offset, ok := maps2.LastOffset("b")
	require.True(t, ok)
	assert.Equal(t, uint64(20), offset)

	items := hi2.GetItems([]uint64{labelA, labelB})
	assert.Len(t, items, 2)
}

func TestPersistor_Load_MissingSnapshotReturnsPersistenceFailure(t *testing.T) {
	p := NewPersistor(t.TempDir(), "coll-1")
	maps := NewIdMaps()
	hi := NewHnswIndex(MetricL2, 16, 100, 10, 1.2)

	_, _, _, err := p.Load(hi, maps, MetricL2)

	require.Error(t, err)
	var persistErr ErrPersistenceFailure
	require.ErrorAs(t, err, &persistErr)
}

func TestPersistor_RemoveAll_DeletesPersistDirectory(t *testing.T) {
	root := t.TempDir()
	p := NewPersistor(root, "coll-1")
	require.NoError(t, p.EnsureDir())
	require.True(t, dirExists(p.Dir()))

	require.NoError(t, p.RemoveAll())

	assert.False(t, dirExists(p.Dir()))
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
