package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidate(t *testing.T) {
	// Given: the default config for a fresh collection
	cfg := DefaultConfig("coll-1", t.TempDir())

	// Then: it validates cleanly
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_RejectsUnknownMetric(t *testing.T) {
	cfg := DefaultConfig("coll-1", t.TempDir())
	cfg.Space = Metric("manhattan")

	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsSyncThresholdBelowBatchSize(t *testing.T) {
	cfg := DefaultConfig("coll-1", t.TempDir())
	cfg.BatchSize = 100
	cfg.SyncThreshold = 50

	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsBatchSizeBelowThree(t *testing.T) {
	cfg := DefaultConfig("coll-1", t.TempDir())
	cfg.BatchSize = 2

	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsResizeFactorBelowOne(t *testing.T) {
	cfg := DefaultConfig("coll-1", t.TempDir())
	cfg.ResizeFactor = 0.5

	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsEmptyCollectionId(t *testing.T) {
	cfg := DefaultConfig("", t.TempDir())

	assert.Error(t, cfg.Validate())
}

func TestLoadConfigFile_OverlaysNonZeroFieldsOntoDefaults(t *testing.T) {
	// Given: a YAML file overriding only two fields
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.yaml")
	contents := "ef_search: 64\nbatch_size: 250\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	base := DefaultConfig("coll-1", dir)

	// When: loading and merging
	merged, err := LoadConfigFile(path, base)
	require.NoError(t, err)

	// Then: overridden fields change, everything else keeps its default
	assert.Equal(t, 64, merged.EfSearch)
	assert.Equal(t, 250, merged.BatchSize)
	assert.Equal(t, base.CollectionId, merged.CollectionId)
	assert.Equal(t, base.M, merged.M)
}

func TestLoadConfigFile_MissingFileReturnsError(t *testing.T) {
	base := DefaultConfig("coll-1", t.TempDir())

	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), base)

	assert.Error(t, err)
}
