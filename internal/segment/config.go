package segment

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the parameters fixed at segment creation (§6). Space, M,
// EfConstruction and NumThreads are frozen for the segment's lifetime;
// changing the distance metric after creation is an explicit Non-goal.
type Config struct {
	CollectionId string `yaml:"collection_id" json:"collection_id"`

	// Space is the distance metric. Immutable once set.
	Space Metric `yaml:"space" json:"space"`

	M              int `yaml:"m" json:"m"`
	EfConstruction int `yaml:"ef_construction" json:"ef_construction"`
	EfSearch       int `yaml:"ef_search" json:"ef_search"`
	NumThreads     int `yaml:"num_threads" json:"num_threads"`

	// BatchSize is the max records buffered in the brute-force layer
	// before an apply runs (§4.4). Must be >= 3.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// SyncThreshold is how many records accumulate between persist()
	// calls (§4.5). Must be >= BatchSize.
	SyncThreshold int `yaml:"sync_threshold" json:"sync_threshold"`

	// ResizeFactor controls HNSW capacity growth (§4.3). Must be >= 1.0.
	ResizeFactor float64 `yaml:"resize_factor" json:"resize_factor"`

	// PersistDirectory is the filesystem root; the segment writes to
	// {PersistDirectory}/{CollectionId}/.
	PersistDirectory string `yaml:"persist_directory" json:"persist_directory"`

	// AllowReset gates ResetState (§4.5).
	AllowReset bool `yaml:"allow_reset" json:"allow_reset"`
}

// DefaultCapacity is the HNSW graph's initial capacity (§4.3).
const DefaultCapacity = 1000

// DefaultConfig returns sensible defaults, mirroring the teacher's
// DefaultVectorStoreConfig/DefaultBM25Config constructors.
func DefaultConfig(collectionID, persistDir string) Config {
	return Config{
		CollectionId:     collectionID,
		Space:            MetricCosine,
		M:                16,
		EfConstruction:   100,
		EfSearch:         10,
		NumThreads:       1,
		BatchSize:        100,
		SyncThreshold:    1000,
		ResizeFactor:     1.2,
		PersistDirectory: persistDir,
		AllowReset:       false,
	}
}

// Validate enforces the construction-time invariants from §6/§8.
func (c Config) Validate() error {
	switch c.Space {
	case MetricL2, MetricCosine, MetricIP:
	default:
		return fmt.Errorf("unknown distance metric: %q", c.Space)
	}
	if c.CollectionId == "" {
		return fmt.Errorf("collection_id must not be empty")
	}
	if c.PersistDirectory == "" {
		return fmt.Errorf("persist_directory must not be empty")
	}
	if c.M <= 0 {
		return fmt.Errorf("m must be positive, got %d", c.M)
	}
	if c.EfConstruction <= 0 {
		return fmt.Errorf("ef_construction must be positive, got %d", c.EfConstruction)
	}
	if c.EfSearch <= 0 {
		return fmt.Errorf("ef_search must be positive, got %d", c.EfSearch)
	}
	if c.NumThreads <= 0 {
		return fmt.Errorf("num_threads must be positive, got %d", c.NumThreads)
	}
	if c.BatchSize < 3 {
		return fmt.Errorf("batch_size must be >= 3, got %d", c.BatchSize)
	}
	if c.SyncThreshold < c.BatchSize {
		return fmt.Errorf("sync_threshold (%d) must be >= batch_size (%d)", c.SyncThreshold, c.BatchSize)
	}
	if c.ResizeFactor < 1.0 {
		return fmt.Errorf("resize_factor must be >= 1.0, got %f", c.ResizeFactor)
	}
	return nil
}

// LoadConfigFile reads a YAML config file and merges its non-zero fields
// onto top of base, mirroring the teacher's loadYAML/mergeWith layering so
// a segment can be described declaratively instead of via flags alone.
func LoadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}

	base.mergeWith(&parsed)
	return base, nil
}

// mergeWith overlays non-zero fields from other onto c.
func (c *Config) mergeWith(other *Config) {
	if other.CollectionId != "" {
		c.CollectionId = other.CollectionId
	}
	if other.Space != "" {
		c.Space = other.Space
	}
	if other.M != 0 {
		c.M = other.M
	}
	if other.EfConstruction != 0 {
		c.EfConstruction = other.EfConstruction
	}
	if other.EfSearch != 0 {
		c.EfSearch = other.EfSearch
	}
	if other.NumThreads != 0 {
		c.NumThreads = other.NumThreads
	}
	if other.BatchSize != 0 {
		c.BatchSize = other.BatchSize
	}
	if other.SyncThreshold != 0 {
		c.SyncThreshold = other.SyncThreshold
	}
	if other.ResizeFactor != 0 {
		c.ResizeFactor = other.ResizeFactor
	}
	if other.PersistDirectory != "" {
		c.PersistDirectory = other.PersistDirectory
	}
	if other.AllowReset {
		c.AllowReset = other.AllowReset
	}
}
