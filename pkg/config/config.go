// Package config defines the core's configuration record, per spec.md §6.
// Parsing command-line flags or environment variables is an external
// collaborator's job (spec.md §1); this package only loads a YAML file into
// a typed struct with defaults.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// HNSWConfig controls the HNSW index, per spec.md §4.3.
type HNSWConfig struct {
	Enabled             bool `yaml:"enabled"`
	M                   int  `yaml:"m"`
	M0                  int  `yaml:"m0"`
	EfConstruction      int  `yaml:"ef_construction"`
	EfSearch            int  `yaml:"ef_search"`
	MinVectorsForIndex  int  `yaml:"min_vectors_for_index"`
	MaxLevelCap         int  `yaml:"max_level_cap"`
	AutoRebuild         bool `yaml:"auto_rebuild"`
}

// QuantizerConfig controls the embedded quantizer, per spec.md §4.4.
type QuantizerConfig struct {
	Kind       string `yaml:"kind"` // "none", "scalar", "product", "binary"
	Bits       int    `yaml:"bits,omitempty"`
	Subvectors int    `yaml:"subvectors,omitempty"`
}

// CacheConfig controls the query-result cache, per spec.md §4.5.
type CacheConfig struct {
	Enabled bool  `yaml:"enabled"`
	MaxSize int   `yaml:"max_size"`
	TTLMs   int64 `yaml:"ttl_ms"`
}

// SyncConfig controls the sync engine and coordinator, per spec.md §4.9-§4.10.
type SyncConfig struct {
	ConflictStrategy string `yaml:"conflict_strategy"`
	BatchSize        int    `yaml:"batch_size"`
	Compression      string `yaml:"compression"` // "none" or "packed"
	SyncIntervalMs   int64  `yaml:"sync_interval_ms"`
	MaxRetries       int    `yaml:"max_retries"`
	RetryBackoffMs   int64  `yaml:"retry_backoff_ms"`
	PersistSession   bool   `yaml:"persist_session"`
	RequestTimeoutMs int64  `yaml:"request_timeout_ms"`
	MaxConcurrentSyncs int  `yaml:"max_concurrent_syncs"`
}

// Config is the top-level configuration record for one database instance.
type Config struct {
	Path      string          `yaml:"path,omitempty"`
	InMemory  bool            `yaml:"in_memory"`
	Dimension uint32          `yaml:"dimension"`
	HNSW      HNSWConfig      `yaml:"hnsw"`
	Quantizer QuantizerConfig `yaml:"quantizer"`
	Cache     CacheConfig     `yaml:"cache"`
	Sync      SyncConfig      `yaml:"sync"`
}

// Default returns a Config populated with spec.md §4.3's recommended
// defaults and a reasonable ambient-stack baseline for the rest.
func Default() Config {
	return Config{
		InMemory: true,
		HNSW: HNSWConfig{
			Enabled:            true,
			M:                  16,
			M0:                 32,
			EfConstruction:     200,
			EfSearch:           50,
			MinVectorsForIndex: 1000,
			MaxLevelCap:        16,
			AutoRebuild:        false,
		},
		Quantizer: QuantizerConfig{
			Kind: "none",
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxSize: 1000,
			TTLMs:   60_000,
		},
		Sync: SyncConfig{
			ConflictStrategy:   "last-write-wins",
			BatchSize:          256,
			Compression:        "none",
			SyncIntervalMs:     0,
			MaxRetries:         3,
			RetryBackoffMs:     200,
			PersistSession:     true,
			RequestTimeoutMs:   5000,
			MaxConcurrentSyncs: 4,
		},
	}
}

// LoadFile reads and unmarshals a YAML configuration file, starting from
// Default() so a partial file only overrides the fields it names.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
