package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.HNSW.M != 16 || cfg.HNSW.M0 != 32 {
		t.Fatalf("unexpected HNSW defaults: %+v", cfg.HNSW)
	}
	if cfg.HNSW.MinVectorsForIndex != 1000 {
		t.Fatalf("expected default min_vectors_for_index=1000, got %d", cfg.HNSW.MinVectorsForIndex)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Fatalf("expected default max_retries=3, got %d", cfg.Sync.MaxRetries)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "dimension: 128\nhnsw:\n  ef_search: 80\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Dimension != 128 {
		t.Fatalf("expected dimension=128, got %d", cfg.Dimension)
	}
	if cfg.HNSW.EfSearch != 80 {
		t.Fatalf("expected ef_search=80, got %d", cfg.HNSW.EfSearch)
	}
	// Untouched fields keep their defaults.
	if cfg.HNSW.M != 16 {
		t.Fatalf("expected untouched field M to keep default 16, got %d", cfg.HNSW.M)
	}
}
