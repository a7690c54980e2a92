package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, expected 8080", cfg.HTTPPort)
	}
	if cfg.RetrievalStrategy != "hybrid" {
		t.Errorf("RetrievalStrategy = %q, expected hybrid", cfg.RetrievalStrategy)
	}
	if cfg.TopK != 4 {
		t.Errorf("TopK = %d, expected 4", cfg.TopK)
	}
	if cfg.QueryTimeout() != 30*time.Second {
		t.Errorf("QueryTimeout = %v, expected 30s", cfg.QueryTimeout())
	}
	if cfg.EvalSchedule == "" {
		t.Error("expected a default evaluation schedule")
	}
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("TOP_K", "8")
	t.Setenv("RETRIEVAL_STRATEGY", "basic")
	t.Setenv("QUERY_TIMEOUT_MS", "5000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TopK != 8 {
		t.Errorf("TopK = %d, expected 8", cfg.TopK)
	}
	if cfg.RetrievalStrategy != "basic" {
		t.Errorf("RetrievalStrategy = %q, expected basic", cfg.RetrievalStrategy)
	}
	if cfg.QueryTimeout() != 5*time.Second {
		t.Errorf("QueryTimeout = %v, expected 5s", cfg.QueryTimeout())
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero top k", "TOP_K", "0"},
		{"zero overfetch", "RERANK_OVERFETCH_FACTOR", "0"},
		{"zero concurrency", "MAX_CONCURRENCY", "0"},
		{"unknown strategy", "RETRIEVAL_STRATEGY", "semantic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
