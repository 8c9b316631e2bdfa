package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Pipeline.EligibilityThreshold != 0.8 || cfg.Pipeline.QualityThreshold != 0.9 || cfg.Pipeline.TopK != 3 {
		t.Errorf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Database.URL != "" || cfg.Policy.Backend != "memory" {
		t.Errorf("stores default to %q / %q", cfg.Database.URL, cfg.Policy.Backend)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pa.yaml")
	data := `
pipeline:
  eligibility_threshold: 0.7
  narrative_retries: 4
retry:
  base_delay: 250ms
server:
  api_keys:
    secret: clinic-1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PA_PIPELINE_TOP_K", "5")
	t.Setenv("PA_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.EligibilityThreshold != 0.7 || cfg.Pipeline.NarrativeRetries != 4 {
		t.Errorf("file values not applied: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.TopK != 5 {
		t.Errorf("TopK = %d, want env override 5", cfg.Pipeline.TopK)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("BaseDelay = %s", cfg.Retry.BaseDelay)
	}
	if cfg.Server.APIKeys["secret"] != "clinic-1" {
		t.Errorf("APIKeys = %v", cfg.Server.APIKeys)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestLoadEnvWithoutFile(t *testing.T) {
	env := map[string]string{
		"PA_LLM_API_KEY":                    "sk-test",
		"PA_REDIS_ADDR":                     "redis:6379",
		"PA_REDIS_PASSWORD":                 "hunter2",
		"PA_TRACING_OTLP_ENDPOINT":          "otel:4317",
		"PA_REFERENCE_DATA_VOCABULARY_PATH": "data/vocabulary.yaml",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := map[string]string{
		"PA_LLM_API_KEY":                    cfg.LLM.APIKey,
		"PA_REDIS_ADDR":                     cfg.Redis.Addr,
		"PA_REDIS_PASSWORD":                 cfg.Redis.Password,
		"PA_TRACING_OTLP_ENDPOINT":          cfg.Tracing.OTLPEndpoint,
		"PA_REFERENCE_DATA_VOCABULARY_PATH": cfg.ReferenceData.VocabularyPath,
	}
	for k, want := range env {
		if got[k] != want {
			t.Errorf("%s: got %q, want %q", k, got[k], want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"threshold above one", func(c *Config) { c.Pipeline.EligibilityThreshold = 1.5 }, "EligibilityThreshold"},
		{"zero top k", func(c *Config) { c.Pipeline.TopK = 0 }, "TopK"},
		{"max delay below base", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "MaxDelay"},
		{"overlap not below size", func(c *Config) { c.Policy.ChunkOverlap = c.Policy.ChunkSize }, "ChunkOverlap"},
		{"unknown backend", func(c *Config) { c.Policy.Backend = "bleve" }, "Backend"},
		{"pgvector without database", func(c *Config) { c.Policy.Backend = "pgvector" }, "database.url"},
		{"postgres formulary without database", func(c *Config) { c.ReferenceData.FormularySource = "postgres" }, "database.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.Policy.Backend = "pgvector"
	cfg.Database.URL = "postgres://localhost/pa"
	if err := cfg.Validate(); err != nil {
		t.Errorf("pgvector with database: %v", err)
	}
}
