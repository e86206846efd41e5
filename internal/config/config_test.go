package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaultsAndEnvOverride(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/das")
	os.Setenv("PIPELINE_MAX_SIZE", "42")
	os.Setenv("PIPELINE_MAX_IDLE", "500ms")
	os.Setenv("GEYSER_ENDPOINTS", "a:1, b:2")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("PIPELINE_MAX_SIZE")
		os.Unsetenv("PIPELINE_MAX_IDLE")
		os.Unsetenv("GEYSER_ENDPOINTS")
	}()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PipelineMaxSize != 42 {
		t.Errorf("got pipeline_max_size=%d, want 42", cfg.PipelineMaxSize)
	}
	if cfg.PipelineMaxIdle != 500*time.Millisecond {
		t.Errorf("got pipeline_max_idle=%s, want 500ms", cfg.PipelineMaxIdle)
	}
	if len(cfg.GeyserEndpoints) != 2 || cfg.GeyserEndpoints[0] != "a:1" || cfg.GeyserEndpoints[1] != "b:2" {
		t.Errorf("got endpoints=%v", cfg.GeyserEndpoints)
	}
	if cfg.MaxDBConnections != 100 {
		t.Errorf("expected default max_db_connections=100, got %d", cfg.MaxDBConnections)
	}
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for missing database_url")
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	content := []byte("database_url: postgres://localhost/das\npipeline_max_size: 7\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PipelineMaxSize != 7 {
		t.Errorf("got pipeline_max_size=%d, want 7", cfg.PipelineMaxSize)
	}
}
