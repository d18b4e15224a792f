package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultProtectsCoreFields(t *testing.T) {
	cfg := Default()
	want := map[string]bool{"system_prompt": true, "trigger_phrases": true}
	for _, f := range cfg.ProtectedFields {
		delete(want, f)
	}
	if len(want) != 0 {
		t.Fatalf("defaults missing protected fields: %v", want)
	}
	if cfg.StorageDir == "" {
		t.Fatal("expected a default storage dir")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must fall back to defaults: %v", err)
	}
	if len(cfg.ProtectedFields) == 0 {
		t.Fatal("expected default protected fields")
	}
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	raw := `
storage_dir: /var/lib/trustgate
mirror:
  sink_url: https://audit.example.com/ingest
  headers:
    Authorization: Bearer abc
  batch_size: 25
  flush_interval: 10s
  timeout: 2s
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StorageDir != "/var/lib/trustgate" {
		t.Fatalf("storage_dir not applied: %s", cfg.StorageDir)
	}
	// Unspecified protected_fields keep the defaults.
	if len(cfg.ProtectedFields) == 0 {
		t.Fatal("expected default protected fields to survive partial config")
	}
	if cfg.Mirror.SinkURL != "https://audit.example.com/ingest" {
		t.Fatalf("sink_url not applied: %s", cfg.Mirror.SinkURL)
	}
	if cfg.Mirror.Headers["Authorization"] != "Bearer abc" {
		t.Fatalf("headers not applied: %v", cfg.Mirror.Headers)
	}
	if cfg.Mirror.BatchSize != 25 {
		t.Fatalf("batch_size not applied: %d", cfg.Mirror.BatchSize)
	}
	if got := cfg.Mirror.FlushIntervalDuration(); got != 10*time.Second {
		t.Fatalf("flush_interval = %v", got)
	}
	if got := cfg.Mirror.TimeoutDuration(); got != 2*time.Second {
		t.Fatalf("timeout = %v", got)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	if err := os.WriteFile(path, []byte("storage_dir: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDurationFallbacks(t *testing.T) {
	m := MirrorConfig{FlushInterval: "garbage", Timeout: ""}
	if m.FlushIntervalDuration() != 0 {
		t.Fatal("unparseable interval must fall back to zero")
	}
	if m.TimeoutDuration() != 0 {
		t.Fatal("empty timeout must fall back to zero")
	}
}
