package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.ArchiveMaxBytes != 16<<20 || cfg.Storage.ChunkSize != 256<<10 {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected logging defaults %+v", cfg.Logging)
	}
	if cfg.Remote.Region != "us-east-1" {
		t.Fatalf("unexpected remote defaults %+v", cfg.Remote)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.ArchiveMaxBytes != 16<<20 {
		t.Fatalf("defaults not applied: %+v", cfg.Storage)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
storage:
  archive_max_bytes: 1048576
  idle_close_seconds: 30
remote:
  bucket: lab-backups
  endpoint: http://minio.local:9000
  path_style: true
logging:
  level: debug
metrics:
  enabled: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.ArchiveMaxBytes != 1<<20 {
		t.Fatalf("archive_max_bytes not read: %d", cfg.Storage.ArchiveMaxBytes)
	}
	if cfg.Storage.IdleClose() != 30*time.Second {
		t.Fatalf("idle_close_seconds not read: %v", cfg.Storage.IdleClose())
	}
	if cfg.Storage.ChunkSize != 256<<10 {
		t.Fatalf("unset field lost its default: %d", cfg.Storage.ChunkSize)
	}
	if cfg.Remote.Bucket != "lab-backups" || !cfg.Remote.PathStyle {
		t.Fatalf("remote not read: %+v", cfg.Remote)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("logging not merged: %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9464" {
		t.Fatalf("metrics not merged: %+v", cfg.Metrics)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage: ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
