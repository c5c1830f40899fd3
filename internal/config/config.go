// Package config handles loading and parsing of projectctl configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the storage tooling.
type Config struct {
	Storage Storage `yaml:"storage"`
	Remote  Remote  `yaml:"remote"`
	Logging Logging `yaml:"logging"`
	Metrics Metrics `yaml:"metrics"`
}

// Storage holds the handler selection and chunk backend settings.
type Storage struct {
	// ArchiveMaxBytes is the payload size above which new items are stored
	// by the chunk backend instead of one archive file per item.
	ArchiveMaxBytes int `yaml:"archive_max_bytes"`
	// ChunkSize is the chunk backend row size in bytes.
	ChunkSize int `yaml:"chunk_size"`
	// IdleCloseSeconds releases the chunk database handle after this many
	// seconds of inactivity. Zero keeps the handle open for the project's
	// lifetime.
	IdleCloseSeconds int `yaml:"idle_close_seconds"`
}

// IdleClose returns the idle close setting as a duration.
func (s Storage) IdleClose() time.Duration {
	return time.Duration(s.IdleCloseSeconds) * time.Second
}

// Remote holds the S3 settings used by backup and restore.
type Remote struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	// Prefix is the optional key prefix for all payload objects.
	Prefix string `yaml:"prefix"`
	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	// PathStyle forces path-style addressing, needed by most
	// S3-compatible endpoints.
	PathStyle bool `yaml:"path_style"`
}

// Logging holds log output settings.
type Logging struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Metrics holds the Prometheus exposition settings.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Storage: Storage{
			ArchiveMaxBytes: 16 << 20,
			ChunkSize:       256 << 10,
		},
		Remote: Remote{
			Region: "us-east-1",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			Listen: "127.0.0.1:9464",
		},
	}
}

// applyDefaults fills in any fields still at their zero value after YAML
// unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Storage.ArchiveMaxBytes == 0 {
		cfg.Storage.ArchiveMaxBytes = 16 << 20
	}
	if cfg.Storage.ChunkSize == 0 {
		cfg.Storage.ChunkSize = 256 << 10
	}
	if cfg.Remote.Region == "" {
		cfg.Remote.Region = "us-east-1"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9464"
	}
}
