// Package fwdconfig loads the Forwarder's TOML configuration file
// (spec.md §6). Schema version is a hard gate, not a warning: a
// mismatched or missing version fails the load rather than silently
// falling back to defaults, since a Forwarder misconfigured about
// which reader to dial is worse than one that refuses to start.
package fwdconfig

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// CurrentSchemaVersion is the only schema_version this build accepts.
const CurrentSchemaVersion = 1

var (
	ErrMissingSchemaVersion = errors.New("fwdconfig: schema_version is required")
	ErrSchemaVersionMismatch = errors.New("fwdconfig: unsupported schema_version")
	ErrNoReaders             = errors.New("fwdconfig: at least one reader is required")
)

// Config is the root of the Forwarder's TOML file.
type Config struct {
	SchemaVersion int    `toml:"schema_version"`
	DisplayName   string `toml:"display_name"`

	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Journal   JournalConfig   `toml:"journal"`
	StatusHTTP StatusHTTPConfig `toml:"status_http"`
	Uplink    UplinkConfig    `toml:"uplink"`
	Readers   []ReaderConfig  `toml:"readers"`
}

type ServerConfig struct {
	BaseURL          string `toml:"base_url"`
	ForwardersWSPath string `toml:"forwarders_ws_path"`
}

type AuthConfig struct {
	TokenFile string `toml:"token_file"`
}

type JournalConfig struct {
	SQLitePath        string `toml:"sqlite_path"`
	PruneWatermarkPct int    `toml:"prune_watermark_pct"`
	// MaxSizeMB is the journal file size, in megabytes, that
	// PruneWatermarkPct is a percentage of. Not part of spec.md §6's
	// documented schema; defaults to journal.DefaultMaxSizeBytes so
	// the watermark is reachable even when an operator never sets it.
	MaxSizeMB int `toml:"max_size_mb"`
}

type StatusHTTPConfig struct {
	Bind string `toml:"bind"`
}

type UplinkConfig struct {
	BatchMode      string `toml:"batch_mode"`
	BatchFlushMs   int    `toml:"batch_flush_ms"`
	BatchMaxEvents int    `toml:"batch_max_events"`
}

type ReaderConfig struct {
	Target           string `toml:"target"`
	Enabled          bool   `toml:"enabled"`
	LocalFallbackPort int   `toml:"local_fallback_port"`
}

// defaultServerWSPath matches spec.md §6's documented default.
const defaultServerWSPath = "/ws/v1/forwarders"

// defaultPruneWatermarkPct matches spec.md §6's documented default.
const defaultPruneWatermarkPct = 80

// Load reads and validates the TOML config file at path.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("fwdconfig: decode %s: %w", path, err)
	}
	return normalize(cfg)
}

func normalize(cfg Config) (Config, error) {
	if cfg.SchemaVersion == 0 {
		return Config{}, ErrMissingSchemaVersion
	}
	if cfg.SchemaVersion != CurrentSchemaVersion {
		return Config{}, fmt.Errorf("%w: got %d, want %d", ErrSchemaVersionMismatch, cfg.SchemaVersion, CurrentSchemaVersion)
	}
	if len(cfg.Readers) == 0 {
		return Config{}, ErrNoReaders
	}

	if cfg.Server.ForwardersWSPath == "" {
		cfg.Server.ForwardersWSPath = defaultServerWSPath
	}
	if cfg.Journal.PruneWatermarkPct <= 0 {
		cfg.Journal.PruneWatermarkPct = defaultPruneWatermarkPct
	}
	if cfg.Uplink.BatchMode == "" {
		cfg.Uplink.BatchMode = "combined"
	}

	return cfg, nil
}

// LoadToken reads the bearer token from the path named by
// auth.token_file, trimming a single trailing newline the way an
// operator-edited secret file typically has one.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("fwdconfig: read token file: %w", err)
	}
	token := string(data)
	for len(token) > 0 && (token[len(token)-1] == '\n' || token[len(token)-1] == '\r') {
		token = token[:len(token)-1]
	}
	if token == "" {
		return "", errors.New("fwdconfig: token file is empty")
	}
	return token, nil
}
