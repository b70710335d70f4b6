// Package config holds the storage core's configuration surface: a single
// Config struct unmarshaled from YAML with CLI flag overrides, validated
// at startup. Every tunable lives in one struct instead of being
// scattered as flags across packages.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v3"
)

// WriteBehindConfig bounds WriteBehindCache admission and flush cadence.
type WriteBehindConfig struct {
	Enabled         bool  `yaml:"enabled"`
	MaxEntryBytes   int64 `yaml:"max_entry_bytes"`
	MaxTotalBytes   int64 `yaml:"max_total_bytes"`
	FlushIntervalMs int   `yaml:"flush_interval_ms"`
	DwellTimeMs     int   `yaml:"dwell_time_ms"`
}

// ContentCacheConfig bounds ContentCache eligibility and aggregate budget.
type ContentCacheConfig struct {
	MaxBytes     int64 `yaml:"max_bytes"`
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// TranscodeConfig bounds TranscodeCache eligibility.
type TranscodeConfig struct {
	Enabled       bool  `yaml:"enabled"`
	SourceSizeCap int64 `yaml:"source_size_cap"`
}

// TrashConfig bounds TrashManager retention and sweep cadence.
type TrashConfig struct {
	RetentionDays  int `yaml:"retention_days"`
	SweepIntervalH int `yaml:"sweep_interval_h"`
}

// ChunkedUploadConfig bounds the resumable-upload sub-module.
type ChunkedUploadConfig struct {
	ChunkBytes   int `yaml:"chunk_bytes"`
	SessionTTLH  int `yaml:"session_ttl_h"`
}

// BlobConfig locates the content-addressed blob store on disk.
type BlobConfig struct {
	RootPath    string `yaml:"root_path"`
	TmpPath     string `yaml:"tmp_path"`
	MaxBlobSize int64  `yaml:"max_blob_size"`
}

// MetadataConfig locates the sqlite metadata database.
type MetadataConfig struct {
	SqlitePath     string `yaml:"sqlite_path"`
	QueryTimeoutMs int    `yaml:"query_timeout_ms"`
}

// Config holds the top-level configuration for storaged.
type Config struct {
	HTTPAddress    string `yaml:"http_address"`
	ProfileAddress string `yaml:"profile_address"`
	AccessLogLevel string `yaml:"access_log_level"`

	Blob          BlobConfig          `yaml:"blob"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	WriteBehind   WriteBehindConfig   `yaml:"write_behind"`
	ContentCache  ContentCacheConfig  `yaml:"content_cache"`
	Transcode     TranscodeConfig     `yaml:"transcode"`
	Trash         TrashConfig         `yaml:"trash"`
	ChunkedUpload ChunkedUploadConfig `yaml:"chunked_upload"`

	AccessLogger *log.Logger `yaml:"-"`
	ErrorLogger  *log.Logger `yaml:"-"`
}

// defaults returns the built-in values used when neither YAML nor flags
// override an option.
func defaults() Config {
	return Config{
		HTTPAddress:    "0.0.0.0:8090",
		ProfileAddress: "",
		AccessLogLevel: "all",
		Blob: BlobConfig{
			RootPath: "/var/lib/oxicloud/blobs",
			TmpPath:  "/var/lib/oxicloud/tmp",
		},
		Metadata: MetadataConfig{
			SqlitePath:     "/var/lib/oxicloud/metadata.db",
			QueryTimeoutMs: 5000,
		},
		WriteBehind: WriteBehindConfig{
			Enabled:         true,
			MaxEntryBytes:   262144,
			MaxTotalBytes:   134217728,
			FlushIntervalMs: 2000,
			DwellTimeMs:     500,
		},
		ContentCache: ContentCacheConfig{
			MaxBytes:     268435456,
			MaxFileBytes: 10485760,
		},
		Transcode: TranscodeConfig{
			Enabled:       true,
			SourceSizeCap: 20971520,
		},
		Trash: TrashConfig{
			RetentionDays:  30,
			SweepIntervalH: 1,
		},
		ChunkedUpload: ChunkedUploadConfig{
			ChunkBytes:  5242880,
			SessionTTLH: 24,
		},
	}
}

// New builds a Config from CLI flag values, for invocations that don't
// provide a YAML config file.
func New(dir, metadataPath, httpAddress, profileAddress string, maxEntryBytes, maxContentCacheBytes int64, retentionDays int) (*Config, error) {
	c := defaults()
	if dir != "" {
		c.Blob.RootPath = dir
		c.Blob.TmpPath = dir + "/tmp"
	}
	if metadataPath != "" {
		c.Metadata.SqlitePath = metadataPath
	}
	if httpAddress != "" {
		c.HTTPAddress = httpAddress
	}
	if profileAddress != "" {
		c.ProfileAddress = profileAddress
	}
	if maxEntryBytes > 0 {
		c.WriteBehind.MaxEntryBytes = maxEntryBytes
	}
	if maxContentCacheBytes > 0 {
		c.ContentCache.MaxBytes = maxContentCacheBytes
	}
	if retentionDays > 0 {
		c.Trash.RetentionDays = retentionDays
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := c.setLogger(); err != nil {
		return nil, err
	}
	return &c, nil
}

// NewFromYamlFile reads and validates a Config from path.
func NewFromYamlFile(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	c := defaults()
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file '%s': %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := c.setLogger(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks invariants that YAML unmarshaling and flag parsing can't
// express structurally.
func (c *Config) Validate() error {
	if c.Blob.RootPath == "" {
		return fmt.Errorf("'blob.root_path' is required")
	}
	if c.Metadata.SqlitePath == "" {
		return fmt.Errorf("'metadata.sqlite_path' is required")
	}
	if c.WriteBehind.MaxEntryBytes <= 0 {
		c.WriteBehind.MaxEntryBytes = 262144
	}
	if c.Trash.RetentionDays <= 0 {
		return fmt.Errorf("'trash.retention_days' must be positive")
	}
	if c.Trash.SweepIntervalH <= 0 {
		return fmt.Errorf("'trash.sweep_interval_h' must be positive")
	}
	switch c.AccessLogLevel {
	case "all", "none":
	default:
		return fmt.Errorf("'access_log_level' must be 'all' or 'none', got %q", c.AccessLogLevel)
	}
	return nil
}

// RetentionDuration converts the configured retention in days to a
// time.Duration for trash.Config.
func (c *Config) RetentionDuration() time.Duration {
	return time.Duration(c.Trash.RetentionDays) * 24 * time.Hour
}

// SweepInterval converts the configured sweep cadence to a time.Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Trash.SweepIntervalH) * time.Hour
}

// FlushInterval converts the configured write-behind flush cadence to a
// time.Duration.
func (c *WriteBehindConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// DwellTime converts the configured write-behind dwell time to a
// time.Duration.
func (c *WriteBehindConfig) DwellTime() time.Duration {
	return time.Duration(c.DwellTimeMs) * time.Millisecond
}

// SessionTTL converts the configured chunked-upload session TTL to a
// time.Duration.
func (c *ChunkedUploadConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLH) * time.Hour
}

// GetCliFlags returns the urfave/cli flag set for cmd/storaged.
func GetCliFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config_file",
			Usage:   "Path to a YAML configuration file.",
			EnvVars: []string{"OXICLOUD_STORAGED_CONFIG_FILE"},
		},
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Root directory for the content-addressed blob store.",
		},
		&cli.StringFlag{
			Name:  "metadata_db",
			Usage: "Path to the sqlite metadata database file.",
		},
		&cli.StringFlag{
			Name:  "http_address",
			Usage: "Address for the operational HTTP server (metrics/health).",
		},
		&cli.StringFlag{
			Name:  "profile_address",
			Usage: "Address to expose pprof on, if non-empty.",
		},
		&cli.Int64Flag{
			Name:  "write_behind_max_entry_bytes",
			Usage: "Per-file size cap admitted into the write-behind tier.",
		},
		&cli.Int64Flag{
			Name:  "content_cache_max_bytes",
			Usage: "Aggregate byte budget for the content cache.",
		},
		&cli.IntFlag{
			Name:  "trash_retention_days",
			Usage: "Days a trashed item survives before the sweep permanently deletes it.",
		},
	}
}
