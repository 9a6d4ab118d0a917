// Package config handles configuration loading and validation for dochub.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dochub/dochub/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Storage backend kinds.
const (
	BackendLocal = "local"
	BackendAzure = "azure"
	BackendS3    = "s3"
)

// MaxConcurrency caps archive.concurrency.
const MaxConcurrency = 32

// Config is the root dochub configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Archive ArchiveConfig `yaml:"archive"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	AdminKey      string        `yaml:"admin_key"`       // Shared key for admin routes; empty disables them
	MaxUploadSize bytesize.Size `yaml:"max_upload_size"` // Multipart body limit (default: 64MB)

	// InventoryInterval is how often container and blob gauges are refreshed
	// ("0" disables the refresh). Default: 5m.
	InventoryInterval string `yaml:"inventory_interval"`
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // local, azure or s3 (default: local)
	Local   LocalConfig `yaml:"local"`
	Azure   AzureConfig `yaml:"azure"`
	S3      S3Config    `yaml:"s3"`
}

// LocalConfig holds configuration for the filesystem backend.
type LocalConfig struct {
	DataDir       string `yaml:"data_dir"`       // default: /var/lib/dochub
	PublicURL     string `yaml:"public_url"`     // Base URL signed links point at
	SigningSecret string `yaml:"signing_secret"` // Link signing secret; random per process when empty
	PageSize      int    `yaml:"page_size"`      // Listing page size (default: 1000)
}

// AzureConfig holds Azure storage account settings.
type AzureConfig struct {
	AccountName string `yaml:"account_name"`
	AccountKey  string `yaml:"account_key"`
	Endpoint    string `yaml:"endpoint"`
	UseEmulator bool   `yaml:"use_emulator"`
}

// S3Config holds S3 settings.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// ArchiveConfig holds configuration for bulk retrieval.
type ArchiveConfig struct {
	Concurrency    int           `yaml:"concurrency"`      // Parallel checks and downloads (default: 16, max: 32)
	TempDir        string        `yaml:"temp_dir"`         // Workspace root (default: os.TempDir())
	MaxArchiveSize bytesize.Size `yaml:"max_archive_size"` // 0 means unlimited
	FilenamePrefix string        `yaml:"filename_prefix"`  // default: dochub
	RateLimit      float64       `yaml:"rate_limit"`       // Archive builds per second; 0 disables limiting
	RateBurst      int           `yaml:"rate_burst"`
}

// LoggingConfig holds log level and shipping settings.
type LoggingConfig struct {
	Level string     `yaml:"level"` // debug, info, warn, error (default: info)
	Loki  LokiConfig `yaml:"loki"`
}

// LokiConfig enables log shipping to Grafana Loki when URL is set.
type LokiConfig struct {
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"` // Duration string, e.g. "5s"
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.derivePublicURL()
	return cfg
}

// Load reads the YAML file at path, applies defaults and then environment
// overrides. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.derivePublicURL()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.MaxUploadSize == 0 {
		c.Server.MaxUploadSize = bytesize.Size(64 * bytesize.MB)
	}
	if c.Server.InventoryInterval == "" {
		c.Server.InventoryInterval = "5m"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	if c.Storage.Local.DataDir == "" {
		c.Storage.Local.DataDir = "/var/lib/dochub"
	}
	c.Storage.Local.DataDir = expandHome(c.Storage.Local.DataDir)
	if c.Storage.Local.PageSize == 0 {
		c.Storage.Local.PageSize = 1000
	}

	if c.Archive.Concurrency == 0 {
		c.Archive.Concurrency = 16
	}
	c.Archive.TempDir = expandHome(c.Archive.TempDir)
	if c.Archive.FilenamePrefix == "" {
		c.Archive.FilenamePrefix = "dochub"
	}
	if c.Archive.RateLimit > 0 && c.Archive.RateBurst == 0 {
		c.Archive.RateBurst = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Loki.BatchSize == 0 {
		c.Logging.Loki.BatchSize = 100
	}
	if c.Logging.Loki.FlushInterval == "" {
		c.Logging.Loki.FlushInterval = "5s"
	}
}

// applyEnv overlays secrets and deployment settings from the environment.
func (c *Config) applyEnv() error {
	overrides := []struct {
		name string
		dst  *string
	}{
		{"DOCHUB_ADMIN_KEY", &c.Server.AdminKey},
		{"DOCHUB_LISTEN", &c.Server.Listen},
		{"DOCHUB_STORAGE_BACKEND", &c.Storage.Backend},
		{"DOCHUB_DATA_DIR", &c.Storage.Local.DataDir},
		{"DOCHUB_SIGNING_SECRET", &c.Storage.Local.SigningSecret},
		{"DOCHUB_AZURE_ACCOUNT_NAME", &c.Storage.Azure.AccountName},
		{"DOCHUB_AZURE_ACCOUNT_KEY", &c.Storage.Azure.AccountKey},
		{"DOCHUB_S3_ACCESS_KEY", &c.Storage.S3.AccessKey},
		{"DOCHUB_S3_SECRET_KEY", &c.Storage.S3.SecretKey},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.dst = v
		}
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	c.Storage.Local.DataDir = expandHome(c.Storage.Local.DataDir)

	if v := os.Getenv("DOCHUB_ARCHIVE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DOCHUB_ARCHIVE_CONCURRENCY: %w", err)
		}
		c.Archive.Concurrency = n
	}
	return nil
}

// derivePublicURL points signed local links at the listen address when no
// public URL is configured.
func (c *Config) derivePublicURL() {
	if c.Storage.Local.PublicURL != "" {
		return
	}
	host, port, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	c.Storage.Local.PublicURL = "http://" + net.JoinHostPort(host, port)
}

// InventoryIntervalDuration returns the parsed inventory refresh interval.
func (c ServerConfig) InventoryIntervalDuration() (time.Duration, error) {
	return time.ParseDuration(c.InventoryInterval)
}

// FlushIntervalDuration returns the parsed Loki flush interval.
func (c LokiConfig) FlushIntervalDuration() (time.Duration, error) {
	return time.ParseDuration(c.FlushInterval)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}
	if c.Server.MaxUploadSize < 0 {
		return fmt.Errorf("server.max_upload_size must not be negative")
	}
	if d, err := c.Server.InventoryIntervalDuration(); err != nil || d < 0 {
		return fmt.Errorf("invalid server.inventory_interval %q", c.Server.InventoryInterval)
	}

	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.DataDir == "" {
			return fmt.Errorf("storage.local.data_dir is required")
		}
		if c.Storage.Local.PageSize < 0 {
			return fmt.Errorf("storage.local.page_size must not be negative")
		}
		if _, err := url.Parse(c.Storage.Local.PublicURL); err != nil {
			return fmt.Errorf("invalid storage.local.public_url: %w", err)
		}
	case BackendAzure:
		az := c.Storage.Azure
		if !az.UseEmulator && az.AccountName != "{StorageAccountName}" && (az.AccountName == "" || az.AccountKey == "") {
			return fmt.Errorf("storage.azure.account_name and account_key are required")
		}
	case BackendS3:
		// Credentials may come from the default AWS chain.
	default:
		return fmt.Errorf("unknown storage.backend %q (want local, azure or s3)", c.Storage.Backend)
	}

	if c.Archive.Concurrency < 1 || c.Archive.Concurrency > MaxConcurrency {
		return fmt.Errorf("archive.concurrency must be between 1 and %d", MaxConcurrency)
	}
	if c.Archive.MaxArchiveSize < 0 {
		return fmt.Errorf("archive.max_archive_size must not be negative")
	}
	if c.Archive.RateLimit < 0 {
		return fmt.Errorf("archive.rate_limit must not be negative")
	}
	if c.Archive.RateBurst < 0 {
		return fmt.Errorf("archive.rate_burst must not be negative")
	}

	if c.Logging.Loki.URL != "" {
		if _, err := c.Logging.Loki.FlushIntervalDuration(); err != nil {
			return fmt.Errorf("invalid logging.loki.flush_interval: %w", err)
		}
	}
	return nil
}

// expandHome expands a leading ~/ to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
