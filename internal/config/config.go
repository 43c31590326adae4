package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for docmigrate.
type Config struct {
	InstanceID string           `toml:"instance_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Salesforce SalesforceConfig `toml:"salesforce"`
	S3         S3Config         `toml:"s3"`
	Migration  MigrationConfig  `toml:"migration"`
	Ledger     LedgerConfig     `toml:"ledger"`
}

// SalesforceConfig holds credentials and endpoints for the record source.
type SalesforceConfig struct {
	LoginURL      string `toml:"login_url"` // defaults to production login
	Username      string `toml:"username"`
	Password      string `toml:"password,omitempty"`
	SecurityToken string `toml:"security_token,omitempty"`
	APIVersion    string `toml:"api_version"` // e.g. "v58.0"
}

// S3Config holds the destination bucket settings.
type S3Config struct {
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	KeyPrefix string `toml:"key_prefix,omitempty"`
	// AccessKeyID and SecretAccessKey are optional; when empty the default
	// AWS credential chain is used.
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
}

// MigrationConfig tunes how records are selected and transferred.
type MigrationConfig struct {
	ChunkSize         int      `toml:"chunk_size"`          // records per source query chunk
	MaxFileSizeMB     int      `toml:"max_file_size_mb"`    // per-file download ceiling
	VendorDomain      string   `toml:"vendor_domain"`       // required substring of eligible file references
	AllowedExtensions []string `toml:"allowed_extensions"`  // lowercase, with dot; empty allows all
	SampleSize        int      `toml:"sample_size"`         // post-migration spot-check size
	ManifestDir       string   `toml:"manifest_dir"`        // where rollback manifests go
	KeepRunDays       int      `toml:"keep_run_days"`       // run history retention for cleanup
	// ValidationThreshold is the sample pass rate (0..1) below which a
	// completed migration is flagged for manual follow-up.
	ValidationThreshold float64 `toml:"validation_threshold"`
}

// LedgerConfig represents configuration for the migration ledger.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type LedgerConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config with the provided values and sensible defaults.
func NewConfig(instanceID, baseDir string) *Config {
	return &Config{
		InstanceID: instanceID,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		Salesforce: SalesforceConfig{
			LoginURL:   "https://login.salesforce.com",
			APIVersion: "v58.0",
		},
		Migration: MigrationConfig{
			ChunkSize:           1000,
			MaxFileSizeMB:       100,
			VendorDomain:        "trackland-doc-storage",
			SampleSize:          10,
			ManifestDir:         filepath.Join(baseDir, "manifests"),
			KeepRunDays:         90,
			ValidationThreshold: 0.9,
		},
		Ledger: LedgerConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
	}
}

// Redacted returns a JSON snapshot of the configuration with secrets masked.
// Stored on migration-run rows for later auditing.
func (c *Config) Redacted() (string, error) {
	masked := *c
	if masked.Salesforce.Password != "" {
		masked.Salesforce.Password = "***"
	}
	if masked.Salesforce.SecurityToken != "" {
		masked.Salesforce.SecurityToken = "***"
	}
	if masked.S3.SecretAccessKey != "" {
		masked.S3.SecretAccessKey = "***"
	}

	data, err := json.Marshal(masked)
	if err != nil {
		return "", fmt.Errorf("failed to serialize config snapshot: %w", err)
	}
	return string(data), nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
