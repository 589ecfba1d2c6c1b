package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for zbackup.
type Config struct {
	HostID   string `toml:"host_id" validate:"required"`
	BaseDir  string `toml:"base_dir" validate:"required"`
	LogDir   string `toml:"log_dir" validate:"required"`
	LogLevel string `toml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`

	// BookmarkPrefix names this host's bookmark chain on the senders it
	// replicates from, so that several receivers can share one sender.
	BookmarkPrefix string `toml:"bookmark_prefix" validate:"required,excludesall=/@#*?["`

	ZFS        ZFSConfig        `toml:"zfs"`
	Database   DatabaseConfig   `toml:"database"`
	Intervals  []IntervalConfig `toml:"intervals" validate:"dive"`
	Targets    []TargetConfig   `toml:"targets" validate:"dive"`
	Restrict   RestrictConfig   `toml:"restrict"`
	Encryption EncryptionConfig `toml:"encryption"`
	Vaults     []VaultConfig    `toml:"vaults" validate:"dive"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// ZFSConfig controls how the zfs command is run.
type ZFSConfig struct {
	Command         string `toml:"command,omitempty"` // default "zfs"
	Sudo            bool   `toml:"sudo"`
	SSH             string `toml:"ssh,omitempty"` // default "ssh"
	SSHConfigFile   string `toml:"ssh_config_file,omitempty"`
	SSHIdentityFile string `toml:"ssh_identity_file,omitempty"`
}

// IntervalConfig is a named retention tier. A nil Limit keeps every period.
type IntervalConfig struct {
	Name   string `toml:"name" validate:"required,excludesall=/@:"`
	Limit  *int   `toml:"limit,omitempty" validate:"omitempty,min=0"`
	Format string `toml:"format" validate:"required"`
}

// TargetConfig is one backup target.
type TargetConfig struct {
	Name       string `toml:"name" validate:"required"`
	Filesystem string `toml:"filesystem" validate:"required"`

	// Source is "pool/fs" for a local sender or "host:pool/fs" over ssh.
	// Empty snapshots Filesystem locally.
	Source string `toml:"source,omitempty"`

	// Snapshot is the sender snapshot: "" temporary, "*" most recent, or a name.
	Snapshot    string `toml:"snapshot,omitempty"`
	Incremental string `toml:"incremental,omitempty"`
	Create      bool   `toml:"create"`

	Raw              bool `toml:"raw"`
	Compressed       bool `toml:"compressed"`
	LargeBlock       bool `toml:"large_block"`
	Dedup            bool `toml:"dedup"`
	Properties       bool `toml:"properties"`
	Force            bool `toml:"force"`
	IncludeUnmanaged bool `toml:"include_unmanaged"`

	// Intervals names global intervals or gives them in the compact form
	// "[LIMIT@]NAME:FORMAT". Empty applies every global interval.
	Intervals []string `toml:"intervals,omitempty"`
}

// RestrictConfig is the policy applied by ssh-command to remote requests.
type RestrictConfig struct {
	Names             []string `toml:"names,omitempty"`
	Bookmarks         []string `toml:"bookmarks,omitempty"`
	RawOnly           bool     `toml:"raw_only"`
	AllowReceive      bool     `toml:"allow_receive"`
	AllowForceReceive bool     `toml:"allow_force_receive"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt archives.
type EncryptionConfig struct {
	Type           string `toml:"type" validate:"omitempty,oneof=age test none"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`

	// Recipients are additional age public keys (age1...) every archive is
	// encrypted to, e.g. an offline recovery key.
	Recipients []string `toml:"recipients,omitempty"`
}

// VaultConfig represents configuration for an archive vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type" validate:"required,oneof=memory filesystem s3"`
	Name string `toml:"name" validate:"required"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty" validate:"required_if=Type s3"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials; the AWS default credential chain is used when unset.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty" validate:"required_if=Type filesystem"`
}

// DatabaseConfig represents configuration for the run history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"required,oneof=sqlite memory"`
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"`
}

// MetricsConfig controls the node-exporter textfile written after each run.
type MetricsConfig struct {
	Textfile string `toml:"textfile,omitempty"`
}

func intPtr(n int) *int { return &n }

// NewConfig creates a new Config with the provided values and defaults.
func NewConfig(hostID, baseDir, bookmarkPrefix string) *Config {
	return &Config{
		HostID:         hostID,
		BaseDir:        baseDir,
		LogDir:         filepath.Join(baseDir, "log"),
		LogLevel:       "info",
		BookmarkPrefix: bookmarkPrefix,
		ZFS:            ZFSConfig{Command: "zfs"},
		Database:       DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Intervals: []IntervalConfig{
			{Name: "hourly", Limit: intPtr(24), Format: "hourly"},
			{Name: "daily", Limit: intPtr(7), Format: "daily"},
			{Name: "weekly", Limit: intPtr(4), Format: "weekly"},
			{Name: "monthly", Limit: intPtr(12), Format: "monthly"},
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "zbackup.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "zbackup.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %s", undecoded[0])
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

// ReadFromFile reads and validates a Config from the specified file path.
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
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
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
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// FindTarget returns the named target, or nil.
func (c *Config) FindTarget(name string) *TargetConfig {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i]
		}
	}
	return nil
}
