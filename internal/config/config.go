package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for devsync.
type Config struct {
	NodeID     string           `toml:"node_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"` // "debug", "info" (default), "warn" or "error"
	Store      StoreConfig      `toml:"store"`
	Remote     RemoteConfig     `toml:"remote"`
	Encryption EncryptionConfig `toml:"encryption"`
	Sync       SyncConfig       `toml:"sync"`
	Cache      CacheConfig      `toml:"cache"`
	Devices    DeviceConfig     `toml:"devices"`
	Compliance ComplianceConfig `toml:"compliance"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// StoreConfig represents configuration for the durable local store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// RemoteConfig represents configuration for the remote record service.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type"` // "memory", "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3"). Credentials fall back
	// to the default AWS chain when the key fields are empty.
	S3Bucket       string `toml:"s3_bucket,omitempty"`
	S3Prefix       string `toml:"s3_prefix,omitempty"`
	S3Region       string `toml:"s3_region,omitempty"`
	S3Endpoint     string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID  string `toml:"s3_access_key_id,omitempty"`
	S3SecretKey    string `toml:"s3_secret_key,omitempty"`
	S3UsePathStyle bool   `toml:"s3_use_path_style,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for offline data.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// SyncConfig tunes the sync queue and scheduler.
type SyncConfig struct {
	BatchSize  int      `toml:"batch_size"`
	MaxRetries int      `toml:"max_retries"`
	BackoffMin Duration `toml:"backoff_min"`
	BackoffMax Duration `toml:"backoff_max"`
	// DeferProcessing leaves enqueued operations for the next drain instead
	// of draining immediately.
	DeferProcessing    bool     `toml:"defer_processing"`
	SchedulerTick      Duration `toml:"scheduler_tick"`
	OperationRetention Duration `toml:"operation_retention"`
	SyncLease          Duration `toml:"sync_lease"`
}

// CacheConfig tunes the offline data cache.
type CacheConfig struct {
	EvictionThreshold   float64  `toml:"eviction_threshold"` // fraction of the device quota, 0 < t <= 1
	TTL                 Duration `toml:"ttl"`
	RefreshWindow       Duration `toml:"refresh_window"`
	FrequentAccessCount int      `toml:"frequent_access_count"`
	MaxRequiredItems    int      `toml:"max_required_items"`
}

// DeviceConfig seeds the config of newly registered devices. Unset fields
// keep the engine defaults.
type DeviceConfig struct {
	StorageQuotaBytes   int64    `toml:"storage_quota_bytes,omitempty"`
	ConflictPolicy      string   `toml:"conflict_policy,omitempty"`
	EncryptOfflineData  *bool    `toml:"encrypt_offline_data,omitempty"`
	CompressOfflineData *bool    `toml:"compress_offline_data,omitempty"`
	SyncInterval        Duration `toml:"sync_interval,omitempty"`
	OfflineDataTypes    []string `toml:"offline_data_types,omitempty"`
}

// ComplianceConfig points at the security policy used by device scans.
type ComplianceConfig struct {
	PolicyPath string `toml:"policy_path,omitempty"` // empty means the built-in policy
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(nodeID, baseDir string) *Config {
	return &Config{
		NodeID:   nodeID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Store: StoreConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Remote: RemoteConfig{
			Type:   "filesystem",
			FSRoot: filepath.Join(baseDir, "remote"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "devsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "devsync.key"),
		},
		Sync: SyncConfig{
			BatchSize:          25,
			MaxRetries:         5,
			BackoffMin:         Duration{30 * time.Second},
			BackoffMax:         Duration{30 * time.Minute},
			SchedulerTick:      Duration{30 * time.Second},
			OperationRetention: Duration{7 * 24 * time.Hour},
			SyncLease:          Duration{10 * time.Minute},
		},
		Cache: CacheConfig{
			EvictionThreshold:   0.9,
			TTL:                 Duration{24 * time.Hour},
			RefreshWindow:       Duration{2 * time.Hour},
			FrequentAccessCount: 5,
			MaxRequiredItems:    500,
		},
	}
}

// Validate checks the tagged unions and numeric ranges.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store: data_dir required for sqlite store")
		}
	default:
		return fmt.Errorf("store: unknown type %q", c.Store.Type)
	}
	switch c.Remote.Type {
	case "memory":
	case "filesystem":
		if c.Remote.FSRoot == "" {
			return fmt.Errorf("remote: fs_root required for filesystem remote")
		}
	case "s3":
		if c.Remote.S3Bucket == "" {
			return fmt.Errorf("remote: s3_bucket required for s3 remote")
		}
	default:
		return fmt.Errorf("remote: unknown type %q", c.Remote.Type)
	}
	switch c.Encryption.Type {
	case "", "age", "test", "none":
	default:
		return fmt.Errorf("encryption: unknown type %q", c.Encryption.Type)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	if t := c.Cache.EvictionThreshold; t < 0 || t > 1 {
		return fmt.Errorf("cache: eviction_threshold %v must be between 0 and 1", t)
	}
	if c.Sync.BackoffMin.Duration > 0 && c.Sync.BackoffMax.Duration > 0 && c.Sync.BackoffMin.Duration > c.Sync.BackoffMax.Duration {
		return fmt.Errorf("sync: backoff_min %s exceeds backoff_max %s", c.Sync.BackoffMin, c.Sync.BackoffMax)
	}
	return nil
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
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
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
