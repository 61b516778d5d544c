package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	encrypt := true
	original := &Config{
		NodeID:   "node-abc",
		BaseDir:  "/home/user/.local/share/devsync",
		LogDir:   "/home/user/.local/share/devsync/log",
		LogLevel: "debug",
		Store:    StoreConfig{Type: "sqlite", DataDir: "/home/user/.local/share/devsync/db"},
		Remote: RemoteConfig{
			Type:           "s3",
			S3Bucket:       "records",
			S3Prefix:       "tenant-1",
			S3Region:       "eu-west-1",
			S3UsePathStyle: true,
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  "/keys/devsync.pub",
			PrivateKeyPath: "/keys/devsync.key",
		},
		Sync: SyncConfig{
			BatchSize:       10,
			MaxRetries:      3,
			BackoffMin:      Duration{5 * time.Second},
			BackoffMax:      Duration{time.Minute},
			DeferProcessing: true,
		},
		Cache:   CacheConfig{EvictionThreshold: 0.75, TTL: Duration{12 * time.Hour}},
		Devices: DeviceConfig{ConflictPolicy: "merge", EncryptOfflineData: &encrypt, OfflineDataTypes: []string{"work_orders"}},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.Contains(buf.String(), `backoff_min = "5s"`) {
		t.Errorf("encoded config does not write durations as strings:\n%s", buf.String())
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.NodeID != original.NodeID {
		t.Errorf("NodeID = %q, want %q", got.NodeID, original.NodeID)
	}
	if got.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", got.LogLevel, "debug")
	}
	if got.Store != original.Store {
		t.Errorf("Store = %+v, want %+v", got.Store, original.Store)
	}
	if got.Remote != original.Remote {
		t.Errorf("Remote = %+v, want %+v", got.Remote, original.Remote)
	}
	if got.Encryption != original.Encryption {
		t.Errorf("Encryption = %+v, want %+v", got.Encryption, original.Encryption)
	}
	if got.Sync.BackoffMin.Duration != 5*time.Second {
		t.Errorf("Sync.BackoffMin = %v, want 5s", got.Sync.BackoffMin)
	}
	if got.Sync.BackoffMax.Duration != time.Minute {
		t.Errorf("Sync.BackoffMax = %v, want 1m", got.Sync.BackoffMax)
	}
	if !got.Sync.DeferProcessing {
		t.Error("Sync.DeferProcessing = false, want true")
	}
	if got.Cache.EvictionThreshold != 0.75 {
		t.Errorf("Cache.EvictionThreshold = %v, want 0.75", got.Cache.EvictionThreshold)
	}
	if got.Cache.TTL.Duration != 12*time.Hour {
		t.Errorf("Cache.TTL = %v, want 12h", got.Cache.TTL)
	}
	if got.Devices.EncryptOfflineData == nil || !*got.Devices.EncryptOfflineData {
		t.Errorf("Devices.EncryptOfflineData = %v, want true", got.Devices.EncryptOfflineData)
	}
	if got.Devices.CompressOfflineData != nil {
		t.Errorf("Devices.CompressOfflineData = %v, want nil", *got.Devices.CompressOfflineData)
	}
	if len(got.Devices.OfflineDataTypes) != 1 || got.Devices.OfflineDataTypes[0] != "work_orders" {
		t.Errorf("Devices.OfflineDataTypes = %v, want [work_orders]", got.Devices.OfflineDataTypes)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("node-1", "/data/devsync")

	if cfg.NodeID != "node-1" {
		t.Errorf("NodeID = %q, want %q", cfg.NodeID, "node-1")
	}
	if cfg.LogDir != "/data/devsync/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/devsync/log")
	}
	if cfg.Store.Type != "sqlite" || cfg.Store.DataDir != "/data/devsync/db" {
		t.Errorf("Store = %+v, want sqlite in /data/devsync/db", cfg.Store)
	}
	if cfg.Remote.Type != "filesystem" || cfg.Remote.FSRoot != "/data/devsync/remote" {
		t.Errorf("Remote = %+v, want filesystem in /data/devsync/remote", cfg.Remote)
	}
	if cfg.Encryption.PublicKeyPath != "/data/devsync/keys/devsync.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/devsync/keys/devsync.pub")
	}
	if cfg.Cache.EvictionThreshold != 0.9 {
		t.Errorf("Cache.EvictionThreshold = %v, want 0.9", cfg.Cache.EvictionThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"default is valid", func(c *Config) {}, ""},
		{"memory store", func(c *Config) { c.Store = StoreConfig{Type: "memory"} }, ""},
		{"sqlite without data dir", func(c *Config) { c.Store.DataDir = "" }, "data_dir"},
		{"unknown store", func(c *Config) { c.Store.Type = "bolt" }, "unknown type"},
		{"filesystem remote without root", func(c *Config) { c.Remote.FSRoot = "" }, "fs_root"},
		{"s3 remote without bucket", func(c *Config) { c.Remote = RemoteConfig{Type: "s3"} }, "s3_bucket"},
		{"unknown encryption", func(c *Config) { c.Encryption.Type = "rot13" }, "encryption"},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"threshold above one", func(c *Config) { c.Cache.EvictionThreshold = 1.5 }, "eviction_threshold"},
		{"backoff inverted", func(c *Config) { c.Sync.BackoffMin = Duration{time.Hour} }, "backoff_min"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("n", "/data")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "devsync.toml")
		cfg := NewConfig("n1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "devsync.toml")
		cfg := NewConfig("n1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "devsync.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Store = StoreConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.NodeID != "read-test" {
			t.Errorf("NodeID = %q, want %q", got.NodeID, "read-test")
		}
		if got.Sync.SchedulerTick.Duration != 30*time.Second {
			t.Errorf("Sync.SchedulerTick = %v, want 30s", got.Sync.SchedulerTick)
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "devsync.toml")
		if err := os.WriteFile(path, []byte("[store]\ntype = \"bolt\"\n"), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		if _, err := ReadFromFile(path); err == nil {
			t.Fatal("ReadFromFile() expected validation error")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/devsync.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
