package database

import (
	"os"
	"path/filepath"
	"testing"

	"devsync/internal/config"
)

func TestNewStoreFromConfig(t *testing.T) {
	t.Run("memory store", func(t *testing.T) {
		cfg := config.StoreConfig{Type: "memory"}
		got, err := NewStoreFromConfig(cfg, "test-node-123")

		if err != nil {
			t.Fatalf("NewStoreFromConfig() unexpected error: %v", err)
		}
		if _, ok := got.(*MemoryStore); !ok {
			t.Errorf("NewStoreFromConfig() = %T, want *MemoryStore", got)
		}
		got.Close()
	})

	t.Run("sqlite store", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "db")
		cfg := config.StoreConfig{Type: "sqlite", DataDir: dir}
		got, err := NewStoreFromConfig(cfg, "test-node-123")

		if err != nil {
			t.Fatalf("NewStoreFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		if _, err := os.Stat(filepath.Join(dir, "test-node-123.db")); err != nil {
			t.Errorf("database file not created: %v", err)
		}
	})

	t.Run("sqlite store without data_dir", func(t *testing.T) {
		cfg := config.StoreConfig{Type: "sqlite"}
		got, err := NewStoreFromConfig(cfg, "test-node-123")

		if err == nil {
			t.Error("NewStoreFromConfig() expected error for missing data_dir, got nil")
		}
		if got != nil {
			t.Error("NewStoreFromConfig() should return nil on error")
		}
	})

	t.Run("unknown store type", func(t *testing.T) {
		cfg := config.StoreConfig{Type: "unknown"}
		got, err := NewStoreFromConfig(cfg, "test-node-123")

		if err == nil {
			t.Error("NewStoreFromConfig() expected error for unknown type, got nil")
		}
		if got != nil {
			t.Error("NewStoreFromConfig() should return nil on error")
		}
	})
}
