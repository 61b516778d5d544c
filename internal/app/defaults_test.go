package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("DEVSYNC_CONFIG_PATH", "/custom/devsync.toml")
		t.Setenv("DEVSYNC_HOME", "/custom/devsync")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/devsync.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/devsync.toml")
		}
		if defaults["base_dir"] != "/custom/devsync" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/devsync")
		}
		if defaults["log_dir"] != "/custom/devsync/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/devsync/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("DEVSYNC_CONFIG_PATH", "")
		t.Setenv("DEVSYNC_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "devsync.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "devsync")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
		if defaults["log_dir"] != filepath.Join(wantBase, "log") {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], filepath.Join(wantBase, "log"))
		}
	})
}
