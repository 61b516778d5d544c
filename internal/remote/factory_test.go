package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"devsync/internal/config"
)

func TestNewRemoteFromConfig(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock{testTime}

	t.Run("memory", func(t *testing.T) {
		r, err := NewRemoteFromConfig(ctx, config.RemoteConfig{Type: "memory"}, clock)
		if err != nil {
			t.Fatalf("NewRemoteFromConfig() error = %v", err)
		}
		if _, ok := r.(*MemoryRemote); !ok {
			t.Errorf("NewRemoteFromConfig() = %T, want *MemoryRemote", r)
		}
	})

	t.Run("filesystem creates layout", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "remote")
		r, err := NewRemoteFromConfig(ctx, config.RemoteConfig{Type: "filesystem", FSRoot: root}, clock)
		if err != nil {
			t.Fatalf("NewRemoteFromConfig() error = %v", err)
		}
		if _, ok := r.(*FileSystemRemote); !ok {
			t.Errorf("NewRemoteFromConfig() = %T, want *FileSystemRemote", r)
		}
		for _, dir := range []string{"records", "assignments"} {
			if _, err := os.Stat(filepath.Join(root, dir)); err != nil {
				t.Errorf("%s directory not created: %v", dir, err)
			}
		}
	})

	t.Run("s3 with static credentials", func(t *testing.T) {
		r, err := NewRemoteFromConfig(ctx, config.RemoteConfig{
			Type:           "s3",
			S3Bucket:       "records",
			S3Endpoint:     "http://localhost:9000",
			S3AccessKeyID:  "key",
			S3SecretKey:    "secret",
			S3UsePathStyle: true,
		}, clock)
		if err != nil {
			t.Fatalf("NewRemoteFromConfig() error = %v", err)
		}
		if _, ok := r.(*S3Remote); !ok {
			t.Errorf("NewRemoteFromConfig() = %T, want *S3Remote", r)
		}
	})

	t.Run("s3 without bucket", func(t *testing.T) {
		if _, err := NewRemoteFromConfig(ctx, config.RemoteConfig{Type: "s3"}, clock); err == nil {
			t.Error("NewRemoteFromConfig() expected error without bucket")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewRemoteFromConfig(ctx, config.RemoteConfig{Type: "ftp"}, clock); err == nil {
			t.Error("NewRemoteFromConfig() expected error for unknown type")
		}
	})
}
