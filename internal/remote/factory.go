package remote

import (
	"context"
	"fmt"

	"devsync/internal/config"
	"devsync/internal/devsync"
)

// NewRemoteFromConfig creates the remote described by cfg.
func NewRemoteFromConfig(ctx context.Context, cfg config.RemoteConfig, clock devsync.Clock) (Admin, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryRemote(clock), nil
	case "filesystem":
		r, err := NewFileSystemRemote(cfg.FSRoot, clock)
		if err != nil {
			return nil, fmt.Errorf("creating filesystem remote: %w", err)
		}
		return r, nil
	case "s3":
		r, err := NewS3Remote(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("creating s3 remote: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
