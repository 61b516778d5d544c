package encryption

import (
	"fmt"

	"devsync/internal/config"
	"devsync/internal/devsync"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. It returns nil for "none"; devices that require encrypted offline
// data then fail to cache.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (devsync.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
