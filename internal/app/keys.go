package app

import (
	"errors"
	"fmt"

	"devsync/internal/config"
	"devsync/internal/encryption"
)

// SetupKeys generates the offline-data key pair described by cfg and
// protects the private key with passphrase. Existing keys are never
// overwritten.
func SetupKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc == nil {
		return errors.New("encryption is disabled in the config")
	}
	if enc.IsConfigured() {
		return encryption.ErrKeysExist
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up keys: %w", err)
	}
	return nil
}

// ChangePassphrase re-protects the private key. Cached entries stay
// readable because the key pair is unchanged.
func ChangePassphrase(cfg *config.Config, oldPassphrase, newPassphrase string) error {
	if cfg.Encryption.Type != "" && cfg.Encryption.Type != "age" {
		return fmt.Errorf("encryption type %q has no passphrase", cfg.Encryption.Type)
	}
	enc := encryption.NewAgeEncryptor(cfg.Encryption)
	if !enc.IsConfigured() {
		return errors.New("encryption keys not set up")
	}
	return enc.ChangePassphrase(oldPassphrase, newPassphrase)
}

// PublicKey returns the age recipient offline data is encrypted to.
func PublicKey(cfg *config.Config) (string, error) {
	return encryption.NewAgeEncryptor(cfg.Encryption).PublicKey()
}
