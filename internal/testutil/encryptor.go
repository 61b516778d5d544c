package testutil

import "devsync/internal/encryption"

// NewTestEncryptor creates a deterministic encryptor that accepts any
// passphrase until Setup is called.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}
