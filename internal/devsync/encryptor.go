package devsync

import "io"

// Encryptor protects cached offline payloads at rest.
// Encryption needs only the public key so background downloads never prompt.
// Reading an encrypted entry back requires a DecryptionContext obtained by
// unlocking the private key with a passphrase.
type Encryptor interface {
	// Setup generates the key pair and protects the private key with passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key. Returns an error for a wrong passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether the key material exists.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the lifetime
// of a session. It is never written to disk.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
