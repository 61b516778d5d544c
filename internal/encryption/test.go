package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"devsync/internal/devsync"
)

// testHeader marks payloads written by TestEncryptor.
var testHeader = []byte("DSENC\x00\x00\x00")

// ErrWrongPassphrase is returned by TestEncryptor.Unlock for a passphrase
// other than the one given to Setup.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// TestEncryptor is a deterministic encryptor for tests. It prepends a fixed
// header on encryption and strips it on decryption, so ciphertext differs
// from plaintext without any real cryptography. A passphrase given to Setup
// is enforced by Unlock.
type TestEncryptor struct {
	mu         sync.Mutex
	passphrase string
	configured bool
}

var _ devsync.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a configured TestEncryptor that accepts any
// passphrase until Setup is called.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{configured: true}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passphrase = passphrase
	e.configured = true
	return nil
}

// SetConfigured toggles IsConfigured, simulating missing key material.
func (e *TestEncryptor) SetConfigured(configured bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configured = configured
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (devsync.DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.passphrase != "" && passphrase != e.passphrase {
		return nil, ErrWrongPassphrase
	}
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configured
}

// TestDecryptionContext strips the header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ devsync.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
