package encryption

import (
	"bytes"
	"fmt"
	"io"

	"zbackup/internal/backup"
)

// testHeader is prepended to streams by TestEncryptor so that "encrypted"
// output differs from the plaintext send stream while staying reversible.
var testHeader = []byte("ZBKENC\x00\x00")

// TestEncryptor is a deterministic, crypto-free encryptor for tests and for
// the "test" encryption type. It must never be used for real archives.
type TestEncryptor struct {
	setupCalled bool
	unlocked    []string
}

var _ backup.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying stream: %w", err)
	}
	return nil
}

// Unlock records the passphrase and accepts any value.
func (e *TestEncryptor) Unlock(passphrase string) (backup.DecryptionContext, error) {
	e.unlocked = append(e.unlocked, passphrase)
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// Unlocked returns the passphrases Unlock was called with.
func (e *TestEncryptor) Unlocked() []string {
	return e.unlocked
}

// TestDecryptionContext strips the test header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ backup.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying stream: %w", err)
	}
	return nil
}
