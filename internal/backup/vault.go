package backup

import "io"

// Vault stores archived send streams.
// All operations stream through io.Reader/io.Writer so that streams of any
// size never have to fit in memory.
type Vault interface {
	// PutStream stores everything read from r under key and returns the
	// number of bytes stored.
	PutStream(key string, r io.Reader) (int64, error)

	// GetStream writes the stream stored under key to w.
	GetStream(key string, w io.Writer) error

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
