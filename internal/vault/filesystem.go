package vault

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"zbackup/internal/backup"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// Streams are stored as files named by their key:
//
//	<root>/
//	  streams/
//	    <pool>/<filesystem>/<snapshot>.<id>
type FileSystemVault struct {
	name       string
	root       string
	streamsDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	streamsDir := filepath.Join(root, "streams")

	if err := os.MkdirAll(streamsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create streams directory: %w", err)
	}

	return &FileSystemVault{
		name:       name,
		root:       root,
		streamsDir: streamsDir,
	}, nil
}

// PutStream stores the stream read from r under key.
// The file only becomes visible once the whole stream has been written.
func (v *FileSystemVault) PutStream(key string, r io.Reader) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	destPath := filepath.Join(v.streamsDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create stream directory: %w", err)
	}

	return v.writeFile(destPath, r)
}

// GetStream writes the stream stored under key to w.
func (v *FileSystemVault) GetStream(key string, w io.Writer) error {
	if err := checkKey(key); err != nil {
		return err
	}

	srcPath := filepath.Join(v.streamsDir, filepath.FromSlash(key))
	return v.readFile(srcPath, w, fmt.Sprintf("stream not found: %s", key))
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.streamsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}

	return nil
}

func (v *FileSystemVault) String() string {
	return "filesystem:" + v.name
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (v *FileSystemVault) writeFile(destPath string, r io.Reader) (int64, error) {
	// Create temp file in the same directory to ensure atomic rename works
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("failed to write stream: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return written, nil
}

// readFile reads from the specified path and writes to w.
func (v *FileSystemVault) readFile(srcPath string, w io.Writer, notFoundMsg string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s", notFoundMsg)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	return nil
}

var _ backup.Vault = (*FileSystemVault)(nil)
