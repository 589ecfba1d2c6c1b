package vault

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileSystemVault(t *testing.T) {
	t.Run("creates directory structure", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "vault")

		v, err := NewFileSystemVault("test", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		if _, err := os.Stat(filepath.Join(root, "streams")); err != nil {
			t.Errorf("streams directory not created: %v", err)
		}
		if v.name != "test" {
			t.Errorf("name = %q, want %q", v.name, "test")
		}
	})

	t.Run("works with existing directory", func(t *testing.T) {
		if _, err := NewFileSystemVault("test", t.TempDir()); err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
	})
}

func TestFileSystemVault_PutStream(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		data    string
		wantErr bool
	}{
		{
			name: "nested key",
			key:  "tank/home/20240101-000000.abc",
			data: "stream data",
		},
		{
			name: "empty stream",
			key:  "tank/empty.1",
			data: "",
		},
		{
			name:    "absolute key",
			key:     "/etc/passwd",
			wantErr: true,
		},
		{
			name:    "key escaping the vault",
			key:     "tank/../../outside",
			wantErr: true,
		},
		{
			name:    "empty key",
			key:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewFileSystemVault("test", t.TempDir())
			if err != nil {
				t.Fatalf("NewFileSystemVault() error = %v", err)
			}

			n, err := v.PutStream(tt.key, strings.NewReader(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("PutStream() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if n != int64(len(tt.data)) {
				t.Errorf("PutStream() = %d bytes, want %d", n, len(tt.data))
			}

			got, err := os.ReadFile(filepath.Join(v.streamsDir, filepath.FromSlash(tt.key)))
			if err != nil {
				t.Fatalf("stream file not written: %v", err)
			}
			if string(got) != tt.data {
				t.Errorf("stream file = %q, want %q", got, tt.data)
			}
		})
	}
}

func TestFileSystemVault_PutStream_Overwrites(t *testing.T) {
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if _, err := v.PutStream("tank/a.1", strings.NewReader("first")); err != nil {
		t.Fatalf("PutStream() error = %v", err)
	}
	if _, err := v.PutStream("tank/a.1", strings.NewReader("second")); err != nil {
		t.Fatalf("PutStream() error = %v", err)
	}

	var buf bytes.Buffer
	if err := v.GetStream("tank/a.1", &buf); err != nil {
		t.Fatalf("GetStream() error = %v", err)
	}
	if buf.String() != "second" {
		t.Errorf("GetStream() = %q, want %q", buf.String(), "second")
	}
}

func TestFileSystemVault_GetStream(t *testing.T) {
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if _, err := v.PutStream("tank/home/s.1", strings.NewReader("hello world")); err != nil {
		t.Fatalf("PutStream() error = %v", err)
	}

	t.Run("existing stream", func(t *testing.T) {
		var buf bytes.Buffer
		if err := v.GetStream("tank/home/s.1", &buf); err != nil {
			t.Fatalf("GetStream() error = %v", err)
		}
		if buf.String() != "hello world" {
			t.Errorf("GetStream() = %q, want %q", buf.String(), "hello world")
		}
	})

	t.Run("missing stream", func(t *testing.T) {
		err := v.GetStream("tank/home/missing", io.Discard)
		if err == nil || !strings.Contains(err.Error(), "stream not found") {
			t.Errorf("GetStream() error = %v, want stream not found", err)
		}
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("send failed")
}

func TestFileSystemVault_PutStream_ReadError(t *testing.T) {
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if _, err := v.PutStream("tank/broken.1", io.MultiReader(strings.NewReader("partial"), failingReader{})); err == nil {
		t.Fatal("PutStream() expected error")
	}

	if err := v.GetStream("tank/broken.1", io.Discard); err == nil {
		t.Error("GetStream() found a stream from a failed upload")
	}
}

func TestFileSystemVault_ValidateSetup(t *testing.T) {
	t.Run("valid setup", func(t *testing.T) {
		v, err := NewFileSystemVault("test", t.TempDir())
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		if err := v.ValidateSetup(); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})

	t.Run("missing root directory", func(t *testing.T) {
		v := &FileSystemVault{
			name:       "test",
			root:       "/nonexistent/path",
			streamsDir: "/nonexistent/path/streams",
		}

		if err := v.ValidateSetup(); err == nil {
			t.Error("ValidateSetup() expected error for missing root")
		}
	})
}

func TestFileSystemVault_AtomicWrite(t *testing.T) {
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if _, err := v.PutStream("tank/s.1", strings.NewReader("hello world")); err != nil {
		t.Fatalf("PutStream() error = %v", err)
	}

	// Check for leftover temp files
	entries, err := os.ReadDir(filepath.Join(v.streamsDir, "tank"))
	if err != nil {
		t.Fatalf("failed to read stream dir: %v", err)
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}
