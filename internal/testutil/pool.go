package testutil

import (
	"zbackup/internal/zfs"
)

// NewTestPool creates an empty in-memory zfs pool.
func NewTestPool() *zfs.MemoryPool {
	return zfs.NewMemoryPool()
}
