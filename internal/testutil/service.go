package testutil

import (
	"testing"

	"zbackup/internal/backup"
	"zbackup/internal/database"
	"zbackup/internal/encryption"
	"zbackup/internal/vault"
	"zbackup/internal/zfs"
)

// ServiceFixture bundles a backup.Service with the in-memory collaborators
// it was built from, so tests can arrange and inspect pool state directly.
type ServiceFixture struct {
	Service   *backup.Service
	Pool      *zfs.MemoryPool
	Database  *database.SQLiteDatabase
	Vault     *vault.MemoryVault
	Encryptor *encryption.TestEncryptor
	Logger    *RecordingLogger
	Clock     *StubClock
}

// NewServiceFixture creates a Service over an empty in-memory pool, an
// in-memory database and vault, the test encryptor and a FixedClock.
func NewServiceFixture(t *testing.T, opts backup.Options) *ServiceFixture {
	t.Helper()

	f := &ServiceFixture{
		Pool:      NewTestPool(),
		Database:  NewTestDatabase(t),
		Vault:     NewTestVault(),
		Encryptor: NewTestEncryptor(),
		Logger:    NewRecordingLogger(),
		Clock:     FixedClock(),
	}
	f.Service = backup.NewService(f.Pool, f.Database, f.Vault, f.Encryptor, f.Logger, f.Clock, NewStubIDGenerator(), opts)
	return f
}
