package backup_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbackup/internal/backup"
	"zbackup/internal/testutil"
)

func TestService_Archive_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewServiceFixture(t, backup.Options{BookmarkPrefix: "host1"})
	f.Pool.AddSnapshot("tank/home", "20240114-103000", managed("20240114-103000"))
	f.Pool.AddSnapshot("tank/home", "20240115-103000", managed("20240115-103000"))

	archive, err := f.Service.Archive(ctx, "tank/home", "", "")
	require.NoError(t, err)
	assert.Equal(t, "20240115-103000", archive.Snapshot)
	assert.True(t, archive.Encrypted)
	assert.Positive(t, archive.Size)

	key := backup.ArchiveKey(archive)
	assert.Equal(t, "tank/home/20240115-103000."+archive.ID, key)
	assert.Equal(t, []string{key}, f.Vault.Keys("tank/home/"))

	var stored bytes.Buffer
	require.NoError(t, f.Vault.GetStream(key, &stored))
	assert.Equal(t, int64(stored.Len()), archive.Size)
	assert.NotContains(t, stored.String()[:8], "zbackup", "stored stream is not encrypted")

	found, err := f.Service.FindArchive(archive.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, archive.Snapshot, found.Snapshot)

	archives, err := f.Service.ListArchives("tank/home")
	require.NoError(t, err)
	assert.Len(t, archives, 1)

	t.Run("restore requires decryption", func(t *testing.T) {
		err := f.Service.RestoreArchive(ctx, archive.ID, nil, "tank/restore", backup.ReceiveOptions{})
		assert.ErrorContains(t, err, "encrypted")
		assert.False(t, f.Pool.HasFilesystem("tank/restore"))
	})

	t.Run("restore into new filesystem", func(t *testing.T) {
		dc, err := f.Encryptor.Unlock("passphrase")
		require.NoError(t, err)

		require.NoError(t, f.Service.RestoreArchive(ctx, archive.ID, dc, "tank/restore", backup.ReceiveOptions{}))
		assert.Equal(t, []string{"20240115-103000"}, f.Pool.SnapshotNames("tank/restore"))
	})

	t.Run("restore over existing filesystem needs force", func(t *testing.T) {
		f.Pool.AddSnapshot("tank/busy", "20230101-000000", nil)
		dc, err := f.Encryptor.Unlock("passphrase")
		require.NoError(t, err)

		err = f.Service.RestoreArchive(ctx, archive.ID, dc, "tank/busy", backup.ReceiveOptions{})
		var te *backup.TransferError
		require.ErrorAs(t, err, &te)

		require.NoError(t, f.Service.RestoreArchive(ctx, archive.ID, dc, "tank/busy", backup.ReceiveOptions{Force: true}))
		assert.Equal(t, []string{"20240115-103000"}, f.Pool.SnapshotNames("tank/busy"))
	})
}

func TestService_Archive_Incremental(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewServiceFixture(t, backup.Options{BookmarkPrefix: "host1"})
	f.Pool.AddSnapshot("tank/home", "20240114-103000", nil)
	f.Pool.AddSnapshot("tank/home", "20240115-103000", nil)

	archive, err := f.Service.Archive(ctx, "tank/home", "20240115-103000", "20240114-103000")
	require.NoError(t, err)
	assert.Equal(t, "@20240114-103000", archive.Base)

	_, err = f.Service.Archive(ctx, "tank/home", "20240115-103000", "#missing")
	var te *backup.TransferError
	require.ErrorAs(t, err, &te)

	archives, err := f.Service.ListArchives("")
	require.NoError(t, err)
	assert.Len(t, archives, 1, "failed archive was recorded")
}

func TestService_Archive_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no vault", func(t *testing.T) {
		svc := backup.NewService(testutil.NewTestPool(), testutil.NewTestDatabase(t), nil, nil,
			backup.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator(), backup.Options{})
		_, err := svc.Archive(ctx, "tank/home", "", "")
		assert.ErrorContains(t, err, "no vault")
	})

	t.Run("no snapshots", func(t *testing.T) {
		f := testutil.NewServiceFixture(t, backup.Options{})
		f.Pool.AddFilesystem("tank/home", nil)
		_, err := f.Service.Archive(ctx, "tank/home", "", "")
		assert.ErrorContains(t, err, "no snapshots")
	})

	t.Run("unknown archive", func(t *testing.T) {
		f := testutil.NewServiceFixture(t, backup.Options{})
		err := f.Service.RestoreArchive(ctx, "nope", nil, "", backup.ReceiveOptions{})
		assert.ErrorContains(t, err, "archive not found")
	})

	t.Run("noop", func(t *testing.T) {
		f := testutil.NewServiceFixture(t, backup.Options{Noop: true})
		f.Pool.AddSnapshot("tank/home", "20240115-103000", nil)
		archive, err := f.Service.Archive(ctx, "tank/home", "*", "")
		require.NoError(t, err)
		assert.Equal(t, "20240115-103000", archive.Snapshot)
		assert.Empty(t, f.Vault.Keys(""))
	})
}
