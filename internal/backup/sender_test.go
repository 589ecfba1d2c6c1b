package backup_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbackup/internal/backup"
	"zbackup/internal/testutil"
)

func TestSender_Send(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		req           backup.SendRequest
		wantSnapshot  string
		wantBookmarks []string
		wantErr       string
	}{
		{
			name:          "most recent snapshot",
			req:           backup.SendRequest{Snapshot: "*", Bookmark: "host1:b"},
			wantSnapshot:  "tank/web@20240102-000000",
			wantBookmarks: []string{"host1:a", "host1:b", "host1:old", "other:x"},
		},
		{
			name:          "named snapshot",
			req:           backup.SendRequest{Snapshot: "20240101-000000"},
			wantSnapshot:  "tank/web@20240101-000000",
			wantBookmarks: []string{"host1:a", "host1:old", "other:x"},
		},
		{
			name: "purge keeps current and kept bookmarks",
			req: backup.SendRequest{
				Snapshot:       "*",
				Base:           backup.Base{Kind: backup.BaseBookmark, Name: "host1:a"},
				Bookmark:       "host1:b",
				PurgeBookmarks: "host1:*",
				KeepBookmarks:  []string{"host1:a"},
			},
			wantSnapshot:  "tank/web@20240102-000000",
			wantBookmarks: []string{"host1:a", "host1:b", "other:x"},
		},
		{
			name: "existing bookmark is reused",
			req: backup.SendRequest{
				Snapshot:       "*",
				Bookmark:       "host1:a",
				PurgeBookmarks: "host1:*",
			},
			wantSnapshot:  "tank/web@20240102-000000",
			wantBookmarks: []string{"host1:a", "other:x"},
		},
		{
			name:    "missing snapshot",
			req:     backup.SendRequest{Snapshot: "20230101-000000"},
			wantErr: "does not exist",
		},
		{
			name:    "invalid purge pattern",
			req:     backup.SendRequest{Snapshot: "*", PurgeBookmarks: "host1:["},
			wantErr: "invalid bookmark pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := testutil.NewTestPool()
			first := pool.AddSnapshot(srcFS, "20240101-000000", nil)
			pool.AddSnapshot(srcFS, "20240102-000000", nil)
			for _, name := range []string{"host1:a", "host1:old", "other:x"} {
				_, err := pool.CreateBookmark(ctx, first, name)
				require.NoError(t, err)
			}

			sender := backup.NewSender(pool, backup.NewNopLogger(), testutil.FixedClock(), false)
			source := backup.NewLocalSource(sender, srcFS)
			assert.Equal(t, srcFS, source.String())

			var stream bytes.Buffer
			err := source.Send(ctx, tt.req, &stream)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, stream.String(), tt.wantSnapshot)
			assert.Equal(t, tt.wantBookmarks, pool.BookmarkNames(srcFS))
		})
	}
}

func TestSender_Send_TemporarySnapshot(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	pool.AddFilesystem(srcFS, nil)

	sender := backup.NewSender(pool, backup.NewNopLogger(), testutil.FixedClock(), false)

	var stream bytes.Buffer
	err := sender.Send(ctx, backup.SendRequest{Filesystem: srcFS, Bookmark: "host1:20240115-103000"}, &stream)
	require.NoError(t, err)

	assert.Contains(t, stream.String(), srcFS+"@"+backup.TemporarySnapshotPrefix+"20240115-103000")
	assert.Empty(t, pool.SnapshotNames(srcFS), "temporary snapshot left behind")
	assert.Equal(t, []string{"host1:20240115-103000"}, pool.BookmarkNames(srcFS))
}

func TestSender_Send_Noop(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	pool.AddSnapshot(srcFS, "20240101-000000", nil)

	sender := backup.NewSender(pool, backup.NewNopLogger(), testutil.FixedClock(), true)

	t.Run("temporary snapshot sends nothing", func(t *testing.T) {
		var stream bytes.Buffer
		require.NoError(t, sender.Send(ctx, backup.SendRequest{Filesystem: srcFS, Bookmark: "host1:x"}, &stream))
		assert.Zero(t, stream.Len())
		assert.Equal(t, []string{"20240101-000000"}, pool.SnapshotNames(srcFS))
	})

	t.Run("existing snapshot still streams", func(t *testing.T) {
		var stream bytes.Buffer
		require.NoError(t, sender.Send(ctx, backup.SendRequest{Filesystem: srcFS, Snapshot: "*", Bookmark: "host1:x"}, &stream))
		assert.True(t, strings.Contains(stream.String(), "20240101-000000"))
		assert.Empty(t, pool.BookmarkNames(srcFS))
	})
}

func TestSender_Send_PurgeAllowed(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	snap := pool.AddSnapshot(srcFS, "20240101-000000", nil)
	for _, name := range []string{"host-a:old", "host-production:old"} {
		_, err := pool.CreateBookmark(ctx, snap, name)
		require.NoError(t, err)
	}

	sender := backup.NewSender(pool, backup.NewNopLogger(), testutil.FixedClock(), false)
	err := sender.Send(ctx, backup.SendRequest{
		Filesystem:     srcFS,
		Snapshot:       "*",
		Bookmark:       "host-a:20240101-000000",
		PurgeBookmarks: "host-*:*",
		PurgeAllowed:   func(name string) bool { return strings.HasPrefix(name, "host-a:") },
	}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, []string{"host-a:20240101-000000", "host-production:old"}, pool.BookmarkNames(srcFS))
}

func TestSender_Send_MissingFilesystem(t *testing.T) {
	sender := backup.NewSender(testutil.NewTestPool(), backup.NewNopLogger(), testutil.FixedClock(), false)

	err := sender.Send(context.Background(), backup.SendRequest{Filesystem: "tank/missing", Snapshot: "*"}, &bytes.Buffer{})
	assert.True(t, backup.IsConfigurationError(err), "error = %v", err)
}
