package backup_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbackup/internal/backup"
	"zbackup/internal/testutil"
	"zbackup/internal/zfs"
)

const testFS = "tank/backup/web"

func managed(name string) map[string]string {
	return map[string]string{backup.PropertySnapshot: name}
}

// addHeld creates a managed snapshot holding tags.
func addHeld(t *testing.T, pool *zfs.MemoryPool, name string, tags ...string) *backup.Snapshot {
	t.Helper()
	snap := pool.AddSnapshot(testFS, name, managed(name))
	for _, tag := range tags {
		require.NoError(t, pool.Hold(context.Background(), snap, tag))
	}
	return snap
}

func day(limit int) backup.Interval {
	return backup.Interval{Name: "day", Limit: limit, Format: backup.PeriodDaily}
}

func releasedTags(result *backup.PurgeResult) []string {
	var tags []string
	for _, h := range result.Released {
		tags = append(tags, h.Snapshot.Name+" "+h.Tag)
	}
	return tags
}

func destroyedNames(result *backup.PurgeResult) []string {
	var names []string
	for _, s := range result.Destroyed {
		names = append(names, s.Name)
	}
	return names
}

func TestRetention_Purge_Dedup(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	addHeld(t, pool, "20240110-010000", "day/2024-01-10")
	addHeld(t, pool, "20240110-020000", "day/2024-01-10")
	addHeld(t, pool, "20240110-030000", "day/2024-01-10")

	r := backup.NewRetention(pool, backup.NewNopLogger(), false)
	result, err := r.Purge(ctx, testFS, []backup.Interval{day(7)}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"day/2024-01-10"}, pool.HoldTags(testFS, "20240110-030000"))
	assert.ElementsMatch(t, []string{"20240110-010000 day/2024-01-10", "20240110-020000 day/2024-01-10"}, releasedTags(result))
	assert.ElementsMatch(t, []string{"20240110-010000", "20240110-020000"}, destroyedNames(result))
	assert.Equal(t, []string{"20240110-030000"}, pool.SnapshotNames(testFS))
}

func TestRetention_Purge_Limit(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	for d := 6; d <= 10; d++ {
		addHeld(t, pool, fmt.Sprintf("202401%02d-000000", d), fmt.Sprintf("day/2024-01-%02d", d))
	}

	r := backup.NewRetention(pool, backup.NewNopLogger(), false)
	result, err := r.Purge(ctx, testFS, []backup.Interval{day(2)}, false)
	require.NoError(t, err)

	assert.Len(t, result.Released, 3)
	assert.Equal(t, []string{"20240109-000000", "20240110-000000"}, pool.SnapshotNames(testFS))
	assert.Equal(t, []string{"day/2024-01-09"}, pool.HoldTags(testFS, "20240109-000000"))
	assert.Equal(t, []string{"day/2024-01-10"}, pool.HoldTags(testFS, "20240110-000000"))
}

func TestRetention_Purge_Unlimited(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	for d := 1; d <= 5; d++ {
		addHeld(t, pool, fmt.Sprintf("202401%02d-000000", d), fmt.Sprintf("day/2024-01-%02d", d))
	}

	r := backup.NewRetention(pool, backup.NewNopLogger(), false)
	result, err := r.Purge(ctx, testFS, []backup.Interval{day(backup.Unlimited)}, false)
	require.NoError(t, err)

	assert.Empty(t, result.Released)
	assert.Empty(t, result.Destroyed)
	assert.Len(t, pool.SnapshotNames(testFS), 5)
}

func TestRetention_DisabledInterval(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	intervals := []backup.Interval{
		{Name: "hourly", Limit: 0, Format: backup.PeriodHourly},
		day(7),
	}
	r := backup.NewRetention(pool, backup.NewNopLogger(), false)

	// several runs, each placing the disabled tier's hold
	for h := 0; h < 3; h++ {
		now := time.Date(2024, 1, 10, h, 0, 0, 0, time.UTC)
		name := now.Format(backup.SnapshotTimeFormat)
		snap := pool.AddSnapshot(testFS, name, managed(name))

		placed, err := r.ApplyHolds(ctx, snap, intervals, now)
		require.NoError(t, err)
		assert.Contains(t, placed, fmt.Sprintf("hourly/2024-01-10T%02d", h))

		_, err = r.Purge(ctx, testFS, intervals, false)
		require.NoError(t, err)
	}

	holds, err := pool.Holds(ctx, testFS)
	require.NoError(t, err)
	for _, h := range holds {
		assert.NotContains(t, h.Tag, "hourly/", "disabled interval hold survived purge on %s", h.Snapshot)
	}
	assert.Equal(t, []string{"20240110-020000"}, pool.SnapshotNames(testFS))
	assert.Equal(t, []string{"day/2024-01-10"}, pool.HoldTags(testFS, "20240110-020000"))
}

func TestRetention_ApplyHolds_Idempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	intervals := []backup.Interval{
		{Name: "hourly", Limit: 24, Format: backup.PeriodHourly},
		day(7),
		{Name: "weekly", Limit: 4, Format: backup.PeriodWeekly},
	}

	run := func(times int) []string {
		pool := testutil.NewTestPool()
		addHeld(t, pool, "20240114-100000", "day/2024-01-14")
		snap := pool.AddSnapshot(testFS, "20240115-103000", managed("20240115-103000"))
		r := backup.NewRetention(pool, backup.NewNopLogger(), false)

		for i := 0; i < times; i++ {
			placed, err := r.ApplyHolds(ctx, snap, intervals, now)
			require.NoError(t, err)
			if i > 0 {
				assert.Empty(t, placed, "second ApplyHolds placed tags")
			}
		}
		_, err := r.Purge(ctx, testFS, intervals, false)
		require.NoError(t, err)

		holds, err := pool.Holds(ctx, testFS)
		require.NoError(t, err)
		var got []string
		for _, h := range holds {
			got = append(got, h.Snapshot.Name+" "+h.Tag)
		}
		return got
	}

	once := run(1)
	assert.Equal(t, once, run(2))
	assert.ElementsMatch(t, []string{
		"20240114-100000 day/2024-01-14",
		"20240115-103000 hourly/2024-01-15T10",
		"20240115-103000 day/2024-01-15",
		"20240115-103000 weekly/2024-W03",
	}, once)
}

func TestRetention_ApplyHolds_InvalidPeriod(t *testing.T) {
	pool := testutil.NewTestPool()
	snap := pool.AddSnapshot(testFS, "20240115-103000", nil)
	r := backup.NewRetention(pool, backup.NewNopLogger(), false)

	_, err := r.ApplyHolds(context.Background(), snap, []backup.Interval{{Name: "bad", Limit: 1, Format: "2006/01"}}, time.Now())
	require.Error(t, err)
	assert.Empty(t, pool.HoldTags(testFS, "20240115-103000"), "no hold placed when any tag is invalid")
}

func TestRetention_Purge_DestructionEligibility(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	pool.AddSnapshot(testFS, "20240101-000000", managed("20240101-000000"))
	pool.AddSnapshot(testFS, "20240102-000000", managed("20240102-000000"))
	pool.AddRef(testFS, "20240102-000000")
	pool.AddSnapshot(testFS, "20240103-000000", nil)
	addHeld(t, pool, "20240104-000000", "day/2024-01-04")

	r := backup.NewRetention(pool, backup.NewNopLogger(), false)

	t.Run("managed snapshots only", func(t *testing.T) {
		result, err := r.Purge(ctx, testFS, []backup.Interval{day(7)}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"20240101-000000"}, destroyedNames(result))
		assert.Equal(t, []string{"20240102-000000", "20240103-000000", "20240104-000000"}, pool.SnapshotNames(testFS))
	})

	t.Run("include unmanaged", func(t *testing.T) {
		result, err := r.Purge(ctx, testFS, []backup.Interval{day(7)}, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"20240103-000000"}, destroyedNames(result))
		assert.Equal(t, []string{"20240102-000000", "20240104-000000"}, pool.SnapshotNames(testFS))
	})
}

func TestRetention_Purge_HeldAndReferenced(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	addHeld(t, pool, "20240101-000000", "day/2024-01-01")
	pool.AddRef(testFS, "20240101-000000")
	addHeld(t, pool, "20240102-000000", "day/2024-01-02")

	r := backup.NewRetention(pool, backup.NewNopLogger(), false)
	result, err := r.Purge(ctx, testFS, []backup.Interval{day(1)}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"20240101-000000 day/2024-01-01"}, releasedTags(result))
	assert.Empty(t, result.Destroyed, "externally referenced snapshot must survive")
	assert.Empty(t, pool.HoldTags(testFS, "20240101-000000"))
	assert.Len(t, pool.SnapshotNames(testFS), 2)
}

func TestRetention_Purge_Inconsistencies(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	addHeld(t, pool, "20240101-000000", "malformed")
	addHeld(t, pool, "20240102-000000", "monthly/2024-01")
	addHeld(t, pool, "20240103-000000", "day/2024-01-03")
	addHeld(t, pool, "20240104-000000", "day/2024-01-04")

	logger := testutil.NewRecordingLogger()
	r := backup.NewRetention(pool, logger, false)
	result, err := r.Purge(ctx, testFS, []backup.Interval{day(1)}, false)
	require.NoError(t, err, "inconsistent holds never fail the purge")

	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "malformed", result.Skipped[0].Tag)
	assert.Len(t, logger.Entries("WARN"), 1)

	assert.Equal(t, []string{"20240103-000000 day/2024-01-03"}, releasedTags(result))
	assert.Equal(t, []string{"20240103-000000"}, destroyedNames(result))

	// tags of other intervals are left alone
	assert.Equal(t, []string{"malformed"}, pool.HoldTags(testFS, "20240101-000000"))
	assert.Equal(t, []string{"monthly/2024-01"}, pool.HoldTags(testFS, "20240102-000000"))
}

func TestRetention_Purge_Deterministic(t *testing.T) {
	ctx := context.Background()
	intervals := []backup.Interval{day(2), {Name: "month", Limit: 1, Format: backup.PeriodMonthly}}

	type placement struct {
		snapshot string
		tag      string
	}
	placements := []placement{
		{"20240107-000000", "day/2024-01-07"},
		{"20240108-000000", "day/2024-01-08"},
		{"20240108-120000", "day/2024-01-08"},
		{"20240109-000000", "day/2024-01-09"},
		{"20240107-000000", "month/2024-01"},
		{"20240109-000000", "month/2024-01"},
		{"20231231-000000", "month/2023-12"},
	}

	purge := func(order []int) []string {
		pool := testutil.NewTestPool()
		for _, name := range []string{"20231231-000000", "20240107-000000", "20240108-000000", "20240108-120000", "20240109-000000"} {
			pool.AddSnapshot(testFS, name, managed(name))
		}
		for _, i := range order {
			p := placements[i]
			require.NoError(t, pool.Hold(ctx, &backup.Snapshot{Filesystem: testFS, Name: p.snapshot}, p.tag))
		}

		_, err := backup.NewRetention(pool, backup.NewNopLogger(), false).Purge(ctx, testFS, intervals, false)
		require.NoError(t, err)

		holds, err := pool.Holds(ctx, testFS)
		require.NoError(t, err)
		var got []string
		for _, h := range holds {
			got = append(got, h.Snapshot.Name+" "+h.Tag)
		}
		return got
	}

	forward := purge([]int{0, 1, 2, 3, 4, 5, 6})
	assert.ElementsMatch(t, []string{
		"20240108-120000 day/2024-01-08",
		"20240109-000000 day/2024-01-09",
		"20240109-000000 month/2024-01",
	}, forward)
	assert.ElementsMatch(t, forward, purge([]int{6, 5, 4, 3, 2, 1, 0}))
	assert.ElementsMatch(t, forward, purge([]int{2, 4, 0, 6, 1, 3, 5}))
}

func TestRetention_ApplyHolds_Noop(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	snap := pool.AddSnapshot(testFS, "20240115-103000", nil)
	logger := testutil.NewRecordingLogger()

	r := backup.NewRetention(pool, logger, true)
	placed, err := r.ApplyHolds(ctx, snap, []backup.Interval{day(7)}, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Empty(t, placed)
	assert.Empty(t, pool.HoldTags(testFS, "20240115-103000"))

	entries := logger.Entries("INFO")
	require.Len(t, entries, 1)
	assert.Equal(t, "noop: hold", entries[0].Msg)
}

func TestRetention_Purge_Noop(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestPool()
	addHeld(t, pool, "20240101-000000", "day/2024-01-01")
	addHeld(t, pool, "20240102-000000", "day/2024-01-02")

	r := backup.NewRetention(pool, backup.NewNopLogger(), true)
	result, err := r.Purge(ctx, testFS, []backup.Interval{day(1)}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"20240101-000000 day/2024-01-01"}, releasedTags(result))
	assert.Equal(t, []string{"20240101-000000"}, destroyedNames(result))
	assert.Equal(t, []string{"day/2024-01-01"}, pool.HoldTags(testFS, "20240101-000000"), "noop released a hold")
	assert.Len(t, pool.SnapshotNames(testFS), 2, "noop destroyed a snapshot")
}
