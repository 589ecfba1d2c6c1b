package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"zbackup/internal/backup"
	"zbackup/internal/config"
	"zbackup/internal/policy"
	"zbackup/internal/testutil"
	"zbackup/internal/vault"
	"zbackup/internal/zfs"
)

const snapshotName = "20240115-103000"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig("host-1", t.TempDir(), "host1")
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.Vaults = []config.VaultConfig{{Type: "memory", Name: "mem"}}
	cfg.Metrics.Textfile = filepath.Join(cfg.BaseDir, "zbackup.prom")
	cfg.Targets = []config.TargetConfig{
		{Name: "web", Filesystem: "backup/web", Source: "tank/web", Create: true, Intervals: []string{"hourly"}},
		{Name: "home", Filesystem: "tank/home", Intervals: []string{"daily"}},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

type appFixture struct {
	app    *App
	pool   *zfs.MemoryPool
	logger *testutil.RecordingLogger
}

func newTestApp(t *testing.T, cfg *config.Config, operation string, opts Options) *appFixture {
	t.Helper()
	pool := testutil.NewTestPool()
	pool.AddFilesystem("tank/web", nil)
	pool.AddFilesystem("tank/home", nil)
	logger := testutil.NewRecordingLogger()

	a, err := newApp(context.Background(), cfg, operation, opts, dependencies{
		pool:   pool,
		logger: logger,
		clock:  testutil.FixedClock(),
		idgen:  testutil.NewStubIDGenerator(),
	})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	return &appFixture{app: a, pool: pool, logger: logger}
}

func (f *appFixture) memoryVault(t *testing.T) *vault.MemoryVault {
	t.Helper()
	v, ok := f.app.vault.(*vault.MemoryVault)
	if !ok {
		t.Fatalf("vault = %T, want *vault.MemoryVault", f.app.vault)
	}
	return v
}

func TestApp_Backup(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	f := newTestApp(t, cfg, "Backup", Options{})

	results, err := f.app.Backup(ctx, nil)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if len(results) != 2 || results[0].Target != "web" || results[1].Target != "home" {
		t.Fatalf("Backup() results = %+v, want web then home", results)
	}

	if got := f.pool.SnapshotNames("backup/web"); len(got) != 1 || got[0] != snapshotName {
		t.Errorf("backup/web snapshots = %v, want [%s]", got, snapshotName)
	}
	if got := f.pool.Property("backup/web", backup.PropertySource); got != "tank/web" {
		t.Errorf("backup/web source = %q, want tank/web", got)
	}
	if got := f.pool.HoldTags("backup/web", snapshotName); len(got) != 1 || got[0] != "hourly/2024-01-15T10" {
		t.Errorf("backup/web holds = %v", got)
	}
	if got := f.pool.SnapshotNames("tank/web"); len(got) != 0 {
		t.Errorf("tank/web kept snapshots %v, want the temporary snapshot destroyed", got)
	}
	if got := f.pool.BookmarkNames("tank/web"); len(got) != 1 || got[0] != "host1:"+snapshotName {
		t.Errorf("tank/web bookmarks = %v", got)
	}
	if got := f.pool.HoldTags("tank/home", snapshotName); len(got) != 1 || got[0] != "daily/2024-01-15" {
		t.Errorf("tank/home holds = %v", got)
	}

	transfers, err := f.app.GetTransfers("web", 10)
	if err != nil {
		t.Fatalf("GetTransfers() error = %v", err)
	}
	if len(transfers) != 1 || transfers[0].Bookmark != "host1:"+snapshotName {
		t.Errorf("GetTransfers() = %+v", transfers)
	}

	if _, err := os.Stat(cfg.Metrics.Textfile); err != nil {
		t.Errorf("metrics textfile not written: %v", err)
	}

	ops, err := f.app.GetHistory(10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Operation != "Backup" {
		t.Fatalf("GetHistory() = %+v, want one Backup operation", ops)
	}

	v := f.memoryVault(t)
	if err := f.app.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if keys := v.Keys("metadata/"); len(keys) != 1 || keys[0] != HistoryKey("host-1") {
		t.Errorf("vault metadata keys = %v, want the history database", keys)
	}
}

func TestApp_Backup_SelectedTargets(t *testing.T) {
	ctx := context.Background()
	f := newTestApp(t, testConfig(t), "Backup", Options{})
	defer f.app.Close()

	if _, err := f.app.Backup(ctx, []string{"home"}); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if f.pool.HasFilesystem("backup/web") {
		t.Error("unselected target web was backed up")
	}
	if f.app.op.Parameters != "home" {
		t.Errorf("Parameters = %q, want %q", f.app.op.Parameters, "home")
	}
}

func TestApp_Backup_UnknownTarget(t *testing.T) {
	f := newTestApp(t, testConfig(t), "Backup", Options{})
	defer f.app.Close()

	_, err := f.app.Backup(context.Background(), []string{"nope"})
	var ce *backup.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("Backup() error = %v, want *backup.ConfigurationError", err)
	}
	if ExitCode(err) != ExitConfiguration {
		t.Errorf("ExitCode() = %d, want %d", ExitCode(err), ExitConfiguration)
	}
	if f.app.op.Status != "error" {
		t.Errorf("op.Status = %q, want error", f.app.op.Status)
	}
}

func TestApp_Backup_StopsAtFirstFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Targets[0].Source = "tank/missing"
	f := newTestApp(t, cfg, "Backup", Options{})
	defer f.app.Close()

	results, err := f.app.Backup(context.Background(), nil)
	if err == nil {
		t.Fatal("Backup() expected error for a missing source")
	}
	if !strings.Contains(err.Error(), "backup web") {
		t.Errorf("Backup() error = %q, want it to name the target", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none", results)
	}
	if got := f.pool.SnapshotNames("tank/home"); len(got) != 0 {
		t.Errorf("tank/home snapshots = %v, want none after an earlier failure", got)
	}
	if f.app.op.Status != "error" || f.app.op.Error == "" {
		t.Errorf("op = %+v, want a recorded error", f.app.op)
	}
}

func TestApp_Backup_Noop(t *testing.T) {
	f := newTestApp(t, testConfig(t), "Backup", Options{Noop: true})
	v := f.memoryVault(t)

	if _, err := f.app.Backup(context.Background(), nil); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if f.pool.HasFilesystem("backup/web") {
		t.Error("noop backup created the destination")
	}
	if got := f.pool.SnapshotNames("tank/home"); len(got) != 0 {
		t.Errorf("noop backup created snapshots %v", got)
	}
	if f.app.op.Parameters != "--noop" {
		t.Errorf("Parameters = %q, want --noop", f.app.op.Parameters)
	}

	if err := f.app.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if keys := v.Keys(""); len(keys) != 0 {
		t.Errorf("noop run stored %v in the vault", keys)
	}
}

func TestApp_PurgeAndListings(t *testing.T) {
	ctx := context.Background()
	f := newTestApp(t, testConfig(t), "Purge", Options{})
	defer f.app.Close()

	f.pool.AddSnapshot("tank/home", "20240101-000000", map[string]string{backup.PropertySnapshot: "20240101-000000"})
	kept := f.pool.AddSnapshot("tank/home", "20240114-000000", map[string]string{backup.PropertySnapshot: "20240114-000000"})
	if err := f.pool.Hold(ctx, kept, "daily/2024-01-14"); err != nil {
		t.Fatal(err)
	}

	results, err := f.app.Purge(ctx, []string{"home"})
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if r := results["home"]; r == nil || len(r.Destroyed) != 1 || r.Destroyed[0].Name != "20240101-000000" {
		t.Errorf("Purge() = %+v, want the unheld snapshot destroyed", results)
	}

	snapshots, holds, err := f.app.Snapshots(ctx, "home")
	if err != nil {
		t.Fatalf("Snapshots() error = %v", err)
	}
	if len(snapshots) != 1 || len(holds) != 1 {
		t.Errorf("Snapshots() = %d snapshots, %d holds, want 1 and 1", len(snapshots), len(holds))
	}

	holds, err = f.app.Holds(ctx, "tank/home")
	if err != nil {
		t.Fatalf("Holds() error = %v", err)
	}
	if len(holds) != 1 || holds[0].Tag != "daily/2024-01-14" {
		t.Errorf("Holds() = %+v", holds)
	}

	if _, err := f.app.Purge(ctx, []string{"web"}); err == nil {
		t.Error("Purge() of a missing destination expected error")
	}
}

func TestApp_ArchiveRestore(t *testing.T) {
	ctx := context.Background()
	f := newTestApp(t, testConfig(t), "Archive", Options{})
	defer f.app.Close()

	if _, err := f.app.Backup(ctx, []string{"home"}); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	archive, err := f.app.Archive(ctx, "home", "", "")
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if archive.Filesystem != "tank/home" || archive.Snapshot != snapshotName || !archive.Encrypted {
		t.Errorf("Archive() = %+v", archive)
	}

	archives, err := f.app.ListArchives("home")
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if len(archives) != 1 || archives[0].ID != archive.ID {
		t.Fatalf("ListArchives() = %+v", archives)
	}

	found, err := f.app.FindArchive(archive.ID)
	if err != nil || found == nil {
		t.Fatalf("FindArchive() = %v, %v", found, err)
	}

	dc, err := f.app.Unlock("secret")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := f.app.RestoreArchive(ctx, archive.ID, dc, "tank/restored", false); err != nil {
		t.Fatalf("RestoreArchive() error = %v", err)
	}
	if got := f.pool.SnapshotNames("tank/restored"); len(got) != 1 || got[0] != snapshotName {
		t.Errorf("tank/restored snapshots = %v", got)
	}
}

func TestApp_UnknownVault(t *testing.T) {
	cfg := testConfig(t)
	_, err := newApp(context.Background(), cfg, "Archive", Options{Vault: "offsite"}, dependencies{
		pool:   testutil.NewTestPool(),
		logger: backup.NewNopLogger(),
		clock:  testutil.FixedClock(),
		idgen:  testutil.NewStubIDGenerator(),
	})
	if ExitCode(err) != ExitConfiguration {
		t.Errorf("newApp() error = %v, want a configuration error", err)
	}
}

func TestAuthorizeCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restrict = config.RestrictConfig{Names: []string{"tank/*"}, Bookmarks: []string{"host1:*"}, RawOnly: true}

	tests := []struct {
		line   string
		denied bool
	}{
		{line: "zfs send -w --bookmark=host1:x --purge-bookmarks=host1:* tank/web", denied: false},
		{line: "zfs send tank/web", denied: true},
		{line: "zfs send -w tank/web/sub", denied: true},
		{line: "zfs send -w --bookmark=other:x tank/web", denied: true},
		{line: "zfs receive tank/web", denied: true},
		{line: "rm -rf /", denied: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := AuthorizeCommand(cfg, tt.line)
			var de *policy.DeniedError
			if got := errors.As(err, &de); got != tt.denied {
				t.Errorf("AuthorizeCommand() error = %v, denied = %v, want %v", err, got, tt.denied)
			}
		})
	}
}

func TestApp_ServeCommand(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	f := newTestApp(t, cfg, "SSHCommand", Options{})
	defer f.app.Close()

	req, err := AuthorizeCommand(cfg, "zfs send --bookmark=host2:"+snapshotName+" --purge-bookmarks=host2:* tank/web")
	if err != nil {
		t.Fatalf("AuthorizeCommand() error = %v", err)
	}

	var stream bytes.Buffer
	if err := f.app.ServeCommand(ctx, req, nil, &stream); err != nil {
		t.Fatalf("ServeCommand() error = %v", err)
	}
	if stream.Len() == 0 {
		t.Error("ServeCommand() wrote no stream")
	}
	if got := f.pool.BookmarkNames("tank/web"); len(got) != 1 || got[0] != "host2:"+snapshotName {
		t.Errorf("bookmarks = %v", got)
	}
	if !strings.HasPrefix(f.app.op.Parameters, "zfs send") {
		t.Errorf("Parameters = %q, want the served command", f.app.op.Parameters)
	}

	cfg.Restrict.AllowReceive = true
	recv, err := AuthorizeCommand(cfg, "zfs receive backup/copy@"+snapshotName)
	if err != nil {
		t.Fatalf("AuthorizeCommand() error = %v", err)
	}
	if err := f.app.ServeCommand(ctx, recv, &stream, nil); err != nil {
		t.Fatalf("ServeCommand(receive) error = %v", err)
	}
	if got := f.pool.SnapshotNames("backup/copy"); len(got) != 1 || got[0] != snapshotName {
		t.Errorf("backup/copy snapshots = %v", got)
	}
}

func TestApp_ServeCommand_PurgeOutsideAllowList(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Restrict.Bookmarks = []string{"host-?:*"}
	f := newTestApp(t, cfg, "SSHCommand", Options{})
	defer f.app.Close()

	snap := f.pool.AddSnapshot("tank/web", "20240101-000000", nil)
	for _, name := range []string{"host-b:20240101-000000", "host-production:20240101-000000"} {
		if _, err := f.pool.CreateBookmark(ctx, snap, name); err != nil {
			t.Fatal(err)
		}
	}

	req, err := AuthorizeCommand(cfg, "zfs send --bookmark=host-a:"+snapshotName+" --purge-bookmarks=host-*:* tank/web")
	if err != nil {
		t.Fatalf("AuthorizeCommand() error = %v", err)
	}
	if err := f.app.ServeCommand(ctx, req, nil, &bytes.Buffer{}); err != nil {
		t.Fatalf("ServeCommand() error = %v", err)
	}

	want := []string{"host-a:" + snapshotName, "host-production:20240101-000000"}
	got := f.pool.BookmarkNames("tank/web")
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("bookmarks = %v, want %v", got, want)
	}
}
