package app

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"zbackup/internal/backup"
	"zbackup/internal/config"
	"zbackup/internal/database"
	"zbackup/internal/encryption"
	"zbackup/internal/vault"
	"zbackup/internal/zfs"
)

// Options are the per-invocation settings of the CLI.
type Options struct {
	// Noop simulates replication and purge without mutating anything.
	Noop bool

	// Vault selects the archive vault by name. Empty uses the first one.
	Vault string
}

// App is the application layer between the CLI and backup.Service.
// It constructs all dependencies from config, resolves target names and
// manages the operation record and the database lifecycle on Close.
type App struct {
	cfg       *config.Config
	opts      Options
	db        *database.SQLiteDatabase
	pool      backup.Pool
	vault     backup.Vault
	encryptor backup.Encryptor
	service   *backup.Service
	logger    backup.Logger
	clock     backup.Clock
	metrics   *Metrics
	op        *Operation
	logFile   *os.File
}

// dependencies are the collaborators NewApp builds from the environment.
type dependencies struct {
	pool    backup.Pool
	logger  backup.Logger
	clock   backup.Clock
	idgen   backup.IDGenerator
	logFile *os.File
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Backup", "Purge").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*App, error) {
	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	invoker := &zfs.LocalInvoker{Command: cfg.ZFS.Command, Sudo: cfg.ZFS.Sudo, Logger: logger}
	a, err := newApp(ctx, cfg, operation, opts, dependencies{
		pool:    zfs.NewPool(invoker, logger),
		logger:  logger,
		clock:   backup.RealClock{},
		idgen:   backup.UUIDGenerator{},
		logFile: logFile,
	})
	if err != nil {
		logFile.Close()
		return nil, err
	}
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, operation string, opts Options, deps dependencies) (*App, error) {
	var v backup.Vault
	if vc := selectVault(cfg.Vaults, opts.Vault); vc != nil {
		created, err := vault.NewVaultFromConfig(ctx, *vc)
		if err != nil {
			return nil, fmt.Errorf("creating vault: %w", err)
		}
		v = created
	} else if opts.Vault != "" {
		return nil, &backup.ConfigurationError{Target: opts.Vault, Reason: "unknown vault"}
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	svc := backup.NewService(deps.pool, db, v, enc, deps.logger, deps.clock, deps.idgen, backup.Options{
		BookmarkPrefix: cfg.BookmarkPrefix,
		Noop:           opts.Noop,
	})

	params := ""
	if opts.Noop {
		params = "--noop"
	}

	return &App{
		cfg:       cfg,
		opts:      opts,
		db:        db,
		pool:      deps.pool,
		vault:     v,
		encryptor: enc,
		service:   svc,
		logger:    deps.logger,
		clock:     deps.clock,
		metrics:   NewMetrics(),
		op:        NewOperation(operation, params),
		logFile:   deps.logFile,
	}, nil
}

func selectVault(vaults []config.VaultConfig, name string) *config.VaultConfig {
	for i := range vaults {
		if name == "" || vaults[i].Name == name {
			return &vaults[i]
		}
	}
	return nil
}

// persistOperation saves the operation to the database, giving it an auto-increment ID.
// This should only be called for mutating commands.
func (a *App) persistOperation(args ...string) error {
	if a.op.Persisted() {
		return nil // already persisted
	}
	if len(args) > 0 {
		a.op.Parameters = strings.TrimSpace(strings.Join(args, " ") + " " + a.op.Parameters)
	}
	dbOp, err := a.db.CreateOperation(a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// fail records err as the outcome of the operation and returns it.
func (a *App) fail(err error) error {
	a.op.Fail(err)
	return err
}

// TargetResult is the outcome of one target's backup.
type TargetResult struct {
	Target string
	Result *backup.BackupResult
}

// Backup backs up the named targets, or every configured target, in config
// order. The first failure stops the run; earlier results are returned
// with the error.
func (a *App) Backup(ctx context.Context, names []string) ([]*TargetResult, error) {
	targets, err := a.selectTargets(names)
	if err != nil {
		return nil, a.fail(err)
	}
	if err := a.persistOperation(names...); err != nil {
		return nil, err
	}
	defer a.writeMetrics()

	var results []*TargetResult
	for _, tc := range targets {
		target, err := a.buildTarget(tc)
		if err != nil {
			return results, a.fail(err)
		}

		start := a.clock.Now()
		result, err := a.service.Backup(ctx, target)
		a.metrics.ObserveBackup(tc.Name, start, a.clock.Now(), result, err)
		if err != nil {
			return results, a.fail(fmt.Errorf("backup %s: %w", tc.Name, err))
		}
		results = append(results, &TargetResult{Target: tc.Name, Result: result})
	}
	return results, nil
}

// Purge reconciles holds and destroys expired snapshots of the named
// targets, or of every configured target.
func (a *App) Purge(ctx context.Context, names []string) (map[string]*backup.PurgeResult, error) {
	targets, err := a.selectTargets(names)
	if err != nil {
		return nil, a.fail(err)
	}
	if err := a.persistOperation(names...); err != nil {
		return nil, err
	}

	results := make(map[string]*backup.PurgeResult, len(targets))
	for _, tc := range targets {
		target, err := a.buildTarget(tc)
		if err != nil {
			return results, a.fail(err)
		}
		result, err := a.service.Purge(ctx, target)
		if err != nil {
			return results, a.fail(fmt.Errorf("purge %s: %w", tc.Name, err))
		}
		results[tc.Name] = result
	}
	return results, nil
}

// Snapshots lists the snapshots of a target or filesystem with their holds.
func (a *App) Snapshots(ctx context.Context, name string) ([]*backup.Snapshot, []backup.Hold, error) {
	filesystem := a.resolveFilesystem(name)
	snapshots, err := a.service.Snapshots(ctx, filesystem)
	if err != nil {
		return nil, nil, err
	}
	holds, err := a.service.Holds(ctx, filesystem)
	if err != nil {
		return nil, nil, err
	}
	return snapshots, holds, nil
}

// Holds lists the hold tags of a target or filesystem.
func (a *App) Holds(ctx context.Context, name string) ([]backup.Hold, error) {
	return a.service.Holds(ctx, a.resolveFilesystem(name))
}

// Archive stores the stream of a snapshot of a target or filesystem in the vault.
func (a *App) Archive(ctx context.Context, name, snapshot, base string) (*backup.Archive, error) {
	filesystem := a.resolveFilesystem(name)
	if err := a.persistOperation(filesystem); err != nil {
		return nil, err
	}
	archive, err := a.service.Archive(ctx, filesystem, snapshot, base)
	if err != nil {
		return nil, a.fail(err)
	}
	return archive, nil
}

// ListArchives lists the archives of a target or filesystem, or all when name is empty.
func (a *App) ListArchives(name string) ([]*backup.Archive, error) {
	if name == "" {
		return a.service.ListArchives("")
	}
	return a.service.ListArchives(a.resolveFilesystem(name))
}

// FindArchive returns an archive by ID. Returns nil, nil if not found.
func (a *App) FindArchive(id string) (*backup.Archive, error) {
	return a.service.FindArchive(id)
}

// Unlock unlocks the archive key with passphrase.
func (a *App) Unlock(passphrase string) (backup.DecryptionContext, error) {
	if a.encryptor == nil {
		return nil, fmt.Errorf("encryption is not configured")
	}
	return a.encryptor.Unlock(passphrase)
}

// RestoreArchive receives an archived stream into filesystem (the archived
// filesystem when empty).
func (a *App) RestoreArchive(ctx context.Context, id string, dc backup.DecryptionContext, filesystem string, force bool) error {
	if err := a.persistOperation(id); err != nil {
		return err
	}
	return a.fail(a.service.RestoreArchive(ctx, id, dc, filesystem, backup.ReceiveOptions{Force: force}))
}

// GetHistory returns the most recent operations.
func (a *App) GetHistory(limit int) ([]*backup.Operation, error) {
	return a.service.GetHistory(limit)
}

// GetTransfers returns the most recent transfers of a target, or of all targets.
func (a *App) GetTransfers(target string, limit int) ([]*backup.TransferRecord, error) {
	return a.service.GetTransfers(target, limit)
}

func (a *App) writeMetrics() {
	if a.cfg.Metrics.Textfile == "" || !a.metrics.Observed() {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("writing metrics", "path", a.cfg.Metrics.Textfile, "error", err)
	}
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, then copies the
// history database into the vault, if one is configured.
func (a *App) Close() error {
	var firstErr error

	if a.op.Persisted() {
		if err := a.db.FinishOperation(a.op.ID, a.op.Status, a.op.Error); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
		if a.vault != nil && !a.opts.Noop {
			if err := a.uploadHistory(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// HistoryKey is the vault key of the copy of the history database.
func HistoryKey(hostID string) string {
	return path.Join("metadata", hostID, "zbackup.db")
}

// uploadHistory snapshots the database to a temp file and stores it in the vault.
func (a *App) uploadHistory() error {
	tmpFile, err := os.CreateTemp("", "zbackup-db-backup-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file for db backup: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	if err := a.db.BackupTo(tmpPath); err != nil {
		return err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()

	if _, err := a.vault.PutStream(HistoryKey(a.cfg.HostID), f); err != nil {
		return fmt.Errorf("uploading history to vault: %w", err)
	}
	return nil
}
