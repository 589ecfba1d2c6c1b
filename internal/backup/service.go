package backup

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Target is one configured backup target. Targets are built once from
// configuration and never mutated.
type Target struct {
	Name string

	// Filesystem is the destination filesystem that holds the snapshots.
	Filesystem string

	// Source is replicated into Filesystem. nil snapshots Filesystem locally.
	Source Source

	// Snapshot selects what the source sends: "" a temporary snapshot,
	// "*" its most recent snapshot, or a snapshot name.
	Snapshot string

	// Incremental is an explicit base selector ("#bookmark" or "snapshot").
	// Empty derives the base from the bookmark chain.
	Incremental string

	// Create allows a missing destination to be created by a full transfer.
	Create bool

	Send    SendOptions
	Receive ReceiveOptions

	Intervals        []Interval
	IncludeUnmanaged bool
}

// Options configures a Service.
type Options struct {
	// BookmarkPrefix identifies this host's bookmark chain on the sender.
	BookmarkPrefix string

	// Noop simulates replication and purge without mutating anything.
	Noop bool
}

// BackupResult reports one target's backup run.
type BackupResult struct {
	Snapshot *Snapshot
	Holds    []string
	Purge    *PurgeResult
}

// Service is the orchestration layer that coordinates replication, retention
// and archiving for the CLI.
type Service struct {
	pool      Pool
	database  Database
	vault     Vault
	encryptor Encryptor
	retention *Retention
	sender    *Sender
	logger    Logger
	clock     Clock
	idgen     IDGenerator
	opts      Options
}

// NewService creates a new Service with the provided dependencies.
// vault and encryptor may be nil when archiving is not configured.
func NewService(pool Pool, database Database, vault Vault, encryptor Encryptor, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Service {
	return &Service{
		pool:      pool,
		database:  database,
		vault:     vault,
		encryptor: encryptor,
		retention: NewRetention(pool, logger, opts.Noop),
		sender:    NewSender(pool, logger, clock, opts.Noop),
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
		opts:      opts,
	}
}

// LocalSource returns a Source sending filesystem from the local pool.
func (s *Service) LocalSource(filesystem string) Source {
	return NewLocalSource(s.sender, filesystem)
}

// Backup produces a new snapshot of target, by replication or locally, places
// its interval holds and purges the destination. Every step uses the same
// timestamp.
func (s *Service) Backup(ctx context.Context, target Target) (*BackupResult, error) {
	now := s.clock.Now()
	result := &BackupResult{}

	var err error
	if target.Source != nil {
		result.Snapshot, err = s.replicate(ctx, ReplicateRequest{
			Target:         target.Name,
			Destination:    target.Filesystem,
			Source:         target.Source,
			Snapshot:       target.Snapshot,
			Selector:       target.Incremental,
			BookmarkPrefix: s.opts.BookmarkPrefix,
			Create:         target.Create,
			Send:           target.Send,
			Receive:        target.Receive,
		}, now)
	} else {
		result.Snapshot, err = s.snapshot(ctx, target.Name, target.Filesystem, now)
	}
	if err != nil {
		return nil, err
	}

	if result.Snapshot != nil {
		result.Holds, err = s.retention.ApplyHolds(ctx, result.Snapshot, target.Intervals, now)
		if err != nil {
			return nil, fmt.Errorf("applying holds: %w", err)
		}
	}

	if s.opts.Noop {
		// a noop replication never creates the destination
		fs, err := s.pool.GetFilesystem(ctx, target.Filesystem)
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", target.Filesystem, err)
		}
		if fs == nil {
			s.logger.Info("noop: skip purge", "filesystem", target.Filesystem)
			return result, nil
		}
	}

	result.Purge, err = s.retention.Purge(ctx, target.Filesystem, target.Intervals, target.IncludeUnmanaged)
	if err != nil {
		return nil, fmt.Errorf("purging: %w", err)
	}
	return result, nil
}

// Purge reconciles the holds of target and destroys expired snapshots.
func (s *Service) Purge(ctx context.Context, target Target) (*PurgeResult, error) {
	fs, err := s.pool.GetFilesystem(ctx, target.Filesystem)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", target.Filesystem, err)
	}
	if fs == nil {
		return nil, &ConfigurationError{Target: target.Name, Reason: fmt.Sprintf("filesystem %s does not exist", target.Filesystem)}
	}
	return s.retention.Purge(ctx, fs.Name, target.Intervals, target.IncludeUnmanaged)
}

// Snapshot creates a new managed snapshot of filesystem without any transfer.
func (s *Service) Snapshot(ctx context.Context, filesystem string) (*Snapshot, error) {
	return s.snapshot(ctx, filesystem, filesystem, s.clock.Now())
}

func (s *Service) snapshot(ctx context.Context, target, filesystem string, now time.Time) (*Snapshot, error) {
	fs, err := s.pool.GetFilesystem(ctx, filesystem, PropertySource)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", filesystem, err)
	}
	if fs == nil {
		return nil, &ConfigurationError{Target: target, Reason: fmt.Sprintf("filesystem %s does not exist", filesystem)}
	}

	name := snapshotName(now)
	if err := s.checkNewer(ctx, target, filesystem, name); err != nil {
		return nil, err
	}

	properties := map[string]string{PropertySnapshot: name}
	if source := fs.Get(PropertySource); source != "" {
		properties[PropertySource] = source
	}

	if s.opts.Noop {
		s.logger.Info("noop: snapshot", "filesystem", filesystem, "snapshot", name)
		return nil, nil
	}
	snapshot, err := s.pool.CreateSnapshot(ctx, filesystem, name, properties)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot: %w", err)
	}
	s.logger.Info("snapshot created", "snapshot", snapshot.String())
	return snapshot, nil
}

// checkNewer fails unless name sorts after every existing snapshot of filesystem.
func (s *Service) checkNewer(ctx context.Context, target, filesystem, name string) error {
	snapshots, err := s.pool.ListSnapshots(ctx, filesystem)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		return nil
	}
	if last := snapshots[len(snapshots)-1]; last.Name >= name {
		return &ConfigurationError{Target: target, Reason: fmt.Sprintf("new snapshot %s is not newer than %s", name, last)}
	}
	return nil
}

// Snapshots lists the snapshots of filesystem with their zbackup properties.
func (s *Service) Snapshots(ctx context.Context, filesystem string) ([]*Snapshot, error) {
	return s.pool.ListSnapshots(ctx, filesystem, PropertySnapshot, PropertySource)
}

// Holds lists the hold tags on the snapshots of filesystem.
func (s *Service) Holds(ctx context.Context, filesystem string) ([]Hold, error) {
	return s.pool.Holds(ctx, filesystem)
}

// Send serves a send request from the local pool, as the restricted
// ssh-command does for a remote receiver.
func (s *Service) Send(ctx context.Context, req SendRequest, w io.Writer) error {
	return s.sender.Send(ctx, req, w)
}

// Receive receives a stream into the local pool.
func (s *Service) Receive(ctx context.Context, filesystem, snapshot string, opts ReceiveOptions, r io.Reader) error {
	opts.Noop = opts.Noop || s.opts.Noop
	if err := s.pool.Receive(ctx, filesystem, snapshot, opts, r); err != nil {
		return NewTransferError("receive", err)
	}
	return nil
}

// GetHistory returns the most recent operations.
func (s *Service) GetHistory(limit int) ([]*Operation, error) {
	return s.database.ListOperations(limit)
}

// GetTransfers returns the most recent transfers of target.
func (s *Service) GetTransfers(target string, limit int) ([]*TransferRecord, error) {
	return s.database.ListTransfers(target, limit)
}
