package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/samber/lo"
)

// Sender produces send streams from a local pool, managing the temporary
// snapshot and the bookmark chain around each send. It serves both local
// replication and the restricted ssh-command on a remote sender.
type Sender struct {
	pool   Pool
	logger Logger
	clock  Clock
	noop   bool
}

// NewSender creates a Sender. When noop is set, nothing on the pool is
// mutated: temporary-snapshot sends are skipped entirely and sends of
// existing snapshots still produce their stream.
func NewSender(pool Pool, logger Logger, clock Clock, noop bool) *Sender {
	return &Sender{pool: pool, logger: logger, clock: clock, noop: noop}
}

// Send streams the requested snapshot into w, then creates req.Bookmark and
// purges the bookmarks matching req.PurgeBookmarks that are not kept.
func (s *Sender) Send(ctx context.Context, req SendRequest, w io.Writer) (err error) {
	if req.PurgeBookmarks != "" {
		if _, err := path.Match(req.PurgeBookmarks, ""); err != nil {
			return fmt.Errorf("invalid bookmark pattern %q: %w", req.PurgeBookmarks, err)
		}
	}

	fs, err := s.pool.GetFilesystem(ctx, req.Filesystem)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", req.Filesystem, err)
	}
	if fs == nil {
		return &ConfigurationError{Target: req.Filesystem, Reason: "source filesystem does not exist"}
	}

	noop := s.noop || req.Options.Noop

	var snapshot *Snapshot
	switch req.Snapshot {
	case "":
		name := temporarySnapshotName(s.clock.Now())
		if noop {
			s.logger.Info("noop: send temporary snapshot", "filesystem", fs.Name, "snapshot", name, "base", req.Base.String())
			return nil
		}
		snapshot, err = s.pool.CreateSnapshot(ctx, fs.Name, name, nil)
		if err != nil {
			return fmt.Errorf("creating temporary snapshot: %w", err)
		}
		s.logger.Debug("temporary snapshot created", "snapshot", snapshot.String())
		defer func() {
			// destroy even if ctx was cancelled mid-send
			if derr := s.pool.DestroySnapshot(context.WithoutCancel(ctx), snapshot); derr != nil {
				s.logger.Error("destroying temporary snapshot", "snapshot", snapshot.String(), "error", derr)
				err = errors.Join(err, fmt.Errorf("destroying temporary snapshot %s: %w", snapshot, derr))
			}
		}()
	case "*":
		snapshots, err := s.pool.ListSnapshots(ctx, fs.Name)
		if err != nil {
			return fmt.Errorf("listing snapshots: %w", err)
		}
		if len(snapshots) == 0 {
			return fmt.Errorf("%s has no snapshots", fs.Name)
		}
		snapshot = snapshots[len(snapshots)-1]
	default:
		snapshots, err := s.pool.ListSnapshots(ctx, fs.Name)
		if err != nil {
			return fmt.Errorf("listing snapshots: %w", err)
		}
		found, ok := lo.Find(snapshots, func(snap *Snapshot) bool { return snap.Name == req.Snapshot })
		if !ok {
			return fmt.Errorf("snapshot %s@%s does not exist", fs.Name, req.Snapshot)
		}
		snapshot = found
	}

	opts := req.Options
	opts.Base = req.Base
	opts.Noop = false

	s.logger.Info("sending", "snapshot", snapshot.String(), "base", req.Base.String())
	if err := s.pool.Send(ctx, snapshot, opts, w); err != nil {
		return NewTransferError("send", err)
	}

	if noop {
		s.logger.Info("noop: skip bookmarks", "bookmark", req.Bookmark, "purge", req.PurgeBookmarks)
		return nil
	}
	return s.updateBookmarks(ctx, snapshot, req)
}

func (s *Sender) updateBookmarks(ctx context.Context, snapshot *Snapshot, req SendRequest) error {
	if req.Bookmark == "" && req.PurgeBookmarks == "" {
		return nil
	}

	bookmarks, err := s.pool.ListBookmarks(ctx, snapshot.Filesystem)
	if err != nil {
		return fmt.Errorf("listing bookmarks: %w", err)
	}

	if req.Bookmark != "" && !lo.ContainsBy(bookmarks, func(b *Bookmark) bool { return b.Name == req.Bookmark }) {
		bookmark, err := s.pool.CreateBookmark(ctx, snapshot, req.Bookmark)
		if err != nil {
			return fmt.Errorf("creating bookmark: %w", err)
		}
		s.logger.Info("bookmark created", "bookmark", bookmark.String())
	}

	if req.PurgeBookmarks == "" {
		return nil
	}
	keep := append([]string{req.Bookmark}, req.KeepBookmarks...)
	for _, bookmark := range bookmarks {
		if lo.Contains(keep, bookmark.Name) {
			continue
		}
		if ok, _ := path.Match(req.PurgeBookmarks, bookmark.Name); !ok {
			continue
		}
		if req.PurgeAllowed != nil && !req.PurgeAllowed(bookmark.Name) {
			s.logger.Warn("bookmark not allowed for purge", "bookmark", bookmark.String(), "pattern", req.PurgeBookmarks)
			continue
		}
		if err := s.pool.DestroyBookmark(ctx, bookmark); err != nil {
			return fmt.Errorf("destroying bookmark: %w", err)
		}
		s.logger.Info("bookmark destroyed", "bookmark", bookmark.String())
	}
	return nil
}

// LocalSource sends from a filesystem in a local pool.
type LocalSource struct {
	sender     *Sender
	filesystem string
}

// NewLocalSource returns the Source for filesystem, sending through sender.
func NewLocalSource(sender *Sender, filesystem string) *LocalSource {
	return &LocalSource{sender: sender, filesystem: filesystem}
}

func (s *LocalSource) Send(ctx context.Context, req SendRequest, w io.Writer) error {
	req.Filesystem = s.filesystem
	return s.sender.Send(ctx, req, w)
}

func (s *LocalSource) String() string { return s.filesystem }

var _ Source = (*LocalSource)(nil)
