package backup

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ArchiveKey returns the vault key of an archived stream.
func ArchiveKey(a *Archive) string {
	return path.Join(a.Filesystem, a.Snapshot+"."+a.ID)
}

// Archive stores the send stream of a snapshot of filesystem in the vault,
// encrypted when an encryptor is configured. snapshot "" or "*" selects the
// most recent snapshot; base is an optional incremental selector.
func (s *Service) Archive(ctx context.Context, filesystem, snapshot, base string) (*Archive, error) {
	if s.vault == nil {
		return nil, fmt.Errorf("no vault configured")
	}

	snapshots, err := s.pool.ListSnapshots(ctx, filesystem)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("%s has no snapshots", filesystem)
	}
	snap := snapshots[len(snapshots)-1]
	if snapshot != "" && snapshot != "*" {
		found, ok := lo.Find(snapshots, func(s *Snapshot) bool { return s.Name == snapshot })
		if !ok {
			return nil, fmt.Errorf("snapshot %s@%s does not exist", filesystem, snapshot)
		}
		snap = found
	}

	archive := &Archive{
		ID:         s.idgen.New(),
		Filesystem: filesystem,
		Snapshot:   snap.Name,
		Base:       ParseSelector(base).Selector(),
		Encrypted:  s.encryptor != nil,
		CreatedAt:  s.clock.Now(),
	}
	key := ArchiveKey(archive)

	if s.opts.Noop {
		s.logger.Info("noop: archive", "snapshot", snap.String(), "base", archive.Base, "key", key)
		return archive, nil
	}

	s.logger.Info("archiving", "snapshot", snap.String(), "base", archive.Base, "key", key)

	sendR, sendW := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.pool.Send(gctx, snap, SendOptions{Base: ParseSelector(base), Raw: true}, sendW)
		if err != nil {
			err = NewTransferError("send", err)
		}
		sendW.CloseWithError(err)
		return err
	})

	var stream io.Reader = sendR
	if s.encryptor != nil {
		encR, encW := io.Pipe()
		g.Go(func() error {
			err := s.encryptor.Encrypt(sendR, encW)
			if err != nil {
				err = fmt.Errorf("encrypting stream: %w", err)
			}
			sendR.CloseWithError(err)
			encW.CloseWithError(err)
			return err
		})
		stream = encR
	}

	g.Go(func() error {
		n, err := s.vault.PutStream(key, stream)
		if err != nil {
			err = fmt.Errorf("storing stream: %w", err)
		}
		if pr, ok := stream.(*io.PipeReader); ok {
			pr.CloseWithError(err)
		}
		archive.Size = n
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.database.CreateArchive(archive); err != nil {
		return nil, fmt.Errorf("recording archive: %w", err)
	}
	s.logger.Info("archived", "snapshot", snap.String(), "key", key, "size", archive.Size)
	return archive, nil
}

// ListArchives returns the archives of filesystem, or of every filesystem.
func (s *Service) ListArchives(filesystem string) ([]*Archive, error) {
	return s.database.ListArchives(filesystem)
}

// FindArchive returns an archive by ID. Returns nil, nil if not found.
func (s *Service) FindArchive(id string) (*Archive, error) {
	return s.database.FindArchive(id)
}

// RestoreArchive receives an archived stream into filesystem. dc decrypts
// encrypted archives and may be nil for plain ones.
func (s *Service) RestoreArchive(ctx context.Context, id string, dc DecryptionContext, filesystem string, opts ReceiveOptions) error {
	if s.vault == nil {
		return fmt.Errorf("no vault configured")
	}
	archive, err := s.database.FindArchive(id)
	if err != nil {
		return fmt.Errorf("finding archive: %w", err)
	}
	if archive == nil {
		return fmt.Errorf("archive not found: %s", id)
	}
	if archive.Encrypted && dc == nil {
		return fmt.Errorf("archive %s is encrypted", id)
	}
	if filesystem == "" {
		filesystem = archive.Filesystem
	}
	key := ArchiveKey(archive)

	s.logger.Info("restoring", "key", key, "filesystem", filesystem, "snapshot", archive.Snapshot)

	getR, getW := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.vault.GetStream(key, getW)
		if err != nil {
			err = fmt.Errorf("reading stream: %w", err)
		}
		getW.CloseWithError(err)
		return err
	})

	var stream io.Reader = getR
	if archive.Encrypted {
		decR, decW := io.Pipe()
		g.Go(func() error {
			err := dc.Decrypt(getR, decW)
			if err != nil {
				err = fmt.Errorf("decrypting stream: %w", err)
			}
			getR.CloseWithError(err)
			decW.CloseWithError(err)
			return err
		})
		stream = decR
	}

	g.Go(func() error {
		err := s.Receive(gctx, filesystem, archive.Snapshot, opts, stream)
		if pr, ok := stream.(*io.PipeReader); ok {
			pr.CloseWithError(err)
		}
		return err
	})

	return g.Wait()
}
