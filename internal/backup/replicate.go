package backup

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// DestinationLookup is the outcome of checking a replication destination.
type DestinationLookup int

const (
	LookupNotFound DestinationLookup = iota
	LookupMismatch
	LookupOK
)

func (l DestinationLookup) String() string {
	switch l {
	case LookupNotFound:
		return "not found"
	case LookupMismatch:
		return "source mismatch"
	case LookupOK:
		return "ok"
	default:
		return fmt.Sprintf("DestinationLookup(%d)", int(l))
	}
}

// ReplicateRequest describes one replication from Source into Destination.
type ReplicateRequest struct {
	Target      string
	Destination string
	Source      Source

	// Snapshot is the sender-side snapshot selector, see SendRequest.
	Snapshot string

	// Selector is an explicit incremental base: "#bookmark", "snapshot" or
	// "" to follow the bookmark chain.
	Selector string

	BookmarkPrefix string
	Create         bool

	Send    SendOptions
	Receive ReceiveOptions
}

// LookupDestination checks that filesystem either does not exist or was
// replicated from source. An existing filesystem without a recorded source
// is accepted.
func (s *Service) LookupDestination(ctx context.Context, filesystem, source string) (DestinationLookup, *Filesystem, error) {
	fs, err := s.pool.GetFilesystem(ctx, filesystem, PropertySource)
	if err != nil {
		return LookupNotFound, nil, fmt.Errorf("looking up %s: %w", filesystem, err)
	}
	if fs == nil {
		return LookupNotFound, nil, nil
	}
	if recorded := fs.Get(PropertySource); recorded != "" && recorded != source {
		return LookupMismatch, fs, nil
	}
	return LookupOK, fs, nil
}

// Replicate transfers a new snapshot from req.Source into req.Destination,
// incrementally from the previous one where possible, and returns the
// received snapshot. Under noop it returns nil.
func (s *Service) Replicate(ctx context.Context, req ReplicateRequest) (*Snapshot, error) {
	if req.BookmarkPrefix == "" {
		req.BookmarkPrefix = s.opts.BookmarkPrefix
	}
	return s.replicate(ctx, req, s.clock.Now())
}

func (s *Service) replicate(ctx context.Context, req ReplicateRequest, now time.Time) (*Snapshot, error) {
	if req.BookmarkPrefix == "" {
		return nil, &ConfigurationError{Target: req.Target, Reason: "bookmark prefix is empty"}
	}
	source := req.Source.String()

	lookup, dest, err := s.LookupDestination(ctx, req.Destination, source)
	if err != nil {
		return nil, err
	}
	switch lookup {
	case LookupNotFound:
		if !req.Create {
			return nil, &ConfigurationError{Target: req.Target, Reason: fmt.Sprintf("destination %s does not exist, create it first", req.Destination)}
		}
	case LookupMismatch:
		return nil, &ConfigurationError{Target: req.Target, Reason: fmt.Sprintf("destination %s was replicated from %s, not %s", dest.Name, dest.Get(PropertySource), source)}
	}

	var last *Snapshot
	if lookup == LookupOK {
		snapshots, err := s.pool.ListSnapshots(ctx, dest.Name)
		if err != nil {
			return nil, fmt.Errorf("listing snapshots: %w", err)
		}
		if len(snapshots) > 0 {
			last = snapshots[len(snapshots)-1]
		}
	}

	name := snapshotName(now)
	if last != nil && last.Name >= name {
		return nil, &ConfigurationError{Target: req.Target, Reason: fmt.Sprintf("new snapshot %s is not newer than %s", name, last)}
	}

	base := ParseSelector(req.Selector)
	var previous string
	if last != nil {
		previous = BookmarkName(req.BookmarkPrefix, last.Name)
		if base.IsNone() {
			base = Base{Kind: BaseBookmark, Name: previous}
		}
	}
	if base.IsNone() && !req.Create {
		return nil, &ConfigurationError{Target: req.Target, Reason: fmt.Sprintf("destination %s has no snapshots to continue from", req.Destination)}
	}
	if base.IsNone() && lookup == LookupOK && !req.Receive.Force {
		// a full receive into an existing filesystem needs -F
		return nil, &ConfigurationError{Target: req.Target, Reason: fmt.Sprintf("destination %s exists without snapshots, a full transfer needs force", req.Destination)}
	}

	bookmark := BookmarkName(req.BookmarkPrefix, name)
	keep := []string{previous}
	if base.Kind == BaseBookmark {
		keep = append(keep, base.Name)
	}

	sendOpts := req.Send
	sendOpts.Noop = s.opts.Noop
	sendReq := SendRequest{
		Snapshot:       req.Snapshot,
		Base:           base,
		Bookmark:       bookmark,
		PurgeBookmarks: req.BookmarkPrefix + ":*",
		KeepBookmarks:  lo.Uniq(lo.Compact(keep)),
		Options:        sendOpts,
	}

	if s.opts.Noop && req.Snapshot != "*" {
		s.logger.Info("noop: replicate", "source", source, "destination", req.Destination, "snapshot", name, "base", base.String())
		return nil, nil
	}

	s.logger.Info("replicating", "source", source, "destination", req.Destination, "snapshot", name, "base", base.String())
	bytes, err := s.transfer(ctx, req, sendReq, name)
	if err != nil {
		return nil, err
	}
	s.logger.Info("replicated", "destination", req.Destination, "snapshot", name, "bytes", bytes)

	if s.opts.Noop {
		return nil, nil
	}

	if err := s.pool.SetProperty(ctx, req.Destination, PropertySource, source); err != nil {
		return nil, fmt.Errorf("setting source property: %w", err)
	}
	snapshot := &Snapshot{
		Filesystem: req.Destination,
		Name:       name,
		Properties: map[string]string{PropertySnapshot: name, PropertySource: source},
	}
	for _, property := range []string{PropertySnapshot, PropertySource} {
		if err := s.pool.SetProperty(ctx, snapshot.String(), property, snapshot.Get(property)); err != nil {
			return nil, fmt.Errorf("setting snapshot property: %w", err)
		}
	}

	if s.database != nil {
		record := &TransferRecord{
			ID:          s.idgen.New(),
			Target:      req.Target,
			Source:      source,
			Destination: req.Destination,
			Snapshot:    name,
			Base:        base.Selector(),
			Bookmark:    bookmark,
			Bytes:       bytes,
			CreatedAt:   now,
		}
		if err := s.database.CreateTransfer(record); err != nil {
			return nil, fmt.Errorf("recording transfer: %w", err)
		}
	}
	return snapshot, nil
}

// transfer runs the send and the receive concurrently over a pipe and
// returns the number of bytes received.
func (s *Service) transfer(ctx context.Context, req ReplicateRequest, sendReq SendRequest, name string) (int64, error) {
	pr, pw := io.Pipe()
	counter := &countingReader{r: pr}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := req.Source.Send(gctx, sendReq, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		opts := req.Receive
		opts.Noop = opts.Noop || s.opts.Noop
		err := s.pool.Receive(gctx, req.Destination, name, opts, counter)
		if err != nil {
			err = NewTransferError("receive", err)
		}
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return counter.n.Load(), err
	}
	return counter.n.Load(), nil
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
