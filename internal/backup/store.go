package backup

import (
	"context"
	"io"
)

// Store looks up and mutates filesystems, snapshots, holds and bookmarks.
// Implementations wrap the zfs command (local, sudo or over ssh) or keep the
// state in memory for tests.
type Store interface {
	// GetFilesystem returns the named filesystem with the requested properties.
	// Returns nil, nil if the filesystem does not exist.
	GetFilesystem(ctx context.Context, name string, properties ...string) (*Filesystem, error)

	// SetProperty sets a user property on a filesystem or snapshot ("fs@snap").
	SetProperty(ctx context.Context, name, property, value string) error

	// ListSnapshots returns the snapshots of a filesystem ordered by creation.
	ListSnapshots(ctx context.Context, filesystem string, properties ...string) ([]*Snapshot, error)

	// CreateSnapshot creates filesystem@name with the given properties.
	CreateSnapshot(ctx context.Context, filesystem, name string, properties map[string]string) (*Snapshot, error)

	// DestroySnapshot destroys a snapshot. Fails if it is held.
	DestroySnapshot(ctx context.Context, snapshot *Snapshot) error

	// Holds returns every hold tag on every snapshot of a filesystem.
	Holds(ctx context.Context, filesystem string) ([]Hold, error)

	// Hold places a hold tag on a snapshot.
	Hold(ctx context.Context, snapshot *Snapshot, tag string) error

	// Release removes a hold tag from a snapshot.
	Release(ctx context.Context, snapshot *Snapshot, tag string) error

	// ListBookmarks returns the bookmarks of a filesystem.
	ListBookmarks(ctx context.Context, filesystem string) ([]*Bookmark, error)

	// CreateBookmark creates filesystem#name pointing at snapshot.
	CreateBookmark(ctx context.Context, snapshot *Snapshot, name string) (*Bookmark, error)

	// DestroyBookmark destroys a bookmark.
	DestroyBookmark(ctx context.Context, bookmark *Bookmark) error
}

// SendOptions are the flags of a zfs send.
type SendOptions struct {
	Base            Base
	FullIncremental bool // -I instead of -i
	Raw             bool
	Compressed      bool
	LargeBlock      bool
	Dedup           bool
	Replicate       bool
	Properties      bool
	Noop            bool
}

// ReceiveOptions are the flags of a zfs receive.
type ReceiveOptions struct {
	Force   bool
	Noop    bool
	Verbose bool
}

// Transfer produces and consumes send streams.
type Transfer interface {
	// Send writes the stream of snapshot, relative to opts.Base, into w.
	Send(ctx context.Context, snapshot *Snapshot, opts SendOptions, w io.Writer) error

	// Receive reads a stream from r into filesystem@snapshot.
	Receive(ctx context.Context, filesystem, snapshot string, opts ReceiveOptions, r io.Reader) error
}

// Pool is a Store that can also transfer streams.
type Pool interface {
	Store
	Transfer
}

// SendRequest asks a Source to produce a stream.
type SendRequest struct {
	// Filesystem is filled in by the Source.
	Filesystem string

	// Snapshot selects what to send: "" creates a temporary snapshot for the
	// duration of the send, "*" selects the most recent snapshot, anything
	// else names an existing snapshot.
	Snapshot string

	Base Base

	// Bookmark is created on the sent snapshot after a successful send.
	Bookmark string

	// PurgeBookmarks is a glob of bookmarks destroyed after a successful
	// send, except Bookmark and KeepBookmarks.
	PurgeBookmarks string
	KeepBookmarks  []string

	// PurgeAllowed restricts PurgeBookmarks further: matching bookmarks it
	// rejects are kept. nil allows every match.
	PurgeAllowed func(name string) bool

	Options SendOptions
}

// Source produces the send stream of one filesystem, either from a local
// pool or from a remote host running the restricted ssh-command.
type Source interface {
	Send(ctx context.Context, req SendRequest, w io.Writer) error

	// String identifies the source; it is recorded as the provenance of
	// the destination.
	String() string
}
