package backup

import (
	"fmt"
	"strings"
	"time"
)

// SnapshotTimeFormat is the layout used for snapshot names created by zbackup.
// Names are fixed-width UTC timestamps, so sorting them as strings sorts
// them chronologically.
const SnapshotTimeFormat = "20060102-150405"

// TemporarySnapshotPrefix names snapshots that only exist for the duration of a send.
const TemporarySnapshotPrefix = "zbackup_"

// User properties recorded on filesystems and snapshots.
const (
	PropertySource   = "zbackup:source"
	PropertySnapshot = "zbackup:snapshot"
)

// Filesystem is a ZFS filesystem (or volume) with a subset of its properties.
type Filesystem struct {
	Name       string
	Properties map[string]string
}

// Get returns a property value, or "" if it is unset or was not requested.
func (f *Filesystem) Get(property string) string {
	return f.Properties[property]
}

// Snapshot is an immutable point-in-time state of a Filesystem.
type Snapshot struct {
	Filesystem string
	Name       string
	Properties map[string]string

	// Refs is the user reference count of the snapshot. Every hold tag is
	// one reference; other consumers may take further references.
	Refs int
}

func (s *Snapshot) String() string {
	return s.Filesystem + "@" + s.Name
}

// Get returns a property value, or "" if it is unset or was not requested.
func (s *Snapshot) Get(property string) string {
	return s.Properties[property]
}

// Managed reports whether the snapshot was created by zbackup.
func (s *Snapshot) Managed() bool {
	return s.Get(PropertySnapshot) != ""
}

// Time parses the snapshot name as a zbackup timestamp.
func (s *Snapshot) Time() (time.Time, error) {
	return time.Parse(SnapshotTimeFormat, s.Name)
}

// Bookmark is a durable pointer to the point-in-time of a (possibly destroyed) snapshot.
type Bookmark struct {
	Filesystem string
	Name       string
}

func (b *Bookmark) String() string {
	return b.Filesystem + "#" + b.Name
}

// Hold associates a tag with a snapshot, preventing its destruction.
type Hold struct {
	Snapshot *Snapshot
	Tag      string
}

// BookmarkName returns the bookmark name used by the chain identified by prefix
// for the given snapshot name.
func BookmarkName(prefix, snapshot string) string {
	return prefix + ":" + snapshot
}

// BaseKind identifies the type of incremental base used for a send.
type BaseKind int

const (
	BaseNone BaseKind = iota
	BaseSnapshot
	BaseBookmark
)

// Base is the incremental base of a transfer.
type Base struct {
	Kind BaseKind
	Name string
}

// ParseSelector parses an incremental selector: "#name" selects a bookmark,
// any other non-empty value a snapshot, and "" a full transfer.
func ParseSelector(selector string) Base {
	switch {
	case selector == "":
		return Base{Kind: BaseNone}
	case strings.HasPrefix(selector, "#"):
		return Base{Kind: BaseBookmark, Name: strings.TrimPrefix(selector, "#")}
	default:
		return Base{Kind: BaseSnapshot, Name: strings.TrimPrefix(selector, "@")}
	}
}

// IsNone reports whether the base selects a full transfer.
func (b Base) IsNone() bool {
	return b.Kind == BaseNone
}

// Selector returns the short form understood by zfs send -i: "#bookmark" or "@snapshot".
func (b Base) Selector() string {
	switch b.Kind {
	case BaseBookmark:
		return "#" + b.Name
	case BaseSnapshot:
		return "@" + b.Name
	default:
		return ""
	}
}

func (b Base) String() string {
	if b.Kind == BaseNone {
		return "(full)"
	}
	return b.Selector()
}

// snapshotName formats the zbackup snapshot name for t.
func snapshotName(t time.Time) string {
	return t.UTC().Format(SnapshotTimeFormat)
}

// temporarySnapshotName formats the name of a send-only snapshot for t.
func temporarySnapshotName(t time.Time) string {
	return fmt.Sprintf("%s%s", TemporarySnapshotPrefix, snapshotName(t))
}
