package zfs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"zbackup/internal/backup"
)

const memoryStreamMagic = "zbackup-memory-stream"

// MemoryPool is an in-memory implementation of backup.Pool.
// Snapshots carry a guid that survives send and receive, so incremental
// streams are checked the way zfs checks them. Useful for testing.
// This implementation is safe for concurrent use.
type MemoryPool struct {
	filesystems map[string]*memoryFilesystem
	mu          sync.Mutex
}

// guids are unique across pools, like the random guids of zfs.
var lastGUID atomic.Uint64

type memoryFilesystem struct {
	properties map[string]string
	snapshots  []*memorySnapshot  // creation order
	bookmarks  map[string]uint64 // name -> guid
}

type memorySnapshot struct {
	name       string
	guid       uint64
	properties map[string]string
	holds      []string
	refs       int // user references that are not holds
}

// NewMemoryPool creates an empty pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{filesystems: make(map[string]*memoryFilesystem)}
}

func memoryError(args []string, format string, a ...any) error {
	return &ExitError{Args: args, Exit: 1, Stderr: fmt.Sprintf(format, a...)}
}

func (m *MemoryPool) filesystem(args []string, name string) (*memoryFilesystem, error) {
	fs := m.filesystems[name]
	if fs == nil {
		return nil, memoryError(args, "cannot open '%s': dataset does not exist", name)
	}
	return fs, nil
}

func (m *MemoryPool) snapshot(args []string, filesystem, name string) (*memoryFilesystem, *memorySnapshot, error) {
	fs, err := m.filesystem(args, filesystem)
	if err != nil {
		return nil, nil, err
	}
	for _, snap := range fs.snapshots {
		if snap.name == name {
			return fs, snap, nil
		}
	}
	return nil, nil, memoryError(args, "cannot open '%s@%s': dataset does not exist", filesystem, name)
}

func (m *MemoryPool) nextGUID() uint64 {
	return lastGUID.Add(1)
}

func (m *MemoryPool) addFilesystem(name string, properties map[string]string) *memoryFilesystem {
	fs := &memoryFilesystem{properties: make(map[string]string), bookmarks: make(map[string]uint64)}
	for k, v := range properties {
		fs.properties[k] = v
	}
	m.filesystems[name] = fs
	return fs
}

func selectProperties(all map[string]string, properties []string) map[string]string {
	selected := make(map[string]string, len(properties))
	for _, p := range properties {
		selected[p] = all[p]
	}
	return selected
}

func (s *memorySnapshot) export(filesystem string, properties []string) *backup.Snapshot {
	return &backup.Snapshot{
		Filesystem: filesystem,
		Name:       s.name,
		Properties: selectProperties(s.properties, properties),
		Refs:       len(s.holds) + s.refs,
	}
}

// AddFilesystem creates a filesystem with the given properties.
func (m *MemoryPool) AddFilesystem(name string, properties map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addFilesystem(name, properties)
}

// AddSnapshot creates filesystem@name, creating the filesystem if needed.
func (m *MemoryPool) AddSnapshot(filesystem, name string, properties map[string]string) *backup.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs := m.filesystems[filesystem]
	if fs == nil {
		fs = m.addFilesystem(filesystem, nil)
	}
	snap := &memorySnapshot{name: name, guid: m.nextGUID(), properties: make(map[string]string)}
	for k, v := range properties {
		snap.properties[k] = v
	}
	fs.snapshots = append(fs.snapshots, snap)
	return snap.export(filesystem, nil)
}

// AddRef takes a user reference on filesystem@name that is not a hold tag
// managed by zbackup.
func (m *MemoryPool) AddRef(filesystem, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, snap, err := m.snapshot(nil, filesystem, name); err == nil {
		snap.refs++
	}
}

// SnapshotNames returns the snapshot names of filesystem in creation order.
func (m *MemoryPool) SnapshotNames(filesystem string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.filesystems[filesystem]
	if fs == nil {
		return nil
	}
	names := make([]string, 0, len(fs.snapshots))
	for _, snap := range fs.snapshots {
		names = append(names, snap.name)
	}
	return names
}

// BookmarkNames returns the sorted bookmark names of filesystem.
func (m *MemoryPool) BookmarkNames(filesystem string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.filesystems[filesystem]
	if fs == nil {
		return nil
	}
	names := make([]string, 0, len(fs.bookmarks))
	for name := range fs.bookmarks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HoldTags returns the sorted hold tags of filesystem@name.
func (m *MemoryPool) HoldTags(filesystem, name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, snap, err := m.snapshot(nil, filesystem, name)
	if err != nil {
		return nil
	}
	tags := append([]string(nil), snap.holds...)
	sort.Strings(tags)
	return tags
}

// Property returns a property of a filesystem or snapshot ("fs@snap").
func (m *MemoryPool) Property(name, property string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if filesystem, snapshot, ok := strings.Cut(name, "@"); ok {
		if _, snap, err := m.snapshot(nil, filesystem, snapshot); err == nil {
			return snap.properties[property]
		}
		return ""
	}
	if fs := m.filesystems[name]; fs != nil {
		return fs.properties[property]
	}
	return ""
}

// HasFilesystem reports whether the filesystem exists.
func (m *MemoryPool) HasFilesystem(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filesystems[name] != nil
}

func (m *MemoryPool) GetFilesystem(_ context.Context, name string, properties ...string) (*backup.Filesystem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.filesystems[name]
	if fs == nil {
		return nil, nil // Not found
	}
	return &backup.Filesystem{Name: name, Properties: selectProperties(fs.properties, properties)}, nil
}

func (m *MemoryPool) SetProperty(_ context.Context, name, property, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := []string{"set", property + "=" + value, name}
	if filesystem, snapshot, ok := strings.Cut(name, "@"); ok {
		_, snap, err := m.snapshot(args, filesystem, snapshot)
		if err != nil {
			return err
		}
		snap.properties[property] = value
		return nil
	}
	fs, err := m.filesystem(args, name)
	if err != nil {
		return err
	}
	fs.properties[property] = value
	return nil
}

func (m *MemoryPool) ListSnapshots(_ context.Context, filesystem string, properties ...string) ([]*backup.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs, err := m.filesystem([]string{"list", filesystem}, filesystem)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*backup.Snapshot, 0, len(fs.snapshots))
	for _, snap := range fs.snapshots {
		snapshots = append(snapshots, snap.export(filesystem, properties))
	}
	return snapshots, nil
}

func (m *MemoryPool) CreateSnapshot(_ context.Context, filesystem, name string, properties map[string]string) (*backup.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := []string{"snapshot", filesystem + "@" + name}
	fs, err := m.filesystem(args, filesystem)
	if err != nil {
		return nil, err
	}
	for _, snap := range fs.snapshots {
		if snap.name == name {
			return nil, memoryError(args, "cannot create snapshot '%s@%s': dataset already exists", filesystem, name)
		}
	}
	snap := &memorySnapshot{name: name, guid: m.nextGUID(), properties: make(map[string]string)}
	for k, v := range properties {
		snap.properties[k] = v
	}
	fs.snapshots = append(fs.snapshots, snap)
	return &backup.Snapshot{Filesystem: filesystem, Name: name, Properties: properties}, nil
}

func (m *MemoryPool) DestroySnapshot(_ context.Context, snapshot *backup.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := []string{"destroy", snapshot.String()}
	fs, snap, err := m.snapshot(args, snapshot.Filesystem, snapshot.Name)
	if err != nil {
		return err
	}
	if len(snap.holds) > 0 || snap.refs > 0 {
		return memoryError(args, "cannot destroy snapshot %s: dataset is busy", snapshot)
	}
	for i, s := range fs.snapshots {
		if s == snap {
			fs.snapshots = append(fs.snapshots[:i], fs.snapshots[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryPool) Holds(_ context.Context, filesystem string) ([]backup.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs, err := m.filesystem([]string{"holds", filesystem}, filesystem)
	if err != nil {
		return nil, err
	}
	var holds []backup.Hold
	for _, snap := range fs.snapshots {
		exported := snap.export(filesystem, nil)
		for _, tag := range snap.holds {
			holds = append(holds, backup.Hold{Snapshot: exported, Tag: tag})
		}
	}
	return holds, nil
}

func (m *MemoryPool) Hold(_ context.Context, snapshot *backup.Snapshot, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := []string{"hold", tag, snapshot.String()}
	_, snap, err := m.snapshot(args, snapshot.Filesystem, snapshot.Name)
	if err != nil {
		return err
	}
	for _, t := range snap.holds {
		if t == tag {
			return memoryError(args, "cannot hold snapshot '%s': tag already exists on this dataset", snapshot)
		}
	}
	snap.holds = append(snap.holds, tag)
	return nil
}

func (m *MemoryPool) Release(_ context.Context, snapshot *backup.Snapshot, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := []string{"release", tag, snapshot.String()}
	_, snap, err := m.snapshot(args, snapshot.Filesystem, snapshot.Name)
	if err != nil {
		return err
	}
	for i, t := range snap.holds {
		if t == tag {
			snap.holds = append(snap.holds[:i], snap.holds[i+1:]...)
			return nil
		}
	}
	return memoryError(args, "cannot release hold from snapshot '%s': no such tag on this dataset", snapshot)
}

func (m *MemoryPool) ListBookmarks(_ context.Context, filesystem string) ([]*backup.Bookmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs, err := m.filesystem([]string{"list", filesystem}, filesystem)
	if err != nil {
		return nil, err
	}
	bookmarks := make([]*backup.Bookmark, 0, len(fs.bookmarks))
	for name := range fs.bookmarks {
		bookmarks = append(bookmarks, &backup.Bookmark{Filesystem: filesystem, Name: name})
	}
	sort.Slice(bookmarks, func(i, j int) bool { return bookmarks[i].Name < bookmarks[j].Name })
	return bookmarks, nil
}

func (m *MemoryPool) CreateBookmark(_ context.Context, snapshot *backup.Snapshot, name string) (*backup.Bookmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bookmark := &backup.Bookmark{Filesystem: snapshot.Filesystem, Name: name}
	args := []string{"bookmark", snapshot.String(), bookmark.String()}
	fs, snap, err := m.snapshot(args, snapshot.Filesystem, snapshot.Name)
	if err != nil {
		return nil, err
	}
	if _, ok := fs.bookmarks[name]; ok {
		return nil, memoryError(args, "cannot create bookmark '%s': bookmark exists", bookmark)
	}
	fs.bookmarks[name] = snap.guid
	return bookmark, nil
}

func (m *MemoryPool) DestroyBookmark(_ context.Context, bookmark *backup.Bookmark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := []string{"destroy", bookmark.String()}
	fs, err := m.filesystem(args, bookmark.Filesystem)
	if err != nil {
		return err
	}
	if _, ok := fs.bookmarks[bookmark.Name]; !ok {
		return memoryError(args, "cannot destroy '%s': bookmark does not exist", bookmark)
	}
	delete(fs.bookmarks, bookmark.Name)
	return nil
}

// Send writes a one-line stream header identifying the snapshot and its base.
func (m *MemoryPool) Send(_ context.Context, snapshot *backup.Snapshot, opts backup.SendOptions, w io.Writer) error {
	header, err := m.streamHeader(snapshot, opts)
	if err != nil {
		return err
	}
	if opts.Noop {
		return nil
	}
	// written unlocked: w is usually a pipe drained by Receive
	_, err = io.WriteString(w, header)
	return err
}

func (m *MemoryPool) streamHeader(snapshot *backup.Snapshot, opts backup.SendOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := append(append([]string{"send"}, SendArgs(opts)...), snapshot.String())
	fs, snap, err := m.snapshot(args, snapshot.Filesystem, snapshot.Name)
	if err != nil {
		return "", err
	}

	var from uint64
	switch opts.Base.Kind {
	case backup.BaseBookmark:
		guid, ok := fs.bookmarks[opts.Base.Name]
		if !ok {
			return "", memoryError(args, "cannot open '%s#%s': bookmark does not exist", snapshot.Filesystem, opts.Base.Name)
		}
		from = guid
	case backup.BaseSnapshot:
		_, base, err := m.snapshot(args, snapshot.Filesystem, opts.Base.Name)
		if err != nil {
			return "", err
		}
		from = base.guid
	}
	if from == snap.guid {
		return "", memoryError(args, "incremental source must be earlier than %s", snapshot)
	}
	return fmt.Sprintf("%s %s %d %d\n", memoryStreamMagic, snapshot, snap.guid, from), nil
}

// Receive reads a stream written by Send into filesystem@snapshot.
func (m *MemoryPool) Receive(_ context.Context, filesystem, snapshot string, opts backup.ReceiveOptions, r io.Reader) error {
	target := filesystem
	if snapshot != "" {
		target += "@" + snapshot
	}
	args := []string{"receive", target}

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		return memoryError(args, "cannot receive: failed to read from stream")
	}
	io.Copy(io.Discard, r)

	var magic, source string
	var guid, from uint64
	if _, err := fmt.Sscanf(line, "%s %s %d %d", &magic, &source, &guid, &from); err != nil || magic != memoryStreamMagic {
		return memoryError(args, "cannot receive: invalid stream (bad magic number)")
	}
	if snapshot == "" {
		_, snapshot, _ = strings.Cut(source, "@")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fs := m.filesystems[filesystem]
	if from == 0 {
		if fs != nil && !opts.Force {
			return memoryError(args, "cannot receive new filesystem stream: destination '%s' exists\nmust specify -F to overwrite it", filesystem)
		}
	} else {
		if fs == nil {
			return memoryError(args, "cannot receive incremental stream: destination '%s' does not exist", filesystem)
		}
		idx := -1
		for i, snap := range fs.snapshots {
			if snap.guid == from {
				idx = i
			}
		}
		switch {
		case idx == -1:
			return memoryError(args, "cannot receive incremental stream: destination %s does not have the incremental source", filesystem)
		case idx != len(fs.snapshots)-1 && !opts.Force:
			return memoryError(args, "cannot receive incremental stream: destination %s has been modified\nsince most recent snapshot", filesystem)
		}
		if !opts.Noop {
			fs.snapshots = fs.snapshots[:idx+1]
		}
	}

	if fs != nil {
		for _, snap := range fs.snapshots {
			if snap.name == snapshot {
				return memoryError(args, "cannot receive: destination snapshot %s@%s exists", filesystem, snapshot)
			}
		}
	}
	if opts.Noop {
		return nil
	}
	if fs == nil {
		fs = m.addFilesystem(filesystem, nil)
	} else if from == 0 {
		fs.snapshots = nil
	}
	fs.snapshots = append(fs.snapshots, &memorySnapshot{name: snapshot, guid: guid, properties: make(map[string]string)})
	return nil
}

var _ backup.Pool = (*MemoryPool)(nil)
