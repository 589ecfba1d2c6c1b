package zfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"zbackup/internal/backup"
)

// Pool implements backup.Pool over the zfs command.
type Pool struct {
	invoker Invoker
	logger  backup.Logger
}

// NewPool creates a Pool running zfs through invoker.
func NewPool(invoker Invoker, logger backup.Logger) *Pool {
	return &Pool{invoker: invoker, logger: logger}
}

// read runs a zfs command with -H style output and splits it into fields.
func (p *Pool) read(ctx context.Context, args ...string) ([][]string, error) {
	var stdout bytes.Buffer
	if err := p.invoker.Run(ctx, args, nil, &stdout); err != nil {
		return nil, err
	}

	var rows [][]string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows, nil
}

func (p *Pool) write(ctx context.Context, args ...string) error {
	return p.invoker.Run(ctx, args, nil, io.Discard)
}

// propertyValue maps the "-" of an unset user property to "".
func propertyValue(value string) string {
	if value == "-" {
		return ""
	}
	return value
}

func columns(fixed []string, properties []string) string {
	return strings.Join(append(fixed, properties...), ",")
}

func (p *Pool) GetFilesystem(ctx context.Context, name string, properties ...string) (*backup.Filesystem, error) {
	rows, err := p.read(ctx, "list", "-H", "-p", "-t", "filesystem,volume", "-o", columns([]string{"name"}, properties), name)
	if isNotFound(err) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 || len(rows[0]) != 1+len(properties) {
		return nil, fmt.Errorf("unexpected zfs list output for %s: %v", name, rows)
	}

	fs := &backup.Filesystem{Name: rows[0][0], Properties: make(map[string]string)}
	for i, property := range properties {
		fs.Properties[property] = propertyValue(rows[0][1+i])
	}
	return fs, nil
}

func (p *Pool) SetProperty(ctx context.Context, name, property, value string) error {
	return p.write(ctx, "set", property+"="+value, name)
}

func (p *Pool) ListSnapshots(ctx context.Context, filesystem string, properties ...string) ([]*backup.Snapshot, error) {
	rows, err := p.read(ctx, "list", "-H", "-p", "-d", "1", "-t", "snapshot", "-s", "createtxg",
		"-o", columns([]string{"name", "userrefs"}, properties), filesystem)
	if err != nil {
		return nil, err
	}

	snapshots := make([]*backup.Snapshot, 0, len(rows))
	for _, row := range rows {
		if len(row) != 2+len(properties) {
			return nil, fmt.Errorf("unexpected zfs list output: %v", row)
		}
		fs, name, ok := strings.Cut(row[0], "@")
		if !ok {
			return nil, fmt.Errorf("invalid snapshot name: %s", row[0])
		}
		refs, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("invalid userrefs for %s: %w", row[0], err)
		}
		snapshot := &backup.Snapshot{Filesystem: fs, Name: name, Refs: refs, Properties: make(map[string]string)}
		for i, property := range properties {
			snapshot.Properties[property] = propertyValue(row[2+i])
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (p *Pool) CreateSnapshot(ctx context.Context, filesystem, name string, properties map[string]string) (*backup.Snapshot, error) {
	args := []string{"snapshot"}
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-o", k+"="+properties[k])
	}
	snapshot := &backup.Snapshot{Filesystem: filesystem, Name: name, Properties: properties}
	if err := p.write(ctx, append(args, snapshot.String())...); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (p *Pool) DestroySnapshot(ctx context.Context, snapshot *backup.Snapshot) error {
	return p.write(ctx, "destroy", snapshot.String())
}

func (p *Pool) Holds(ctx context.Context, filesystem string) ([]backup.Hold, error) {
	snapshots, err := p.ListSnapshots(ctx, filesystem)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, nil
	}

	byName := make(map[string]*backup.Snapshot, len(snapshots))
	args := []string{"holds", "-H"}
	for _, snapshot := range snapshots {
		byName[snapshot.String()] = snapshot
		args = append(args, snapshot.String())
	}

	rows, err := p.read(ctx, args...)
	if err != nil {
		return nil, err
	}
	var holds []backup.Hold
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("unexpected zfs holds output: %v", row)
		}
		snapshot := byName[row[0]]
		if snapshot == nil {
			return nil, fmt.Errorf("zfs holds returned unknown snapshot %s", row[0])
		}
		holds = append(holds, backup.Hold{Snapshot: snapshot, Tag: row[1]})
	}
	return holds, nil
}

func (p *Pool) Hold(ctx context.Context, snapshot *backup.Snapshot, tag string) error {
	return p.write(ctx, "hold", tag, snapshot.String())
}

func (p *Pool) Release(ctx context.Context, snapshot *backup.Snapshot, tag string) error {
	return p.write(ctx, "release", tag, snapshot.String())
}

func (p *Pool) ListBookmarks(ctx context.Context, filesystem string) ([]*backup.Bookmark, error) {
	rows, err := p.read(ctx, "list", "-H", "-p", "-d", "1", "-t", "bookmark", "-o", "name", filesystem)
	if err != nil {
		return nil, err
	}
	bookmarks := make([]*backup.Bookmark, 0, len(rows))
	for _, row := range rows {
		fs, name, ok := strings.Cut(row[0], "#")
		if !ok {
			return nil, fmt.Errorf("invalid bookmark name: %s", row[0])
		}
		bookmarks = append(bookmarks, &backup.Bookmark{Filesystem: fs, Name: name})
	}
	return bookmarks, nil
}

func (p *Pool) CreateBookmark(ctx context.Context, snapshot *backup.Snapshot, name string) (*backup.Bookmark, error) {
	bookmark := &backup.Bookmark{Filesystem: snapshot.Filesystem, Name: name}
	if err := p.write(ctx, "bookmark", snapshot.String(), bookmark.String()); err != nil {
		return nil, err
	}
	return bookmark, nil
}

func (p *Pool) DestroyBookmark(ctx context.Context, bookmark *backup.Bookmark) error {
	return p.write(ctx, "destroy", bookmark.String())
}

// SendArgs formats the flags of a zfs send, without the snapshot.
func SendArgs(opts backup.SendOptions) []string {
	var args []string
	if opts.Raw {
		args = append(args, "-w")
	}
	if opts.Compressed {
		args = append(args, "-c")
	}
	if opts.LargeBlock {
		args = append(args, "-L")
	}
	if opts.Dedup {
		args = append(args, "-D")
	}
	if opts.Replicate {
		args = append(args, "-R")
	}
	if opts.Properties {
		args = append(args, "-p")
	}
	if opts.Noop {
		args = append(args, "-n")
	}
	if !opts.Base.IsNone() {
		flag := "-i"
		if opts.FullIncremental {
			flag = "-I"
		}
		args = append(args, flag, opts.Base.Selector())
	}
	return args
}

func (p *Pool) Send(ctx context.Context, snapshot *backup.Snapshot, opts backup.SendOptions, w io.Writer) error {
	args := append([]string{"send"}, SendArgs(opts)...)
	return p.invoker.Run(ctx, append(args, snapshot.String()), nil, w)
}

func (p *Pool) Receive(ctx context.Context, filesystem, snapshot string, opts backup.ReceiveOptions, r io.Reader) error {
	args := []string{"receive"}
	if opts.Force {
		args = append(args, "-F")
	}
	if opts.Noop {
		args = append(args, "-n")
	}
	if opts.Verbose {
		args = append(args, "-v")
	}
	target := filesystem
	if snapshot != "" {
		target += "@" + snapshot
	}
	out := newLineTee(io.Discard, func(line string) {
		p.logger.Info("zfs receive", "line", line)
	})
	return p.invoker.Run(ctx, append(args, target), r, out)
}

var _ backup.Pool = (*Pool)(nil)
