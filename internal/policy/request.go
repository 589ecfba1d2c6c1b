package policy

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"zbackup/internal/backup"
)

// Verb is the operation of a remote request.
type Verb int

const (
	VerbSend Verb = iota + 1
	VerbReceive
)

func (v Verb) String() string {
	switch v {
	case VerbSend:
		return "send"
	case VerbReceive:
		return "receive"
	default:
		return fmt.Sprintf("Verb(%d)", int(v))
	}
}

// Request is a parsed remote zfs command.
type Request struct {
	Verb   Verb
	Target string

	// Snapshot selects the snapshot: "" none (temporary for send), "*" the
	// most recent, or a name.
	Snapshot string

	// Incremental is the base selector, "#bookmark" or "@snapshot".
	Incremental     string
	FullIncremental bool

	Bookmark       string
	PurgeBookmarks string
	KeepBookmarks  []string

	Raw        bool
	Compressed bool
	LargeBlock bool
	Dedup      bool
	Replicate  bool
	Properties bool

	Force   bool
	Noop    bool
	Verbose bool
}

// ParseCommand parses a command line of the form
//
//	zfs send [-wcLDRpnv] [-i BASE | -I BASE] [--bookmark=NAME]
//	         [--purge-bookmarks=GLOB] [--keep-bookmark=NAME]... FS[@SNAP|@*]
//	zfs receive [-Fnv] FS[@SNAP]
//
// as found in SSH_ORIGINAL_COMMAND. Anything else is a *DeniedError.
func ParseCommand(line string) (*Request, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, deny("invalid command %q", line)
	}
	if fields[0] != "zfs" {
		return nil, deny("unsupported command %q", fields[0])
	}

	req := &Request{}
	flags := pflag.NewFlagSet("zfs "+fields[1], pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.SetInterspersed(true)

	var incremental, fullIncremental string
	switch fields[1] {
	case "send":
		req.Verb = VerbSend
		flags.BoolVarP(&req.Raw, "raw", "w", false, "raw send")
		flags.BoolVarP(&req.Compressed, "compressed", "c", false, "compressed send")
		flags.BoolVarP(&req.LargeBlock, "large-block", "L", false, "large blocks")
		flags.BoolVarP(&req.Dedup, "dedup", "D", false, "deduplicated send")
		flags.BoolVarP(&req.Replicate, "replicate", "R", false, "replication stream")
		flags.BoolVarP(&req.Properties, "props", "p", false, "include properties")
		flags.BoolVarP(&req.Noop, "dryrun", "n", false, "dry run")
		flags.BoolVarP(&req.Verbose, "verbose", "v", false, "verbose")
		flags.StringVarP(&incremental, "incremental", "i", "", "incremental base")
		flags.StringVarP(&fullIncremental, "full-incremental", "I", "", "incremental base, with intermediates")
		flags.StringVar(&req.Bookmark, "bookmark", "", "bookmark to create after send")
		flags.StringVar(&req.PurgeBookmarks, "purge-bookmarks", "", "bookmarks to destroy after send")
		flags.StringArrayVar(&req.KeepBookmarks, "keep-bookmark", nil, "bookmark to keep when purging")
	case "receive", "recv":
		req.Verb = VerbReceive
		flags.BoolVarP(&req.Force, "force", "F", false, "force rollback")
		flags.BoolVarP(&req.Noop, "dryrun", "n", false, "dry run")
		flags.BoolVarP(&req.Verbose, "verbose", "v", false, "verbose")
	default:
		return nil, deny("unsupported zfs command %q", fields[1])
	}

	if err := flags.Parse(fields[2:]); err != nil {
		return nil, deny("zfs %s: %v", fields[1], err)
	}

	switch {
	case incremental != "" && fullIncremental != "":
		return nil, deny("zfs send: -i and -I are exclusive")
	case incremental != "":
		req.Incremental = incremental
	case fullIncremental != "":
		req.Incremental = fullIncremental
		req.FullIncremental = true
	}
	if req.Incremental != "" && !strings.HasPrefix(req.Incremental, "#") && !strings.HasPrefix(req.Incremental, "@") {
		return nil, deny("zfs send: base %q must be #bookmark or @snapshot", req.Incremental)
	}

	if flags.NArg() != 1 {
		return nil, deny("zfs %s: expected one dataset, got %d", fields[1], flags.NArg())
	}
	target, snapshot, hasSnapshot := strings.Cut(flags.Arg(0), "@")
	if target == "" || strings.ContainsAny(target, "#@") {
		return nil, deny("zfs %s: invalid dataset %q", fields[1], flags.Arg(0))
	}
	if hasSnapshot && snapshot == "" {
		return nil, deny("zfs %s: empty snapshot name in %q", fields[1], flags.Arg(0))
	}
	if req.Verb == VerbReceive && snapshot == "*" {
		return nil, deny("zfs receive: invalid snapshot %q", snapshot)
	}
	req.Target = target
	req.Snapshot = snapshot
	return req, nil
}

// Args formats the request as zfs arguments, the inverse of ParseCommand
// without the leading "zfs". Values are attached to their flags so that the
// command survives a remote shell.
func (r *Request) Args() []string {
	var args []string
	switch r.Verb {
	case VerbSend:
		args = append(args, "send")
		for _, f := range []struct {
			set  bool
			flag string
		}{
			{r.Raw, "-w"}, {r.Compressed, "-c"}, {r.LargeBlock, "-L"}, {r.Dedup, "-D"},
			{r.Replicate, "-R"}, {r.Properties, "-p"}, {r.Noop, "-n"}, {r.Verbose, "-v"},
		} {
			if f.set {
				args = append(args, f.flag)
			}
		}
		if r.Incremental != "" {
			if r.FullIncremental {
				args = append(args, "-I"+r.Incremental)
			} else {
				args = append(args, "-i"+r.Incremental)
			}
		}
		if r.Bookmark != "" {
			args = append(args, "--bookmark="+r.Bookmark)
		}
		if r.PurgeBookmarks != "" {
			args = append(args, "--purge-bookmarks="+r.PurgeBookmarks)
		}
		for _, keep := range r.KeepBookmarks {
			args = append(args, "--keep-bookmark="+keep)
		}
	case VerbReceive:
		args = append(args, "receive")
		if r.Force {
			args = append(args, "-F")
		}
		if r.Noop {
			args = append(args, "-n")
		}
		if r.Verbose {
			args = append(args, "-v")
		}
	}

	target := r.Target
	if r.Snapshot != "" {
		target += "@" + r.Snapshot
	}
	return append(args, target)
}

// String formats the request as a zfs command line.
func (r *Request) String() string {
	return "zfs " + strings.Join(r.Args(), " ")
}

// NewSendRequest converts a backup send request for target into a Request.
func NewSendRequest(target string, req backup.SendRequest) *Request {
	return &Request{
		Verb:            VerbSend,
		Target:          target,
		Snapshot:        req.Snapshot,
		Incremental:     req.Base.Selector(),
		FullIncremental: req.Options.FullIncremental,
		Bookmark:        req.Bookmark,
		PurgeBookmarks:  req.PurgeBookmarks,
		KeepBookmarks:   req.KeepBookmarks,
		Raw:             req.Options.Raw,
		Compressed:      req.Options.Compressed,
		LargeBlock:      req.Options.LargeBlock,
		Dedup:           req.Options.Dedup,
		Replicate:       req.Options.Replicate,
		Properties:      req.Options.Properties,
		Noop:            req.Options.Noop,
	}
}

// SendRequest converts a send Request into a backup send request.
func (r *Request) SendRequest() backup.SendRequest {
	return backup.SendRequest{
		Filesystem:     r.Target,
		Snapshot:       r.Snapshot,
		Base:           backup.ParseSelector(r.Incremental),
		Bookmark:       r.Bookmark,
		PurgeBookmarks: r.PurgeBookmarks,
		KeepBookmarks:  r.KeepBookmarks,
		Options: backup.SendOptions{
			FullIncremental: r.FullIncremental,
			Raw:             r.Raw,
			Compressed:      r.Compressed,
			LargeBlock:      r.LargeBlock,
			Dedup:           r.Dedup,
			Replicate:       r.Replicate,
			Properties:      r.Properties,
			Noop:            r.Noop,
		},
	}
}

// ReceiveOptions returns the options of a receive Request.
func (r *Request) ReceiveOptions() backup.ReceiveOptions {
	return backup.ReceiveOptions{Force: r.Force, Noop: r.Noop, Verbose: r.Verbose}
}
