package zfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"zbackup/internal/backup"
)

// Invoker runs the zfs command.
type Invoker interface {
	// Run runs zfs with args, wiring stdin and stdout. stdin may be nil.
	Run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error
	String() string
}

// ExitError is a zfs command that exited non-zero.
// zfs exits 1 for operation failures and 2 for usage errors.
type ExitError struct {
	Args   []string
	Exit   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", e.Exit)
	}
	return fmt.Sprintf("zfs %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *ExitError) ExitCode() int { return e.Exit }

// IsUsage reports whether zfs rejected its arguments.
func (e *ExitError) IsUsage() bool { return e.Exit == 2 }

// isNotFound reports whether err is zfs failing on a missing dataset.
func isNotFound(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee) && ee.Exit == 1 && strings.Contains(ee.Stderr, "does not exist")
}

// LocalInvoker runs zfs on this host, optionally through sudo.
type LocalInvoker struct {
	Command string
	Sudo    bool
	Logger  backup.Logger
}

func (i *LocalInvoker) Run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	argv := []string{i.command()}
	if i.Sudo {
		argv = append([]string{"sudo", "-n"}, argv...)
	}
	return run(ctx, i.Logger, args, append(argv, args...), stdin, stdout)
}

func (i *LocalInvoker) command() string {
	if i.Command == "" {
		return "zfs"
	}
	return i.Command
}

func (i *LocalInvoker) String() string { return "local" }

// SSHInvoker runs zfs on a remote host. The remote side is expected to
// restrict the key to `zbackup ssh-command`, which authorizes the command.
type SSHInvoker struct {
	SSH          string
	Host         string
	ConfigFile   string
	IdentityFile string
	Command      string
	Logger       backup.Logger
}

func (i *SSHInvoker) Run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\n'\"\\") {
			return fmt.Errorf("refusing to pass argument %q over ssh", arg)
		}
	}

	ssh := i.SSH
	if ssh == "" {
		ssh = "ssh"
	}
	argv := []string{ssh}
	if i.ConfigFile != "" {
		argv = append(argv, "-F", i.ConfigFile)
	}
	if i.IdentityFile != "" {
		argv = append(argv, "-i", i.IdentityFile)
	}
	command := i.Command
	if command == "" {
		command = "zfs"
	}
	argv = append(argv, i.Host, "--", command)
	return run(ctx, i.Logger, args, append(argv, args...), stdin, stdout)
}

func (i *SSHInvoker) String() string { return i.Host }

func run(ctx context.Context, logger backup.Logger, args, argv []string, stdin io.Reader, stdout io.Writer) error {
	if logger == nil {
		logger = backup.NewNopLogger()
	}
	logger.Debug("exec", "argv", strings.Join(argv, " "))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = newLineTee(&stderr, func(line string) {
		logger.Debug("zfs stderr", "line", line)
	})

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Args: args, Exit: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	if err != nil {
		return fmt.Errorf("running %s: %w", argv[0], err)
	}
	return nil
}

// lineTee copies everything to sink and hands complete lines to a callback.
type lineTee struct {
	sink io.Writer
	buf  []byte
	line func(string)
	mu   sync.Mutex
}

func newLineTee(sink io.Writer, line func(string)) *lineTee {
	return &lineTee{sink: sink, line: line}
}

func (t *lineTee) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.sink.Write(data); err != nil {
		return 0, err
	}
	t.buf = append(t.buf, data...)
	for {
		idx := bytes.IndexByte(t.buf, '\n')
		if idx == -1 {
			break
		}
		t.line(string(t.buf[:idx]))
		t.buf = t.buf[idx+1:]
	}
	return len(data), nil
}

var (
	_ Invoker = (*LocalInvoker)(nil)
	_ Invoker = (*SSHInvoker)(nil)
)
