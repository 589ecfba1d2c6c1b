package app

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/term"

	"zbackup/internal/config"
	"zbackup/internal/policy"
)

// AuthorizeCommand parses an SSH_ORIGINAL_COMMAND and applies the restrict
// policy of cfg. Nothing touches a pool before this succeeds.
func AuthorizeCommand(cfg *config.Config, line string) (*policy.Request, error) {
	req, err := policy.ParseCommand(line)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(cfg.RestrictionPolicy(), req); err != nil {
		return nil, err
	}
	return req, nil
}

// isTerminal reports whether f is an open terminal.
func isTerminal(f any) bool {
	fd, ok := f.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(fd.Fd()))
}

// ServeCommand runs an authorized remote request: a send writes its stream
// to stdout, a receive reads one from stdin.
func (a *App) ServeCommand(ctx context.Context, req *policy.Request, stdin io.Reader, stdout io.Writer) error {
	if err := a.persistOperation(req.String()); err != nil {
		return err
	}
	a.logger.Info("ssh-command", "command", req.String())

	switch req.Verb {
	case policy.VerbSend:
		if isTerminal(stdout) {
			return a.fail(fmt.Errorf("refusing to write a send stream to a terminal"))
		}
		auth, err := policy.NewAuthorizer(a.cfg.RestrictionPolicy())
		if err != nil {
			return a.fail(&policy.DeniedError{Reason: fmt.Sprintf("invalid policy: %v", err)})
		}
		send := req.SendRequest()
		send.PurgeAllowed = auth.BookmarkAllowed
		return a.fail(a.service.Send(ctx, send, stdout))
	case policy.VerbReceive:
		if isTerminal(stdin) {
			return a.fail(fmt.Errorf("refusing to read a stream from a terminal"))
		}
		return a.fail(a.service.Receive(ctx, req.Target, req.Snapshot, req.ReceiveOptions(), stdin))
	default:
		return a.fail(&policy.DeniedError{Reason: fmt.Sprintf("unsupported verb %s", req.Verb)})
	}
}
