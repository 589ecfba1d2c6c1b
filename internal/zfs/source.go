package zfs

import (
	"context"
	"io"
	"strings"

	"zbackup/internal/backup"
	"zbackup/internal/policy"
)

// ParseSource splits a source of the form "host:pool/fs" into its host and
// filesystem. A source without a host is local. Dataset names may contain
// ":", so text before the first ":" is only a host when it has no "/".
func ParseSource(source string) (host, filesystem string) {
	if host, filesystem, ok := strings.Cut(source, ":"); ok && !strings.Contains(host, "/") {
		return host, filesystem
	}
	return "", source
}

// RemoteSource sends a filesystem on a remote host by running zfs send over
// ssh. The remote end authorizes the command against its own policy.
type RemoteSource struct {
	invoker    Invoker
	host       string
	filesystem string
	logger     backup.Logger
}

// NewRemoteSource creates a RemoteSource for filesystem on the host of invoker.
func NewRemoteSource(invoker *SSHInvoker, filesystem string, logger backup.Logger) *RemoteSource {
	return &RemoteSource{invoker: invoker, host: invoker.Host, filesystem: filesystem, logger: logger}
}

func (s *RemoteSource) Send(ctx context.Context, req backup.SendRequest, w io.Writer) error {
	request := policy.NewSendRequest(s.filesystem, req)
	s.logger.Debug("remote send", "host", s.host, "command", request.String())

	if err := s.invoker.Run(ctx, request.Args(), nil, w); err != nil {
		return backup.NewTransferError("send", err)
	}
	return nil
}

func (s *RemoteSource) String() string {
	return s.host + ":" + s.filesystem
}

var _ backup.Source = (*RemoteSource)(nil)
