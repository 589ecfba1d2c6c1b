package backup

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a target that cannot run as configured:
// a missing destination or a provenance mismatch. Fix the configuration,
// retrying will not help.
type ConfigurationError struct {
	Target string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Target == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Target, e.Reason)
}

// TransferError reports a failed send or receive, carrying the exit status of
// the external tool.
type TransferError struct {
	Op   string
	Exit int
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s failed (exit %d): %v", e.Op, e.Exit, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ExitCoder is implemented by errors carrying an external exit status.
type ExitCoder interface {
	ExitCode() int
}

// NewTransferError wraps err, extracting the exit status if one is known.
func NewTransferError(op string, err error) error {
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	exit := -1
	var ec ExitCoder
	if errors.As(err, &ec) {
		exit = ec.ExitCode()
	}
	return &TransferError{Op: op, Exit: exit, Err: err}
}

// InconsistencyError describes unexpected state found during a purge, such as
// a malformed hold tag. It is logged and skipped, never returned.
type InconsistencyError struct {
	Snapshot string
	Tag      string
	Reason   string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent state: %s: %s: %s", e.Snapshot, e.Tag, e.Reason)
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
