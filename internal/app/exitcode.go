package app

import (
	"errors"

	"zbackup/internal/backup"
	"zbackup/internal/config"
	"zbackup/internal/policy"
)

// Exit codes of the zbackup command.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
)

// ExitCode maps an error to the process exit code: configuration and
// policy errors exit 2, anything else 1.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var configErr *backup.ConfigurationError
	var deniedErr *policy.DeniedError
	var validationErr *config.ValidationError
	switch {
	case errors.As(err, &configErr), errors.As(err, &deniedErr), errors.As(err, &validationErr):
		return ExitConfiguration
	default:
		return ExitFailure
	}
}
