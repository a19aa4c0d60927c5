package cli

import (
	"errors"
	"fmt"

	"mercator-hq/spendgate/pkg/budget"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitForbidden = 3
	ExitNotFound  = 4
)

// ConfigError represents an error in configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{Command: command, Err: err}
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	var cfgErr *ConfigError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cfgErr), errors.Is(err, budget.ErrValidationFailed):
		return ExitConfig
	case errors.Is(err, budget.ErrForbidden):
		return ExitForbidden
	case errors.Is(err, budget.ErrTenantNotFound), errors.Is(err, budget.ErrOverrideNotFound):
		return ExitNotFound
	default:
		return ExitFailure
	}
}
