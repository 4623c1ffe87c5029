package conductor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// ErrorCode is the stable machine-readable code carried by a failed
	// CommandResult
	ErrorCode string

	// Error is the failure form surfaced on a CommandResult. Dispatch never
	// propagates domain failures as raised errors; they are converted into
	// this type at the dispatch boundary
	Error struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	}

	// ParameterError reports a missing or uncoercible command parameter
	ParameterError struct {
		Name   string
		Reason string
	}

	// EntityNotFoundError reports a load against a record that does not
	// exist in the backend
	EntityNotFoundError struct {
		EntityType string
		EntityID   string
	}

	// UnknownCommandError reports a dispatch naming a command that is not
	// registered, or is registered but not dispatchable
	UnknownCommandError struct {
		EntityType string
		Command    string
	}

	// AuthorizationError reports a caller missing permissions the command
	// declares
	AuthorizationError struct {
		Command string
		Missing []string
	}

	// ConcurrencyError reports that the backend's stored version is newer
	// than the version the transaction loaded
	ConcurrencyError struct {
		EntityType string
		EntityID   string
		Loaded     time.Time
		Stored     time.Time
	}
)

const (
	CodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	CodeEntityNotFound    ErrorCode = "ENTITY_NOT_FOUND"
	CodeEventNotFound     ErrorCode = "EVENT_NOT_FOUND"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeConcurrency       ErrorCode = "CONCURRENCY_CONFLICT"
	CodeExecution         ErrorCode = "EXECUTION_ERROR"
)

var (
	// ErrHubClosed indicates a publish against a hub that has shut down
	ErrHubClosed = errors.New("event hub is closed")

	// ErrTxNotActive indicates a terminal operation on a transaction that
	// was never begun
	ErrTxNotActive = errors.New("transaction is not active")

	// ErrTxCommitted indicates a second terminal operation after commit
	ErrTxCommitted = errors.New("transaction already committed")

	// ErrTxRolledBack indicates a second terminal operation after rollback
	ErrTxRolledBack = errors.New("transaction already rolled back")

	// ErrBackendTxNotActive indicates a backend commit or rollback without
	// an open transaction
	ErrBackendTxNotActive = errors.New("no backend transaction active")

	// ErrStatusRegression indicates an attempt to move a command's status
	// backwards or out of a terminal state
	ErrStatusRegression = errors.New("command status may not regress")
)

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Name, e.Reason)
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %s not found", EntityKey(e.EntityType, e.EntityID))
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf(
		"command %q is not dispatchable on entity type %q",
		e.Command, e.EntityType,
	)
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf(
		"command %q requires permissions: %s",
		e.Command, strings.Join(e.Missing, ", "),
	)
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf(
		"concurrent modification of %s: loaded at %s, stored at %s",
		EntityKey(e.EntityType, e.EntityID),
		e.Loaded.Format(time.RFC3339Nano),
		e.Stored.Format(time.RFC3339Nano),
	)
}

// classify maps any error raised inside dispatch onto its stable code
func classify(err error) ErrorCode {
	var (
		paramErr   *ParameterError
		notFound   *EntityNotFoundError
		unknownCmd *UnknownCommandError
		authErr    *AuthorizationError
		conflict   *ConcurrencyError
	)
	switch {
	case errors.As(err, &paramErr):
		return CodeInvalidParameters
	case errors.As(err, &notFound):
		return CodeEntityNotFound
	case errors.As(err, &unknownCmd):
		return CodeEventNotFound
	case errors.As(err, &authErr):
		return CodeUnauthorized
	case errors.As(err, &conflict):
		return CodeConcurrency
	default:
		return CodeExecution
	}
}

// resultError converts a raised error into the result form
func resultError(err error) *Error {
	return &Error{
		Code:    classify(err),
		Message: err.Error(),
	}
}
