// Package toolerrors provides the structured error taxonomy used by every
// tool implementation (see spec.md §4.3 and §7): validation,
// resource-not-found, workspace violation, subprocess failure, and
// external-service failure. A ToolError always carries a one-line
// human-readable message and preserves error chains for errors.Is/As.
package toolerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a tool failure into one of the taxonomy buckets named in
// spec.md §4.3/§7. The HTTP surface maps Kind to a status code when a tool
// error escapes to a request handler.
type Kind string

const (
	// KindValidation indicates missing or ill-typed tool arguments.
	KindValidation Kind = "validation"
	// KindNotFound indicates a referenced resource (snapshot, deployment,
	// history entry, file) does not exist.
	KindNotFound Kind = "not_found"
	// KindWorkspaceViolation indicates a path escaped the sandbox or was
	// otherwise rejected by the workspace manager.
	KindWorkspaceViolation Kind = "workspace_violation"
	// KindSubprocess indicates a subprocess (shell, interpreter) failed.
	KindSubprocess Kind = "subprocess"
	// KindExternalService indicates a network call or external dependency
	// failed.
	KindExternalService Kind = "external_service"
	// KindConflict indicates a request conflicts with existing state (a
	// deployment target that already exists without force, a conversation
	// id mismatch).
	KindConflict Kind = "conflict"
	// KindUnspecified is used when no taxonomy bucket applies.
	KindUnspecified Kind = ""
)

// ToolError is a structured tool failure. It implements error and always
// produces a non-empty, one-line Message, matching the Tool Result
// invariant that a failed result's error string is never empty.
type ToolError struct {
	Kind    Kind
	Message string
	Cause   *ToolError
}

// New constructs an unkinded ToolError with the given message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// Newf formats a ToolError message.
func Newf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// WithKind constructs a ToolError classified under kind.
func WithKind(kind Kind, message string) *ToolError {
	e := New(message)
	e.Kind = kind
	return e
}

// WithKindf formats a ToolError message classified under kind.
func WithKindf(kind Kind, format string, args ...any) *ToolError {
	return WithKind(kind, fmt.Sprintf(format, args...))
}

// Wrap converts an arbitrary error into a ToolError chain, classified under
// kind. The result is never nil: a nil cause gives a ToolError with no Cause,
// and an empty message falls back to cause's message.
func Wrap(kind Kind, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	e := &ToolError{Kind: kind, Message: message, Cause: FromError(cause)}
	return e
}

// FromError converts an arbitrary error into a ToolError chain, preserving
// an existing ToolError's Kind when present.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Error implements the error interface. It never returns an empty string
// for a non-nil ToolError.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Unwrap supports errors.Is/errors.As across ToolError chains.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// HTTPStatus maps a Kind to the HTTP status code prescribed by spec.md §7.
func (e *ToolError) HTTPStatus() int {
	if e == nil {
		return 200
	}
	switch e.Kind {
	case KindValidation, KindWorkspaceViolation, KindConflict:
		return 400
	case KindNotFound:
		return 404
	default:
		return 500
	}
}
