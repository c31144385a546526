package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the network's failure categories.
// Kinds map 1:1 onto HTTP status codes at the request surface.
type Kind int

const (
	Internal Kind = iota
	NotFound
	Unauthenticated
	PermissionDenied
	Conflict
	CapacityExceeded
	InvalidState
	Validation
	InsufficientBudget
	ExternalUnavailable
	Timeout
)

// Machine-readable codes carried on errors where callers branch on them.
const (
	CodeTaskFull           = "TASK_FULL"
	CodeAlreadyJoined      = "ALREADY_JOINED"
	CodeAgentNotFound      = "AGENT_NOT_FOUND"
	CodeInsufficientBudget = "INSUFFICIENT_BUDGET"
	CodeConnectionClosed   = "CONNECTION_CLOSED"
	CodeRequestTimeout     = "REQUEST_TIMEOUT"
)

// Error is a typed error carrying a kind, an optional stable code, and a
// human-readable message. Components translate storage and collaborator
// failures into an *Error before surfacing them.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so callers can match with errors.Is against a
// bare-kind sentinel, e.g. errors.Is(err, &Error{Kind: NotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a typed error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// EC builds a typed error with a stable machine code.
func EC(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error while preserving the chain.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CodeOf extracts the stable machine code, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the request surface returns.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Unauthenticated:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case Validation, InvalidState, InsufficientBudget, CapacityExceeded:
		return http.StatusBadRequest
	case ExternalUnavailable:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// String returns the canonical lowercase name of a kind, used in logs and
// audit events.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Unauthenticated:
		return "unauthenticated"
	case PermissionDenied:
		return "permission_denied"
	case Conflict:
		return "conflict"
	case CapacityExceeded:
		return "capacity_exceeded"
	case InvalidState:
		return "invalid_state"
	case Validation:
		return "validation_error"
	case InsufficientBudget:
		return "insufficient_budget"
	case ExternalUnavailable:
		return "external_unavailable"
	case Timeout:
		return "timeout"
	default:
		return "internal"
	}
}
