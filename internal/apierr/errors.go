// Package apierr provides the standardized error taxonomy for the Strato
// control plane API.
//
// Every API boundary (HTTP handler, lifecycle coordinator, ledger, scheduler)
// returns one of the Kinds defined here and nothing else. Kinds carry their
// own HTTP status mapping so handlers never hand-pick status codes.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindBadRequest             Kind = "BAD_REQUEST"
	KindPermissionDenied       Kind = "PERMISSION_DENIED"
	KindNotFound               Kind = "NOT_FOUND"
	KindConflict               Kind = "CONFLICT"
	KindQuotaExceeded          Kind = "QUOTA_EXCEEDED"
	KindNoEligibleAgent        Kind = "NO_ELIGIBLE_AGENT"
	KindInsufficientCapacity   Kind = "INSUFFICIENT_CAPACITY"
	KindNoAgents               Kind = "NO_AGENTS"
	KindSchedulingContention   Kind = "SCHEDULING_CONTENTION"
	KindAgentBusy              Kind = "AGENT_BUSY"
	KindAgentDisconnected      Kind = "AGENT_DISCONNECTED"
	KindTimeout                Kind = "TIMEOUT"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindCAUnavailable          Kind = "CA_UNAVAILABLE"
	KindPermissionStoreDown    Kind = "PERMISSION_STORE_UNAVAILABLE"
	KindPersistenceUnavailable Kind = "PERSISTENCE_UNAVAILABLE"
	KindInvalidToken           Kind = "INVALID_TOKEN"
	KindTokenExpired           Kind = "TOKEN_EXPIRED"
	KindTokenAlreadyUsed       Kind = "TOKEN_ALREADY_USED"
	KindSubjectMismatch        Kind = "SUBJECT_MISMATCH"
	KindInvalidEnvironment     Kind = "INVALID_ENVIRONMENT"
	KindInternal               Kind = "INTERNAL"
)

// Error is the typed application error every API boundary returns.
type Error struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	Details       string `json:"details,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	StatusCode    int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorResponse is the JSON body rendered to API callers.
type ErrorResponse struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Details       string `json:"details,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Kind:          string(e.Kind),
		Message:       e.Message,
		Details:       e.Details,
		CorrelationID: e.CorrelationID,
	}
}

// WithCorrelationID attaches a correlation id, used for Internal errors so
// logs are grep-able by the id surfaced to the caller.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, StatusCode: statusFor(kind)}
}

func NewWithDetails(kind Kind, message, details string) *Error {
	return &Error{Kind: kind, Message: message, Details: details, StatusCode: statusFor(kind)}
}

func Wrap(kind Kind, message string, err error) *Error {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(kind, message, details)
}

// As reports whether err is an *Error of the given kind.
func As(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	return ok && ae.Kind == kind
}

func statusFor(kind Kind) int {
	switch kind {
	case KindBadRequest, KindInvalidEnvironment:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusForbidden
	case KindNoEligibleAgent, KindInsufficientCapacity, KindNoAgents:
		return http.StatusConflict
	case KindSchedulingContention:
		return http.StatusConflict
	case KindAgentBusy:
		return http.StatusServiceUnavailable
	case KindAgentDisconnected:
		return http.StatusGone
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindInvalidStateTransition:
		return http.StatusConflict
	case KindCAUnavailable, KindPermissionStoreDown, KindPersistenceUnavailable:
		return http.StatusServiceUnavailable
	case KindInvalidToken, KindTokenExpired, KindTokenAlreadyUsed, KindSubjectMismatch:
		return http.StatusUnauthorized
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Convenience constructors, mirroring the shape callers reach for most.

func BadRequest(message string) *Error       { return New(KindBadRequest, message) }
func PermissionDenied(message string) *Error { return New(KindPermissionDenied, message) }
func NotFound(resource string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}
func Conflict(message string) *Error      { return New(KindConflict, message) }
func QuotaExceeded(message string) *Error { return New(KindQuotaExceeded, message) }
func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}
func PersistenceUnavailable(err error) *Error {
	return Wrap(KindPersistenceUnavailable, "persistence unavailable", err)
}
func CAUnavailable(err error) *Error {
	return Wrap(KindCAUnavailable, "certificate authority unavailable", err)
}
func PermissionStoreUnavailable(err error) *Error {
	return Wrap(KindPermissionStoreDown, "permission store unavailable", err)
}
func InvalidStateTransition(from, to string) *Error {
	return New(KindInvalidStateTransition, fmt.Sprintf("cannot transition from %s to %s", from, to))
}
