// Package apierrors defines the error taxonomy shared by the lifecycle
// controller, the record store, and the orchestrator adapter, and maps it
// to HTTP status codes at the façade boundary.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers that need to branch on it, and for
// the HTTP boundary's status-code mapping.
type Kind int

const (
	// KindUnknown is never constructed directly; it is the zero value.
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindQuotaExceeded
	KindStartFailed
	KindStopFailed
	KindClusterError
	KindAuthFailed
	KindOversize
	// KindNoop reports that a lifecycle transition was requested but sid was
	// already in the target state; the façade boundary maps this to 202.
	KindNoop
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindStartFailed:
		return "start_failed"
	case KindStopFailed:
		return "stop_failed"
	case KindClusterError:
		return "cluster_error"
	case KindAuthFailed:
		return "auth_failed"
	case KindOversize:
		return "oversize"
	case KindNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Error is the concrete error type for every taxonomy member. Sid and Cause
// are optional; Cause is unwrapped via errors.Unwrap.
type Error struct {
	Kind  Kind
	Sid   string
	Cause error
	msg   string
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.Cause)
	case e.msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, apierrors.NotFound("")) style checks, and so plain
// Kind sentinels (below) compare correctly via errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(kind Kind, sid, msg string, cause error) *Error {
	return &Error{Kind: kind, Sid: sid, Cause: cause, msg: msg}
}

// NotFound reports that no student or workload exists for sid.
func NotFound(sid string) error { return newErr(KindNotFound, sid, "", nil) }

// AlreadyExists reports that sid is already enrolled.
func AlreadyExists(sid string) error { return newErr(KindAlreadyExists, sid, "", nil) }

// QuotaExceeded reports that sid's time_used has reached time_quota.
func QuotaExceeded(sid string) error { return newErr(KindQuotaExceeded, sid, "", nil) }

// StartFailed reports that the adapter failed while transitioning sid to Running.
func StartFailed(sid string, cause error) error { return newErr(KindStartFailed, sid, "", cause) }

// StopFailed reports that the adapter failed while transitioning sid to Stopped.
func StopFailed(sid string, cause error) error { return newErr(KindStopFailed, sid, "", cause) }

// ClusterError reports a generic orchestrator adapter failure (timeout,
// conflict-after-retries, transport).
func ClusterError(cause error) error { return newErr(KindClusterError, "", "", cause) }

// ClusterErrorf is ClusterError with a formatted message attached.
func ClusterErrorf(cause error, format string, args ...any) error {
	return newErr(KindClusterError, "", fmt.Sprintf(format, args...), cause)
}

// AuthFailed reports a wrong password or an invalid/unverifiable token.
func AuthFailed() error { return newErr(KindAuthFailed, "", "", nil) }

// Oversize reports that a field's value exceeds its length bound.
func Oversize(field string, limit int) error {
	return newErr(KindOversize, "", fmt.Sprintf("field %q exceeds %d bytes", field, limit), nil)
}

// Noop reports that sid was already in the requested lifecycle state, so no
// transition occurred.
func Noop(sid string) error { return newErr(KindNoop, sid, "", nil) }

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// SidOf extracts the sid attached to err, if any.
func SidOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Sid
	}
	return ""
}

// HTTPStatus maps a Kind to the status code the façade boundary returns
// for it. Non-taxonomy errors map to 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindOversize:
		return http.StatusBadRequest
	case KindNoop:
		return http.StatusAccepted
	case KindStartFailed, KindStopFailed, KindClusterError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
