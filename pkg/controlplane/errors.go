package controlplane

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds carried by RemoteRequestError.
var (
	// ErrAlreadyExists indicates a create with a job ID that is already taken.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrNotFound indicates the named resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrPermissionDenied indicates the caller may not perform the call.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrQuota indicates the request was rejected for rate or quota reasons.
	ErrQuota = errors.New("quota exceeded")

	// ErrUnavailable indicates a transient server-side failure.
	ErrUnavailable = errors.New("service unavailable")
)

// RemoteRequestError wraps a failed control-plane call. The transport error
// stays reachable through errors.As, and Kind through errors.Is.
type RemoteRequestError struct {
	// Op is the call that failed (Create, Get, Cancel, List, Delete, ...).
	Op string

	// Name is the resource or parent the call addressed.
	Name string

	// Kind is one of the sentinels above, or nil when unclassified.
	Kind error

	// Err is the underlying transport error.
	Err error
}

func (e *RemoteRequestError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *RemoteRequestError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// KindForStatus maps an HTTP status code to a sentinel kind.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusConflict:
		return ErrAlreadyExists
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return ErrPermissionDenied
	case code == http.StatusTooManyRequests:
		return ErrQuota
	case code >= 500:
		return ErrUnavailable
	}
	return nil
}

// IsAlreadyExists reports whether err is a duplicate-ID rejection.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsNotFound reports whether err is a missing-resource rejection.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
