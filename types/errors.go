// Package types defines the shared data model for the pwproxy core:
// error kinds, JSON-RPC wire messages, blob references, and child/pool
// state reported through status surfaces.
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for failure classification across the proxy core.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrConfig indicates a startup configuration validation failure.
	// Fatal; the proxy refuses to start.
	ErrConfig = errors.New("invalid configuration")

	// ErrNotFound indicates an unknown pool, instance key, blob, or
	// snapshot cache entry.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguousAlias indicates an alias passed without a pool name
	// that matches instances in more than one pool.
	ErrAmbiguousAlias = errors.New("ambiguous alias")

	// ErrShuttingDown indicates a lease request after shutdown started.
	ErrShuttingDown = errors.New("shutting down")

	// ErrPoolExhausted indicates the configured lease-wait ceiling was
	// exceeded before an instance became available.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrTimeout indicates the child did not reply within the call
	// deadline. The child remains usable; the late reply is dropped.
	ErrTimeout = errors.New("call timed out")

	// ErrChildGone indicates the child exited or closed stdout mid-call.
	// The child is marked failed and removed from leasing.
	ErrChildGone = errors.New("child process gone")

	// ErrTooLarge indicates a blob exceeding the configured per-blob cap.
	ErrTooLarge = errors.New("payload too large")

	// ErrCancelled indicates the caller's cancellation signal fired.
	ErrCancelled = errors.New("cancelled")
)

// RemoteError carries a JSON-RPC error object returned by the child.
// Code and message are surfaced verbatim to the caller.
type RemoteError struct {
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// ErrorKind returns the wire tag for an error, used in the user-visible
// failure shape {"error": {"kind": ..., "message": ...}}.
func ErrorKind(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return "remote_error"
	}

	switch {
	case errors.Is(err, ErrConfig):
		return "config_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAmbiguousAlias):
		return "ambiguous_alias"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrChildGone):
		return "child_gone"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}
