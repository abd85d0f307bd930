package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"config", ErrConfig, "config_error"},
		{"not_found", ErrNotFound, "not_found"},
		{"ambiguous", ErrAmbiguousAlias, "ambiguous_alias"},
		{"shutting_down", ErrShuttingDown, "shutting_down"},
		{"exhausted", ErrPoolExhausted, "pool_exhausted"},
		{"timeout", ErrTimeout, "timeout"},
		{"child_gone", ErrChildGone, "child_gone"},
		{"too_large", ErrTooLarge, "too_large"},
		{"cancelled", ErrCancelled, "cancelled"},
		{"remote", &RemoteError{Code: -32000, Message: "boom"}, "remote_error"},
		{"unknown", errors.New("plain"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorKind(tt.err); got != tt.want {
				t.Errorf("ErrorKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorKindWrapped(t *testing.T) {
	err := fmt.Errorf("lease pool %q: %w", "heavy", ErrShuttingDown)
	if got := ErrorKind(err); got != "shutting_down" {
		t.Errorf("ErrorKind(wrapped) = %q, want shutting_down", got)
	}

	wrapped := fmt.Errorf("dispatch: %w", &RemoteError{Code: -32602, Message: "bad params"})
	if got := ErrorKind(wrapped); got != "remote_error" {
		t.Errorf("ErrorKind(wrapped remote) = %q, want remote_error", got)
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	err := &RemoteError{Code: -32601, Message: "method not found"}
	want := "remote error -32601: method not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
