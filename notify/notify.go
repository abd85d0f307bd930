// Package notify defines the lifecycle-event notifier boundary.
//
// Notifiers publish child lifecycle events (ready, failed, stopped) to
// downstream systems so external monitors can track fleet health. The
// proxy owns notifier lifecycle; users provide configuration only.
package notify

import (
	"context"
	"time"
)

// Event types published over the notifier boundary.
const (
	EventChildReady   = "child_ready"
	EventChildFailed  = "child_failed"
	EventChildStopped = "child_stopped"
)

// Event is the payload published when a child changes lifecycle state.
type Event struct {
	Type       string    `json:"event_type"`
	Pool       string    `json:"pool"`
	InstanceID int       `json:"instance_id"`
	Alias      string    `json:"alias,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier publishes lifecycle events to a downstream system.
// Implementations must be safe for concurrent use.
type Notifier interface {
	// Publish sends a lifecycle event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event Event) error

	// Close releases notifier resources.
	Close() error
}
