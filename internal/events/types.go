// Package events provides NATS event publishing for the session orchestrator.
//
// The orchestrator publishes session lifecycle transitions so an
// out-of-scope push-notification edge service can fan them out to
// connected clients; it never subscribes to or reads these events back.
package events

import "time"

// SessionReadyEvent is published when a session finishes provisioning and
// becomes ready for connection.
type SessionReadyEvent struct {
	EventID      string    `json:"event_id"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	OwnerID      string    `json:"owner_id"`
	InstanceID   string    `json:"instance_id"`
	ConnectionID string    `json:"connection_id,omitempty"`
}

// SessionTerminatedEvent is published when a session reaches the terminated
// status, regardless of the reason (explicit delete, expiry, idle timeout,
// stale-session reaping).
type SessionTerminatedEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	Reason    string    `json:"reason"`
}

// SessionIdleWarningEvent is published when the reconciler's idle sweep
// sets idle_warning_sent_at for a session.
type SessionIdleWarningEvent struct {
	EventID           string    `json:"event_id"`
	Timestamp         time.Time `json:"timestamp"`
	SessionID         string    `json:"session_id"`
	OwnerID           string    `json:"owner_id"`
	TerminationInMins int       `json:"termination_in_minutes"`
}

// ReconcilerCycleEvent is published after each reconciler cycle completes,
// carrying a summary for observability.
type ReconcilerCycleEvent struct {
	EventID          string    `json:"event_id"`
	Timestamp        time.Time `json:"timestamp"`
	Expired          int       `json:"expired"`
	IdleWarned       int       `json:"idle_warned"`
	IdleTerminated   int       `json:"idle_terminated"`
	OrphansReleased  int       `json:"orphans_released"`
	ScaleActions     int       `json:"scale_actions"`
	DurationSeconds  float64   `json:"duration_seconds"`
}
