// Package db provides PostgreSQL database access for the session orchestrator.
//
// This file implements the State Store: Sessions, InstancePool, Usage, and
// Connections. It is the only package that talks SQL; the conditional-update
// primitive here (UpdateSessionStatus, returning a ClaimResult) is the pool's
// synchronization mechanism and the single most load-bearing type in the
// repository.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Session mirrors the Session entity: the primary unit of allocation.
type Session struct {
	ID                string
	OwnerID           string
	OwnerDisplayName  string
	Plan              string // freemium, starter, pro
	Status            string // pending, provisioning, ready, active, terminating, terminated, error
	InstanceID        sql.NullString
	InstanceIP        sql.NullString
	ConnectionInfo    json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
	LastActiveAt      sql.NullTime
	LastHeartbeatAt   sql.NullTime
	IdleWarningSentAt sql.NullTime
	FocusMode         bool
	TerminationReason sql.NullString
	Metadata          json.RawMessage
}

// InstancePoolRecord mirrors the InstancePool entity: one row per pooled instance.
type InstancePoolRecord struct {
	InstanceID    string
	Status        string // available, assigned, starting, stopping, unhealthy
	Plan          string
	SessionID     sql.NullString
	OwnerID       sql.NullString
	AssignedAt    sql.NullTime
	ReleasedAt    sql.NullTime
	InstanceState sql.NullString
	UpdatedAt     time.Time
}

// UsageRecord mirrors the monthly per-owner usage ledger.
type UsageRecord struct {
	OwnerID         string
	UsageMonth      string // YYYY-MM, UTC
	ConsumedMinutes float64
	SessionCount    int
	Plan            string
	QuotaMinutes    float64
	UpdatedAt       time.Time
}

// Connection mirrors the push-notification Subscriber record.
type Connection struct {
	ConnectionID string
	SessionID    string
	OwnerID      string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// ClaimResult is the three-way outcome of a conditional update. It replaces
// a boolean return so callers can distinguish an expected race ("someone
// else claimed it first, try the next candidate") from a real I/O failure
// ("stop and surface an error") without inspecting error strings.
type ClaimResult int

const (
	// Claimed means the row matched the condition and was updated.
	Claimed ClaimResult = iota
	// ConditionFailed means the row exists but no longer satisfies the
	// condition — another writer won the race.
	ConditionFailed
	// IOError means the update itself failed (connection, syntax, etc).
	IOError
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case ConditionFailed:
		return "condition_failed"
	default:
		return "io_error"
	}
}

// SessionDB handles database operations for the State Store.
type SessionDB struct {
	db *sql.DB
}

// NewSessionDB creates a new SessionDB instance.
func NewSessionDB(db *sql.DB) *SessionDB {
	return &SessionDB{db: db}
}

// CreateSession inserts a new pending session. Callers supply the ID (a
// short opaque string minted by the allocator, not a DB-generated uuid).
func (s *SessionDB) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	if sess.ConnectionInfo == nil {
		sess.ConnectionInfo = json.RawMessage(`{}`)
	}
	if sess.Metadata == nil {
		sess.Metadata = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO sessions (
			id, owner_id, owner_display_name, plan, status,
			instance_id, instance_ip, connection_info,
			created_at, updated_at, expires_at,
			last_active_at, last_heartbeat_at, idle_warning_sent_at,
			focus_mode, termination_reason, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.OwnerID, sess.OwnerDisplayName, sess.Plan, sess.Status,
		sess.InstanceID, sess.InstanceIP, sess.ConnectionInfo,
		sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt,
		sess.LastActiveAt, sess.LastHeartbeatAt, sess.IdleWarningSentAt,
		sess.FocusMode, sess.TerminationReason, sess.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s for owner %s: %w", sess.ID, sess.OwnerID, err)
	}
	return nil
}

const sessionColumns = `
	id, owner_id, COALESCE(owner_display_name, ''), plan, status,
	instance_id, instance_ip, connection_info,
	created_at, updated_at, expires_at,
	last_active_at, last_heartbeat_at, idle_warning_sent_at,
	focus_mode, termination_reason, metadata
`

// GetSession retrieves a session by id.
func (s *SessionDB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.ID, &sess.OwnerID, &sess.OwnerDisplayName, &sess.Plan, &sess.Status,
		&sess.InstanceID, &sess.InstanceIP, &sess.ConnectionInfo,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt,
		&sess.LastActiveAt, &sess.LastHeartbeatAt, &sess.IdleWarningSentAt,
		&sess.FocusMode, &sess.TerminationReason, &sess.Metadata,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// ListSessionsByOwnerStatus queries sessions by owner filtered to a set of
// statuses, ordered newest-first. Used by stale-session detection when a
// new session request arrives for an owner that may already have one.
func (s *SessionDB) ListSessionsByOwnerStatus(ctx context.Context, ownerID string, statuses []string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE owner_id = $1 AND status = ANY($2) ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, ownerID, pqStringArray(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for owner %s: %w", ownerID, err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessionsByStatus queries sessions by status, used by the reconciler's
// expire and idle-sweep passes.
func (s *SessionDB) ListSessionsByStatus(ctx context.Context, statuses []string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ANY($1) ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, pqStringArray(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListExpiredSessions returns non-terminal sessions whose expires_at has
// passed, used by the reconciler's Pass 1.
func (s *SessionDB) ListExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN ('pending','provisioning','ready','active') AND expires_at <= $1
		ORDER BY expires_at ASC`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// UpdateSessionStatus performs a conditional update of a session's status
// (and, when provided, allied fields), guarded by an expected current
// status. This is the conditional-update primitive applied to sessions: it
// prevents a terminal write from being silently clobbered by a stale
// in-flight request — transitions to terminated are terminal.
func (s *SessionDB) UpdateSessionStatus(ctx context.Context, sessionID, newStatus string, expectedCurrent []string) (ClaimResult, error) {
	now := time.Now().UTC()
	query := `UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3 AND status = ANY($4)`
	result, err := s.db.ExecContext(ctx, query, newStatus, now, sessionID, pqStringArray(expectedCurrent))
	if err != nil {
		return IOError, fmt.Errorf("failed to update status for session %s: %w", sessionID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return IOError, fmt.Errorf("failed to read rows affected for session %s: %w", sessionID, err)
	}
	if rows == 0 {
		return ConditionFailed, nil
	}
	return Claimed, nil
}

// TerminateSession marks a session terminated with a reason, unconditionally
// (used by paths that already hold exclusive knowledge of the session's
// state, e.g. after the allocator itself wrote it).
func (s *SessionDB) TerminateSession(ctx context.Context, sessionID, reason string) error {
	query := `UPDATE sessions SET status = 'terminated', termination_reason = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, reason, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to terminate session %s: %w", sessionID, err)
	}
	return nil
}

// UpdateSessionAllocation commits the result of a successful allocation:
// instance binding, connection info, and status=ready.
func (s *SessionDB) UpdateSessionAllocation(ctx context.Context, sessionID, status, instanceID, instanceIP string, connectionInfo json.RawMessage) error {
	query := `
		UPDATE sessions
		SET status = $1, instance_id = $2, instance_ip = $3, connection_info = $4, updated_at = $5
		WHERE id = $6
	`
	_, err := s.db.ExecContext(ctx, query, status, instanceID, instanceIP, connectionInfo, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update allocation for session %s: %w", sessionID, err)
	}
	return nil
}

// UpdateSessionActivity records a heartbeat or gateway-observed activity
// timestamp, bumping the session to active if it was merely ready.
func (s *SessionDB) UpdateSessionActivity(ctx context.Context, sessionID string, heartbeat bool, at time.Time) error {
	var query string
	if heartbeat {
		query = `UPDATE sessions SET last_heartbeat_at = $1, updated_at = $1, status = CASE WHEN status = 'ready' THEN 'active' ELSE status END WHERE id = $2`
	} else {
		query = `UPDATE sessions SET last_active_at = $1, updated_at = $1, status = CASE WHEN status = 'ready' THEN 'active' ELSE status END WHERE id = $2`
	}
	_, err := s.db.ExecContext(ctx, query, at, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update activity for session %s: %w", sessionID, err)
	}
	return nil
}

// SetIdleWarning sets or clears idle_warning_sent_at, giving the idle sweep
// hysteresis: a cleared warning means the session must cross the full
// threshold again before another one is sent.
func (s *SessionDB) SetIdleWarning(ctx context.Context, sessionID string, at *time.Time) error {
	query := `UPDATE sessions SET idle_warning_sent_at = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, at, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to set idle warning for session %s: %w", sessionID, err)
	}
	return nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		err := rows.Scan(
			&sess.ID, &sess.OwnerID, &sess.OwnerDisplayName, &sess.Plan, &sess.Status,
			&sess.InstanceID, &sess.InstanceIP, &sess.ConnectionInfo,
			&sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt,
			&sess.LastActiveAt, &sess.LastHeartbeatAt, &sess.IdleWarningSentAt,
			&sess.FocusMode, &sess.TerminationReason, &sess.Metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// pqStringArray renders a Go string slice as a Postgres array literal
// suitable for ANY($1) comparisons, avoiding a dependency on lib/pq's array
// helper type for this one call shape.
func pqStringArray(values []string) string {
	if len(values) == 0 {
		return "{}"
	}
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += `"` + v + `"`
	}
	return out + "}"
}
