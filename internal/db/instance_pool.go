package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InstancePoolDB handles database operations for the tiered instance pool.
type InstancePoolDB struct {
	db *sql.DB
}

// NewInstancePoolDB creates a new InstancePoolDB instance.
func NewInstancePoolDB(db *sql.DB) *InstancePoolDB {
	return &InstancePoolDB{db: db}
}

const poolColumns = `
	instance_id, status, plan, session_id, owner_id,
	assigned_at, released_at, instance_state, updated_at
`

// Put upserts a pool record unconditionally. Used by the reconciler's pool
// sync pass and by the allocator's cold-start path (to record an instance
// it found running or started itself); claims go through the conditional
// ClaimAvailable/TransitionStatus instead, and Release is an unconditional
// update keyed by instance id.
func (p *InstancePoolDB) Put(ctx context.Context, rec *InstancePoolRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO instance_pool (instance_id, status, plan, session_id, owner_id, assigned_at, released_at, instance_state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (instance_id) DO UPDATE SET
			status = EXCLUDED.status,
			plan = EXCLUDED.plan,
			instance_state = EXCLUDED.instance_state,
			updated_at = EXCLUDED.updated_at
	`
	_, err := p.db.ExecContext(ctx, query,
		rec.InstanceID, rec.Status, rec.Plan, rec.SessionID, rec.OwnerID,
		rec.AssignedAt, rec.ReleasedAt, rec.InstanceState, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put pool record %s: %w", rec.InstanceID, err)
	}
	return nil
}

// Get retrieves a pool record by instance id.
func (p *InstancePoolDB) Get(ctx context.Context, instanceID string) (*InstancePoolRecord, error) {
	query := `SELECT ` + poolColumns + ` FROM instance_pool WHERE instance_id = $1`
	rec := &InstancePoolRecord{}
	err := p.db.QueryRowContext(ctx, query, instanceID).Scan(
		&rec.InstanceID, &rec.Status, &rec.Plan, &rec.SessionID, &rec.OwnerID,
		&rec.AssignedAt, &rec.ReleasedAt, &rec.InstanceState, &rec.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("pool record not found: %s", instanceID)
		}
		return nil, fmt.Errorf("failed to get pool record %s: %w", instanceID, err)
	}
	return rec, nil
}

// GetBySessionID retrieves the pool record owned by a session, regardless
// of its status. Used to find a warm-pool instance that's still "starting"
// when a caller polls a provisioning session that already has one bound.
func (p *InstancePoolDB) GetBySessionID(ctx context.Context, sessionID string) (*InstancePoolRecord, error) {
	query := `SELECT ` + poolColumns + ` FROM instance_pool WHERE session_id = $1`
	rec := &InstancePoolRecord{}
	err := p.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.InstanceID, &rec.Status, &rec.Plan, &rec.SessionID, &rec.OwnerID,
		&rec.AssignedAt, &rec.ReleasedAt, &rec.InstanceState, &rec.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("pool record not found for session: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get pool record for session %s: %w", sessionID, err)
	}
	return rec, nil
}

// ListAvailableByPlan queries available instances for a plan tier, ordered
// by instance_id for determinism across claim-loop iterations. Cross-tier
// borrowing is forbidden; callers must pass the requester's own plan,
// with "pro" as the backward-compat default for rows lacking one.
func (p *InstancePoolDB) ListAvailableByPlan(ctx context.Context, plan string) ([]*InstancePoolRecord, error) {
	query := `SELECT ` + poolColumns + ` FROM instance_pool WHERE status = 'available' AND plan = $1 ORDER BY instance_id`
	rows, err := p.db.QueryContext(ctx, query, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to list available instances for plan %s: %w", plan, err)
	}
	defer rows.Close()
	return scanPoolRecords(rows)
}

// ListByStatus queries pool records by status, used by the reconciler's
// orphan-release pass (status=assigned) and elsewhere.
func (p *InstancePoolDB) ListByStatus(ctx context.Context, status string) ([]*InstancePoolRecord, error) {
	query := `SELECT ` + poolColumns + ` FROM instance_pool WHERE status = $1 ORDER BY instance_id`
	rows, err := p.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances with status %s: %w", status, err)
	}
	defer rows.Close()
	return scanPoolRecords(rows)
}

// ListByPlan returns every pool record for a tier, used by the reconciler's
// per-tier scaling pass to compute A/P.
func (p *InstancePoolDB) ListByPlan(ctx context.Context, plan string) ([]*InstancePoolRecord, error) {
	query := `SELECT ` + poolColumns + ` FROM instance_pool WHERE plan = $1`
	rows, err := p.db.QueryContext(ctx, query, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances for plan %s: %w", plan, err)
	}
	defer rows.Close()
	return scanPoolRecords(rows)
}

// ClaimAvailable is the pool's synchronization primitive: a conditional
// transition available -> assigned, guarded by status = 'available' so that
// two concurrent claims on the same row can't both succeed. The caller
// must have already verified instance health with the cloud port before
// calling this.
func (p *InstancePoolDB) ClaimAvailable(ctx context.Context, instanceID, sessionID, ownerID string) (ClaimResult, error) {
	now := time.Now().UTC()
	query := `
		UPDATE instance_pool
		SET status = 'assigned', session_id = $1, owner_id = $2, assigned_at = $3, updated_at = $3
		WHERE instance_id = $4 AND status = 'available'
	`
	result, err := p.db.ExecContext(ctx, query, sessionID, ownerID, now, instanceID)
	if err != nil {
		return IOError, fmt.Errorf("failed to claim instance %s: %w", instanceID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return IOError, fmt.Errorf("failed to read rows affected claiming instance %s: %w", instanceID, err)
	}
	if rows == 0 {
		return ConditionFailed, nil
	}
	return Claimed, nil
}

// TransitionStatus performs a conditional status transition guarded by an
// expected current status, for non-claim transitions (e.g. starting ->
// available on boot completion, available -> unhealthy on a failed health
// check).
func (p *InstancePoolDB) TransitionStatus(ctx context.Context, instanceID, newStatus string, expectedCurrent []string) (ClaimResult, error) {
	query := `UPDATE instance_pool SET status = $1, updated_at = $2 WHERE instance_id = $3 AND status = ANY($4)`
	result, err := p.db.ExecContext(ctx, query, newStatus, time.Now().UTC(), instanceID, pqStringArray(expectedCurrent))
	if err != nil {
		return IOError, fmt.Errorf("failed to transition instance %s to %s: %w", instanceID, newStatus, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return IOError, fmt.Errorf("failed to read rows affected transitioning instance %s: %w", instanceID, err)
	}
	if rows == 0 {
		return ConditionFailed, nil
	}
	return Claimed, nil
}

// Release returns an instance to the pool, clearing ownership (used on
// termination and by the reconciler's orphan-release pass).
func (p *InstancePoolDB) Release(ctx context.Context, instanceID, newStatus string) error {
	query := `
		UPDATE instance_pool
		SET status = $1, session_id = NULL, owner_id = NULL, released_at = $2, updated_at = $2
		WHERE instance_id = $3
	`
	_, err := p.db.ExecContext(ctx, query, newStatus, time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to release instance %s: %w", instanceID, err)
	}
	return nil
}

// Delete removes a pool record outright, used when the reconciler finds a
// record whose instance has left the autoscaling group (Pass 3).
func (p *InstancePoolDB) Delete(ctx context.Context, instanceID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM instance_pool WHERE instance_id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete pool record %s: %w", instanceID, err)
	}
	return nil
}

func scanPoolRecords(rows *sql.Rows) ([]*InstancePoolRecord, error) {
	var records []*InstancePoolRecord
	for rows.Next() {
		rec := &InstancePoolRecord{}
		err := rows.Scan(
			&rec.InstanceID, &rec.Status, &rec.Plan, &rec.SessionID, &rec.OwnerID,
			&rec.AssignedAt, &rec.ReleasedAt, &rec.InstanceState, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pool record rows: %w", err)
	}
	return records, nil
}
