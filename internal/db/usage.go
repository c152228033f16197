package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UsageDB handles the monthly per-owner usage ledger. Every write is an
// atomic add; there is no read-modify-write path.
type UsageDB struct {
	db *sql.DB
}

// NewUsageDB creates a new UsageDB instance.
func NewUsageDB(db *sql.DB) *UsageDB {
	return &UsageDB{db: db}
}

// Get retrieves the usage record for (owner_id, month), or nil if absent.
func (u *UsageDB) Get(ctx context.Context, ownerID, month string) (*UsageRecord, error) {
	query := `
		SELECT owner_id, usage_month, consumed_minutes, session_count, plan, quota_minutes, updated_at
		FROM usage WHERE owner_id = $1 AND usage_month = $2
	`
	rec := &UsageRecord{}
	err := u.db.QueryRowContext(ctx, query, ownerID, month).Scan(
		&rec.OwnerID, &rec.UsageMonth, &rec.ConsumedMinutes, &rec.SessionCount, &rec.Plan, &rec.QuotaMinutes, &rec.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get usage for %s/%s: %w", ownerID, month, err)
	}
	return rec, nil
}

// AtomicAddMinutes adds delta minutes to the (owner_id, month) row,
// creating it with the given plan/quota defaults if absent, and returns the
// resulting consumed_minutes. It never reads before writing.
func (u *UsageDB) AtomicAddMinutes(ctx context.Context, ownerID, month string, delta float64, defaultPlan string, defaultQuota float64) (float64, error) {
	query := `
		INSERT INTO usage (owner_id, usage_month, consumed_minutes, session_count, plan, quota_minutes, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6)
		ON CONFLICT (owner_id, usage_month) DO UPDATE SET
			consumed_minutes = usage.consumed_minutes + EXCLUDED.consumed_minutes,
			session_count = usage.session_count + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING consumed_minutes
	`
	var consumed float64
	err := u.db.QueryRowContext(ctx, query, ownerID, month, delta, defaultPlan, defaultQuota, time.Now().UTC()).Scan(&consumed)
	if err != nil {
		return 0, fmt.Errorf("failed to add usage for %s/%s: %w", ownerID, month, err)
	}
	return consumed, nil
}
