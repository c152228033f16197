package quota

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskpool/orchestrator/internal/db"
)

func TestCheck_UnlimitedQuotaNeverTouchesDB(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	checker := NewChecker(db.NewUsageDB(sqlDB))
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	result, err := checker.Check(context.Background(), "u1", "pro", Unlimited, now)

	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, float64(Unlimited), result.RemainingMinutes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck_UnderQuotaAllowed(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	checker := NewChecker(db.NewUsageDB(sqlDB))
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"owner_id", "usage_month", "consumed_minutes", "session_count", "plan", "quota_minutes", "updated_at",
	}).AddRow("u1", "2026-03", 100.0, 2, "starter", 300.0, now)

	mock.ExpectQuery("SELECT owner_id, usage_month").WithArgs("u1", "2026-03").WillReturnRows(rows)

	result, err := checker.Check(context.Background(), "u1", "starter", 300, now)

	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 200.0, result.RemainingMinutes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestCheck_ExhaustedQuotaRejected verifies consumed_minutes >= quota_minutes
// is rejected at request time.
func TestCheck_ExhaustedQuotaRejected(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	checker := NewChecker(db.NewUsageDB(sqlDB))
	now := time.Date(2025, 12, 20, 8, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"owner_id", "usage_month", "consumed_minutes", "session_count", "plan", "quota_minutes", "updated_at",
	}).AddRow("u4", "2025-12", 300.0, 5, "freemium", 300.0, now)

	mock.ExpectQuery("SELECT owner_id, usage_month").WithArgs("u4", "2025-12").WillReturnRows(rows)

	result, err := checker.Check(context.Background(), "u4", "freemium", 300, now)

	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0.0, result.RemainingMinutes)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), result.ResetsAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck_NoUsageRowYetAllowed(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	checker := NewChecker(db.NewUsageDB(sqlDB))
	now := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)

	mock.ExpectQuery("SELECT owner_id, usage_month").WithArgs("u9", "2026-01").WillReturnError(sql.ErrNoRows)

	result, err := checker.Check(context.Background(), "u9", "pro", 1800, now)

	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1800.0, result.RemainingMinutes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentMonth(t *testing.T) {
	assert.Equal(t, "2026-03", CurrentMonth(time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)))
}

func TestResetsAt_DecemberRollsToNextYear(t *testing.T) {
	got := ResetsAt(time.Date(2025, 12, 15, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), got)
}
