package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession_Success(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionDB := NewSessionDB(sqlDB)
	ctx := context.Background()

	sess := &Session{
		ID:        "sess-123",
		OwnerID:   "u1",
		Plan:      "pro",
		Status:    "pending",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sess.ID, sess.OwnerID, sess.OwnerDisplayName, sess.Plan, sess.Status,
			sess.InstanceID, sess.InstanceIP, sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sess.ExpiresAt,
			sess.LastActiveAt, sess.LastHeartbeatAt, sess.IdleWarningSentAt,
			sess.FocusMode, sess.TerminationReason, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = sessionDB.CreateSession(ctx, sess)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_Success(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionDB := NewSessionDB(sqlDB)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "owner_display_name", "plan", "status",
		"instance_id", "instance_ip", "connection_info",
		"created_at", "updated_at", "expires_at",
		"last_active_at", "last_heartbeat_at", "idle_warning_sent_at",
		"focus_mode", "termination_reason", "metadata",
	}).AddRow(
		"sess-123", "u1", "", "pro", "ready",
		"i-A", "10.0.0.5", []byte(`{}`),
		time.Now(), time.Now(), time.Now().Add(time.Hour),
		nil, nil, nil,
		false, nil, []byte(`{}`),
	)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess-123").
		WillReturnRows(rows)

	sess, err := sessionDB.GetSession(ctx, "sess-123")

	require.NoError(t, err)
	assert.Equal(t, "sess-123", sess.ID)
	assert.Equal(t, "ready", sess.Status)
	assert.Equal(t, "i-A", sess.InstanceID.String)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_NotFound(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionDB := NewSessionDB(sqlDB)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	sess, err := sessionDB.GetSession(ctx, "missing")

	assert.Error(t, err)
	assert.Nil(t, sess)
	assert.Contains(t, err.Error(), "not found")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionStatus_ConditionFailed(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionDB := NewSessionDB(sqlDB)
	ctx := context.Background()

	// Zero rows affected means the session was no longer in an expected
	// status (e.g. already terminated by a concurrent writer) — this must
	// surface as ConditionFailed, never as an error, so termination
	// monotonicity holds without special-casing at every call site.
	mock.ExpectExec("UPDATE sessions SET status").
		WithArgs("terminating", sqlmock.AnyArg(), "sess-123", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	result, err := sessionDB.UpdateSessionStatus(ctx, "sess-123", "terminating", []string{"ready", "active"})

	require.NoError(t, err)
	assert.Equal(t, ConditionFailed, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionStatus_Claimed(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionDB := NewSessionDB(sqlDB)
	ctx := context.Background()

	mock.ExpectExec("UPDATE sessions SET status").
		WithArgs("terminating", sqlmock.AnyArg(), "sess-123", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := sessionDB.UpdateSessionStatus(ctx, "sess-123", "terminating", []string{"ready", "active"})

	require.NoError(t, err)
	assert.Equal(t, Claimed, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListExpiredSessions(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessionDB := NewSessionDB(sqlDB)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "owner_display_name", "plan", "status",
		"instance_id", "instance_ip", "connection_info",
		"created_at", "updated_at", "expires_at",
		"last_active_at", "last_heartbeat_at", "idle_warning_sent_at",
		"focus_mode", "termination_reason", "metadata",
	}).AddRow(
		"s-exp", "u5", "", "pro", "active",
		"i-C", "10.0.0.9", []byte(`{}`),
		time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour), time.Now().Add(-10*time.Second),
		nil, nil, nil,
		false, nil, []byte(`{}`),
	)

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)

	sessions, err := sessionDB.ListExpiredSessions(ctx, time.Now())

	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-exp", sessions[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
