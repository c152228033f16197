package pool

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionRow(id, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "owner_id", "owner_display_name", "plan", "status",
		"instance_id", "instance_ip", "connection_info",
		"created_at", "updated_at", "expires_at",
		"last_active_at", "last_heartbeat_at", "idle_warning_sent_at",
		"focus_mode", "termination_reason", "metadata",
	}).AddRow(
		id, "u1", "", "pro", status,
		nil, nil, []byte(`{}`),
		time.Now().Add(-10*time.Minute), time.Now(), time.Now().Add(time.Hour),
		nil, nil, nil,
		false, nil, []byte(`{}`),
	)
}

func TestDeleteSession_AlreadyTerminatedIsNoop(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	c := newTestController(t, sqlDB, Config{})

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess-1").
		WillReturnRows(sessionRow("sess-1", "terminated"))

	err = c.DeleteSession(context.Background(), "sess-1", "user_requested", true)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDeleteSession_GatewayCleanupDisabledSkipsGatewayCalls covers a session
// with no instance bound yet (still pending): with ENABLE_GATEWAY_CLEANUP
// off and no instance to release, termination should only touch the
// sessions and usage tables.
func TestDeleteSession_GatewayCleanupDisabledSkipsGatewayCalls(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	c := newTestController(t, sqlDB, Config{EnableGatewayCleanup: false})

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("sess-1").
		WillReturnRows(sessionRow("sess-1", "pending"))

	mock.ExpectExec("UPDATE sessions SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("INSERT INTO usage").
		WillReturnRows(sqlmock.NewRows([]string{"consumed_minutes"}).AddRow(10.0))

	mock.ExpectExec("UPDATE sessions SET status = 'terminated'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = c.DeleteSession(context.Background(), "sess-1", "user_requested", true)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
