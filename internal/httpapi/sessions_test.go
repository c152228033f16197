package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskpool/orchestrator/internal/cache"
	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/events"
	"github.com/deskpool/orchestrator/internal/pool"
	"github.com/deskpool/orchestrator/internal/portalauth"
	"github.com/deskpool/orchestrator/internal/quota"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, sqlDB *sql.DB, requireAuth bool) *gin.Engine {
	t.Helper()
	usage := db.NewUsageDB(sqlDB)
	pub, err := events.NewPublisher(events.Config{})
	require.NoError(t, err)

	controller := pool.NewController(pool.Deps{
		Sessions:  db.NewSessionDB(sqlDB),
		Pool:      db.NewInstancePoolDB(sqlDB),
		Usage:     usage,
		Quota:     quota.NewChecker(usage),
		Publisher: pub,
	}, pool.Config{SessionTTL: time.Hour, MaxSessionsPerOwner: 2, ClaimAttempts: 1})

	c, err := cache.NewCache(cache.Config{Enabled: false})
	require.NoError(t, err)
	verifier := portalauth.NewVerifier("test-secret", c)

	return NewRouter(RouterConfig{Controller: controller, Verifier: verifier, RequireAuth: requireAuth})
}

func TestCreateSession_QuotaExceededReturns403(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	router := newTestRouter(t, sqlDB, false)

	rows := sqlmock.NewRows([]string{
		"owner_id", "usage_month", "consumed_minutes", "session_count", "plan", "quota_minutes", "updated_at",
	}).AddRow("u1", quota.CurrentMonth(time.Now()), 60.0, 1, "starter", 60.0, time.Now())

	mock.ExpectQuery("SELECT (.+) FROM usage WHERE owner_id").
		WithArgs("u1", quota.CurrentMonth(time.Now())).
		WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(
		`{"owner_id":"u1","plan":"starter","quota_minutes":60}`,
	))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "quota_exceeded")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_RequiresAuthWhenEnabled(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	router := newTestRouter(t, sqlDB, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetSession_UnknownReturns404(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	router := newTestRouter(t, sqlDB, false)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("missing").
		WillReturnError(context.DeadlineExceeded)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
