// Package middleware provides HTTP middleware for the session orchestrator API.
// This file tests the token-bucket rate limiters to ensure they allow
// legitimate traffic up to their burst/rate and reject the rest.
package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskpool/orchestrator/internal/portalauth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiter_AllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(0, 2) // no steady refill, burst of 2
	mw := rl.Middleware()

	w1 := httptest.NewRecorder()
	c1, _ := gin.CreateTestContext(w1)
	c1.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	c1.Request.RemoteAddr = "1.2.3.4:5555"
	mw(c1)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	c2.Request.RemoteAddr = "1.2.3.4:5555"
	mw(c2)
	assert.Equal(t, http.StatusOK, w2.Code)

	w3 := httptest.NewRecorder()
	c3, _ := gin.CreateTestContext(w3)
	c3.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	c3.Request.RemoteAddr = "1.2.3.4:5555"
	mw(c3)
	assert.Equal(t, http.StatusTooManyRequests, w3.Code)
}

func TestRateLimiter_SeparateIPsHaveSeparateBudgets(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	mw := rl.Middleware()

	w1 := httptest.NewRecorder()
	c1, _ := gin.CreateTestContext(w1)
	c1.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	c1.Request.RemoteAddr = "1.1.1.1:1"
	mw(c1)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	c2.Request.RemoteAddr = "2.2.2.2:1"
	mw(c2)
	assert.Equal(t, http.StatusOK, w2.Code, "a distinct IP must have its own budget")
}

func TestOwnerRateLimiter_SkipsUnauthenticatedRequests(t *testing.T) {
	orl := NewOwnerRateLimiter(1, 0) // zero burst: any authenticated caller is blocked immediately
	mw := orl.Middleware()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	mw(c)

	assert.Equal(t, http.StatusOK, w.Code, "no verified claims means owner limiting is skipped")
}

func TestOwnerRateLimiter_BlocksOverBudgetOwner(t *testing.T) {
	orl := NewOwnerRateLimiter(0, 1)
	mw := orl.Middleware()

	newAuthedContext := func() (*gin.Context, *httptest.ResponseRecorder) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
		c.Set(portalauth.ContextClaims, &portalauth.Claims{UserID: "owner-1"})
		return c, w
	}

	c1, w1 := newAuthedContext()
	mw(c1)
	require.Equal(t, http.StatusOK, w1.Code)

	c2, w2 := newAuthedContext()
	mw(c2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestEndpointRateLimiter_PerOwnerPerEndpointBudget(t *testing.T) {
	erl := NewEndpointRateLimiter(0, 1)
	mw := erl.Middleware("create_session")

	newAuthedContext := func(owner string) (*gin.Context, *httptest.ResponseRecorder) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
		c.Set(portalauth.ContextClaims, &portalauth.Claims{UserID: owner})
		return c, w
	}

	c1, w1 := newAuthedContext("owner-1")
	mw(c1)
	require.Equal(t, http.StatusOK, w1.Code)

	c2, w2 := newAuthedContext("owner-1")
	mw(c2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)

	c3, w3 := newAuthedContext("owner-2")
	mw(c3)
	assert.Equal(t, http.StatusOK, w3.Code, "a distinct owner must have its own endpoint budget")
}
