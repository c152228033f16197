package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:   srv.URL,
		AdminUser: "guacadmin",
		AdminPass: "guacadmin",
	}, srv.Client())
	return srv, client
}

func TestAuth_Success(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tokens", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"authToken": "tok-123", "dataSource": "postgresql"})
	})

	err := client.Auth(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "tok-123", client.currentToken())
}

func TestCreateConnection_Success(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tokens" {
			json.NewEncoder(w).Encode(map[string]string{"authToken": "tok-123"})
			return
		}
		require.Equal(t, "/session/data/postgresql/connections", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "rdp", payload["protocol"])

		json.NewEncoder(w).Encode(map[string]string{"identifier": "conn-1"})
	})

	id, err := client.CreateConnection(context.Background(), "session-u1", RDPParams{
		Hostname: "10.0.0.5",
		Username: "deskpool",
		Password: "s3cret",
	})

	require.NoError(t, err)
	assert.Equal(t, "conn-1", id)
}

func TestConnectionURL_TokenPrecedesFragment(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	client.dataSource = "postgresql"

	url := client.ConnectionURL("conn-1", "user-token")

	assert.Contains(t, url, "?token=user-token#/client/")
	assert.True(t, len(url) > len(client.baseURL))
}

func TestConnectionURL_NoTokenOmitsQueryString(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	url := client.ConnectionURL("conn-1", "")

	assert.NotContains(t, url, "token=")
	assert.Contains(t, url, "#/client/")
}

func TestActiveConnections_GroupsBySameIdentifier(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tokens" {
			json.NewEncoder(w).Encode(map[string]string{"authToken": "tok-1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"abc": map[string]interface{}{"connectionIdentifier": "conn-1", "startDate": 1000, "remoteHost": "1.2.3.4"},
			"def": map[string]interface{}{"connectionIdentifier": "conn-1", "startDate": 2000, "remoteHost": "1.2.3.4"},
		})
	})

	active, err := client.ActiveConnections(context.Background())

	require.NoError(t, err)
	assert.Len(t, active["conn-1"], 2)
}

func TestCreateUser_FallsBackToUpdateOnConflict(t *testing.T) {
	calls := 0
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tokens" {
			json.NewEncoder(w).Encode(map[string]string{"authToken": "tok-1"})
			return
		}
		calls++
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			return
		}
		require.Equal(t, http.MethodPut, r.Method)
		json.NewEncoder(w).Encode(map[string]string{})
	})

	err := client.CreateUser(context.Background(), "session_abcd1234", "pw")

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestEphemeralPassword_DeterministicForSameInputs(t *testing.T) {
	p1 := ephemeralPassword("sess-1", "owner-1")
	p2 := ephemeralPassword("sess-1", "owner-1")
	p3 := ephemeralPassword("sess-1", "owner-2")

	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)
	assert.Len(t, p1, 16)
}

func TestEphemeralUsername_UsesLast8Chars(t *testing.T) {
	assert.Equal(t, "session_23456789", EphemeralUsername("23456789"))
	assert.Equal(t, "session_abcd1234", EphemeralUsername("session-id-abcd1234"))
}
