// Package gateway implements the Gateway Port: the orchestrator's REST
// client for the display gateway that brokers browser-to-RDP connections.
//
// Purpose:
// - Authenticate as an admin user and carry the resulting token
// - Create/delete RDP connection records and ephemeral per-session users
// - Grant connection permissions, mint per-user tokens, build tokenized
//   viewer URLs
// - Enumerate active connections once per reconciler cycle (never
//   per-session — see internal/reconciler)
//
// Implementation Details:
// - Plain net/http REST client; the gateway's auth API is form-encoded,
//   everything else is JSON
// - Per-call timeouts are the caller's responsibility: pass a context with
//   a deadline (10s for normal admin ops, 2-3s on the termination and
//   liveness-probe paths per the surrounding controller)
// - The admin token is acquired lazily on first use and then held in
//   memory and reused; it is not refreshed when it expires, and it is never
//   persisted or cached across process restarts
//
// Dependencies:
// - net/http only; no gateway-specific SDK exists to depend on
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/deskpool/orchestrator/internal/logger"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	AdminUser  string
	AdminPass  string
	DataSource string
}

// Client is the orchestrator's REST client for the display gateway.
type Client struct {
	baseURL    string
	adminUser  string
	adminPass  string
	dataSource string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewClient creates a new gateway Client. cfg.DataSource defaults to
// "postgresql" when empty, matching the gateway's default auth backend.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	dataSource := cfg.DataSource
	if dataSource == "" {
		dataSource = "postgresql"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		adminUser:  cfg.AdminUser,
		adminPass:  cfg.AdminPass,
		dataSource: dataSource,
		httpClient: httpClient,
	}
}

// ActiveConnection describes one active session on a gateway connection.
type ActiveConnection struct {
	ConnectionID string
	StartTimeMS  int64
	RemoteHost   string
	sessionKey   string
}

// Auth acquires an admin token, caching it for subsequent calls.
func (c *Client) Auth(ctx context.Context) error {
	token, _, err := c.authenticate(ctx, c.adminUser, c.adminPass)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// authenticate performs the gateway's form-encoded token endpoint for any
// username/password pair, returning the token and its reported data source.
func (c *Client) authenticate(ctx context.Context, username, password string) (string, string, error) {
	form := url.Values{"username": {username}, "password": {password}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tokens", strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("gateway auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("gateway auth failed with status %d", resp.StatusCode)
	}

	var result struct {
		AuthToken  string `json:"authToken"`
		DataSource string `json:"dataSource"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", fmt.Errorf("decode auth response: %w", err)
	}
	if result.AuthToken == "" {
		return "", "", fmt.Errorf("gateway auth returned no token")
	}

	return result.AuthToken, result.DataSource, nil
}

// AdminToken ensures an admin token is held and returns it, for callers
// that need to fall back to an admin-authenticated viewer URL when
// per-user provisioning fails.
func (c *Client) AdminToken(ctx context.Context) (string, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return "", err
	}
	return c.currentToken(), nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ensureAuth lazily acquires the admin token if none is held yet.
func (c *Client) ensureAuth(ctx context.Context) error {
	if c.currentToken() != "" {
		return nil
	}
	return c.Auth(ctx)
}

// request performs one API call against /api<endpoint>, attaching the
// admin token as a query parameter, matching the gateway's own convention.
func (c *Client) request(ctx context.Context, method, endpoint string, body interface{}) ([]byte, int, error) {
	target := c.baseURL + "/api" + endpoint
	if tok := c.currentToken(); tok != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "token=" + url.QueryEscape(tok)
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s failed: %w", method, target, err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}

	return buf.Bytes(), resp.StatusCode, nil
}

// RDPParams are the connection parameters for a new RDP connection.
type RDPParams struct {
	Hostname    string
	Port        int
	Username    string
	Password    string
	Domain      string
	Security    string // "any", "nla", "tls", "rdp"
	IgnoreCert  bool
	ParentIdent string // defaults to "ROOT"
}

// CreateConnection creates an RDP connection and returns its identifier.
func (c *Client) CreateConnection(ctx context.Context, name string, p RDPParams) (string, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return "", err
	}

	parent := p.ParentIdent
	if parent == "" {
		parent = "ROOT"
	}
	security := p.Security
	if security == "" {
		security = "any"
	}
	port := p.Port
	if port == 0 {
		port = 3389
	}

	params := map[string]string{
		"hostname":                   p.Hostname,
		"port":                       strconv.Itoa(port),
		"security":                   security,
		"ignore-cert":                strconv.FormatBool(p.IgnoreCert),
		"resize-method":              "display-update",
		"enable-wallpaper":           "false",
		"enable-theming":             "false",
		"enable-font-smoothing":      "true",
		"enable-full-window-drag":    "false",
		"enable-desktop-composition": "false",
		"enable-menu-animations":     "false",
		"disable-bitmap-caching":     "false",
		"disable-offscreen-caching":  "false",
		"color-depth":                "24",
	}
	if p.Username != "" {
		params["username"] = p.Username
	}
	if p.Password != "" {
		params["password"] = p.Password
	}
	if p.Domain != "" {
		params["domain"] = p.Domain
	}

	payload := map[string]interface{}{
		"parentIdentifier": parent,
		"name":             name,
		"protocol":         "rdp",
		"parameters":       params,
		"attributes": map[string]string{
			"max-connections":          "1",
			"max-connections-per-user": "1",
		},
	}

	body, status, err := c.request(ctx, http.MethodPost, c.connectionsPath(), payload)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", fmt.Errorf("create connection %q: gateway returned status %d", name, status)
	}

	var result struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Identifier == "" {
		return "", fmt.Errorf("create connection %q: no identifier in response", name)
	}

	logger.GetLogger().Info().Str("connection_id", result.Identifier).Str("name", name).Msg("created gateway connection")
	return result.Identifier, nil
}

// DeleteConnection deletes a connection record.
func (c *Client) DeleteConnection(ctx context.Context, connectionID string) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}

	_, status, err := c.request(ctx, http.MethodDelete, c.connectionsPath()+"/"+connectionID, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("delete connection %s: gateway returned status %d", connectionID, status)
	}
	return nil
}

// FindConnectionsByHost returns the identifiers of every connection whose
// hostname parameter matches host.
func (c *Client) FindConnectionsByHost(ctx context.Context, host string) ([]string, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return nil, err
	}

	body, status, err := c.request(ctx, http.MethodGet, c.connectionsPath(), nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("list connections: gateway returned status %d", status)
	}

	var result map[string]struct {
		Parameters map[string]string `json:"parameters"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode connections list: %w", err)
	}

	var found []string
	for id, conn := range result {
		if conn.Parameters["hostname"] == host {
			found = append(found, id)
		}
	}
	return found, nil
}

// ActiveConnections returns every currently-active connection, keyed by
// connection identifier. One call fans out across all sessions per
// reconciler cycle; it must never be called per-session.
func (c *Client) ActiveConnections(ctx context.Context) (map[string][]ActiveConnection, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return nil, err
	}

	body, status, err := c.request(ctx, http.MethodGet, "/session/data/"+c.dataSource+"/activeConnections", nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("list active connections: gateway returned status %d", status)
	}

	var raw map[string]struct {
		ConnectionIdentifier string `json:"connectionIdentifier"`
		StartDate            int64  `json:"startDate"`
		RemoteHost           string `json:"remoteHost"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode active connections: %w", err)
	}

	out := make(map[string][]ActiveConnection)
	for key, conn := range raw {
		id := conn.ConnectionIdentifier
		out[id] = append(out[id], ActiveConnection{
			ConnectionID: id,
			StartTimeMS:  conn.StartDate,
			RemoteHost:   conn.RemoteHost,
			sessionKey:   key,
		})
	}
	return out, nil
}

// KillSessions kills every active session on connectionID and returns how
// many were killed.
func (c *Client) KillSessions(ctx context.Context, connectionID string) (int, error) {
	active, err := c.ActiveConnections(ctx)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, sess := range active[connectionID] {
		_, status, err := c.request(ctx, http.MethodDelete, "/session/data/"+c.dataSource+"/activeConnections/"+sess.sessionKey, nil)
		if err != nil {
			continue
		}
		if status < 400 {
			killed++
		}
	}
	return killed, nil
}

// CreateUser creates a gateway user, or updates its password if the user
// already exists (idempotent, matching the retry-safe design the session
// controller relies on).
func (c *Client) CreateUser(ctx context.Context, username, password string) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"username": username,
		"password": password,
		"attributes": map[string]string{
			"disabled":            "",
			"expired":             "",
			"access-window-start": "",
			"access-window-end":   "",
			"valid-from":          "",
			"valid-until":         "",
			"timezone":            "",
		},
	}

	_, status, err := c.request(ctx, http.MethodPost, "/session/data/"+c.dataSource+"/users", payload)
	if err == nil && status < 400 {
		return nil
	}

	_, status, err = c.request(ctx, http.MethodPut, "/session/data/"+c.dataSource+"/users/"+username, map[string]string{"password": password})
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("create/update user %s: gateway returned status %d", username, status)
	}
	return nil
}

// DeleteUser deletes a gateway user.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}

	_, status, err := c.request(ctx, http.MethodDelete, "/session/data/"+c.dataSource+"/users/"+username, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("delete user %s: gateway returned status %d", username, status)
	}
	return nil
}

// GrantRead grants a user READ permission on a connection.
func (c *Client) GrantRead(ctx context.Context, username, connectionID string) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}

	patch := []map[string]string{
		{"op": "add", "path": "/connectionPermissions/" + connectionID, "value": "READ"},
	}

	_, status, err := c.request(ctx, http.MethodPatch, "/session/data/"+c.dataSource+"/users/"+username+"/permissions", patch)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("grant read on %s to %s: gateway returned status %d", connectionID, username, status)
	}
	return nil
}

// AuthAsUser authenticates as a specific user and returns their token.
func (c *Client) AuthAsUser(ctx context.Context, username, password string) (string, error) {
	token, _, err := c.authenticate(ctx, username, password)
	return token, err
}

func (c *Client) connectionsPath() string {
	return "/session/data/" + c.dataSource + "/connections"
}

// ConnectionURL builds the bit-exact tokenized viewer URL: the query
// string carrying the token must precede the fragment, or the gateway
// never receives it.
func (c *Client) ConnectionURL(connectionID, token string) string {
	identifier := base64.StdEncoding.EncodeToString([]byte(connectionID + "\x00c\x00" + c.dataSource))
	if token == "" {
		return fmt.Sprintf("%s/#/client/%s", c.baseURL, identifier)
	}
	return fmt.Sprintf("%s/?token=%s#/client/%s", c.baseURL, token, identifier)
}
