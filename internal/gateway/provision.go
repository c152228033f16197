package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/deskpool/orchestrator/internal/logger"
)

// credentialSalt is mixed into the deterministic ephemeral password so it
// can't be derived from session/owner IDs alone. It is not a secret that
// protects anything beyond idempotent re-derivation on retry: the token
// minted by AuthAsUser is the credential that actually matters.
const credentialSalt = "deskpool-ephemeral-credential-salt"

// EphemeralUsername returns the gateway username for a session: the last
// 8 characters of the session id are enough to be unique while staying
// short for display.
func EphemeralUsername(sessionID string) string {
	tail := sessionID
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return "session_" + tail
}

// ephemeralPassword deterministically derives a session's gateway
// password so it can be regenerated identically on retry without extra
// state: SHA-256(session_id || owner_id || salt) truncated to 16 hex
// characters.
func ephemeralPassword(sessionID, ownerID string) string {
	sum := sha256.Sum256([]byte(sessionID + ownerID + credentialSalt))
	return hex.EncodeToString(sum[:])[:16]
}

// ProvisionedUser carries the outcome of provisioning a session's
// ephemeral gateway identity.
type ProvisionedUser struct {
	Username string
	Token    string
}

// ProvisionSessionUser creates (or reuses) an ephemeral gateway user for a
// session, grants it read access to connectionID, and authenticates as
// that user to obtain a personal token. It waits briefly after granting
// permission since the gateway needs a moment to propagate the new
// user/permission before it will accept an auth attempt, and retries the
// final auth step up to 3 times.
//
// Username and password are both deterministic functions of
// (sessionID, ownerID), so a retried call after a partial failure
// re-creates the same identity instead of leaking orphaned users.
func (c *Client) ProvisionSessionUser(ctx context.Context, sessionID, ownerID, connectionID string) (*ProvisionedUser, error) {
	log := logger.GetLogger()
	username := EphemeralUsername(sessionID)
	password := ephemeralPassword(sessionID, ownerID)

	if err := c.CreateUser(ctx, username, password); err != nil {
		return nil, fmt.Errorf("create session user %s: %w", username, err)
	}

	if err := c.GrantRead(ctx, username, connectionID); err != nil {
		// Best-effort cleanup of the orphaned user; the failure to
		// provision is what's reported, not this cleanup's own outcome.
		_ = c.DeleteUser(ctx, username)
		return nil, fmt.Errorf("grant connection permission to %s: %w", username, err)
	}

	log.Debug().Str("username", username).Msg("waiting for gateway user/permission propagation")
	sleep(ctx, 1*time.Second)

	var token string
	var authErr error
	for attempt := 1; attempt <= 3; attempt++ {
		token, authErr = c.AuthAsUser(ctx, username, password)
		if authErr == nil && token != "" {
			break
		}
		log.Info().Str("username", username).Int("attempt", attempt).Msg("session user auth attempt failed, retrying")
		sleep(ctx, 1*time.Second)
	}

	if token == "" {
		return nil, fmt.Errorf("authenticate as session user %s after retries: %w", username, authErr)
	}

	return &ProvisionedUser{Username: username, Token: token}, nil
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
