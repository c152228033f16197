// Package portalauth verifies the signed bearer token the portal attaches
// to every request on behalf of one of its users.
//
// Wire format: "<payload-b64url>.<hex-sig>". payload-b64url is the
// URL-safe base64 (padding optional on decode) encoding of a JSON object
// carrying at least {user_id, username, fullname, email, plan,
// quota_minutes, roles, expires, nonce, site_url}. The signature is
// HMAC-SHA256(shared_secret, payload-b64url-bytes) rendered as lower-case
// hex. A token is rejected if the signature doesn't match, if expires has
// passed, or if its nonce was already seen within the last 5 minutes.
package portalauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deskpool/orchestrator/internal/cache"
)

// ReplayWindow is how long a nonce is remembered for replay detection.
const ReplayWindow = 5 * time.Minute

// Claims are the trusted fields carried on a verified token.
type Claims struct {
	UserID       string   `json:"user_id"`
	Username     string   `json:"username"`
	FullName     string   `json:"fullname"`
	Email        string   `json:"email"`
	Plan         string   `json:"plan"`
	QuotaMinutes float64  `json:"quota_minutes"`
	Roles        []string `json:"roles"`
	Expires      int64    `json:"expires"`
	Nonce        string   `json:"nonce"`
	SiteURL      string   `json:"site_url"`
}

// Verifier checks bearer tokens against a shared secret and a nonce ledger.
type Verifier struct {
	secret []byte
	cache  *cache.Cache
	// nowFunc is overridden in tests; defaults to time.Now.
	nowFunc func() time.Time
}

// NewVerifier creates a Verifier. secret is the shared HMAC key configured
// out-of-band with the portal.
func NewVerifier(secret string, c *cache.Cache) *Verifier {
	return &Verifier{secret: []byte(secret), cache: c, nowFunc: time.Now}
}

// Verify parses and validates raw (the full "<payload-b64url>.<hex-sig>"
// token), returning its trusted Claims on success.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	payloadB64, sigHex, ok := strings.Cut(raw, ".")
	if !ok || payloadB64 == "" || sigHex == "" {
		return nil, fmt.Errorf("malformed token: expected <payload>.<sig>")
	}

	if err := v.checkSignature(payloadB64, sigHex); err != nil {
		return nil, err
	}

	payload, err := decodeBase64URL(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("invalid token payload encoding: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("invalid token payload json: %w", err)
	}

	now := v.now()
	if claims.Expires != 0 && claims.Expires < now.Unix() {
		return nil, fmt.Errorf("token expired")
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("token missing user_id")
	}

	if err := v.checkReplay(ctx, claims.Nonce); err != nil {
		return nil, err
	}

	return &claims, nil
}

func (v *Verifier) checkSignature(payloadB64, sigHex string) error {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payloadB64))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid token signature encoding: %w", err)
	}

	if !hmac.Equal(expected, got) {
		return fmt.Errorf("token signature mismatch")
	}

	return nil
}

// checkReplay rejects a nonce already seen within ReplayWindow. A token
// with no nonce at all, or a cache that's disabled/unreachable, is not
// rejected here — the nonce is a defense-in-depth measure, not the
// primary authentication check, and a degraded cache must not turn into a
// hard outage for every authenticated request.
func (v *Verifier) checkReplay(ctx context.Context, nonce string) error {
	if nonce == "" || v.cache == nil || !v.cache.IsEnabled() {
		return nil
	}

	first, err := v.cache.SetNX(ctx, cache.NonceKey(nonce), "1", ReplayWindow)
	if err != nil {
		return nil
	}
	if !first {
		return fmt.Errorf("token nonce already used")
	}

	return nil
}

func (v *Verifier) now() time.Time {
	if v.nowFunc != nil {
		return v.nowFunc()
	}
	return time.Now()
}

func decodeBase64URL(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}
