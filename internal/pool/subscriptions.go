package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deskpool/orchestrator/internal/db"
)

// DefaultSubscriptionTTL bounds how long a push-notification subscriber
// record is honored before the reconciler's expiry sweep removes it.
const DefaultSubscriptionTTL = 10 * time.Minute

// Subscribe registers a push-notification subscriber for a session, letting
// the out-of-scope notification edge service look it up by session or
// owner. Returns the generated connection id.
func (c *Controller) Subscribe(ctx context.Context, sessionID, ownerID string) (string, error) {
	if c.deps.Connections == nil {
		return "", fmt.Errorf("subscriptions are not configured")
	}

	connectionID := uuid.New().String()
	conn := &db.Connection{
		ConnectionID: connectionID,
		SessionID:    sessionID,
		OwnerID:      ownerID,
		ExpiresAt:    time.Now().UTC().Add(DefaultSubscriptionTTL),
	}
	if err := c.deps.Connections.Put(ctx, conn); err != nil {
		return "", fmt.Errorf("subscribe session %s: %w", sessionID, err)
	}
	return connectionID, nil
}
