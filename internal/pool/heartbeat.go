package pool

import (
	"context"
	"time"
)

// RecordActivity marks a session as actively used, bumping it from ready
// to active on first contact. heartbeat distinguishes a client-initiated
// keepalive ping from activity observed indirectly (e.g. a gateway
// connection event).
func (c *Controller) RecordActivity(ctx context.Context, sessionID string, heartbeat bool) error {
	return c.deps.Sessions.UpdateSessionActivity(ctx, sessionID, heartbeat, time.Now().UTC())
}
