package pool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/logger"
)

// GetSession returns the current state of a session, and — if the session
// is still provisioning with no instance bound yet — re-enters the
// allocator or, for a warm-pool instance that was started but never
// finished booting, resumes gateway programming instead of leaving the
// caller to poll a session that will never progress on its own.
func (c *Controller) GetSession(ctx context.Context, sessionID string) (*Response, error) {
	sess, err := c.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	if sess.Status == "provisioning" && !sess.InstanceID.Valid {
		if resp, err := c.finishWarmStart(ctx, sess); err != nil || resp != nil {
			return resp, err
		}

		logger.Pool().Info().Str("session_id", sessionID).Msg("resuming allocation for polled provisioning session")
		return c.allocate(ctx, sess)
	}

	return c.sessionToResponse(sess, false), nil
}

// sessionToResponse converts a stored session into the wire response
// envelope, reconstructing the structured connection_info from its stored
// JSON form.
func (c *Controller) sessionToResponse(sess *db.Session, reused bool) *Response {
	var connInfo *ConnectionInfo
	if len(sess.ConnectionInfo) > 0 {
		var parsed ConnectionInfo
		if err := json.Unmarshal(sess.ConnectionInfo, &parsed); err == nil && parsed.ConnectionID != "" {
			connInfo = &parsed
		}
	}

	stage := sess.Status
	progress := 0
	switch sess.Status {
	case "ready", "active":
		stage, progress = "ready", 100
	case "pending":
		stage, progress = "queued", 0
	case "provisioning":
		stage, progress = "provisioning", 50
	case "terminating", "terminated":
		stage, progress = sess.Status, 100
	case "error":
		stage, progress = "error", 0
	}

	instanceID := ""
	if sess.InstanceID.Valid {
		instanceID = sess.InstanceID.String
	}
	instanceIP := ""
	if sess.InstanceIP.Valid {
		instanceIP = sess.InstanceIP.String
	}

	return &Response{
		Success: sess.Status != "error",
		Message: statusMessage(sess.Status),
		Data: SessionData{
			SessionID:      sess.ID,
			Status:         sess.Status,
			Stage:          stage,
			Progress:       progress,
			InstanceID:     instanceID,
			InstanceIP:     instanceIP,
			ConnectionInfo: connInfo,
			CreatedAt:      sess.CreatedAt,
			ExpiresAt:      sess.ExpiresAt,
			Reused:         reused,
		},
	}
}

func statusMessage(status string) string {
	switch status {
	case "ready", "active":
		return "session ready"
	case "pending":
		return "session queued"
	case "provisioning":
		return "session is provisioning"
	case "terminating":
		return "session is terminating"
	case "terminated":
		return "session terminated"
	case "error":
		return "session allocation failed"
	default:
		return status
	}
}
