package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/events"
	"github.com/deskpool/orchestrator/internal/gateway"
	"github.com/deskpool/orchestrator/internal/logger"
	"github.com/deskpool/orchestrator/internal/quota"
)

// cleanupStepTimeout bounds each individual best-effort teardown call so a
// single unresponsive dependency can't stall the whole termination.
const cleanupStepTimeout = 2 * time.Second

// DeleteSession tears a session down: an ordered, best-effort cleanup that
// always ends with the session marked terminated and its consumed minutes
// recorded, even when earlier gateway or cloud steps fail. stopInstance
// gates whether the bound instance is actually stopped or just released
// back to the pool running, per the request body's stop_instance flag.
func (c *Controller) DeleteSession(ctx context.Context, sessionID, reason string, stopInstance bool) error {
	log := logger.Pool()

	sess, err := c.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session %s for termination: %w", sessionID, err)
	}
	if sess.Status == "terminated" {
		return nil
	}

	if _, err := c.deps.Sessions.UpdateSessionStatus(ctx, sessionID, "terminating", []string{"pending", "provisioning", "ready", "active", "error"}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to mark session terminating")
	}

	if c.cfg.EnableGatewayCleanup {
		connID := connectionIDFromInfo(sess.ConnectionInfo)

		if connID != "" {
			c.withStepTimeout(ctx, func(stepCtx context.Context) {
				if _, err := c.deps.Gateway.KillSessions(stepCtx, connID); err != nil {
					log.Warn().Err(err).Str("connection_id", connID).Msg("failed to kill gateway sessions")
				}
			})
			c.withStepTimeout(ctx, func(stepCtx context.Context) {
				if err := c.deps.Gateway.DeleteConnection(stepCtx, connID); err != nil {
					log.Warn().Err(err).Str("connection_id", connID).Msg("failed to delete gateway connection")
				}
			})
		}

		username := gateway.EphemeralUsername(sessionID)
		c.withStepTimeout(ctx, func(stepCtx context.Context) {
			if err := c.deps.Gateway.DeleteUser(stepCtx, username); err != nil {
				log.Debug().Err(err).Str("username", username).Msg("failed to delete ephemeral gateway user")
			}
		})
	} else {
		log.Info().Str("session_id", sessionID).Msg("gateway cleanup disabled via ENABLE_GATEWAY_CLEANUP=false")
	}

	if sess.InstanceID.Valid {
		instanceID := sess.InstanceID.String

		releasedStatus := "available"
		if stopInstance {
			releasedStatus = "stopping"
		}
		c.withStepTimeout(ctx, func(stepCtx context.Context) {
			if err := c.deps.Pool.Release(stepCtx, instanceID, releasedStatus); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to release instance back to pool")
			}
		})
		c.withStepTimeout(ctx, func(stepCtx context.Context) {
			if err := c.deps.Cloud.Tag(stepCtx, instanceID, map[string]string{"session_id": "", "owner_id": ""}); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to clear instance tags")
			}
		})
	}

	// Usage is recorded before the terminal status write and before any
	// instance-stop outcome is known, so a slow/failed stop never costs the
	// owner their billed minutes.
	c.recordUsage(ctx, sess)

	if sess.InstanceID.Valid && stopInstance {
		instanceID := sess.InstanceID.String
		c.withStepTimeout(ctx, func(stepCtx context.Context) {
			if err := c.deps.Cloud.Stop(stepCtx, instanceID); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to stop instance")
			}
		})
	}

	if err := c.deps.Sessions.TerminateSession(ctx, sessionID, reason); err != nil {
		return fmt.Errorf("mark session %s terminated: %w", sessionID, err)
	}

	if c.deps.Publisher != nil {
		if err := c.deps.Publisher.PublishSessionTerminated(ctx, events.SessionTerminatedEvent{
			SessionID: sessionID,
			OwnerID:   sess.OwnerID,
			Reason:    reason,
		}); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("failed to publish session terminated event")
		}
	}

	log.Info().Str("session_id", sessionID).Str("owner_id", sess.OwnerID).Str("reason", reason).Msg("session terminated")
	return nil
}

// recordUsage attributes the session's elapsed minutes to the month its
// termination falls in, not the month it started in.
func (c *Controller) recordUsage(ctx context.Context, sess *db.Session) {
	log := logger.Pool()
	now := time.Now().UTC()

	elapsed := now.Sub(sess.CreatedAt).Minutes()
	if elapsed <= 0 {
		return
	}

	month := quota.CurrentMonth(now)
	if _, err := c.deps.Usage.AtomicAddMinutes(ctx, sess.OwnerID, month, elapsed, sess.Plan, quota.Unlimited); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to record session usage")
	}
}

// withStepTimeout runs fn with a bounded derived context so one slow
// dependency can't block the rest of teardown.
func (c *Controller) withStepTimeout(ctx context.Context, fn func(context.Context)) {
	stepCtx, cancel := context.WithTimeout(ctx, cleanupStepTimeout)
	defer cancel()
	fn(stepCtx)
}
