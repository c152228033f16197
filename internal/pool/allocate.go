package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/events"
	"github.com/deskpool/orchestrator/internal/gateway"
	"github.com/deskpool/orchestrator/internal/logger"
)

// allocate runs steps 5-8 against a session already written as pending
// (or re-entered from provisioning by the status endpoint's recovery
// path). It returns the response to hand back to the caller in every
// case: claimed-and-ready, still-provisioning, or a capacity error.
func (c *Controller) allocate(ctx context.Context, sess *db.Session) (*Response, error) {
	log := logger.Pool()
	plan := normalizePlan(sess.Plan)

	claimed, err := c.claimFromPool(ctx, sess, plan)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		resp, err := c.coldStart(ctx, sess, plan)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
		// No instance available and nothing to cold-start: capacity error.
		if _, err := c.deps.Sessions.UpdateSessionStatus(ctx, sess.ID, "error", []string{"pending", "provisioning"}); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to mark session errored on capacity exhaustion")
		}
		return nil, &CapacityExhaustedError{Plan: plan}
	}

	return c.programGatewayAndCommit(ctx, sess, plan, claimed)
}

// claimedInstance is the result of a successful pool claim (steps 5-6).
type claimedInstance struct {
	InstanceID string
	PrivateIP  string
}

// claimFromPool implements step 5: the bounded-retry conditional claim
// loop over available instances in the requester's tier. Returns nil (not
// an error) when no candidate could be claimed within the retry budget.
func (c *Controller) claimFromPool(ctx context.Context, sess *db.Session, plan string) (*claimedInstance, error) {
	log := logger.Pool()

	attempts := c.cfg.ClaimAttempts
	if attempts <= 0 {
		attempts = 3
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		candidates, err := c.deps.Pool.ListAvailableByPlan(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("list available instances for plan %s: %w", plan, err)
		}

		for _, candidate := range candidates {
			status, err := c.deps.Cloud.Describe(ctx, candidate.InstanceID)
			if err != nil {
				log.Warn().Err(err).Str("instance_id", candidate.InstanceID).Msg("failed to describe pool candidate, skipping")
				continue
			}
			if !status.Found || status.State != "running" {
				if _, err := c.deps.Pool.TransitionStatus(ctx, candidate.InstanceID, "unhealthy", []string{"available"}); err != nil {
					log.Warn().Err(err).Str("instance_id", candidate.InstanceID).Msg("failed to mark candidate unhealthy")
				}
				continue
			}

			result, err := c.deps.Pool.ClaimAvailable(ctx, candidate.InstanceID, sess.ID, sess.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("claim instance %s: %w", candidate.InstanceID, err)
			}
			if result == db.ConditionFailed {
				continue // another request won the race, try the next candidate
			}

			if err := c.deps.Cloud.Tag(ctx, candidate.InstanceID, map[string]string{
				"session_id": sess.ID,
				"owner_id":   sess.OwnerID,
			}); err != nil {
				log.Warn().Err(err).Str("instance_id", candidate.InstanceID).Msg("failed to tag claimed instance")
			}

			return &claimedInstance{InstanceID: candidate.InstanceID, PrivateIP: status.PrivateIP}, nil
		}

		if attempt < attempts {
			backoff := time.Duration(float64(c.cfg.ClaimBackoffBase) * float64(attempt))
			sleep(ctx, backoff)
		}
	}

	return nil, nil
}

// coldStart implements step 6: recover orphaned InService instances,
// start a warm (stopped) instance, or grow the autoscaling group's
// desired capacity. A non-nil response means the caller should return it
// directly (provisioning); a nil response with nil error means nothing
// could be done and the caller should treat this as capacity exhaustion.
func (c *Controller) coldStart(ctx context.Context, sess *db.Session, plan string) (*Response, error) {
	log := logger.Pool()
	asgName := c.asgNameForPlan(plan)
	if asgName == "" {
		return nil, nil
	}

	members, err := c.deps.Cloud.GroupMembers(ctx, asgName)
	if err != nil {
		return nil, fmt.Errorf("enumerate autoscaling group %s: %w", asgName, err)
	}

	for _, instanceID := range members {
		if !c.isColdStartCandidate(ctx, instanceID) {
			continue
		}

		status, err := c.deps.Cloud.Describe(ctx, instanceID)
		if err != nil || !status.Found {
			continue
		}

		switch status.State {
		case "running":
			if err := c.deps.Pool.Put(ctx, &db.InstancePoolRecord{InstanceID: instanceID, Status: "available", Plan: plan}); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to seed pool record for orphaned running instance")
				continue
			}
			result, err := c.deps.Pool.ClaimAvailable(ctx, instanceID, sess.ID, sess.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("claim recovered instance %s: %w", instanceID, err)
			}
			if result != db.Claimed {
				continue
			}
			if err := c.deps.Cloud.Tag(ctx, instanceID, map[string]string{"session_id": sess.ID, "owner_id": sess.OwnerID}); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to tag recovered instance")
			}
			return c.programGatewayAndCommit(ctx, sess, plan, &claimedInstance{InstanceID: instanceID, PrivateIP: status.PrivateIP})

		case "stopped":
			if err := c.deps.Cloud.Start(ctx, instanceID); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to start warm-pool instance")
				continue
			}
			if err := c.deps.Pool.Put(ctx, &db.InstancePoolRecord{InstanceID: instanceID, Status: "starting", Plan: plan, SessionID: nullString(sess.ID), OwnerID: nullString(sess.OwnerID)}); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to record starting pool state")
			}
			if _, err := c.deps.Sessions.UpdateSessionStatus(ctx, sess.ID, "provisioning", []string{"pending", "provisioning"}); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to mark session provisioning")
			}
			return c.provisioningResponse(sess, "starting_instance", 30), nil
		}
	}

	capacity, err := c.deps.Cloud.GroupCapacity(ctx, asgName)
	if err != nil {
		return nil, fmt.Errorf("get autoscaling group capacity for %s: %w", asgName, err)
	}

	if capacity.Desired < capacity.Max {
		active, err := c.deps.Sessions.ListSessionsByStatus(ctx, []string{"pending", "provisioning"})
		if err != nil {
			return nil, fmt.Errorf("list in-progress sessions: %w", err)
		}
		deficit := int32(len(active)) - capacity.Desired
		if deficit < 1 {
			deficit = 1
		}
		if deficit > c.cfg.ScaleUpCapPerCycle {
			deficit = c.cfg.ScaleUpCapPerCycle
		}
		newDesired := capacity.Desired + deficit
		if newDesired > capacity.Max {
			newDesired = capacity.Max
		}

		if err := c.deps.Cloud.SetDesired(ctx, asgName, newDesired); err != nil {
			return nil, fmt.Errorf("scale up autoscaling group %s: %w", asgName, err)
		}
		log.Info().Str("asg", asgName).Int32("new_desired", newDesired).Msg("scaled up for cold-start demand")

		if _, err := c.deps.Sessions.UpdateSessionStatus(ctx, sess.ID, "provisioning", []string{"pending", "provisioning"}); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to mark session provisioning")
		}
		return c.provisioningResponse(sess, "scaling_up", 10), nil
	}

	return nil, nil
}

// finishWarmStart recovers a warm-pool cold-start that coldStart left
// in flight: a "starting" pool record bound to this session but not yet
// promoted to assigned, because the instance wasn't running yet at the
// time it was started. Returns a provisioning response if the instance is
// still booting, a ready response once it's healthy and claimed, or nil
// if the session has no in-flight warm-start record at all (the ordinary
// re-allocation path should run instead).
func (c *Controller) finishWarmStart(ctx context.Context, sess *db.Session) (*Response, error) {
	log := logger.Pool()

	rec, err := c.deps.Pool.GetBySessionID(ctx, sess.ID)
	if err != nil {
		return nil, nil
	}
	if rec.Status != "starting" {
		return nil, nil
	}

	status, err := c.deps.Cloud.Describe(ctx, rec.InstanceID)
	if err != nil || !status.Found || status.State != "running" {
		return c.provisioningResponse(sess, "starting_instance", 30), nil
	}

	result, err := c.deps.Pool.TransitionStatus(ctx, rec.InstanceID, "assigned", []string{"starting"})
	if err != nil {
		return nil, fmt.Errorf("promote warm-started instance %s: %w", rec.InstanceID, err)
	}
	if result != db.Claimed {
		// Another poll already promoted it; let the caller re-poll rather
		// than racing to program the gateway twice.
		return c.provisioningResponse(sess, "starting_instance", 30), nil
	}

	if err := c.deps.Cloud.Tag(ctx, rec.InstanceID, map[string]string{"session_id": sess.ID, "owner_id": sess.OwnerID}); err != nil {
		log.Warn().Err(err).Str("instance_id", rec.InstanceID).Msg("failed to tag warm-started instance")
	}

	return c.programGatewayAndCommit(ctx, sess, rec.Plan, &claimedInstance{InstanceID: rec.InstanceID, PrivateIP: status.PrivateIP})
}

// isColdStartCandidate reports whether instanceID has no pool record, or
// has an assigned pool record whose session is no longer live.
func (c *Controller) isColdStartCandidate(ctx context.Context, instanceID string) bool {
	rec, err := c.deps.Pool.Get(ctx, instanceID)
	if err != nil {
		return true // no pool record at all
	}
	if rec.Status != "assigned" || !rec.SessionID.Valid {
		return false
	}
	sess, err := c.deps.Sessions.GetSession(ctx, rec.SessionID.String)
	if err != nil {
		return true // session record is gone
	}
	return sess.Status == "terminated" || sess.Status == "error"
}

func (c *Controller) provisioningResponse(sess *db.Session, stage string, progress int) *Response {
	return &Response{
		Success: true,
		Message: "session is provisioning",
		Data: SessionData{
			SessionID: sess.ID,
			Status:    "provisioning",
			Stage:     stage,
			Progress:  progress,
			CreatedAt: sess.CreatedAt,
			ExpiresAt: sess.ExpiresAt,
		},
	}
}

// programGatewayAndCommit implements step 7 (gateway programming, with a
// fallback to an admin-authenticated URL if per-user provisioning fails)
// and step 8 (commit the allocation as status=ready).
func (c *Controller) programGatewayAndCommit(ctx context.Context, sess *db.Session, plan string, inst *claimedInstance) (*Response, error) {
	log := logger.Pool()

	connectionID, err := c.deps.Gateway.CreateConnection(ctx, "session-"+sess.ID, gateway.RDPParams{
		Hostname: inst.PrivateIP,
		Username: c.cfg.RDPUsername,
		Password: c.cfg.RDPPassword,
		Domain:   c.cfg.RDPDomain,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway connection for session %s: %w", sess.ID, err)
	}

	token := ""
	ephemeralUser := ""
	provisioned, err := c.deps.Gateway.ProvisionSessionUser(ctx, sess.ID, sess.OwnerID, connectionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("per-user gateway provisioning failed, falling back to admin token")
		adminToken, adminErr := c.deps.Gateway.AdminToken(ctx)
		if adminErr != nil {
			return nil, fmt.Errorf("fall back to admin token for session %s: %w", sess.ID, adminErr)
		}
		token = adminToken
	} else {
		token = provisioned.Token
		ephemeralUser = provisioned.Username
	}

	connInfo := &ConnectionInfo{
		Type:          "rdp",
		GatewayURL:    c.cfg.GatewayPublicBaseURL,
		ConnectionID:  connectionID,
		EphemeralUser: ephemeralUser,
		InstanceIP:    inst.PrivateIP,
		Ports:         defaultPorts(),
		DirectURL:     c.deps.Gateway.ConnectionURL(connectionID, token),
	}

	connInfoJSON, err := json.Marshal(connInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal connection info for session %s: %w", sess.ID, err)
	}

	if err := c.deps.Sessions.UpdateSessionAllocation(ctx, sess.ID, "ready", inst.InstanceID, inst.PrivateIP, connInfoJSON); err != nil {
		return nil, fmt.Errorf("commit allocation for session %s: %w", sess.ID, err)
	}

	if c.deps.Publisher != nil {
		if err := c.deps.Publisher.PublishSessionReady(ctx, events.SessionReadyEvent{
			SessionID:    sess.ID,
			OwnerID:      sess.OwnerID,
			InstanceID:   inst.InstanceID,
			ConnectionID: connectionID,
		}); err != nil {
			log.Debug().Err(err).Str("session_id", sess.ID).Msg("failed to publish session ready event")
		}
	}

	log.Info().Str("session_id", sess.ID).Str("instance_id", inst.InstanceID).Msg("session ready")

	return &Response{
		Success: true,
		Message: "session ready",
		Data: SessionData{
			SessionID:      sess.ID,
			Status:         "ready",
			Stage:          "ready",
			Progress:       100,
			InstanceID:     inst.InstanceID,
			InstanceIP:     inst.PrivateIP,
			ConnectionInfo: connInfo,
			CreatedAt:      sess.CreatedAt,
			ExpiresAt:      sess.ExpiresAt,
		},
	}, nil
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

// nullString wraps a non-empty string as a valid sql.NullString, or an
// invalid one if empty.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
