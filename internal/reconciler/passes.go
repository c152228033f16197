package reconciler

import (
	"context"
	"time"

	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/events"
	"github.com/deskpool/orchestrator/internal/logger"
	"github.com/deskpool/orchestrator/internal/quota"
)

// passExpireSessions is Pass 1: sessions past their expiry are terminated,
// their usage recorded, and their instance released.
func (r *Reconciler) passExpireSessions(ctx context.Context, now time.Time) int {
	log := logger.Reconciler()

	expired, err := r.deps.Sessions.ListExpiredSessions(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list expired sessions")
		return 0
	}

	count := 0
	for _, sess := range expired {
		elapsed := now.Sub(sess.CreatedAt).Minutes()
		if elapsed >= 0.5 {
			month := quota.CurrentMonth(now)
			if _, err := r.deps.Usage.AtomicAddMinutes(ctx, sess.OwnerID, month, elapsed, sess.Plan, quotaUnlimited); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to record usage for expired session")
			}
		}

		if err := r.deps.Sessions.TerminateSession(ctx, sess.ID, "expired"); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to terminate expired session")
			continue
		}

		if sess.InstanceID.Valid {
			r.releaseInstance(ctx, sess.InstanceID.String)
		}

		count++
	}
	return count
}

// passIdleSweep is Pass 2: warns or terminates ready/active sessions that
// have gone idle past their plan's threshold, with hysteresis on the
// warning flag. It fans out a single active_connections() call per cycle
// rather than polling the gateway per session.
func (r *Reconciler) passIdleSweep(ctx context.Context, now time.Time) (warned, terminated int) {
	log := logger.Reconciler()

	sessions, err := r.deps.Sessions.ListSessionsByStatus(ctx, []string{"ready", "active"})
	if err != nil {
		log.Warn().Err(err).Msg("failed to list ready/active sessions for idle sweep")
		return 0, 0
	}

	active, err := r.deps.Gateway.ActiveConnections(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to fetch active gateway connections, skipping idle sweep")
		return 0, 0
	}

	for _, sess := range sessions {
		if sess.FocusMode {
			continue
		}

		effectiveLastActive := sess.CreatedAt
		if sess.LastActiveAt.Valid && sess.LastActiveAt.Time.After(effectiveLastActive) {
			effectiveLastActive = sess.LastActiveAt.Time
		}
		if sess.LastHeartbeatAt.Valid && sess.LastHeartbeatAt.Time.After(effectiveLastActive) {
			effectiveLastActive = sess.LastHeartbeatAt.Time
		}

		connID := connectionIDFromInfo(sess.ConnectionInfo)
		if connID != "" {
			if gwSessions, ok := active[connID]; ok && len(gwSessions) > 0 {
				if now.Sub(effectiveLastActive) <= r.cfg.IdleGrace {
					effectiveLastActive = now
				}
			}
		}

		idle := now.Sub(effectiveLastActive)
		thresholds := r.cfg.idleThresholdsFor(sess.Plan)
		terminationThreshold := time.Duration(thresholds.TerminationMinutes) * time.Minute
		warningThreshold := time.Duration(thresholds.WarningMinutes) * time.Minute

		switch {
		case idle >= terminationThreshold:
			elapsed := now.Sub(sess.CreatedAt).Minutes()
			month := quota.CurrentMonth(now)
			if _, err := r.deps.Usage.AtomicAddMinutes(ctx, sess.OwnerID, month, elapsed, sess.Plan, quotaUnlimited); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to record usage for idle-terminated session")
			}
			if err := r.deps.Sessions.TerminateSession(ctx, sess.ID, "idle_timeout"); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to terminate idle session")
				continue
			}
			if sess.InstanceID.Valid {
				r.releaseInstance(ctx, sess.InstanceID.String)
			}
			terminated++

		case idle >= warningThreshold:
			if !sess.IdleWarningSentAt.Valid {
				if err := r.deps.Sessions.SetIdleWarning(ctx, sess.ID, &now); err != nil {
					log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to set idle warning")
					continue
				}
				warned++
				if r.deps.Publisher != nil {
					if err := r.deps.Publisher.PublishSessionIdleWarning(ctx, events.SessionIdleWarningEvent{
						SessionID:         sess.ID,
						OwnerID:           sess.OwnerID,
						TerminationInMins: int((terminationThreshold - idle).Minutes()),
					}); err != nil {
						log.Debug().Err(err).Str("session_id", sess.ID).Msg("failed to publish idle warning event")
					}
				}
			}

		default:
			if sess.IdleWarningSentAt.Valid {
				if err := r.deps.Sessions.SetIdleWarning(ctx, sess.ID, nil); err != nil {
					log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to clear idle warning")
				}
			}
		}
	}

	return warned, terminated
}

// passSyncPool is Pass 3: reconciles one tier's pool records against its
// autoscaling group membership, the cloud side being ground truth.
func (r *Reconciler) passSyncPool(ctx context.Context, plan, asgName string, now time.Time) error {
	log := logger.Reconciler()

	members, err := r.deps.Cloud.GroupMembers(ctx, asgName)
	if err != nil {
		return err
	}
	memberSet := make(map[string]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
	}

	existing, err := r.deps.Pool.ListByPlan(ctx, plan)
	if err != nil {
		return err
	}
	existingSet := make(map[string]*db.InstancePoolRecord, len(existing))
	for _, rec := range existing {
		existingSet[rec.InstanceID] = rec
	}

	for _, instanceID := range members {
		rec, known := existingSet[instanceID]
		status, err := r.deps.Cloud.Describe(ctx, instanceID)
		if err != nil || !status.Found {
			continue
		}

		if !known {
			poolStatus := "available"
			if status.State == "pending" {
				poolStatus = "starting"
			}
			if err := r.deps.Pool.Put(ctx, &db.InstancePoolRecord{
				InstanceID:    instanceID,
				Status:        poolStatus,
				Plan:          plan,
				InstanceState: nullString(status.State),
			}); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to add instance to pool")
			}
			continue
		}

		newStatus := rec.Status
		if status.State == "running" && rec.Status == "starting" {
			newStatus = "available"
		} else if status.State == "stopped" && rec.Status != "assigned" {
			newStatus = "available"
		}
		if newStatus != rec.Status || !rec.InstanceState.Valid || rec.InstanceState.String != status.State {
			rec.Status = newStatus
			rec.InstanceState = nullString(status.State)
			if err := r.deps.Pool.Put(ctx, rec); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to update pool record state")
			}
		}
	}

	for instanceID := range existingSet {
		if !memberSet[instanceID] {
			if err := r.deps.Pool.Delete(ctx, instanceID); err != nil {
				log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to remove departed instance from pool")
			}
		}
	}

	return nil
}

// passReleaseOrphans is Pass 4: releases assigned instances whose session
// is missing, terminal, or stale.
func (r *Reconciler) passReleaseOrphans(ctx context.Context, now time.Time) int {
	log := logger.Reconciler()

	assigned, err := r.deps.Pool.ListByStatus(ctx, "assigned")
	if err != nil {
		log.Warn().Err(err).Msg("failed to list assigned instances")
		return 0
	}

	released := 0
	for _, rec := range assigned {
		if r.isOrphaned(ctx, rec, now) {
			r.releaseInstance(ctx, rec.InstanceID)
			released++
		}
	}
	return released
}

func (r *Reconciler) isOrphaned(ctx context.Context, rec *db.InstancePoolRecord, now time.Time) bool {
	if !rec.SessionID.Valid || rec.SessionID.String == "" {
		return true
	}

	sess, err := r.deps.Sessions.GetSession(ctx, rec.SessionID.String)
	if err != nil {
		return true
	}
	if sess.Status == "terminated" || sess.Status == "error" {
		return true
	}

	if rec.AssignedAt.Valid && now.Sub(rec.AssignedAt.Time) > r.cfg.StaleAssignedAfter {
		if now.Sub(sess.UpdatedAt) > r.cfg.StaleAssignedAfter {
			logger.Reconciler().Info().Str("instance_id", rec.InstanceID).Msg("instance appears stale, no session activity")
			return true
		}
	}

	return false
}

// passScale is Pass 5: grows or shrinks a tier's desired capacity to match
// demand, scaling up only when nothing is already starting (to avoid
// oscillation) and scaling down only when comfortably idle.
func (r *Reconciler) passScale(ctx context.Context, plan, asgName string) string {
	log := logger.Reconciler()

	active, err := r.countActiveSessions(ctx, plan)
	if err != nil {
		log.Warn().Err(err).Str("plan", plan).Msg("failed to count active sessions for scaling")
		return ""
	}

	poolRecords, err := r.deps.Pool.ListByPlan(ctx, plan)
	if err != nil {
		log.Warn().Err(err).Str("plan", plan).Msg("failed to list pool records for scaling")
		return ""
	}

	var available, starting, assigned int32
	for _, rec := range poolRecords {
		switch rec.Status {
		case "available":
			available++
		case "starting":
			starting++
		case "assigned":
			assigned++
		}
	}
	provisioned := available + starting + assigned

	capacity, err := r.deps.Cloud.GroupCapacity(ctx, asgName)
	if err != nil {
		log.Warn().Err(err).Str("asg", asgName).Msg("failed to get group capacity for scaling")
		return ""
	}

	if active > provisioned && starting == 0 {
		if capacity.Desired < capacity.Max {
			deficit := active - provisioned
			if deficit > r.cfg.ScaleUpCapPerCycle {
				deficit = r.cfg.ScaleUpCapPerCycle
			}
			newDesired := capacity.Desired + deficit
			if newDesired > capacity.Max {
				newDesired = capacity.Max
			}
			if err := r.deps.Cloud.SetDesired(ctx, asgName, newDesired); err != nil {
				log.Warn().Err(err).Str("asg", asgName).Msg("failed to scale up")
				return ""
			}
			log.Info().Str("plan", plan).Int32("new_desired", newDesired).Msg("scaled up")
			return "scale_up"
		}
	} else if available > r.cfg.IdleAvailableFloor && active == 0 {
		if capacity.Desired > capacity.Min {
			newDesired := capacity.Desired - 1
			if err := r.deps.Cloud.SetDesired(ctx, asgName, newDesired); err != nil {
				log.Warn().Err(err).Str("asg", asgName).Msg("failed to scale down")
				return ""
			}
			log.Info().Str("plan", plan).Int32("new_desired", newDesired).Msg("scaled down")
			return "scale_down"
		}
	}

	return ""
}

func (r *Reconciler) countActiveSessions(ctx context.Context, plan string) (int32, error) {
	sessions, err := r.deps.Sessions.ListSessionsByStatus(ctx, []string{"pending", "provisioning", "ready", "active"})
	if err != nil {
		return 0, err
	}
	var count int32
	for _, sess := range sessions {
		if sess.Plan == plan {
			count++
		}
	}
	return count, nil
}

// releaseInstance returns an instance to the pool and clears its cloud
// tags, best-effort.
func (r *Reconciler) releaseInstance(ctx context.Context, instanceID string) {
	log := logger.Reconciler()
	if err := r.deps.Pool.Release(ctx, instanceID, "available"); err != nil {
		log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to release instance")
	}
	if err := r.deps.Cloud.Tag(ctx, instanceID, map[string]string{"session_id": "", "owner_id": ""}); err != nil {
		log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to clear instance tags")
	}
}
