// Package reconciler implements the periodic control loop that converges
// the state store with cloud ground truth: expiring sessions past their
// deadline, sweeping idle ones, syncing the instance pool against each
// tier's autoscaling group, releasing orphaned instances, and adjusting
// desired capacity to demand.
//
// The five passes run in a fixed order every cycle (expire before orphan
// release, so a session Pass 1 would terminate can't be mistaken for a
// live orphan owner in Pass 4) and each pass is independent: an error in
// one is logged and does not block the rest.
package reconciler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/deskpool/orchestrator/internal/cloud"
	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/events"
	"github.com/deskpool/orchestrator/internal/gateway"
	"github.com/deskpool/orchestrator/internal/logger"
	"github.com/deskpool/orchestrator/internal/quota"
)

// IdleThresholds holds the warning/termination minutes for one plan tier.
type IdleThresholds struct {
	WarningMinutes     int
	TerminationMinutes int
}

// Config holds the reconciler's tunables.
type Config struct {
	// CronSpec schedules the cycle; "@every 60s" by default.
	CronSpec string

	// StaleAssignedAfter is how long a pool row may sit assigned with no
	// session activity before Pass 4 treats it as orphaned.
	StaleAssignedAfter time.Duration

	// ScaleUpCapPerCycle and IdleAvailableFloor parameterize Pass 5.
	ScaleUpCapPerCycle int32
	IdleAvailableFloor int32

	// ASGNames maps plan tier to its autoscaling group name; the
	// reconciler iterates these tiers sequentially every cycle.
	ASGNames map[string]string

	// EnableIdleDetection feature-flags Pass 2 off entirely.
	EnableIdleDetection bool

	// IdleThresholdsByPlan supplies per-tier warning/termination minutes;
	// DefaultPlan's entry is used for any tier missing its own.
	IdleThresholdsByPlan map[string]IdleThresholds

	// IdleGrace: a gateway-reported active connection bumps
	// effective_last_active to now when the stored value is within this
	// window, avoiding a terminate-then-immediately-reconnect flap.
	IdleGrace time.Duration
}

// Deps bundles the reconciler's collaborators.
type Deps struct {
	Sessions    *db.SessionDB
	Pool        *db.InstancePoolDB
	Usage       *db.UsageDB
	Cloud       *cloud.Client
	Gateway     *gateway.Client
	Publisher   *events.Publisher
	Connections *db.ConnectionDB
}

// Reconciler runs the five-pass convergence cycle on a cron schedule.
type Reconciler struct {
	deps Deps
	cfg  Config

	cronRunner *cron.Cron
	running    atomic.Bool
	metrics    *cycleMetrics
}

// New creates a Reconciler; call Start to begin its cron schedule.
func New(deps Deps, cfg Config) *Reconciler {
	if cfg.CronSpec == "" {
		cfg.CronSpec = "@every 60s"
	}
	return &Reconciler{
		deps:    deps,
		cfg:     cfg,
		metrics: newCycleMetrics(),
	}
}

// Start schedules the reconcile cycle and begins the cron scheduler.
// Subsequent calls are no-ops.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.cronRunner != nil {
		return nil
	}
	r.cronRunner = cron.New()
	_, err := r.cronRunner.AddFunc(r.cfg.CronSpec, func() { r.runCycleGuarded(ctx) })
	if err != nil {
		return err
	}
	r.cronRunner.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for an in-flight cycle to finish.
func (r *Reconciler) Stop() {
	if r.cronRunner == nil {
		return
	}
	stopCtx := r.cronRunner.Stop()
	<-stopCtx.Done()
}

// runCycleGuarded skips a cycle outright if the previous one is still
// running, rather than letting cycles pile up when a pass runs long.
func (r *Reconciler) runCycleGuarded(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		logger.Reconciler().Warn().Msg("skipping cycle, previous cycle still running")
		return
	}
	defer r.running.Store(false)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Reconciler().Error().Interface("panic", rec).Msg("reconciler cycle panicked")
		}
	}()

	r.RunOnce(ctx)
}

// RunOnce executes all five passes once, in order, and returns a summary.
// Exported so tests and an operational CLI can trigger a cycle directly
// without going through the cron scheduler.
func (r *Reconciler) RunOnce(ctx context.Context) CycleSummary {
	start := time.Now()
	log := logger.Reconciler()
	now := time.Now().UTC()

	summary := CycleSummary{StartedAt: now}

	summary.SessionsExpired = r.passExpireSessions(ctx, now)

	if r.cfg.EnableIdleDetection {
		summary.IdleWarned, summary.IdleTerminated = r.passIdleSweep(ctx, now)
	}

	for plan, asgName := range r.cfg.ASGNames {
		if err := r.passSyncPool(ctx, plan, asgName, now); err != nil {
			log.Warn().Err(err).Str("plan", plan).Msg("pool sync pass failed")
		}
	}

	summary.OrphansReleased = r.passReleaseOrphans(ctx, now)

	if r.deps.Connections != nil {
		if n, err := r.deps.Connections.DeleteExpired(ctx, now); err != nil {
			log.Warn().Err(err).Msg("failed to sweep expired subscriber connections")
		} else {
			summary.SubscribersExpired = int(n)
		}
	}

	for plan, asgName := range r.cfg.ASGNames {
		action := r.passScale(ctx, plan, asgName)
		if action != "" {
			summary.ScalingActions = append(summary.ScalingActions, plan+":"+action)
		}
	}

	summary.Duration = time.Since(start)
	r.metrics.record(summary)

	if r.deps.Publisher != nil {
		if err := r.deps.Publisher.PublishReconcilerCycle(ctx, events.ReconcilerCycleEvent{
			Expired:         summary.SessionsExpired,
			IdleWarned:      summary.IdleWarned,
			IdleTerminated:  summary.IdleTerminated,
			OrphansReleased: summary.OrphansReleased,
			ScaleActions:    len(summary.ScalingActions),
			DurationSeconds: summary.Duration.Seconds(),
		}); err != nil {
			log.Debug().Err(err).Msg("failed to publish reconciler cycle event")
		}
	}

	log.Info().
		Int("expired", summary.SessionsExpired).
		Int("idle_warned", summary.IdleWarned).
		Int("idle_terminated", summary.IdleTerminated).
		Int("orphans_released", summary.OrphansReleased).
		Strs("scaling_actions", summary.ScalingActions).
		Dur("duration", summary.Duration).
		Msg("reconciler cycle complete")

	return summary
}

// CycleSummary reports what one reconcile cycle did.
type CycleSummary struct {
	StartedAt          time.Time
	Duration           time.Duration
	SessionsExpired    int
	IdleWarned         int
	IdleTerminated     int
	OrphansReleased    int
	ScalingActions     []string
	SubscribersExpired int
}

func (c *Config) idleThresholdsFor(plan string) IdleThresholds {
	if t, ok := c.IdleThresholdsByPlan[plan]; ok {
		return t
	}
	return c.IdleThresholdsByPlan["pro"]
}

// quotaUnlimited re-exposes quota.Unlimited for usage-accounting call
// sites in this package so they don't need to import quota just for one
// constant with a name collision risk.
const quotaUnlimited = quota.Unlimited
