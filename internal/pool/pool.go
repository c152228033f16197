// Package pool implements the Pool Allocator & Session Controller: the
// synchronous request path that turns a session-creation request into a
// running, gateway-programmed remote desktop.
//
// This is the hardest subsystem in the orchestrator: it authenticates the
// caller, enforces quota, reaps a stale duplicate session if one exists,
// races to claim an instance out of a tiered pool with bounded retry,
// cold-starts capacity on a pool miss, and programs the display gateway
// before committing the session as ready. The five responsibilities are
// split across create.go (allocation), status.go (polling/recovery), and
// terminate.go (best-effort teardown), all hung off the one Controller
// defined here so they share its dependencies and configuration.
package pool

import (
	"time"

	"github.com/deskpool/orchestrator/internal/cloud"
	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/events"
	"github.com/deskpool/orchestrator/internal/gateway"
	"github.com/deskpool/orchestrator/internal/quota"
)

// DefaultPlan is the tier assumed for records that predate the plan
// attribute, for backward compatibility with older rows.
const DefaultPlan = "pro"

// Config holds the allocator's tunables, sourced from environment/config
// at startup.
type Config struct {
	// SessionTTL is added to now() when a new session is created.
	SessionTTL time.Duration

	// MaxSessionsPerOwner caps concurrent non-terminal sessions per owner
	// before stale-session reaping/reuse kicks in (step 3).
	MaxSessionsPerOwner int

	// StaleGrace is how long past last_active_at a disconnected session
	// must sit before it's declared stale and reaped.
	StaleGrace time.Duration

	// ClaimAttempts and ClaimBackoffBase parameterize the bounded pool
	// claim retry loop (step 5): attempt i sleeps
	// ClaimBackoffBase * i before trying the next candidate.
	ClaimAttempts    int
	ClaimBackoffBase time.Duration

	// ScaleUpCapPerCycle bounds how much desired capacity a single
	// cold-start can add.
	ScaleUpCapPerCycle int32

	// ASGNames maps plan tier to its autoscaling group name.
	ASGNames map[string]string

	// GatewayPublicBaseURL is substituted for the gateway's internal base
	// URL when building the viewer URL returned to clients (step 7).
	GatewayPublicBaseURL string

	// RDPUsername/RDPPassword/RDPDomain are the credentials baked into
	// every connection this controller creates.
	RDPUsername string
	RDPPassword string
	RDPDomain   string

	// RequireAuth mirrors REQUIRE_AUTH: when false, a request with no
	// verified token falls back to trusting its body fields (test modes
	// only).
	RequireAuth bool

	// EnableGatewayCleanup mirrors ENABLE_GATEWAY_CLEANUP: when false,
	// termination skips the kill-sessions/delete-connection/delete-user
	// calls entirely rather than attempting and swallowing their errors.
	EnableGatewayCleanup bool
}

// Deps bundles the external collaborators the controller drives. Grouped
// as one struct (rather than many constructor parameters) because every
// operation in this package touches nearly all of them.
type Deps struct {
	Sessions    *db.SessionDB
	Pool        *db.InstancePoolDB
	Usage       *db.UsageDB
	Cloud       *cloud.Client
	Gateway     *gateway.Client
	Quota       *quota.Checker
	Publisher   *events.Publisher
	Connections *db.ConnectionDB
}

// Controller implements session creation, status polling/recovery, and
// teardown.
type Controller struct {
	deps Deps
	cfg  Config
}

// NewController creates a session Controller.
func NewController(deps Deps, cfg Config) *Controller {
	return &Controller{deps: deps, cfg: cfg}
}

func (c *Controller) asgNameForPlan(plan string) string {
	if name, ok := c.cfg.ASGNames[plan]; ok {
		return name
	}
	return c.cfg.ASGNames[DefaultPlan]
}

func normalizePlan(plan string) string {
	if plan == "" {
		return DefaultPlan
	}
	return plan
}
