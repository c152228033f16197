// Package quota enforces monthly usage quotas for the session orchestrator.
//
// Quota is tracked per owner per calendar month (UTC) as consumed minutes
// against a quota_minutes ceiling carried on the owner's plan. There is no
// per-resource (CPU/memory/GPU) dimension here: a session either fits
// within the owner's remaining minutes for the month or it doesn't.
//
// Quota source: the quotaMinutes passed to Check, i.e. the quota_minutes
// carried on the caller's signed token (trusted, set by the portal per
// owner). The usage row's own quota_minutes is not consulted, including
// when the token omits the field.
//
// quota_minutes == -1 means unlimited; every other value is a hard ceiling
// checked at session-creation time only (usage already consumed is never
// revisited retroactively).
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/deskpool/orchestrator/internal/db"
)

// Unlimited is the sentinel quota_minutes value meaning no ceiling applies.
const Unlimited = -1

// epsilon absorbs floating-point accumulation from repeated atomic adds so
// a session that landed exactly on the ceiling isn't let through by a
// rounding error.
const epsilon = 1e-6

// Result is the outcome of a quota check.
type Result struct {
	// Allowed reports whether a new session may be created.
	Allowed bool

	// RemainingMinutes is quota_minutes - consumed_minutes, or -1 if the
	// plan is unlimited.
	RemainingMinutes float64

	// ResetsAt is the first instant of the next calendar month (UTC), the
	// point at which consumed_minutes starts accumulating fresh.
	ResetsAt time.Time

	// ConsumedMinutes and QuotaMinutes are carried through for reporting.
	ConsumedMinutes float64
	QuotaMinutes    float64
}

// Checker enforces quota against the usage ledger.
type Checker struct {
	usageDB *db.UsageDB
}

// NewChecker creates a new quota Checker.
func NewChecker(usageDB *db.UsageDB) *Checker {
	return &Checker{usageDB: usageDB}
}

// Check reads the owner's usage row for the current month and evaluates it
// against quotaMinutes (from the caller's trusted token). If no usage row
// exists yet, the owner is treated as having consumed nothing this month
// and a row is not created here — AtomicAddMinutes creates it lazily on
// the first usage write.
func (c *Checker) Check(ctx context.Context, ownerID, plan string, quotaMinutes float64, now time.Time) (*Result, error) {
	month := CurrentMonth(now)
	resetsAt := ResetsAt(now)

	if quotaMinutes == Unlimited {
		return &Result{
			Allowed:          true,
			RemainingMinutes: Unlimited,
			ResetsAt:         resetsAt,
			ConsumedMinutes:  0,
			QuotaMinutes:     Unlimited,
		}, nil
	}

	usage, err := c.usageDB.Get(ctx, ownerID, month)
	if err != nil {
		return nil, fmt.Errorf("failed to check quota for %s/%s: %w", ownerID, month, err)
	}

	var consumed float64
	if usage != nil {
		consumed = usage.ConsumedMinutes
		// A usage row's own quota_minutes reflects the plan at the time
		// usage was first recorded this month; the token's value is
		// authoritative for this check since it's re-derived per request.
	}

	remaining := quotaMinutes - consumed
	if remaining < 0 {
		remaining = 0
	}

	if consumed+epsilon >= quotaMinutes {
		return &Result{
			Allowed:          false,
			RemainingMinutes: 0,
			ResetsAt:         resetsAt,
			ConsumedMinutes:  consumed,
			QuotaMinutes:     quotaMinutes,
		}, nil
	}

	return &Result{
		Allowed:          true,
		RemainingMinutes: remaining,
		ResetsAt:         resetsAt,
		ConsumedMinutes:  consumed,
		QuotaMinutes:     quotaMinutes,
	}, nil
}

// CurrentMonth returns the UTC usage-month key ("YYYY-MM") for t.
func CurrentMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ResetsAt returns the first instant (UTC) of the calendar month following t.
func ResetsAt(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
