package quota

import (
	"fmt"
	"time"
)

// Reason is the machine-readable cause of a denial.
type Reason string

const (
	ReasonBackoffActive    Reason = "backoff_active"
	ReasonDailyCapReached  Reason = "daily_cap_reached"
	ReasonUnderMinInterval Reason = "under_min_interval"
)

// Description is the operator-facing text for r.
func (r Reason) Description() string {
	switch r {
	case ReasonBackoffActive:
		return "upstream rate limit back-off is active"
	case ReasonDailyCapReached:
		return "daily call cap reached"
	case ReasonUnderMinInterval:
		return "minimum interval since the last attempt has not elapsed"
	default:
		return string(r)
	}
}

// Decision is the outcome of an admission check. A denial is a normal
// result, not an error.
type Decision struct {
	Allowed        bool
	Category       Category
	Reason         Reason
	NextEligibleAt *time.Time
	Count          int
	DailyCap       int
	DayKey         string
	ResetAt        time.Time
}

// Remaining is the number of reservations left today.
func (d Decision) Remaining() int {
	if d.Count >= d.DailyCap {
		return 0
	}
	return d.DailyCap - d.Count
}

func (d Decision) String() string {
	if d.Allowed {
		return fmt.Sprintf("allow %s (%d/%d)", d.Category, d.Count, d.DailyCap)
	}
	if d.NextEligibleAt != nil {
		return fmt.Sprintf("deny %s: %s until %s", d.Category, d.Reason, d.NextEligibleAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("deny %s: %s", d.Category, d.Reason)
}

// CategoryStatus is the read-only view of one category.
type CategoryStatus struct {
	Category       Category   `json:"category"`
	MinInterval    string     `json:"min_interval"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

// Status is a snapshot of the quota for dashboards and the CLI.
type Status struct {
	DayKey        string           `json:"day_key"`
	Count         int              `json:"count"`
	DailyCap      int              `json:"daily_cap"`
	Remaining     int              `json:"remaining"`
	ResetAt       time.Time        `json:"reset_at"`
	BackoffUntil  *time.Time       `json:"backoff_until,omitempty"`
	BackoffActive bool             `json:"backoff_active"`
	Categories    []CategoryStatus `json:"categories"`
	CheckedAt     time.Time        `json:"checked_at"`
}
