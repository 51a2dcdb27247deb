package quota

import (
	"context"
	"time"
)

// EventType classifies a Quota Log entry.
type EventType string

const (
	EventReservationAllowed EventType = "reservation_allowed"
	EventReservationDenied  EventType = "reservation_denied"
	EventSuccess            EventType = "success"
	EventFailure            EventType = "failure"
	EventReset              EventType = "reset"
)

// Event is one append-only Quota Log entry. Zero values of Category, Reason
// and Status mean the field is absent.
type Event struct {
	Type           EventType      `json:"event_type"`
	Category       Category       `json:"category,omitempty"`
	Reason         Reason         `json:"reason,omitempty"`
	Status         int            `json:"status,omitempty"`
	BackoffUntil   *time.Time     `json:"backoff_until,omitempty"`
	DayKey         string         `json:"day_key"`
	ResetAt        time.Time      `json:"reset_at"`
	NextEligibleAt *time.Time     `json:"next_eligible_at,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// EventSink receives Quota Log entries.
type EventSink interface {
	Append(ctx context.Context, events ...Event) error
}

// EventPruner deletes entries created before cutoff and reports how many.
type EventPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventReader returns the newest entries first.
type EventReader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

type nopSink struct{}

func (nopSink) Append(context.Context, ...Event) error { return nil }
