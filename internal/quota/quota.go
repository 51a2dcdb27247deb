// Package quota implements admission control for the metered forecast API.
//
// A Manager grants or denies every attempted upstream call against a single
// persisted State row: a shared daily cap, a per-category minimum interval and
// a back-off window armed by rate-limit failures. Serialisation of concurrent
// callers is the job of the StateStore, which must run each update while
// holding an exclusive lock on the row (or an equivalent compare-and-swap).
package quota

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Category is one of the two kinds of metered call.
type Category string

const (
	CategoryForecast Category = "forecast"
	CategoryActual   Category = "actual"
)

// Categories lists every admitted category.
var Categories = []Category{CategoryForecast, CategoryActual}

func (c Category) Valid() bool {
	return c == CategoryForecast || c == CategoryActual
}

// ParseCategory accepts a category name in any case.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

// CategoryState holds the per-category timestamps of the day.
type CategoryState struct {
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// State is the singleton quota row. An empty DayKey means the row was never
// initialised.
type State struct {
	DayKey       string        `json:"day_key"`
	Count        int           `json:"count"`
	Forecast     CategoryState `json:"forecast"`
	Actual       CategoryState `json:"actual"`
	BackoffUntil *time.Time    `json:"backoff_until,omitempty"`
	ResetAt      time.Time     `json:"reset_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Initialized reports whether the row has ever been set up.
func (s State) Initialized() bool {
	return s.DayKey != ""
}

// Category returns the fields of c, or nil for an unknown category.
func (s *State) Category(c Category) *CategoryState {
	switch c {
	case CategoryForecast:
		return &s.Forecast
	case CategoryActual:
		return &s.Actual
	default:
		return nil
	}
}

// BackoffActive reports whether a back-off window covers now.
func (s State) BackoffActive(now time.Time) bool {
	return s.BackoffUntil != nil && now.Before(*s.BackoffUntil)
}

// Clone returns a copy that shares no pointers with s.
func (s State) Clone() State {
	out := s
	out.Forecast = s.Forecast.clone()
	out.Actual = s.Actual.clone()
	out.BackoffUntil = cloneTime(s.BackoffUntil)
	return out
}

func (c CategoryState) clone() CategoryState {
	return CategoryState{
		LastAttemptAt: cloneTime(c.LastAttemptAt),
		LastSuccessAt: cloneTime(c.LastSuccessAt),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// UpdateFunc mutates the locked state. Returning persist=false leaves the
// stored row untouched.
type UpdateFunc func(st *State) (persist bool, err error)

// StateStore owns the singleton row.
type StateStore interface {
	// Atomically loads the row under an exclusive lock, passes it to fn and
	// writes it back when fn asks to. A store that retries on conflict may
	// call fn more than once, so fn must not keep side effects from earlier
	// calls. Any error leaves the stored row unchanged.
	Atomically(ctx context.Context, fn UpdateFunc) error
}
