package quota

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Limits configures the Manager.
type Limits struct {
	DailyCap            int
	MinIntervalForecast time.Duration
	MinIntervalActual   time.Duration
	Backoff429          time.Duration
	Location            *time.Location
}

// MinInterval returns the cool-down of c.
func (l Limits) MinInterval(c Category) time.Duration {
	switch c {
	case CategoryForecast:
		return l.MinIntervalForecast
	case CategoryActual:
		return l.MinIntervalActual
	default:
		return 0
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger used for decisions and sink failures.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// Manager is the admission decision engine. It keeps no state of its own;
// every call goes through the StateStore.
type Manager struct {
	store  StateStore
	sink   EventSink
	limits Limits
	now    func() time.Time
	log    *slog.Logger
}

// NewManager builds a Manager. A nil sink discards Quota Log entries.
func NewManager(store StateStore, sink EventSink, limits Limits, opts ...Option) *Manager {
	if sink == nil {
		sink = nopSink{}
	}
	if limits.Location == nil {
		limits.Location = time.UTC
	}
	m := &Manager{
		store:  store,
		sink:   sink,
		limits: limits,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// CheckAndReserve decides whether a call of category c may proceed and, if
// so, durably reserves one slot of today's cap. force skips the minimum
// interval check only. An error means the admission state is unknown and the
// caller must not perform the call.
func (m *Manager) CheckAndReserve(ctx context.Context, c Category, force bool) (Decision, error) {
	if !c.Valid() {
		return Decision{}, fmt.Errorf("check and reserve: %w: %q", ErrUnknownCategory, c)
	}

	now := m.now().UTC()

	var (
		decision Decision
		events   []Event
	)

	err := m.store.Atomically(ctx, func(st *State) (bool, error) {
		events = events[:0]

		changed, reset := ensureForNow(st, now, m.limits.Location)
		if reset != nil {
			events = append(events, *reset)
		}

		decision = m.decide(st, c, force, now)

		ev := Event{
			Category: c,
			DayKey:   st.DayKey,
			ResetAt:  st.ResetAt,
			Payload: map[string]any{
				"force":     force,
				"daily_cap": m.limits.DailyCap,
			},
			CreatedAt: now,
		}

		if !decision.Allowed {
			ev.Type = EventReservationDenied
			ev.Reason = decision.Reason
			ev.NextEligibleAt = decision.NextEligibleAt
			ev.BackoffUntil = cloneTime(st.BackoffUntil)
			ev.Payload["count"] = st.Count
			events = append(events, ev)
			return changed, nil
		}

		st.Count++
		attempt := now
		st.Category(c).LastAttemptAt = &attempt
		st.UpdatedAt = now

		decision.Count = st.Count
		ev.Type = EventReservationAllowed
		ev.Payload["count"] = st.Count
		events = append(events, ev)
		return true, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("check and reserve %s: %w", c, err)
	}

	m.emit(ctx, events)

	if decision.Allowed {
		m.log.Info("quota reservation granted",
			"category", c,
			"force", force,
			"count", decision.Count,
			"daily_cap", decision.DailyCap,
		)
	} else {
		m.log.Info("quota reservation denied",
			"category", c,
			"force", force,
			"reason", decision.Reason,
			"next_eligible_at", decision.NextEligibleAt,
		)
	}

	return decision, nil
}

// decide evaluates the rules against a fresh state without mutating it.
func (m *Manager) decide(st *State, c Category, force bool, now time.Time) Decision {
	d := Decision{
		Allowed:  true,
		Category: c,
		Count:    st.Count,
		DailyCap: m.limits.DailyCap,
		DayKey:   st.DayKey,
		ResetAt:  st.ResetAt,
	}

	deny := func(r Reason, next *time.Time) Decision {
		d.Allowed = false
		d.Reason = r
		d.NextEligibleAt = next
		return d
	}

	if st.BackoffActive(now) {
		return deny(ReasonBackoffActive, cloneTime(st.BackoffUntil))
	}

	if st.Count >= m.limits.DailyCap {
		resetAt := st.ResetAt
		return deny(ReasonDailyCapReached, &resetAt)
	}

	if !force {
		if next := m.nextEligible(st, c); next != nil && now.Before(*next) {
			return deny(ReasonUnderMinInterval, next)
		}
	}

	return d
}

// nextEligible is the end of the cool-down of c, or nil when there is none.
func (m *Manager) nextEligible(st *State, c Category) *time.Time {
	interval := m.limits.MinInterval(c)
	last := st.Category(c).LastAttemptAt
	if interval <= 0 || last == nil {
		return nil
	}
	next := last.Add(interval)
	return &next
}

// RecordSuccess marks a successful upstream call of category c.
func (m *Manager) RecordSuccess(ctx context.Context, c Category) error {
	if !c.Valid() {
		return fmt.Errorf("record success: %w: %q", ErrUnknownCategory, c)
	}

	now := m.now().UTC()

	var events []Event
	err := m.store.Atomically(ctx, func(st *State) (bool, error) {
		events = events[:0]

		if _, reset := ensureForNow(st, now, m.limits.Location); reset != nil {
			events = append(events, *reset)
		}

		success := now
		st.Category(c).LastSuccessAt = &success
		st.UpdatedAt = now

		events = append(events, Event{
			Type:      EventSuccess,
			Category:  c,
			DayKey:    st.DayKey,
			ResetAt:   st.ResetAt,
			CreatedAt: now,
		})
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("record success %s: %w", c, err)
	}

	m.emit(ctx, events)
	m.log.Debug("quota success recorded", "category", c)
	return nil
}

// RecordFailure logs a failed upstream call. A 429 status arms the back-off
// window; any other status, including 0 for "no status", is only logged.
func (m *Manager) RecordFailure(ctx context.Context, c Category, status int) error {
	if !c.Valid() {
		return fmt.Errorf("record failure: %w: %q", ErrUnknownCategory, c)
	}

	now := m.now().UTC()

	var (
		events       []Event
		backoffUntil *time.Time
	)

	err := m.store.Atomically(ctx, func(st *State) (bool, error) {
		events = events[:0]
		backoffUntil = nil

		changed, reset := ensureForNow(st, now, m.limits.Location)
		if reset != nil {
			events = append(events, *reset)
		}

		ev := Event{
			Type:      EventFailure,
			Category:  c,
			Status:    status,
			DayKey:    st.DayKey,
			ResetAt:   st.ResetAt,
			CreatedAt: now,
		}

		if status == http.StatusTooManyRequests && m.limits.Backoff429 > 0 {
			until := now.Add(m.limits.Backoff429)
			st.BackoffUntil = &until
			st.UpdatedAt = now
			backoffUntil = cloneTime(&until)

			ev.BackoffUntil = cloneTime(&until)
			ev.NextEligibleAt = cloneTime(&until)
			ev.Payload = map[string]any{"backoff": m.limits.Backoff429.String()}
			changed = true
		}

		events = append(events, ev)
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("record failure %s: %w", c, err)
	}

	m.emit(ctx, events)

	if backoffUntil != nil {
		m.log.Warn("upstream rate limit, back-off armed",
			"category", c,
			"status", status,
			"backoff_until", backoffUntil.Format(time.RFC3339),
		)
	} else {
		m.log.Warn("upstream call failed", "category", c, "status", status)
	}
	return nil
}

// CurrentStatus returns a snapshot of the quota. It never changes the count
// or attempt timestamps, but persists a day-boundary reset if one is due.
func (m *Manager) CurrentStatus(ctx context.Context) (Status, error) {
	now := m.now().UTC()

	var (
		snapshot State
		events   []Event
	)

	err := m.store.Atomically(ctx, func(st *State) (bool, error) {
		events = events[:0]

		changed, reset := ensureForNow(st, now, m.limits.Location)
		if reset != nil {
			events = append(events, *reset)
		}
		snapshot = st.Clone()
		return changed, nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("current status: %w", err)
	}

	m.emit(ctx, events)

	status := Status{
		DayKey:        snapshot.DayKey,
		Count:         snapshot.Count,
		DailyCap:      m.limits.DailyCap,
		Remaining:     max(m.limits.DailyCap-snapshot.Count, 0),
		ResetAt:       snapshot.ResetAt,
		BackoffUntil:  snapshot.BackoffUntil,
		BackoffActive: snapshot.BackoffActive(now),
		CheckedAt:     now,
	}

	for _, c := range Categories {
		cs := snapshot.Category(c)
		status.Categories = append(status.Categories, CategoryStatus{
			Category:       c,
			MinInterval:    m.limits.MinInterval(c).String(),
			LastAttemptAt:  cs.LastAttemptAt,
			LastSuccessAt:  cs.LastSuccessAt,
			NextEligibleAt: m.nextEligible(&snapshot, c),
		})
	}

	return status, nil
}

// emit appends events after the state transition is durable. A failing sink
// does not undo the transition.
func (m *Manager) emit(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}
	if err := m.sink.Append(ctx, events...); err != nil {
		m.log.Warn("failed to append quota log", "error", err, "events", len(events))
	}
}
