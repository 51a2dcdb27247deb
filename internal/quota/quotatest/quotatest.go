// Package quotatest checks a storage backend against the admission rules.
package quotatest

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast-quota/internal/clock"
	"forecast-quota/internal/quota"
)

// Backend is everything a full storage implementation provides.
type Backend interface {
	quota.StateStore
	quota.EventSink
	quota.EventPruner
	quota.EventReader
}

// Clock is a manually advanced clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Start is the default instant the suite begins at.
var Start = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

// DefaultLimits mirrors the hobbyist tier defaults.
func DefaultLimits() quota.Limits {
	return quota.Limits{
		DailyCap:            10,
		MinIntervalForecast: 4 * time.Hour,
		MinIntervalActual:   8 * time.Hour,
		Backoff429:          6 * time.Hour,
		Location:            time.UTC,
	}
}

// Run executes the admission properties against fresh backends.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Helper()

	setup := func(t *testing.T, limits quota.Limits) (*quota.Manager, *Clock, Backend) {
		b := newBackend(t)
		clk := NewClock(Start)
		m := quota.NewManager(b, b, limits, quota.WithClock(clk.Now))
		return m, clk, b
	}

	t.Run("CapEnforcement", func(t *testing.T) {
		limits := DefaultLimits()
		limits.DailyCap = 2
		m, _, _ := setup(t, limits)
		ctx := context.Background()

		d := mustReserve(t, m, quota.CategoryForecast, false)
		assert.True(t, d.Allowed)
		d = mustReserve(t, m, quota.CategoryActual, false)
		assert.True(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining())

		for _, c := range quota.Categories {
			d = mustReserve(t, m, c, true)
			assert.False(t, d.Allowed)
			assert.Equal(t, quota.ReasonDailyCapReached, d.Reason)
		}

		st, err := m.CurrentStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Count)
	})

	t.Run("MinInterval", func(t *testing.T) {
		m, clk, _ := setup(t, DefaultLimits())
		ctx := context.Background()

		assert.True(t, mustReserve(t, m, quota.CategoryForecast, false).Allowed)

		d := mustReserve(t, m, quota.CategoryForecast, false)
		assert.False(t, d.Allowed)
		assert.Equal(t, quota.ReasonUnderMinInterval, d.Reason)
		AssertTime(t, Start.Add(4*time.Hour), d.NextEligibleAt)

		// Another category has its own cool-down.
		assert.True(t, mustReserve(t, m, quota.CategoryActual, false).Allowed)

		d = mustReserve(t, m, quota.CategoryForecast, true)
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Count)

		clk.Advance(4*time.Hour - time.Second)
		assert.False(t, mustReserve(t, m, quota.CategoryForecast, false).Allowed)

		clk.Advance(time.Second)
		assert.True(t, mustReserve(t, m, quota.CategoryForecast, false).Allowed)

		st, err := m.CurrentStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, st.Count)
	})

	t.Run("DeniedAttemptsDoNotExtendCooldown", func(t *testing.T) {
		m, clk, _ := setup(t, DefaultLimits())

		assert.True(t, mustReserve(t, m, quota.CategoryForecast, false).Allowed)
		for i := 0; i < 3; i++ {
			clk.Advance(time.Hour)
			assert.False(t, mustReserve(t, m, quota.CategoryForecast, false).Allowed)
		}
		clk.Advance(time.Hour)
		assert.True(t, mustReserve(t, m, quota.CategoryForecast, false).Allowed)
	})

	t.Run("BackoffOn429", func(t *testing.T) {
		m, clk, _ := setup(t, DefaultLimits())
		ctx := context.Background()

		require.NoError(t, m.RecordFailure(ctx, quota.CategoryForecast, http.StatusTooManyRequests))

		for _, c := range quota.Categories {
			d := mustReserve(t, m, c, true)
			assert.False(t, d.Allowed)
			assert.Equal(t, quota.ReasonBackoffActive, d.Reason)
			AssertTime(t, Start.Add(6*time.Hour), d.NextEligibleAt)
		}

		st, err := m.CurrentStatus(ctx)
		require.NoError(t, err)
		assert.True(t, st.BackoffActive)
		assert.Equal(t, 0, st.Count)

		clk.Advance(6 * time.Hour)
		assert.True(t, mustReserve(t, m, quota.CategoryActual, false).Allowed)
	})

	t.Run("OtherFailuresDoNotArmBackoff", func(t *testing.T) {
		m, _, _ := setup(t, DefaultLimits())
		ctx := context.Background()

		for _, status := range []int{0, http.StatusInternalServerError, http.StatusUnauthorized, 999} {
			require.NoError(t, m.RecordFailure(ctx, quota.CategoryActual, status))
		}
		assert.True(t, mustReserve(t, m, quota.CategoryActual, false).Allowed)
	})

	t.Run("DayBoundaryReset", func(t *testing.T) {
		berlin, err := clock.LoadLocation("Europe/Berlin")
		require.NoError(t, err)

		limits := DefaultLimits()
		limits.DailyCap = 1
		limits.Location = berlin
		m, clk, _ := setup(t, limits)
		ctx := context.Background()

		first := mustReserve(t, m, quota.CategoryForecast, false)
		require.True(t, first.Allowed)
		// 2025-03-14 is CET (+01:00): the day ends at 23:00 UTC.
		resetAt := time.Date(2025, 3, 14, 23, 0, 0, 0, time.UTC)
		assert.True(t, first.ResetAt.Equal(resetAt), "reset at %s", first.ResetAt)
		assert.Equal(t, "20250314", first.DayKey)

		clk.Set(resetAt.Add(-time.Nanosecond))
		d := mustReserve(t, m, quota.CategoryActual, true)
		assert.False(t, d.Allowed)
		assert.Equal(t, quota.ReasonDailyCapReached, d.Reason)
		AssertTime(t, resetAt, d.NextEligibleAt)

		clk.Set(resetAt)
		d = mustReserve(t, m, quota.CategoryForecast, false)
		assert.True(t, d.Allowed)
		assert.Equal(t, "20250315", d.DayKey)

		st, err := m.CurrentStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Count)
		assert.True(t, st.ResetAt.Equal(resetAt.Add(24*time.Hour)))
	})

	t.Run("ResetClearsBackoffAndTimestamps", func(t *testing.T) {
		m, clk, _ := setup(t, DefaultLimits())
		ctx := context.Background()

		assert.True(t, mustReserve(t, m, quota.CategoryForecast, false).Allowed)
		require.NoError(t, m.RecordSuccess(ctx, quota.CategoryForecast))
		require.NoError(t, m.RecordFailure(ctx, quota.CategoryActual, http.StatusTooManyRequests))

		clk.Set(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))
		st, err := m.CurrentStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Count)
		assert.Nil(t, st.BackoffUntil)
		for _, cs := range st.Categories {
			assert.Nil(t, cs.LastAttemptAt)
			assert.Nil(t, cs.LastSuccessAt)
		}
	})

	t.Run("ConcurrentLastSlot", func(t *testing.T) {
		limits := DefaultLimits()
		limits.DailyCap = 1
		m, _, _ := setup(t, limits)
		ctx := context.Background()

		const callers = 8
		var (
			wg      sync.WaitGroup
			allowed atomic.Int64
			failed  atomic.Int64
			start   = make(chan struct{})
		)

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				c := quota.Categories[i%len(quota.Categories)]
				d, err := m.CheckAndReserve(ctx, c, true)
				if err != nil {
					failed.Add(1)
					return
				}
				if d.Allowed {
					allowed.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.Zero(t, failed.Load())
		assert.Equal(t, int64(1), allowed.Load())

		st, err := m.CurrentStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Count)
	})

	t.Run("StatusIsIdempotent", func(t *testing.T) {
		m, clk, _ := setup(t, DefaultLimits())
		ctx := context.Background()

		assert.True(t, mustReserve(t, m, quota.CategoryActual, false).Allowed)
		require.NoError(t, m.RecordSuccess(ctx, quota.CategoryActual))

		first, err := m.CurrentStatus(ctx)
		require.NoError(t, err)

		clk.Advance(time.Minute)
		for i := 0; i < 3; i++ {
			next, err := m.CurrentStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, first.Count, next.Count)
			assert.Equal(t, first.DayKey, next.DayKey)
			for j, cs := range first.Categories {
				if cs.LastAttemptAt == nil {
					assert.Nil(t, next.Categories[j].LastAttemptAt)
					continue
				}
				AssertTime(t, *cs.LastAttemptAt, next.Categories[j].LastAttemptAt)
			}
		}

		actual := first.Categories[1]
		require.Equal(t, quota.CategoryActual, actual.Category)
		AssertTime(t, Start, actual.LastSuccessAt)
		AssertTime(t, Start.Add(8*time.Hour), actual.NextEligibleAt)
	})

	t.Run("QuotaLog", func(t *testing.T) {
		m, clk, b := setup(t, DefaultLimits())
		ctx := context.Background()

		mustReserve(t, m, quota.CategoryForecast, false)
		mustReserve(t, m, quota.CategoryForecast, false)
		require.NoError(t, m.RecordSuccess(ctx, quota.CategoryForecast))
		require.NoError(t, m.RecordFailure(ctx, quota.CategoryForecast, http.StatusTooManyRequests))
		clk.Advance(24 * time.Hour)
		mustReserve(t, m, quota.CategoryActual, false)

		events, err := b.Recent(ctx, 100)
		require.NoError(t, err)
		require.Len(t, events, 6)

		// Recent is newest first.
		want := []quota.EventType{
			quota.EventReservationAllowed,
			quota.EventReset,
			quota.EventFailure,
			quota.EventSuccess,
			quota.EventReservationDenied,
			quota.EventReservationAllowed,
		}
		for i, e := range events {
			assert.Equal(t, want[i], e.Type, "event %d", i)
		}

		denied := events[4]
		assert.Equal(t, quota.CategoryForecast, denied.Category)
		assert.Equal(t, quota.ReasonUnderMinInterval, denied.Reason)
		AssertTime(t, Start.Add(4*time.Hour), denied.NextEligibleAt)

		failure := events[2]
		assert.Equal(t, http.StatusTooManyRequests, failure.Status)
		AssertTime(t, Start.Add(6*time.Hour), failure.BackoffUntil)

		reset := events[1]
		assert.Empty(t, reset.Category)
		assert.Equal(t, "20250315", reset.DayKey)
		assert.True(t, reset.ResetAt.Equal(time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC)))

		limited, err := b.Recent(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("PruneLogs", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		for day := 0; day < 10; day++ {
			require.NoError(t, b.Append(ctx, quota.Event{
				Type:      quota.EventSuccess,
				Category:  quota.CategoryForecast,
				DayKey:    clock.DayKey(Start.AddDate(0, 0, day), time.UTC),
				ResetAt:   Start.AddDate(0, 0, day+1),
				CreatedAt: Start.AddDate(0, 0, day),
			}))
		}

		now := Start.AddDate(0, 0, 9)

		_, err := quota.PruneLogs(ctx, b, now, -1)
		require.ErrorIs(t, err, quota.ErrInvalidRetention)

		deleted, err := quota.PruneLogs(ctx, b, now, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		deleted, err = quota.PruneLogs(ctx, b, now, 7)
		require.NoError(t, err)
		assert.Zero(t, deleted)

		left, err := b.Recent(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, left, 8)
	})
}

// AssertTime checks that got is set and equal to want.
func AssertTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	if !assert.NotNil(t, got) {
		return
	}
	assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}

func mustReserve(t *testing.T, m *quota.Manager, c quota.Category, force bool) quota.Decision {
	t.Helper()
	d, err := m.CheckAndReserve(context.Background(), c, force)
	require.NoError(t, err)
	return d
}
