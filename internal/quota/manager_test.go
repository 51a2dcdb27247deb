package quota_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast-quota/internal/quota"
	"forecast-quota/internal/quota/quotatest"
	"forecast-quota/internal/storage/memory"
)

func TestManager_MemoryBackend(t *testing.T) {
	quotatest.Run(t, func(t *testing.T) quotatest.Backend {
		return memory.New()
	})
}

// failingStore fails every update after running fn.
type failingStore struct {
	inner quota.StateStore
	err   error
}

func (s *failingStore) Atomically(ctx context.Context, fn quota.UpdateFunc) error {
	return s.inner.Atomically(ctx, func(st *quota.State) (bool, error) {
		if _, err := fn(st); err != nil {
			return false, err
		}
		return false, s.err
	})
}

// retryingStore calls fn twice per update, like a compare-and-swap store
// that lost its first race.
type retryingStore struct {
	inner *memory.Store
	calls int
}

func (s *retryingStore) Atomically(ctx context.Context, fn quota.UpdateFunc) error {
	return s.inner.Atomically(ctx, func(st *quota.State) (bool, error) {
		s.calls++
		scratch := st.Clone()
		if _, err := fn(&scratch); err != nil {
			return false, err
		}
		s.calls++
		return fn(st)
	})
}

type failingSink struct{ appended int }

func (s *failingSink) Append(_ context.Context, events ...quota.Event) error {
	s.appended += len(events)
	return errors.New("log table unavailable")
}

func TestManager_PersistenceFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection reset")
	mem := memory.New()
	m := quota.NewManager(&failingStore{inner: mem, err: boom}, mem, quotatest.DefaultLimits())

	d, err := m.CheckAndReserve(ctx, quota.CategoryForecast, false)
	require.ErrorIs(t, err, boom)
	assert.False(t, d.Allowed, "a failed reservation must never read as granted")

	require.ErrorIs(t, m.RecordSuccess(ctx, quota.CategoryForecast), boom)
	require.ErrorIs(t, m.RecordFailure(ctx, quota.CategoryForecast, http.StatusTooManyRequests), boom)
	_, err = m.CurrentStatus(ctx)
	require.ErrorIs(t, err, boom)

	assert.False(t, mem.State().Initialized())
	assert.Empty(t, mem.Events(), "nothing is logged for a rolled back decision")
}

func TestManager_SinkFailureKeepsDecision(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	sink := &failingSink{}
	m := quota.NewManager(mem, sink, quotatest.DefaultLimits())

	d, err := m.CheckAndReserve(ctx, quota.CategoryActual, false)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, mem.State().Count)
	assert.Equal(t, 1, sink.appended)
}

func TestManager_RetriedUpdateEmitsOnce(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	store := &retryingStore{inner: mem}
	clk := quotatest.NewClock(quotatest.Start)
	m := quota.NewManager(store, mem, quotatest.DefaultLimits(), quota.WithClock(clk.Now))

	d, err := m.CheckAndReserve(ctx, quota.CategoryForecast, false)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
	assert.Equal(t, 2, store.calls)

	clk.Advance(25 * time.Hour)
	require.NoError(t, m.RecordFailure(ctx, quota.CategoryForecast, http.StatusTooManyRequests))

	events := mem.Events()
	require.Len(t, events, 3)
	assert.Equal(t, quota.EventReservationAllowed, events[0].Type)
	assert.Equal(t, quota.EventReset, events[1].Type)
	assert.Equal(t, quota.EventFailure, events[2].Type)
	assert.Equal(t, 0, mem.State().Count)
}

func TestManager_UnknownCategory(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	m := quota.NewManager(mem, mem, quotatest.DefaultLimits())

	_, err := m.CheckAndReserve(ctx, quota.Category("radiation"), false)
	require.ErrorIs(t, err, quota.ErrUnknownCategory)
	require.ErrorIs(t, m.RecordSuccess(ctx, ""), quota.ErrUnknownCategory)
	require.ErrorIs(t, m.RecordFailure(ctx, "x", 429), quota.ErrUnknownCategory)
	assert.False(t, mem.State().Initialized())
}

func TestManager_DenyDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	clk := quotatest.NewClock(quotatest.Start)
	m := quota.NewManager(mem, mem, quotatest.DefaultLimits(), quota.WithClock(clk.Now))

	_, err := m.CheckAndReserve(ctx, quota.CategoryForecast, false)
	require.NoError(t, err)
	before := mem.State()

	clk.Advance(time.Hour)
	d, err := m.CheckAndReserve(ctx, quota.CategoryForecast, false)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	after := mem.State()
	assert.Equal(t, before.Count, after.Count)
	assert.True(t, before.Forecast.LastAttemptAt.Equal(*after.Forecast.LastAttemptAt))
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestManager_EventsInMemorySink(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	clk := quotatest.NewClock(quotatest.Start)
	limits := quotatest.DefaultLimits()
	limits.DailyCap = 1
	m := quota.NewManager(mem, mem, limits, quota.WithClock(clk.Now))

	_, err := m.CheckAndReserve(ctx, quota.CategoryForecast, false)
	require.NoError(t, err)
	_, err = m.CheckAndReserve(ctx, quota.CategoryActual, false)
	require.NoError(t, err)

	events := mem.Events()
	require.Len(t, events, 2)

	allowed := events[0]
	assert.Equal(t, quota.EventReservationAllowed, allowed.Type)
	assert.Equal(t, 1, allowed.Payload["count"])
	assert.Equal(t, false, allowed.Payload["force"])

	denied := events[1]
	assert.Equal(t, quota.EventReservationDenied, denied.Type)
	assert.Equal(t, quota.CategoryActual, denied.Category)
	assert.Equal(t, quota.ReasonDailyCapReached, denied.Reason)
	quotatest.AssertTime(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), denied.NextEligibleAt)
	assert.Equal(t, "20250314", denied.DayKey)
}

func TestManager_ZeroBackoffDisablesArming(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	limits := quotatest.DefaultLimits()
	limits.Backoff429 = 0
	m := quota.NewManager(mem, mem, limits)

	require.NoError(t, m.RecordFailure(ctx, quota.CategoryForecast, http.StatusTooManyRequests))
	assert.Nil(t, mem.State().BackoffUntil)
}

func TestDecision_String(t *testing.T) {
	next := time.Date(2025, 3, 14, 14, 0, 0, 0, time.UTC)

	allow := quota.Decision{Allowed: true, Category: quota.CategoryForecast, Count: 3, DailyCap: 10}
	assert.Equal(t, "allow forecast (3/10)", allow.String())
	assert.Equal(t, 7, allow.Remaining())

	deny := quota.Decision{Category: quota.CategoryActual, Reason: quota.ReasonUnderMinInterval, NextEligibleAt: &next}
	assert.Equal(t, "deny actual: under_min_interval until 2025-03-14T14:00:00Z", deny.String())
	assert.NotEmpty(t, deny.Reason.Description())
}

func TestParseCategory(t *testing.T) {
	c, err := quota.ParseCategory(" Forecast ")
	require.NoError(t, err)
	assert.Equal(t, quota.CategoryForecast, c)

	_, err = quota.ParseCategory("actuals")
	assert.ErrorIs(t, err, quota.ErrUnknownCategory)
}
