package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast-quota/internal/forecast"
	"forecast-quota/internal/quota"
	"forecast-quota/internal/quota/quotatest"
	"forecast-quota/internal/storage/memory"
)

type mockExecutor struct {
	calls  int
	result forecast.Result
	err    error
}

func (m *mockExecutor) Execute(ctx context.Context) (forecast.Result, error) {
	m.calls++
	return m.result, m.err
}

type mockSender struct {
	sent [][]string
	err  error
}

func (m *mockSender) Send(ctx context.Context, messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	m.sent = append(m.sent, messages)
	return m.err
}

type brokenAdmitter struct {
	limits quota.Limits
}

func (b brokenAdmitter) CheckAndReserve(context.Context, quota.Category, bool) (quota.Decision, error) {
	return quota.Decision{}, errors.New("connection refused")
}
func (b brokenAdmitter) RecordSuccess(context.Context, quota.Category) error { return nil }
func (b brokenAdmitter) RecordFailure(context.Context, quota.Category, int) error {
	return nil
}
func (b brokenAdmitter) Limits() quota.Limits { return b.limits }

func setup(t *testing.T) (*quota.Manager, *memory.Store, *quotatest.Clock) {
	t.Helper()
	mem := memory.New()
	clk := quotatest.NewClock(quotatest.Start)
	return quota.NewManager(mem, mem, quotatest.DefaultLimits(), quota.WithClock(clk.Now)), mem, clk
}

func TestRunner_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("executes and records success", func(t *testing.T) {
		m, mem, _ := setup(t)
		exec := &mockExecutor{result: forecast.Result{
			Category: quota.CategoryForecast,
			Periods:  make([]forecast.Period, 48),
		}}
		var handled int
		r := NewRunner(m, map[quota.Category]forecast.Executor{quota.CategoryForecast: exec},
			WithHandler(HandlerFunc(func(_ context.Context, res forecast.Result) error {
				handled = len(res.Periods)
				return nil
			})))

		out := r.Run(ctx, quota.CategoryForecast, false)
		assert.Equal(t, StatusExecuted, out.Status)
		assert.Equal(t, 48, out.Periods)
		assert.Equal(t, 48, handled)
		assert.Equal(t, 1, exec.calls)
		assert.NoError(t, out.Err)

		st := mem.State()
		assert.Equal(t, 1, st.Count)
		quotatest.AssertTime(t, quotatest.Start, st.Forecast.LastSuccessAt)
	})

	t.Run("skips without calling upstream", func(t *testing.T) {
		m, _, _ := setup(t)
		exec := &mockExecutor{}
		r := NewRunner(m, map[quota.Category]forecast.Executor{quota.CategoryActual: exec})

		require.Equal(t, StatusExecuted, r.Run(ctx, quota.CategoryActual, false).Status)

		out := r.Run(ctx, quota.CategoryActual, false)
		assert.Equal(t, StatusSkipped, out.Status)
		assert.Equal(t, quota.ReasonUnderMinInterval, out.Decision.Reason)
		assert.Contains(t, out.Message, "minimum interval")
		assert.Contains(t, out.Message, "2025-03-14T18:00:00Z")
		assert.Equal(t, 1, exec.calls)
	})

	t.Run("429 arms back-off and notifies", func(t *testing.T) {
		m, mem, _ := setup(t)
		exec := &mockExecutor{err: &forecast.APIError{StatusCode: http.StatusTooManyRequests}}
		notifier := &mockSender{}
		r := NewRunner(m, map[quota.Category]forecast.Executor{
			quota.CategoryForecast: exec,
			quota.CategoryActual:   &mockExecutor{},
		}, WithNotifier(notifier))

		out := r.Run(ctx, quota.CategoryForecast, false)
		assert.Equal(t, StatusFailed, out.Status)
		assert.Equal(t, http.StatusTooManyRequests, out.HTTPStatus)
		quotatest.AssertTime(t, quotatest.Start.Add(6*time.Hour), mem.State().BackoffUntil)
		require.Len(t, notifier.sent, 1)
		assert.Contains(t, notifier.sent[0][0], "6h0m0s")

		out = r.Run(ctx, quota.CategoryActual, true)
		assert.Equal(t, StatusSkipped, out.Status)
		assert.Equal(t, quota.ReasonBackoffActive, out.Decision.Reason)
	})

	t.Run("other failures do not notify", func(t *testing.T) {
		m, mem, _ := setup(t)
		notifier := &mockSender{}
		exec := &mockExecutor{err: &forecast.APIError{StatusCode: http.StatusBadGateway}}
		r := NewRunner(m, map[quota.Category]forecast.Executor{quota.CategoryActual: exec}, WithNotifier(notifier))

		out := r.Run(ctx, quota.CategoryActual, false)
		assert.Equal(t, StatusFailed, out.Status)
		assert.Equal(t, http.StatusBadGateway, out.HTTPStatus)
		assert.Nil(t, mem.State().BackoffUntil)
		assert.Empty(t, notifier.sent)
		// The failed attempt still consumed its slot.
		assert.Equal(t, 1, mem.State().Count)
	})

	t.Run("storage failure never calls upstream", func(t *testing.T) {
		exec := &mockExecutor{}
		r := NewRunner(brokenAdmitter{limits: quotatest.DefaultLimits()},
			map[quota.Category]forecast.Executor{quota.CategoryForecast: exec})

		out := r.Run(ctx, quota.CategoryForecast, true)
		assert.Equal(t, StatusFailed, out.Status)
		assert.Equal(t, "quota storage unavailable", out.Message)
		assert.Error(t, out.Err)
		assert.Zero(t, exec.calls)
	})

	t.Run("unknown category", func(t *testing.T) {
		m, mem, _ := setup(t)
		r := NewRunner(m, nil)

		out := r.Run(ctx, quota.Category("radiation"), false)
		assert.Equal(t, StatusFailed, out.Status)
		assert.ErrorIs(t, out.Err, quota.ErrUnknownCategory)
		assert.False(t, mem.State().Initialized())
	})

	t.Run("notifier error is not fatal", func(t *testing.T) {
		m, _, _ := setup(t)
		exec := &mockExecutor{err: errors.New("upstream said 429 Too Many Requests")}
		notifier := &mockSender{err: errors.New("telegram down")}
		r := NewRunner(m, map[quota.Category]forecast.Executor{quota.CategoryForecast: exec}, WithNotifier(notifier))

		out := r.Run(ctx, quota.CategoryForecast, false)
		assert.Equal(t, StatusFailed, out.Status)
		assert.Equal(t, http.StatusTooManyRequests, out.HTTPStatus)
		assert.Len(t, notifier.sent, 1)
	})
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"api error", &forecast.APIError{StatusCode: http.StatusUnauthorized}, http.StatusUnauthorized},
		{"wrapped api error", fmt.Errorf("fetch: %w", &forecast.APIError{StatusCode: 503}), 503},
		{"429 in message", errors.New("rate limited (429)"), http.StatusTooManyRequests},
		{"plain error", errors.New("connection reset"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}
