package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureForNow(t *testing.T) {
	now := time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC)

	t.Run("initialises empty row", func(t *testing.T) {
		var st State
		changed, reset := ensureForNow(&st, now, time.UTC)
		assert.True(t, changed)
		assert.Nil(t, reset)
		assert.Equal(t, "20250701", st.DayKey)
		assert.Equal(t, time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC), st.ResetAt)
	})

	t.Run("fresh row untouched", func(t *testing.T) {
		attempt := now.Add(-time.Hour)
		st := State{DayKey: "20250701", Count: 2, ResetAt: time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)}
		st.Forecast.LastAttemptAt = &attempt

		changed, reset := ensureForNow(&st, now, time.UTC)
		assert.False(t, changed)
		assert.Nil(t, reset)
		assert.Equal(t, 2, st.Count)
		assert.NotNil(t, st.Forecast.LastAttemptAt)
	})

	t.Run("reset at boundary", func(t *testing.T) {
		until := now.Add(time.Hour)
		st := State{DayKey: "20250630", Count: 5, ResetAt: now, BackoffUntil: &until}

		changed, reset := ensureForNow(&st, now, time.UTC)
		assert.True(t, changed)
		require.NotNil(t, reset)
		assert.Equal(t, EventReset, reset.Type)
		assert.Equal(t, "20250701", reset.DayKey)
		assert.Equal(t, "20250630", reset.Payload["previous_day_key"])
		assert.Equal(t, 5, reset.Payload["previous_count"])
		assert.Zero(t, st.Count)
		assert.Nil(t, st.BackoffUntil)
	})

	t.Run("zone change makes day key disagree", func(t *testing.T) {
		tokyo, err := time.LoadLocation("Asia/Tokyo")
		require.NoError(t, err)

		st := State{DayKey: "20250630", Count: 1, ResetAt: now.Add(time.Hour)}
		changed, reset := ensureForNow(&st, now, tokyo)
		assert.True(t, changed)
		require.NotNil(t, reset)
		assert.Equal(t, "20250701", st.DayKey)
		assert.Equal(t, time.Date(2025, 7, 1, 15, 0, 0, 0, time.UTC), st.ResetAt)
	})
}

func TestState_Clone(t *testing.T) {
	ts := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	st := State{DayKey: "20250701", BackoffUntil: &ts}
	st.Actual.LastSuccessAt = &ts

	cp := st.Clone()
	*cp.BackoffUntil = ts.Add(time.Hour)
	*cp.Actual.LastSuccessAt = ts.Add(time.Hour)

	assert.Equal(t, ts, *st.BackoffUntil)
	assert.Equal(t, ts, *st.Actual.LastSuccessAt)
}

func TestState_BackoffActive(t *testing.T) {
	until := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	st := State{BackoffUntil: &until}

	assert.True(t, st.BackoffActive(until.Add(-time.Second)))
	assert.False(t, st.BackoffActive(until))
	assert.False(t, State{}.BackoffActive(until))
}
