package quota

import (
	"time"

	"forecast-quota/internal/clock"
)

// ensureForNow initialises an empty row or resets a stale one in place.
// It reports whether st changed and returns the reset event, if any.
func ensureForNow(st *State, now time.Time, loc *time.Location) (bool, *Event) {
	dayKey := clock.DayKey(now, loc)

	if !st.Initialized() {
		*st = State{
			DayKey:    dayKey,
			ResetAt:   clock.NextResetAt(now, loc),
			UpdatedAt: now,
		}
		return true, nil
	}

	if now.Before(st.ResetAt) && st.DayKey == dayKey {
		return false, nil
	}

	prevKey, prevCount := st.DayKey, st.Count
	*st = State{
		DayKey:    dayKey,
		ResetAt:   clock.NextResetAt(now, loc),
		UpdatedAt: now,
	}

	return true, &Event{
		Type:    EventReset,
		DayKey:  st.DayKey,
		ResetAt: st.ResetAt,
		Payload: map[string]any{
			"previous_day_key": prevKey,
			"previous_count":   prevCount,
		},
		CreatedAt: now,
	}
}
