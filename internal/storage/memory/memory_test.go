package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"forecast-quota/internal/quota"
)

func TestStore_Atomically(t *testing.T) {
	ctx := context.Background()

	t.Run("persist", func(t *testing.T) {
		s := New()
		err := s.Atomically(ctx, func(st *quota.State) (bool, error) {
			st.DayKey = "20250101"
			st.Count = 3
			return true, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := s.State().Count; got != 3 {
			t.Errorf("expected count 3, got %d", got)
		}
	})

	t.Run("no persist", func(t *testing.T) {
		s := New()
		_ = s.Atomically(ctx, func(st *quota.State) (bool, error) {
			st.Count = 5
			return false, nil
		})
		if got := s.State().Count; got != 0 {
			t.Errorf("expected untouched row, got count %d", got)
		}
	})

	t.Run("error discards changes", func(t *testing.T) {
		s := New()
		boom := errors.New("boom")
		err := s.Atomically(ctx, func(st *quota.State) (bool, error) {
			st.Count = 7
			return true, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if got := s.State().Count; got != 0 {
			t.Errorf("expected untouched row, got count %d", got)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := New()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		err := s.Atomically(cctx, func(st *quota.State) (bool, error) {
			called = true
			return true, nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if called {
			t.Error("fn must not run on a cancelled context")
		}
	})
}

func TestStore_Log(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	s := New()
	for i := 0; i < 5; i++ {
		_ = s.Append(ctx, quota.Event{
			Type:      quota.EventSuccess,
			CreatedAt: base.Add(time.Duration(i) * 24 * time.Hour),
		})
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 2 || !recent[0].CreatedAt.Equal(base.Add(96*time.Hour)) {
		t.Fatalf("expected newest first, got %+v", recent)
	}

	deleted, err := s.PruneBefore(ctx, base.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
	if got := len(s.Events()); got != 3 {
		t.Errorf("expected 3 kept, got %d", got)
	}
}
