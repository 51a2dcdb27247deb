// Package memory keeps the quota row and log in process memory.
// It serialises callers with a mutex, so it is only correct within one process.
package memory

import (
	"context"
	"sync"
	"time"

	"forecast-quota/internal/quota"
)

type Store struct {
	mu    sync.Mutex
	state quota.State

	logMu  sync.RWMutex
	events []quota.Event
}

var (
	_ quota.StateStore  = (*Store)(nil)
	_ quota.EventSink   = (*Store)(nil)
	_ quota.EventPruner = (*Store)(nil)
	_ quota.EventReader = (*Store)(nil)
)

func New() *Store {
	return &Store{}
}

func (s *Store) Atomically(ctx context.Context, fn quota.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state.Clone()
	persist, err := fn(&st)
	if err != nil {
		return err
	}
	if persist {
		s.state = st
	}
	return nil
}

// State returns a copy of the stored row.
func (s *Store) State() quota.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Store) Append(_ context.Context, events ...quota.Event) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Events returns every entry in append order.
func (s *Store) Events() []quota.Event {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	list := make([]quota.Event, len(s.events))
	copy(list, s.events)
	return list
}

func (s *Store) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, e := range s.events {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

func (s *Store) Recent(_ context.Context, limit int) ([]quota.Event, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}
	list := make([]quota.Event, 0, n)
	for i := len(s.events) - 1; i >= 0 && len(list) < n; i-- {
		list = append(list, s.events[i])
	}
	return list, nil
}

func (s *Store) Close() error {
	return nil
}
