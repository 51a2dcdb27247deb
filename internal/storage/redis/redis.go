// Package redis stores the quota row and log in Redis.
//
// The row is a JSON string updated with WATCH/MULTI/EXEC; a lost race re-runs
// the update against the fresh value. The log is a sorted set scored by
// creation time in milliseconds.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"forecast-quota/internal/quota"
)

const (
	defaultKeyPrefix  = "forecast-quota:"
	defaultMaxRetries = 50
	// Kept past ResetAt so an idle row still produces its reset event.
	stateGrace = 48 * time.Hour
)

// ErrContention is returned when an update keeps losing the optimistic race.
var ErrContention = errors.New("redis: too much contention on quota row")

type Store struct {
	client     redis.UniversalClient
	keyPrefix  string
	maxRetries int
}

var (
	_ quota.StateStore  = (*Store)(nil)
	_ quota.EventSink   = (*Store)(nil)
	_ quota.EventPruner = (*Store)(nil)
	_ quota.EventReader = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the key prefix (default "forecast-quota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithMaxRetries bounds how often a conflicting update is re-run.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  defaultKeyPrefix,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func (s *Store) stateKey() string { return s.keyPrefix + "state" }
func (s *Store) logKey() string   { return s.keyPrefix + "log" }
func (s *Store) seqKey() string   { return s.keyPrefix + "log:seq" }

func (s *Store) Atomically(ctx context.Context, fn quota.UpdateFunc) error {
	key := s.stateKey()

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			st, err := loadState(ctx, tx, key)
			if err != nil {
				return err
			}

			persist, err := fn(&st)
			if err != nil {
				return err
			}
			if !persist {
				return nil
			}

			data, err := json.Marshal(st)
			if err != nil {
				return fmt.Errorf("redis: encode quota row: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, stateTTL(st))
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

func loadState(ctx context.Context, tx *redis.Tx, key string) (quota.State, error) {
	var st quota.State

	raw, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("redis: load quota row: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("redis: decode quota row: %w", err)
	}
	return st, nil
}

// stateTTL is measured from the row's own UpdatedAt so it never depends on
// the server clock agreeing with ours.
func stateTTL(st quota.State) time.Duration {
	ttl := st.ResetAt.Sub(st.UpdatedAt)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + stateGrace
}

func (s *Store) Append(ctx context.Context, events ...quota.Event) error {
	if len(events) == 0 {
		return nil
	}

	last, err := s.client.IncrBy(ctx, s.seqKey(), int64(len(events))).Result()
	if err != nil {
		return fmt.Errorf("redis: reserve log sequence: %w", err)
	}
	first := last - int64(len(events)) + 1

	members := make([]redis.Z, 0, len(events))
	for i, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redis: encode log entry: %w", err)
		}
		members = append(members, redis.Z{
			Score:  float64(e.CreatedAt.UnixMilli()),
			Member: fmt.Sprintf("%020d:%s", first+int64(i), data),
		})
	}

	if err := s.client.ZAdd(ctx, s.logKey(), members...).Err(); err != nil {
		return fmt.Errorf("redis: append log: %w", err)
	}
	return nil
}

func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	n, err := s.client.ZRemRangeByScore(ctx, s.logKey(), "-inf", upper).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: prune log: %w", err)
	}
	return n, nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]quota.Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	members, err := s.client.ZRevRange(ctx, s.logKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read log: %w", err)
	}

	events := make([]quota.Event, 0, len(members))
	for _, m := range members {
		_, data, ok := strings.Cut(m, ":")
		if !ok {
			return nil, fmt.Errorf("redis: malformed log entry %q", m)
		}
		var e quota.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("redis: decode log entry: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
