package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient parses a redis:// URL and returns a connected client.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// TTLSchedule holds the three TTLs applied as a task or outbox message moves
// through pending/completed/failed.
type TTLSchedule struct {
	Pending   time.Duration
	Completed time.Duration
	Failed    time.Duration
}

func (t TTLSchedule) forState(state TaskState) time.Duration {
	switch state {
	case TaskCompleted:
		return t.Completed
	case TaskFailed:
		return t.Failed
	default:
		return t.Pending
	}
}

func (t TTLSchedule) forOutbox(status OutboxStatus) time.Duration {
	if status == OutboxCompleted {
		return t.Completed
	}
	return t.Failed
}

// Store is the Redis-backed TaskStore + OutboxStore. The two are combined
// into one type, rather than kept as separate interfaces, so that a terminal
// task transition and its outbox enqueue can be issued as a single atomic
// pipeline — see the "Atomic grouping" guidance this store implements.
type Store struct {
	rdb *redis.Client
	ttl TTLSchedule
}

// New constructs a Store around an existing Redis client.
func New(rdb *redis.Client, ttl TTLSchedule) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Ping verifies connectivity, for use as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}
