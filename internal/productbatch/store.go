package productbatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func batchKey(id string) string      { return fmt.Sprintf("productbatch:%s", id) }
func batchTasksKey(id string) string { return fmt.Sprintf("productbatch:tasks:%s", id) }

// Store persists ProductBatch records and their task membership.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Store around an existing Redis client. ttl matches the
// pending task TTL, since a batch record outlives its own use once every
// task under it has resolved.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Create writes a new batch record in status processing.
func (s *Store) Create(ctx context.Context, b *Batch) error {
	now := time.Now().UTC()
	b.Status = StatusProcessing
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, batchKey(b.ClientBatchID), map[string]interface{}{
			"client_batch_id": b.ClientBatchID,
			"product_count":   b.ProductCount,
			"status":          string(b.Status),
			"created_at":      now.Format(time.RFC3339Nano),
			"updated_at":      now.Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, batchKey(b.ClientBatchID), s.ttl)
		return nil
	})
	return err
}

// AddTask indexes taskID under clientBatchID's task membership set.
func (s *Store) AddTask(ctx context.Context, clientBatchID, taskID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, batchTasksKey(clientBatchID), taskID)
		pipe.Expire(ctx, batchTasksKey(clientBatchID), s.ttl)
		return nil
	})
	return err
}

// TaskIDs returns every task id registered under clientBatchID.
func (s *Store) TaskIDs(ctx context.Context, clientBatchID string) ([]string, error) {
	return s.rdb.SMembers(ctx, batchTasksKey(clientBatchID)).Result()
}

// Get loads a batch record. ProcessedCount/Status are the values last
// cached by UpdateAggregate (or set by Create); callers that need current
// figures recompute them by scanning TaskIDs.
func (s *Store) Get(ctx context.Context, clientBatchID string) (*Batch, error) {
	fields, err := s.rdb.HGetAll(ctx, batchKey(clientBatchID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	b := &Batch{ClientBatchID: clientBatchID}
	b.ProductCount, _ = strconv.Atoi(fields["product_count"])
	b.ProcessedCount, _ = strconv.Atoi(fields["processed_count"])
	b.Status = Status(fields["status"])
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return b, nil
}

// UpdateAggregate persists a freshly recomputed processed_count/status,
// caching what would otherwise be rescanned on every GET.
func (s *Store) UpdateAggregate(ctx context.Context, clientBatchID string, processedCount int, status Status) error {
	return s.rdb.HSet(ctx, batchKey(clientBatchID), map[string]interface{}{
		"processed_count": processedCount,
		"status":          string(status),
		"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}
