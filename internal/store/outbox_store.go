package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrOutboxMessageNotFound is returned when a message id has no record.
var ErrOutboxMessageNotFound = errors.New("store: outbox message not found")

// baseRetryDelay is the unit backoff step: next_retry_at = now + base * 2^n.
const baseRetryDelay = 60 * time.Second

// maxRetryDelay caps the exponential backoff at 24h.
const maxRetryDelay = 24 * time.Hour

// enqueueOutboxPipe is the shared write issued by CompleteTask/FailTask so
// the terminal task transition and its outbox record land in one pipeline.
// It does not check for an existing record: the fields of a message already
// present under messageID are overwritten. Enqueue checks for one first;
// CompleteTask/FailTask are called with freshly generated ids.
func (s *Store) enqueueOutboxPipe(ctx context.Context, pipe redis.Pipeliner, messageID, taskID, documentID string, status OutboxStatus, payload, callbackURL string, now time.Time) {
	ttl := s.ttl.forOutbox(status)
	score := float64(now.UnixNano())

	pipe.HSetNX(ctx, outboxMessageKey(messageID), "message_id", messageID)
	pipe.HSet(ctx, outboxMessageKey(messageID), map[string]interface{}{
		"task_id":       taskID,
		"document_id":   documentID,
		"status":        string(status),
		"payload":       payload,
		"callback_url":  callbackURL,
		"created_at":    now.Format(time.RFC3339Nano),
		"retry_count":   0,
		"next_retry_at": now.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, outboxMessageKey(messageID), ttl)

	pipe.ZAdd(ctx, outboxPendingKey, redis.Z{Score: score, Member: messageID})
	pipe.SAdd(ctx, outboxByTaskKey(taskID), messageID)
	pipe.Expire(ctx, outboxByTaskKey(taskID), ttl)
	pipe.SAdd(ctx, outboxByDocumentKey(documentID), messageID)
	pipe.Expire(ctx, outboxByDocumentKey(documentID), ttl)
}

// Enqueue writes a standalone outbox message outside of a task transition.
// Returns false without error if messageID already exists (idempotent).
func (s *Store) Enqueue(ctx context.Context, messageID, taskID, documentID string, status OutboxStatus, payload, callbackURL string) (bool, error) {
	exists, err := s.rdb.Exists(ctx, outboxMessageKey(messageID)).Result()
	if err != nil {
		return false, err
	}
	if exists > 0 {
		return false, nil
	}

	now := time.Now().UTC()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.enqueueOutboxPipe(ctx, pipe, messageID, taskID, documentID, status, payload, callbackURL, now)
		return nil
	})
	return err == nil, err
}

// Claim returns up to limit outbox messages whose next_retry_at has passed,
// oldest first.
func (s *Store) Claim(ctx context.Context, limit int, now time.Time) ([]*OutboxMessage, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, outboxPendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixNano(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]*OutboxMessage, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetOutboxMessage(ctx, id)
		if errors.Is(err, ErrOutboxMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// GetOutboxMessage loads a message by id.
func (s *Store) GetOutboxMessage(ctx context.Context, messageID string) (*OutboxMessage, error) {
	fields, err := s.rdb.HGetAll(ctx, outboxMessageKey(messageID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrOutboxMessageNotFound
	}
	return outboxFromHash(messageID, fields), nil
}

func outboxFromHash(messageID string, fields map[string]string) *OutboxMessage {
	m := &OutboxMessage{MessageID: messageID}
	m.TaskID = fields["task_id"]
	m.DocumentID = fields["document_id"]
	m.Status = OutboxStatus(fields["status"])
	m.Payload = fields["payload"]
	m.CallbackURL = fields["callback_url"]
	m.RetryCount, _ = strconv.Atoi(fields["retry_count"])
	m.LastError = fields["last_error"]
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	m.NextRetryAt, _ = time.Parse(time.RFC3339Nano, fields["next_retry_at"])
	if sentAt, ok := fields["sent_at"]; ok && sentAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
			m.SentAt = &parsed
		}
	}
	return m
}

// MarkSent records delivery success. Idempotent: a message already sent
// keeps its original sent_at.
func (s *Store) MarkSent(ctx context.Context, messageID string) error {
	existing, err := s.GetOutboxMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if existing.SentAt != nil {
		return nil
	}

	now := time.Now().UTC()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, outboxMessageKey(messageID), map[string]interface{}{
			"sent_at": now.Format(time.RFC3339Nano),
		})
		pipe.ZRem(ctx, outboxPendingKey, messageID)
		pipe.ZAdd(ctx, outboxSentKey, redis.Z{Score: float64(now.UnixNano()), Member: messageID})
		pipe.Expire(ctx, outboxMessageKey(messageID), s.ttl.Completed)
		return nil
	})
	return err
}

// MarkFailed increments retry_count, recomputes next_retry_at with
// exponential backoff capped at 24h, and records last_error.
func (s *Store) MarkFailed(ctx context.Context, messageID, errMsg string) error {
	existing, err := s.GetOutboxMessage(ctx, messageID)
	if err != nil {
		return err
	}

	// delay is keyed off the number of prior failures (existing.RetryCount),
	// not the post-increment count: the first failure backs off 60s
	// (base*2^0), the second 120s (base*2^1), matching the documented schedule.
	retryCount := existing.RetryCount + 1
	delay := time.Duration(float64(baseRetryDelay) * math.Pow(2, float64(existing.RetryCount)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	nextRetryAt := time.Now().UTC().Add(delay)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, outboxMessageKey(messageID), map[string]interface{}{
			"retry_count":   retryCount,
			"next_retry_at": nextRetryAt.Format(time.RFC3339Nano),
			"last_error":    errMsg,
		})
		pipe.ZAdd(ctx, outboxPendingKey, redis.Z{Score: float64(nextRetryAt.UnixNano()), Member: messageID})
		return nil
	})
	return err
}

// GetMessagesByTask returns all outbox messages recorded for a task.
func (s *Store) GetMessagesByTask(ctx context.Context, taskID string) ([]*OutboxMessage, error) {
	ids, err := s.rdb.SMembers(ctx, outboxByTaskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	messages := make([]*OutboxMessage, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetOutboxMessage(ctx, id)
		if errors.Is(err, ErrOutboxMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// PendingDepth reports the size of the pending outbox queue, for metrics.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, outboxPendingKey).Result()
}

// StateCounts reports the size of each task state queue, for metrics.
func (s *Store) StateCounts(ctx context.Context) (map[TaskState]int64, error) {
	states := []TaskState{TaskPending, TaskProcessing, TaskInFlight, TaskCompleted, TaskFailed}
	counts := make(map[TaskState]int64, len(states))
	for _, state := range states {
		n, err := s.rdb.ZCard(ctx, tasksByStateKey(state)).Result()
		if err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, nil
}
