package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTaskNotFound is returned when a task id has no record, or has expired.
var ErrTaskNotFound = errors.New("store: task not found")

// CreateTask writes a new task in state pending, atomically. TaskID,
// DocumentID, Prompt, CallbackURL and CallbackSecret must be set by the
// caller; CreatedAt/UpdatedAt/State are stamped here.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	t.State = TaskPending
	t.CreatedAt = now
	t.UpdatedAt = now

	ttl := s.ttl.forState(TaskPending)
	score := float64(now.UnixNano())

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(t.TaskID), taskHashFields(t))
		pipe.Expire(ctx, taskKey(t.TaskID), ttl)

		pipe.Set(ctx, taskPromptKey(t.TaskID), t.Prompt, ttl)
		pipe.Set(ctx, taskCallbackURLKey(t.TaskID), t.CallbackURL, ttl)
		pipe.Set(ctx, taskCallbackSecretKey(t.TaskID), t.CallbackSecret, ttl)

		pipe.ZAdd(ctx, tasksByStateKey(TaskPending), redis.Z{Score: score, Member: t.TaskID})
		pipe.ZAdd(ctx, tasksByDocumentKey(t.DocumentID), redis.Z{Score: score, Member: t.TaskID})
		if t.BatchID != "" {
			pipe.ZAdd(ctx, tasksByBatchKey(t.BatchID), redis.Z{Score: score, Member: t.TaskID})
		}
		return nil
	})
	return err
}

func taskHashFields(t *Task) map[string]interface{} {
	return map[string]interface{}{
		"task_id":         t.TaskID,
		"document_id":     t.DocumentID,
		"state":           string(t.State),
		"batch_id":        t.BatchID,
		"attempts":        t.Attempts,
		"input_tokens":    t.InputTokens,
		"output_tokens":   t.OutputTokens,
		"processing_time": t.ProcessingTime,
		"created_at":      t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// GetTask loads a task by id. Prompt is omitted unless includePrompt is set,
// since it may be large and is not needed by most callers.
func (s *Store) GetTask(ctx context.Context, taskID string, includePrompt bool) (*Task, error) {
	fields, err := s.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}

	t := taskFromHash(taskID, fields)

	result, err := s.rdb.Get(ctx, taskResultKey(taskID)).Result()
	if err == nil {
		t.Result = result
	} else if err != redis.Nil {
		return nil, err
	}

	taskErr, err := s.rdb.Get(ctx, taskErrorKey(taskID)).Result()
	if err == nil {
		t.Error = taskErr
	} else if err != redis.Nil {
		return nil, err
	}

	if includePrompt {
		prompt, err := s.rdb.Get(ctx, taskPromptKey(taskID)).Result()
		if err == nil {
			t.Prompt = prompt
		} else if err != redis.Nil {
			return nil, err
		}
	}

	callbackURL, err := s.rdb.Get(ctx, taskCallbackURLKey(taskID)).Result()
	if err == nil {
		t.CallbackURL = callbackURL
	} else if err != redis.Nil {
		return nil, err
	}

	return t, nil
}

func taskFromHash(taskID string, fields map[string]string) *Task {
	t := &Task{TaskID: taskID}
	t.DocumentID = fields["document_id"]
	t.State = TaskState(fields["state"])
	t.BatchID = fields["batch_id"]
	t.Attempts, _ = strconv.Atoi(fields["attempts"])
	t.InputTokens, _ = strconv.Atoi(fields["input_tokens"])
	t.OutputTokens, _ = strconv.Atoi(fields["output_tokens"])
	t.ProcessingTime, _ = strconv.ParseFloat(fields["processing_time"], 64)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return t
}

// GetPending returns the oldest `limit` pending tasks, prompt included.
func (s *Store) GetPending(ctx context.Context, limit int) ([]*Task, error) {
	ids, err := s.rdb.ZRange(ctx, tasksByStateKey(TaskPending), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadTasks(ctx, ids, true)
}

// GetByBatch returns up to `limit` tasks tagged with batchID, in enqueue order.
func (s *Store) GetByBatch(ctx context.Context, batchID string, limit int) ([]*Task, error) {
	ids, err := s.rdb.ZRange(ctx, tasksByBatchKey(batchID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadTasks(ctx, ids, false)
}

func (s *Store) loadTasks(ctx context.Context, ids []string, includePrompt bool) ([]*Task, error) {
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id, includePrompt)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetCallbackSecret loads the signing secret for a task's callback, for the
// relay to HMAC-sign its webhook body without loading the rest of the task.
func (s *Store) GetCallbackSecret(ctx context.Context, taskID string) (string, error) {
	secret, err := s.rdb.Get(ctx, taskCallbackSecretKey(taskID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return secret, err
}

// DistinctInFlightBatchIDs returns the distinct batch_id of every task
// currently in_flight, for the batch watcher's poll cycle.
func (s *Store) DistinctInFlightBatchIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, tasksByStateKey(TaskInFlight), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ids))
	batchIDs := make([]string, 0, len(ids))
	for _, taskID := range ids {
		batchID, err := s.rdb.HGet(ctx, taskKey(taskID), "batch_id").Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		if batchID == "" || seen[batchID] {
			continue
		}
		seen[batchID] = true
		batchIDs = append(batchIDs, batchID)
	}
	return batchIDs, nil
}

// IncrementAttempt atomically increments the submit-attempt counter and
// returns the new value.
func (s *Store) IncrementAttempt(ctx context.Context, taskID string) (int, error) {
	n, err := s.rdb.HIncrBy(ctx, taskKey(taskID), "attempts", 1).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// moveState removes taskID from fromState's set and adds it to toState's,
// updating the hash's state/updated_at fields and refreshing TTL.
func (s *Store) moveState(ctx context.Context, pipe redis.Pipeliner, taskID string, fromState, toState TaskState, now time.Time, extra map[string]interface{}) {
	score := float64(now.UnixNano())
	pipe.ZRem(ctx, tasksByStateKey(fromState), taskID)
	pipe.ZAdd(ctx, tasksByStateKey(toState), redis.Z{Score: score, Member: taskID})

	fields := map[string]interface{}{
		"state":      string(toState),
		"updated_at": now.Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		fields[k] = v
	}
	pipe.HSet(ctx, taskKey(taskID), fields)

	ttl := s.ttl.forState(toState)
	pipe.Expire(ctx, taskKey(taskID), ttl)
	pipe.Expire(ctx, taskPromptKey(taskID), ttl)
	pipe.Expire(ctx, taskCallbackURLKey(taskID), ttl)
	pipe.Expire(ctx, taskCallbackSecretKey(taskID), ttl)
}

// MarkProcessing transitions a claimed task from pending to processing.
func (s *Store) MarkProcessing(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.moveState(ctx, pipe, taskID, TaskPending, TaskProcessing, now, nil)
		return nil
	})
	return err
}

// MarkInFlight transitions a task to in_flight once the remote batch submit
// succeeds, recording and indexing its batch id.
func (s *Store) MarkInFlight(ctx context.Context, taskID, batchID string) error {
	now := time.Now().UTC()
	score := float64(now.UnixNano())
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.moveState(ctx, pipe, taskID, TaskProcessing, TaskInFlight, now, map[string]interface{}{"batch_id": batchID})
		pipe.ZAdd(ctx, tasksByBatchKey(batchID), redis.Z{Score: score, Member: taskID})
		return nil
	})
	return err
}

// RetryPending moves a task back to pending after a retryable submit
// failure; attempts is left as-is (already incremented by the caller).
func (s *Store) RetryPending(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.moveState(ctx, pipe, taskID, TaskProcessing, TaskPending, now, nil)
		return nil
	})
	return err
}

// CompleteTask transitions a task to completed and, in the same pipeline,
// enqueues the matching outbox message — see the Store type's doc comment
// on why these two writes are never exposed as separate calls.
func (s *Store) CompleteTask(ctx context.Context, fromState TaskState, t *Task, outboxMessageID, payload string) error {
	now := time.Now().UTC()
	extra := map[string]interface{}{
		"input_tokens":    t.InputTokens,
		"output_tokens":   t.OutputTokens,
		"processing_time": t.ProcessingTime,
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.moveState(ctx, pipe, t.TaskID, fromState, TaskCompleted, now, extra)
		pipe.Set(ctx, taskResultKey(t.TaskID), t.Result, s.ttl.Completed)
		s.enqueueOutboxPipe(ctx, pipe, outboxMessageID, t.TaskID, t.DocumentID, OutboxCompleted, payload, t.CallbackURL, now)
		return nil
	})
	return err
}

// FailTask transitions a task to failed and enqueues the matching outbox
// message atomically.
func (s *Store) FailTask(ctx context.Context, fromState TaskState, t *Task, errMsg, outboxMessageID, payload string) error {
	now := time.Now().UTC()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.moveState(ctx, pipe, t.TaskID, fromState, TaskFailed, now, nil)
		pipe.Set(ctx, taskErrorKey(t.TaskID), errMsg, s.ttl.Failed)
		s.enqueueOutboxPipe(ctx, pipe, outboxMessageID, t.TaskID, t.DocumentID, OutboxFailed, payload, t.CallbackURL, now)
		return nil
	})
	return err
}
