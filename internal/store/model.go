// Package store implements the task and outbox persistence layer on top of
// Redis: per-entity hashes and blobs, state-indexed sorted sets, and the
// atomic pipelines that keep a terminal task transition and its outbox
// enqueue consistent.
package store

import "time"

// TaskState is one position in the task lifecycle.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskInFlight   TaskState = "in_flight"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Task is the persisted unit of classification work.
type Task struct {
	TaskID         string    `json:"task_id"`
	DocumentID     string    `json:"document_id"`
	Prompt         string    `json:"-"`
	CallbackURL    string    `json:"-"`
	CallbackSecret string    `json:"-"`
	State          TaskState `json:"state"`
	BatchID        string    `json:"batch_id,omitempty"`
	Attempts       int       `json:"attempts"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	InputTokens    int       `json:"input_tokens,omitempty"`
	OutputTokens   int       `json:"output_tokens,omitempty"`
	ProcessingTime float64   `json:"processing_time,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OutboxStatus mirrors the terminal task state that produced the message.
type OutboxStatus string

const (
	OutboxCompleted OutboxStatus = "completed"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxMessage is a durable, at-least-once webhook delivery record.
type OutboxMessage struct {
	MessageID   string       `json:"message_id"`
	TaskID      string       `json:"task_id"`
	DocumentID  string       `json:"document_id"`
	Status      OutboxStatus `json:"status"`
	Payload     string       `json:"payload"`
	CallbackURL string       `json:"callback_url"`
	CreatedAt   time.Time    `json:"created_at"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
	RetryCount  int          `json:"retry_count"`
	NextRetryAt time.Time    `json:"next_retry_at"`
	LastError   string       `json:"last_error,omitempty"`
}
