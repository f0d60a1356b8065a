// Package remotebatch is a thin client over the external batch-oriented
// language-model API: submit a classification prompt, poll the batch to
// completion, and stream back per-request results. The wire format here is
// illustrative — only the lifecycle contract (CreateBatch/BatchStatus/
// BatchResults) is part of the dispatcher/watcher contract.
package remotebatch

import "time"

// BatchStatus is the lifecycle state of a submitted batch.
type BatchStatus string

const (
	StatusInProgress BatchStatus = "in_progress"
	StatusEnded       BatchStatus = "ended"
	StatusExpired     BatchStatus = "expired"
	StatusCanceled    BatchStatus = "canceled"
)

// ResultKind classifies one entry in a batch's result stream.
type ResultKind string

const (
	ResultSucceeded ResultKind = "succeeded"
	ResultErrored   ResultKind = "errored"
	ResultOther     ResultKind = "other"
)

// ModelParams configures the remote classification call.
type ModelParams struct {
	Model     string
	MaxTokens int
}

// CreateBatchResult is returned by CreateBatch.
type CreateBatchResult struct {
	BatchID   string
	Status    BatchStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// StatusResult is returned by BatchStatus.
type StatusResult struct {
	Status      BatchStatus
	ResultsURL  string
	Succeeded   int
	Errored     int
	Total       int
	CreatedAt   time.Time
	EndedAt     time.Time
}

// ProcessingTime returns ended-minus-created in seconds, or 0 if either
// timestamp is unset.
func (s *StatusResult) ProcessingTime() float64 {
	if s.CreatedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.CreatedAt).Seconds()
}

// Usage reports token counts for a successful result.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ResultEntry is one demultiplexed entry from a batch's result stream,
// correlated back to a task via CustomID (the task's document_id).
type ResultEntry struct {
	CustomID     string
	Kind         ResultKind
	Text         string
	Usage        Usage
	ErrorMessage string
}
