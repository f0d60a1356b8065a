// Package productbatch groups many single-task classification requests
// submitted together under one caller-visible batch id. It is a thin
// grouping layer on top of the task pipeline: each product still flows
// through TaskStore/Dispatcher/BatchWatcher/Relay unmodified.
package productbatch

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a client batch id has no record.
var ErrNotFound = errors.New("productbatch: not found")

// Status summarizes the aggregate state of a batch's tasks.
type Status string

const (
	StatusProcessing    Status = "processing"
	StatusCompleted     Status = "completed"
	StatusFailedPartial Status = "failed_partial"
)

// Batch is the caller-visible grouping record. Its id is distinct from any
// Task.BatchID assigned by the remote batch API.
type Batch struct {
	ClientBatchID  string
	ProductCount   int
	ProcessedCount int
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MaxProducts is the accepted size cap per batch; the 101st product is
// rejected outright rather than split into a second sub-batch.
const MaxProducts = 100
