// Package watcher polls in-flight batches to completion and demultiplexes
// their results back into task terminal states and outbox messages.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/idgen"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/metrics"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/remotebatch"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/store"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/webhook"
)

// Config tunes the watcher's polling cadence.
type Config struct {
	CheckInterval  time.Duration
	MaxConcurrency int
}

// DefaultConfig returns the spec's documented default.
func DefaultConfig() Config {
	return Config{CheckInterval: 60 * time.Second, MaxConcurrency: 10}
}

// Watcher runs the in_flight -> completed/failed loop.
type Watcher struct {
	store  *store.Store
	client remotebatch.Client
	cfg    Config

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New builds a Watcher.
func New(st *store.Store, client remotebatch.Client, cfg Config) *Watcher {
	return &Watcher{
		store:  st,
		client: client,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Start launches the poll loop in the background.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.running = true

	w.wg.Add(1)
	go w.loop()
}

// Stop cancels the loop and waits for in-flight batch workers to drain.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	w.runCycle()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.runCycle()
		}
	}
}

func (w *Watcher) runCycle() {
	batchIDs, err := w.inFlightBatchIDs()
	if err != nil {
		log.Error().Err(err).Msg("watcher: failed to enumerate in-flight batches")
		return
	}

	var wg sync.WaitGroup
	for _, batchID := range batchIDs {
		batchID := batchID
		w.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-w.sem; wg.Done() }()
			w.checkBatch(batchID)
		}()
	}
	wg.Wait()
}

// inFlightBatchIDs enumerates distinct batch ids among in_flight tasks.
func (w *Watcher) inFlightBatchIDs() ([]string, error) {
	return w.store.DistinctInFlightBatchIDs(w.ctx)
}

func (w *Watcher) checkBatch(batchID string) {
	status, err := w.client.BatchStatus(w.ctx, batchID)
	if err != nil {
		metrics.WatcherBatchesPolled.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("batch_id", batchID).Msg("watcher: failed to poll batch status")
		return
	}
	metrics.WatcherBatchesPolled.WithLabelValues(string(status.Status)).Inc()

	switch status.Status {
	case remotebatch.StatusEnded:
		w.resolveEnded(batchID, status)
	case remotebatch.StatusExpired, remotebatch.StatusCanceled:
		w.resolveAbandoned(batchID, status)
	default:
		// still in_progress; re-check next cycle.
	}
}

func (w *Watcher) resolveEnded(batchID string, status *remotebatch.StatusResult) {
	tasks, err := w.store.GetByBatch(w.ctx, batchID, 10000)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("watcher: failed to load batch tasks")
		return
	}
	if len(tasks) == 0 {
		return
	}

	resultsCh, err := w.client.BatchResults(w.ctx, batchID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("watcher: failed to open batch results")
		return
	}

	results := make(map[string]remotebatch.ResultEntry, len(tasks))
	for entry := range resultsCh {
		results[entry.CustomID] = entry
	}

	processingTime := status.ProcessingTime()
	seenDocuments := make(map[string]bool, len(tasks))

	for _, t := range tasks {
		if seenDocuments[t.DocumentID] {
			w.failTask(t, "duplicate document id in batch")
			continue
		}
		seenDocuments[t.DocumentID] = true

		entry, ok := results[t.DocumentID]
		if !ok {
			w.failTask(t, fmt.Sprintf("result for document %s not found in batch %s", t.DocumentID, batchID))
			continue
		}

		switch entry.Kind {
		case remotebatch.ResultSucceeded:
			t.Result = entry.Text
			t.InputTokens = entry.Usage.InputTokens
			t.OutputTokens = entry.Usage.OutputTokens
			t.ProcessingTime = processingTime
			w.completeTask(t)
		default:
			msg := entry.ErrorMessage
			if msg == "" {
				msg = "remote classification failed"
			}
			w.failTask(t, msg)
		}
	}
}

// resolveAbandoned handles expired/canceled batches: every task of the
// batch fails rather than being polled forever.
func (w *Watcher) resolveAbandoned(batchID string, status *remotebatch.StatusResult) {
	tasks, err := w.store.GetByBatch(w.ctx, batchID, 10000)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("watcher: failed to load batch tasks")
		return
	}
	for _, t := range tasks {
		w.failTask(t, fmt.Sprintf("batch %s %s before completion", batchID, status.Status))
	}
}

func (w *Watcher) completeTask(t *store.Task) {
	payload, err := webhook.MarshalCompleted(webhook.CompletedPayload{
		Result:         t.Result,
		ProcessingTime: t.ProcessingTime,
		InputTokens:    t.InputTokens,
		OutputTokens:   t.OutputTokens,
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("watcher: failed to marshal completion payload")
		return
	}

	messageID := idgen.New()
	if err := w.store.CompleteTask(w.ctx, store.TaskInFlight, t, messageID, payload); err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("watcher: failed to record task completion")
		return
	}
	metrics.WatcherTasksResolved.WithLabelValues("completed").Inc()
}

func (w *Watcher) failTask(t *store.Task, errMsg string) {
	payload, err := webhook.MarshalFailed(webhook.FailedPayload{Error: errMsg})
	if err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("watcher: failed to marshal failure payload")
		return
	}

	messageID := idgen.New()
	if err := w.store.FailTask(w.ctx, store.TaskInFlight, t, errMsg, messageID, payload); err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("watcher: failed to record task failure")
		return
	}
	metrics.WatcherTasksResolved.WithLabelValues("failed").Inc()
}
