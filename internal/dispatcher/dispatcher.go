// Package dispatcher submits pending tasks to the remote batch API and
// advances them to in_flight, processing, or failed.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/idgen"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/metrics"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/remotebatch"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/store"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/webhook"
)

// Config tunes the dispatcher's polling cadence and concurrency.
type Config struct {
	PollInterval         time.Duration
	ClaimBatchSize       int
	MaxAttempts          int
	MaxConcurrentSubmits int
	Model                string
	MaxTokens            int
	// SubmitRateLimit caps submits/sec against the remote API; 0 disables it.
	SubmitRateLimit float64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:         5 * time.Second,
		ClaimBatchSize:       20,
		MaxAttempts:          3,
		MaxConcurrentSubmits: 10,
		Model:                "claude-3-5-sonnet-20241022",
		MaxTokens:            1024,
	}
}

// Dispatcher runs the pending -> processing -> in_flight/failed loop.
type Dispatcher struct {
	store  *store.Store
	client remotebatch.Client
	cfg    Config
	limiter *rate.Limiter

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New builds a Dispatcher.
func New(st *store.Store, client remotebatch.Client, cfg Config) *Dispatcher {
	var limiter *rate.Limiter
	if cfg.SubmitRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRateLimit), cfg.MaxConcurrentSubmits)
	}
	return &Dispatcher{
		store:   st,
		client:  client,
		cfg:     cfg,
		limiter: limiter,
		sem:     make(chan struct{}, cfg.MaxConcurrentSubmits),
	}
}

// Start launches the poll loop in the background.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true

	d.wg.Add(1)
	go d.loop()
}

// Stop cancels the loop and waits for in-flight submit workers to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.runCycle()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runCycle()
		}
	}
}

func (d *Dispatcher) runCycle() {
	d.reportStateGauge()

	tasks, err := d.store.GetPending(d.ctx, d.cfg.ClaimBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("dispatcher: failed to claim pending tasks")
		time.Sleep(d.cfg.PollInterval)
		return
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		d.sem <- struct{}{}
		wg.Add(1)
		metrics.DispatcherActiveSubmits.Inc()
		go func() {
			defer func() {
				<-d.sem
				metrics.DispatcherActiveSubmits.Dec()
				wg.Done()
			}()
			d.processTask(t)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) processTask(t *store.Task) {
	if t.Attempts >= d.cfg.MaxAttempts {
		d.failExhausted(t)
		return
	}

	attempts, err := d.store.IncrementAttempt(d.ctx, t.TaskID)
	if err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("dispatcher: failed to increment attempt")
		return
	}
	t.Attempts = attempts

	if err := d.store.MarkProcessing(d.ctx, t.TaskID); err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("dispatcher: failed to mark processing")
		return
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return
		}
	}

	start := time.Now()
	result, err := d.client.CreateBatch(d.ctx, t.DocumentID, t.Prompt, remotebatch.ModelParams{
		Model:     d.cfg.Model,
		MaxTokens: d.cfg.MaxTokens,
	})
	duration := time.Since(start)

	if err != nil {
		batchErr := remotebatch.ClassifyError(err)
		metrics.DispatcherSubmitDuration.WithLabelValues("error").Observe(duration.Seconds())

		if batchErr.Retryable && attempts < d.cfg.MaxAttempts {
			metrics.DispatcherTasksSubmitted.WithLabelValues("retry").Inc()
			if err := d.store.RetryPending(d.ctx, t.TaskID); err != nil {
				log.Error().Err(err).Str("task_id", t.TaskID).Msg("dispatcher: failed to requeue task")
			}
			return
		}

		metrics.DispatcherTasksSubmitted.WithLabelValues("failed").Inc()
		d.failTask(t, store.TaskProcessing, batchErr.Error())
		return
	}

	metrics.DispatcherSubmitDuration.WithLabelValues("success").Observe(duration.Seconds())
	metrics.DispatcherTasksSubmitted.WithLabelValues("success").Inc()

	if err := d.store.MarkInFlight(d.ctx, t.TaskID, result.BatchID); err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Str("batch_id", result.BatchID).Msg("dispatcher: failed to mark in_flight")
	}
}

// reportStateGauge refreshes the per-state task gauge once per poll cycle.
// Cheap relative to the cycle's own work and gives operators a live queue
// depth without each binary needing its own separate metrics poller.
func (d *Dispatcher) reportStateGauge() {
	counts, err := d.store.StateCounts(d.ctx)
	if err != nil {
		log.Warn().Err(err).Msg("dispatcher: failed to refresh task state gauge")
		return
	}
	for state, n := range counts {
		metrics.TasksByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (d *Dispatcher) failExhausted(t *store.Task) {
	d.failTask(t, store.TaskPending, "maximum attempts exceeded")
}

func (d *Dispatcher) failTask(t *store.Task, fromState store.TaskState, errMsg string) {
	payload, err := webhook.MarshalFailed(webhook.FailedPayload{Error: errMsg})
	if err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("dispatcher: failed to marshal failure payload")
		return
	}

	messageID := idgen.New()
	if err := d.store.FailTask(d.ctx, fromState, t, errMsg, messageID, payload); err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("dispatcher: failed to record task failure")
		return
	}

	log.Info().Str("task_id", t.TaskID).Str("error", errMsg).Msg("dispatcher: task failed")
}
