// Package relay drains the outbox with exponential backoff, signs each
// payload, and delivers it to the task's callback URL over HTTP.
package relay

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/metrics"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/store"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/webhook"
)

// Config tunes the relay's polling cadence and delivery concurrency.
type Config struct {
	PollInterval        time.Duration
	ClaimBatchSize      int
	MaxConcurrentSends  int
	RequestTimeout      time.Duration
	CircuitBreakerEnabled bool
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:          5 * time.Second,
		ClaimBatchSize:        50,
		MaxConcurrentSends:    10,
		RequestTimeout:        300 * time.Second,
		CircuitBreakerEnabled: true,
	}
}

// Relay runs the outbox drain loop.
type Relay struct {
	store  *store.Store
	cfg    Config
	client *http.Client

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	breakers map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex
}

// New builds a Relay.
func New(st *store.Store, cfg Config) *Relay {
	return &Relay{
		store: st,
		cfg:   cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
		sem:      make(chan struct{}, cfg.MaxConcurrentSends),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Start launches the drain loop in the background.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true

	r.wg.Add(1)
	go r.loop()
}

// Stop cancels the loop and waits for in-flight delivery workers to drain.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

func (r *Relay) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.runCycle()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runCycle()
		}
	}
}

func (r *Relay) runCycle() {
	messages, err := r.store.Claim(r.ctx, r.cfg.ClaimBatchSize, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("relay: failed to claim outbox messages")
		time.Sleep(r.cfg.PollInterval)
		return
	}

	if depth, err := r.store.PendingDepth(r.ctx); err == nil {
		metrics.OutboxPendingDepth.Set(float64(depth))
	}

	var wg sync.WaitGroup
	for _, m := range messages {
		m := m
		r.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-r.sem; wg.Done() }()
			r.deliver(m)
		}()
	}
	wg.Wait()
}

func (r *Relay) deliver(m *store.OutboxMessage) {
	body, err := webhook.BuildBody(m)
	if err != nil {
		log.Error().Err(err).Str("message_id", m.MessageID).Msg("relay: failed to build webhook body")
		r.markFailed(m, "failed to build webhook body")
		return
	}

	secret, err := r.store.GetCallbackSecret(r.ctx, m.TaskID)
	if err != nil {
		log.Error().Err(err).Str("message_id", m.MessageID).Msg("relay: failed to load callback secret")
		r.markFailed(m, "failed to load callback secret")
		return
	}
	signature := webhook.Sign(secret, body)

	host := hostOf(m.CallbackURL)
	breaker := r.breakerFor(host)

	start := time.Now()
	_, err = breaker.Execute(func() (interface{}, error) {
		return nil, r.post(m.CallbackURL, body, signature)
	})
	duration := time.Since(start)

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.RelayDeliveries.WithLabelValues("circuit_open").Inc()
			r.markFailed(m, "circuit breaker open for "+host)
			return
		}
		metrics.RelayDeliveries.WithLabelValues("retry").Inc()
		metrics.RelayDeliveryDuration.WithLabelValues("retry").Observe(duration.Seconds())
		r.markFailed(m, err.Error())
		return
	}

	metrics.RelayDeliveries.WithLabelValues("sent").Inc()
	metrics.RelayDeliveryDuration.WithLabelValues("sent").Observe(duration.Seconds())
	if err := r.store.MarkSent(r.ctx, m.MessageID); err != nil {
		log.Error().Err(err).Str("message_id", m.MessageID).Msg("relay: failed to mark message sent")
	}
}

// post sends one signed webhook attempt. The request timeout is jittered
// 0.8x-1.2x the configured timeout so that many simultaneously retried
// messages don't all time out in lockstep.
func (r *Relay) post(callbackURL string, body []byte, signature string) error {
	jitter := 0.8 + rand.Float64()*0.4
	timeout := time.Duration(float64(r.cfg.RequestTimeout) * jitter)

	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errStatus(resp.StatusCode)
	}
	return nil
}

func (r *Relay) markFailed(m *store.OutboxMessage, errMsg string) {
	if err := r.store.MarkFailed(r.ctx, m.MessageID, errMsg); err != nil {
		log.Error().Err(err).Str("message_id", m.MessageID).Msg("relay: failed to record delivery failure")
	}
}

func (r *Relay) breakerFor(host string) *gobreaker.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()

	if b, ok := r.breakers[host]; ok {
		return b
	}

	if !r.cfg.CircuitBreakerEnabled {
		b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			ReadyToTrip: func(gobreaker.Counts) bool { return false },
		})
		r.breakers[host] = b
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("host", name).Str("from", from.String()).Str("to", to.String()).Msg("relay: circuit breaker state changed")
			var value float64
			switch to {
			case gobreaker.StateOpen:
				value = metrics.CircuitBreakerOpen
				metrics.RelayCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				value = metrics.CircuitBreakerHalfOpen
			default:
				value = metrics.CircuitBreakerClosed
			}
			metrics.RelayCircuitBreakerState.WithLabelValues(name).Set(value)
		},
	})
	r.breakers[host] = b
	return b
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

type errStatus int

func (e errStatus) Error() string {
	return "webhook delivery received non-2xx status " + httpStatusText(int(e))
}

func httpStatusText(code int) string {
	return http.StatusText(code)
}
