// Package leader provides distributed leader election for running the
// outbox relay across more than one instance. Unused unless
// LEADER_ELECTION_ENABLED is set — the dispatcher and batch watcher are
// specified to run as a single instance and never consult this package.
package leader

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config configures Redis-based leader election.
type Config struct {
	InstanceID      string
	LockName        string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns sensible defaults for lockName.
func DefaultConfig(lockName string) *Config {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + time.Now().Format("20060102150405")
	}
	return &Config{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Elector holds a Redis SET NX EX lock and refreshes it while held.
type Elector struct {
	client *redis.Client
	config *Config

	isPrimary        atomic.Bool
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	onBecomeLeader   func()
	onLoseLeadership func()
}

// NewElector creates an elector bound to client.
func NewElector(client *redis.Client, config *Config) *Elector {
	if config == nil {
		config = DefaultConfig("default-leader")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Elector{client: client, config: config, ctx: ctx, cancel: cancel}
}

// OnBecomeLeader registers a callback fired when this instance wins the lock.
func (e *Elector) OnBecomeLeader(fn func()) { e.onBecomeLeader = fn }

// OnLoseLeadership registers a callback fired when a refresh fails.
func (e *Elector) OnLoseLeadership(fn func()) { e.onLoseLeadership = fn }

// Start begins the election loop.
func (e *Elector) Start() {
	e.wg.Add(1)
	go e.loop()
	log.Info().
		Str("instance_id", e.config.InstanceID).
		Str("lock_name", e.config.LockName).
		Dur("ttl", e.config.TTL).
		Msg("leader election started")
}

// Stop ends the election loop and releases the lock if held.
func (e *Elector) Stop() {
	e.cancel()
	e.wg.Wait()
	if e.isPrimary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.release(ctx)
	}
}

// IsPrimary reports whether this instance currently holds the lock.
func (e *Elector) IsPrimary() bool { return e.isPrimary.Load() }

func (e *Elector) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.tryAcquireOrRefresh()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tryAcquireOrRefresh()
		}
	}
}

func (e *Elector) tryAcquireOrRefresh() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	wasPrimary := e.isPrimary.Load()

	if wasPrimary {
		if e.refresh(ctx) {
			return
		}
		e.isPrimary.Store(false)
		log.Warn().Str("instance_id", e.config.InstanceID).Msg("lost leadership, refresh failed")
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
		wasPrimary = false
	}

	if e.tryAcquire(ctx) {
		if !wasPrimary {
			log.Info().Str("instance_id", e.config.InstanceID).Msg("acquired leadership")
			if e.onBecomeLeader != nil {
				e.onBecomeLeader()
			}
		}
		e.isPrimary.Store(true)
	}
}

func (e *Elector) tryAcquire(ctx context.Context) bool {
	ttl := e.config.TTL
	if ttl < time.Second {
		ttl = time.Second
	}

	ok, err := e.client.SetNX(ctx, e.config.LockName, e.config.InstanceID, ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("lock_name", e.config.LockName).Msg("failed to acquire leader lock")
		return false
	}
	if ok {
		return true
	}

	owner, err := e.client.Get(ctx, e.config.LockName).Result()
	if err != nil {
		if err != redis.Nil {
			log.Error().Err(err).Msg("failed to read leader lock owner")
		}
		return false
	}
	if owner == e.config.InstanceID {
		return e.refresh(ctx)
	}
	return false
}

var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (e *Elector) refresh(ctx context.Context) bool {
	ttlSeconds := int(e.config.TTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	result, err := refreshScript.Run(ctx, e.client, []string{e.config.LockName}, e.config.InstanceID, ttlSeconds).Int()
	if err != nil {
		log.Error().Err(err).Msg("failed to refresh leader lock")
		return false
	}
	return result != 0
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (e *Elector) release(ctx context.Context) {
	result, err := releaseScript.Run(ctx, e.client, []string{e.config.LockName}, e.config.InstanceID).Int()
	if err != nil {
		log.Error().Err(err).Msg("failed to release leader lock")
		return
	}
	if result > 0 {
		log.Info().Str("instance_id", e.config.InstanceID).Msg("released leader lock")
	}
	e.isPrimary.Store(false)
}
