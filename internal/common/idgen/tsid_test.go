package idgen

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_ReturnsThirteenCharCrockfordBase32(t *testing.T) {
	id := New()
	assert.Len(t, id, 13)
	for _, r := range id {
		assert.Contains(t, alphabet, string(r))
	}
}

func TestGenerator_UniqueUnderConcurrency(t *testing.T) {
	g := NewGenerator()

	const n = 500
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = g.New()
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id generated: %s", id)
		seen[id] = true
	}
}

func TestGenerator_CounterPathProducesDistinctIDs(t *testing.T) {
	g := NewGenerator()

	// Pin lastTime to the current bucket and call New() twice without letting
	// the clock advance, forcing both calls down the same-millisecond
	// counter-increment branch.
	now := time.Now().UnixMilli() - epoch
	g.lastTime = now

	first := g.New()
	g.mu.Lock()
	g.lastTime = now
	g.mu.Unlock()
	second := g.New()

	assert.NotEqual(t, first, second)
}
