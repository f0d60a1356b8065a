//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// testRedisURL mirrors the STORE_URL env convention used by cmd/*, falling
// back to a local default so `go test -tags integration ./...` works against
// a developer's own Redis without any setup.
func testRedisURL() string {
	for _, k := range []string{"TEST_STORE_URL", "STORE_URL"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "redis://localhost:6379/15"
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	opts, err := redis.ParseURL(testRedisURL())
	if err != nil {
		t.Fatalf("invalid test redis url: %v", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s, skipping integration test: %v", testRedisURL(), err)
	}

	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	rdb.FlushDB(context.Background())

	return New(rdb, TTLSchedule{
		Pending:   time.Hour,
		Completed: time.Hour,
		Failed:    time.Hour,
	})
}
