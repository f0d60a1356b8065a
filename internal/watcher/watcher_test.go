//go:build integration

package watcher

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Egor-Alpy/ktru-classify-relay/internal/remotebatch"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/store"
)

// fakeClient is a hand-rolled double for remotebatch.Client, programmed per
// test with a fixed batch status and result stream.
type fakeClient struct {
	status  *remotebatch.StatusResult
	results []remotebatch.ResultEntry
}

func (f *fakeClient) CreateBatch(ctx context.Context, customID, prompt string, params remotebatch.ModelParams) (*remotebatch.CreateBatchResult, error) {
	return nil, errors.New("not used by watcher tests")
}

func (f *fakeClient) BatchStatus(ctx context.Context, batchID string) (*remotebatch.StatusResult, error) {
	return f.status, nil
}

func (f *fakeClient) BatchResults(ctx context.Context, batchID string) (<-chan remotebatch.ResultEntry, error) {
	ch := make(chan remotebatch.ResultEntry, len(f.results))
	for _, r := range f.results {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func testRedisURL() string {
	for _, k := range []string{"TEST_STORE_URL", "STORE_URL"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "redis://localhost:6379/15"
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	opts, err := redis.ParseURL(testRedisURL())
	require.NoError(t, err)
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable, skipping: %v", err)
	}
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	rdb.FlushDB(context.Background())

	return store.New(rdb, store.TTLSchedule{Pending: time.Hour, Completed: time.Hour, Failed: time.Hour})
}

func inFlightTask(t *testing.T, st *store.Store, taskID, documentID, batchID string) {
	t.Helper()
	ctx := t.Context()
	task := &store.Task{TaskID: taskID, DocumentID: documentID, CallbackURL: "https://example.com/cb"}
	require.NoError(t, st.CreateTask(ctx, task))
	require.NoError(t, st.MarkProcessing(ctx, taskID))
	require.NoError(t, st.MarkInFlight(ctx, taskID, batchID))
}

func TestWatcher_EndedBatchCompletesSucceededTasks(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()
	inFlightTask(t, st, "t1", "doc1", "batch1")

	client := &fakeClient{
		status: &remotebatch.StatusResult{Status: remotebatch.StatusEnded, CreatedAt: time.Now().Add(-time.Minute), EndedAt: time.Now()},
		results: []remotebatch.ResultEntry{
			{CustomID: "doc1", Kind: remotebatch.ResultSucceeded, Text: "classified: widget", Usage: remotebatch.Usage{InputTokens: 5, OutputTokens: 10}},
		},
	}

	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	w := New(st, client, cfg)
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		got, err := st.GetTask(ctx, "t1", false)
		return err == nil && got.State == store.TaskCompleted
	}, time.Second, 10*time.Millisecond)

	got, err := st.GetTask(ctx, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, "classified: widget", got.Result)
	assert.Equal(t, 10, got.OutputTokens)
}

func TestWatcher_MissingResultFailsWithFormattedMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()
	inFlightTask(t, st, "t2", "doc2", "batch2")

	client := &fakeClient{
		status:  &remotebatch.StatusResult{Status: remotebatch.StatusEnded},
		results: nil,
	}

	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	w := New(st, client, cfg)
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		got, err := st.GetTask(ctx, "t2", false)
		return err == nil && got.State == store.TaskFailed
	}, time.Second, 10*time.Millisecond)

	got, err := st.GetTask(ctx, "t2", false)
	require.NoError(t, err)
	assert.Equal(t, "result for document doc2 not found in batch batch2", got.Error)
}

func TestWatcher_DuplicateDocumentIDFailsSecondOccurrence(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()
	inFlightTask(t, st, "t3a", "dup-doc", "batch3")
	inFlightTask(t, st, "t3b", "dup-doc", "batch3")

	client := &fakeClient{
		status: &remotebatch.StatusResult{Status: remotebatch.StatusEnded},
		results: []remotebatch.ResultEntry{
			{CustomID: "dup-doc", Kind: remotebatch.ResultSucceeded, Text: "ok"},
		},
	}

	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	w := New(st, client, cfg)
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		a, errA := st.GetTask(ctx, "t3a", false)
		b, errB := st.GetTask(ctx, "t3b", false)
		return errA == nil && errB == nil && a.State != store.TaskInFlight && b.State != store.TaskInFlight
	}, time.Second, 10*time.Millisecond)

	a, err := st.GetTask(ctx, "t3a", false)
	require.NoError(t, err)
	b, err := st.GetTask(ctx, "t3b", false)
	require.NoError(t, err)

	states := map[store.TaskState]bool{a.State: true, b.State: true}
	assert.True(t, states[store.TaskCompleted])
	assert.True(t, states[store.TaskFailed])

	failed := a
	if a.State != store.TaskFailed {
		failed = b
	}
	assert.Equal(t, "duplicate document id in batch", failed.Error)
}

func TestWatcher_ExpiredBatchFailsAllTasksImmediately(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()
	inFlightTask(t, st, "t4", "doc4", "batch4")

	client := &fakeClient{status: &remotebatch.StatusResult{Status: remotebatch.StatusExpired}}

	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	w := New(st, client, cfg)
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		got, err := st.GetTask(ctx, "t4", false)
		return err == nil && got.State == store.TaskFailed
	}, time.Second, 10*time.Millisecond)

	got, err := st.GetTask(ctx, "t4", false)
	require.NoError(t, err)
	assert.Equal(t, "batch batch4 expired before completion", got.Error)
}

func TestWatcher_CanceledBatchFailsAllTasks(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()
	inFlightTask(t, st, "t5", "doc5", "batch5")

	client := &fakeClient{status: &remotebatch.StatusResult{Status: remotebatch.StatusCanceled}}

	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	w := New(st, client, cfg)
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		got, err := st.GetTask(ctx, "t5", false)
		return err == nil && got.State == store.TaskFailed
	}, time.Second, 10*time.Millisecond)

	got, err := st.GetTask(ctx, "t5", false)
	require.NoError(t, err)
	assert.Equal(t, "batch batch5 canceled before completion", got.Error)
}

func TestWatcher_StillInProgressLeavesTaskUntouched(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()
	inFlightTask(t, st, "t6", "doc6", "batch6")

	client := &fakeClient{status: &remotebatch.StatusResult{Status: remotebatch.StatusInProgress}}

	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	w := New(st, client, cfg)
	w.Start()
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	got, err := st.GetTask(ctx, "t6", false)
	require.NoError(t, err)
	assert.Equal(t, store.TaskInFlight, got.State)
}
