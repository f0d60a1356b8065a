//go:build integration

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Egor-Alpy/ktru-classify-relay/internal/productbatch"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/remotebatch"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/store"
)

type stubRemoteClient struct{}

func (stubRemoteClient) CreateBatch(ctx context.Context, customID, prompt string, params remotebatch.ModelParams) (*remotebatch.CreateBatchResult, error) {
	return nil, nil
}
func (stubRemoteClient) BatchStatus(ctx context.Context, batchID string) (*remotebatch.StatusResult, error) {
	return &remotebatch.StatusResult{Status: remotebatch.StatusInProgress}, nil
}
func (stubRemoteClient) BatchResults(ctx context.Context, batchID string) (<-chan remotebatch.ResultEntry, error) {
	return nil, nil
}

func testRedisURL() string {
	for _, k := range []string{"TEST_STORE_URL", "STORE_URL"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "redis://localhost:6379/15"
}

func newTestHandler(t *testing.T) *Handler {
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

	st := store.New(rdb, store.TTLSchedule{Pending: time.Hour, Completed: time.Hour, Failed: time.Hour})
	products := productbatch.New(rdb, time.Hour)

	return NewHandler(st, stubRemoteClient{}, products, NotImplementedPromptLoader{}, Defaults{
		CallbackURL:    "https://default.example.com/cb",
		CallbackSecret: "default-secret",
	})
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.Routes(r, "test-key")
	return r
}

func TestCreateProcessing_RequiresAuth(t *testing.T) {
	h := newTestHandler(t)
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/processing/", strings.NewReader(`{"text":"hi"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateProcessing_RequiresTextOrTemplate(t *testing.T) {
	h := newTestHandler(t)
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/processing/", strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateProcessing_UsesDefaultCallbackWhenOmitted(t *testing.T) {
	h := newTestHandler(t)
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/processing/", strings.NewReader(`{"text":"classify me"}`))
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp processingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
}

func TestGetProcessing_NotFound(t *testing.T) {
	h := newTestHandler(t)
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/processing/does-not-exist", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetProcessing_RoundTrip(t *testing.T) {
	h := newTestHandler(t)
	router := newRouter(h)

	createReq := httptest.NewRequest(http.MethodPost, "/processing/", strings.NewReader(`{"text":"classify me","document_id":"doc-123"}`))
	createReq.Header.Set("X-API-Key", "test-key")
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusAccepted, createRec.Code)

	var created processingResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	getReq := httptest.NewRequest(http.MethodGet, "/processing/"+created.RequestID, nil)
	getReq.Header.Set("X-API-Key", "test-key")
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var view taskView
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &view))
	assert.Equal(t, "doc-123", view.DocumentID)
	assert.Equal(t, "pending", view.State)
}

func productsPayload(n int) []byte {
	products := make([]productItem, n)
	for i := range products {
		products[i] = productItem{Text: "product text"}
	}
	body, _ := json.Marshal(productsBatchRequest{Products: products})
	return body
}

func TestCreateProductBatch_AcceptsExactlyMaxProducts(t *testing.T) {
	h := newTestHandler(t)
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/products/batch", bytes.NewReader(productsPayload(productbatch.MaxProducts)))
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateProductBatch_RejectsOverMaxProducts(t *testing.T) {
	h := newTestHandler(t)
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/products/batch", bytes.NewReader(productsPayload(productbatch.MaxProducts+1)))
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateProductBatch_RejectsEmptyProducts(t *testing.T) {
	h := newTestHandler(t)
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/products/batch", strings.NewReader(`{"products":[]}`))
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProductBatch_RoundTrip(t *testing.T) {
	h := newTestHandler(t)
	router := newRouter(h)

	createReq := httptest.NewRequest(http.MethodPost, "/products/batch", bytes.NewReader(productsPayload(2)))
	createReq.Header.Set("X-API-Key", "test-key")
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusAccepted, createRec.Code)

	var created productsBatchResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	assert.Equal(t, 2, created.ProductCount)

	getReq := httptest.NewRequest(http.MethodGet, "/products/batch/"+created.BatchID+"?include_products=true", nil)
	getReq.Header.Set("X-API-Key", "test-key")
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var view productBatchView
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &view))
	assert.Equal(t, 2, view.ProductCount)
	assert.Len(t, view.Products, 2)
}
