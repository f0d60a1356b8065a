// Package api is the inbound HTTP surface: submit classification work and
// poll its status. It is a thin collaborator in front of the task
// pipeline, not a first-class subsystem — see the dispatcher, watcher, and
// relay packages for the actual processing loops.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/idgen"
	platformapi "github.com/Egor-Alpy/ktru-classify-relay/internal/platform/api"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/productbatch"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/remotebatch"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/store"
)

// Defaults carries the configured fallback callback target used when a
// request does not supply its own.
type Defaults struct {
	CallbackURL    string
	CallbackSecret string
}

// Handler wires the store, remote batch client, and product-batch grouping
// store into the inbound routes.
type Handler struct {
	store        *store.Store
	client       remotebatch.Client
	products     *productbatch.Store
	promptLoader PromptLoader
	defaults     Defaults
}

// NewHandler builds a Handler.
func NewHandler(st *store.Store, client remotebatch.Client, products *productbatch.Store, promptLoader PromptLoader, defaults Defaults) *Handler {
	return &Handler{store: st, client: client, products: products, promptLoader: promptLoader, defaults: defaults}
}

// Routes mounts the handler's endpoints under r, wrapped in auth.
func (h *Handler) Routes(r chi.Router, apiKey string) {
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(apiKey))
		r.Post("/processing/", h.CreateProcessing)
		r.Get("/processing/{task_id}", h.GetProcessing)
		r.Post("/products/batch", h.CreateProductBatch)
		r.Get("/products/batch/{batch_id}", h.GetProductBatch)
	})
}

type processingRequest struct {
	Text           string `json:"text"`
	DocumentID     string `json:"document_id,omitempty"`
	PromptTemplate string `json:"prompt_template,omitempty"`
	CallbackURL    string `json:"callback_url,omitempty"`
	CallbackSecret string `json:"callback_secret,omitempty"`
}

type processingResponse struct {
	RequestID string  `json:"request_id"`
	BatchID   *string `json:"batch_id"`
}

// CreateProcessing handles POST /processing/.
func (h *Handler) CreateProcessing(w http.ResponseWriter, r *http.Request) {
	var req processingRequest
	if err := platformapi.DecodeJSON(r, &req); err != nil {
		platformapi.WriteBadRequest(w, "invalid request body")
		return
	}

	prompt := req.Text
	if req.PromptTemplate != "" {
		loaded, err := h.promptLoader.Load(req.PromptTemplate)
		if err != nil {
			platformapi.WriteBadRequest(w, err.Error())
			return
		}
		prompt = loaded
	}
	if prompt == "" {
		platformapi.WriteBadRequest(w, "text or prompt_template is required")
		return
	}

	documentID := req.DocumentID
	if documentID == "" {
		documentID = idgen.New()
	}

	callbackURL, callbackSecret := h.resolveCallback(req.CallbackURL, req.CallbackSecret)
	if callbackURL == "" {
		platformapi.WriteBadRequest(w, "callback_url is required and no default is configured")
		return
	}

	task := &store.Task{
		TaskID:         idgen.New(),
		DocumentID:     documentID,
		Prompt:         prompt,
		CallbackURL:    callbackURL,
		CallbackSecret: callbackSecret,
	}
	if err := h.store.CreateTask(r.Context(), task); err != nil {
		platformapi.WriteInternalError(w, "failed to create task")
		return
	}

	platformapi.WriteJSON(w, http.StatusAccepted, processingResponse{
		RequestID: task.TaskID,
		BatchID:   nil,
	})
}

type taskView struct {
	TaskID         string  `json:"task_id"`
	DocumentID     string  `json:"document_id"`
	State          string  `json:"state"`
	BatchID        string  `json:"batch_id,omitempty"`
	BatchStatus    *string `json:"batch_status,omitempty"`
	Attempts       int     `json:"attempts"`
	Result         string  `json:"result,omitempty"`
	Error          string  `json:"error,omitempty"`
	InputTokens    int     `json:"input_tokens,omitempty"`
	OutputTokens   int     `json:"output_tokens,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// GetProcessing handles GET /processing/{task_id}.
func (h *Handler) GetProcessing(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	t, err := h.store.GetTask(r.Context(), taskID, false)
	if err != nil {
		if err == store.ErrTaskNotFound {
			platformapi.WriteNotFound(w, "task not found")
			return
		}
		platformapi.WriteInternalError(w, "failed to load task")
		return
	}

	view := taskToView(t)
	if t.State == store.TaskInFlight && t.BatchID != "" {
		if status, err := h.client.BatchStatus(r.Context(), t.BatchID); err == nil {
			s := string(status.Status)
			view.BatchStatus = &s
		}
	}

	platformapi.WriteJSON(w, http.StatusOK, view)
}

func taskToView(t *store.Task) taskView {
	return taskView{
		TaskID:         t.TaskID,
		DocumentID:     t.DocumentID,
		State:          string(t.State),
		BatchID:        t.BatchID,
		Attempts:       t.Attempts,
		Result:         t.Result,
		Error:          t.Error,
		InputTokens:    t.InputTokens,
		OutputTokens:   t.OutputTokens,
		ProcessingTime: t.ProcessingTime,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

type productItem struct {
	Text       string `json:"text"`
	DocumentID string `json:"document_id,omitempty"`
}

type productsBatchRequest struct {
	Products       []productItem `json:"products"`
	CallbackURL    string        `json:"callback_url,omitempty"`
	CallbackSecret string        `json:"callback_secret,omitempty"`
}

type productsBatchResponse struct {
	BatchID        string `json:"batch_id"`
	Status         string `json:"status"`
	ProductCount   int    `json:"product_count"`
	ProcessedCount int    `json:"processed_count"`
}

// CreateProductBatch handles POST /products/batch.
func (h *Handler) CreateProductBatch(w http.ResponseWriter, r *http.Request) {
	var req productsBatchRequest
	if err := platformapi.DecodeJSON(r, &req); err != nil {
		platformapi.WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.Products) == 0 {
		platformapi.WriteBadRequest(w, "products must not be empty")
		return
	}
	if len(req.Products) > productbatch.MaxProducts {
		platformapi.WriteBadRequest(w, "products exceeds the maximum batch size of 100")
		return
	}

	callbackURL, callbackSecret := h.resolveCallback(req.CallbackURL, req.CallbackSecret)
	if callbackURL == "" {
		platformapi.WriteBadRequest(w, "callback_url is required and no default is configured")
		return
	}

	clientBatchID := idgen.New()
	batch := &productbatch.Batch{
		ClientBatchID: clientBatchID,
		ProductCount:  len(req.Products),
	}
	if err := h.products.Create(r.Context(), batch); err != nil {
		platformapi.WriteInternalError(w, "failed to create product batch")
		return
	}

	for i, p := range req.Products {
		if p.Text == "" {
			platformapi.WriteBadRequest(w, "every product requires text")
			return
		}
		documentID := p.DocumentID
		if documentID == "" {
			documentID = clientBatchID + ":" + strconv.Itoa(i)
		}
		task := &store.Task{
			TaskID:         idgen.New(),
			DocumentID:     documentID,
			Prompt:         p.Text,
			CallbackURL:    callbackURL,
			CallbackSecret: callbackSecret,
		}
		if err := h.store.CreateTask(r.Context(), task); err != nil {
			platformapi.WriteInternalError(w, "failed to create product task")
			return
		}
		if err := h.products.AddTask(r.Context(), clientBatchID, task.TaskID); err != nil {
			platformapi.WriteInternalError(w, "failed to index product task")
			return
		}
	}

	platformapi.WriteJSON(w, http.StatusAccepted, productsBatchResponse{
		BatchID:        clientBatchID,
		Status:         string(productbatch.StatusProcessing),
		ProductCount:   batch.ProductCount,
		ProcessedCount: 0,
	})
}

type productBatchView struct {
	productsBatchResponse
	Products []taskView `json:"products,omitempty"`
}

// GetProductBatch handles GET /products/batch/{batch_id}?include_products=bool.
func (h *Handler) GetProductBatch(w http.ResponseWriter, r *http.Request) {
	clientBatchID := chi.URLParam(r, "batch_id")

	batch, err := h.products.Get(r.Context(), clientBatchID)
	if err != nil {
		if err == productbatch.ErrNotFound {
			platformapi.WriteNotFound(w, "product batch not found")
			return
		}
		platformapi.WriteInternalError(w, "failed to load product batch")
		return
	}

	taskIDs, err := h.products.TaskIDs(r.Context(), clientBatchID)
	if err != nil {
		platformapi.WriteInternalError(w, "failed to load product batch tasks")
		return
	}

	processed, failed := 0, 0
	views := make([]taskView, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := h.store.GetTask(r.Context(), id, false)
		if err != nil {
			continue
		}
		if t.State == store.TaskCompleted || t.State == store.TaskFailed {
			processed++
		}
		if t.State == store.TaskFailed {
			failed++
		}
		views = append(views, taskToView(t))
	}

	status := productbatch.StatusProcessing
	if processed == batch.ProductCount {
		if failed > 0 {
			status = productbatch.StatusFailedPartial
		} else {
			status = productbatch.StatusCompleted
		}
	}
	if status != batch.Status || processed != batch.ProcessedCount {
		_ = h.products.UpdateAggregate(r.Context(), clientBatchID, processed, status)
	}

	resp := productBatchView{
		productsBatchResponse: productsBatchResponse{
			BatchID:        clientBatchID,
			Status:         string(status),
			ProductCount:   batch.ProductCount,
			ProcessedCount: processed,
		},
	}
	if includeProducts, _ := strconv.ParseBool(r.URL.Query().Get("include_products")); includeProducts {
		resp.Products = views
	}

	platformapi.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) resolveCallback(url, secret string) (string, string) {
	if url == "" {
		url = h.defaults.CallbackURL
	}
	if secret == "" {
		secret = h.defaults.CallbackSecret
	}
	return url, secret
}
