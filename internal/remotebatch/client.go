package remotebatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the RemoteBatchClient contract. A mock implementation
// satisfying this interface is the seam used by dispatcher/watcher tests.
type Client interface {
	CreateBatch(ctx context.Context, customID, prompt string, params ModelParams) (*CreateBatchResult, error)
	BatchStatus(ctx context.Context, batchID string) (*StatusResult, error)
	BatchResults(ctx context.Context, batchID string) (<-chan ResultEntry, error)
}

// HTTPClient is a net/http-based Client for a batch-oriented completion API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient builds a client with the given request timeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type createBatchRequest struct {
	Requests []batchRequestItem `json:"requests"`
}

type batchRequestItem struct {
	CustomID string          `json:"custom_id"`
	Params   batchItemParams `json:"params"`
}

type batchItemParams struct {
	Model     string               `json:"model"`
	MaxTokens int                  `json:"max_tokens"`
	Messages  []map[string]string  `json:"messages"`
}

type createBatchResponse struct {
	ID             string    `json:"id"`
	ProcessingStatus string  `json:"processing_status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CreateBatch submits a single-request batch for customID (the task's
// document_id) with prompt as the user message.
func (c *HTTPClient) CreateBatch(ctx context.Context, customID, prompt string, params ModelParams) (*CreateBatchResult, error) {
	body := createBatchRequest{
		Requests: []batchRequestItem{
			{
				CustomID: customID,
				Params: batchItemParams{
					Model:     params.Model,
					MaxTokens: params.MaxTokens,
					Messages:  []map[string]string{{"role": "user", "content": prompt}},
				},
			},
		},
	}

	var resp createBatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/batches", body, &resp); err != nil {
		return nil, ClassifyError(err)
	}

	return &CreateBatchResult{
		BatchID:   resp.ID,
		Status:    mapStatus(resp.ProcessingStatus),
		CreatedAt: resp.CreatedAt,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

type batchStatusResponse struct {
	ProcessingStatus string    `json:"processing_status"`
	ResultsURL       string    `json:"results_url"`
	CreatedAt        time.Time `json:"created_at"`
	EndedAt          time.Time `json:"ended_at"`
	RequestCounts    struct {
		Succeeded int `json:"succeeded"`
		Errored   int `json:"errored"`
		Total     int `json:"total"`
	} `json:"request_counts"`
}

// BatchStatus polls the remote batch's lifecycle state.
func (c *HTTPClient) BatchStatus(ctx context.Context, batchID string) (*StatusResult, error) {
	var resp batchStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/batches/"+batchID, nil, &resp); err != nil {
		return nil, ClassifyError(err)
	}

	return &StatusResult{
		Status:     mapStatus(resp.ProcessingStatus),
		ResultsURL: resp.ResultsURL,
		Succeeded:  resp.RequestCounts.Succeeded,
		Errored:    resp.RequestCounts.Errored,
		Total:      resp.RequestCounts.Total,
		CreatedAt:  resp.CreatedAt,
		EndedAt:    resp.EndedAt,
	}, nil
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Result   struct {
		Type    string `json:"type"`
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"result"`
}

// BatchResults streams the batch's result entries. The channel is closed
// once the underlying response body is fully consumed; it is not
// restartable, matching the single-pass semantics a real batch results feed
// would have.
func (c *HTTPClient) BatchResults(ctx context.Context, batchID string) (<-chan ResultEntry, error) {
	status, err := c.BatchStatus(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if status.ResultsURL == "" {
		return nil, fmt.Errorf("batch %s has no results url", batchID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, status.ResultsURL, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, ClassifyError(fmt.Errorf("batch results request failed: %d", resp.StatusCode))
	}

	out := make(chan ResultEntry)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var rl resultLine
			if err := json.Unmarshal(line, &rl); err != nil {
				continue
			}
			out <- mapResultLine(rl)
		}
	}()

	return out, nil
}

func mapResultLine(rl resultLine) ResultEntry {
	entry := ResultEntry{CustomID: rl.CustomID}
	switch rl.Result.Type {
	case "succeeded":
		entry.Kind = ResultSucceeded
		for _, c := range rl.Result.Message.Content {
			if c.Type == "text" {
				entry.Text = c.Text
				break
			}
		}
		entry.Usage = Usage{
			InputTokens:  rl.Result.Message.Usage.InputTokens,
			OutputTokens: rl.Result.Message.Usage.OutputTokens,
		}
	case "errored":
		entry.Kind = ResultErrored
		entry.ErrorMessage = rl.Result.Error.Message
	default:
		entry.Kind = ResultOther
	}
	return entry
}

func mapStatus(s string) BatchStatus {
	switch s {
	case "ended":
		return StatusEnded
	case "expired":
		return StatusExpired
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		return StatusInProgress
	}
}

func (c *HTTPClient) setAuth(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("remote batch api error %d: %s: %s", resp.StatusCode, errBody.Error.Type, errBody.Error.Message)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
