package tasuki

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Tasuki server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Stream ignores the client timeout —
	// streams are bounded by the caller's context instead.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Tasuki run orchestration API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	// streamClient has no timeout; SSE connections stay open until the run
	// finishes or the context is cancelled.
	streamClient *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tasuki: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	streamClient := &http.Client{Transport: httpClient.Transport}

	return &Client{
		baseURL:      baseURL,
		client:       httpClient,
		streamClient: streamClient,
	}, nil
}

// Submit creates a run for an intent. The returned bool is true when a new
// run was created and false when the idempotency key matched an existing
// run, in which case the original run is returned unchanged.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Run, bool, error) {
	var run Run
	status, err := c.post(ctx, "/v1/runs", req, &run)
	if err != nil {
		return nil, false, err
	}
	return &run, status == http.StatusCreated, nil
}

// GetRun retrieves a consistent snapshot of a run, including per-step
// status and the aggregated result so far.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs newest first, optionally filtered.
func (c *Client) ListRuns(ctx context.Context, opts *ListOptions) (*RunList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Intent != "" {
			params.Set("intent", opts.Intent)
		}
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("tasuki: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tasuki: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tasuki: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("tasuki: decode list envelope: %w", err)
	}
	return &RunList{
		Runs:    envelope.Data,
		Total:   envelope.Total,
		HasMore: envelope.HasMore,
		Limit:   envelope.Limit,
		Offset:  envelope.Offset,
	}, nil
}

// Cancel requests cooperative cancellation of a run. The server records the
// request and the run stops at its next step boundary; the snapshot returned
// here may still show the run as running. Cancelling a finished run fails
// with IsConflict.
func (c *Client) Cancel(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var run Run
	if _, err := c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Stream subscribes to live status snapshots for a run and calls fn for
// each one, starting with the current state. Intermediate snapshots may be
// skipped under load, but every delivered snapshot is newer than the last
// and the terminal snapshot always arrives. Stream returns nil when the run
// reaches a terminal status, or the first error from fn.
func (c *Client) Stream(ctx context.Context, runID uuid.UUID, fn func(Run) error) error {
	path := "/v1/runs/" + runID.String() + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tasuki: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("tasuki: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var run Run
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &run); err != nil {
			return fmt.Errorf("tasuki: decode stream snapshot: %w", err)
		}
		if err := fn(run); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("tasuki: read stream: %w", err)
	}
	return nil
}

// Usage retrieves the time-bucketed success/failure rollup for an intent.
func (c *Client) Usage(ctx context.Context, intent string, opts *UsageOptions) (*UsageSummary, error) {
	params := url.Values{}
	params.Set("intent", intent)
	if opts != nil {
		if opts.Window > 0 {
			params.Set("window", opts.Window.String())
		}
		if opts.Buckets > 0 {
			params.Set("buckets", strconv.Itoa(opts.Buckets))
		}
	}

	var summary UsageSummary
	if err := c.get(ctx, "/v1/usage/summary?"+params.Encode(), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's paginated list wrapper.
type listEnvelope struct {
	Data    []Run `json:"data"`
	Total   int   `json:"total"`
	HasMore bool  `json:"has_more"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("tasuki: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("tasuki: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tasuki: POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, handleResponse(resp, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tasuki: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tasuki: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tasuki: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("tasuki: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
