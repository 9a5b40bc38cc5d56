// Package listen is a thin HTTP client for the listen-engine pipeline API.
package listen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the pipeline REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	busyTries  uint
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithBusyRetries retries cancel calls answered with 423 up to tries times.
func WithBusyRetries(tries uint) Option {
	return func(c *Client) {
		c.busyTries = tries
	}
}

// CreatePipeline is the payload accepted by POST /api/v1/pipelines.
//
// Steps are passed through verbatim so callers can build them with any JSON
// encoder; see the server documentation for the step schema.
type CreatePipeline struct {
	ID            string            `json:"id,omitempty"`
	UserID        string            `json:"user_id"`
	Steps         []json.RawMessage `json:"steps"`
	FailurePolicy string            `json:"failure_policy,omitempty"`
}

// Step is the client side view of a pipeline step.
type Step struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	NextSteps    []string        `json:"next_steps"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	SubmissionID string          `json:"submission_id,omitempty"`
	Order        json.RawMessage `json:"order"`
	Conditions   json.RawMessage `json:"conditions"`
	Transaction  json.RawMessage `json:"transaction,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Pipeline is the client side view of a pipeline.
type Pipeline struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Status        string           `json:"status"`
	FailurePolicy string           `json:"failure_policy"`
	CurrentSteps  []string         `json:"current_steps"`
	Steps         map[string]*Step `json:"steps"`
	Cancelled     bool             `json:"cancelled,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Terminal reports whether the pipeline will not change any more.
func (p *Pipeline) Terminal() bool {
	switch p.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Stats mirrors GET /api/v1/pipelines/stats.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListQuery filters list and stats calls. Zero values are omitted.
type ListQuery struct {
	UserID       string
	Statuses     []string
	Limit        int
	Offset       int
	UpdatedSince time.Time
	UpdatedUntil time.Time
	Ascending    bool
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if q.UserID != "" {
		v.Set("user_id", q.UserID)
	}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if !q.UpdatedSince.IsZero() {
		v.Set("updated_since", strconv.FormatInt(q.UpdatedSince.Unix(), 10))
	}
	if !q.UpdatedUntil.IsZero() {
		v.Set("updated_until", strconv.FormatInt(q.UpdatedUntil.Unix(), 10))
	}
	if q.Ascending {
		v.Set("order", "asc")
	}
	return v
}

// APIError represents a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("listen api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("listen api error (%d): %s", e.StatusCode, e.Message)
}

// IsBusy reports whether err is a PIPELINE_BUSY answer.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusLocked
}

// NewClient instantiates a client for the pipeline API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreatePipeline submits a new pipeline.
func (c *Client) CreatePipeline(ctx context.Context, req CreatePipeline) (*Pipeline, error) {
	var p Pipeline
	if err := c.send(ctx, http.MethodPost, "/api/v1/pipelines", nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPipeline fetches a pipeline by id.
func (c *Client) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	var p Pipeline
	if err := c.send(ctx, http.MethodGet, "/api/v1/pipelines/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPipelines returns one page of pipelines.
func (c *Client) ListPipelines(ctx context.Context, q ListQuery) ([]*Pipeline, error) {
	var page struct {
		Pipelines []*Pipeline `json:"pipelines"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/pipelines", q.values(), nil, &page); err != nil {
		return nil, err
	}
	return page.Pipelines, nil
}

// Stats returns per-status counts.
func (c *Client) Stats(ctx context.Context, q ListQuery) (Stats, error) {
	var stats Stats
	if err := c.send(ctx, http.MethodGet, "/api/v1/pipelines/stats", q.values(), nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// GetStep fetches a single step.
func (c *Client) GetStep(ctx context.Context, pipelineID, stepID string) (*Step, error) {
	var step Step
	endpoint := "/api/v1/pipelines/" + url.PathEscape(pipelineID) + "/steps/" + url.PathEscape(stepID)
	if err := c.send(ctx, http.MethodGet, endpoint, nil, nil, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

// CancelPipeline cancels every pending step of the pipeline.
func (c *Client) CancelPipeline(ctx context.Context, id string) (*Pipeline, error) {
	return c.cancel(ctx, "/api/v1/pipelines/"+url.PathEscape(id)+"/cancel")
}

// CancelStep cancels a pending step and all of its descendants.
func (c *Client) CancelStep(ctx context.Context, pipelineID, stepID string) (*Pipeline, error) {
	return c.cancel(ctx, "/api/v1/pipelines/"+url.PathEscape(pipelineID)+"/steps/"+url.PathEscape(stepID)+"/cancel")
}

func (c *Client) cancel(ctx context.Context, endpoint string) (*Pipeline, error) {
	operation := func() (*Pipeline, error) {
		var p Pipeline
		err := c.send(ctx, http.MethodPost, endpoint, nil, nil, &p)
		if err != nil {
			if IsBusy(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return &p, nil
	}
	if c.busyTries == 0 {
		p, err := operation()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Unwrap()
		}
		return p, err
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.busyTries+1),
	)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
