// Package client is the Go SDK for the meterflow API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
)

// Client is a thin HTTP wrapper for the meterflow API.
type Client struct {
	URL        string
	HTTPClient *http.Client
	apiKey     string
	bearer     string
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends the key in X-API-Key on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithBearerToken sends a JWT in the Authorization header on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

// WithH2C switches the transport to HTTP/2 over cleartext, matching the
// server's h2c listener. Useful when many long-lived waits share one
// connection.
func WithH2C() Option {
	return func(c *Client) {
		c.HTTPClient = &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			},
		}
	}
}

// New creates a meterflow client.
func New(apiURL string, opts ...Option) *Client {
	c := &Client{
		URL: apiURL,
		HTTPClient: &http.Client{
			// long enough to cover a waited job end to end
			Timeout: 20 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Job mirrors the API's job representation.
type Job struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Provider       string          `json:"provider"`
	ProviderRef    *string         `json:"provider_ref,omitempty"`
	State          string          `json:"state"`
	IdempotencyKey string          `json:"idempotency_key"`
	Cost           int64           `json:"cost"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ResultURL      *string         `json:"result_url,omitempty"`
	ErrorKind      *string         `json:"error_kind,omitempty"`
	ErrorDetail    *string         `json:"error_detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// JobRequest describes one metered job. A zero IdempotencyKey gets a random
// UUID; to make retries safe, reuse the request after the key is populated.
// A nonzero Deadline caps how long the server polls before the job times out.
type JobRequest struct {
	AccountID      string          `json:"account_id"`
	Provider       string          `json:"provider"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Cost           int64           `json:"cost"`
	Payload        json.RawMessage `json:"payload"`
	Deadline       time.Duration   `json:"-"`
}

// wire is the JSON body for the jobs endpoint: the deadline travels as a Go
// duration string.
func (r *JobRequest) wire(wait bool) interface{} {
	body := struct {
		*JobRequest
		Deadline string `json:"deadline,omitempty"`
		Wait     bool   `json:"wait,omitempty"`
	}{JobRequest: r, Wait: wait}
	if r.Deadline > 0 {
		body.Deadline = r.Deadline.String()
	}
	return body
}

// SubmitResult is the response from an asynchronous submit.
type SubmitResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	Lookup         string `json:"lookup"`
}

// Submit starts a job without waiting for it. Track progress with
// GetJobByKey using the returned idempotency key.
func (c *Client) Submit(ctx context.Context, req *JobRequest) (*SubmitResult, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	var result SubmitResult
	if err := c.post(ctx, "/api/v1/jobs", req.wire(false), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type runResponse struct {
	Job      *Job `json:"job"`
	Replayed bool `json:"replayed"`
}

// Run executes a job and blocks until it settles. On a duplicate idempotency
// key the existing job is returned without running anything.
func (c *Client) Run(ctx context.Context, req *JobRequest) (*Job, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	var result runResponse
	if err := c.post(ctx, "/api/v1/jobs", req.wire(true), &result); err != nil {
		return nil, err
	}
	return result.Job, nil
}

// GetJob returns a job by ID.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/jobs/"+id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobByKey returns a job by its idempotency key.
func (c *Client) GetJobByKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/jobs/key/"+url.PathEscape(key), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered.
func (c *Client) ListJobs(ctx context.Context, accountID, state string, limit int) ([]Job, error) {
	q := url.Values{}
	if accountID != "" {
		q.Set("account_id", accountID)
	}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var result struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// CancelJob stops local polling for an in-flight job and refunds its hold.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.post(ctx, "/api/v1/jobs/"+id+"/cancel", nil, nil)
}

// Account mirrors the API's account representation.
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// GetAccount returns an account by ID. Unknown accounts are an APIError with
// status 404.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(accountID), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Balance returns the account's token balance. Unknown accounts read zero.
func (c *Client) Balance(ctx context.Context, accountID string) (int64, error) {
	var result struct {
		Balance int64 `json:"balance"`
	}
	if err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(accountID)+"/balance", &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// CreditResult is the response from crediting an account.
type CreditResult struct {
	EntryID      string `json:"entry_id"`
	BalanceAfter int64  `json:"balance_after"`
}

// Credit adds tokens to an account.
func (c *Client) Credit(ctx context.Context, accountID string, amount int64, note string) (*CreditResult, error) {
	body := map[string]interface{}{"amount": amount}
	if note != "" {
		body["note"] = note
	}
	var result CreditResult
	if err := c.post(ctx, "/api/v1/accounts/"+url.PathEscape(accountID)+"/credit", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LedgerEntry mirrors the API's ledger entry representation.
type LedgerEntry struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Delta          int64           `json:"delta"`
	Reason         string          `json:"reason"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	BalanceAfter   int64           `json:"balance_after"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Entries returns the account's ledger entries, newest first.
func (c *Client) Entries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	path := "/api/v1/accounts/" + url.PathEscape(accountID) + "/entries"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var result struct {
		Entries []LedgerEntry `json:"entries"`
	}
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// Summary returns aggregated token movement for the period (for example
// "24h"), optionally grouped by "account" or "provider".
func (c *Client) Summary(ctx context.Context, period, groupBy string) (json.RawMessage, error) {
	q := url.Values{}
	if period != "" {
		q.Set("period", period)
	}
	if groupBy != "" {
		q.Set("group_by", groupBy)
	}
	path := "/api/v1/summary"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var result json.RawMessage
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTP helpers

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	return c.doRequest(ctx, http.MethodPost, path, body, result)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var parsed struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(data, &parsed)
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Error
		return apiErr
	}

	if result != nil {
		return json.Unmarshal(data, result)
	}
	return nil
}
