package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// apiClient is the shared HTTP plumbing for provider adapters: JSON bodies,
// an API-key header, and classification of failures into TransportError so
// the retry policy can act on them.
type apiClient struct {
	name      string
	baseURL   string
	apiKey    string
	keyHeader string
	http      *http.Client
}

func newAPIClient(name string, cfg Config) *apiClient {
	keyHeader := cfg.KeyHeader
	if keyHeader == "" {
		keyHeader = "Authorization"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{
		name:      name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		keyHeader: keyHeader,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) postJSON(ctx context.Context, path string, body interface{}) (int, []byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
}

func (c *apiClient) getJSON(ctx context.Context, url string) (int, []byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// do returns the response status and body. Network-level failures and
// retryable HTTP statuses come back as *TransportError; other statuses are
// returned as data for the adapter to interpret.
func (c *apiClient) do(ctx context.Context, method, url string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		if c.keyHeader == "Authorization" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		} else {
			req.Header.Set(c.keyHeader, c.apiKey)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Provider: c.name, Op: method + " " + url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{Provider: c.name, Op: "read response", Err: err}
	}

	switch resp.StatusCode {
	case 429, 502, 503, 504:
		te := &TransportError{Provider: c.name, Op: method + " " + url, StatusCode: resp.StatusCode}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs > 0 {
				te.RetryAfter = secs
			}
		}
		return resp.StatusCode, data, te
	}
	return resp.StatusCode, data, nil
}

func (c *apiClient) statusURL(ref *JobRef, fallbackPath string) string {
	if ref.StatusURL != "" {
		return ref.StatusURL
	}
	return c.baseURL + fallbackPath
}

// trimBody keeps provider error bodies log- and response-sized.
func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}
