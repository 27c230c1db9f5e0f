// Package backend provides the HTTP client for the inference service that
// emits security logs and hosts the secure-computation endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lvonguyen/medguard/internal/session"
)

const maxResponseSize = 16 * 1024 * 1024

// ErrUnauthorized is returned when the service rejects the session token.
var ErrUnauthorized = errors.New("backend rejected session token")

// ServiceError is a failure reported by the service itself, either as an
// {ok:false,error} envelope or as a non-2xx status.
type ServiceError struct {
	Status int
	Reason string
}

func (e *ServiceError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("service returned status %d", e.Status)
}

// Config holds client settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HealthPath string
}

// Stats tracks client activity.
type Stats struct {
	Requests     int64
	Failures     int64
	LastSuccess  time.Time
	LastFailure  time.Time
	Unauthorized int64
}

// Client talks to the inference service. Each call is a single request with
// no internal retry.
type Client struct {
	config     Config
	httpClient *http.Client
	session    *session.Session
	mu         sync.RWMutex
	stats      Stats
}

type envelope struct {
	OK    *bool  `json:"ok"`
	Error string `json:"error"`
}

// NewClient creates a client. sess may be nil, in which case requests are
// sent without credentials.
func NewClient(cfg Config, sess *session.Session) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		session:    sess,
	}, nil
}

// Get performs a GET and returns the raw response body of a 2xx reply.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// GetJSON performs a GET and decodes an {ok:...} envelope into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return DecodeEnvelope(body, out)
}

// PostJSON encodes in, performs a POST and decodes an {ok:...} envelope into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return err
	}
	return DecodeEnvelope(body, out)
}

// HealthCheck verifies the service answers its health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, c.config.HealthPath, nil, nil)
	if err != nil {
		return fmt.Errorf("backend health check failed: %w", err)
	}
	if err := DecodeEnvelope(body, nil); err != nil {
		return fmt.Errorf("backend health check failed: %w", err)
	}
	return nil
}

// Stats returns current client statistics.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// DecodeEnvelope checks the ok flag of a JSON object and decodes it into out.
// A body whose ok field is false yields a *ServiceError carrying the error text.
func DecodeEnvelope(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.OK != nil && !*env.OK {
		return &ServiceError{Status: http.StatusOK, Reason: env.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, query, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure(false)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.recordFailure(false)
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.recordFailure(true)
		if c.session != nil {
			c.session.Clear()
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.recordFailure(false)
		var env envelope
		_ = json.Unmarshal(body, &env)
		return nil, &ServiceError{Status: resp.StatusCode, Reason: env.Error}
	}

	c.mu.Lock()
	c.stats.Requests++
	c.stats.LastSuccess = time.Now()
	c.mu.Unlock()

	return body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, payload []byte) (*http.Request, error) {
	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "MedGuard/1.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.session != nil {
		if token, err := c.session.Token(); err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return req, nil
}

func (c *Client) recordFailure(unauthorized bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Requests++
	c.stats.Failures++
	c.stats.LastFailure = time.Now()
	if unauthorized {
		c.stats.Unauthorized++
	}
}
