// Package fieldsync implements the offline-first synchronization core of a
// situational-awareness field client.
//
// A field client keeps working with stale data when disconnected, queues
// actions taken while offline, and reconciles state once connectivity
// returns, while a persistent push channel delivers live updates.
//
// Usage:
//
//	store := fieldsync.NewStore("/var/lib/fieldsync/cache.db")
//	if err := store.Open(); err != nil { ... }
//	defer store.Close()
//
//	api := fieldsync.NewClient("https://intel.example.com", fieldsync.WithToken(token))
//	monitor := fieldsync.NewConnectivityMonitor(api.Health)
//	cache := fieldsync.NewCacheManager(store, api, monitor, nil)
//	queue := fieldsync.NewSyncQueue(store, api, monitor, nil)
//	inbox := fieldsync.NewAlertInbox(store, queue, nil)
//
//	res, _ := cache.FetchEvents(ctx, "", fieldsync.FetchOptions{Region: "europe"})
//	fmt.Println(res.Source) // "network" online, "cache" offline
package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds every API request.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the intel API over HTTP. It implements ActionSender, so
// the sync queue replays offline actions through it, and its Health method
// serves as the connectivity probe.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger used for degraded-path diagnostics.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates an intel API client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// WebsocketURL returns the push channel endpoint derived from the base URL.
func (c *Client) WebsocketURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if c.token != "" {
		return base + "/ws?token=" + url.QueryEscape(c.token)
	}
	return base + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	return c.doRequestRef(ctx, method, path, body, query, "")
}

// doRequestRef is doRequest plus an optional Idempotency-Key header, set when
// replaying a queued action so the server can drop duplicates.
func (c *Client) doRequestRef(ctx context.Context, method, path string, body any, query map[string]string, ref string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if ref != "" {
		req.Header.Set("Idempotency-Key", ref)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkFailure{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkFailure{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkFailure{Op: method + " " + path, StatusCode: resp.StatusCode}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Read endpoints
// ============================================================================

// FetchEvents reads events from the network. Most callers should go through
// CacheManager.FetchEvents instead, which adds the cache fallback.
func (c *Client) FetchEvents(ctx context.Context, query string, limit int) ([]CachedEvent, error) {
	q := map[string]string{}
	if query != "" {
		q["query"] = query
	}
	if limit > 0 {
		q["limit"] = fmt.Sprintf("%d", limit)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/events", nil, q)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[eventsResponse](data)
	if err != nil {
		return nil, &NetworkFailure{Op: "GET /api/events", Err: err}
	}
	if resp.Error != nil {
		return nil, &NetworkFailure{Op: "GET /api/events", Err: resp.Error}
	}
	return resp.Events, nil
}

// FetchReports reads reports from the network.
func (c *Client) FetchReports(ctx context.Context, limit int) ([]CachedReport, error) {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = fmt.Sprintf("%d", limit)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/reports", nil, q)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[reportsResponse](data)
	if err != nil {
		return nil, &NetworkFailure{Op: "GET /api/reports", Err: err}
	}
	if resp.Error != nil {
		return nil, &NetworkFailure{Op: "GET /api/reports", Err: resp.Error}
	}
	return resp.Reports, nil
}

// Health probes the API; a nil return means the network is reachable.
// ConnectivityMonitor uses it as its probe function.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

// ============================================================================
// Mutating endpoints (ActionSender)
// ============================================================================

// CheckIn posts a field check-in.
func (c *Client) CheckIn(ctx context.Context, action QueuedAction) error {
	_, err := c.doRequestRef(ctx, http.MethodPost, "/api/checkin", action.Payload, nil, action.ClientRef)
	return err
}

// AcknowledgeAlert posts an alert acknowledgment.
func (c *Client) AcknowledgeAlert(ctx context.Context, action QueuedAction) error {
	_, err := c.doRequestRef(ctx, http.MethodPost, "/api/alerts/ack", action.Payload, nil, action.ClientRef)
	return err
}

// RequestReport asks the server to generate a report.
func (c *Client) RequestReport(ctx context.Context, action QueuedAction) error {
	_, err := c.doRequestRef(ctx, http.MethodPost, "/api/reports/request", action.Payload, nil, action.ClientRef)
	return err
}

// UpdateSettings pushes client settings to the server.
func (c *Client) UpdateSettings(ctx context.Context, action QueuedAction) error {
	_, err := c.doRequestRef(ctx, http.MethodPut, "/api/settings", action.Payload, nil, action.ClientRef)
	return err
}

// ============================================================================
// Helpers
// ============================================================================

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
