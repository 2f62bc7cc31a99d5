// Package supabase talks to a hosted Supabase project over plain HTTP: the
// auth admin API, the PostgREST tabular API and the SQL execution endpoint.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"portalsetup.org/internal/obs"
	"portalsetup.org/internal/provision"
)

const (
	DefaultTimeout  = 30 * time.Second
	defaultPageSize = 50
	maxPages        = 1000
	maxBodyBytes    = 1 << 20
	maxErrorBody    = 4 << 10
)

var _ provision.Backend = (*Client)(nil)

// Client implements provision.Backend with raw HTTP calls.
type Client struct {
	baseURL    *url.URL
	serviceKey string
	publicKey  string
	http       *http.Client
	limiter    *rate.Limiter
	tables     provision.Tables
	pageSize   int
}

// Option configures Client.
type Option func(*Client)

// WithPublicKey sets the restricted key used for role descriptor reads.
// Without it every call uses the service key.
func WithPublicKey(key string) Option {
	return func(c *Client) { c.publicKey = strings.TrimSpace(key) }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit paces outgoing calls. Calls wait for a token; nothing is
// retried.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) {
		if r > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(r, burst)
		}
	}
}

// WithTables overrides the role and assignment table names.
func WithTables(t provision.Tables) Option {
	return func(c *Client) {
		if t.Roles != "" {
			c.tables.Roles = t.Roles
		}
		if t.Assignments != "" {
			c.tables.Assignments = t.Assignments
		}
	}
}

// WithPageSize sets how many accounts are requested per admin list page.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New constructs a Client for the project at baseURL. An empty service key is
// accepted here; the orchestrator reports it before any call is made.
func New(baseURL, serviceKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("supabase: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("supabase: url %q must be absolute http(s)", baseURL)
	}
	c := &Client{
		baseURL:    u,
		serviceKey: strings.TrimSpace(serviceKey),
		http:       &http.Client{Timeout: DefaultTimeout},
		tables:     provision.DefaultTables(),
		pageSize:   defaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the project URL the client talks to.
func (c *Client) BaseURL() string { return c.baseURL.String() }

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	key    string
	body   any
	header map[string]string
}

type response struct {
	status int
	body   []byte
}

func (r response) ok(accepted ...int) bool {
	for _, s := range accepted {
		if r.status == s {
			return true
		}
	}
	return false
}

func (r response) fail(op string) *provision.ExternalCallError {
	return &provision.ExternalCallError{Op: op, Status: r.status, Body: truncate(r.body)}
}

func (c *Client) do(ctx context.Context, req request) (response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return response{}, &provision.ExternalCallError{Op: req.op, Err: err}
		}
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + req.path
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return response{}, fmt.Errorf("supabase: marshal %s: %w", req.op, err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return response{}, fmt.Errorf("supabase: build %s: %w", req.op, err)
	}
	key := req.key
	if key == "" {
		key = c.serviceKey
	}
	httpReq.Header.Set("apikey", key)
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.header {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		obs.ObserveRequest(req.op, 0, time.Since(start))
		return response{}, &provision.ExternalCallError{Op: req.op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	obs.ObserveRequest(req.op, resp.StatusCode, time.Since(start))
	if err != nil {
		return response{}, &provision.ExternalCallError{Op: req.op, Status: resp.StatusCode, Err: err}
	}
	return response{status: resp.StatusCode, body: data}, nil
}

func decode(op string, r response, v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return &provision.ExternalCallError{
			Op:     op,
			Status: r.status,
			Body:   truncate(r.body),
			Err:    fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
