// Package apiclient wraps outbound calls to the remote order API.
//
// Every call carries the current bearer credential, refreshing it first when
// it is about to expire. Failures are classified into auth, network and api
// kinds and reported to a FailureTracker (the degraded-mode controller):
//
//   - auth (401/403/422): the credential is refreshed once and the request
//     retried once, unless the tracker reports the failure threshold tripped
//   - network (no response, timeout): never retried
//   - api (any other non-2xx): returned verbatim
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fruithappens/coffeecue/pkg/credential"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds every outbound request.
	DefaultTimeout = 5 * time.Second

	maxResponseBytes = 4 << 20
	tracerName       = "github.com/fruithappens/coffeecue/pkg/apiclient"
)

// Credentials is the part of the credential store the client needs.
type Credentials interface {
	Current(ctx context.Context) (*credential.Credential, error)
	IsExpiringSoon(ctx context.Context) bool
	Refresh(ctx context.Context) (*credential.Credential, error)
}

// FailureTracker receives the outcome of every call.
type FailureTracker interface {
	// RecordAuthFailure counts an auth failure and reports whether the
	// failure threshold has been reached.
	RecordAuthFailure(ctx context.Context) bool
	RecordNetworkFailure(ctx context.Context)
	RecordSuccess(ctx context.Context)
}

type nopTracker struct{}

func (nopTracker) RecordAuthFailure(context.Context) bool { return false }
func (nopTracker) RecordNetworkFailure(context.Context)    {}
func (nopTracker) RecordSuccess(context.Context)           {}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // Default: 5s
	HTTPClient *http.Client  // Default: a new client without its own timeout
	Tracer     trace.Tracer  // Default: global otel provider
}

// Response is a successful (2xx) API response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Client issues credentialed requests against the order API.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	tracer     trace.Tracer
	creds      Credentials

	mu      sync.RWMutex
	tracker FailureTracker
}

// New creates a client. The tracker defaults to a no-op until SetTracker is
// called.
func New(cfg Config, creds Credentials) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		tracer:     cfg.Tracer,
		creds:      creds,
		tracker:    nopTracker{},
	}
}

// SetTracker installs the failure tracker. The degraded-mode controller both
// probes through the client and tracks its failures, so it is attached after
// construction.
func (c *Client) SetTracker(t FailureTracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == nil {
		t = nopTracker{}
	}
	c.tracker = t
}

func (c *Client) getTracker() FailureTracker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call sends a request and returns the 2xx response, or a *RequestError.
// body, when non-nil, is sent as JSON.
func (c *Client) Call(ctx context.Context, method, endpoint string, body any) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "apiclient.Call", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("api.endpoint", endpoint),
	))
	defer span.End()

	resp, err := c.call(ctx, method, endpoint, body)
	if err != nil {
		span.SetAttributes(attribute.String("api.error_kind", string(err.Kind)))
		if err.Status != 0 {
			span.SetAttributes(attribute.Int("http.status_code", err.Status))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(err.Kind))
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return resp, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, body any) (*Response, *RequestError) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &RequestError{Kind: KindAPI, Method: method, Endpoint: endpoint,
				Message: "failed to encode request body", Err: err}
		}
		payload = data
	}

	if c.creds.IsExpiringSoon(ctx) {
		if _, err := c.creds.Refresh(ctx); err != nil {
			log.Printf("[APIClient] Proactive refresh failed, sending with current credential: %v", err)
		}
	}

	tracker := c.getTracker()

	resp, rerr := c.send(ctx, method, endpoint, payload)
	if rerr == nil {
		tracker.RecordSuccess(ctx)
		return resp, nil
	}

	switch rerr.Kind {
	case KindNetwork:
		tracker.RecordNetworkFailure(ctx)
		return nil, rerr
	case KindAPI:
		return nil, rerr
	}

	if tracker.RecordAuthFailure(ctx) {
		return nil, rerr
	}
	if _, err := c.creds.Refresh(ctx); err != nil {
		log.Printf("[APIClient] %s %s rejected (status %d) and refresh failed: %v",
			method, endpoint, rerr.Status, err)
		return nil, rerr
	}

	// One retry with the refreshed credential
	resp, rerr = c.send(ctx, method, endpoint, payload)
	if rerr == nil {
		tracker.RecordSuccess(ctx)
		return resp, nil
	}
	switch rerr.Kind {
	case KindAuth:
		tracker.RecordAuthFailure(ctx)
	case KindNetwork:
		tracker.RecordNetworkFailure(ctx)
	}
	return nil, rerr
}

// send performs exactly one HTTP exchange bounded by the client timeout.
func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) (*Response, *RequestError) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, &RequestError{Kind: KindAPI, Method: method, Endpoint: endpoint,
			Message: "failed to build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	cred, err := c.creds.Current(ctx)
	if err != nil {
		log.Printf("[APIClient] Failed to load credential, sending without it: %v", err)
	}
	if cred != nil {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Kind: KindNetwork, Method: method, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{Kind: KindNetwork, Method: method, Endpoint: endpoint,
			Status: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	return nil, &RequestError{
		Kind:     classifyStatus(resp.StatusCode),
		Method:   method,
		Endpoint: endpoint,
		Status:   resp.StatusCode,
		Message:  errorMessage(resp.StatusCode, data),
	}
}

// Health probes GET /health once. It bypasses refresh, retry and failure
// tracking.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "apiclient.Health")
	defer span.End()

	if _, rerr := c.send(ctx, http.MethodGet, "/health", nil); rerr != nil {
		span.RecordError(rerr)
		span.SetStatus(codes.Error, string(rerr.Kind))
		return rerr
	}
	return nil
}

// errorMessage extracts the server's message from an error body. The API
// uses "error" or "message"; the JWT layer answers 422 with "msg".
func errorMessage(status int, body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, m := range []string{parsed.Error, parsed.Message, parsed.Msg} {
			if m != "" {
				return m
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		return text
	}
	return http.StatusText(status)
}
