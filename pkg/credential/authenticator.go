package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Authenticator exchanges user secrets or an existing token for a new token.
type Authenticator interface {
	// Login authenticates with username and password.
	Login(ctx context.Context, username, password string) (string, error)
	// Refresh exchanges the current token for a fresh one.
	Refresh(ctx context.Context, token string) (string, error)
}

// HTTPAuthenticator talks to the order API's /auth endpoints.
type HTTPAuthenticator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAuthenticator creates an authenticator for baseURL. Every request is
// bounded by timeout.
func NewHTTPAuthenticator(baseURL string, timeout time.Duration) *HTTPAuthenticator {
	return &HTTPAuthenticator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user,omitempty"`
}

// Login calls POST /auth/login {username, password} -> {token, user}.
func (a *HTTPAuthenticator) Login(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return "", fmt.Errorf("failed to marshal login request: %w", err)
	}
	return a.post(ctx, "/auth/login", "", body)
}

// Refresh calls POST /auth/refresh with the current token as bearer -> {token}.
func (a *HTTPAuthenticator) Refresh(ctx context.Context, token string) (string, error) {
	return a.post(ctx, "/auth/refresh", token, nil)
}

func (a *HTTPAuthenticator) post(ctx context.Context, path, bearer string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read %s response: %v", ErrUnreachable, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned status %d", ErrAuthFailure, path, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", fmt.Errorf("%w: malformed %s response: %v", ErrAuthFailure, path, err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("%w: %s response has no token", ErrAuthFailure, path)
	}
	return tr.Token, nil
}
