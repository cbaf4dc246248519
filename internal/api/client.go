// ABOUTME: HTTP client for the admin console REST backend
// ABOUTME: Wraps auth and user endpoints with the errcode/errmsg wire envelope

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client errors
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRequestFailed = errors.New("request failed")
)

// TokenSource supplies the current session token, or "" when unauthenticated.
type TokenSource func() string

// CSRFSource supplies a CSRF token for state-changing requests.
type CSRFSource func(ctx context.Context) (string, error)

// Client is an HTTP client for the console backend. All endpoints share one
// wire envelope: errcode 0 means success, anything else is a failure carrying
// errmsg. Transport-level problems surface as Go errors; application-level
// failures surface as a non-zero Errcode on the decoded response.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	tokenSource    TokenSource
	csrfSource     CSRFSource
	onUnauthorized func()
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource sets the supplier for the bearer session token.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) { c.tokenSource = src }
}

// WithCSRFSource sets the supplier for the X-CSRF-Token header on
// state-changing requests.
func WithCSRFSource(src CSRFSource) Option {
	return func(c *Client) { c.csrfSource = src }
}

// WithUnauthorizedHook registers a callback invoked whenever the backend
// answers 401, regardless of which endpoint was called.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// New creates a Client for the given base URL. Pass nil logger for default.
func New(baseURL string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUnauthorizedHook replaces the 401 callback after construction. The
// session layer uses this to break the client/coordinator construction cycle.
func (c *Client) SetUnauthorizedHook(fn func()) {
	c.onUnauthorized = fn
}

// SetCSRFSource replaces the CSRF token supplier after construction.
func (c *Client) SetCSRFSource(src CSRFSource) {
	c.csrfSource = src
}

// Envelope is the canonical response wrapper used by every backend endpoint.
type Envelope struct {
	Errcode int    `json:"errcode"`
	Errmsg  string `json:"errmsg"`
}

// OK reports whether the response carries a success code.
func (e Envelope) OK() bool { return e.Errcode == 0 }

// LoginResponse carries the session established by POST /auth/login.
// The backend piggybacks an initial CSRF token on successful logins.
type LoginResponse struct {
	Envelope
	Token     string          `json:"token"`
	User      json.RawMessage `json:"user"`
	CSRFToken string          `json:"csrfToken"`
}

// UserResponse carries the authenticated user record from GET /auth/user.
type UserResponse struct {
	Envelope
	User json.RawMessage `json:"user"`
}

// TokenResponse carries a refreshed session token from POST /auth/refresh.
type TokenResponse struct {
	Envelope
	Token string `json:"token"`
}

// CSRFResponse carries a fresh CSRF token from GET /auth/csrf-token.
type CSRFResponse struct {
	Envelope
	CSRFToken string `json:"csrfToken"`
}

// UserListResponse carries a page of user records from GET /users.
type UserListResponse struct {
	Envelope
	Users []json.RawMessage `json:"users"`
	Total int               `json:"total"`
}

// Login posts credentials (already enriched by the caller) to /auth/login.
func (c *Client) Login(ctx context.Context, payload any) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout notifies the backend that the session is ending.
func (c *Client) Logout(ctx context.Context) error {
	var resp Envelope
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, &resp)
}

// CurrentUser fetches the user record for the active session.
func (c *Client) CurrentUser(ctx context.Context) (*UserResponse, error) {
	var resp UserResponse
	if err := c.do(ctx, http.MethodGet, "/auth/user", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshToken asks the backend for a new session token.
func (c *Client) RefreshToken(ctx context.Context) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Register creates a new account. Does not establish a session.
func (c *Client) Register(ctx context.Context, payload any) (*Envelope, error) {
	var resp Envelope
	if err := c.do(ctx, http.MethodPost, "/auth/register", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CSRFToken fetches a fresh CSRF token.
func (c *Client) CSRFToken(ctx context.Context) (*CSRFResponse, error) {
	var resp CSRFResponse
	if err := c.do(ctx, http.MethodGet, "/auth/csrf-token", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListUsers fetches a page of user records.
func (c *Client) ListUsers(ctx context.Context, page, pageSize int) (*UserListResponse, error) {
	path := fmt.Sprintf("/users?page=%d&page_size=%d", page, pageSize)
	var resp UserListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateUser creates a user record.
func (c *Client) CreateUser(ctx context.Context, payload any) (*UserResponse, error) {
	var resp UserResponse
	if err := c.do(ctx, http.MethodPost, "/users", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateUser updates the user record with the given id.
func (c *Client) UpdateUser(ctx context.Context, id string, payload any) (*UserResponse, error) {
	var resp UserResponse
	if err := c.do(ctx, http.MethodPut, "/users/"+id, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteUser deletes the user record with the given id.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	var resp Envelope
	if err := c.do(ctx, http.MethodDelete, "/users/"+id, nil, &resp); err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s", ErrRequestFailed, resp.Errmsg)
	}
	return nil
}

// do issues a request and decodes the JSON response body into out.
// A 401 triggers the unauthorized hook and returns ErrUnauthorized.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokenSource != nil {
		if token := c.tokenSource(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	// CSRF protection only applies to state-changing requests. The token
	// endpoint itself must stay reachable without one.
	if c.csrfSource != nil && method != http.MethodGet && path != "/auth/csrf-token" {
		csrf, err := c.csrfSource(ctx)
		if err != nil {
			return fmt.Errorf("obtaining csrf token: %w", err)
		}
		req.Header.Set("X-CSRF-Token", csrf)
	}

	c.logger.Debug("api request", "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	c.logger.Debug("api response", "method", method, "path", path, "status", resp.StatusCode)
	return nil
}
