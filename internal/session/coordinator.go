// ABOUTME: Session coordinator orchestrating login, logout, and auth checks
// ABOUTME: Drives token cache and channel lifecycle around auth transitions

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/relay-console/internal/api"
	"github.com/2389/relay-console/internal/channel"
	"github.com/2389/relay-console/internal/clientinfo"
	"github.com/2389/relay-console/internal/storage"
	"github.com/2389/relay-console/internal/token"
)

// User-facing advisory messages for degraded flows. Transport failures never
// escape login/register/checkAuth as errors.
const (
	msgLoginFailed    = "Login failed, please try again"
	msgRegisterFailed = "Registration failed, please try again"
)

// Credentials identify a user at login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Result reports the outcome of a login or register attempt.
type Result struct {
	Success bool
	Message string
}

// Coordinator owns the session: the token and user record in memory, their
// durable mirror, and the token cache and channel transport lifecycle around
// auth transitions.
type Coordinator struct {
	api       *api.Client
	tokens    *token.Cache
	transport *channel.Transport
	store     *storage.Store
	client    *clientinfo.Supplier
	logger    *slog.Logger

	mu    sync.RWMutex
	token string
	user  json.RawMessage

	loggingOut   atomic.Bool
	onSessionEnd func()
}

// New creates a Coordinator. transport and store may be nil for embedders
// that manage those concerns themselves. The coordinator registers itself as
// the API client's unauthorized hook, so any 401 forces a logout.
func New(apiClient *api.Client, tokens *token.Cache, transport *channel.Transport, store *storage.Store, client *clientinfo.Supplier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		api:       apiClient,
		tokens:    tokens,
		transport: transport,
		store:     store,
		client:    client,
		logger:    logger.With("component", "session"),
	}
	apiClient.SetUnauthorizedHook(c.handleUnauthorized)
	return c
}

// SetSessionEndHook registers a callback invoked after every teardown, the
// place consumers hang their leave-the-protected-area navigation.
func (c *Coordinator) SetSessionEndHook(fn func()) {
	c.onSessionEnd = fn
}

// Token returns the held session token, or "".
func (c *Coordinator) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// User returns the held user record, or nil.
func (c *Coordinator) User() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// IsAuthenticated reports whether a session token is held.
func (c *Coordinator) IsAuthenticated() bool {
	return c.Token() != ""
}

// Login authenticates against the backend. Credentials are enriched with a
// client context snapshot and an issue timestamp. On success the session is
// held in memory, mirrored to durable storage, the token cache is primed,
// and the channel is brought up in the background. Transport failures come
// back as an advisory Result, never as an error.
func (c *Coordinator) Login(ctx context.Context, creds Credentials) Result {
	payload := map[string]any{
		"username": creds.Username,
		"password": creds.Password,
		"issuedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if c.client != nil {
		payload["clientInfo"] = c.client.Snapshot(ctx)
	}

	resp, err := c.api.Login(ctx, payload)
	if err != nil {
		c.logger.Error("login request failed", "error", err)
		return Result{Success: false, Message: msgLoginFailed}
	}
	if !resp.OK() {
		c.logger.Warn("login rejected", "error", resp.Errmsg)
		return Result{Success: false, Message: resp.Errmsg}
	}

	c.mu.Lock()
	c.token = resp.Token
	c.user = resp.User
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveSession(ctx, resp.Token, string(resp.User)); err != nil {
			c.logger.Error("persisting session failed", "error", err)
		}
	}

	c.primeTokenCache(ctx, resp.CSRFToken)
	c.connectChannel(resp.Token)

	c.logger.Info("user logged in")
	return Result{Success: true, Message: "Login successful"}
}

// Logout notifies the backend best-effort, then unconditionally clears the
// in-memory session, durable storage, the token cache, and the channel.
func (c *Coordinator) Logout(ctx context.Context) {
	if !c.loggingOut.CompareAndSwap(false, true) {
		return
	}
	defer c.loggingOut.Store(false)

	if c.Token() != "" {
		if err := c.api.Logout(ctx); err != nil {
			c.logger.Warn("logout notification failed", "error", err)
		}
	}

	c.mu.Lock()
	c.token = ""
	c.user = nil
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.ClearSession(ctx); err != nil {
			c.logger.Error("clearing persisted session failed", "error", err)
		}
	}
	c.tokens.Clear()
	if c.transport != nil {
		c.transport.Disconnect()
	}
	if c.onSessionEnd != nil {
		c.onSessionEnd()
	}

	c.logger.Info("user logged out")
}

// CheckAuth verifies the held session against the backend. Returns false
// without a network call when no token is held or the token is visibly
// expired. Success refreshes the persisted user record and warms the token
// cache; any failure forces a full logout.
func (c *Coordinator) CheckAuth(ctx context.Context) bool {
	tok := c.Token()
	if tok == "" {
		return false
	}
	if tokenExpired(tok) {
		c.logger.Info("session token expired")
		c.Logout(ctx)
		return false
	}

	resp, err := c.api.CurrentUser(ctx)
	if err != nil || !resp.OK() {
		if err != nil {
			c.logger.Error("auth check failed", "error", err)
		}
		c.Logout(ctx)
		return false
	}

	c.mu.Lock()
	c.user = resp.User
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveSession(ctx, tok, string(resp.User)); err != nil {
			c.logger.Error("persisting refreshed user record failed", "error", err)
		}
	}
	c.primeTokenCache(ctx, "")
	return true
}

// Register creates a new account with the same client context enrichment as
// Login. It does not establish a session.
func (c *Coordinator) Register(ctx context.Context, userData map[string]any) Result {
	payload := make(map[string]any, len(userData)+2)
	for k, v := range userData {
		payload[k] = v
	}
	payload["issuedAt"] = time.Now().UTC().Format(time.RFC3339)
	if c.client != nil {
		payload["clientInfo"] = c.client.Snapshot(ctx)
	}

	resp, err := c.api.Register(ctx, payload)
	if err != nil {
		c.logger.Error("register request failed", "error", err)
		return Result{Success: false, Message: msgRegisterFailed}
	}
	if !resp.OK() {
		return Result{Success: false, Message: resp.Errmsg}
	}
	return Result{Success: true, Message: "Registration successful"}
}

// InitFromStorage loads a previously persisted session. A user record
// without a token is stale and is removed; a corrupt record is discarded and
// the coordinator continues with empty state.
func (c *Coordinator) InitFromStorage(ctx context.Context) {
	if c.store == nil {
		return
	}

	tok, userJSON, err := c.store.LoadSession(ctx)
	if err != nil {
		c.logger.Error("loading persisted session failed", "error", err)
		return
	}

	if tok == "" {
		if userJSON != "" {
			c.logger.Warn("dropping stale user record without a session token")
			if err := c.store.DeleteUserRecord(ctx); err != nil {
				c.logger.Error("deleting stale user record failed", "error", err)
			}
		}
		return
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	if userJSON == "" {
		return
	}
	if !json.Valid([]byte(userJSON)) {
		c.logger.Error("persisted user record is corrupt, discarding")
		if err := c.store.DeleteUserRecord(ctx); err != nil {
			c.logger.Error("deleting corrupt user record failed", "error", err)
		}
		return
	}

	c.mu.Lock()
	c.user = json.RawMessage(userJSON)
	c.mu.Unlock()
}

// primeTokenCache seeds the cache with a login-bundled CSRF token, or warms
// it over the network when none was bundled.
func (c *Coordinator) primeTokenCache(ctx context.Context, bundled string) {
	if bundled != "" {
		c.tokens.Set(bundled)
		return
	}
	if _, err := c.tokens.Get(ctx); err != nil {
		c.logger.Warn("priming token cache failed", "error", err)
	}
}

// connectChannel brings the channel up in the background so login latency
// does not include the dial.
func (c *Coordinator) connectChannel(tok string) {
	if c.transport == nil {
		return
	}
	go func() {
		if err := c.transport.Connect(context.Background(), tok); err != nil {
			c.logger.Warn("channel connect after login failed", "error", err)
		}
	}()
}

// handleUnauthorized is wired as the API client's 401 hook. The loggingOut
// guard stops the best-effort logout call from re-triggering it.
func (c *Coordinator) handleUnauthorized() {
	if c.loggingOut.Load() {
		return
	}
	c.logger.Warn("backend rejected session, forcing logout")
	c.Logout(context.Background())
}

// tokenExpired inspects the exp claim of a JWT session token without
// verifying its signature. Opaque non-JWT tokens are never treated as
// expired here; the server remains the authority.
func tokenExpired(tok string) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
