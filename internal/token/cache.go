// ABOUTME: Thread-safe cache for the short-lived CSRF security token
// ABOUTME: Coalesces concurrent refreshes into a single in-flight fetch

package token

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a fetched token is considered valid.
const DefaultTTL = 30 * time.Minute

// Fetcher obtains a fresh token from the backend.
type Fetcher func(ctx context.Context) (string, error)

// call tracks one in-flight refresh shared by every concurrent caller.
type call struct {
	done  chan struct{}
	token string
	err   error
}

// Cache holds a security token and its issue time. Get serves the cached
// value while it is fresh; when it is stale, exactly one fetch runs no matter
// how many goroutines ask at once, and all of them receive that fetch's
// result. A failed fetch clears the cache rather than poisoning it, so the
// next Get starts a clean attempt.
type Cache struct {
	mu       sync.Mutex
	fetch    Fetcher
	ttl      time.Duration
	token    string
	issuedAt time.Time
	inflight *call
	logger   *slog.Logger
}

// New creates a Cache with the given fetcher and TTL. A ttl of zero uses
// DefaultTTL. Pass nil logger for default.
func New(fetch Fetcher, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fetch:  fetch,
		ttl:    ttl,
		logger: logger.With("component", "token_cache"),
	}
}

// Get returns the cached token if it is still valid. Otherwise it joins the
// in-flight refresh if one exists, or starts one.
func (c *Cache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()

	if c.validLocked() {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}

	if c.inflight != nil {
		pending := c.inflight
		c.mu.Unlock()
		return awaitCall(ctx, pending)
	}

	pending := &call{done: make(chan struct{})}
	c.inflight = pending
	c.mu.Unlock()

	// The fetch is detached from the initiating caller so a pending refresh
	// always runs to completion or failure before the marker clears.
	go c.runRefresh(context.WithoutCancel(ctx), pending)
	return awaitCall(ctx, pending)
}

// Refresh unconditionally fetches a new token, bypassing the cached value.
// On success the cache is updated; on failure it is cleared so the next Get
// retries from scratch.
func (c *Cache) Refresh(ctx context.Context) (string, error) {
	c.logger.Debug("refreshing security token")

	tok, err := c.fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.token = ""
		c.issuedAt = time.Time{}
		c.logger.Warn("token refresh failed", "error", err)
		return "", err
	}

	c.token = tok
	c.issuedAt = time.Now()
	return tok, nil
}

// Set seeds the cache with a token obtained elsewhere, stamped as issued now.
func (c *Cache) Set(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.issuedAt = time.Now()
}

// Clear drops the cached token, its timestamp, and the in-flight marker.
// A refresh already running will still complete, but its result is delivered
// only to the callers already waiting on it.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.issuedAt = time.Time{}
	c.inflight = nil
}

// ForceRefresh is Clear followed by Get.
func (c *Cache) ForceRefresh(ctx context.Context) (string, error) {
	c.Clear()
	return c.Get(ctx)
}

// Current returns the cached token without refreshing, or "" if none is held.
func (c *Cache) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Valid reports whether a token is held and within its TTL.
func (c *Cache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked()
}

// validLocked checks token freshness. Must be called with mu held.
func (c *Cache) validLocked() bool {
	if c.token == "" || c.issuedAt.IsZero() {
		return false
	}
	return time.Since(c.issuedAt) < c.ttl
}

// runRefresh performs the fetch backing an in-flight call and publishes the
// result to every waiter.
func (c *Cache) runRefresh(ctx context.Context, pending *call) {
	tok, err := c.fetch(ctx)

	c.mu.Lock()
	if err != nil {
		c.token = ""
		c.issuedAt = time.Time{}
	} else {
		c.token = tok
		c.issuedAt = time.Now()
	}
	// Clear only follows through if nobody reset the marker meanwhile.
	if c.inflight == pending {
		c.inflight = nil
	}
	c.mu.Unlock()

	pending.token = tok
	pending.err = err
	close(pending.done)

	if err != nil {
		c.logger.Warn("token refresh failed", "error", err)
	} else {
		c.logger.Debug("security token refreshed")
	}
}

// awaitCall blocks until the shared refresh finishes or ctx is cancelled.
func awaitCall(ctx context.Context, pending *call) (string, error) {
	select {
	case <-pending.done:
		return pending.token, pending.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
