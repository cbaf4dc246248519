// Package token caches the short-lived CSRF security token the backend
// requires on state-changing requests.
//
// # Refresh Coalescing
//
// The backend rotates the token every 30 minutes, and many callers may
// notice staleness at the same moment. The cache guarantees exactly one
// fetch runs per expiry no matter how many goroutines call Get concurrently;
// every caller blocks on the shared in-flight refresh and receives its
// result. The fetch itself is detached from the initiating caller's context,
// so cancelling one waiter never aborts the refresh the others depend on.
//
// # Failure Behavior
//
// A failed refresh clears the cache instead of storing the error. The next
// Get starts a fresh attempt, so a transient backend hiccup never pins the
// cache in a failed state.
package token
