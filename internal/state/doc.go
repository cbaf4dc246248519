// Package state keeps an observable projection of the realtime channel:
// connection status, reconnect progress, and bounded newest-first inboxes
// for notifications, system messages, and user updates.
package state
