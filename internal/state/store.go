// ABOUTME: Observable projection of channel status and received messages
// ABOUTME: Keeps bounded newest-first inboxes with read/unread tracking

package state

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-console/internal/channel"
)

// Inbox caps. Insertion past a cap evicts the oldest entry.
const (
	maxNotifications  = 50
	maxSystemMessages = 20
	maxUserUpdates    = 20
)

// Notification is one received notification with read tracking.
type Notification struct {
	ID        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp"`
	Read      bool            `json:"read"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SystemMessage is one received system broadcast.
type SystemMessage struct {
	ID        string          `json:"id"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// UserUpdate is one received user change event.
type UserUpdate struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Store is a thread-safe projection of the channel for consumers that want
// current status and recent traffic without subscribing to the transport
// themselves. All getters return copies.
type Store struct {
	mu                sync.RWMutex
	connectionState   channel.State
	isConnected       bool
	isConnecting      bool
	reconnectAttempts int
	lastError         string
	notifications     []Notification
	systemMessages    []SystemMessage
	userUpdates       []UserUpdate
	logger            *slog.Logger
}

// New creates an empty Store. Pass nil logger for default.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		connectionState: channel.StateDisconnected,
		logger:          logger.With("component", "state"),
	}
}

// AddNotification stamps an id and timestamp onto the payload and prepends it
// to the notification inbox, unread.
func (s *Store) AddNotification(data json.RawMessage) Notification {
	var fields struct {
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	// Best effort; an unparseable payload still lands in the inbox.
	_ = json.Unmarshal(data, &fields)

	n := Notification{
		ID:        uuid.NewString(),
		Title:     fields.Title,
		Message:   fields.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	s.mu.Lock()
	s.notifications = append([]Notification{n}, s.notifications...)
	if len(s.notifications) > maxNotifications {
		s.notifications = s.notifications[:maxNotifications]
	}
	s.mu.Unlock()

	s.logger.Debug("notification received", "id", n.ID, "title", n.Title)
	return n
}

// MarkNotificationAsRead flags one notification read. No-op for unknown ids.
func (s *Store) MarkNotificationAsRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllNotificationsAsRead flags every notification read.
func (s *Store) MarkAllNotificationsAsRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		s.notifications[i].Read = true
	}
}

// ClearNotifications empties the notification inbox.
func (s *Store) ClearNotifications() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = nil
}

// AddSystemMessage prepends a system broadcast to its inbox.
func (s *Store) AddSystemMessage(data json.RawMessage) SystemMessage {
	var fields struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &fields)

	m := SystemMessage{
		ID:        uuid.NewString(),
		Message:   fields.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	s.mu.Lock()
	s.systemMessages = append([]SystemMessage{m}, s.systemMessages...)
	if len(s.systemMessages) > maxSystemMessages {
		s.systemMessages = s.systemMessages[:maxSystemMessages]
	}
	s.mu.Unlock()

	return m
}

// AddUserUpdate prepends a user change event to its inbox.
func (s *Store) AddUserUpdate(data json.RawMessage) UserUpdate {
	u := UserUpdate{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	s.mu.Lock()
	s.userUpdates = append([]UserUpdate{u}, s.userUpdates...)
	if len(s.userUpdates) > maxUserUpdates {
		s.userUpdates = s.userUpdates[:maxUserUpdates]
	}
	s.mu.Unlock()

	return u
}

// UpdateConnectionState records the channel state and derives the connected
// and connecting flags from it.
func (s *Store) UpdateConnectionState(state channel.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionState = state
	s.isConnected = state == channel.StateConnected
	s.isConnecting = state == channel.StateConnecting
}

// SetReconnectAttempts records the visible reconnect attempt counter.
func (s *Store) SetReconnectAttempts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = n
}

// SetError records the most recent channel error.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// Notifications returns a copy of the notification inbox, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// SystemMessages returns a copy of the system message inbox, newest first.
func (s *Store) SystemMessages() []SystemMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SystemMessage, len(s.systemMessages))
	copy(out, s.systemMessages)
	return out
}

// UserUpdates returns a copy of the user update inbox, newest first.
func (s *Store) UserUpdates() []UserUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserUpdate, len(s.userUpdates))
	copy(out, s.userUpdates)
	return out
}

// HasNotifications reports whether the notification inbox is non-empty.
func (s *Store) HasNotifications() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notifications) > 0
}

// UnreadCount counts notifications not yet marked read.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.notifications {
		if !n.Read {
			count++
		}
	}
	return count
}

// IsConnected reports the derived connected flag.
func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected
}

// IsConnecting reports the derived connecting flag.
func (s *Store) IsConnecting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnecting
}

// ReconnectAttempts returns the visible reconnect attempt counter.
func (s *Store) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectAttempts
}

// LastError returns the most recent channel error, or "".
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// ConnectionStatus summarizes the connection for display. Priority order:
// connecting, connected, reconnecting while attempts are counted, then
// disconnected.
func (s *Store) ConnectionStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.isConnecting:
		return "connecting"
	case s.isConnected:
		return "connected"
	case s.reconnectAttempts > 0:
		return "reconnecting"
	default:
		return "disconnected"
	}
}
