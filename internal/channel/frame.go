// ABOUTME: Wire frame codec and event names for the realtime channel
// ABOUTME: Frames are JSON objects carrying an event, payload, and optional ack id

package channel

import "encoding/json"

// Frame is the unit of exchange on the channel. Outbound frames set Ack when
// the sender wants a correlated reply; inbound frames with Ack set are replies
// to a previously sent frame. Error is set by the server on failed acks.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ack     string          `json:"ack,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Wire events exchanged with the server.
const (
	EventAuth         = "auth"
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventPing         = "ping"
	EventPong         = "pong"
	EventNotification = "notification"
	EventUserUpdate   = "user_update"
	EventSystemMsg    = "system_message"
	EventMessage      = "message"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
)

// Synthetic events dispatched only to local subscribers.
const (
	EventConnected        = "connected"
	EventDisconnected     = "disconnected"
	EventReconnected      = "reconnected"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectError   = "reconnect_error"
	EventReconnectFailed  = "reconnect_failed"
	EventError            = "error"
)

// mustMarshal encodes a value that is known to serialize, such as the small
// structs backing synthetic events.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
