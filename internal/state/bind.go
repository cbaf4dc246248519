// ABOUTME: Wires a Store to a channel Transport's event stream
// ABOUTME: Returns an unbind func that removes exactly the added subscriptions

package state

import (
	"encoding/json"

	"github.com/2389/relay-console/internal/channel"
)

// Bind subscribes the store to a transport's lifecycle and system events so
// it mirrors the channel from then on. The returned func removes every
// subscription Bind added, leaving other subscribers untouched.
func (s *Store) Bind(t *channel.Transport) func() {
	type sub struct{ event, handle string }
	var subs []sub

	on := func(event string, fn channel.Handler) {
		subs = append(subs, sub{event: event, handle: t.On(event, fn)})
	}

	on(channel.EventConnected, func(json.RawMessage) {
		s.UpdateConnectionState(channel.StateConnected)
	})
	on(channel.EventDisconnected, func(json.RawMessage) {
		s.UpdateConnectionState(channel.StateDisconnected)
	})
	on(channel.EventReconnected, func(payload json.RawMessage) {
		s.SetReconnectAttempts(attemptNumber(payload))
		s.UpdateConnectionState(channel.StateConnected)
	})
	on(channel.EventReconnectAttempt, func(payload json.RawMessage) {
		s.SetReconnectAttempts(attemptNumber(payload))
		s.UpdateConnectionState(channel.StateReconnecting)
	})
	on(channel.EventReconnectError, func(payload json.RawMessage) {
		s.SetError(errorMessage(payload, "channel reconnection error"))
	})
	on(channel.EventReconnectFailed, func(json.RawMessage) {
		s.SetError("channel reconnection failed")
		s.UpdateConnectionState(channel.StateDisconnected)
	})
	on(channel.EventError, func(payload json.RawMessage) {
		s.SetError(errorMessage(payload, "channel error"))
		s.UpdateConnectionState(channel.StateDisconnected)
	})
	on(channel.EventNotification, func(payload json.RawMessage) {
		s.AddNotification(payload)
	})
	on(channel.EventSystemMsg, func(payload json.RawMessage) {
		s.AddSystemMessage(payload)
	})
	on(channel.EventUserUpdate, func(payload json.RawMessage) {
		s.AddUserUpdate(payload)
	})

	return func() {
		for _, sb := range subs {
			t.Off(sb.event, sb.handle)
		}
	}
}

// attemptNumber extracts the attemptNumber field from a reconnect payload.
func attemptNumber(payload json.RawMessage) int {
	var body struct {
		AttemptNumber int `json:"attemptNumber"`
	}
	_ = json.Unmarshal(payload, &body)
	return body.AttemptNumber
}

// errorMessage extracts the error field from a payload, with a fallback.
func errorMessage(payload json.RawMessage, fallback string) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Error == "" {
		return fallback
	}
	return body.Error
}
