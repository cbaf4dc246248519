// Package channel maintains the persistent realtime connection to the
// console backend.
//
// # Overview
//
// Transport owns one logical connection with a lifecycle of disconnected,
// connecting, connected, and reconnecting. Messages emitted while
// disconnected queue up and flush in FIFO order after the next successful
// connect. Acknowledged sends correlate replies by ack id and never queue,
// because their caller is waiting synchronously.
//
// # Wire protocol
//
// Every message is one JSON frame:
//
//	{"event": "notification", "payload": {...}, "ack": "<id>", "error": ""}
//
// Connecting presents the session token twice, as a ?token= query parameter
// and as the payload of an auth frame sent right after the dial. The server
// completes the handshake with a connect frame or rejects with connect_error.
//
// # Reconnection
//
// A dropped connection triggers up to five automatic redial attempts with a
// delay that doubles from one second up to a five second ceiling. Exhausting
// the attempts is terminal for the channel until an explicit Connect call.
// A clean close frame from the server disables automatic retry entirely, the
// same as calling Disconnect.
//
// # Events
//
// Subscribers register per event name with On and receive inbound payloads in
// delivery order. The transport also dispatches synthetic local events:
// connected, disconnected, reconnect_attempt, reconnected, reconnect_error,
// reconnect_failed, and error. Inbound ping frames are answered with pong
// automatically.
package channel
