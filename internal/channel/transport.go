// ABOUTME: Persistent realtime channel transport over websocket
// ABOUTME: Handles connect lifecycle, bounded reconnection, queuing, and acks

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/relay-console/internal/config"
)

// Time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// State is the lifecycle state of the logical channel connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Transport errors
var (
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrNoToken           = errors.New("no authentication token available")
	ErrNotConnected      = errors.New("channel not connected")
	ErrConnectFailed     = errors.New("channel connect failed")
)

// TokenSource supplies the session token when Connect is called without one.
type TokenSource func() string

// AckFunc receives the correlated reply to an acknowledged emit, or the error
// that prevented it.
type AckFunc func(payload json.RawMessage, err error)

// outbound is a message waiting in the queue or on its way to the wire.
type outbound struct {
	event   string
	payload json.RawMessage
	ack     AckFunc
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State             State
	Connected         bool
	Connecting        bool
	ReconnectAttempts int
}

// Transport owns the persistent channel connection. A fresh underlying
// websocket is created on every connect; the previous one is fully torn down
// first, so no two live connections coexist. Subscriptions live in a local
// registry that the read pump consults, so they carry over to every
// replacement connection without re-registration.
type Transport struct {
	cfg         config.ChannelConfig
	logger      *slog.Logger
	tokenSource TokenSource
	listeners   *registry

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	connecting  bool
	manualClose bool
	attempts    int
	lastToken   string
	queue       []outbound

	// writeMu serializes frame writes; the websocket allows one writer.
	writeMu sync.Mutex

	ackMu sync.Mutex
	acks  map[string]AckFunc
}

// New creates a Transport. tokenSource may be nil if every Connect call
// supplies its own token. Pass nil logger for default.
func New(cfg config.ChannelConfig, tokenSource TokenSource, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:         cfg,
		logger:      logger.With("component", "channel"),
		tokenSource: tokenSource,
		listeners:   newRegistry(),
		state:       StateDisconnected,
		acks:        make(map[string]AckFunc),
	}
}

// Connect establishes the channel. It is a no-op when already connected and
// fails fast with ErrConnectInProgress while another connect or an automatic
// reconnection is running. An empty token is resolved through the token
// source; ErrNoToken is returned when neither yields one. The token travels
// both as a query parameter and as a structured auth frame. The whole
// dial-and-handshake is bounded by the configured connect timeout.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.state == StateConnected && t.conn != nil {
		t.mu.Unlock()
		t.logger.Info("channel already connected")
		return nil
	}
	if t.connecting || t.state == StateReconnecting {
		t.mu.Unlock()
		t.logger.Warn("channel connect already in progress")
		return ErrConnectInProgress
	}
	t.connecting = true
	t.state = StateConnecting
	t.manualClose = false
	old := t.conn
	t.conn = nil
	t.mu.Unlock()

	fail := func(err error) error {
		t.mu.Lock()
		t.connecting = false
		t.state = StateDisconnected
		t.mu.Unlock()
		return err
	}

	if token == "" && t.tokenSource != nil {
		token = t.tokenSource()
	}
	if token == "" {
		t.logger.Warn("no token available for channel connection")
		return fail(ErrNoToken)
	}

	if old != nil {
		old.Close()
	}

	t.logger.Info("connecting to channel", "url", t.cfg.URL)

	conn, hello, err := t.dial(ctx, token)
	if err != nil {
		t.logger.Error("channel connection failed", "error", err)
		t.listeners.dispatch(EventError, mustMarshal(map[string]string{"error": err.Error()}))
		return fail(err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.connecting = false
	t.attempts = 0
	t.lastToken = token
	t.mu.Unlock()

	go t.readPump(conn)
	t.flushQueue()
	t.listeners.dispatch(EventConnected, hello.Payload)

	t.logger.Info("channel connected")
	return nil
}

// Disconnect tears down the connection and suppresses automatic reconnection.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.manualClose = true
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.connecting = false
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		conn.Close()
	}

	t.failAllAcks(ErrNotConnected)
	t.listeners.dispatch(EventDisconnected, mustMarshal(map[string]string{"reason": "client disconnect"}))
	t.logger.Info("channel disconnected manually")
}

// Reconnect forces an immediate disconnect and connect cycle using the token
// from the previous connect. It converges on the same path as Connect rather
// than the automatic backoff loop.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	token := t.lastToken
	conn := t.conn
	t.conn = nil
	// Suppress the read pump's automatic retry while we cycle.
	t.manualClose = true
	t.state = StateDisconnected
	t.connecting = false
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.failAllAcks(ErrNotConnected)

	return t.Connect(ctx, token)
}

// Emit sends an event immediately when connected and returns true. When not
// connected the message is queued for the next successful connect and Emit
// returns false. It never fails loudly; encoding or write problems are logged.
func (t *Transport) Emit(event string, payload any) bool {
	return t.EmitWithCallback(event, payload, nil)
}

// EmitWithCallback is Emit with an optional ack callback that fires when the
// server replies to this specific message. The callback survives queuing.
func (t *Transport) EmitWithCallback(event string, payload any, ack AckFunc) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error("failed to encode payload", "event", event, "error", err)
		return false
	}

	t.mu.Lock()
	if t.state != StateConnected || t.conn == nil {
		t.queue = append(t.queue, outbound{event: event, payload: data, ack: ack})
		t.mu.Unlock()
		t.logger.Warn("channel not connected, queuing message", "event", event)
		return false
	}
	conn := t.conn
	t.mu.Unlock()

	if err := t.send(conn, outbound{event: event, payload: data, ack: ack}); err != nil {
		t.logger.Error("failed to send message", "event", event, "error", err)
		return false
	}

	t.logger.Debug("channel message sent", "event", event)
	return true
}

// EmitWithAck sends an event and waits for the server's correlated reply.
// Unlike Emit it fails immediately with ErrNotConnected instead of queuing,
// since the caller is waiting synchronously. A reply carrying an error marker
// fails the call with that error.
func (t *Transport) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected && conn != nil
	t.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	type result struct {
		payload json.RawMessage
		err     error
	}
	ch := make(chan result, 1)
	id := uuid.NewString()
	t.registerAck(id, func(p json.RawMessage, err error) {
		ch <- result{payload: p, err: err}
	})

	if err := t.writeFrame(conn, Frame{Event: event, Payload: data, Ack: id}); err != nil {
		t.dropAck(id)
		return nil, fmt.Errorf("sending %s: %w", event, err)
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		t.dropAck(id)
		return nil, ctx.Err()
	}
}

// On subscribes fn to an event and returns an opaque handle for Off.
// Duplicate subscriptions are allowed and dispatched in insertion order.
func (t *Transport) On(event string, fn Handler) string {
	return t.listeners.add(event, fn)
}

// Off removes exactly the subscription identified by handle.
func (t *Transport) Off(event, handle string) bool {
	return t.listeners.remove(event, handle)
}

// JoinRoom asks the server to add this client to a room.
func (t *Transport) JoinRoom(room string) bool {
	return t.Emit(EventJoinRoom, map[string]string{"room": room})
}

// LeaveRoom asks the server to remove this client from a room.
func (t *Transport) LeaveRoom(room string) bool {
	return t.Emit(EventLeaveRoom, map[string]string{"room": room})
}

// Status returns a snapshot of the connection state.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		State:             t.state,
		Connected:         t.state == StateConnected && t.conn != nil,
		Connecting:        t.connecting,
		ReconnectAttempts: t.attempts,
	}
}

// QueuedMessages reports how many messages are waiting for the next connect.
func (t *Transport) QueuedMessages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// dial opens the websocket, presents the token, and completes the handshake.
// The server answers the auth frame with a connect frame, or connect_error.
func (t *Transport) dial(ctx context.Context, tok string) (*websocket.Conn, Frame, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, Frame{}, fmt.Errorf("parsing channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	// One deadline bounds the whole attempt: dial, auth frame, and the
	// handshake reply all share the connect timeout.
	deadline := time.Now().Add(t.cfg.ConnectTimeout)

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, Frame{}, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	// The token already rode the query string; the auth frame carries it for
	// servers that only inspect the message stream.
	conn.SetWriteDeadline(deadline)
	authPayload := mustMarshal(map[string]string{"token": tok})
	if err := conn.WriteJSON(Frame{Event: EventAuth, Payload: authPayload}); err != nil {
		conn.Close()
		return nil, Frame{}, fmt.Errorf("%w: sending auth: %v", ErrConnectFailed, err)
	}

	conn.SetReadDeadline(deadline)
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, Frame{}, fmt.Errorf("%w: awaiting handshake: %v", ErrConnectFailed, err)
	}

	switch hello.Event {
	case EventConnect:
	case EventConnectError:
		conn.Close()
		msg := hello.Error
		if msg == "" {
			msg = string(hello.Payload)
		}
		return nil, Frame{}, fmt.Errorf("%w: %s", ErrConnectFailed, msg)
	default:
		conn.Close()
		return nil, Frame{}, fmt.Errorf("%w: unexpected handshake event %q", ErrConnectFailed, hello.Event)
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	return conn, hello, nil
}

// readPump reads frames until the connection dies, then decides whether the
// failure triggers automatic reconnection.
func (t *Transport) readPump(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.handleReadError(conn, err)
			return
		}
		t.handleFrame(f)
	}
}

// handleFrame routes one inbound frame: ack replies to their waiter, ping to
// an automatic pong, everything else to local subscribers of the event name.
func (t *Transport) handleFrame(f Frame) {
	if f.Ack != "" && t.resolveAck(f) {
		return
	}

	switch f.Event {
	case EventPing:
		t.Emit(EventPong, map[string]int64{"timestamp": time.Now().UnixMilli()})
	default:
		t.listeners.dispatch(f.Event, f.Payload)
	}
}

// handleReadError runs when the read pump dies. A clean close frame from the
// server counts as a server-initiated disconnect and suppresses retry, the
// same as a manual Disconnect.
func (t *Transport) handleReadError(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		// A newer connection already replaced this one.
		t.mu.Unlock()
		return
	}
	t.conn = nil

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.manualClose = true
	}
	manual := t.manualClose
	if manual {
		t.state = StateDisconnected
	} else {
		t.state = StateReconnecting
	}
	token := t.lastToken
	t.mu.Unlock()

	conn.Close()
	t.failAllAcks(ErrNotConnected)

	t.logger.Info("channel disconnected", "reason", err.Error(), "reconnecting", !manual)
	t.listeners.dispatch(EventDisconnected, mustMarshal(map[string]string{"reason": err.Error()}))

	if manual {
		return
	}
	t.reconnectLoop(token)
}

// reconnectLoop retries the connection up to the configured attempt cap with
// a growing delay. Exhausting the cap is terminal; a new Connect call is
// required afterwards.
func (t *Transport) reconnectLoop(token string) {
	for attempt := 1; attempt <= t.cfg.MaxReconnectAttempts; attempt++ {
		t.mu.Lock()
		if t.manualClose {
			t.state = StateDisconnected
			t.mu.Unlock()
			return
		}
		t.attempts = attempt
		t.mu.Unlock()

		t.logger.Info("channel reconnect attempt", "attempt", attempt)
		t.listeners.dispatch(EventReconnectAttempt, mustMarshal(map[string]int{"attemptNumber": attempt}))

		time.Sleep(t.reconnectDelay(attempt))

		t.mu.Lock()
		if t.manualClose {
			t.state = StateDisconnected
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		conn, _, err := t.dial(context.Background(), token)
		if err != nil {
			t.logger.Warn("channel reconnect failed", "attempt", attempt, "error", err)
			t.listeners.dispatch(EventReconnectError, mustMarshal(map[string]string{"error": err.Error()}))
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.state = StateConnected
		t.mu.Unlock()

		go t.readPump(conn)
		t.flushQueue()

		t.logger.Info("channel reconnected", "attempts", attempt)
		t.listeners.dispatch(EventReconnected, mustMarshal(map[string]int{"attemptNumber": attempt}))

		t.mu.Lock()
		t.attempts = 0
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()

	t.logger.Error("channel reconnection failed, giving up")
	t.listeners.dispatch(EventReconnectFailed, nil)
}

// reconnectDelay doubles the base delay per attempt up to the ceiling.
func (t *Transport) reconnectDelay(attempt int) time.Duration {
	d := t.cfg.ReconnectDelay
	for i := 1; i < attempt && d < t.cfg.ReconnectDelayMax; i++ {
		d *= 2
	}
	if d > t.cfg.ReconnectDelayMax {
		d = t.cfg.ReconnectDelayMax
	}
	return d
}

// flushQueue drains the outbound queue in FIFO order onto the live
// connection. Unsent messages go back to the front of the queue.
func (t *Transport) flushQueue() {
	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	conn := t.conn
	t.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if conn == nil {
		t.mu.Lock()
		t.queue = append(pending, t.queue...)
		t.mu.Unlock()
		return
	}

	for i, o := range pending {
		if err := t.send(conn, o); err != nil {
			t.logger.Error("failed to flush queued message", "event", o.event, "error", err)
			t.mu.Lock()
			t.queue = append(pending[i:], t.queue...)
			t.mu.Unlock()
			return
		}
	}
	t.logger.Debug("outbound queue flushed", "count", len(pending))
}

// send writes one outbound message, registering its ack callback first so a
// fast reply cannot race the registration.
func (t *Transport) send(conn *websocket.Conn, o outbound) error {
	f := Frame{Event: o.event, Payload: o.payload}
	if o.ack != nil {
		f.Ack = uuid.NewString()
		t.registerAck(f.Ack, o.ack)
	}

	if err := t.writeFrame(conn, f); err != nil {
		if f.Ack != "" {
			t.dropAck(f.Ack)
		}
		return err
	}
	return nil
}

// writeFrame serializes a frame onto the wire under the write lock.
func (t *Transport) writeFrame(conn *websocket.Conn, f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// registerAck stores the callback for an outstanding ack id.
func (t *Transport) registerAck(id string, fn AckFunc) {
	t.ackMu.Lock()
	t.acks[id] = fn
	t.ackMu.Unlock()
}

// dropAck removes an outstanding ack without invoking it.
func (t *Transport) dropAck(id string) {
	t.ackMu.Lock()
	delete(t.acks, id)
	t.ackMu.Unlock()
}

// resolveAck routes an inbound reply to its waiter. Returns false when the id
// is unknown, in which case the frame is treated as a regular event.
func (t *Transport) resolveAck(f Frame) bool {
	t.ackMu.Lock()
	fn, ok := t.acks[f.Ack]
	if ok {
		delete(t.acks, f.Ack)
	}
	t.ackMu.Unlock()

	if !ok {
		return false
	}
	if f.Error != "" {
		fn(nil, errors.New(f.Error))
	} else {
		fn(f.Payload, nil)
	}
	return true
}

// failAllAcks delivers err to every outstanding ack waiter. Called when the
// connection carrying their requests is gone.
func (t *Transport) failAllAcks(err error) {
	t.ackMu.Lock()
	acks := t.acks
	t.acks = make(map[string]AckFunc)
	t.ackMu.Unlock()

	for _, fn := range acks {
		fn(nil, err)
	}
}
