// ABOUTME: Tests for the realtime channel transport
// ABOUTME: Validates handshake, queuing, acks, ping handling, and reconnection

package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-console/internal/config"
)

var testUpgrader = websocket.Upgrader{}

// newChannelServer starts a websocket endpoint whose handler runs once per
// accepted connection. Returns the ws:// URL.
func newChannelServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// acceptHandshake reads the client's auth frame and answers with connect.
func acceptHandshake(conn *websocket.Conn) (Frame, error) {
	var auth Frame
	if err := conn.ReadJSON(&auth); err != nil {
		return auth, err
	}
	err := conn.WriteJSON(Frame{Event: EventConnect, Payload: json.RawMessage(`{"sid":"s1"}`)})
	return auth, err
}

func testConfig(url string) config.ChannelConfig {
	return config.ChannelConfig{
		URL:                  url,
		ConnectTimeout:       2 * time.Second,
		ReconnectDelay:       10 * time.Millisecond,
		ReconnectDelayMax:    40 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func TestTransport_Connect_Handshake(t *testing.T) {
	queryToken := make(chan string, 1)
	authFrame := make(chan Frame, 1)
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		queryToken <- r.URL.Query().Get("token")
		auth, err := acceptHandshake(conn)
		if err != nil {
			return
		}
		authFrame <- auth
		// Hold the connection open until the test ends
		conn.ReadJSON(&Frame{})
	})

	tr := New(testConfig(url), nil, nil)
	connected := make(chan json.RawMessage, 1)
	tr.On(EventConnected, func(payload json.RawMessage) {
		connected <- payload
	})

	require.NoError(t, tr.Connect(context.Background(), "session-tok"))
	defer tr.Disconnect()

	// Token travels both in the query string and the auth frame
	assert.Equal(t, "session-tok", <-queryToken)
	auth := <-authFrame
	assert.Equal(t, EventAuth, auth.Event)
	assert.JSONEq(t, `{"token":"session-tok"}`, string(auth.Payload))

	select {
	case payload := <-connected:
		assert.JSONEq(t, `{"sid":"s1"}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("connected event not dispatched")
	}

	st := tr.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.True(t, st.Connected)
	assert.Equal(t, 0, st.ReconnectAttempts)
}

func TestTransport_Connect_NoToken(t *testing.T) {
	tr := New(testConfig("ws://127.0.0.1:0"), nil, nil)

	err := tr.Connect(context.Background(), "")
	require.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, StateDisconnected, tr.Status().State)
}

func TestTransport_Connect_TokenSource(t *testing.T) {
	queryToken := make(chan string, 1)
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		queryToken <- r.URL.Query().Get("token")
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		conn.ReadJSON(&Frame{})
	})

	tr := New(testConfig(url), func() string { return "sourced-tok" }, nil)
	require.NoError(t, tr.Connect(context.Background(), ""))
	defer tr.Disconnect()

	assert.Equal(t, "sourced-tok", <-queryToken)
}

func TestTransport_Connect_RejectedHandshake(t *testing.T) {
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		var auth Frame
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		conn.WriteJSON(Frame{Event: EventConnectError, Error: "invalid token"})
	})

	tr := New(testConfig(url), nil, nil)
	errEvent := make(chan json.RawMessage, 1)
	tr.On(EventError, func(payload json.RawMessage) {
		errEvent <- payload
	})

	err := tr.Connect(context.Background(), "bad-tok")
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Contains(t, err.Error(), "invalid token")
	assert.Equal(t, StateDisconnected, tr.Status().State)

	select {
	case <-errEvent:
	case <-time.After(time.Second):
		t.Fatal("error event not dispatched")
	}
}

func TestTransport_Connect_TimeoutCoversDialAndHandshake(t *testing.T) {
	// Slow upgrade plus a server that never answers the auth frame. The
	// connect timeout bounds the full attempt, not each phase separately.
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(250 * time.Millisecond)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadJSON(&Frame{})
	}))
	t.Cleanup(slow.Close)

	cfg := testConfig("ws" + strings.TrimPrefix(slow.URL, "http"))
	cfg.ConnectTimeout = 500 * time.Millisecond
	tr := New(cfg, nil, nil)

	start := time.Now()
	err := tr.Connect(context.Background(), "tok")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Less(t, elapsed, 700*time.Millisecond)
	assert.Equal(t, StateDisconnected, tr.Status().State)
}

func TestTransport_Connect_NoOpWhenConnected(t *testing.T) {
	var conns atomic.Int32
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		conns.Add(1)
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		conn.ReadJSON(&Frame{})
	})

	tr := New(testConfig(url), nil, nil)
	require.NoError(t, tr.Connect(context.Background(), "tok"))
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background(), "tok"))
	assert.Equal(t, int32(1), conns.Load())
}

func TestTransport_Emit_QueuesWhenDisconnected(t *testing.T) {
	received := make(chan Frame, 4)
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			received <- f
		}
	})

	tr := New(testConfig(url), nil, nil)

	assert.False(t, tr.Emit("first", map[string]string{"n": "1"}))
	assert.False(t, tr.Emit("second", map[string]string{"n": "2"}))
	assert.Equal(t, 2, tr.QueuedMessages())

	require.NoError(t, tr.Connect(context.Background(), "tok"))
	defer tr.Disconnect()

	// Queue drains in send order on connect
	for _, want := range []string{"first", "second"} {
		select {
		case f := <-received:
			assert.Equal(t, want, f.Event)
		case <-time.After(time.Second):
			t.Fatalf("queued %s never flushed", want)
		}
	}
	assert.Equal(t, 0, tr.QueuedMessages())

	// Connected emits go straight to the wire
	assert.True(t, tr.Emit("third", map[string]string{"n": "3"}))
	select {
	case f := <-received:
		assert.Equal(t, "third", f.Event)
	case <-time.After(time.Second):
		t.Fatal("direct emit never arrived")
	}
}

func TestTransport_EmitWithAck(t *testing.T) {
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			reply := Frame{Event: f.Event, Ack: f.Ack}
			if f.Event == "denied_op" {
				reply.Error = "permission denied"
			} else {
				reply.Payload = json.RawMessage(`{"status":"done"}`)
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	})

	tr := New(testConfig(url), nil, nil)
	require.NoError(t, tr.Connect(context.Background(), "tok"))
	defer tr.Disconnect()

	payload, err := tr.EmitWithAck(context.Background(), "lookup", map[string]string{"id": "42"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"done"}`, string(payload))

	_, err = tr.EmitWithAck(context.Background(), "denied_op", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestTransport_EmitWithAck_NotConnected(t *testing.T) {
	tr := New(testConfig("ws://127.0.0.1:0"), nil, nil)

	_, err := tr.EmitWithAck(context.Background(), "lookup", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	// Synchronous sends never queue
	assert.Equal(t, 0, tr.QueuedMessages())
}

func TestTransport_EmitWithAck_ContextCancelled(t *testing.T) {
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		// Swallow requests without replying
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
		}
	})

	tr := New(testConfig(url), nil, nil)
	require.NoError(t, tr.Connect(context.Background(), "tok"))
	defer tr.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.EmitWithAck(ctx, "slow_op", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_PingAnsweredWithPong(t *testing.T) {
	pong := make(chan Frame, 1)
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		if err := conn.WriteJSON(Frame{Event: EventPing}); err != nil {
			return
		}
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		pong <- f
	})

	tr := New(testConfig(url), nil, nil)
	pingSeen := make(chan struct{}, 1)
	tr.On(EventPing, func(json.RawMessage) { pingSeen <- struct{}{} })

	require.NoError(t, tr.Connect(context.Background(), "tok"))
	defer tr.Disconnect()

	select {
	case f := <-pong:
		assert.Equal(t, EventPong, f.Event)
		var body struct {
			Timestamp int64 `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(f.Payload, &body))
		assert.Positive(t, body.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no pong reply")
	}

	// Ping is answered internally, not forwarded to subscribers
	select {
	case <-pingSeen:
		t.Fatal("ping leaked to subscribers")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_InboundEventDispatch(t *testing.T) {
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		conn.WriteJSON(Frame{Event: EventNotification, Payload: json.RawMessage(`{"title":"hi"}`)})
		conn.ReadJSON(&Frame{})
	})

	tr := New(testConfig(url), nil, nil)
	got := make(chan json.RawMessage, 1)
	tr.On(EventNotification, func(payload json.RawMessage) { got <- payload })

	require.NoError(t, tr.Connect(context.Background(), "tok"))
	defer tr.Disconnect()

	select {
	case payload := <-got:
		assert.JSONEq(t, `{"title":"hi"}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestTransport_OnOff(t *testing.T) {
	tr := New(testConfig("ws://127.0.0.1:0"), nil, nil)

	var first, second atomic.Int32
	h1 := tr.On("custom", func(json.RawMessage) { first.Add(1) })
	tr.On("custom", func(json.RawMessage) { second.Add(1) })

	tr.listeners.dispatch("custom", nil)
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), second.Load())

	// Removal targets exactly the handle's subscription
	assert.True(t, tr.Off("custom", h1))
	assert.False(t, tr.Off("custom", h1))

	tr.listeners.dispatch("custom", nil)
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(2), second.Load())
}

func TestTransport_ServerCloseSuppressesReconnect(t *testing.T) {
	var conns atomic.Int32
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		conns.Add(1)
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown"))
	})

	tr := New(testConfig(url), nil, nil)
	disconnected := make(chan struct{}, 1)
	tr.On(EventDisconnected, func(json.RawMessage) { disconnected <- struct{}{} })
	attempts := make(chan struct{}, 8)
	tr.On(EventReconnectAttempt, func(json.RawMessage) { attempts <- struct{}{} })

	require.NoError(t, tr.Connect(context.Background(), "tok"))

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnected event not dispatched")
	}

	// A clean server close behaves like a manual disconnect: no retry
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, attempts)
	assert.Equal(t, StateDisconnected, tr.Status().State)
	assert.Equal(t, int32(1), conns.Load())
}

func TestTransport_AutoReconnect(t *testing.T) {
	var conns atomic.Int32
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		n := conns.Add(1)
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection without a close frame
			conn.Close()
			return
		}
		conn.ReadJSON(&Frame{})
	})

	tr := New(testConfig(url), nil, nil)
	reconnected := make(chan json.RawMessage, 1)
	tr.On(EventReconnected, func(payload json.RawMessage) { reconnected <- payload })

	require.NoError(t, tr.Connect(context.Background(), "tok"))
	defer tr.Disconnect()

	select {
	case payload := <-reconnected:
		var body struct {
			AttemptNumber int `json:"attemptNumber"`
		}
		require.NoError(t, json.Unmarshal(payload, &body))
		assert.Equal(t, 1, body.AttemptNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("transport never reconnected")
	}

	assert.Eventually(t, func() bool {
		st := tr.Status()
		return st.Connected && st.ReconnectAttempts == 0
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}

func TestTransport_ReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr := New(testConfig(url), nil, nil)
	var attempts atomic.Int32
	tr.On(EventReconnectAttempt, func(json.RawMessage) { attempts.Add(1) })
	var errors atomic.Int32
	tr.On(EventReconnectError, func(json.RawMessage) { errors.Add(1) })
	failed := make(chan struct{}, 1)
	tr.On(EventReconnectFailed, func(json.RawMessage) { failed <- struct{}{} })

	require.NoError(t, tr.Connect(context.Background(), "tok"))

	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect_failed never dispatched")
	}

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(3), errors.Load())
	st := tr.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.False(t, st.Connected)
}

func TestTransport_Disconnect(t *testing.T) {
	closed := make(chan struct{}, 1)
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		var f Frame
		if err := conn.ReadJSON(&f); websocket.IsCloseError(err,
			websocket.CloseNormalClosure) {
			closed <- struct{}{}
		}
	})

	tr := New(testConfig(url), nil, nil)
	require.NoError(t, tr.Connect(context.Background(), "tok"))

	tr.Disconnect()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("server never saw a close frame")
	}
	assert.Equal(t, StateDisconnected, tr.Status().State)

	// Emits after a manual disconnect queue for the next connect
	assert.False(t, tr.Emit("later", nil))
	assert.Equal(t, 1, tr.QueuedMessages())
}

func TestTransport_ForcedReconnect(t *testing.T) {
	var conns atomic.Int32
	tokens := make(chan string, 2)
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		conns.Add(1)
		tokens <- r.URL.Query().Get("token")
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		conn.ReadJSON(&Frame{})
	})

	tr := New(testConfig(url), nil, nil)
	require.NoError(t, tr.Connect(context.Background(), "tok"))

	require.NoError(t, tr.Reconnect(context.Background()))
	defer tr.Disconnect()

	assert.Equal(t, int32(2), conns.Load())
	// The forced cycle reuses the previous token
	assert.Equal(t, "tok", <-tokens)
	assert.Equal(t, "tok", <-tokens)
	assert.True(t, tr.Status().Connected)
}

func TestTransport_JoinAndLeaveRoom(t *testing.T) {
	received := make(chan Frame, 2)
	url := newChannelServer(t, func(conn *websocket.Conn, r *http.Request) {
		if _, err := acceptHandshake(conn); err != nil {
			return
		}
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			received <- f
		}
	})

	tr := New(testConfig(url), nil, nil)
	require.NoError(t, tr.Connect(context.Background(), "tok"))
	defer tr.Disconnect()

	assert.True(t, tr.JoinRoom("ops"))
	assert.True(t, tr.LeaveRoom("ops"))

	for _, want := range []string{EventJoinRoom, EventLeaveRoom} {
		select {
		case f := <-received:
			assert.Equal(t, want, f.Event)
			assert.JSONEq(t, `{"room":"ops"}`, string(f.Payload))
		case <-time.After(time.Second):
			t.Fatalf("%s never arrived", want)
		}
	}
}
