package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"shipchat/models"
)

type testPushServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	userID   string
	auth     string
	controls chan ControlFrame
	ready    chan struct{}
}

func newTestPushServer(t *testing.T) *testPushServer {
	t.Helper()

	ps := &testPushServer{
		controls: make(chan ControlFrame, 16),
		ready:    make(chan struct{}),
	}
	ps.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ps.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conn = conn
		ps.userID = r.URL.Query().Get("user_id")
		ps.auth = r.Header.Get("Authorization")
		ps.mu.Unlock()
		close(ps.ready)

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame ControlFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				continue
			}
			ps.controls <- frame
		}
	}))
	t.Cleanup(ps.server.Close)
	return ps
}

func (ps *testPushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.server.URL, "http")
}

func (ps *testPushServer) push(t *testing.T, event Event) {
	t.Helper()
	payload, err := EncodeJSON(event)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := ps.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

func (ps *testPushServer) closeConn() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_ = ps.conn.Close()
}

func waitControl(t *testing.T, ch <-chan ControlFrame) ControlFrame {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for control frame")
	}
	return ControlFrame{}
}

func TestWebSocketChannelEndToEnd(t *testing.T) {
	ps := newTestPushServer(t)

	states := make(chan StateChange, 16)
	channel, err := NewChannel(ChannelOptions{
		Dialer: WebSocketDialer{
			URL:               ps.url(),
			Token:             "secret",
			KeepAliveInterval: 50 * time.Millisecond,
			KeepAliveTimeout:  time.Second,
		},
		OnStateChange: func(change StateChange) { states <- change },
	})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer channel.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := channel.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-ps.ready

	ps.mu.Lock()
	userID, auth := ps.userID, ps.auth
	ps.mu.Unlock()
	if userID != "u1" || auth != "Bearer secret" {
		t.Fatalf("unexpected handshake user=%q auth=%q", userID, auth)
	}

	if err := channel.JoinRoom(ctx, "conv-1"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if frame := waitControl(t, ps.controls); frame.Type != TypeJoin || frame.Room != "conv-1" {
		t.Fatalf("unexpected control frame %+v", frame)
	}

	received := make(chan models.Message, 1)
	channel.Subscribe("conv-1", TypeNewMessage, func(e Event) {
		msg, err := e.DecodeMessage()
		if err == nil {
			received <- msg
		}
	})

	event, err := NewMessageEvent(models.Message{ID: "m1", ConversationID: "conv-1", SenderID: "u2", Content: "hi"})
	if err != nil {
		t.Fatalf("NewMessageEvent failed: %v", err)
	}
	ps.push(t, event)

	select {
	case msg := <-received:
		if msg.ID != "m1" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pushed message")
	}

	if err := channel.LeaveRoom(ctx, "conv-1"); err != nil {
		t.Fatalf("LeaveRoom failed: %v", err)
	}
	if frame := waitControl(t, ps.controls); frame.Type != TypeLeave {
		t.Fatalf("expected leave frame, got %+v", frame)
	}

	ps.closeConn()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case change := <-states:
			if change.State == StateDisconnected {
				if channel.Connected() {
					t.Fatalf("expected channel to report disconnected")
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for disconnect notification")
		}
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	_, err := WebSocketDialer{URL: "ws://127.0.0.1:1/ws", ConnectionTimeout: time.Second}.
		Dial(context.Background(), "u1", Callbacks{})
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
}
