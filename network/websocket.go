package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// WebSocketDialer opens push transports over a websocket endpoint.
type WebSocketDialer struct {
	URL               string
	Token             string
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	Logger            *zap.Logger
}

func (d WebSocketDialer) withDefaults() WebSocketDialer {
	if d.ConnectionTimeout <= 0 {
		d.ConnectionTimeout = DefaultConnectionTimeout
	}
	if d.KeepAliveInterval <= 0 {
		d.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if d.KeepAliveTimeout <= 0 {
		d.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if d.WriteTimeout <= 0 {
		d.WriteTimeout = DefaultWriteTimeout
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Dial connects as userID and starts the read and keep-alive loops.
func (d WebSocketDialer) Dial(ctx context.Context, userID string, callbacks Callbacks) (Transport, error) {
	opts := d.withDefaults()

	endpoint, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push url %q: %w", opts.URL, err)
	}
	query := endpoint.Query()
	query.Set("user_id", userID)
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.ConnectionTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %q: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %q: %w", opts.URL, err)
	}

	return newWSConnection(conn, opts, callbacks), nil
}

// wsConnection manages one stateful websocket session.
type wsConnection struct {
	conn   *websocket.Conn
	logger *zap.Logger

	onEvent func(Event)
	onClose func(error)

	sendMu sync.Mutex

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newWSConnection(conn *websocket.Conn, opts WebSocketDialer, callbacks Callbacks) *wsConnection {
	wc := &wsConnection{
		conn:              conn,
		logger:            opts.Logger,
		onEvent:           callbacks.OnEvent,
		onClose:           callbacks.OnClose,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		writeTimeout:      opts.WriteTimeout,
		closed:            make(chan struct{}),
	}

	conn.SetReadLimit(MaxFrameSize)
	wc.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		wc.extendReadDeadline()
		return nil
	})

	go wc.readLoop()
	go wc.keepAliveLoop()

	return wc
}

// Join sends a join control frame for room.
func (wc *wsConnection) Join(ctx context.Context, room string) error {
	return wc.sendControl(ctx, ControlFrame{Type: TypeJoin, Room: room})
}

// Leave sends a leave control frame for room.
func (wc *wsConnection) Leave(ctx context.Context, room string) error {
	return wc.sendControl(ctx, ControlFrame{Type: TypeLeave, Room: room})
}

// Close sends a close frame and terminates the connection.
func (wc *wsConnection) Close() error {
	wc.sendMu.Lock()
	_ = wc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	wc.sendMu.Unlock()

	wc.closeWithError(nil)
	return nil
}

// Done is closed when the connection is fully disconnected.
func (wc *wsConnection) Done() <-chan struct{} {
	return wc.closed
}

func (wc *wsConnection) sendControl(ctx context.Context, frame ControlFrame) error {
	select {
	case <-wc.closed:
		if err := wc.lastError(); err != nil {
			return err
		}
		return ErrNotConnected
	default:
	}

	payload, err := EncodeJSON(frame)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wc.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	wc.sendMu.Lock()
	defer wc.sendMu.Unlock()
	if err := wc.conn.SetWriteDeadline(deadline); err != nil {
		wc.closeWithError(fmt.Errorf("set write deadline: %w", err))
		return err
	}
	if err := wc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		wc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

func (wc *wsConnection) readLoop() {
	defer func() {
		if wc.onClose != nil {
			wc.onClose(wc.lastError())
		}
	}()

	for {
		messageType, payload, err := wc.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				wc.closeWithError(nil)
			case errors.As(err, &netErr) && netErr.Timeout():
				wc.closeWithError(ErrPongTimeout)
			default:
				wc.closeWithError(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		wc.extendReadDeadline()
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		event, err := DecodeEvent(payload)
		if err != nil {
			wc.logger.Warn("dropping malformed push frame", zap.Error(err), zap.Int("len", len(payload)))
			continue
		}
		if event.Type == TypeError {
			wc.logger.Warn("push server reported error", zap.String("room", event.Room), zap.ByteString("payload", event.Payload))
			continue
		}
		if wc.onEvent != nil {
			wc.onEvent(event)
		}
	}
}

func (wc *wsConnection) keepAliveLoop() {
	ticker := time.NewTicker(wc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wc.sendMu.Lock()
			err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wc.writeTimeout))
			wc.sendMu.Unlock()
			if err != nil {
				wc.closeWithError(fmt.Errorf("write ping: %w", err))
				return
			}
		case <-wc.closed:
			return
		}
	}
}

// extendReadDeadline allows one keep-alive interval plus the pong timeout
// between inbound frames.
func (wc *wsConnection) extendReadDeadline() {
	_ = wc.conn.SetReadDeadline(time.Now().Add(wc.keepAliveInterval + wc.keepAliveTimeout))
}

func (wc *wsConnection) lastError() error {
	wc.errMu.RLock()
	defer wc.errMu.RUnlock()
	return wc.closeErr
}

func (wc *wsConnection) closeWithError(err error) {
	wc.closeOnce.Do(func() {
		wc.errMu.Lock()
		wc.closeErr = err
		wc.errMu.Unlock()

		_ = wc.conn.Close()
		close(wc.closed)
	})
}
