package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSDialer opens push transports on a NATS cluster. Each room maps to the
// subject RoomSubject(room).
type NATSDialer struct {
	Servers []string
	Name    string
	Token   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Dial connects to the cluster. Reconnects are left to the session so that
// a dropped connection forgets its rooms like any other transport.
func (d NATSDialer) Dial(ctx context.Context, userID string, callbacks Callbacks) (Transport, error) {
	if len(d.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := d.Name
	if name == "" {
		name = "shipchat-" + userID
	}

	nt := &natsTransport{
		logger:  logger,
		onEvent: callbacks.OnEvent,
		subs:    make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nt.setDropErr(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if callbacks.OnClose != nil {
				callbacks.OnClose(nt.dropErr())
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if d.Token != "" {
		opts = append(opts, nats.Token(d.Token))
	}

	nc, err := nats.Connect(strings.Join(d.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	nt.nc = nc
	return nt, nil
}

type natsTransport struct {
	nc      *nats.Conn
	logger  *zap.Logger
	onEvent func(Event)

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	closing bool
	lastErr error
}

// Join subscribes to the room subject.
func (nt *natsTransport) Join(_ context.Context, room string) error {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if nt.closing {
		return ErrNotConnected
	}
	if _, ok := nt.subs[room]; ok {
		return nil
	}

	sub, err := nt.nc.Subscribe(RoomSubject(room), func(msg *nats.Msg) {
		nt.deliver(room, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", RoomSubject(room), err)
	}
	nt.subs[room] = sub
	return nil
}

// Leave unsubscribes from the room subject.
func (nt *natsTransport) Leave(_ context.Context, room string) error {
	nt.mu.Lock()
	sub, ok := nt.subs[room]
	delete(nt.subs, room)
	nt.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe %q: %w", sub.Subject, err)
	}
	return nil
}

// Close drains every room subscription and the connection.
func (nt *natsTransport) Close() error {
	nt.mu.Lock()
	if nt.closing {
		nt.mu.Unlock()
		return nil
	}
	nt.closing = true
	for room, sub := range nt.subs {
		_ = sub.Drain()
		delete(nt.subs, room)
	}
	nt.mu.Unlock()

	if err := nt.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		nt.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

func (nt *natsTransport) deliver(room string, data []byte) {
	event, err := DecodeEvent(data)
	if err != nil {
		nt.logger.Warn("dropping malformed nats push", zap.String("room", room), zap.Error(err))
		return
	}
	if event.Room == "" {
		event.Room = room
	}
	if nt.onEvent != nil {
		nt.onEvent(event)
	}
}

func (nt *natsTransport) setDropErr(err error) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if !nt.closing && err != nil {
		nt.lastErr = err
	}
}

func (nt *natsTransport) dropErr() error {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if nt.closing {
		return nil
	}
	if nt.lastErr == nil {
		return nats.ErrConnectionClosed
	}
	return nt.lastErr
}
