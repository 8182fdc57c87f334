package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"shipchat/metrics"
)

// ConnectionState represents the lifecycle state of the push channel.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// StateChange is emitted whenever the channel connects or drops.
// Err is nil for a requested teardown.
type StateChange struct {
	UserID string
	State  ConnectionState
	Err    error
}

// Handler receives push events. It runs on the transport's read goroutine
// and must not block for long.
type Handler func(Event)

// Token identifies one subscription. The zero Token is never issued.
type Token uint64

// Transport is one live push connection.
type Transport interface {
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
	Close() error
}

// Callbacks connect a Transport to the channel that owns it.
// OnClose is called once when the transport stops, with a nil error for Close.
type Callbacks struct {
	OnEvent func(Event)
	OnClose func(error)
}

// Dialer opens push transports for a user.
type Dialer interface {
	Dial(ctx context.Context, userID string, callbacks Callbacks) (Transport, error)
}

// ChannelOptions controls runtime behavior of Channel.
type ChannelOptions struct {
	Dialer        Dialer
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	OnStateChange func(StateChange)
}

type subscriptionKey struct {
	room      string
	eventType string
}

type subscription struct {
	key     subscriptionKey
	handler Handler
}

// Channel multiplexes one push connection between reference-counted rooms
// and a (room, eventType) handler registry. Room "" subscribes to every
// joined room.
type Channel struct {
	dialer        Dialer
	logger        *zap.Logger
	metrics       *metrics.Metrics
	onStateChange func(StateChange)

	connectMu sync.Mutex

	mu         sync.Mutex
	userID     string
	transport  Transport
	generation uint64
	rooms      map[string]int
	pending    map[string]chan struct{}
	subs       map[subscriptionKey]map[Token]Handler
	tokens     map[Token]subscriptionKey
	nextToken  Token
}

// NewChannel creates a disconnected channel.
func NewChannel(options ChannelOptions) (*Channel, error) {
	if options.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Channel{
		dialer:        options.Dialer,
		logger:        logger,
		metrics:       options.Metrics,
		onStateChange: options.OnStateChange,
		rooms:         make(map[string]int),
		pending:       make(map[string]chan struct{}),
		subs:          make(map[subscriptionKey]map[Token]Handler),
		tokens:        make(map[Token]subscriptionKey),
	}, nil
}

// Connect opens the push connection for userID. It is a no-op when already
// connected as that user; a different user replaces the old connection.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.transport != nil && c.userID == userID {
		c.mu.Unlock()
		return nil
	}
	previous := c.detachLocked()
	previousUser := c.userID
	c.generation++
	generation := c.generation
	c.userID = userID
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
		c.notify(StateChange{UserID: previousUser, State: StateDisconnected})
	}
	c.notify(StateChange{UserID: userID, State: StateConnecting})

	transport, err := c.dialer.Dial(ctx, userID, Callbacks{
		OnEvent: func(event Event) { c.dispatch(generation, event) },
		OnClose: func(err error) { c.transportClosed(generation, err) },
	})
	if err != nil {
		c.notify(StateChange{UserID: userID, State: StateDisconnected, Err: err})
		return fmt.Errorf("connect push channel: %w", err)
	}

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		_ = transport.Close()
		return ErrNotConnected
	}
	c.transport = transport
	c.mu.Unlock()

	c.logger.Info("push channel connected", zap.String("user_id", userID))
	c.notify(StateChange{UserID: userID, State: StateConnected})
	return nil
}

// Connected reports whether a push connection is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}

// UserID returns the user the channel is connected as, or "".
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return ""
	}
	return c.userID
}

// JoinRoom takes one reference on room. The wire join is sent only for the
// first reference, outside the lock; concurrent joiners wait for it.
func (c *Channel) JoinRoom(ctx context.Context, room string) error {
	if room == "" {
		return errors.New("room is required")
	}

	for {
		c.mu.Lock()
		if c.transport == nil {
			c.mu.Unlock()
			return ErrNotConnected
		}
		if wait, busy := c.pending[room]; busy {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if c.rooms[room] > 0 {
			c.rooms[room]++
			c.mu.Unlock()
			return nil
		}

		transport, generation, done := c.beginRoomOpLocked(room)
		c.mu.Unlock()

		err := transport.Join(ctx, room)

		c.mu.Lock()
		c.endRoomOpLocked(room, done)
		switch {
		case c.generation != generation || c.transport != transport:
			c.mu.Unlock()
			return ErrNotConnected
		case err != nil:
			c.mu.Unlock()
			return fmt.Errorf("join room %q: %w", room, err)
		}
		c.rooms[room] = 1
		c.mu.Unlock()

		c.logger.Debug("joined room", zap.String("room", room))
		return nil
	}
}

// LeaveRoom releases one reference on room. The wire leave is sent when the
// last reference goes away. Leaving a room that is not joined is a no-op.
func (c *Channel) LeaveRoom(ctx context.Context, room string) error {
	for {
		c.mu.Lock()
		if wait, busy := c.pending[room]; busy {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		refs, ok := c.rooms[room]
		if !ok || c.transport == nil {
			c.mu.Unlock()
			return nil
		}
		if refs > 1 {
			c.rooms[room] = refs - 1
			c.mu.Unlock()
			return nil
		}

		delete(c.rooms, room)
		transport, _, done := c.beginRoomOpLocked(room)
		c.mu.Unlock()

		err := transport.Leave(ctx, room)

		c.mu.Lock()
		c.endRoomOpLocked(room, done)
		c.mu.Unlock()

		if err != nil {
			return fmt.Errorf("leave room %q: %w", room, err)
		}
		c.logger.Debug("left room", zap.String("room", room))
		return nil
	}
}

// beginRoomOpLocked marks a wire join or leave of room as in flight.
func (c *Channel) beginRoomOpLocked(room string) (Transport, uint64, chan struct{}) {
	done := make(chan struct{})
	c.pending[room] = done
	return c.transport, c.generation, done
}

func (c *Channel) endRoomOpLocked(room string, done chan struct{}) {
	if c.pending[room] == done {
		delete(c.pending, room)
	}
	close(done)
}

// RoomRefs returns the reference count held on room.
func (c *Channel) RoomRefs(room string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

// Rooms returns the joined rooms in sorted order.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Subscribe registers handler for eventType in room ("" for every room).
func (c *Channel) Subscribe(room, eventType string, handler Handler) Token {
	if handler == nil || eventType == "" {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextToken++
	token := c.nextToken
	key := subscriptionKey{room: room, eventType: eventType}
	handlers := c.subs[key]
	if handlers == nil {
		handlers = make(map[Token]Handler)
		c.subs[key] = handlers
	}
	handlers[token] = handler
	c.tokens[token] = key
	return token
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (c *Channel) Unsubscribe(token Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.tokens[token]
	if !ok {
		return
	}
	delete(c.tokens, token)
	if handlers := c.subs[key]; handlers != nil {
		delete(handlers, token)
		if len(handlers) == 0 {
			delete(c.subs, key)
		}
	}
}

// Subscriptions returns the number of live subscriptions.
func (c *Channel) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

// Close tears the connection down and forgets every room and subscription.
func (c *Channel) Close() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	transport := c.detachLocked()
	userID := c.userID
	c.generation++
	c.userID = ""
	c.mu.Unlock()

	if transport == nil {
		return nil
	}
	err := transport.Close()
	c.logger.Info("push channel closed", zap.String("user_id", userID))
	c.notify(StateChange{UserID: userID, State: StateDisconnected})
	return err
}

// detachLocked clears connection state and returns the transport to close.
func (c *Channel) detachLocked() Transport {
	transport := c.transport
	c.transport = nil
	c.rooms = make(map[string]int)
	c.pending = make(map[string]chan struct{})
	c.subs = make(map[subscriptionKey]map[Token]Handler)
	c.tokens = make(map[Token]subscriptionKey)
	return transport
}

func (c *Channel) transportClosed(generation uint64, err error) {
	c.mu.Lock()
	if c.generation != generation || c.transport == nil {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	userID := c.userID
	c.mu.Unlock()

	c.logger.Warn("push channel dropped", zap.String("user_id", userID), zap.Error(err))
	c.notify(StateChange{UserID: userID, State: StateDisconnected, Err: err})
}

func (c *Channel) dispatch(generation uint64, event Event) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	_, joined := c.rooms[event.Room]
	if _, joining := c.pending[event.Room]; !joined && !joining {
		c.mu.Unlock()
		c.logger.Debug("dropping event for unjoined room", zap.String("room", event.Room), zap.String("type", event.Type))
		return
	}

	handlers := collectHandlers(c.subs[subscriptionKey{room: event.Room, eventType: event.Type}])
	handlers = append(handlers, collectHandlers(c.subs[subscriptionKey{eventType: event.Type}])...)
	c.mu.Unlock()

	c.metrics.Push(event.Type)
	for _, handler := range handlers {
		handler(event)
	}
}

// collectHandlers returns handlers in subscription order.
func collectHandlers(handlers map[Token]Handler) []Handler {
	if len(handlers) == 0 {
		return nil
	}
	tokens := make([]Token, 0, len(handlers))
	for token := range handlers {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	out := make([]Handler, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, handlers[token])
	}
	return out
}

func (c *Channel) notify(change StateChange) {
	if c.onStateChange != nil {
		c.onStateChange(change)
	}
}
