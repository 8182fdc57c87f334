// Package session is the client-side conversation synchronization engine.
// A Session lives from login to logout: it owns the push channel, the
// conversation list index, the read tracker and the shared state of every
// thread opened during the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shipchat/api"
	"shipchat/inbox"
	"shipchat/metrics"
	"shipchat/models"
	"shipchat/network"
	"shipchat/thread"
)

// DefaultRequestTimeout bounds each background request.
const DefaultRequestTimeout = 15 * time.Second

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

var (
	// ErrConversationClosed is returned for sends and reactions on an inactive conversation.
	ErrConversationClosed = thread.ErrConversationClosed
	// ErrEmptyContent is returned when a message has no text.
	ErrEmptyContent = errors.New("session: message content is empty")
	// ErrContentTooLong is returned when a message exceeds models.MaxContentLength characters.
	ErrContentTooLong = errors.New("session: message content too long")
	// ErrEmptyEmoji is returned when a reaction has no emoji.
	ErrEmptyEmoji = errors.New("session: emoji is empty")
	// ErrActionPending is returned while the same reaction toggle is in flight.
	ErrActionPending = errors.New("session: action already pending")
	// ErrNotOpen is returned when a closed view is used.
	ErrNotOpen = errors.New("session: view is closed")
	// ErrSessionClosed is returned after Teardown.
	ErrSessionClosed = errors.New("session: closed")
)

// Cache is the local write-through store. *storage.Store implements it.
type Cache interface {
	ListConversations() ([]models.Conversation, error)
	ReplaceConversations(conversations []models.Conversation) error
	SaveConversation(conversation models.Conversation) error
	SetConversationActive(conversationID string, active bool) error
	SaveMessage(message models.Message) error
	SaveMessages(messages []models.Message) error
	UpdateReactions(messageID string, reactions models.ReactionAggregate) error
	SetReadMarker(conversationID string, readAt time.Time) error
}

// Options controls runtime behavior of Session.
type Options struct {
	UserID string
	API    api.Client
	Dialer network.Dialer
	// Cache is optional.
	Cache   Cache
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	RequestTimeout   time.Duration
	AutoReconnect    bool
	ReconnectBackoff []time.Duration
	Now              func() time.Time
}

// Session is the per-login synchronization service.
type Session struct {
	userID  string
	api     api.Client
	cache   Cache
	logger  *zap.Logger
	metrics *metrics.Metrics
	options Options

	channel *network.Channel
	index   *inbox.Index
	tracker *inbox.Tracker
	bus     *Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	threads      map[string]*threadState
	views        map[string]int
	listRooms    map[string]struct{}
	pushTokens   []network.Token
	// reconnecting defers room joins to rejoinRooms.
	reconnecting bool

	teardownOnce sync.Once
	teardownErr  error
}

// Init starts a session for options.UserID: it warms the list index from
// the cache and connects the push channel. With AutoReconnect a failed
// connect is retried in the background instead of failing Init.
func Init(ctx context.Context, options Options) (*Session, error) {
	if options.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if options.API == nil {
		return nil, errors.New("api client is required")
	}
	if options.Dialer == nil {
		return nil, errors.New("push dialer is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = DefaultRequestTimeout
	}
	if len(options.ReconnectBackoff) == 0 {
		options.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	s := &Session{
		userID:    options.UserID,
		api:       options.API,
		cache:     options.Cache,
		logger:    options.Logger.With(zap.String("user_id", options.UserID)),
		metrics:   options.Metrics,
		options:   options,
		index:     inbox.NewIndex(options.UserID),
		bus:       NewBus(),
		threads:   make(map[string]*threadState),
		views:     make(map[string]int),
		listRooms: make(map[string]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	channel, err := network.NewChannel(network.ChannelOptions{
		Dialer:        options.Dialer,
		Logger:        s.logger,
		Metrics:       options.Metrics,
		OnStateChange: s.onChannelState,
	})
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.channel = channel

	var markerStore inbox.MarkerStore
	if s.cache != nil {
		markerStore = s.cache
	}
	tracker, err := inbox.NewTracker(inbox.TrackerOptions{
		API:     options.API,
		Index:   s.index,
		Cache:   markerStore,
		Logger:  s.logger,
		Timeout: options.RequestTimeout,
		Now:     options.Now,
		OnRead: func(event inbox.ReadEvent) {
			s.bus.Publish(Event{Kind: EventConversationRead, ConversationID: event.ConversationID, Badge: event.Badge})
		},
	})
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.tracker = tracker

	s.warmStart()

	if err := s.connect(ctx); err != nil {
		if !options.AutoReconnect {
			s.cancel()
			return nil, err
		}
		s.logger.Warn("push channel unavailable, retrying in background", zap.Error(err))
		s.startReconnect()
	}
	return s, nil
}

// UserID returns the authenticated user.
func (s *Session) UserID() string {
	return s.userID
}

// Subscribe observes every session event.
func (s *Session) Subscribe(fn func(Event)) (cancel func()) {
	return s.bus.Subscribe(fn)
}

// Connected reports whether the push channel is up.
func (s *Session) Connected() bool {
	return s.channel.Connected()
}

// RefreshList reloads the conversation summaries and joins every
// conversation room so the list follows messages in threads that are not
// open. It is safe to call again after a failure.
func (s *Session) RefreshList(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	summaries, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh conversation list: %w", err)
	}
	s.index.Reset(summaries)
	if s.cache != nil {
		if err := s.cache.ReplaceConversations(summaries); err != nil {
			s.logger.Warn("cache conversation list failed", zap.Error(err))
		}
	}

	listed := make(map[string]struct{}, len(summaries))
	for _, summary := range summaries {
		listed[summary.ID] = struct{}{}
	}
	s.mu.Lock()
	var stale []string
	for id := range s.listRooms {
		if _, ok := listed[id]; !ok {
			delete(s.listRooms, id)
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.leaveRoom(ctx, id)
	}

	for _, summary := range summaries {
		s.mu.Lock()
		_, joined := s.listRooms[summary.ID]
		if !joined {
			s.listRooms[summary.ID] = struct{}{}
		}
		deferred := s.reconnecting
		s.mu.Unlock()
		if !joined && !deferred {
			s.joinRoom(ctx, summary.ID)
		}
		if state := s.lookupThread(summary.ID); state != nil && !summary.IsActive {
			s.closeConversation(state)
		}
	}

	s.bus.Publish(Event{Kind: EventListChanged})
	return nil
}

// Conversations returns the list filtered by f, most recent first.
func (s *Session) Conversations(f inbox.Filter) []models.Conversation {
	return s.index.Filter(f)
}

// Counts returns the number of conversations per filter.
func (s *Session) Counts() map[inbox.Filter]int {
	return s.index.Counts()
}

// Badge returns the total unread count.
func (s *Session) Badge() int {
	return s.index.Badge()
}

// MarkAsRead marks a conversation read without opening it.
func (s *Session) MarkAsRead(ctx context.Context, conversationID string) (models.ReadReceipt, error) {
	if s.isClosed() {
		return models.ReadReceipt{}, ErrSessionClosed
	}
	return s.tracker.MarkAsRead(ctx, conversationID)
}

// Teardown ends the session: it cancels background work, waits for it
// until ctx ends, and closes the push channel.
func (s *Session) Teardown(ctx context.Context) error {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("teardown did not wait for background requests", zap.Error(ctx.Err()))
		}

		s.teardownErr = s.channel.Close()
		s.logger.Info("session ended")
	})
	return s.teardownErr
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) warmStart() {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.ListConversations()
	if err != nil {
		s.logger.Warn("load cached conversations failed", zap.Error(err))
		return
	}
	s.index.Reset(cached)
	s.logger.Debug("conversation list warmed from cache", zap.Int("count", len(cached)))
}

// connect opens the channel and installs the push handlers. Handlers are
// installed after Connect because a new connection starts with none.
func (s *Session) connect(ctx context.Context) error {
	if err := s.channel.Connect(ctx, s.userID); err != nil {
		return err
	}

	s.mu.Lock()
	for _, token := range s.pushTokens {
		s.channel.Unsubscribe(token)
	}
	s.pushTokens = []network.Token{
		s.channel.Subscribe("", network.TypeNewMessage, s.handleNewMessage),
		s.channel.Subscribe("", network.TypeMessageReaction, s.handleReaction),
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) joinRoom(ctx context.Context, conversationID string) {
	if err := s.channel.JoinRoom(ctx, conversationID); err != nil {
		if errors.Is(err, network.ErrNotConnected) {
			s.logger.Debug("room join deferred until reconnect", zap.String("conversation_id", conversationID))
			return
		}
		s.logger.Warn("join room failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *Session) leaveRoom(ctx context.Context, conversationID string) {
	if err := s.channel.LeaveRoom(ctx, conversationID); err != nil {
		s.logger.Warn("leave room failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// goAction runs fn in the background under the session lifetime, not the
// caller's, so a closed view never cancels its requests.
func (s *Session) goAction(fn func(ctx context.Context) error) *Action {
	action := newAction()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		action.finish(ErrSessionClosed)
		return action
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.options.RequestTimeout)
		defer cancel()
		action.finish(fn(ctx))
	}()
	return action
}

func (s *Session) lookupThread(conversationID string) *threadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[conversationID]
}
