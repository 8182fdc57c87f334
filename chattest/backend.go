// Package chattest provides an in-memory chat backend for tests and local
// runs. It serves both collaborators of a session: the request/response API
// (Backend.Client) and the push channel (Backend.Dialer).
package chattest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"shipchat/api"
	"shipchat/models"
	"shipchat/network"
)

// Operation names used by Calls, FailNext and Block.
const (
	OpFetchConversation = "fetch_conversation"
	OpSendMessage       = "send_message"
	OpToggleReaction    = "toggle_reaction"
	OpMarkAsRead        = "mark_as_read"
	OpListConversations = "list_conversations"
)

// ErrDropped is reported to transports cut by Drop.
var ErrDropped = errors.New("chattest: connection dropped")

type conversationState struct {
	conversation models.Conversation
	request      models.RequestSummary
	messages     []models.Message
	reads        map[string]time.Time
}

type peer struct {
	userID    string
	rooms     map[string]struct{}
	deliver   func(network.Event)
	drop      func(error)
	closeOnce sync.Once
}

type delivery struct {
	peer  *peer
	event network.Event
}

// Backend is a thread-safe fake of the chat server.
type Backend struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int
	convs     map[string]*conversationState
	order     []string
	byRequest map[string]string
	peers     map[*peer]struct{}
	holding   bool
	held      []delivery
	calls     map[string]int
	failures  map[string][]error
	gates     map[string]chan struct{}
	dialErr   error
}

// NewBackend creates an empty backend using the wall clock.
func NewBackend() *Backend {
	return &Backend{
		now:       time.Now,
		convs:     make(map[string]*conversationState),
		byRequest: make(map[string]string),
		peers:     make(map[*peer]struct{}),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
		gates:     make(map[string]chan struct{}),
	}
}

// SetClock replaces the time source used for message timestamps.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// AddConversation registers a conversation and the request it is bound to.
// Messages on conversation are ignored; use Post to add history.
func (b *Backend) AddConversation(conversation models.Conversation, request models.RequestSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conversation.LastMessage = nil
	conversation.UnreadCount = 0
	conversation.LastReadAt = nil
	if request.ID == "" {
		request.ID = conversation.RequestID
	}
	if _, exists := b.convs[conversation.ID]; !exists {
		b.order = append(b.order, conversation.ID)
	}
	b.convs[conversation.ID] = &conversationState{
		conversation: conversation,
		request:      request,
		reads:        make(map[string]time.Time),
	}
	b.byRequest[conversation.RequestID] = conversation.ID
}

// SetActive opens or closes a conversation, as delivering its request would.
func (b *Backend) SetActive(conversationID string, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.convs[conversationID]; ok {
		state.conversation.IsActive = active
	}
}

// RemoveConversation forgets a conversation, as if the request were deleted.
func (b *Backend) RemoveConversation(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.convs[conversationID]
	if !ok {
		return
	}
	delete(b.convs, conversationID)
	delete(b.byRequest, state.conversation.RequestID)
	for i, id := range b.order {
		if id == conversationID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Post stores a message from senderID and broadcasts it, as if that user
// had sent it from another client.
func (b *Backend) Post(conversationID, senderID, content string) (models.Message, error) {
	return b.sendMessage(senderID, conversationID, content)
}

// Messages returns the stored history of a conversation.
func (b *Backend) Messages(conversationID string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.convs[conversationID]
	if !ok {
		return nil
	}
	return cloneMessages(state.messages)
}

// Calls returns how many times op was requested.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// FailNext makes the next call of op return err.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

// Block holds every call of op until the returned release func runs.
func (b *Backend) Block(op string) (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.gates[op] = gate

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gates[op] == gate {
				delete(b.gates, op)
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// HoldPush queues push events instead of delivering them.
func (b *Backend) HoldPush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holding = true
}

// Flush delivers every held push event and stops holding.
func (b *Backend) Flush() {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.holding = false
	b.mu.Unlock()

	for _, d := range held {
		d.peer.deliver(d.event)
	}
}

// FailDial makes every Dial return err until it is called with nil.
func (b *Backend) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Connections returns the number of live push connections.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Joined reports whether any connection of userID has joined room.
func (b *Backend) Joined(userID, room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.peers {
		if _, ok := p.rooms[room]; ok && p.userID == userID {
			return true
		}
	}
	return false
}

// Drop cuts every push connection of userID.
func (b *Backend) Drop(userID string) {
	b.mu.Lock()
	var dropped []*peer
	for p := range b.peers {
		if p.userID == userID {
			dropped = append(dropped, p)
			delete(b.peers, p)
		}
	}
	b.mu.Unlock()

	for _, p := range dropped {
		p.close(ErrDropped)
	}
}

// Client returns the request/response API as seen by userID.
func (b *Backend) Client(userID string) api.Client {
	return &client{backend: b, userID: userID}
}

// Dialer returns a push dialer delivering events in process.
func (b *Backend) Dialer() network.Dialer {
	return dialer{backend: b}
}

func (b *Backend) register(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[p] = struct{}{}
}

func (b *Backend) unregister(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, p)
}

func (b *Backend) join(p *peer, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, live := b.peers[p]; !live {
		return network.ErrNotConnected
	}
	state, ok := b.convs[room]
	if !ok || !state.conversation.HasParticipant(p.userID) {
		return fmt.Errorf("join %q: %w", room, api.ErrNotFound)
	}
	p.rooms[room] = struct{}{}
	return nil
}

func (b *Backend) leave(p *peer, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(p.rooms, room)
}

// begin counts a call, waits on its gate and returns a queued failure.
func (b *Backend) begin(ctx context.Context, op string) error {
	b.mu.Lock()
	b.calls[op]++
	gate := b.gates[op]
	var failure error
	if queued := b.failures[op]; len(queued) > 0 {
		failure = queued[0]
		b.failures[op] = queued[1:]
	}
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failure
}

// broadcast must be called without b.mu held.
func (b *Backend) broadcast(event network.Event) {
	b.mu.Lock()
	var targets []*peer
	for p := range b.peers {
		if _, ok := p.rooms[event.Room]; ok {
			targets = append(targets, p)
		}
	}
	if b.holding {
		for _, p := range targets {
			b.held = append(b.held, delivery{peer: p, event: event})
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	for _, p := range targets {
		p.deliver(event)
	}
}

func (b *Backend) sendMessage(senderID, conversationID, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > models.MaxContentLength {
		return models.Message{}, &api.StatusError{Status: http.StatusBadRequest, Code: "invalid_content", Message: "content must be 1-2000 characters"}
	}

	b.mu.Lock()
	state, err := b.participantStateLocked(senderID, conversationID)
	if err != nil {
		b.mu.Unlock()
		return models.Message{}, err
	}
	if !state.conversation.IsActive {
		b.mu.Unlock()
		return models.Message{}, closedError()
	}

	b.seq++
	createdAt := b.now().UTC()
	if n := len(state.messages); n > 0 && !createdAt.After(state.messages[n-1].CreatedAt) {
		createdAt = state.messages[n-1].CreatedAt.Add(time.Millisecond)
	}
	msg := models.Message{
		ID:             fmt.Sprintf("msg-%d", b.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      createdAt,
	}
	state.messages = append(state.messages, msg)
	b.mu.Unlock()

	event, err := network.NewMessageEvent(msg)
	if err == nil {
		b.broadcast(event)
	}
	return msg, nil
}

func (b *Backend) toggleReaction(userID, conversationID, messageID, emoji string) (models.ReactionAggregate, error) {
	if strings.TrimSpace(emoji) == "" {
		return nil, &api.StatusError{Status: http.StatusBadRequest, Code: "invalid_emoji"}
	}

	b.mu.Lock()
	state, err := b.participantStateLocked(userID, conversationID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if !state.conversation.IsActive {
		b.mu.Unlock()
		return nil, closedError()
	}
	idx := -1
	for i := range state.messages {
		if state.messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return nil, &api.StatusError{Status: http.StatusNotFound, Code: "not_found", Message: "message not found"}
	}

	next := toggle(state.messages[idx].Reactions, emoji, userID)
	state.messages[idx].Reactions = next
	result := next.Clone()
	b.mu.Unlock()

	event, err := network.NewReactionEvent(models.ReactionEvent{
		ConversationID: conversationID,
		MessageID:      messageID,
		Reactions:      result.Clone(),
	})
	if err == nil {
		b.broadcast(event)
	}
	return result, nil
}

func (b *Backend) markAsRead(userID, conversationID string) (models.ReadReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.participantStateLocked(userID, conversationID)
	if err != nil {
		return models.ReadReceipt{}, err
	}
	readAt := b.now().UTC()
	if n := len(state.messages); n > 0 && readAt.Before(state.messages[n-1].CreatedAt) {
		readAt = state.messages[n-1].CreatedAt
	}
	state.reads[userID] = readAt
	return models.ReadReceipt{ConversationID: conversationID, ReadAt: readAt}, nil
}

func (b *Backend) listConversations(userID string) []models.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.Conversation, 0, len(b.order))
	for _, id := range b.order {
		state := b.convs[id]
		if state.conversation.HasParticipant(userID) {
			out = append(out, state.viewLocked(userID))
		}
	}
	return out
}

func (b *Backend) fetchConversation(userID, requestID string) (models.ConversationDetail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.byRequest[requestID]
	if !ok {
		return models.ConversationDetail{}, notFoundError("conversation")
	}
	state, err := b.participantStateLocked(userID, id)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	return models.ConversationDetail{
		Conversation: state.viewLocked(userID),
		Messages:     cloneMessages(state.messages),
		Request:      state.request,
	}, nil
}

func (b *Backend) participantStateLocked(userID, conversationID string) (*conversationState, error) {
	state, ok := b.convs[conversationID]
	if !ok || !state.conversation.HasParticipant(userID) {
		return nil, notFoundError("conversation")
	}
	return state, nil
}

// viewLocked builds the viewer-relative summary.
func (s *conversationState) viewLocked(viewerID string) models.Conversation {
	c := s.conversation
	c.Participants = append([]models.Participant(nil), s.conversation.Participants...)
	readAt, hasRead := s.reads[viewerID]
	if hasRead {
		at := readAt
		c.LastReadAt = &at
	}
	for _, msg := range s.messages {
		if msg.SenderID != viewerID && (!hasRead || msg.CreatedAt.After(readAt)) {
			c.UnreadCount++
		}
	}
	if n := len(s.messages); n > 0 {
		c.LastMessage = s.messages[n-1].Preview()
	}
	return c
}

func toggle(current models.ReactionAggregate, emoji, userID string) models.ReactionAggregate {
	next := current.Clone()
	for i := range next {
		if next[i].Emoji != emoji {
			continue
		}
		users := next[i].Users[:0]
		removed := false
		for _, u := range next[i].Users {
			if u == userID {
				removed = true
				continue
			}
			users = append(users, u)
		}
		if !removed {
			users = append(users, userID)
		}
		next[i].Users = users
		return next.Normalize()
	}
	return append(next, models.Reaction{Emoji: emoji, Users: []string{userID}}).Normalize()
}

func closedError() error {
	return &api.StatusError{Status: http.StatusConflict, Code: api.CodeConversationClosed, Message: "conversation is closed"}
}

func notFoundError(what string) error {
	return &api.StatusError{Status: http.StatusNotFound, Code: "not_found", Message: what + " not found"}
}

func cloneMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		out[i].Reactions = msg.Reactions.Clone()
	}
	return out
}

func (p *peer) close(err error) {
	p.closeOnce.Do(func() {
		if p.drop != nil {
			p.drop(err)
		}
	})
}

// client implements api.Client for one user.
type client struct {
	backend *Backend
	userID  string
}

func (c *client) FetchConversation(ctx context.Context, requestID string) (models.ConversationDetail, error) {
	if err := c.backend.begin(ctx, OpFetchConversation); err != nil {
		return models.ConversationDetail{}, err
	}
	return c.backend.fetchConversation(c.userID, requestID)
}

func (c *client) SendMessage(ctx context.Context, conversationID, content string) (models.Message, error) {
	if err := c.backend.begin(ctx, OpSendMessage); err != nil {
		return models.Message{}, err
	}
	return c.backend.sendMessage(c.userID, conversationID, content)
}

func (c *client) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (models.ReactionAggregate, error) {
	if err := c.backend.begin(ctx, OpToggleReaction); err != nil {
		return nil, err
	}
	return c.backend.toggleReaction(c.userID, conversationID, messageID, emoji)
}

func (c *client) MarkAsRead(ctx context.Context, conversationID string) (models.ReadReceipt, error) {
	if err := c.backend.begin(ctx, OpMarkAsRead); err != nil {
		return models.ReadReceipt{}, err
	}
	return c.backend.markAsRead(c.userID, conversationID)
}

func (c *client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	if err := c.backend.begin(ctx, OpListConversations); err != nil {
		return nil, err
	}
	return c.backend.listConversations(c.userID), nil
}

// dialer implements network.Dialer in process.
type dialer struct {
	backend *Backend
}

func (d dialer) Dial(ctx context.Context, userID string, callbacks network.Callbacks) (network.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.backend.mu.Lock()
	dialErr := d.backend.dialErr
	d.backend.mu.Unlock()
	if dialErr != nil {
		return nil, dialErr
	}

	p := &peer{
		userID: userID,
		rooms:  make(map[string]struct{}),
		deliver: func(event network.Event) {
			if callbacks.OnEvent != nil {
				callbacks.OnEvent(event)
			}
		},
		drop: func(err error) {
			if callbacks.OnClose != nil {
				callbacks.OnClose(err)
			}
		},
	}
	d.backend.register(p)
	return &memTransport{backend: d.backend, peer: p}, nil
}

type memTransport struct {
	backend *Backend
	peer    *peer
}

func (t *memTransport) Join(_ context.Context, room string) error {
	return t.backend.join(t.peer, room)
}

func (t *memTransport) Leave(_ context.Context, room string) error {
	t.backend.leave(t.peer, room)
	return nil
}

func (t *memTransport) Close() error {
	t.backend.unregister(t.peer)
	t.peer.close(nil)
	return nil
}
