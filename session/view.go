package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"shipchat/metrics"
	"shipchat/models"
	"shipchat/thread"
	"shipchat/timeline"
)

// View is one open thread screen. Several views may share a conversation;
// they share its state and its room membership.
type View struct {
	session *Session
	state   *threadState

	// ReadAction is the mark-as-read request issued when the view opened.
	ReadAction *Action

	mu      sync.Mutex
	closed  bool
	cancels []func()
}

// PendingState reports what a view is waiting on, so callers can disable
// repeated input.
type PendingState struct {
	Sends       int
	Reactions   []string
	MarkingRead bool
}

// OpenThread fetches the conversation bound to requestID, joins its room
// and marks it read once. On fetch failure nothing is left half built and
// the call may simply be repeated.
func (s *Session) OpenThread(ctx context.Context, requestID string) (*View, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	detail, err := s.api.FetchConversation(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("open thread for request %q: %w", requestID, err)
	}
	conversationID := detail.Conversation.ID

	state, fresh := s.load(detail)
	for i := 0; i < fresh; i++ {
		s.metrics.Appended(metrics.SourceFetch)
	}
	s.index.Upsert(detail.Conversation)
	s.cacheThread(detail.Conversation, detail.Messages)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.views[conversationID]++
	deferred := s.reconnecting
	s.mu.Unlock()
	if !deferred {
		s.joinRoom(ctx, conversationID)
	}

	view := &View{session: s, state: state}
	view.ReadAction = s.goAction(func(ctx context.Context) error {
		if _, err := s.tracker.OpenEvent(ctx, conversationID); err != nil {
			s.logger.Warn("mark as read on open failed", zap.String("conversation_id", conversationID), zap.Error(err))
			return err
		}
		return nil
	})

	s.logger.Debug("thread opened",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", state.store.Len()),
	)
	s.bus.Publish(Event{Kind: EventListChanged, ConversationID: conversationID})
	return view, nil
}

// ConversationID returns the conversation shown by the view.
func (v *View) ConversationID() string {
	return v.state.conversationID
}

// Conversation returns the conversation as last fetched, with the live
// active flag.
func (v *View) Conversation() models.Conversation {
	c, _ := v.state.snapshot()
	c.IsActive = v.state.store.Active()
	return c
}

// Request returns the shipment request the conversation is bound to.
func (v *View) Request() models.RequestSummary {
	_, request := v.state.snapshot()
	return request
}

// Active reports whether the conversation accepts sends and reactions.
func (v *View) Active() bool {
	return v.state.store.Active()
}

// Entries returns the thread in display order with current reactions.
func (v *View) Entries() []thread.Entry {
	entries := v.state.store.Entries()
	for i := range entries {
		if entries[i].State == thread.StateConfirmed {
			entries[i].Message.Reactions = v.state.reactions.Get(entries[i].Message.ID)
		}
	}
	return entries
}

// Groups projects the thread into day groups for loc. It is recomputed on
// every call.
func (v *View) Groups(now time.Time, loc *time.Location) []timeline.Group {
	entries := v.Entries()
	messages := make([]models.Message, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, entry.Message)
	}
	return timeline.ByDay(messages, now, loc)
}

// HasReacted reports whether the current user holds emoji on messageID.
func (v *View) HasReacted(messageID, emoji string) bool {
	return v.state.reactions.HasReacted(messageID, emoji, v.session.userID)
}

// Send appends content as a pending entry at once and posts it in the
// background. The returned entry carries the provisional id.
func (v *View) Send(content string) (thread.Entry, *Action, error) {
	if v.isClosed() {
		return thread.Entry{}, nil, ErrNotOpen
	}
	return v.session.send(v.state, content)
}

// Retry re-posts a failed entry.
func (v *View) Retry(localID string) (*Action, error) {
	if v.isClosed() {
		return nil, ErrNotOpen
	}
	return v.session.retry(v.state, localID)
}

// Discard drops a failed entry.
func (v *View) Discard(localID string) error {
	if v.isClosed() {
		return ErrNotOpen
	}
	if err := v.state.store.Discard(localID); err != nil {
		return err
	}
	v.session.bus.Publish(Event{Kind: EventEntryDiscarded, ConversationID: v.state.conversationID, LocalID: localID})
	return nil
}

// ToggleReaction flips the current user's emoji on messageID.
func (v *View) ToggleReaction(messageID, emoji string) (*Action, error) {
	if v.isClosed() {
		return nil, ErrNotOpen
	}
	return v.session.toggle(v.state, messageID, emoji)
}

// MarkRead marks the conversation read again.
func (v *View) MarkRead() *Action {
	conversationID := v.state.conversationID
	return v.session.goAction(func(ctx context.Context) error {
		_, err := v.session.tracker.MarkAsRead(ctx, conversationID)
		return err
	})
}

// Pending reports the requests in flight for this conversation.
func (v *View) Pending() PendingState {
	v.state.mu.Lock()
	reactions := make([]string, 0, len(v.state.toggles))
	for id := range v.state.toggles {
		reactions = append(reactions, id)
	}
	v.state.mu.Unlock()
	sort.Strings(reactions)

	return PendingState{
		Sends:       v.state.store.Pending(),
		Reactions:   reactions,
		MarkingRead: v.session.tracker.InFlight(v.state.conversationID),
	}
}

// Refresh refetches the conversation and merges it into the thread. This
// is the recovery path for events missed while the channel was down.
func (v *View) Refresh(ctx context.Context) error {
	if v.isClosed() {
		return ErrNotOpen
	}
	c, _ := v.state.snapshot()
	detail, err := v.session.api.FetchConversation(ctx, c.RequestID)
	if err != nil {
		return fmt.Errorf("refresh thread %q: %w", v.state.conversationID, err)
	}
	v.session.load(detail)
	v.session.index.Upsert(detail.Conversation)
	v.session.cacheThread(detail.Conversation, detail.Messages)
	return nil
}

// Subscribe observes session events for this conversation until the view
// is closed.
func (v *View) Subscribe(fn func(Event)) (cancel func()) {
	conversationID := v.state.conversationID
	cancel = v.session.bus.Subscribe(func(event Event) {
		if event.ConversationID == conversationID {
			fn(event)
		}
	})

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		cancel()
		return func() {}
	}
	v.cancels = append(v.cancels, cancel)
	return cancel
}

// Close releases the view's room reference and subscriptions. Requests it
// started keep running and still update the conversation.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	cancels := v.cancels
	v.cancels = nil
	v.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	s := v.session
	conversationID := v.state.conversationID
	s.mu.Lock()
	if s.views[conversationID] > 1 {
		s.views[conversationID]--
	} else {
		delete(s.views, conversationID)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.options.RequestTimeout)
	defer cancel()
	s.leaveRoom(ctx, conversationID)
	return nil
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}
