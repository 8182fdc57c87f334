package session

import (
	"sort"
	"sync"

	"shipchat/models"
	"shipchat/network"
)

// EventKind names a change published on the session bus.
type EventKind string

const (
	// EventMessageAppended: a message entered a thread, provisional or confirmed.
	EventMessageAppended EventKind = "message_appended"
	// EventMessageConfirmed: a provisional entry was replaced by its canonical record.
	EventMessageConfirmed EventKind = "message_confirmed"
	// EventSendFailed: a send failed; the entry stays in the thread as failed.
	EventSendFailed EventKind = "send_failed"
	// EventEntryDiscarded: a failed or pending entry was removed.
	EventEntryDiscarded EventKind = "entry_discarded"
	// EventReactionsReplaced: a message's reaction aggregate changed.
	EventReactionsReplaced EventKind = "reactions_replaced"
	// EventConversationRead: a conversation was marked read; Badge holds the new total.
	EventConversationRead EventKind = "conversation_read"
	// EventConversationClosed: a conversation stopped accepting messages.
	EventConversationClosed EventKind = "conversation_closed"
	// EventListChanged: the conversation list index changed.
	EventListChanged EventKind = "list_changed"
	// EventChannelState: the push channel connected or dropped.
	EventChannelState EventKind = "channel_state"
)

// Event is one bus notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind           EventKind
	ConversationID string
	Message        models.Message
	LocalID        string
	Reactions      models.ReactionAggregate
	Badge          int
	State          network.ConnectionState
	Err            error
}

// Bus fans session events out to observers. Handlers run synchronously on
// the publishing goroutine in subscription order and must not block.
type Bus struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]func(Event))}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers event to every handler.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(event)
	}
}

// Len returns the number of handlers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
