package thread

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shipchat/models"
)

// LocalIDPrefix marks provisional ids. Server ids never carry it.
const LocalIDPrefix = "local-"

var (
	// ErrConversationClosed is returned when appending to an inactive conversation.
	ErrConversationClosed = errors.New("thread: conversation closed")
	// ErrUnknownEntry is returned when a provisional id is not in the store.
	ErrUnknownEntry = errors.New("thread: unknown entry")
)

// EntryState describes where an entry is in the send lifecycle.
type EntryState string

const (
	StateConfirmed EntryState = "confirmed"
	StatePending   EntryState = "pending"
	StateFailed    EntryState = "failed"
)

// Entry is one message as shown in a thread. Provisional entries carry a
// local id in Message.ID until they are reconciled.
type Entry struct {
	Message models.Message
	State   EntryState
	Err     error
}

// Provisional reports whether e has not been confirmed by the server.
func (e Entry) Provisional() bool {
	return e.State != StateConfirmed
}

// IsLocalID reports whether id was issued by AddProvisional.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Store is the ordered, id-deduplicated message log of one conversation.
// Entries keep the position of their first arrival.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	active         bool
	entries        []Entry
	index          map[string]int
}

// NewStore creates an empty store.
func NewStore(conversationID string, active bool) *Store {
	return &Store{
		conversationID: conversationID,
		active:         active,
		index:          make(map[string]int),
	}
}

// ConversationID returns the conversation the store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Active reports whether the conversation accepts new messages.
func (s *Store) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive updates the active flag.
func (s *Store) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

// Append inserts msg unless an entry with the same id exists. It reports
// whether the store changed.
func (s *Store) Append(msg models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[msg.ID]; ok {
		return false, nil
	}
	if !s.active {
		return false, ErrConversationClosed
	}
	s.appendLocked(Entry{Message: msg, State: StateConfirmed})
	return true, nil
}

// AddProvisional appends a pending entry for a message being sent. Its
// timestamp is moved past the newest entry when the local clock lags.
func (s *Store) AddProvisional(senderID, content string, now time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return Entry{}, ErrConversationClosed
	}
	if n := len(s.entries); n > 0 {
		if last := s.entries[n-1].Message.CreatedAt; !now.After(last) {
			now = last.Add(time.Millisecond)
		}
	}
	entry := Entry{
		Message: models.Message{
			ID:             LocalIDPrefix + uuid.NewString(),
			ConversationID: s.conversationID,
			SenderID:       senderID,
			Content:        content,
			CreatedAt:      now,
		},
		State: StatePending,
	}
	s.appendLocked(entry)
	return entry, nil
}

// Reconcile swaps the provisional entry localID for its canonical record.
// When canonical is already present, because the push echo arrived first,
// the provisional entry is dropped instead. It reports whether canonical
// became visible through this call.
func (s *Store) Reconcile(localID string, canonical models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, hasLocal := s.index[localID]
	_, hasCanonical := s.index[canonical.ID]

	switch {
	case hasLocal && hasCanonical:
		s.removeLocked(pos)
		return false
	case hasLocal:
		delete(s.index, localID)
		s.entries[pos] = Entry{Message: canonical, State: StateConfirmed}
		s.index[canonical.ID] = pos
		return true
	case hasCanonical:
		return false
	default:
		s.appendLocked(Entry{Message: canonical, State: StateConfirmed})
		return true
	}
}

// MarkFailed flags a pending entry as failed, keeping its text for retry.
func (s *Store) MarkFailed(localID string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[localID]
	if !ok || !s.entries[pos].Provisional() {
		return ErrUnknownEntry
	}
	s.entries[pos].State = StateFailed
	s.entries[pos].Err = err
	return nil
}

// Retry moves a failed entry back to pending and returns it.
func (s *Store) Retry(localID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[localID]
	if !ok || s.entries[pos].State != StateFailed {
		return Entry{}, ErrUnknownEntry
	}
	if !s.active {
		return Entry{}, ErrConversationClosed
	}
	s.entries[pos].State = StatePending
	s.entries[pos].Err = nil
	return s.entries[pos], nil
}

// Discard removes a provisional entry.
func (s *Store) Discard(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[localID]
	if !ok || !s.entries[pos].Provisional() {
		return ErrUnknownEntry
	}
	s.removeLocked(pos)
	return nil
}

// Merge replaces the confirmed history with a server snapshot. Confirmed
// entries newer than the snapshot and every provisional entry are kept
// after it, in their current order.
func (s *Store) Merge(snapshot []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest time.Time
	next := make([]Entry, 0, len(snapshot)+len(s.entries))
	index := make(map[string]int, len(snapshot)+len(s.entries))
	for _, msg := range snapshot {
		if _, dup := index[msg.ID]; dup {
			continue
		}
		index[msg.ID] = len(next)
		next = append(next, Entry{Message: msg, State: StateConfirmed})
		if msg.CreatedAt.After(newest) {
			newest = msg.CreatedAt
		}
	}

	for _, entry := range s.entries {
		if _, dup := index[entry.Message.ID]; dup {
			continue
		}
		if entry.State == StateConfirmed && !entry.Message.CreatedAt.After(newest) {
			continue
		}
		index[entry.Message.ID] = len(next)
		next = append(next, entry)
	}

	s.entries = next
	s.index = index
}

// Entries returns a snapshot of the log.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	for i, entry := range s.entries {
		out[i] = entry
		out[i].Message.Reactions = entry.Message.Reactions.Clone()
	}
	return out
}

// Messages returns the confirmed messages in log order.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.State == StateConfirmed {
			msg := entry.Message
			msg.Reactions = msg.Reactions.Clone()
			out = append(out, msg)
		}
	}
	return out
}

// Len returns the number of entries, provisional ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns the entry with id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[id]
	if !ok {
		return Entry{}, false
	}
	entry := s.entries[pos]
	entry.Message.Reactions = entry.Message.Reactions.Clone()
	return entry, true
}

// Pending returns the number of entries waiting for a send result.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, entry := range s.entries {
		if entry.State == StatePending {
			n++
		}
	}
	return n
}

func (s *Store) appendLocked(entry Entry) {
	s.index[entry.Message.ID] = len(s.entries)
	s.entries = append(s.entries, entry)
}

func (s *Store) removeLocked(pos int) {
	delete(s.index, s.entries[pos].Message.ID)
	s.entries = append(s.entries[:pos], s.entries[pos+1:]...)
	for i := pos; i < len(s.entries); i++ {
		s.index[s.entries[i].Message.ID] = i
	}
}
