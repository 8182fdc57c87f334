package inbox

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"shipchat/models"
)

// Filter selects a subset of the conversation list.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterUnread Filter = "unread"
	FilterOpen   Filter = "open"
	FilterClosed Filter = "closed"
)

// Filters lists every filter in display order.
var Filters = []Filter{FilterAll, FilterUnread, FilterOpen, FilterClosed}

// ParseFilter validates a filter name.
func ParseFilter(name string) (Filter, error) {
	switch f := Filter(name); f {
	case FilterAll, FilterUnread, FilterOpen, FilterClosed:
		return f, nil
	case "":
		return FilterAll, nil
	default:
		return "", fmt.Errorf("unknown filter %q", name)
	}
}

// Match reports whether c belongs to the filter.
func (f Filter) Match(c models.Conversation) bool {
	switch f {
	case FilterUnread:
		return c.UnreadCount > 0
	case FilterOpen:
		return c.IsActive
	case FilterClosed:
		return !c.IsActive
	default:
		return true
	}
}

type listItem struct {
	conversation models.Conversation
	seen         map[string]struct{}
	order        uint64
	// countedThrough is the last message time already folded into the
	// server summary's counters.
	countedThrough time.Time
}

func (it *listItem) lastActivity() time.Time {
	if it.conversation.LastMessage == nil {
		return time.Time{}
	}
	return it.conversation.LastMessage.CreatedAt
}

// Index is the conversation list read model. Items are ordered by last
// activity, most recent first; ties keep their earlier relative order.
type Index struct {
	mu        sync.RWMutex
	viewerID  string
	items     []*listItem
	byID      map[string]*listItem
	nextOrder uint64
}

// NewIndex creates an empty index for viewerID.
func NewIndex(viewerID string) *Index {
	return &Index{
		viewerID: viewerID,
		byID:     make(map[string]*listItem),
	}
}

// Reset replaces the whole list with fresh summaries.
func (ix *Index) Reset(summaries []models.Conversation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.items = make([]*listItem, 0, len(summaries))
	ix.byID = make(map[string]*listItem, len(summaries))
	for _, summary := range summaries {
		if _, dup := ix.byID[summary.ID]; dup {
			continue
		}
		ix.insertLocked(summary)
	}
	ix.sortLocked()
}

// Upsert adds or refreshes one summary, such as the result of a fetch.
func (ix *Index) Upsert(summary models.Conversation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if it, ok := ix.byID[summary.ID]; ok {
		it.conversation = cloneConversation(summary)
		if summary.LastMessage != nil {
			it.seen[summary.LastMessage.ID] = struct{}{}
			if summary.LastMessage.CreatedAt.After(it.countedThrough) {
				it.countedThrough = summary.LastMessage.CreatedAt
			}
		}
	} else {
		ix.insertLocked(summary)
	}
	ix.sortLocked()
}

// ApplyMessage folds a new message into its conversation summary. Duplicate
// ids, messages the summary already accounts for and messages for inactive
// conversations are ignored. It reports whether the index changed.
func (ix *Index) ApplyMessage(msg models.Message) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	it, ok := ix.byID[msg.ConversationID]
	if !ok || !it.conversation.IsActive {
		return false
	}
	if _, dup := it.seen[msg.ID]; dup {
		return false
	}
	it.seen[msg.ID] = struct{}{}
	if !it.countedThrough.IsZero() && !msg.CreatedAt.After(it.countedThrough) {
		return false
	}

	c := &it.conversation
	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessage.CreatedAt) {
		c.LastMessage = msg.Preview()
	}
	if msg.SenderID != ix.viewerID && (c.LastReadAt == nil || msg.CreatedAt.After(*c.LastReadAt)) {
		c.UnreadCount++
	}
	ix.sortLocked()
	return true
}

// ApplyRead zeroes the unread counter of conversationID and advances its
// last-read mark. It returns the new global badge, computed under the same
// lock so the two never disagree.
func (ix *Index) ApplyRead(conversationID string, readAt time.Time) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if it, ok := ix.byID[conversationID]; ok {
		it.conversation.UnreadCount = 0
		if it.conversation.LastReadAt == nil || readAt.After(*it.conversation.LastReadAt) {
			at := readAt
			it.conversation.LastReadAt = &at
		}
	}
	return ix.badgeLocked()
}

// SetActive updates the active flag of one conversation.
func (ix *Index) SetActive(conversationID string, active bool) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	it, ok := ix.byID[conversationID]
	if !ok || it.conversation.IsActive == active {
		return false
	}
	it.conversation.IsActive = active
	return true
}

// Get returns one summary.
func (ix *Index) Get(conversationID string) (models.Conversation, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	it, ok := ix.byID[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	return cloneConversation(it.conversation), true
}

// ByRequest finds the conversation bound to a shipment request.
func (ix *Index) ByRequest(requestID string) (models.Conversation, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for _, it := range ix.items {
		if it.conversation.RequestID == requestID {
			return cloneConversation(it.conversation), true
		}
	}
	return models.Conversation{}, false
}

// Filter returns the matching summaries in list order.
func (ix *Index) Filter(f Filter) []models.Conversation {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]models.Conversation, 0, len(ix.items))
	for _, it := range ix.items {
		if f.Match(it.conversation) {
			out = append(out, cloneConversation(it.conversation))
		}
	}
	return out
}

// Counts returns the size of every filter.
func (ix *Index) Counts() map[Filter]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	counts := make(map[Filter]int, len(Filters))
	for _, f := range Filters {
		counts[f] = 0
	}
	for _, it := range ix.items {
		for _, f := range Filters {
			if f.Match(it.conversation) {
				counts[f]++
			}
		}
	}
	return counts
}

// Badge returns the total unread count across conversations.
func (ix *Index) Badge() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.badgeLocked()
}

// IDs returns every conversation id in list order.
func (ix *Index) IDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make([]string, 0, len(ix.items))
	for _, it := range ix.items {
		ids = append(ids, it.conversation.ID)
	}
	return ids
}

// Len returns the number of conversations.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}

func (ix *Index) badgeLocked() int {
	total := 0
	for _, it := range ix.items {
		total += it.conversation.UnreadCount
	}
	return total
}

func (ix *Index) insertLocked(summary models.Conversation) {
	it := &listItem{
		conversation: cloneConversation(summary),
		seen:         make(map[string]struct{}),
		order:        ix.nextOrder,
	}
	ix.nextOrder++
	if summary.LastMessage != nil {
		it.seen[summary.LastMessage.ID] = struct{}{}
		it.countedThrough = summary.LastMessage.CreatedAt
	}
	ix.items = append(ix.items, it)
	ix.byID[summary.ID] = it
}

func (ix *Index) sortLocked() {
	sort.SliceStable(ix.items, func(i, j int) bool {
		a, b := ix.items[i].lastActivity(), ix.items[j].lastActivity()
		if !a.Equal(b) {
			return a.After(b)
		}
		return ix.items[i].order < ix.items[j].order
	})
}

func cloneConversation(c models.Conversation) models.Conversation {
	out := c
	out.Participants = append([]models.Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		preview := *c.LastMessage
		out.LastMessage = &preview
	}
	if c.LastReadAt != nil {
		at := *c.LastReadAt
		out.LastReadAt = &at
	}
	return out
}
