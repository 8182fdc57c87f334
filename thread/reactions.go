package thread

import (
	"sync"

	"shipchat/models"
)

// Aggregator holds the canonical reaction aggregate of each message. An
// aggregate is only ever replaced as a whole; there is no local delta.
type Aggregator struct {
	mu        sync.RWMutex
	byMessage map[string]models.ReactionAggregate
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{byMessage: make(map[string]models.ReactionAggregate)}
}

// Replace stores aggregate for messageID and reports whether it changed.
func (a *Aggregator) Replace(messageID string, aggregate models.ReactionAggregate) bool {
	next := aggregate.Normalize()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.byMessage[messageID].Equal(next) {
		return false
	}
	if next == nil {
		delete(a.byMessage, messageID)
	} else {
		a.byMessage[messageID] = next
	}
	return true
}

// Get returns a copy of the aggregate for messageID.
func (a *Aggregator) Get(messageID string) models.ReactionAggregate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.byMessage[messageID].Clone()
}

// HasReacted reports whether userID holds emoji on messageID.
func (a *Aggregator) HasReacted(messageID, emoji, userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.byMessage[messageID].Has(emoji, userID)
}

// Seed replaces the aggregates of every message in messages.
func (a *Aggregator) Seed(messages []models.Message) {
	for _, msg := range messages {
		a.Replace(msg.ID, msg.Reactions)
	}
}
