package models

import "time"

// Participant is one side of a two-party conversation.
type Participant struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// Conversation is a chat thread bound to exactly one shipment request.
//
// UnreadCount is relative to the viewer that fetched it.
type Conversation struct {
	ID           string          `json:"id"`
	RequestID    string          `json:"request_id"`
	Participants []Participant   `json:"participants"`
	IsActive     bool            `json:"is_active"`
	LastMessage  *MessagePreview `json:"last_message,omitempty"`
	UnreadCount  int             `json:"unread_count"`
	LastReadAt   *time.Time      `json:"last_read_at,omitempty"`
}

// Other returns the participant that is not selfID.
func (c Conversation) Other(selfID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// RequestSummary describes the shipment request a conversation is bound to.
type RequestSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

// ConversationDetail is the result of fetching a conversation by request id.
type ConversationDetail struct {
	Conversation Conversation   `json:"conversation"`
	Messages     []Message      `json:"messages"`
	Request      RequestSummary `json:"request"`
}
