package models

import "time"

// MaxContentLength is the maximum message length in characters.
const MaxContentLength = 2000

// Message is one canonical chat entry as assigned by the server.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Content        string            `json:"content"`
	CreatedAt      time.Time         `json:"created_at"`
	Reactions      ReactionAggregate `json:"reactions,omitempty"`
}

// MessagePreview summarizes the most recent message of a conversation.
type MessagePreview struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Preview builds the list preview for m.
func (m Message) Preview() *MessagePreview {
	return &MessagePreview{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// ReactionEvent is the payload of a message_reaction push event.
type ReactionEvent struct {
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	Reactions      ReactionAggregate `json:"reactions"`
}

// ReadReceipt acknowledges a mark-as-read request.
type ReadReceipt struct {
	ConversationID string    `json:"conversation_id"`
	ReadAt         time.Time `json:"read_at"`
}
