package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shipchat/models"
)

const (
	// MaxFrameSize is the maximum accepted push frame size (1 MB).
	MaxFrameSize = 1024 * 1024
	// DefaultConnectionTimeout bounds the dial and upgrade handshake.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends a ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
	// NATSSubjectPrefix namespaces room subjects on the NATS transport.
	NATSSubjectPrefix = "shipchat.rooms."
)

// Client to server frame types.
const (
	TypeJoin  = "join"
	TypeLeave = "leave"
)

// Server to client event types.
const (
	TypeNewMessage      = "new_message"
	TypeMessageReaction = "message_reaction"
	TypeError           = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrNotConnected is returned by room operations while no push connection exists.
	ErrNotConnected = errors.New("network: not connected")
)

// Envelope identifies the frame type.
type Envelope struct {
	Type string `json:"type"`
}

// ControlFrame asks the server to join or leave a room.
type ControlFrame struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// Event is one server push scoped to a room.
type Event struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorFrame reports a server-side problem with a control frame.
type ErrorFrame struct {
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	Message string `json:"message"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// DecodeEvent parses a server push frame.
func DecodeEvent(payload []byte) (Event, error) {
	if len(payload) > MaxFrameSize {
		return Event{}, ErrFrameTooLarge
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.Type == "" {
		return Event{}, ErrInvalidMessageType
	}
	return event, nil
}

// NewMessageEvent builds a new_message push for msg's conversation room.
func NewMessageEvent(msg models.Message) (Event, error) {
	payload, err := EncodeJSON(msg)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: TypeNewMessage, Room: msg.ConversationID, Payload: payload}, nil
}

// NewReactionEvent builds a message_reaction push.
func NewReactionEvent(reaction models.ReactionEvent) (Event, error) {
	payload, err := EncodeJSON(reaction)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: TypeMessageReaction, Room: reaction.ConversationID, Payload: payload}, nil
}

// DecodeMessage reads the Message carried by a new_message event.
// A payload without a conversation id inherits the event room.
func (e Event) DecodeMessage() (models.Message, error) {
	if e.Type != TypeNewMessage {
		return models.Message{}, fmt.Errorf("%w: %q is not %q", ErrInvalidMessageType, e.Type, TypeNewMessage)
	}
	var msg models.Message
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return models.Message{}, fmt.Errorf("decode new_message payload: %w", err)
	}
	if msg.ID == "" {
		return models.Message{}, errors.New("decode new_message payload: missing id")
	}
	if msg.ConversationID == "" {
		msg.ConversationID = e.Room
	}
	return msg, nil
}

// DecodeReaction reads the aggregate carried by a message_reaction event.
func (e Event) DecodeReaction() (models.ReactionEvent, error) {
	if e.Type != TypeMessageReaction {
		return models.ReactionEvent{}, fmt.Errorf("%w: %q is not %q", ErrInvalidMessageType, e.Type, TypeMessageReaction)
	}
	var reaction models.ReactionEvent
	if err := json.Unmarshal(e.Payload, &reaction); err != nil {
		return models.ReactionEvent{}, fmt.Errorf("decode message_reaction payload: %w", err)
	}
	if reaction.MessageID == "" {
		return models.ReactionEvent{}, errors.New("decode message_reaction payload: missing message id")
	}
	if reaction.ConversationID == "" {
		reaction.ConversationID = e.Room
	}
	return reaction, nil
}

// RoomSubject maps a conversation room to its NATS subject.
func RoomSubject(room string) string {
	return NATSSubjectPrefix + room
}
