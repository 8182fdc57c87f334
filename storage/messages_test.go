package storage

import (
	"errors"
	"testing"
	"time"

	"shipchat/models"
)

func TestMessageCRUD(t *testing.T) {
	store := newTestStore(t)
	mustSaveConversation(t, store, "conv-1", time.Time{})
	mustSaveConversation(t, store, "conv-2", time.Time{})

	base := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

	if err := store.SaveMessage(models.Message{
		ID:             "msg-late",
		ConversationID: "conv-1",
		SenderID:       "carrier",
		Content:        "second",
		CreatedAt:      base.Add(time.Minute),
	}); err != nil {
		t.Fatalf("SaveMessage late failed: %v", err)
	}
	if err := store.SaveMessages([]models.Message{
		{ID: "msg-early", ConversationID: "conv-1", SenderID: "sender", Content: "first", CreatedAt: base},
		{ID: "msg-other", ConversationID: "conv-2", SenderID: "sender", Content: "elsewhere", CreatedAt: base},
	}); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	conversation, err := store.GetMessages("conv-1", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(conversation) != 2 {
		t.Fatalf("expected 2 conversation messages, got %d", len(conversation))
	}
	if conversation[0].ID != "msg-early" || conversation[1].ID != "msg-late" {
		t.Fatalf("messages are not ordered by created_at ascending: %+v", conversation)
	}
	if !conversation[0].CreatedAt.Equal(base) {
		t.Fatalf("expected created_at %v, got %v", base, conversation[0].CreatedAt)
	}

	if err := store.SaveMessage(models.Message{
		ID:             "msg-early",
		ConversationID: "conv-1",
		SenderID:       "sender",
		Content:        "rewritten",
		CreatedAt:      base,
	}); err != nil {
		t.Fatalf("SaveMessage duplicate failed: %v", err)
	}
	got, err := store.GetMessageByID("msg-early")
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if got.Content != "first" {
		t.Fatalf("expected content to stay immutable, got %q", got.Content)
	}

	if _, err := store.GetMessageByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateReactionsReplacesAggregate(t *testing.T) {
	store := newTestStore(t)
	mustSaveConversation(t, store, "conv-1", time.Time{})

	if err := store.SaveMessage(models.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "sender",
		Content:        "hi",
		CreatedAt:      time.Now(),
		Reactions:      models.ReactionAggregate{{Emoji: "👍", Users: []string{"carrier"}}},
	}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	next := models.ReactionAggregate{
		{Emoji: "❤️", Users: []string{"sender", "sender"}},
		{Emoji: "👍", Users: nil},
	}
	if err := store.UpdateReactions("msg-1", next); err != nil {
		t.Fatalf("UpdateReactions failed: %v", err)
	}

	got, err := store.GetMessageByID("msg-1")
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if len(got.Reactions) != 1 || got.Reactions[0].Emoji != "❤️" {
		t.Fatalf("expected normalized single heart group, got %+v", got.Reactions)
	}
	if len(got.Reactions[0].Users) != 1 {
		t.Fatalf("expected duplicate user to collapse, got %+v", got.Reactions[0].Users)
	}

	if err := store.UpdateReactions("msg-1", nil); err != nil {
		t.Fatalf("UpdateReactions clear failed: %v", err)
	}
	got, err = store.GetMessageByID("msg-1")
	if err != nil {
		t.Fatalf("GetMessageByID after clear failed: %v", err)
	}
	if len(got.Reactions) != 0 {
		t.Fatalf("expected no reactions, got %+v", got.Reactions)
	}

	if err := store.UpdateReactions("missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown message, got %v", err)
	}
}

func TestSaveMessageRequiresCachedConversation(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveMessage(models.Message{
		ID:             "msg-1",
		ConversationID: "unknown",
		SenderID:       "sender",
		Content:        "orphan",
		CreatedAt:      time.Now(),
	})
	if err == nil {
		t.Fatalf("expected foreign key violation for unknown conversation")
	}
}
