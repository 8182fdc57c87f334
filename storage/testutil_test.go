package storage

import (
	"testing"
	"time"

	"shipchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveConversation(t *testing.T, store *Store, conversationID string, lastActivity time.Time) {
	t.Helper()

	conversation := models.Conversation{
		ID:        conversationID,
		RequestID: "req-" + conversationID,
		Participants: []models.Participant{
			{ID: "sender", Name: "Sender"},
			{ID: "carrier", Name: "Carrier"},
		},
		IsActive: true,
	}
	if !lastActivity.IsZero() {
		conversation.LastMessage = &models.MessagePreview{
			ID:        "last-" + conversationID,
			SenderID:  "carrier",
			Content:   "latest",
			CreatedAt: lastActivity,
		}
	}
	if err := store.SaveConversation(conversation); err != nil {
		t.Fatalf("save conversation %q: %v", conversationID, err)
	}
}
