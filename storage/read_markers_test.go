package storage

import (
	"errors"
	"testing"
	"time"

	"shipchat/models"
)

func TestReadMarkerOnlyMovesForward(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveConversation(models.Conversation{
		ID:          "conv-1",
		RequestID:   "req-1",
		IsActive:    true,
		UnreadCount: 4,
	}); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	later := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if err := store.SetReadMarker("conv-1", later); err != nil {
		t.Fatalf("SetReadMarker failed: %v", err)
	}
	if err := store.SetReadMarker("conv-1", earlier); err != nil {
		t.Fatalf("SetReadMarker earlier failed: %v", err)
	}

	got, err := store.GetReadMarker("conv-1")
	if err != nil {
		t.Fatalf("GetReadMarker failed: %v", err)
	}
	if !got.Equal(later) {
		t.Fatalf("expected marker %v, got %v", later, got)
	}

	conversation, err := store.GetConversation("conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conversation.UnreadCount != 0 {
		t.Fatalf("expected unread count reset, got %d", conversation.UnreadCount)
	}
	if conversation.LastReadAt == nil || !conversation.LastReadAt.Equal(later) {
		t.Fatalf("expected joined last read time, got %v", conversation.LastReadAt)
	}
}

func TestPruneReadMarkersKeepsCachedConversations(t *testing.T) {
	store := newTestStore(t)
	mustSaveConversation(t, store, "conv-cached", time.Time{})

	old := time.Now().Add(-48 * time.Hour)
	if err := store.SetReadMarker("conv-cached", old); err != nil {
		t.Fatalf("SetReadMarker cached failed: %v", err)
	}
	if err := store.SetReadMarker("conv-gone", old); err != nil {
		t.Fatalf("SetReadMarker gone failed: %v", err)
	}

	pruned, err := store.PruneReadMarkers(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneReadMarkers failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned marker, got %d", pruned)
	}
	if _, err := store.GetReadMarker("conv-gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pruned marker to be gone, got %v", err)
	}
	if _, err := store.GetReadMarker("conv-cached"); err != nil {
		t.Fatalf("expected cached marker to survive: %v", err)
	}
}
