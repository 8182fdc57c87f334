package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shipchat/chattest"
	"shipchat/metrics"
	"shipchat/models"
	"shipchat/thread"
)

const self = "alice"

func newTestBackend(t *testing.T) *chattest.Backend {
	t.Helper()

	backend := chattest.NewBackend()
	clock := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	backend.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})

	backend.AddConversation(models.Conversation{
		ID:           "conv-1",
		RequestID:    "req-1",
		Participants: []models.Participant{{ID: self, Name: "Alice"}, {ID: "bob", Name: "Bob"}},
		IsActive:     true,
	}, models.RequestSummary{Title: "Laptop to Lisbon", Status: "accepted"})
	backend.AddConversation(models.Conversation{
		ID:           "conv-2",
		RequestID:    "req-2",
		Participants: []models.Participant{{ID: self, Name: "Alice"}, {ID: "carol", Name: "Carol"}},
		IsActive:     true,
	}, models.RequestSummary{Title: "Books to Berlin", Status: "accepted"})
	backend.AddConversation(models.Conversation{
		ID:           "conv-3",
		RequestID:    "req-3",
		Participants: []models.Participant{{ID: self, Name: "Alice"}, {ID: "dave", Name: "Dave"}},
		IsActive:     true,
	}, models.RequestSummary{Title: "Shoes to Porto", Status: "delivered"})
	return backend
}

func newTestSession(t *testing.T, backend *chattest.Backend, configure func(*Options)) (*Session, *metrics.Metrics) {
	t.Helper()

	m := metrics.New(prometheus.NewRegistry())
	options := Options{
		UserID:         self,
		API:            backend.Client(self),
		Dialer:         backend.Dialer(),
		Metrics:        m,
		RequestTimeout: 2 * time.Second,
	}
	if configure != nil {
		configure(&options)
	}

	s, err := Init(context.Background(), options)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Teardown(ctx)
	})
	return s, m
}

func mustPost(t *testing.T, backend *chattest.Backend, conversationID, senderID, content string) models.Message {
	t.Helper()
	msg, err := backend.Post(conversationID, senderID, content)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	return msg
}

func mustOpen(t *testing.T, s *Session, requestID string) *View {
	t.Helper()
	view, err := s.OpenThread(context.Background(), requestID)
	if err != nil {
		t.Fatalf("OpenThread(%q) failed: %v", requestID, err)
	}
	t.Cleanup(func() { _ = view.Close() })
	if err := view.ReadAction.Wait(context.Background()); err != nil {
		t.Fatalf("mark as read on open failed: %v", err)
	}
	return view
}

func mustWait(t *testing.T, action *Action) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := action.Wait(ctx); err != nil {
		t.Fatalf("action failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func countContent(entries []thread.Entry, content string) int {
	n := 0
	for _, entry := range entries {
		if entry.Message.Content == content {
			n++
		}
	}
	return n
}

func summaryOf(t *testing.T, s *Session, conversationID string) models.Conversation {
	t.Helper()
	c, ok := s.index.Get(conversationID)
	if !ok {
		t.Fatalf("conversation %q not in list", conversationID)
	}
	return c
}
