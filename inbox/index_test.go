package inbox

import (
	"testing"
	"time"

	"shipchat/models"
)

var base = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func summary(id string, unread int, active bool, last time.Time) models.Conversation {
	c := models.Conversation{
		ID:           id,
		RequestID:    "req-" + id,
		Participants: []models.Participant{{ID: "me"}, {ID: "them"}},
		IsActive:     active,
		UnreadCount:  unread,
	}
	if !last.IsZero() {
		c.LastMessage = &models.MessagePreview{ID: "last-" + id, SenderID: "them", Content: "x", CreatedAt: last}
	}
	return c
}

func ids(list []models.Conversation) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestResetOrdersByActivityWithStableTies(t *testing.T) {
	ix := NewIndex("me")
	ix.Reset([]models.Conversation{
		summary("a", 0, true, base),
		summary("b", 0, true, base.Add(time.Hour)),
		summary("c", 0, true, base),
		summary("d", 0, true, time.Time{}),
	})

	if got := ix.IDs(); !equalIDs(got, []string{"b", "a", "c", "d"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestFilterUnreadPreservesOrderAndCounts(t *testing.T) {
	ix := NewIndex("me")
	ix.Reset([]models.Conversation{
		summary("c1", 2, true, base.Add(4*time.Minute)),
		summary("c2", 0, true, base.Add(3*time.Minute)),
		summary("c3", 5, false, base.Add(2*time.Minute)),
		summary("c4", 0, false, base.Add(time.Minute)),
		summary("c5", 1, true, base),
	})

	unread := ix.Filter(FilterUnread)
	if got := ids(unread); !equalIDs(got, []string{"c1", "c3", "c5"}) {
		t.Fatalf("unexpected unread subset %v", got)
	}
	for _, c := range unread {
		if c.UnreadCount <= 0 {
			t.Fatalf("unread filter returned %+v", c)
		}
	}

	counts := ix.Counts()
	if counts[FilterUnread] != len(unread) {
		t.Fatalf("expected unread count %d, got %d", len(unread), counts[FilterUnread])
	}
	if counts[FilterAll] != 5 || counts[FilterOpen] != 3 || counts[FilterClosed] != 2 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if got := ids(ix.Filter(FilterClosed)); !equalIDs(got, []string{"c3", "c4"}) {
		t.Fatalf("unexpected closed subset %v", got)
	}
	if ix.Badge() != 8 {
		t.Fatalf("expected badge 8, got %d", ix.Badge())
	}
}

func TestApplyMessageUpdatesAnyConversation(t *testing.T) {
	ix := NewIndex("me")
	ix.Reset([]models.Conversation{
		summary("a", 0, true, base.Add(time.Hour)),
		summary("b", 0, true, base),
	})

	incoming := models.Message{ID: "m1", ConversationID: "b", SenderID: "them", Content: "new", CreatedAt: base.Add(2 * time.Hour)}
	if !ix.ApplyMessage(incoming) {
		t.Fatalf("expected message to update the index")
	}
	if ix.ApplyMessage(incoming) {
		t.Fatalf("expected duplicate message to be ignored")
	}

	b, _ := ix.Get("b")
	if b.UnreadCount != 1 || b.LastMessage == nil || b.LastMessage.ID != "m1" {
		t.Fatalf("unexpected summary %+v", b)
	}
	if got := ix.IDs(); !equalIDs(got, []string{"b", "a"}) {
		t.Fatalf("expected b to move to the top, got %v", got)
	}

	own := models.Message{ID: "m2", ConversationID: "a", SenderID: "me", Content: "mine", CreatedAt: base.Add(3 * time.Hour)}
	ix.ApplyMessage(own)
	a, _ := ix.Get("a")
	if a.UnreadCount != 0 {
		t.Fatalf("own messages must not count as unread, got %d", a.UnreadCount)
	}

	if ix.ApplyMessage(models.Message{ID: "m3", ConversationID: "unknown", SenderID: "them"}) {
		t.Fatalf("expected unknown conversation to be ignored")
	}
}

func TestLatePushOfCountedMessageIsIgnored(t *testing.T) {
	ix := NewIndex("me")
	ix.Reset([]models.Conversation{summary("a", 2, true, base)})

	late := models.Message{ID: "m1", ConversationID: "a", SenderID: "them", Content: "older", CreatedAt: base.Add(-time.Second)}
	if ix.ApplyMessage(late) {
		t.Fatalf("expected a message older than the summary to be ignored")
	}
	a, _ := ix.Get("a")
	if a.UnreadCount != 2 || a.LastMessage.ID != "last-a" {
		t.Fatalf("expected summary untouched, got unread=%d last=%q", a.UnreadCount, a.LastMessage.ID)
	}
	if ix.Badge() != 2 {
		t.Fatalf("expected badge 2, got %d", ix.Badge())
	}

	fresh := models.Message{ID: "m3", ConversationID: "a", SenderID: "them", Content: "newer", CreatedAt: base.Add(time.Second)}
	if !ix.ApplyMessage(fresh) {
		t.Fatalf("expected a newer message to count")
	}
	if a, _ = ix.Get("a"); a.UnreadCount != 3 {
		t.Fatalf("expected unread 3, got %d", a.UnreadCount)
	}
}

func TestUpsertAdvancesCountedMessages(t *testing.T) {
	ix := NewIndex("me")
	ix.Reset([]models.Conversation{summary("a", 0, true, base)})

	fetched := summary("a", 1, true, base.Add(time.Minute))
	fetched.LastMessage.ID = "m2"
	ix.Upsert(fetched)

	late := models.Message{ID: "m1", ConversationID: "a", SenderID: "them", CreatedAt: base.Add(30 * time.Second)}
	if ix.ApplyMessage(late) {
		t.Fatalf("expected a message covered by the fetched summary to be ignored")
	}
	if a, _ := ix.Get("a"); a.UnreadCount != 1 || a.LastMessage.ID != "m2" {
		t.Fatalf("unexpected summary %+v", a)
	}
}

func TestApplyMessageSkipsInactiveConversation(t *testing.T) {
	ix := NewIndex("me")
	ix.Reset([]models.Conversation{summary("a", 0, false, base)})

	msg := models.Message{ID: "m1", ConversationID: "a", SenderID: "them", CreatedAt: base.Add(time.Minute)}
	if ix.ApplyMessage(msg) {
		t.Fatalf("expected inactive conversation to refuse the message")
	}
	if a, _ := ix.Get("a"); a.UnreadCount != 0 || a.LastMessage.ID != "last-a" {
		t.Fatalf("expected summary untouched, got %+v", a)
	}
}

func TestApplyMessageRespectsLastRead(t *testing.T) {
	ix := NewIndex("me")
	ix.Reset([]models.Conversation{summary("a", 0, true, base)})

	badge := ix.ApplyRead("a", base.Add(time.Hour))
	if badge != 0 {
		t.Fatalf("expected badge 0, got %d", badge)
	}

	ix.ApplyMessage(models.Message{ID: "old", ConversationID: "a", SenderID: "them", CreatedAt: base.Add(30 * time.Minute)})
	ix.ApplyMessage(models.Message{ID: "new", ConversationID: "a", SenderID: "them", CreatedAt: base.Add(2 * time.Hour)})

	a, _ := ix.Get("a")
	if a.UnreadCount != 1 {
		t.Fatalf("expected only the message after last read to count, got %d", a.UnreadCount)
	}
	if a.LastMessage.ID != "new" {
		t.Fatalf("expected preview of newest message, got %q", a.LastMessage.ID)
	}
}

func TestApplyReadLeavesOtherConversations(t *testing.T) {
	ix := NewIndex("me")
	ix.Reset([]models.Conversation{
		summary("a", 3, true, base),
		summary("b", 4, true, base),
	})

	badge := ix.ApplyRead("a", base)
	a, _ := ix.Get("a")
	b, _ := ix.Get("b")
	if a.UnreadCount != 0 || b.UnreadCount != 4 {
		t.Fatalf("unexpected counts a=%d b=%d", a.UnreadCount, b.UnreadCount)
	}
	if badge != 4 || ix.Badge() != 4 {
		t.Fatalf("expected badge 4, got %d / %d", badge, ix.Badge())
	}
}

func TestSetActiveAndByRequest(t *testing.T) {
	ix := NewIndex("me")
	ix.Reset([]models.Conversation{summary("a", 0, true, base)})

	if !ix.SetActive("a", false) {
		t.Fatalf("expected SetActive to change state")
	}
	if ix.SetActive("a", false) {
		t.Fatalf("expected repeated SetActive to be a no-op")
	}
	c, ok := ix.ByRequest("req-a")
	if !ok || c.IsActive {
		t.Fatalf("unexpected ByRequest result %+v", c)
	}
}

func TestParseFilter(t *testing.T) {
	for _, name := range []string{"", "all", "unread", "open", "closed"} {
		if _, err := ParseFilter(name); err != nil {
			t.Fatalf("ParseFilter(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseFilter("archived"); err == nil {
		t.Fatalf("expected unknown filter to fail")
	}
}
