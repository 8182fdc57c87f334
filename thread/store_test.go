package thread

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"shipchat/models"
)

var testNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func testMessage(id string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       "u1",
		Content:        "content " + id,
		CreatedAt:      at,
	}
}

func countID(entries []Entry, id string) int {
	n := 0
	for _, entry := range entries {
		if entry.Message.ID == id {
			n++
		}
	}
	return n
}

func TestAppendDeduplicatesByID(t *testing.T) {
	store := NewStore("conv-1", true)

	added, err := store.Append(testMessage("m1", testNow))
	if err != nil || !added {
		t.Fatalf("first Append = %v, %v", added, err)
	}
	added, err = store.Append(testMessage("m2", testNow.Add(time.Second)))
	if err != nil || !added {
		t.Fatalf("second Append = %v, %v", added, err)
	}
	dup := testMessage("m1", testNow.Add(time.Hour))
	dup.Content = "changed"
	added, err = store.Append(dup)
	if err != nil || added {
		t.Fatalf("duplicate Append = %v, %v", added, err)
	}

	entries := store.Entries()
	if len(entries) != 2 || entries[0].Message.ID != "m1" || entries[1].Message.ID != "m2" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Message.Content != "content m1" {
		t.Fatalf("expected first arrival to win, got %q", entries[0].Message.Content)
	}
}

func TestAppendRefusedWhenInactive(t *testing.T) {
	store := NewStore("conv-1", false)

	if _, err := store.Append(testMessage("m1", testNow)); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}
	if _, err := store.AddProvisional("u1", "hi", testNow); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed for provisional, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store")
	}

	store.Merge([]models.Message{testMessage("m1", testNow)})
	if store.Len() != 1 {
		t.Fatalf("expected history to stay readable for inactive conversations")
	}
}

func TestProvisionalIDsAreLocal(t *testing.T) {
	store := NewStore("conv-1", true)
	a, err := store.AddProvisional("u1", "a", testNow)
	if err != nil {
		t.Fatalf("AddProvisional failed: %v", err)
	}
	b, err := store.AddProvisional("u1", "b", testNow)
	if err != nil {
		t.Fatalf("AddProvisional failed: %v", err)
	}
	if !IsLocalID(a.Message.ID) || a.Message.ID == b.Message.ID {
		t.Fatalf("expected distinct local ids, got %q and %q", a.Message.ID, b.Message.ID)
	}
	if a.State != StatePending || a.Message.ConversationID != "conv-1" {
		t.Fatalf("unexpected provisional entry %+v", a)
	}
	if store.Pending() != 2 {
		t.Fatalf("expected 2 pending entries, got %d", store.Pending())
	}
}

// Every ordering of the ack and any number of push echoes leaves exactly
// one entry for the sent message, in the provisional entry's position.
func TestSendSignalsAppearExactlyOnce(t *testing.T) {
	orders := [][]string{
		{"ack", "push"},
		{"push", "ack"},
		{"push", "push", "ack"},
		{"ack", "push", "push"},
		{"push", "ack", "push"},
		{"ack", "ack", "push"},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			store := NewStore("conv-1", true)
			if _, err := store.Append(testMessage("m0", testNow)); err != nil {
				t.Fatalf("seed Append failed: %v", err)
			}
			local, err := store.AddProvisional("u1", "Hello", testNow.Add(time.Second))
			if err != nil {
				t.Fatalf("AddProvisional failed: %v", err)
			}
			canonical := testMessage("m1", testNow.Add(2*time.Second))

			for _, signal := range order {
				switch signal {
				case "ack":
					store.Reconcile(local.Message.ID, canonical)
				case "push":
					if _, err := store.Append(canonical); err != nil {
						t.Fatalf("push Append failed: %v", err)
					}
				}
			}

			entries := store.Entries()
			if got := countID(entries, "m1"); got != 1 {
				t.Fatalf("expected m1 exactly once, got %d in %+v", got, entries)
			}
			if got := countID(entries, local.Message.ID); got != 0 {
				t.Fatalf("expected provisional entry to be gone, got %d", got)
			}
			if len(entries) != 2 || entries[1].State != StateConfirmed {
				t.Fatalf("unexpected final entries %+v", entries)
			}
		})
	}
}

func TestReconcileKeepsProvisionalPosition(t *testing.T) {
	store := NewStore("conv-1", true)
	local, err := store.AddProvisional("u1", "mine", testNow)
	if err != nil {
		t.Fatalf("AddProvisional failed: %v", err)
	}
	if _, err := store.Append(testMessage("other", testNow.Add(time.Second))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if !store.Reconcile(local.Message.ID, testMessage("m1", testNow)) {
		t.Fatalf("expected reconcile to surface the canonical message")
	}

	entries := store.Entries()
	if entries[0].Message.ID != "m1" || entries[1].Message.ID != "other" {
		t.Fatalf("expected canonical entry in the provisional slot, got %+v", entries)
	}
	if _, ok := store.Get(local.Message.ID); ok {
		t.Fatalf("expected local id to be released")
	}
}

func TestFailedEntryCanBeRetriedOrDiscarded(t *testing.T) {
	store := NewStore("conv-1", true)
	local, err := store.AddProvisional("u1", "keep my text", testNow)
	if err != nil {
		t.Fatalf("AddProvisional failed: %v", err)
	}

	sendErr := errors.New("network down")
	if err := store.MarkFailed(local.Message.ID, sendErr); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	failed, ok := store.Get(local.Message.ID)
	if !ok || failed.State != StateFailed || !errors.Is(failed.Err, sendErr) {
		t.Fatalf("unexpected failed entry %+v", failed)
	}
	if failed.Message.Content != "keep my text" {
		t.Fatalf("expected failed entry to keep its text")
	}

	retried, err := store.Retry(local.Message.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.State != StatePending || retried.Err != nil {
		t.Fatalf("unexpected retried entry %+v", retried)
	}
	if _, err := store.Retry(local.Message.ID); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("expected Retry of pending entry to fail, got %v", err)
	}

	if err := store.MarkFailed(local.Message.ID, sendErr); err != nil {
		t.Fatalf("second MarkFailed failed: %v", err)
	}
	if err := store.Discard(local.Message.ID); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected discarded entry to be removed")
	}
	if err := store.Discard(local.Message.ID); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("expected second Discard to fail, got %v", err)
	}
}

func TestDiscardRefusesConfirmedEntries(t *testing.T) {
	store := NewStore("conv-1", true)
	if _, err := store.Append(testMessage("m1", testNow)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Discard("m1"); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("expected ErrUnknownEntry, got %v", err)
	}
	if err := store.MarkFailed("m1", errors.New("x")); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("expected ErrUnknownEntry, got %v", err)
	}
}

func TestMergeKeepsNewerConfirmedAndProvisional(t *testing.T) {
	store := NewStore("conv-1", true)
	if _, err := store.Append(testMessage("stale", testNow.Add(-time.Hour))); err != nil {
		t.Fatalf("Append stale failed: %v", err)
	}
	if _, err := store.Append(testMessage("m1", testNow)); err != nil {
		t.Fatalf("Append m1 failed: %v", err)
	}
	local, err := store.AddProvisional("u1", "in flight", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("AddProvisional failed: %v", err)
	}
	if _, err := store.Append(testMessage("late-push", testNow.Add(2*time.Minute))); err != nil {
		t.Fatalf("Append late push failed: %v", err)
	}

	store.Merge([]models.Message{
		testMessage("m0", testNow.Add(-time.Minute)),
		testMessage("m1", testNow),
		testMessage("m1", testNow),
	})

	entries := store.Entries()
	want := []string{"m0", "m1", local.Message.ID, "late-push"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), entries)
	}
	for i, id := range want {
		if entries[i].Message.ID != id {
			t.Fatalf("entry %d: expected %q, got %q", i, id, entries[i].Message.ID)
		}
	}

	if !store.Reconcile(local.Message.ID, testMessage("m2", testNow.Add(time.Minute))) {
		t.Fatalf("expected reconcile after merge to work")
	}
	if _, ok := store.Get("m2"); !ok {
		t.Fatalf("expected m2 after reconcile")
	}
}

func TestMessagesSkipsProvisional(t *testing.T) {
	store := NewStore("conv-1", true)
	if _, err := store.Append(testMessage("m1", testNow)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := store.AddProvisional("u1", "pending", testNow); err != nil {
		t.Fatalf("AddProvisional failed: %v", err)
	}

	messages := store.Messages()
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Fatalf("unexpected confirmed messages %+v", messages)
	}
}

func TestProvisionalSortsAfterHistory(t *testing.T) {
	store := NewStore("conv-1", true)
	if _, err := store.Append(testMessage("m1", testNow)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entry, err := store.AddProvisional("u1", "skewed", testNow.Add(-time.Minute))
	if err != nil {
		t.Fatalf("AddProvisional failed: %v", err)
	}
	if !entry.Message.CreatedAt.After(testNow) {
		t.Fatalf("expected provisional timestamp after %v, got %v", testNow, entry.Message.CreatedAt)
	}
}
