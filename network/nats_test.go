package network

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"shipchat/models"
)

func TestNATSDialerRequiresServers(t *testing.T) {
	if _, err := (NATSDialer{}).Dial(context.Background(), "u1", Callbacks{}); err == nil {
		t.Fatalf("expected missing servers to fail")
	}
}

func TestNATSTransportDeliversRoomEvents(t *testing.T) {
	serverURL := os.Getenv("SHIPCHAT_TEST_NATS_URL")
	if serverURL == "" {
		t.Skip("SHIPCHAT_TEST_NATS_URL not set")
	}

	channel, err := NewChannel(ChannelOptions{Dialer: NATSDialer{Servers: []string{serverURL}}})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer channel.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := channel.Connect(ctx, "u1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := channel.JoinRoom(ctx, "conv-nats"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}

	received := make(chan Event, 1)
	channel.Subscribe("conv-nats", TypeNewMessage, func(e Event) { received <- e })

	publisher, err := nats.Connect(serverURL)
	if err != nil {
		t.Fatalf("publisher connect failed: %v", err)
	}
	defer publisher.Close()

	event, err := NewMessageEvent(models.Message{ID: "m1", ConversationID: "conv-nats", SenderID: "u2", Content: "hi"})
	if err != nil {
		t.Fatalf("NewMessageEvent failed: %v", err)
	}
	payload, err := EncodeJSON(event)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if err := publisher.Publish(RoomSubject("conv-nats"), payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := publisher.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Room != "conv-nats" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for nats event")
	}
}
