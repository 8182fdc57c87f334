package chattest

import (
	"context"
	"errors"
	"testing"
	"time"

	"shipchat/api"
	"shipchat/network"
)

func TestServerRoundTrip(t *testing.T) {
	backend := seedBackend(t)
	server := NewServer(backend, nil)
	t.Cleanup(server.Close)
	ctx := context.Background()

	client, err := api.NewHTTPClient(api.Options{BaseURL: server.URL, Token: "alice", RequestsPerSecond: 1000, Burst: 100})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	detail, err := client.FetchConversation(ctx, "req-1")
	if err != nil {
		t.Fatalf("FetchConversation failed: %v", err)
	}
	if detail.Conversation.ID != "conv-1" || detail.Request.Title != "Laptop to Lisbon" {
		t.Fatalf("unexpected detail %+v", detail)
	}

	events := make(chan network.Event, 4)
	channel, err := network.NewChannel(network.ChannelOptions{
		Dialer: network.WebSocketDialer{URL: server.PushURL(), Token: "alice"},
	})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	t.Cleanup(func() { _ = channel.Close() })
	if err := channel.Connect(ctx, "alice"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	channel.Subscribe("", network.TypeNewMessage, func(e network.Event) { events <- e })
	if err := channel.JoinRoom(ctx, "conv-1"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !backend.Joined("alice", "conv-1") {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for join")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sent, err := client.SendMessage(ctx, "conv-1", "Hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case event := <-events:
		msg, err := event.DecodeMessage()
		if err != nil || msg.ID != sent.ID {
			t.Fatalf("expected push echo of %q, got %+v, %v", sent.ID, msg, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for push echo")
	}

	agg, err := client.ToggleReaction(ctx, "conv-1", sent.ID, "👍")
	if err != nil || agg.Count("👍") != 1 {
		t.Fatalf("ToggleReaction = %+v, %v", agg, err)
	}

	backend.SetActive("conv-1", false)
	if _, err := client.SendMessage(ctx, "conv-1", "late"); !errors.Is(err, api.ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed over http, got %v", err)
	}
}

func TestServerRejectsMissingToken(t *testing.T) {
	server := NewServer(seedBackend(t), nil)
	t.Cleanup(server.Close)

	client, err := api.NewHTTPClient(api.Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	_, err = client.ListConversations(context.Background())
	var statusErr *api.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
}
