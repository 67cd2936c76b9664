package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tutorlink/realtime/internal/bus"
	"github.com/tutorlink/realtime/internal/config"
	"github.com/tutorlink/realtime/internal/models"
	"github.com/tutorlink/realtime/internal/testbackend"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func newTestClient(t *testing.T, backend *testbackend.Backend, userID, cachePath string) *Client {
	t.Helper()
	server := httptest.NewServer(backend.Router())
	t.Cleanup(server.Close)

	c := New(&config.Config{
		BackendURL: server.URL,
		WSURL:      "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Token:      testbackend.Token(userID),
		UserID:     userID,
		CachePath:  cachePath,
		Reconnect: config.ReconnectConfig{
			MinBackoff: 10 * time.Millisecond,
			MaxBackoff: 50 * time.Millisecond,
		},
	})
	t.Cleanup(c.Close)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "connection", c.IsConnected)
	return c
}

func TestStartSyncsConversationsAndJoins(t *testing.T) {
	backend := testbackend.New()
	c := newTestClient(t, backend, "user-a", "")

	conv, err := c.StartConversation(context.Background(), "user-b")
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	waitFor(t, "channel join", func() bool {
		for _, id := range backend.JoinedChannels() {
			if id == conv.ID {
				return true
			}
		}
		return false
	})

	if got := c.Conversations(); len(got) != 1 || got[0].ID != conv.ID {
		t.Errorf("Expected conversation %q in list, got %v", conv.ID, got)
	}
}

func TestSendMessageReconcilesConfirmation(t *testing.T) {
	backend := testbackend.New()
	c := newTestClient(t, backend, "user-a", "")

	conv, _ := c.StartConversation(context.Background(), "user-b")
	waitFor(t, "channel join", func() bool { return len(backend.JoinedChannels()) > 0 })

	msg, err := c.SendMessage(context.Background(), conv.ID, "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.Delivery != models.DeliveryConfirmed {
		t.Errorf("Expected confirmed result, got %q", msg.Delivery)
	}

	// The channel echoes the same confirmed message back; after it lands
	// there must still be exactly one entry.
	time.Sleep(50 * time.Millisecond)
	msgs := c.Messages(conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message after echo, got %d", len(msgs))
	}
	if msgs[0].ID != msg.ID || msgs[0].Delivery != models.DeliveryConfirmed {
		t.Errorf("Expected confirmed %q, got %q (%s)", msg.ID, msgs[0].ID, msgs[0].Delivery)
	}
}

func TestSendFailureKeepsFailedEntry(t *testing.T) {
	backend := testbackend.New()
	c := newTestClient(t, backend, "user-a", "")

	conv, _ := c.StartConversation(context.Background(), "user-b")
	backend.FailSends = true

	if _, err := c.SendMessage(context.Background(), conv.ID, "doomed"); err == nil {
		t.Fatal("Expected send to fail")
	}

	msgs := c.Messages(conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("Expected failed entry to stay, got %d messages", len(msgs))
	}
	if !msgs[0].Failed || msgs[0].Delivery != models.DeliveryOptimistic {
		t.Errorf("Expected failed optimistic entry, got %+v", msgs[0])
	}
}

func TestIncomingMessageFromPeer(t *testing.T) {
	backend := testbackend.New()
	c := newTestClient(t, backend, "user-a", "")

	conv, _ := c.StartConversation(context.Background(), "user-b")
	waitFor(t, "channel join", func() bool { return len(backend.JoinedChannels()) > 0 })

	backend.PushMessage(conv.ID, "user-b", "hi there")

	waitFor(t, "peer message", func() bool {
		msgs := c.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].SenderID == "user-b"
	})
}

func TestPresenceIsEventDrivenOnly(t *testing.T) {
	backend := testbackend.New()
	c := newTestClient(t, backend, "user-a", "")

	conv, _ := c.StartConversation(context.Background(), "user-b")
	waitFor(t, "channel join", func() bool { return len(backend.JoinedChannels()) > 0 })

	// A message from the peer must not flip presence.
	backend.PushMessage(conv.ID, "user-b", "hi")
	waitFor(t, "peer message", func() bool { return len(c.Messages(conv.ID)) == 1 })
	if _, known := c.PeerOnline("user-b"); known {
		t.Error("Expected presence unknown, message receipt is not a presence signal")
	}

	backend.PushPresence("user-b", true)
	waitFor(t, "peer online", func() bool {
		online, known := c.PeerOnline("user-b")
		return known && online
	})
}

func TestDisconnectResetsPresence(t *testing.T) {
	backend := testbackend.New()
	c := newTestClient(t, backend, "user-a", "")

	backend.PushPresence("user-b", true)
	waitFor(t, "peer online", func() bool {
		_, known := c.PeerOnline("user-b")
		return known
	})

	backend.CloseClients()

	waitFor(t, "presence reset", func() bool {
		_, known := c.PeerOnline("user-b")
		return !known
	})
}

func TestReconnectRejoinsChannels(t *testing.T) {
	backend := testbackend.New()
	c := newTestClient(t, backend, "user-a", "")

	conv, _ := c.StartConversation(context.Background(), "user-b")
	waitFor(t, "channel join", func() bool { return len(backend.JoinedChannels()) > 0 })

	backend.CloseClients()
	waitFor(t, "reconnect with channels", func() bool {
		if backend.ClientCount() != 1 {
			return false
		}
		for _, id := range backend.JoinedChannels() {
			if id == conv.ID {
				return true
			}
		}
		return false
	})

	// Delivery still works on the new session.
	backend.PushMessage(conv.ID, "user-b", "after reconnect")
	waitFor(t, "post-reconnect message", func() bool {
		return len(c.Messages(conv.ID)) == 1
	})
}

func TestWarmStartAndIdentitySwitch(t *testing.T) {
	backend := testbackend.New()
	cachePath := filepath.Join(t.TempDir(), "cache.db")

	first := newTestClient(t, backend, "user-a", cachePath)
	conv, _ := first.StartConversation(context.Background(), "user-b")
	waitFor(t, "channel join", func() bool { return len(backend.JoinedChannels()) > 0 })
	if _, err := first.SendMessage(context.Background(), conv.ID, "persisted"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	first.Close()

	// Same user warm-starts from the cache.
	second := newTestClient(t, backend, "user-a", cachePath)
	if msgs := second.Messages(conv.ID); len(msgs) == 0 || msgs[0].Text != "persisted" {
		t.Fatalf("Expected warm-started history, got %v", msgs)
	}
	second.Close()

	// A different user on the same cache must not see user-a's history.
	third := newTestClient(t, backend, "user-c", cachePath)
	if msgs := third.Messages(conv.ID); len(msgs) != 0 {
		t.Errorf("Expected cleared cache for new identity, got %v", msgs)
	}
}

func TestHireNotificationReachesBus(t *testing.T) {
	backend := testbackend.New()
	requester := newTestClient(t, backend, "user-a", "")
	if _, err := requester.Hire().Request(context.Background(), "user-b"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	// The target's startup sync pulls the notification and commits the
	// pending request before any widget asks.
	target := newTestClient(t, backend, "user-b", "")

	var notified bool
	target.Bus().Subscribe(bus.Hire("user-a", "user-b"), func(any) { notified = true })

	if got := target.Hire().Status("user-a", "user-b"); got != models.HirePending {
		t.Errorf("Expected pending from notification sync, got %q", got)
	}
	if _, err := target.Hire().Accept(context.Background(), "user-a"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if !notified {
		t.Error("Expected bus notification for the committed transition")
	}
}
