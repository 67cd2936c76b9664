package conn

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tutorlink/realtime/internal/bus"
	"github.com/tutorlink/realtime/internal/channels"
	"github.com/tutorlink/realtime/internal/models"
	"github.com/tutorlink/realtime/internal/testbackend"
)

type recordingHandler struct {
	mu       sync.Mutex
	messages []models.Message
	online   []string
	offline  []string
}

func (h *recordingHandler) HandleNewMessage(conversationID string, msg models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandlePeerOnline(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = append(h.online, peerID)
}

func (h *recordingHandler) HandlePeerOffline(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline = append(h.offline, peerID)
}

func (h *recordingHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

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

func newTestManager(t *testing.T, backend *testbackend.Backend) (*Manager, *channels.Registry, *recordingHandler, *bus.Bus) {
	t.Helper()
	server := httptest.NewServer(backend.Router())
	t.Cleanup(server.Close)

	registry := channels.NewRegistry()
	b := bus.New()
	handler := &recordingHandler{}
	m := NewManager(Config{
		URL:        "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Token:      testbackend.Token("user-a"),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, registry, b, handler)
	t.Cleanup(m.Disconnect)
	return m, registry, handler, b
}

func TestConnectJoinsRegisteredChannels(t *testing.T) {
	backend := testbackend.New()
	m, registry, handler, _ := newTestManager(t, backend)

	registry.Join("conv-1")
	m.Connect(context.Background())

	waitFor(t, "join frame to reach backend", func() bool {
		for _, id := range backend.JoinedChannels() {
			if id == "conv-1" {
				return true
			}
		}
		return false
	})

	backend.PushMessage("conv-1", "user-b", "hello")
	waitFor(t, "message delivery", func() bool { return handler.messageCount() == 1 })

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.messages[0].Text != "hello" {
		t.Errorf("Expected text 'hello', got %q", handler.messages[0].Text)
	}
}

func TestConnectTwiceIsNoOp(t *testing.T) {
	backend := testbackend.New()
	m, _, _, _ := newTestManager(t, backend)

	m.Connect(context.Background())
	waitFor(t, "first connection", func() bool { return backend.ClientCount() == 1 })

	m.Connect(context.Background())
	// Give a second connection a chance to appear if the no-op is broken.
	time.Sleep(50 * time.Millisecond)
	if n := backend.ClientCount(); n != 1 {
		t.Errorf("Expected 1 connection, got %d", n)
	}
}

func TestEventForUnjoinedChannelIsDropped(t *testing.T) {
	backend := testbackend.New()
	m, registry, handler, _ := newTestManager(t, backend)

	registry.Join("conv-1")
	m.Connect(context.Background())
	waitFor(t, "connection", func() bool { return backend.ClientCount() == 1 })

	// A stale push for a channel the registry does not list.
	stale := models.Message{ID: "m-stale", ConversationID: "conv-99", SenderID: "user-b", Text: "stale"}
	backend.PushRawEvent(models.Envelope{
		Type:           models.EventNewMessage,
		ConversationID: "conv-99",
		Message:        &stale,
	})
	backend.PushMessage("conv-1", "user-b", "real")

	waitFor(t, "real message delivery", func() bool { return handler.messageCount() >= 1 })
	handler.mu.Lock()
	defer handler.mu.Unlock()
	for _, msg := range handler.messages {
		if msg.ConversationID == "conv-99" {
			t.Error("Message for unjoined channel was applied")
		}
	}
}

func TestReconnectRejoinsBeforeDelivery(t *testing.T) {
	backend := testbackend.New()
	m, registry, handler, b := newTestManager(t, backend)

	registry.Join("conv-1")
	registry.Join("conv-2")
	m.Connect(context.Background())
	waitFor(t, "initial connection", func() bool { return backend.ClientCount() == 1 })

	var transitions []string
	var transitionsMu sync.Mutex
	b.Subscribe(bus.TopicDisconnected, func(any) {
		transitionsMu.Lock()
		transitions = append(transitions, "disconnected")
		transitionsMu.Unlock()
	})
	b.Subscribe(bus.TopicConnected, func(any) {
		transitionsMu.Lock()
		transitions = append(transitions, "connected")
		transitionsMu.Unlock()
	})

	backend.CloseClients()
	waitFor(t, "reconnect", func() bool { return backend.ClientCount() == 1 })
	waitFor(t, "rejoin of both channels", func() bool {
		return len(backend.JoinedChannels()) == 2
	})

	// A message pushed after reconnect must arrive: the channels were
	// re-joined before any delivery.
	backend.PushMessage("conv-2", "user-b", "after reconnect")
	waitFor(t, "post-reconnect delivery", func() bool { return handler.messageCount() == 1 })

	transitionsMu.Lock()
	defer transitionsMu.Unlock()
	if len(transitions) < 2 || transitions[0] != "disconnected" || transitions[1] != "connected" {
		t.Errorf("Expected disconnected then connected transitions, got %v", transitions)
	}
}

func TestPresenceEventsDispatch(t *testing.T) {
	backend := testbackend.New()
	m, _, handler, _ := newTestManager(t, backend)

	m.Connect(context.Background())
	waitFor(t, "connection", func() bool { return backend.ClientCount() == 1 })

	backend.PushPresence("user-b", true)
	waitFor(t, "peer-online", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.online) == 1 && handler.online[0] == "user-b"
	})

	backend.PushPresence("user-b", false)
	waitFor(t, "peer-offline", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.offline) == 1 && handler.offline[0] == "user-b"
	})
}

func TestJoinChannelWhileConnectedEmitsFrame(t *testing.T) {
	backend := testbackend.New()
	m, _, _, _ := newTestManager(t, backend)

	m.Connect(context.Background())
	waitFor(t, "connection", func() bool { return backend.ClientCount() == 1 })

	m.JoinChannel("conv-7")
	waitFor(t, "join frame", func() bool {
		for _, id := range backend.JoinedChannels() {
			if id == "conv-7" {
				return true
			}
		}
		return false
	})

	// Joining again must not emit another frame; the registry already has it.
	m.JoinChannel("conv-7")
}
