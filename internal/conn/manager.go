// Package conn owns the single persistent connection to the backend's
// channel endpoint. It (re)authenticates, re-joins every registered channel
// after a reconnect, and surfaces lifecycle changes on the event bus. All
// other components go through the registry and the conversation store; none
// touch the socket directly.
package conn

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorlink/realtime/internal/bus"
	"github.com/tutorlink/realtime/internal/channels"
	"github.com/tutorlink/realtime/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// EventHandler receives decoded channel events. The client facade implements
// it and routes into the conversation store and presence tracker.
type EventHandler interface {
	HandleNewMessage(conversationID string, msg models.Message)
	HandlePeerOnline(peerID string)
	HandlePeerOffline(peerID string)
}

type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/ws.
	URL string
	// Token is the opaque session token, passed as a query parameter the way
	// the backend's channel auth expects it.
	Token string
	// MinBackoff / MaxBackoff bound the reconnect delay. Zero values get
	// production defaults; tests shrink them.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type Manager struct {
	cfg      Config
	registry *channels.Registry
	bus      *bus.Bus
	handler  EventHandler
	dialer   *websocket.Dialer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	conn    *websocket.Conn
	send    chan []byte
}

func NewManager(cfg Config, registry *channels.Registry, b *bus.Bus, handler EventHandler) *Manager {
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		bus:      b,
		handler:  handler,
		dialer:   websocket.DefaultDialer,
	}
}

// Connect starts the connection loop for this identity. Calling it while the
// loop is running is a no-op: one identity, one connection. Dial failures are
// never returned to the caller; the loop retries and the bus reports
// connected/disconnected transitions.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(runCtx)
}

// Disconnect tears the connection down and stops reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
}

// IsConnected reports whether a session is currently established.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// JoinChannel records membership and, when a session is up, emits the
// join-channel frame. Idempotent: an already-joined channel sends nothing.
func (m *Manager) JoinChannel(channelID string) {
	if !m.registry.Join(channelID) {
		return
	}
	frame, err := models.JoinChannelFrame(channelID)
	if err != nil {
		log.Printf("conn: encode join frame: %v", err)
		return
	}
	m.enqueue(frame)
}

// LeaveChannel removes membership. The contract has no leave operation on the
// wire; events for the channel are dropped locally from here on.
func (m *Manager) LeaveChannel(channelID string) {
	m.registry.Leave(channelID)
}

func (m *Manager) enqueue(frame []byte) {
	m.mu.Lock()
	send := m.send
	m.mu.Unlock()
	if send == nil {
		return // not connected; the registry snapshot covers it on reconnect
	}
	select {
	case send <- frame:
	default:
		log.Printf("conn: send buffer full, dropping frame")
	}
}

func (m *Manager) run(ctx context.Context) {
	backoff := m.cfg.MinBackoff
	for {
		conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL+"?token="+m.cfg.Token, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("conn: dial failed, retrying in %v: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
			}
			continue
		}
		backoff = m.cfg.MinBackoff

		// Re-join every registered channel before reading a single event, so
		// no subscriber sees a new-message for a channel that is not yet
		// re-joined.
		if err := m.rejoin(conn); err != nil {
			log.Printf("conn: rejoin failed: %v", err)
			conn.Close()
			continue
		}

		send := make(chan []byte, 64)
		m.mu.Lock()
		m.conn = conn
		m.send = send
		m.mu.Unlock()

		m.bus.Publish(bus.TopicConnected, nil)

		done := make(chan struct{})
		go m.writePump(conn, send, done)
		m.readPump(conn) // blocks until the session drops

		close(done)
		conn.Close()
		m.mu.Lock()
		m.conn = nil
		m.send = nil
		m.mu.Unlock()

		m.bus.Publish(bus.TopicDisconnected, nil)

		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) rejoin(conn *websocket.Conn) error {
	for _, channelID := range m.registry.Snapshot() {
		frame, err := models.JoinChannelFrame(channelID)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("conn: read: %v", err)
			}
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (m *Manager) dispatch(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("conn: bad frame: %v", err)
		return
	}

	switch env.Type {
	case models.EventNewMessage:
		if env.Message == nil {
			log.Printf("conn: new-message without payload")
			return
		}
		convID := env.ConversationID
		if convID == "" {
			convID = env.Message.ConversationID
		}
		// Defense against stale or duplicate server pushes: events for
		// channels we are not joined to are logged and never applied.
		if !m.registry.Joined(convID) {
			log.Printf("conn: dropping new-message for unjoined channel %s", convID)
			return
		}
		m.handler.HandleNewMessage(convID, *env.Message)
	case models.EventPeerOnline:
		m.handler.HandlePeerOnline(env.PeerID)
	case models.EventPeerOffline:
		m.handler.HandlePeerOffline(env.PeerID)
	default:
		log.Printf("conn: unknown event type %q", env.Type)
	}
}
