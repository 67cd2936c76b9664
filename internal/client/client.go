// Package client is the top-level entry point: it wires the connection
// manager, conversation store, presence tracker and hire state machine
// together behind one facade. Widgets talk to the facade and subscribe to the
// bus; nothing else in the process touches the socket or the backend client
// directly.
package client

import (
	"context"
	"fmt"
	"log"

	"github.com/tutorlink/realtime/internal/api"
	"github.com/tutorlink/realtime/internal/bus"
	"github.com/tutorlink/realtime/internal/channels"
	"github.com/tutorlink/realtime/internal/config"
	"github.com/tutorlink/realtime/internal/conn"
	"github.com/tutorlink/realtime/internal/convo"
	"github.com/tutorlink/realtime/internal/hire"
	"github.com/tutorlink/realtime/internal/models"
	"github.com/tutorlink/realtime/internal/presence"
	"github.com/tutorlink/realtime/internal/store"
	"github.com/tutorlink/realtime/internal/store/sqlstore"
)

// PresenceUpdate is the payload published on bus.TopicPresenceChanged.
type PresenceUpdate struct {
	PeerID string
	Online bool
}

type Client struct {
	cfg      *config.Config
	selfID   string
	api      *api.Client
	bus      *bus.Bus
	registry *channels.Registry

	conn     *conn.Manager
	convos   *convo.Store
	presence *presence.Tracker
	hire     *hire.Machine
	cache    store.Store

	teardown []func()
}

func New(cfg *config.Config) *Client {
	return &Client{
		cfg:      cfg,
		api:      api.NewClient(cfg.BackendURL, cfg.Token),
		bus:      bus.New(),
		registry: channels.NewRegistry(),
	}
}

// Start resolves the identity, warms state from the local cache, fetches the
// authoritative conversation list and histories, and brings the connection
// up. The connection keeps retrying on its own after this returns.
func (c *Client) Start(ctx context.Context) error {
	c.selfID = c.cfg.UserID
	if c.selfID == "" {
		me, err := c.api.Me(ctx)
		if err != nil {
			return fmt.Errorf("client: resolve identity: %w", err)
		}
		c.selfID = me.ID
	}

	if c.cfg.CachePath != "" {
		if err := c.openCache(); err != nil {
			// The cache is an optimization; losing it costs a cold start, not
			// correctness.
			log.Printf("client: cache disabled: %v", err)
			c.cache = nil
		}
	}

	c.presence = presence.NewTracker()
	c.hire = hire.NewMachine(c.selfID, c.api, c.bus)
	c.conn = conn.NewManager(conn.Config{
		URL:        c.cfg.WSURL,
		Token:      c.cfg.Token,
		MinBackoff: c.cfg.Reconnect.MinBackoff,
		MaxBackoff: c.cfg.Reconnect.MaxBackoff,
	}, c.registry, c.bus, c)
	c.convos = convo.NewStore(c.selfID, c.api, c.conn, c.bus, c.cache)

	// A dropped session invalidates everything presence ever learned; peers
	// stay unknown until the next event after reconnect.
	c.teardown = append(c.teardown, c.bus.Subscribe(bus.TopicDisconnected, func(any) {
		c.presence.Reset()
	}))

	c.convos.LoadCache()

	if err := c.sync(ctx); err != nil {
		return err
	}

	c.conn.Connect(ctx)
	return nil
}

func (c *Client) openCache() error {
	cache, err := sqlstore.New(c.cfg.CachePath)
	if err != nil {
		return err
	}
	owner, err := cache.Identity()
	if err != nil {
		cache.Close()
		return err
	}
	// Never serve one user another user's history.
	if owner != c.selfID {
		if err := cache.Clear(); err != nil {
			cache.Close()
			return err
		}
		if err := cache.SetIdentity(c.selfID); err != nil {
			cache.Close()
			return err
		}
	}
	c.cache = cache
	return nil
}

// sync replaces warm-start state with the backend's answer: conversation
// list, per-conversation history, and the notification feed.
func (c *Client) sync(ctx context.Context) error {
	convos, err := c.api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("client: fetch conversations: %w", err)
	}
	c.convos.SetConversations(convos)

	for _, conv := range convos {
		history, err := c.api.Messages(ctx, conv.ID)
		if err != nil {
			log.Printf("client: fetch history for %s: %v", conv.ID, err)
			continue
		}
		c.convos.SetHistory(conv.ID, history)
	}

	notifs, err := c.api.Notifications(ctx)
	if err != nil {
		log.Printf("client: fetch notifications: %v", err)
		return nil
	}
	for _, n := range notifs {
		if n.Request != nil {
			c.hire.Apply(*n.Request)
		}
		c.bus.Publish(bus.TopicNotification, n)
	}
	return nil
}

// Close tears the connection down and releases the cache.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Disconnect()
	}
	for _, fn := range c.teardown {
		fn()
	}
	c.teardown = nil
	if c.cache != nil {
		c.cache.Close()
	}
}

// UserID returns the local user's identity.
func (c *Client) UserID() string { return c.selfID }

// Bus exposes the event bus widgets subscribe to.
func (c *Client) Bus() *bus.Bus { return c.bus }

// Hire exposes the engagement request state machine.
func (c *Client) Hire() *hire.Machine { return c.hire }

// IsConnected reports whether the channel session is up.
func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// Conversations returns the cached conversation list, most recent first.
func (c *Client) Conversations() []models.Conversation { return c.convos.List() }

// Messages returns the message sequence for a conversation.
func (c *Client) Messages(conversationID string) []models.Message {
	return c.convos.MessagesFor(conversationID)
}

// PeerOnline reports the peer's presence. known is false when no event has
// been seen since the last (re)connect; absence of events is never treated as
// offline.
func (c *Client) PeerOnline(peerID string) (online, known bool) {
	return c.presence.IsOnline(peerID)
}

// StartConversation returns the conversation with peerID, creating it on
// first contact and joining its channel.
func (c *Client) StartConversation(ctx context.Context, peerID string) (models.Conversation, error) {
	return c.convos.Ensure(ctx, peerID)
}

// SendMessage appends an optimistic entry immediately, submits the message,
// and reconciles the confirmation into the same position. On failure the
// entry stays, flagged failed, and the error is returned for the caller's
// retry UI.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (models.Message, error) {
	opt := c.convos.RecordOptimistic(conversationID, c.selfID, text)

	confirmed, err := c.api.SendMessage(ctx, conversationID, opt.ClientID, text)
	if err != nil {
		c.convos.MarkFailed(conversationID, opt.ClientID)
		return opt, fmt.Errorf("client: send message: %w", err)
	}
	return c.convos.ReconcileIncoming(conversationID, confirmed), nil
}

// HandleNewMessage routes a channel event into the conversation store. The
// connection manager has already dropped events for unjoined channels.
func (c *Client) HandleNewMessage(conversationID string, msg models.Message) {
	c.convos.ReconcileIncoming(conversationID, msg)
}

func (c *Client) HandlePeerOnline(peerID string) {
	c.presence.SetOnline(peerID)
	c.bus.Publish(bus.TopicPresenceChanged, PresenceUpdate{PeerID: peerID, Online: true})
}

func (c *Client) HandlePeerOffline(peerID string) {
	c.presence.SetOffline(peerID)
	c.bus.Publish(bus.TopicPresenceChanged, PresenceUpdate{PeerID: peerID, Online: false})
}
