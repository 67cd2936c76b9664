// Package convo caches the caller's conversations and message sequences and
// reconciles locally-originated (optimistic) entries with server-confirmed
// ones. The backend owns every record; this store only mirrors it and takes
// on the obligation to never duplicate or reorder what it mirrors.
package convo

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tutorlink/realtime/internal/bus"
	"github.com/tutorlink/realtime/internal/models"
	"github.com/tutorlink/realtime/internal/store"
)

// ConversationAPI is the slice of the backend client the store needs.
type ConversationAPI interface {
	CreateOrGetConversation(ctx context.Context, peerID string) (models.Conversation, error)
}

// Joiner subscribes the connection to a conversation channel. Satisfied by
// the connection manager.
type Joiner interface {
	JoinChannel(channelID string)
}

type Store struct {
	selfID string
	api    ConversationAPI
	joiner Joiner
	bus    *bus.Bus
	cache  store.Store // optional warm-start cache; nil disables it

	mu        sync.Mutex
	convos    map[string]*models.Conversation
	messages  map[string][]models.Message
	idPrefix  string
	idCounter int
}

func NewStore(selfID string, api ConversationAPI, joiner Joiner, b *bus.Bus, cache store.Store) *Store {
	return &Store{
		selfID:   selfID,
		api:      api,
		joiner:   joiner,
		bus:      b,
		cache:    cache,
		convos:   make(map[string]*models.Conversation),
		messages: make(map[string][]models.Message),
		idPrefix: fmt.Sprintf("local-%d", time.Now().UnixNano()),
	}
}

// List returns the cached conversations, most recently updated first.
func (s *Store) List() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conversation, 0, len(s.convos))
	for _, c := range s.convos {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// MessagesFor returns a copy of the message sequence for a conversation.
func (s *Store) MessagesFor(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages[conversationID]...)
}

// AddConversation merges a server-owned conversation into the cache and joins
// its channel, so the caller never observes messages from a channel it never
// subscribed to. Idempotent on the conversation ID.
func (s *Store) AddConversation(conv models.Conversation) {
	s.mu.Lock()
	existing, ok := s.convos[conv.ID]
	if ok {
		// Server copy wins on metadata, but never moves UpdatedAt backwards
		// past local appends.
		if conv.UpdatedAt.After(existing.UpdatedAt) {
			existing.UpdatedAt = conv.UpdatedAt
			existing.LastMessage = conv.LastMessage
		}
	} else {
		c := conv
		s.convos[conv.ID] = &c
	}
	s.mu.Unlock()

	s.joiner.JoinChannel(conv.ID)
	if !ok {
		if s.cache != nil {
			if err := s.cache.SaveConversation(conv); err != nil {
				log.Printf("convo: cache conversation: %v", err)
			}
		}
		s.bus.Publish(bus.TopicConversationUpdated, conv)
	}
}

// SetConversations merges the authoritative conversation list, typically the
// startup fetch.
func (s *Store) SetConversations(convos []models.Conversation) {
	for _, c := range convos {
		s.AddConversation(c)
	}
}

// Ensure returns the conversation with peerID, asking the backend to create
// it on first contact. Exactly one conversation exists per unordered pair;
// re-requesting returns the same identifier.
func (s *Store) Ensure(ctx context.Context, peerID string) (models.Conversation, error) {
	s.mu.Lock()
	for _, c := range s.convos {
		if c.Peer(s.selfID) == peerID {
			conv := *c
			s.mu.Unlock()
			return conv, nil
		}
	}
	s.mu.Unlock()

	conv, err := s.api.CreateOrGetConversation(ctx, peerID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("convo: ensure conversation with %s: %w", peerID, err)
	}
	s.AddConversation(conv)
	return conv, nil
}

// SetHistory installs the fetched confirmed history for a conversation.
// Optimistic entries already present locally are kept, after the history.
func (s *Store) SetHistory(conversationID string, history []models.Message) {
	s.mu.Lock()
	var pending []models.Message
	for _, m := range s.messages[conversationID] {
		if m.Delivery == models.DeliveryOptimistic {
			pending = append(pending, m)
		}
	}
	s.messages[conversationID] = append(append([]models.Message(nil), history...), pending...)
	s.mu.Unlock()
}

// Append inserts msg preserving arrival order, updates the conversation
// snapshot, and joins the channel when needed.
func (s *Store) Append(conversationID string, msg models.Message) {
	s.mu.Lock()
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.touchLocked(conversationID, msg)
	s.mu.Unlock()

	s.joiner.JoinChannel(conversationID)
	if msg.Delivery == models.DeliveryConfirmed && s.cache != nil {
		if err := s.cache.SaveMessage(msg); err != nil {
			log.Printf("convo: cache message: %v", err)
		}
	}
	s.bus.Publish(bus.TopicMessageAppended, msg)
	s.bus.Publish(bus.TopicConversationUpdated, s.conversation(conversationID))
}

// touchLocked bumps the conversation's recency snapshot. Callers hold s.mu.
func (s *Store) touchLocked(conversationID string, msg models.Message) {
	conv, ok := s.convos[conversationID]
	if !ok {
		conv = &models.Conversation{ID: conversationID, UpdatedAt: msg.CreatedAt}
		s.convos[conversationID] = conv
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	conv.LastMessage = msg.Text
}

func (s *Store) conversation(conversationID string) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convos[conversationID]; ok {
		return *c
	}
	return models.Conversation{ID: conversationID}
}

// RecordOptimistic synthesizes a provisional message with a client-generated
// correlation id and appends it immediately, so the sender sees it with no
// perceived latency. The returned message is the reconciliation handle.
func (s *Store) RecordOptimistic(conversationID, senderID, text string) models.Message {
	s.mu.Lock()
	s.idCounter++
	clientID := fmt.Sprintf("%s-%d", s.idPrefix, s.idCounter)
	s.mu.Unlock()

	msg := models.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
		Delivery:       models.DeliveryOptimistic,
	}
	s.Append(conversationID, msg)
	return msg
}

// ReconcileIncoming merges a server-confirmed message into the sequence:
//
//  1. a message with the same confirmed id is already present: duplicate
//     push, dropped;
//  2. an optimistic entry with the echoed client id is replaced in place;
//  3. failing that, the first still-optimistic entry matching (sender, text)
//     is replaced in place, the legacy heuristic kept for backends that do
//     not echo the client id;
//  4. no match: appended as new (a reconciliation miss is not an error).
//
// Positions of all other entries are untouched; reconciliation substitutes,
// never reorders.
func (s *Store) ReconcileIncoming(conversationID string, confirmed models.Message) models.Message {
	confirmed.Delivery = models.DeliveryConfirmed
	confirmed.Failed = false

	s.mu.Lock()
	seq := s.messages[conversationID]

	for _, m := range seq {
		if m.Delivery == models.DeliveryConfirmed && m.ID == confirmed.ID {
			s.mu.Unlock()
			return m
		}
	}

	idx := -1
	if confirmed.ClientID != "" {
		for i, m := range seq {
			if m.Delivery == models.DeliveryOptimistic && m.ClientID == confirmed.ClientID {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		for i, m := range seq {
			if m.Delivery == models.DeliveryOptimistic &&
				m.SenderID == confirmed.SenderID && m.Text == confirmed.Text {
				idx = i
				break
			}
		}
	}

	if idx == -1 {
		s.mu.Unlock()
		s.Append(conversationID, confirmed)
		return confirmed
	}

	seq[idx] = confirmed
	s.touchLocked(conversationID, confirmed)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SaveMessage(confirmed); err != nil {
			log.Printf("convo: cache message: %v", err)
		}
	}
	s.bus.Publish(bus.TopicMessageConfirmed, confirmed)
	s.bus.Publish(bus.TopicConversationUpdated, s.conversation(conversationID))
	return confirmed
}

// MarkFailed flags the optimistic entry with clientID as permanently failed.
// The entry stays in place; silently dropping it would misrepresent what the
// sender asked for.
func (s *Store) MarkFailed(conversationID, clientID string) {
	s.mu.Lock()
	var failed *models.Message
	seq := s.messages[conversationID]
	for i := range seq {
		if seq[i].Delivery == models.DeliveryOptimistic && seq[i].ClientID == clientID {
			seq[i].Failed = true
			m := seq[i]
			failed = &m
			break
		}
	}
	s.mu.Unlock()

	if failed != nil {
		s.bus.Publish(bus.TopicMessageFailed, *failed)
	}
}

// LoadCache warms the store from the local cache before the first backend
// fetch. Only confirmed records ever reach the cache, so nothing here can
// resurrect an optimistic entry.
func (s *Store) LoadCache() {
	if s.cache == nil {
		return
	}
	convos, err := s.cache.Conversations()
	if err != nil {
		log.Printf("convo: load cached conversations: %v", err)
		return
	}
	for _, conv := range convos {
		s.AddConversation(conv)
		msgs, err := s.cache.Messages(conv.ID)
		if err != nil {
			log.Printf("convo: load cached messages for %s: %v", conv.ID, err)
			continue
		}
		s.SetHistory(conv.ID, msgs)
	}
}
