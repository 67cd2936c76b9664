// Package testbackend is an in-memory TutorLink backend used by the package
// tests. It implements just enough of the request/response and channel-event
// contracts: conversation CRUD, message confirmation with client-id echo,
// hire request lifecycle with the single-pending rule, and a websocket hub
// that delivers new-message and presence events to joined channels.
package testbackend

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tutorlink/realtime/internal/models"
)

const jwtSecret = "test-secret"

// Token mints a session token for userID, the way the real backend would on
// login.
func Token(userID string) string {
	claims := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "tutorlink-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := claims.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(err)
	}
	return signed
}

type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	joined map[string]bool
	mu     sync.Mutex
}

// Backend is one fake server instance. Wrap Router() in httptest.NewServer.
type Backend struct {
	mu            sync.Mutex
	router        *mux.Router
	upgrader      websocket.Upgrader
	nextID        int
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	hires         map[string]*models.HireRequest // keyed by requester|target
	notifications []models.Notification
	clients       map[*wsClient]bool

	// FailSends makes message sends return 503, for failure-path tests.
	FailSends bool
}

func New() *Backend {
	b := &Backend{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		hires:         make(map[string]*models.HireRequest),
		clients:       make(map[*wsClient]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/users/me", b.auth(b.handleMe)).Methods("GET")
	r.HandleFunc("/conversations", b.auth(b.handleListConversations)).Methods("GET")
	r.HandleFunc("/conversations", b.auth(b.handleCreateConversation)).Methods("POST")
	r.HandleFunc("/conversations/{id}/messages", b.auth(b.handleListMessages)).Methods("GET")
	r.HandleFunc("/conversations/{id}/messages", b.auth(b.handleSendMessage)).Methods("POST")
	r.HandleFunc("/hire/{id}/request", b.auth(b.handleHireRequest)).Methods("POST")
	r.HandleFunc("/hire/{id}/cancel", b.auth(b.handleHireCancel)).Methods("POST")
	r.HandleFunc("/hire/{id}/accept", b.auth(b.handleHireAccept)).Methods("POST")
	r.HandleFunc("/hire/{id}/reject", b.auth(b.handleHireReject)).Methods("POST")
	r.HandleFunc("/hire/{id}/status", b.auth(b.handleHireStatus)).Methods("GET")
	r.HandleFunc("/notifications", b.auth(b.handleNotifications)).Methods("GET")
	r.HandleFunc("/ws", b.handleWS)
	b.router = r
	return b
}

func (b *Backend) Router() http.Handler { return b.router }

// auth validates the bearer token and passes the subject through the request
// context via header rewrite (enough for a fake).
func (b *Backend) auth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userFromToken(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next(w, r, userID)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

func userFromToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}

func (b *Backend) genID(prefix string) string {
	b.nextID++
	return fmt.Sprintf("%s-%d", prefix, b.nextID)
}

func pairKey(requesterID, targetID string) string {
	return requesterID + "|" + targetID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request, userID string) {
	writeJSON(w, http.StatusOK, models.User{ID: userID})
}

func (b *Backend) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	b.mu.Lock()
	var out []models.Conversation
	for _, conv := range b.conversations {
		for _, m := range conv.Members {
			if m == userID {
				out = append(out, *conv)
				break
			}
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if out == nil {
		out = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "peer_id required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, *b.conversationForPair(userID, req.PeerID))
}

// conversationForPair returns the existing conversation for the unordered
// pair or creates it. Callers hold b.mu.
func (b *Backend) conversationForPair(a, peer string) *models.Conversation {
	for _, conv := range b.conversations {
		if (conv.Members[0] == a && conv.Members[1] == peer) ||
			(conv.Members[0] == peer && conv.Members[1] == a) {
			return conv
		}
	}
	conv := &models.Conversation{
		ID:        b.genID("conv"),
		Members:   []string{a, peer},
		UpdatedAt: time.Now().UTC(),
	}
	b.conversations[conv.ID] = conv
	return conv
}

func (b *Backend) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	convID := mux.Vars(r)["id"]
	b.mu.Lock()
	msgs := append([]models.Message(nil), b.messages[convID]...)
	b.mu.Unlock()
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (b *Backend) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	if b.FailSends {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "try again later")
		return
	}

	convID := mux.Vars(r)["id"]
	var req struct {
		ClientID string `json:"client_id"`
		Text     string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "text required")
		return
	}

	b.mu.Lock()
	msg := models.Message{
		ID:             b.genID("msg"),
		ClientID:       req.ClientID,
		ConversationID: convID,
		SenderID:       userID,
		Text:           req.Text,
		CreatedAt:      time.Now().UTC(),
		Delivery:       models.DeliveryConfirmed,
	}
	b.messages[convID] = append(b.messages[convID], msg)
	if conv, ok := b.conversations[convID]; ok {
		conv.UpdatedAt = msg.CreatedAt
		conv.LastMessage = msg.Text
	}
	b.mu.Unlock()

	// Channel echo to every joined client, sender included.
	b.broadcast(convID, models.Envelope{
		Type:           models.EventNewMessage,
		ConversationID: convID,
		Message:        &msg,
	})

	writeJSON(w, http.StatusOK, msg)
}

func (b *Backend) handleHireRequest(w http.ResponseWriter, r *http.Request, userID string) {
	targetID := mux.Vars(r)["id"]
	key := pairKey(userID, targetID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.hires[key]; ok && existing.Status == models.HirePending {
		writeError(w, http.StatusConflict, "request_active", "Active request exists")
		return
	}

	req := &models.HireRequest{
		ID:          b.genID("hire"),
		RequesterID: userID,
		TargetID:    targetID,
		Status:      models.HirePending,
		CreatedAt:   time.Now().UTC(),
	}
	b.hires[key] = req
	b.notifications = append(b.notifications, models.Notification{
		ID:          b.genID("notif"),
		Type:        "hire-request",
		SenderID:    userID,
		RecipientID: targetID,
		Request:     req,
		CreatedAt:   req.CreatedAt,
	})
	writeJSON(w, http.StatusOK, *req)
}

func (b *Backend) hireTransition(w http.ResponseWriter, key, want, next string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.hires[key]
	if !ok || req.Status != want {
		writeError(w, http.StatusConflict, "invalid_transition", "request not in "+want)
		return
	}
	req.Status = next
	writeJSON(w, http.StatusOK, *req)
}

func (b *Backend) handleHireCancel(w http.ResponseWriter, r *http.Request, userID string) {
	targetID := mux.Vars(r)["id"]
	b.hireTransition(w, pairKey(userID, targetID), models.HirePending, models.HireCancelled)
}

func (b *Backend) handleHireAccept(w http.ResponseWriter, r *http.Request, userID string) {
	requesterID := mux.Vars(r)["id"]
	b.hireTransition(w, pairKey(requesterID, userID), models.HirePending, models.HireAccepted)
}

func (b *Backend) handleHireReject(w http.ResponseWriter, r *http.Request, userID string) {
	requesterID := mux.Vars(r)["id"]
	b.hireTransition(w, pairKey(requesterID, userID), models.HirePending, models.HireRejected)
}

func (b *Backend) handleHireStatus(w http.ResponseWriter, r *http.Request, userID string) {
	otherID := mux.Vars(r)["id"]
	b.mu.Lock()
	defer b.mu.Unlock()

	// Status between the caller and other, whichever direction exists.
	if req, ok := b.hires[pairKey(userID, otherID)]; ok {
		writeJSON(w, http.StatusOK, *req)
		return
	}
	if req, ok := b.hires[pairKey(otherID, userID)]; ok {
		writeJSON(w, http.StatusOK, *req)
		return
	}
	writeJSON(w, http.StatusOK, models.HireRequest{
		RequesterID: userID,
		TargetID:    otherID,
		Status:      models.HireNone,
	})
}

// SetHireStatus seeds or overrides a request, for staleness scenarios.
func (b *Backend) SetHireStatus(requesterID, targetID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := pairKey(requesterID, targetID)
	if req, ok := b.hires[key]; ok {
		req.Status = status
		return
	}
	b.hires[key] = &models.HireRequest{
		ID:          b.genID("hire"),
		RequesterID: requesterID,
		TargetID:    targetID,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
}

func (b *Backend) handleNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	b.mu.Lock()
	var out []models.Notification
	for _, n := range b.notifications {
		if n.RecipientID == userID {
			out = append(out, n)
		}
	}
	b.mu.Unlock()
	if out == nil {
		out = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromToken(bearerToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("testbackend: upgrade:", err)
		return
	}

	client := &wsClient{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
		joined: make(map[string]bool),
	}
	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()

	go client.writePump()
	go b.readPump(client)
}

func (c *wsClient) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (b *Backend) readPump(c *wsClient) {
	defer func() {
		b.mu.Lock()
		if _, ok := b.clients[c]; ok {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == models.EventJoinChannel {
			c.mu.Lock()
			c.joined[env.ChannelID] = true
			c.mu.Unlock()
		}
	}
}

func (b *Backend) broadcast(channelID string, env models.Envelope) {
	data, _ := json.Marshal(env)
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		client.mu.Lock()
		joined := client.joined[channelID]
		client.mu.Unlock()
		if !joined {
			continue
		}
		select {
		case client.send <- data:
		default:
			delete(b.clients, client)
			close(client.send)
		}
	}
}

// PushPresence emits a peer-online / peer-offline event to every connected
// client.
func (b *Backend) PushPresence(peerID string, online bool) {
	eventType := models.EventPeerOnline
	if !online {
		eventType = models.EventPeerOffline
	}
	data, _ := json.Marshal(models.Envelope{Type: eventType, PeerID: peerID})

	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// PushMessage injects a confirmed message as if another device had sent it,
// and echoes it on the conversation channel.
func (b *Backend) PushMessage(convID, senderID, text string) models.Message {
	b.mu.Lock()
	msg := models.Message{
		ID:             b.genID("msg"),
		ConversationID: convID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
		Delivery:       models.DeliveryConfirmed,
	}
	b.messages[convID] = append(b.messages[convID], msg)
	b.mu.Unlock()

	b.broadcast(convID, models.Envelope{
		Type:           models.EventNewMessage,
		ConversationID: convID,
		Message:        &msg,
	})
	return msg
}

// PushRawEvent broadcasts an arbitrary envelope to every connected client,
// joined or not, used to simulate stale server pushes.
func (b *Backend) PushRawEvent(env models.Envelope) {
	data, _ := json.Marshal(env)
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// CloseClients drops every websocket, simulating a transport failure.
func (b *Backend) CloseClients() {
	b.mu.Lock()
	clients := make([]*wsClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*wsClient]bool)
	b.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}

// ClientCount reports how many websocket clients are connected.
func (b *Backend) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// JoinedChannels returns the channels the single connected client has joined.
// Fails the calling test's expectations loudly if there are multiple clients.
func (b *Backend) JoinedChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for client := range b.clients {
		client.mu.Lock()
		for id := range client.joined {
			out = append(out, id)
		}
		client.mu.Unlock()
	}
	sort.Strings(out)
	return out
}
