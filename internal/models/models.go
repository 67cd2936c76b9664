package models

import "time"

// Delivery states for a message held in the local conversation store.
const (
	DeliveryOptimistic = "optimistic"
	DeliveryConfirmed  = "confirmed"
)

type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role,omitempty"`
}

func (u User) FullName() string {
	if u.FirstName == "" {
		return u.LastName
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Conversation is the server-owned thread between two participants. The
// local copy is a cache; ID and Members come from the backend and are stable.
type Conversation struct {
	ID          string    `json:"id"`
	Members     []string  `json:"members"` // exactly two user IDs
	UpdatedAt   time.Time `json:"updated_at"`
	LastMessage string    `json:"last_message,omitempty"` // denormalized for list rendering
}

// Peer returns the member that is not self. Empty string when self is not a
// member (stale cache entry).
func (c Conversation) Peer(selfID string) string {
	for _, m := range c.Members {
		if m != selfID {
			return m
		}
	}
	return ""
}

// Message is one entry in a conversation. An optimistic message carries a
// client-generated ClientID and a provisional ID until the backend confirms
// it; confirmation rebinds ID and CreatedAt to the server values.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	Delivery       string    `json:"delivery"`
	Failed         bool      `json:"failed,omitempty"`
}

// Hire request statuses. A pair may hold at most one pending request;
// the terminal statuses (and none) unblock a new request.
const (
	HireNone       = "none"
	HirePending    = "pending"
	HireAccepted   = "accepted"
	HireRejected   = "rejected"
	HireCancelled  = "cancelled"
	HireSuperseded = "superseded"
)

// HireTerminal reports whether a new request may be created on top of status.
func HireTerminal(status string) bool {
	switch status {
	case HireNone, HireRejected, HireCancelled, HireSuperseded, "":
		return true
	}
	return false
}

// HireRequest mirrors the backend's engagement record. Never deleted locally,
// only transitioned to whatever status the backend reports.
type HireRequest struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	TargetID    string    `json:"target_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notification is a backend-owned record shown in the notification widget.
// Hire-request notifications reference the request they were raised for.
type Notification struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	SenderID    string       `json:"sender_id"`
	RecipientID string       `json:"recipient_id"`
	Request     *HireRequest `json:"request,omitempty"`
	Message     string       `json:"message,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}
