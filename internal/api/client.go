// Package api is the HTTP request/response boundary with the TutorLink
// backend. It attaches the session token to every call and converts backend
// failures into typed errors; it never interprets the token itself.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tutorlink/realtime/internal/models"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (models.User, error) {
	var user models.User
	err := c.doJSON(ctx, http.MethodGet, "/users/me", nil, &user)
	return user, err
}

// Conversations returns the caller's conversation list.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convos []models.Conversation
	err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, &convos)
	return convos, err
}

// Messages returns the message history for a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := c.doJSON(ctx, http.MethodGet, "/conversations/"+conversationID+"/messages", nil, &msgs)
	return msgs, err
}

// CreateOrGetConversation returns the conversation with peerID, creating it
// on first contact. The backend guarantees one conversation per pair, so
// repeating the call returns the same identifier.
func (c *Client) CreateOrGetConversation(ctx context.Context, peerID string) (models.Conversation, error) {
	var conv models.Conversation
	body := map[string]string{"peer_id": peerID}
	err := c.doJSON(ctx, http.MethodPost, "/conversations", body, &conv)
	return conv, err
}

// SendMessage submits a message and returns the confirmed record. clientID is
// the caller's correlation token; the backend echoes it so the sender can
// match the confirmation to its optimistic entry.
func (c *Client) SendMessage(ctx context.Context, conversationID, clientID, text string) (models.Message, error) {
	var msg models.Message
	body := map[string]string{"client_id": clientID, "text": text}
	err := c.doJSON(ctx, http.MethodPost, "/conversations/"+conversationID+"/messages", body, &msg)
	return msg, err
}

// SendHireRequest asks to engage targetID. Returns the authoritative request
// record; CodeRequestActive when a pending request already exists.
func (c *Client) SendHireRequest(ctx context.Context, targetID string) (models.HireRequest, error) {
	var req models.HireRequest
	err := c.doJSON(ctx, http.MethodPost, "/hire/"+targetID+"/request", nil, &req)
	return req, err
}

// CancelHireRequest withdraws the caller's pending request to targetID.
func (c *Client) CancelHireRequest(ctx context.Context, targetID string) (models.HireRequest, error) {
	var req models.HireRequest
	err := c.doJSON(ctx, http.MethodPost, "/hire/"+targetID+"/cancel", nil, &req)
	return req, err
}

// AcceptHireRequest accepts the pending request from requesterID.
func (c *Client) AcceptHireRequest(ctx context.Context, requesterID string) (models.HireRequest, error) {
	var req models.HireRequest
	err := c.doJSON(ctx, http.MethodPost, "/hire/"+requesterID+"/accept", nil, &req)
	return req, err
}

// RejectHireRequest rejects the pending request from requesterID.
func (c *Client) RejectHireRequest(ctx context.Context, requesterID string) (models.HireRequest, error) {
	var req models.HireRequest
	err := c.doJSON(ctx, http.MethodPost, "/hire/"+requesterID+"/reject", nil, &req)
	return req, err
}

// HireStatus fetches the authoritative engagement status between the caller
// and otherID. Used to resolve stale-state conflicts instead of guessing.
func (c *Client) HireStatus(ctx context.Context, otherID string) (models.HireRequest, error) {
	var req models.HireRequest
	err := c.doJSON(ctx, http.MethodGet, "/hire/"+otherID+"/status", nil, &req)
	return req, err
}

// Notifications returns the caller's notification feed.
func (c *Client) Notifications(ctx context.Context) ([]models.Notification, error) {
	var notifs []models.Notification
	err := c.doJSON(ctx, http.MethodGet, "/notifications", nil, &notifs)
	return notifs, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
