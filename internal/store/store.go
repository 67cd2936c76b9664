// Package store defines the local warm-start cache. The cache only ever
// holds server-confirmed records; it is not a source of truth and nothing is
// queued or retried from it.
package store

import "github.com/tutorlink/realtime/internal/models"

type Store interface {
	// Identity returns the user the cached data belongs to, empty when fresh.
	Identity() (string, error)
	SetIdentity(userID string) error

	SaveConversation(conv models.Conversation) error
	Conversations() ([]models.Conversation, error)

	// SaveMessage upserts a confirmed message by its server id.
	SaveMessage(msg models.Message) error
	Messages(conversationID string) ([]models.Message, error)

	// Clear drops everything, used when the configured identity changes.
	Clear() error
	Close() error
}
