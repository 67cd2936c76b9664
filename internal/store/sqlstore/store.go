// Package sqlstore is the SQLite implementation of the local cache.
package sqlstore

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/tutorlink/realtime/internal/models"
)

type SQLStore struct {
	db *sql.DB
}

func New(dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		members TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		last_message TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLStore) Identity() (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'identity'").Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLStore) SetIdentity(userID string) error {
	_, err := s.db.Exec(
		"INSERT INTO meta (key, value) VALUES ('identity', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		userID)
	return err
}

func (s *SQLStore) SaveConversation(conv models.Conversation) error {
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, members, updated_at, last_message) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, last_message = excluded.last_message`,
		conv.ID, strings.Join(conv.Members, ","), conv.UpdatedAt.UTC(), conv.LastMessage)
	return err
}

func (s *SQLStore) Conversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, members, updated_at, COALESCE(last_message, '')
		FROM conversations
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convos []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var members string
		var updatedAt time.Time
		if err := rows.Scan(&conv.ID, &members, &updatedAt, &conv.LastMessage); err != nil {
			return nil, err
		}
		if members != "" {
			conv.Members = strings.Split(members, ",")
		}
		conv.UpdatedAt = updatedAt.UTC()
		convos = append(convos, conv)
	}
	return convos, rows.Err()
}

func (s *SQLStore) SaveMessage(msg models.Message) error {
	// Only confirmed records belong in the cache; refusing here keeps the
	// invariant even if a caller slips.
	if msg.Delivery != models.DeliveryConfirmed {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, text, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET text = excluded.text`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.CreatedAt.UTC())
	return err
}

func (s *SQLStore) Messages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_id, text, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = createdAt.UTC()
		m.Delivery = models.DeliveryConfirmed
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLStore) Clear() error {
	_, err := s.db.Exec(`
		DELETE FROM messages;
		DELETE FROM conversations;
		DELETE FROM meta;
	`)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
