package store

import (
	"context"
	"time"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn half within a conversation. ID is assigned by the
// database and breaks ties between equal CreatedAt values.
type Message struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Role           string    `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Before reports whether m sorts ahead of o in conversation order.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// ValidRole reports whether role is one the messages table accepts.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// InsertMessage appends m to its conversation and fills in m.ID. A zero
// CreatedAt is set to the current time.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if !ValidRole(m.Role) {
		return apperr.Invalid("role must be %q or %q, got %q", RoleUser, RoleAssistant, m.Role)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	} else {
		m.CreatedAt = Normalize(m.CreatedAt)
	}

	const insert = `INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	if s.dialect.returningIDs() {
		err := s.db.GetContext(ctx, &m.ID, s.db.Rebind(insert+` RETURNING id`),
			m.ConversationID, m.Role, m.Content, m.CreatedAt)
		if err != nil {
			return apperr.StoreUnavailable("insert message", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(insert), m.ConversationID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return apperr.StoreUnavailable("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return apperr.StoreUnavailable("insert message", err)
	}
	m.ID = id
	return nil
}

// ListMessages returns every message of a conversation in chronological
// order. An unknown conversation yields an empty slice.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	out := []Message{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`), conversationID)
	if err != nil {
		return nil, apperr.StoreUnavailable("list messages", err)
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	return out, nil
}
