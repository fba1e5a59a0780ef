package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
)

// Conversation is the durable thread between one session and one character.
// At most one exists per (CharacterID, SessionID).
type Conversation struct {
	ID          string    `db:"id" json:"id"`
	CharacterID string    `db:"character_id" json:"character_id"`
	SessionID   string    `db:"session_id" json:"session_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	LastActive  time.Time `db:"last_active" json:"last_active"`
}

const conversationColumns = `id, character_id, session_id, created_at, last_active`

// FindConversation returns the conversation for a (character, session) pair.
func (s *Store) FindConversation(ctx context.Context, characterID, sessionID string) (*Conversation, error) {
	c := &Conversation{}
	err := s.db.GetContext(ctx, c, s.db.Rebind(`
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE character_id = ? AND session_id = ?
	`), characterID, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("conversation", characterID+"/"+sessionID)
	}
	if err != nil {
		return nil, apperr.StoreUnavailable("find conversation", err)
	}
	c.normalize()
	return c, nil
}

// InsertConversationIfAbsent writes c unless a conversation for the same
// (character, session) pair already exists, then returns whichever row owns
// the pair. The uniqueness constraint makes this safe under concurrent first
// turns: every racer reads back the single winning row. created reports
// whether c itself was the row written.
func (s *Store) InsertConversationIfAbsent(ctx context.Context, c *Conversation) (stored *Conversation, created bool, err error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	} else {
		c.CreatedAt = Normalize(c.CreatedAt)
	}
	if c.LastActive.IsZero() {
		c.LastActive = c.CreatedAt
	}

	query := s.db.Rebind(s.dialect.insertIgnore("conversations",
		"id", "character_id", "session_id", "created_at", "last_active"))
	res, err := s.db.ExecContext(ctx, query, c.ID, c.CharacterID, c.SessionID, c.CreatedAt, c.LastActive)
	if err != nil {
		return nil, false, apperr.StoreUnavailable("insert conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, apperr.StoreUnavailable("insert conversation", err)
	}

	stored, err = s.FindConversation(ctx, c.CharacterID, c.SessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		// Nothing written and nothing to read back: MySQL's INSERT IGNORE also
		// swallows foreign key failures, so the character must be missing.
		return nil, false, fmt.Errorf("insert conversation: %w", apperr.NotFound("character", c.CharacterID))
	}
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0 && stored.ID == c.ID, nil
}

// TouchConversation sets last_active for a conversation.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE conversations SET last_active = ? WHERE id = ?
	`), Normalize(at), id)
	if err != nil {
		return apperr.StoreUnavailable("touch conversation", err)
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages in one
// transaction. Messages are deleted explicitly so the cascade does not depend
// on per-connection foreign key settings. Reports whether the conversation
// existed.
func (s *Store) DeleteConversation(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, apperr.StoreUnavailable("delete conversation", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return false, apperr.StoreUnavailable("delete messages", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return false, apperr.StoreUnavailable("delete conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.StoreUnavailable("delete conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return false, apperr.StoreUnavailable("delete conversation", err)
	}
	return n > 0, nil
}

func (c *Conversation) normalize() {
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastActive = c.LastActive.UTC()
}
