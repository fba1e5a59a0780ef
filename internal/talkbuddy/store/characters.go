package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
)

// Character is a chat persona. Seeded at startup and read-only afterwards.
type Character struct {
	ID            string         `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	PersonaPrompt string         `db:"persona_prompt" json:"persona_prompt"`
	AvatarURL     string         `db:"avatar_url" json:"avatar_url"`
	VoiceSettings types.JSONText `db:"voice_settings" json:"voice_settings"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

const characterColumns = `id, name, persona_prompt, avatar_url, voice_settings, created_at`

// InsertCharacterIfAbsent inserts c unless a character with the same id or
// (case-insensitive) name already exists. Reports whether a row was written.
func (s *Store) InsertCharacterIfAbsent(ctx context.Context, c *Character) (bool, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	} else {
		c.CreatedAt = Normalize(c.CreatedAt)
	}
	voice := string(c.VoiceSettings)
	if voice == "" {
		voice = "{}"
	}

	query := s.db.Rebind(s.dialect.insertIgnore("characters",
		"id", "name", "persona_prompt", "avatar_url", "voice_settings", "created_at"))
	res, err := s.db.ExecContext(ctx, query,
		c.ID, c.Name, c.PersonaPrompt, c.AvatarURL, voice, c.CreatedAt)
	if err != nil {
		return false, apperr.StoreUnavailable("insert character", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.StoreUnavailable("insert character", err)
	}
	return n > 0, nil
}

// GetCharacterByID retrieves a character by primary key.
func (s *Store) GetCharacterByID(ctx context.Context, id string) (*Character, error) {
	c := &Character{}
	err := s.db.GetContext(ctx, c, s.db.Rebind(`
		SELECT `+characterColumns+`
		FROM characters
		WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("character", id)
	}
	if err != nil {
		return nil, apperr.StoreUnavailable("get character", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// GetCharacterByName retrieves a character by name, ignoring case.
func (s *Store) GetCharacterByName(ctx context.Context, name string) (*Character, error) {
	c := &Character{}
	err := s.db.GetContext(ctx, c, s.db.Rebind(`
		SELECT `+characterColumns+`
		FROM characters
		WHERE LOWER(name) = LOWER(?)
	`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("character", name)
	}
	if err != nil {
		return nil, apperr.StoreUnavailable("get character", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// ListCharacters returns every character, oldest first.
func (s *Store) ListCharacters(ctx context.Context) ([]*Character, error) {
	var out []*Character
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+characterColumns+`
		FROM characters
		ORDER BY created_at ASC, name ASC
	`)
	if err != nil {
		return nil, apperr.StoreUnavailable("list characters", err)
	}
	for _, c := range out {
		c.CreatedAt = c.CreatedAt.UTC()
	}
	return out, nil
}
