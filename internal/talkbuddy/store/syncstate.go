package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
)

// SaveSyncValue stores a Matrix sync bookkeeping value (next_batch token,
// filter id) for userID under key, replacing any previous value.
func (s *Store) SaveSyncValue(ctx context.Context, userID, key, value string) error {
	query := s.db.Rebind(s.dialect.upsert("matrix_sync_state",
		[]string{"user_id", "sync_key"}, []string{"value"},
		"user_id", "sync_key", "value"))
	if _, err := s.db.ExecContext(ctx, query, userID, key, value); err != nil {
		return apperr.StoreUnavailable("save sync state", err)
	}
	return nil
}

// LoadSyncValue returns the value saved for (userID, key), or "" if none.
func (s *Store) LoadSyncValue(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`
		SELECT value FROM matrix_sync_state WHERE user_id = ? AND sync_key = ?
	`), userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperr.StoreUnavailable("load sync state", err)
	}
	return value, nil
}
