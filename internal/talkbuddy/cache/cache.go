// Package cache is the acceleration layer in front of the record store.
// Every value held here is a disposable copy that can be rebuilt from the
// database, so callers treat every error as non-fatal.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// UpdateFunc computes the next value for a key from its current value. found
// is false when the key is absent or expired. Returning a nil slice leaves the
// key untouched.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Store is a string-keyed byte cache with per-entry TTL.
//
// Get reports absence through found rather than an error, so a miss and an
// outage are never confused. Backend failures are wrapped with
// apperr.ErrCacheUnavailable.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Update applies fn to the key atomically with respect to every other
	// Update, Set and Delete on the same key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrConflict is returned by Update when the key kept changing underneath it
// for every attempt.
var ErrConflict = errors.New("cache: too many concurrent updates")

const (
	characterPrefix = "character:"
	historyPrefix   = "conversation:"
	historySuffix   = ":history"
)

// CharacterKey is the cache key for a character looked up by name or id.
// Names are case-insensitive, so the key is folded to lower case.
func CharacterKey(nameOrID string) string {
	return characterPrefix + strings.ToLower(strings.TrimSpace(nameOrID))
}

// HistoryKey is the cache key for a conversation's message history.
func HistoryKey(conversationID string) string {
	return historyPrefix + conversationID + historySuffix
}

// updateError carries an UpdateFunc failure through a backend so it reaches
// the caller unwrapped rather than reported as an outage.
type updateError struct{ err error }

func (e *updateError) Error() string { return e.err.Error() }
func (e *updateError) Unwrap() error { return e.err }
