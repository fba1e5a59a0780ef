// Package memory owns conversation state: which conversation a session is
// talking in, the ordered message history of that conversation, and the
// bounded slice of it that goes into a prompt.
package memory

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

// MaxSessionIDLength bounds client-supplied session identifiers.
const MaxSessionIDLength = 255

// ConversationStore is the subset of the record store the resolver needs.
type ConversationStore interface {
	FindConversation(ctx context.Context, characterID, sessionID string) (*store.Conversation, error)
	InsertConversationIfAbsent(ctx context.Context, c *store.Conversation) (*store.Conversation, bool, error)
}

// Resolver maps a (character, session) pair to its single conversation.
type Resolver struct {
	store ConversationStore
	newID func() string
}

// NewResolver returns a Resolver over s.
func NewResolver(s ConversationStore) *Resolver {
	return &Resolver{store: s, newID: uuid.NewString}
}

// Resolve returns the id of the conversation between characterID and
// sessionID, creating it on first use. Creation is an insert-if-absent
// against the (character_id, session_id) unique key, so concurrent first
// turns for the same pair all receive the same id.
func (r *Resolver) Resolve(ctx context.Context, characterID, sessionID string) (string, error) {
	conv, _, err := r.ResolveConversation(ctx, characterID, sessionID)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// Find returns the existing conversation for a pair without creating one.
func (r *Resolver) Find(ctx context.Context, characterID, sessionID string) (*store.Conversation, error) {
	return r.store.FindConversation(ctx, characterID, sessionID)
}

// ResolveConversation is Resolve returning the full row and whether this call
// created it.
func (r *Resolver) ResolveConversation(ctx context.Context, characterID, sessionID string) (*store.Conversation, bool, error) {
	if strings.TrimSpace(characterID) == "" {
		return nil, false, apperr.Invalid("character id is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, false, apperr.Invalid("session id is required")
	}
	if len(sessionID) > MaxSessionIDLength {
		return nil, false, apperr.Invalid("session id exceeds %d bytes", MaxSessionIDLength)
	}

	conv, err := r.store.FindConversation(ctx, characterID, sessionID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}

	return r.store.InsertConversationIfAbsent(ctx, &store.Conversation{
		ID:          r.newID(),
		CharacterID: characterID,
		SessionID:   sessionID,
	})
}
