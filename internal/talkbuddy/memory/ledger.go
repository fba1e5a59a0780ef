package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/cache"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/observability"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

// DefaultHistoryTTL is how long a cached history survives without access.
const DefaultHistoryTTL = time.Hour

// MessageStore is the subset of the record store the ledger needs.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *store.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)
}

// Ledger appends messages to conversations and reads them back in order,
// keeping a cached copy of each history next to the durable rows.
//
// The cached entry records whether it holds the complete history. Appends
// merge into whatever entry exists (creating a partial one if needed); reads
// only trust complete entries and upgrade partial ones by merging them with a
// fresh read from the store. Every mutation goes through cache.Store.Update,
// so concurrent appends to one conversation cannot drop each other.
//
// Deleting a conversation leaves a tombstone under its key. Reads treat it as
// an empty history, and neither appends nor populates overwrite it, so a read
// that fetched rows just before the delete cannot put them back.
type Ledger struct {
	store MessageStore
	cache cache.Store
	ttl   time.Duration
}

// NewLedger returns a Ledger. A non-positive ttl selects DefaultHistoryTTL.
func NewLedger(s MessageStore, c cache.Store, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	return &Ledger{store: s, cache: c, ttl: ttl}
}

// historyEntry is the cached value under conversation:<id>:history.
type historyEntry struct {
	Complete bool            `json:"complete"`
	Deleted  bool            `json:"deleted,omitempty"`
	Messages []store.Message `json:"messages"`
}

var tombstone = []byte(`{"complete":true,"deleted":true,"messages":[]}`)

// Append stores a message stamped with the current time.
func (l *Ledger) Append(ctx context.Context, conversationID, role, content string) (store.Message, error) {
	return l.AppendAt(ctx, conversationID, role, content, time.Time{})
}

// AppendAt stores a message with an explicit timestamp (zero means now). The
// row is written to the store first; the cached history is then updated best
// effort. A failed cache update removes the entry rather than leave it stale.
func (l *Ledger) AppendAt(ctx context.Context, conversationID, role, content string, at time.Time) (store.Message, error) {
	m := store.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}
	if err := l.store.InsertMessage(ctx, &m); err != nil {
		return store.Message{}, err
	}

	key := cache.HistoryKey(conversationID)
	err := l.cache.Update(ctx, key, l.ttl, func(current []byte, found bool) ([]byte, error) {
		var e historyEntry
		if found {
			if err := json.Unmarshal(current, &e); err != nil {
				return nil, fmt.Errorf("decode cached history: %w", err)
			}
			if e.Deleted {
				return nil, nil
			}
		}
		e.Messages = mergeMessages(e.Messages, m)
		return json.Marshal(e)
	})
	if err != nil {
		log := observability.WithTrace(ctx)
		log.Warn("history cache update failed", "conversation_id", conversationID, "err", err)
		if err := l.cache.Delete(ctx, key); err != nil {
			log.Warn("history cache invalidation failed", "conversation_id", conversationID, "err", err)
		}
	}
	return m, nil
}

// History returns every message of a conversation ordered by creation time,
// ties broken by id. A conversation with no messages, or none at all, yields
// an empty slice.
func (l *Ledger) History(ctx context.Context, conversationID string) ([]store.Message, error) {
	log := observability.WithTrace(ctx)
	key := cache.HistoryKey(conversationID)

	// --- 1. Cache: only a complete entry is authoritative ------------------
	raw, found, err := l.cache.Get(ctx, key)
	switch {
	case err != nil:
		log.Warn("history cache read failed", "conversation_id", conversationID, "err", err)
	case found:
		var e historyEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Warn("discarding unreadable cached history", "conversation_id", conversationID, "err", err)
		} else if e.Deleted {
			return []store.Message{}, nil
		} else if e.Complete {
			return nonNil(e.Messages), nil
		}
	}

	// --- 2. Store -----------------------------------------------------------
	rows, err := l.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []store.Message{}, nil
	}

	// --- 3. Populate, folding in anything appended since the read ------------
	merged := rows
	err = l.cache.Update(ctx, key, l.ttl, func(current []byte, found bool) ([]byte, error) {
		var e historyEntry
		if found {
			// An unreadable entry is replaced outright.
			_ = json.Unmarshal(current, &e)
		}
		if e.Deleted {
			// Deleted after our read; the rows are gone.
			merged = []store.Message{}
			return nil, nil
		}
		merged = mergeMessages(e.Messages, rows...)
		return json.Marshal(historyEntry{Complete: true, Messages: merged})
	})
	if err != nil {
		log.Warn("history cache populate failed", "conversation_id", conversationID, "err", err)
		return rows, nil
	}
	return merged, nil
}

// Delete removes a conversation and its messages from the store, then
// replaces the cached history with a tombstone. Conversation ids are never
// reused, so the tombstone lives as long as a normal entry. Deleting an
// unknown conversation is not an error.
func (l *Ledger) Delete(ctx context.Context, conversationID string) (bool, error) {
	existed, err := l.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	key := cache.HistoryKey(conversationID)
	err = l.cache.Update(ctx, key, l.ttl, func([]byte, bool) ([]byte, error) {
		return tombstone, nil
	})
	if err != nil {
		log := observability.WithTrace(ctx)
		log.Warn("history cache tombstone failed", "conversation_id", conversationID, "err", err)
		if err := l.cache.Delete(ctx, key); err != nil {
			log.Warn("history cache invalidation failed", "conversation_id", conversationID, "err", err)
		}
	}
	return existed, nil
}

// mergeMessages returns the union of base and add, deduplicated by id and
// sorted into conversation order. base is not modified.
func mergeMessages(base []store.Message, add ...store.Message) []store.Message {
	out := make([]store.Message, 0, len(base)+len(add))
	seen := make(map[int64]bool, len(base)+len(add))
	for _, group := range [][]store.Message{base, add} {
		for _, m := range group {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			m.CreatedAt = store.Normalize(m.CreatedAt)
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func nonNil(msgs []store.Message) []store.Message {
	if msgs == nil {
		return []store.Message{}
	}
	return msgs
}
