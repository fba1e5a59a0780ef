// Package characters resolves chat personas by name or id, reading through
// the cache to the record store, and seeds the default personas at startup.
package characters

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/cache"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/observability"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

// DefaultTTL is how long a resolved character stays cached.
const DefaultTTL = 30 * time.Minute

// Records is the subset of the record store the directory reads.
type Records interface {
	GetCharacterByID(ctx context.Context, id string) (*store.Character, error)
	GetCharacterByName(ctx context.Context, name string) (*store.Character, error)
	ListCharacters(ctx context.Context) ([]*store.Character, error)
}

// Directory looks up characters cache-aside.
type Directory struct {
	records Records
	cache   cache.Store
	ttl     time.Duration
}

// NewDirectory returns a Directory. A non-positive ttl selects DefaultTTL.
func NewDirectory(records Records, c cache.Store, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{records: records, cache: c, ttl: ttl}
}

// Resolve finds a character by case-insensitive name, falling back to id when
// key is a well-formed UUID. The result is cached under character:<key>.
func (d *Directory) Resolve(ctx context.Context, key string) (*store.Character, error) {
	key = canonicalID(strings.TrimSpace(key))
	if key == "" {
		return nil, apperr.Invalid("character identifier is required")
	}
	return d.cached(ctx, key, func() (*store.Character, error) {
		c, err := d.records.GetCharacterByName(ctx, key)
		if err == nil || !errors.Is(err, apperr.ErrNotFound) || !IsID(key) {
			return c, err
		}
		return d.records.GetCharacterByID(ctx, key)
	})
}

// ByName finds a character by case-insensitive name only.
func (d *Directory) ByName(ctx context.Context, name string) (*store.Character, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Invalid("character name is required")
	}
	return d.cached(ctx, name, func() (*store.Character, error) {
		return d.records.GetCharacterByName(ctx, name)
	})
}

// ByID finds a character by id. Malformed ids are rejected before any lookup.
func (d *Directory) ByID(ctx context.Context, id string) (*store.Character, error) {
	if !IsID(id) {
		return nil, apperr.Invalid("character id %q is not a valid identifier", id)
	}
	id = canonicalID(id)
	return d.cached(ctx, id, func() (*store.Character, error) {
		return d.records.GetCharacterByID(ctx, id)
	})
}

// List returns every character, oldest first. Lists are not cached.
func (d *Directory) List(ctx context.Context) ([]*store.Character, error) {
	return d.records.ListCharacters(ctx)
}

func (d *Directory) cached(ctx context.Context, key string, load func() (*store.Character, error)) (*store.Character, error) {
	log := observability.WithTrace(ctx)
	ckey := cache.CharacterKey(key)

	raw, found, err := d.cache.Get(ctx, ckey)
	switch {
	case err != nil:
		log.Warn("character cache read failed", "key", ckey, "err", err)
	case found:
		c := &store.Character{}
		if err := json.Unmarshal(raw, c); err == nil && c.ID != "" {
			return c, nil
		}
		log.Warn("discarding unreadable cached character", "key", ckey)
	}

	c, err := load()
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("character", key)
		}
		return nil, err
	}

	b, err := json.Marshal(c)
	if err == nil {
		err = d.cache.Set(ctx, ckey, b, d.ttl)
	}
	if err != nil {
		log.Warn("character cache write failed", "key", ckey, "err", err)
	}
	return c, nil
}

// canonicalID returns UUID-shaped keys in the lower-case form ids are
// stored in. Other keys are returned unchanged.
func canonicalID(key string) string {
	if !IsID(key) {
		return key
	}
	return uuid.MustParse(key).String()
}

// IsID reports whether s has the canonical 36-character hyphenated UUID shape.
func IsID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
