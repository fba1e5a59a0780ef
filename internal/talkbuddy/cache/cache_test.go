package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mr
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("redis", func(t *testing.T) {
		r, _ := newTestRedis(t)
		fn(t, r)
	})
}

func TestKeys(t *testing.T) {
	if got := CharacterKey("  Luna "); got != "character:luna" {
		t.Errorf("CharacterKey: got %q", got)
	}
	if got := HistoryKey("abc"); got != "conversation:abc:history" {
		t.Errorf("HistoryKey: got %q", got)
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, found, err := s.Get(ctx, "k")
		if err != nil || found {
			t.Fatalf("Get on empty cache: found=%v err=%v", found, err)
		}

		if err := s.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, found, err := s.Get(ctx, "k")
		if err != nil || !found || string(got) != "v1" {
			t.Fatalf("Get: got %q found=%v err=%v", got, found, err)
		}

		if err := s.Delete(ctx, "k", "missing"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, found, _ := s.Get(ctx, "k"); found {
			t.Error("expected key to be gone after Delete")
		}
	})
}

func TestStore_UpdateCreatesAndModifies(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		incr := func(cur []byte, found bool) ([]byte, error) {
			n := 0
			if found {
				n, _ = strconv.Atoi(string(cur))
			}
			return []byte(strconv.Itoa(n + 1)), nil
		}
		for i := 0; i < 3; i++ {
			if err := s.Update(ctx, "counter", time.Minute, incr); err != nil {
				t.Fatalf("Update: %v", err)
			}
		}
		got, _, _ := s.Get(ctx, "counter")
		if string(got) != "3" {
			t.Errorf("got %q, want 3", got)
		}
	})
}

func TestStore_UpdateNilLeavesKey(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.Update(ctx, "absent", time.Minute, func([]byte, bool) ([]byte, error) { return nil, nil })
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if _, found, _ := s.Get(ctx, "absent"); found {
			t.Error("expected no key to be written")
		}
	})
}

func TestStore_UpdateFuncErrorPassesThrough(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		boom := errors.New("corrupt entry")
		err := s.Update(context.Background(), "k", time.Minute, func([]byte, bool) ([]byte, error) { return nil, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected fn error, got %v", err)
		}
		if errors.Is(err, apperr.ErrCacheUnavailable) {
			t.Error("fn error must not be reported as a cache outage")
		}
	})
}

func TestStore_ConcurrentUpdatesLoseNothing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const workers = 5
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Update(ctx, "list", time.Minute, func(cur []byte, _ bool) ([]byte, error) {
					return append(cur, 'x'), nil
				})
				if err != nil {
					t.Errorf("Update: %v", err)
				}
			}()
		}
		wg.Wait()
		got, _, _ := s.Get(ctx, "list")
		if len(got) != workers {
			t.Errorf("expected %d appends, got %q", workers, got)
		}
	})
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Set(ctx, "short", []byte("x"), time.Second)
	m.Set(ctx, "forever", []byte("y"), 0)

	now = now.Add(2 * time.Second)
	if _, found, _ := m.Get(ctx, "short"); found {
		t.Error("expected short-lived entry to expire")
	}
	if _, found, _ := m.Get(ctx, "forever"); !found {
		t.Error("expected entry without TTL to survive")
	}
	if m.Len() != 1 {
		t.Errorf("Len: got %d, want 1", m.Len())
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := []byte("abc")
	m.Set(ctx, "k", v, 0)
	v[0] = 'z'

	got, _, _ := m.Get(ctx, "k")
	got[1] = 'z'
	again, _, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("cache contents were aliased: %q", again)
	}
}

func TestRedis_TTLExpiry(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	if err := r.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Errorf("TTL: got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, found, _ := r.Get(ctx, "k"); found {
		t.Error("expected entry to expire")
	}
}

func TestRedis_UpdateRetriesOnConflict(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	calls := 0
	err := r.Update(ctx, "k", time.Minute, func(cur []byte, found bool) ([]byte, error) {
		calls++
		if calls == 1 {
			// A write from another client between WATCH and EXEC.
			if err := r.client.Set(ctx, "k", "other", 0).Err(); err != nil {
				t.Fatalf("concurrent Set: %v", err)
			}
		}
		return append(cur, '!'), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected fn to run twice, ran %d times", calls)
	}
	got, _ := mr.Get("k")
	if got != "other!" {
		t.Errorf("got %q, want %q", got, "other!")
	}
}

func TestRedis_UnavailableIsCacheError(t *testing.T) {
	mr := miniredis.RunT(t)
	r := &Redis{client: redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})}
	t.Cleanup(func() { r.Close() })
	mr.Close()

	_, _, err := r.Get(context.Background(), "k")
	if !errors.Is(err, apperr.ErrCacheUnavailable) {
		t.Fatalf("expected ErrCacheUnavailable, got %v", err)
	}
	if err := r.Set(context.Background(), "k", []byte("v"), time.Minute); !errors.Is(err, apperr.ErrCacheUnavailable) {
		t.Fatalf("expected ErrCacheUnavailable, got %v", err)
	}
}
