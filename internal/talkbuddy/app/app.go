// Package app wires the talkbuddy services together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/talkbuddy/common/retry"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/api"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/cache"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/characters"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/chat"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/llm"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/matrix"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/memory"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

// storeRetry covers a database that is still starting alongside us.
var storeRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 3 * time.Second,
	MaxDelay:     10 * time.Second,
	Name:         "open store",
}

// App is a running talkbuddy instance.
type App struct {
	config *Config
	store  *store.Store
	cache  cache.Store
	chat   *chat.Orchestrator
	server *api.Server
	matrix *matrix.Client
}

// New opens the backends and builds every component. Nothing listens until
// Run.
func New(ctx context.Context, config *Config) (*App, error) {
	slog.Info("opening database", "driver", config.Database.Dialect)
	var db *store.Store
	err := retry.Do(ctx, storeRetry, func() error {
		var err error
		db, err = store.New(ctx, config.Database)
		if errors.Is(err, store.ErrConfig) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	seed, err := characters.LoadSeed(config.SeedFile)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load characters: %w", err)
	}
	added, err := characters.Seed(ctx, db, seed)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed characters: %w", err)
	}
	slog.Info("characters ready", "seeded", added, "defined", len(seed))

	c, err := openCache(ctx, config.RedisURL)
	if err != nil {
		db.Close()
		return nil, err
	}

	directory := characters.NewDirectory(db, c, config.CharacterCacheTTL)
	orch := chat.New(chat.Deps{
		Characters:    directory,
		Conversations: memory.NewResolver(db),
		Ledger:        memory.NewLedger(db, c, config.HistoryCacheTTL),
		Builder:       memory.NewContextBuilder(config.ContextWindow, config.ReplyWordLimit),
		Responder: llm.NewResponder(llm.NewOpenAI(config.Completion), llm.ResponderConfig{
			APIKey:      config.Completion.APIKey,
			Timeout:     config.CompletionTimeout,
			MaxAttempts: config.CompletionMaxAttempts,
		}),
		Activity: db,
	})
	if config.Completion.APIKey == "" {
		slog.Warn("OPENROUTER_API_KEY is not set; replies will be a fixed apology")
	}

	a := &App{
		config: config,
		store:  db,
		cache:  c,
		chat:   orch,
		server: api.NewServer(api.Config{
			Addr:          config.HTTPAddr,
			Chat:          orch,
			Characters:    directory,
			Store:         db,
			Cache:         c,
			ChatRateLimit: config.ChatRateLimit,
		}),
	}

	if config.Matrix != nil {
		mx := *config.Matrix
		mx.SyncState = db
		slog.Info("connecting to Matrix", "homeserver", mx.Homeserver, "rooms", len(mx.Rooms))
		a.matrix, err = matrix.New(mx)
		if err != nil {
			a.Stop()
			return nil, err
		}
	}
	return a, nil
}

func openCache(ctx context.Context, url string) (cache.Store, error) {
	if url == "" {
		slog.Info("using in-process cache")
		return cache.NewMemory(), nil
	}
	r, err := cache.NewRedis(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("using redis cache")
	return r, nil
}

// Handler returns the HTTP handler without starting a listener.
func (a *App) Handler() http.Handler {
	return a.server
}

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	if a.matrix != nil {
		bridge := matrix.NewBridge(a.chat, a.matrix, a.config.Matrix.Rooms)
		slog.Info("starting Matrix sync")
		if err := a.matrix.Start(ctx, bridge.Handle); err != nil {
			return fmt.Errorf("failed to start Matrix client: %w", err)
		}
	}

	slog.Info("talkbuddy is running", "addr", a.config.HTTPAddr)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// Stop releases every resource. In-flight background work is drained before
// the store closes.
func (a *App) Stop() {
	if a.matrix != nil {
		a.matrix.Stop()
	}
	a.server.Stop()
	if a.chat != nil {
		a.chat.Wait()
	}
	if err := a.cache.Close(); err != nil {
		slog.Warn("closing cache", "err", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing database", "err", err)
	}
}
