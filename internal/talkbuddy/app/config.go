package app

import (
	"errors"
	"time"

	"github.com/bdobrica/talkbuddy/common/environment"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/characters"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/llm"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/matrix"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/memory"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

// Config holds application configuration.
type Config struct {
	HTTPAddr string

	Database store.Config
	// RedisURL selects the Redis cache. Empty uses the in-process cache.
	RedisURL string

	CharacterCacheTTL time.Duration
	HistoryCacheTTL   time.Duration

	// ContextWindow is how many history messages go into a prompt; 0 means all.
	ContextWindow  int
	ReplyWordLimit int

	Completion llm.OpenAIConfig
	// CompletionTimeout bounds one reply, retries included.
	CompletionTimeout     time.Duration
	CompletionMaxAttempts int

	// SeedFile is a YAML character file. Empty uses the built-in characters.
	SeedFile string

	// ChatRateLimit is turns per session per minute; 0 disables the limit.
	ChatRateLimit int

	// Matrix is nil when the Matrix transport is disabled.
	Matrix *matrix.Config
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	dialect, err := store.ParseDialect(environment.StringOr("DATABASE_DRIVER", string(store.DialectSQLite)))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr: environment.StringOr("HTTP_ADDR", ":3000"),
		Database: store.Config{
			Dialect:      dialect,
			DSN:          environment.FirstOr("./talkbuddy.db", "DATABASE_URL", "DATABASE_PATH"),
			MaxOpenConns: environment.IntOr("DATABASE_MAX_OPEN_CONNS", 10),
		},
		RedisURL:          environment.StringOr("REDIS_URL", ""),
		CharacterCacheTTL: environment.DurationOr("CHARACTER_CACHE_TTL", characters.DefaultTTL),
		HistoryCacheTTL:   environment.DurationOr("HISTORY_CACHE_TTL", memory.DefaultHistoryTTL),
		ContextWindow:     environment.IntOr("CONTEXT_WINDOW", memory.DefaultWindow),
		ReplyWordLimit:    environment.IntOr("REPLY_WORD_LIMIT", memory.DefaultWordLimit),
		Completion: llm.OpenAIConfig{
			APIKey:  environment.StringOr("OPENROUTER_API_KEY", ""),
			BaseURL: environment.StringOr("COMPLETION_BASE_URL", llm.DefaultBaseURL),
			Model:   environment.StringOr("COMPLETION_MODEL", llm.DefaultModel),
			Referer: environment.StringOr("COMPLETION_REFERER", ""),
			Title:   environment.StringOr("COMPLETION_TITLE", "TalkBuddy"),
		},
		CompletionTimeout:     environment.DurationOr("COMPLETION_TIMEOUT", llm.DefaultTimeout),
		CompletionMaxAttempts: environment.IntOr("COMPLETION_MAX_ATTEMPTS", llm.DefaultMaxAttempts),
		SeedFile:              environment.StringOr("CHARACTER_SEED_FILE", ""),
		ChatRateLimit:         environment.IntOr("CHAT_RATE_LIMIT", 30),
	}

	mx, err := loadMatrixConfig()
	if err != nil {
		return nil, err
	}
	cfg.Matrix = mx
	return cfg, nil
}

// loadMatrixConfig returns nil when none of the Matrix credentials are set.
func loadMatrixConfig() (*matrix.Config, error) {
	mx := &matrix.Config{
		Homeserver:  environment.StringOr("MATRIX_HOMESERVER", ""),
		UserID:      environment.StringOr("MATRIX_USER_ID", ""),
		AccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
		Rooms:       environment.PairsOr("MATRIX_ROOMS", nil),
	}
	set := 0
	for _, v := range []string{mx.Homeserver, mx.UserID, mx.AccessToken} {
		if v != "" {
			set++
		}
	}
	switch {
	case set == 0:
		return nil, nil
	case set < 3:
		return nil, errors.New("MATRIX_HOMESERVER, MATRIX_USER_ID and MATRIX_ACCESS_TOKEN must be set together")
	case len(mx.Rooms) == 0:
		return nil, errors.New("MATRIX_ROOMS is required when Matrix is enabled (format: !room:server=character,...)")
	}
	return mx, nil
}
