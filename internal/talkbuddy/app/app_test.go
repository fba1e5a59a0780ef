package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/llm"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

var configEnv = []string{
	"HTTP_ADDR", "DATABASE_DRIVER", "DATABASE_URL", "DATABASE_PATH", "DATABASE_MAX_OPEN_CONNS",
	"REDIS_URL", "CHARACTER_CACHE_TTL", "HISTORY_CACHE_TTL", "CONTEXT_WINDOW", "REPLY_WORD_LIMIT",
	"OPENROUTER_API_KEY", "COMPLETION_BASE_URL", "COMPLETION_MODEL", "COMPLETION_TIMEOUT",
	"COMPLETION_MAX_ATTEMPTS", "CHARACTER_SEED_FILE", "CHAT_RATE_LIMIT",
	"MATRIX_HOMESERVER", "MATRIX_USER_ID", "MATRIX_ACCESS_TOKEN", "MATRIX_ROOMS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr: got %q", cfg.HTTPAddr)
	}
	if cfg.Database.Dialect != store.DialectSQLite || cfg.Database.DSN != "./talkbuddy.db" {
		t.Errorf("Database: got %+v", cfg.Database)
	}
	if cfg.ContextWindow != 4 || cfg.ReplyWordLimit != 100 {
		t.Errorf("prompt settings: window %d, words %d", cfg.ContextWindow, cfg.ReplyWordLimit)
	}
	if cfg.CharacterCacheTTL != 30*time.Minute || cfg.HistoryCacheTTL != time.Hour {
		t.Errorf("cache ttls: %v, %v", cfg.CharacterCacheTTL, cfg.HistoryCacheTTL)
	}
	if cfg.CompletionTimeout != 15*time.Second || cfg.CompletionMaxAttempts != 2 {
		t.Errorf("completion: timeout %v attempts %d", cfg.CompletionTimeout, cfg.CompletionMaxAttempts)
	}
	if cfg.Completion.BaseURL != llm.DefaultBaseURL || cfg.Completion.Model != llm.DefaultModel {
		t.Errorf("completion endpoint: %+v", cfg.Completion)
	}
	if cfg.ChatRateLimit != 30 || cfg.RedisURL != "" || cfg.Matrix != nil {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_DRIVER", "postgresql")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/talkbuddy")
	t.Setenv("CONTEXT_WINDOW", "0")
	t.Setenv("HISTORY_CACHE_TTL", "90")
	t.Setenv("COMPLETION_TIMEOUT", "5s")
	t.Setenv("MATRIX_HOMESERVER", "https://matrix.example.org")
	t.Setenv("MATRIX_USER_ID", "@talkbuddy:example.org")
	t.Setenv("MATRIX_ACCESS_TOKEN", "tok")
	t.Setenv("MATRIX_ROOMS", "!a:example.org=luna, !b:example.org=Kai")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Database.Dialect != store.DialectPostgres || cfg.Database.DSN != "postgres://u:p@db/talkbuddy" {
		t.Errorf("Database: got %+v", cfg.Database)
	}
	if cfg.ContextWindow != 0 {
		t.Errorf("a zero window means full history, got %d", cfg.ContextWindow)
	}
	if cfg.HistoryCacheTTL != 90*time.Second || cfg.CompletionTimeout != 5*time.Second {
		t.Errorf("durations: %v, %v", cfg.HistoryCacheTTL, cfg.CompletionTimeout)
	}
	if cfg.Matrix == nil || cfg.Matrix.Rooms["!a:example.org"] != "luna" || cfg.Matrix.Rooms["!b:example.org"] != "Kai" {
		t.Errorf("matrix rooms: %+v", cfg.Matrix)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"driver", map[string]string{"DATABASE_DRIVER": "oracle"}},
		{"partial matrix", map[string]string{"MATRIX_HOMESERVER": "https://matrix.example.org"}},
		{"matrix without rooms", map[string]string{
			"MATRIX_HOMESERVER":   "https://matrix.example.org",
			"MATRIX_USER_ID":      "@talkbuddy:example.org",
			"MATRIX_ACCESS_TOKEN": "tok",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	clearEnv(t)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "app.db")
	return cfg
}

func chatOnce(t *testing.T, a *App) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"Hi","characterId":"luna","sessionId":"s1"}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status %d body %s", rec.Code, rec.Body)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestNew_InProcessCache(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	body := chatOnce(t, a)
	if body["reply"] != llm.ReplyMissingKey {
		t.Errorf("without an API key the reply should be the fixed apology, got %v", body["reply"])
	}
	if body["totalMessages"] != float64(2) {
		t.Errorf("totalMessages: got %v", body["totalMessages"])
	}
}

func TestNew_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	body := chatOnce(t, a)
	id, _ := body["conversationId"].(string)
	if !mr.Exists("conversation:" + id + ":history") {
		t.Error("expected history to be cached in redis")
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisURL = "redis://127.0.0.1:1"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}

func TestNew_BadDatabaseConfigFailsFast(t *testing.T) {
	for name, db := range map[string]store.Config{
		"unknown dialect": {Dialect: "oracle", DSN: "x"},
		"bad mysql dsn":   {Dialect: store.DialectMySQL, DSN: "not a dsn"},
		"postgres no url": {Dialect: store.DialectPostgres},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Database = db
			start := time.Now()
			_, err := New(context.Background(), cfg)
			if !errors.Is(err, store.ErrConfig) {
				t.Fatalf("expected store.ErrConfig, got %v", err)
			}
			if elapsed := time.Since(start); elapsed >= storeRetry.InitialDelay {
				t.Errorf("configuration errors should not be retried, took %v", elapsed)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
