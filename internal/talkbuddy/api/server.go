// Package api is the HTTP surface of talkbuddy: a thin JSON adapter over the
// chat orchestrator and the character directory.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/talkbuddy/common/trace"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/chat"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/observability"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Chat is the orchestrator as seen by the HTTP layer.
type Chat interface {
	HandleTurn(ctx context.Context, req chat.TurnRequest) (*chat.TurnResult, error)
	History(ctx context.Context, conversationID string) ([]store.Message, error)
	ClearHistory(ctx context.Context, conversationID string) error
}

// Characters is the character directory as seen by the HTTP layer.
type Characters interface {
	List(ctx context.Context) ([]*store.Character, error)
	ByID(ctx context.Context, id string) (*store.Character, error)
	ByName(ctx context.Context, name string) (*store.Character, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the dependencies of a Server.
type Config struct {
	Addr       string
	Chat       Chat
	Characters Characters
	// Store and Cache are probed by /status. Either may be nil.
	Store Pinger
	Cache Pinger
	// ChatRateLimit is turns per session per minute; 0 disables the limit.
	ChatRateLimit int
}

// Server serves the talkbuddy HTTP API.
type Server struct {
	cfg       Config
	limiter   *sessionLimiter
	startedAt time.Time
	mux       *http.ServeMux
	handler   http.Handler
	server    *http.Server
}

// NewServer creates and configures the HTTP server (does not start it).
func NewServer(cfg Config) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:       cfg,
		limiter:   newSessionLimiter(cfg.ChatRateLimit),
		startedAt: time.Now(),
		mux:       mux,
	}

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/history/{conversationId}", s.handleHistory)
	mux.HandleFunc("DELETE /api/chat/history/{conversationId}", s.handleClearHistory)

	mux.HandleFunc("GET /api/characters", s.handleListCharacters)
	mux.HandleFunc("GET /api/characters/{id}", s.handleCharacterByID)
	mux.HandleFunc("GET /api/characters/name/{name}", s.handleCharacterByName)

	s.handler = trace.Middleware(s.logRequests(mux))
	return s
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest without a live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start begins listening in the background. It returns once the listener is
// bound, and shuts the server down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.cfg.Addr, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Long enough for a completion call with its retries.
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("api server shutdown error", "err", err)
	}
}

// logRequests logs one line per request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.WithTrace(r.Context()).Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps err to a status code and a client-safe message. Server-side
// failures are logged with their cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		observability.WithTrace(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "status", code, "err", err)
	}
	writeJSON(w, code, errorResponse{Error: apperr.PublicMessage(err)})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}
