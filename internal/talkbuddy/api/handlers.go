package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/bdobrica/talkbuddy/common/version"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/chat"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

// --- chat ---

type chatRequest struct {
	Message     string `json:"message"`
	CharacterID string `json:"characterId"`
	SessionID   string `json:"sessionId"`
}

type characterSummary struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	AvatarURL     string         `json:"avatar_url"`
	VoiceSettings types.JSONText `json:"voice_settings"`
}

type chatResponse struct {
	Reply          string           `json:"reply"`
	ConversationID string           `json:"conversationId"`
	Character      characterSummary `json:"character"`
	TotalMessages  int              `json:"totalMessages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SessionID != "" && !s.limiter.Allow(req.SessionID) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many messages. Please slow down and try again shortly."})
		return
	}

	res, err := s.cfg.Chat.HandleTurn(r.Context(), chat.TurnRequest{
		CharacterKey: req.CharacterID,
		SessionID:    req.SessionID,
		Message:      req.Message,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Reply:          res.Reply,
		ConversationID: res.ConversationID,
		Character:      summarize(res.Character),
		TotalMessages:  res.MessageCount,
	})
}

type messageView struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type historyResponse struct {
	Messages []messageView `json:"messages"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.Chat.History(r.Context(), r.PathValue("conversationId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := historyResponse{Messages: make([]messageView, len(msgs))}
	for i, m := range msgs {
		out.Messages[i] = messageView{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("conversationId")
	if err := s.cfg.Chat.ClearHistory(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Chat history cleared for conversation " + id})
}

// --- characters ---

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := s.cfg.Characters.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if chars == nil {
		chars = []*store.Character{}
	}
	writeJSON(w, http.StatusOK, chars)
}

func (s *Server) handleCharacterByID(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Characters.ByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCharacterByName(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Characters.ByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- health ---

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{Message: "TalkBuddy API Server"})
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "OK"})
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	BuildTime  string    `json:"build_time"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
	Store      string    `json:"store"`
	Cache      string    `json:"cache"`
}

// handleStatus reports build info and backend reachability. A cache outage
// degrades the status but the service keeps answering, so it is still 200;
// a store outage is 503.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Store:      probe(r, s.cfg.Store),
		Cache:      probe(r, s.cfg.Cache),
	}
	code := http.StatusOK
	switch {
	case resp.Store == "unavailable":
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	case resp.Cache == "unavailable":
		resp.Status = "degraded"
	}
	writeJSON(w, code, resp)
}

func probe(r *http.Request, p Pinger) string {
	if p == nil {
		return "disabled"
	}
	if err := p.Ping(r.Context()); err != nil {
		return "unavailable"
	}
	return "ok"
}

// --- helpers ---

func summarize(c *store.Character) characterSummary {
	voice := c.VoiceSettings
	if len(voice) == 0 {
		voice = types.JSONText("{}")
	}
	return characterSummary{ID: c.ID, Name: c.Name, AvatarURL: c.AvatarURL, VoiceSettings: voice}
}

// decodeBody reads a single JSON object from the request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.Invalid("request body exceeds %d bytes", maxBodyBytes)
		case errors.Is(err, io.EOF):
			return apperr.Invalid("request body is required")
		default:
			return apperr.Invalid("request body is not valid JSON")
		}
	}
	return nil
}
