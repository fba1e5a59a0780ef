// Package chat runs a chat turn end to end: find the character, find or
// start the conversation, build the prompt from recent history, get a reply
// and record both sides of the exchange.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/characters"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/memory"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/observability"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

const (
	// MaxMessageLength bounds an inbound user message, in characters.
	MaxMessageLength = 4000

	defaultTouchTimeout = 5 * time.Second
)

// CharacterResolver finds a character by name or id.
type CharacterResolver interface {
	Resolve(ctx context.Context, key string) (*store.Character, error)
}

// ConversationResolver maps (character, session) to a conversation.
type ConversationResolver interface {
	ResolveConversation(ctx context.Context, characterID, sessionID string) (*store.Conversation, bool, error)
	Find(ctx context.Context, characterID, sessionID string) (*store.Conversation, error)
}

// Ledger stores and reads conversation messages.
type Ledger interface {
	History(ctx context.Context, conversationID string) ([]store.Message, error)
	AppendAt(ctx context.Context, conversationID, role, content string, at time.Time) (store.Message, error)
	Delete(ctx context.Context, conversationID string) (bool, error)
}

// Responder produces reply text for a prompt. It must not fail.
type Responder interface {
	Reply(ctx context.Context, prompt string) string
}

// ActivityRecorder records when a conversation was last used.
type ActivityRecorder interface {
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Characters    CharacterResolver
	Conversations ConversationResolver
	Ledger        Ledger
	Builder       memory.ContextBuilder
	Responder     Responder
	Activity      ActivityRecorder
	// TouchTimeout bounds the detached last-active update.
	TouchTimeout time.Duration
}

// Orchestrator handles chat turns. It is safe for concurrent use.
type Orchestrator struct {
	deps Deps
	now  func() time.Time

	// background tracks detached last-active updates so shutdown can wait.
	background sync.WaitGroup
}

// New returns an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.TouchTimeout <= 0 {
		deps.TouchTimeout = defaultTouchTimeout
	}
	return &Orchestrator{deps: deps, now: time.Now}
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	// CharacterKey is a character name (any case) or id.
	CharacterKey string
	SessionID    string
	Message      string
}

// TurnResult is the outcome of a turn.
type TurnResult struct {
	Reply          string
	ConversationID string
	Character      *store.Character
	// MessageCount is the number of messages in the conversation after this
	// turn, as seen by this request.
	MessageCount int
}

// HandleTurn runs one chat turn. Completion failures never surface here: the
// reply text carries the apology instead.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if err := validateTurn(req); err != nil {
		return nil, err
	}
	// The user's message is timestamped on arrival.
	userAt := store.Normalize(o.now())

	char, err := o.deps.Characters.Resolve(ctx, req.CharacterKey)
	if err != nil {
		return nil, err
	}

	conv, created, err := o.deps.Conversations.ResolveConversation(ctx, char.ID, req.SessionID)
	if err != nil {
		return nil, err
	}
	log := observability.WithTrace(ctx).With("conversation_id", conv.ID, "character_id", char.ID)
	if created {
		log.Info("conversation started", "session_id", req.SessionID)
	}

	history, err := o.deps.Ledger.History(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	prompt := o.deps.Builder.Build(char, history, req.Message)
	reply := o.deps.Responder.Reply(ctx, prompt)

	assistantAt := store.Normalize(o.now())
	if !assistantAt.After(userAt) {
		assistantAt = userAt.Add(time.Microsecond)
	}

	// Both rows carry their timestamps already, so writing them concurrently
	// cannot reorder them.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := o.deps.Ledger.AppendAt(gctx, conv.ID, store.RoleUser, req.Message, userAt)
		return err
	})
	g.Go(func() error {
		_, err := o.deps.Ledger.AppendAt(gctx, conv.ID, store.RoleAssistant, reply, assistantAt)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	o.touch(ctx, conv.ID, assistantAt)

	log.Debug("turn complete", "history", len(history))
	return &TurnResult{
		Reply:          reply,
		ConversationID: conv.ID,
		Character:      char,
		MessageCount:   len(history) + 2,
	}, nil
}

// touch updates last_active without holding up the response.
func (o *Orchestrator) touch(ctx context.Context, conversationID string, at time.Time) {
	if o.deps.Activity == nil {
		return
	}
	log := observability.WithTrace(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.deps.TouchTimeout)

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer cancel()
		if err := o.deps.Activity.TouchConversation(ctx, conversationID, at); err != nil {
			log.Warn("failed to update last active", "conversation_id", conversationID, "err", err)
		}
	}()
}

// Wait blocks until detached background work has finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// History returns the ordered messages of a conversation.
func (o *Orchestrator) History(ctx context.Context, conversationID string) ([]store.Message, error) {
	if err := validateConversationID(conversationID); err != nil {
		return nil, err
	}
	return o.deps.Ledger.History(ctx, conversationID)
}

// ClearHistory deletes a conversation and its messages. Clearing a
// conversation that does not exist succeeds.
func (o *Orchestrator) ClearHistory(ctx context.Context, conversationID string) error {
	if err := validateConversationID(conversationID); err != nil {
		return err
	}
	existed, err := o.deps.Ledger.Delete(ctx, conversationID)
	if err != nil {
		return err
	}
	observability.WithTrace(ctx).Info("conversation cleared", "conversation_id", conversationID, "existed", existed)
	return nil
}

// ClearSession deletes the conversation between a session and a character,
// if there is one. Reports whether anything was removed.
func (o *Orchestrator) ClearSession(ctx context.Context, characterKey, sessionID string) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, apperr.Invalid("session id is required")
	}
	char, err := o.deps.Characters.Resolve(ctx, characterKey)
	if err != nil {
		return false, err
	}
	conv, err := o.deps.Conversations.Find(ctx, char.ID, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	existed, err := o.deps.Ledger.Delete(ctx, conv.ID)
	if err != nil {
		return false, err
	}
	observability.WithTrace(ctx).Info("conversation cleared", "conversation_id", conv.ID, "session_id", sessionID)
	return existed, nil
}

func validateTurn(req TurnRequest) error {
	var missing []string
	if strings.TrimSpace(req.Message) == "" {
		missing = append(missing, "message")
	}
	if strings.TrimSpace(req.CharacterKey) == "" {
		missing = append(missing, "characterId")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		missing = append(missing, "sessionId")
	}
	if len(missing) > 0 {
		return apperr.Invalid("missing required fields: %s", strings.Join(missing, ", "))
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		return apperr.Invalid("message exceeds %d characters", MaxMessageLength)
	}
	return nil
}

func validateConversationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Invalid("conversation id is required")
	}
	if !characters.IsID(id) {
		return apperr.Invalid("invalid conversation id format")
	}
	return nil
}
