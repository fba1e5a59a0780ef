package matrix

import (
	"context"
	"strings"
	"time"

	"github.com/bdobrica/talkbuddy/common/trace"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/chat"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/observability"
)

// ClearCommand wipes the sender's conversation with the room's character.
const ClearCommand = "!clear"

const typingTimeout = 30 * time.Second

// Chat is the orchestrator as seen by the bridge.
type Chat interface {
	HandleTurn(ctx context.Context, req chat.TurnRequest) (*chat.TurnResult, error)
	ClearSession(ctx context.Context, characterKey, sessionID string) (bool, error)
}

// Sender posts to rooms. *Client implements it.
type Sender interface {
	SendText(ctx context.Context, roomID, text string) error
	SendNotice(ctx context.Context, roomID, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

var _ Sender = (*Client)(nil)

// Bridge turns room messages into chat turns.
type Bridge struct {
	chat   Chat
	sender Sender
	rooms  map[string]string
}

// NewBridge returns a Bridge answering in rooms, keyed by room ID to
// character name or id.
func NewBridge(c Chat, s Sender, rooms map[string]string) *Bridge {
	return &Bridge{chat: c, sender: s, rooms: rooms}
}

// SessionID is the session a sender has in a room.
func SessionID(roomID, sender string) string {
	return "matrix:" + roomID + ":" + sender
}

// Handle answers one message. It matches MessageHandler.
func (b *Bridge) Handle(ctx context.Context, roomID, sender, body string) {
	character, ok := b.rooms[roomID]
	if !ok {
		return
	}
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx).With("room", roomID, "sender", sender)
	session := SessionID(roomID, sender)

	if strings.EqualFold(strings.TrimSpace(body), ClearCommand) {
		existed, err := b.chat.ClearSession(ctx, character, session)
		if err != nil {
			log.Error("matrix: clear failed", "err", err)
			b.notice(ctx, roomID, apperr.PublicMessage(err))
			return
		}
		text := "Nothing to clear."
		if existed {
			text = "Chat history cleared."
		}
		b.notice(ctx, roomID, text)
		return
	}

	if err := b.sender.SetTyping(ctx, roomID, true, typingTimeout); err != nil {
		log.Debug("matrix: typing indicator failed", "err", err)
	}
	res, err := b.chat.HandleTurn(ctx, chat.TurnRequest{
		CharacterKey: character,
		SessionID:    session,
		Message:      body,
	})
	if err := b.sender.SetTyping(ctx, roomID, false, 0); err != nil {
		log.Debug("matrix: typing indicator failed", "err", err)
	}
	if err != nil {
		log.Warn("matrix: turn failed", "err", err)
		b.notice(ctx, roomID, apperr.PublicMessage(err))
		return
	}
	if err := b.sender.SendText(ctx, roomID, res.Reply); err != nil {
		log.Error("matrix: failed to send reply", "conversation_id", res.ConversationID, "err", err)
	}
}

func (b *Bridge) notice(ctx context.Context, roomID, text string) {
	if err := b.sender.SendNotice(ctx, roomID, text); err != nil {
		observability.WithTrace(ctx).Error("matrix: failed to send notice", "room", roomID, "err", err)
	}
}
