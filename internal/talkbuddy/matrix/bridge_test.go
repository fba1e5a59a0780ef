package matrix

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
	"github.com/bdobrica/talkbuddy/internal/talkbuddy/chat"
)

type fakeChat struct {
	turns   []chat.TurnRequest
	cleared []string
	err     error
	existed bool
}

func (f *fakeChat) HandleTurn(_ context.Context, req chat.TurnRequest) (*chat.TurnResult, error) {
	f.turns = append(f.turns, req)
	if f.err != nil {
		return nil, f.err
	}
	return &chat.TurnResult{Reply: "reply to " + req.Message, ConversationID: "c1", MessageCount: 2}, nil
}

func (f *fakeChat) ClearSession(_ context.Context, characterKey, sessionID string) (bool, error) {
	f.cleared = append(f.cleared, characterKey+"|"+sessionID)
	return f.existed, f.err
}

type sent struct {
	room, text string
	notice     bool
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	typing  []bool
	sendErr error
}

func (f *fakeSender) SendText(_ context.Context, roomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{room: roomID, text: text})
	return f.sendErr
}

func (f *fakeSender) SendNotice(_ context.Context, roomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{room: roomID, text: text, notice: true})
	return f.sendErr
}

func (f *fakeSender) SetTyping(_ context.Context, _ string, typing bool, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

var rooms = map[string]string{"!luna:example.org": "Luna"}

func TestBridge_Turn(t *testing.T) {
	c := &fakeChat{}
	s := &fakeSender{}
	b := NewBridge(c, s, rooms)

	b.Handle(context.Background(), "!luna:example.org", "@ana:example.org", "Hi")

	if len(c.turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(c.turns))
	}
	got := c.turns[0]
	if got.CharacterKey != "Luna" || got.Message != "Hi" {
		t.Errorf("unexpected turn: %+v", got)
	}
	if want := "matrix:!luna:example.org:@ana:example.org"; got.SessionID != want {
		t.Errorf("session: got %q, want %q", got.SessionID, want)
	}
	if len(s.sent) != 1 || s.sent[0].text != "reply to Hi" || s.sent[0].notice {
		t.Errorf("unexpected sends: %+v", s.sent)
	}
	if len(s.typing) != 2 || !s.typing[0] || s.typing[1] {
		t.Errorf("typing should be switched on then off, got %v", s.typing)
	}
}

func TestBridge_UnboundRoomIgnored(t *testing.T) {
	c := &fakeChat{}
	s := &fakeSender{}
	NewBridge(c, s, rooms).Handle(context.Background(), "!other:example.org", "@ana:example.org", "Hi")
	if len(c.turns) != 0 || len(s.sent) != 0 {
		t.Errorf("unbound room should be ignored: turns=%d sent=%d", len(c.turns), len(s.sent))
	}
}

func TestBridge_Clear(t *testing.T) {
	tests := []struct {
		name    string
		existed bool
		want    string
	}{
		{"existing", true, "Chat history cleared."},
		{"nothing", false, "Nothing to clear."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeChat{existed: tt.existed}
			s := &fakeSender{}
			NewBridge(c, s, rooms).Handle(context.Background(), "!luna:example.org", "@ana:example.org", "  !CLEAR ")

			if len(c.turns) != 0 {
				t.Error("clear must not run a turn")
			}
			if len(c.cleared) != 1 || c.cleared[0] != "Luna|matrix:!luna:example.org:@ana:example.org" {
				t.Errorf("unexpected clear calls: %v", c.cleared)
			}
			if len(s.sent) != 1 || s.sent[0].text != tt.want || !s.sent[0].notice {
				t.Errorf("unexpected sends: %+v", s.sent)
			}
		})
	}
}

func TestBridge_ErrorsBecomeNotices(t *testing.T) {
	c := &fakeChat{err: apperr.StoreUnavailable("insert message", errors.New("disk I/O error"))}
	s := &fakeSender{}
	NewBridge(c, s, rooms).Handle(context.Background(), "!luna:example.org", "@ana:example.org", "Hi")

	if len(s.sent) != 1 || !s.sent[0].notice {
		t.Fatalf("expected one notice, got %+v", s.sent)
	}
	if s.sent[0].text != "Service temporarily unavailable" {
		t.Errorf("notice leaks details: %q", s.sent[0].text)
	}
}

func TestTextMessage(t *testing.T) {
	const self = "@talkbuddy:example.org"
	msg := func(sender, room string, msgType event.MessageType) *event.Event {
		return &event.Event{
			Sender: id.UserID(sender),
			RoomID: id.RoomID(room),
			Type:   event.EventMessage,
			Content: event.Content{Parsed: &event.MessageEventContent{
				MsgType: msgType,
				Body:    "hello",
			}},
		}
	}

	tests := []struct {
		name string
		evt  *event.Event
		ok   bool
	}{
		{"text in bound room", msg("@ana:example.org", "!luna:example.org", event.MsgText), true},
		{"own message", msg(self, "!luna:example.org", event.MsgText), false},
		{"notice", msg("@ana:example.org", "!luna:example.org", event.MsgNotice), false},
		{"unbound room", msg("@ana:example.org", "!other:example.org", event.MsgText), false},
		{"no content", &event.Event{Sender: "@ana:example.org", RoomID: "!luna:example.org"}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room, sender, body, ok := textMessage(tt.evt, self, rooms)
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if ok && (room != "!luna:example.org" || sender != "@ana:example.org" || body != "hello") {
				t.Errorf("unexpected fields: %q %q %q", room, sender, body)
			}
		})
	}
}
