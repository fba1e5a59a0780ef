// Package matrix lets people talk to characters from Matrix rooms. Each
// configured room is bound to one character; every sender in the room gets
// their own conversation with it.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms maps a room ID to the character (name or id) that answers in it.
	Rooms map[string]string
	// SyncState persists the sync position. When nil, history is replayed on
	// every restart.
	SyncState SyncValues
}

// MessageHandler processes one text message from a bound room.
type MessageHandler func(ctx context.Context, roomID, sender, body string)

// Client wraps the mautrix client.
type Client struct {
	client *mautrix.Client
	config Config

	stopOnce sync.Once
	stopCh   chan struct{}
	handler  MessageHandler
}

// New creates a Matrix client. It does not connect.
func New(cfg Config) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	if cfg.SyncState != nil {
		client.Store = NewSyncStore(cfg.SyncState)
	} else {
		slog.Warn("matrix: no sync state store, room history will replay on restart")
	}
	return &Client{client: client, config: cfg, stopCh: make(chan struct{})}, nil
}

// Start joins the bound rooms and syncs in the background until Stop.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleEvent)

	for roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	go c.syncLoop(ctx)
	return nil
}

// syncLoop keeps a sync running, reconnecting with exponential backoff.
func (c *Client) syncLoop(ctx context.Context) {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		started := time.Now()
		err := c.client.SyncWithContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case <-c.stopCh:
			return
		default:
		}
		// A sync that ran for a while was healthy; start over from the minimum.
		if time.Since(started) > backoffMax {
			backoff = backoffMin
		}
		slog.Error("matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop ends syncing. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.client.StopSync()
	})
}

// SendText posts a plain text message to a room.
func (c *Client) SendText(ctx context.Context, roomID, text string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendNotice posts a notice, which clients render less prominently.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) error {
	content := event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// SetTyping toggles the typing indicator in a room.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	roomID, sender, body, ok := textMessage(evt, c.config.UserID, c.config.Rooms)
	if !ok || c.handler == nil {
		return
	}
	c.handler(ctx, roomID, sender, body)
}

// textMessage extracts a text message from a bound room that was not sent by
// self.
func textMessage(evt *event.Event, self string, rooms map[string]string) (roomID, sender, body string, ok bool) {
	if evt == nil || evt.Sender == id.UserID(self) {
		return "", "", "", false
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return "", "", "", false
	}
	if _, bound := rooms[evt.RoomID.String()]; !bound {
		return "", "", "", false
	}
	return evt.RoomID.String(), evt.Sender.String(), msg.Body, true
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		// Homeservers answer M_FORBIDDEN when already joined.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: join refused, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
