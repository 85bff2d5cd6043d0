// Package matrix wraps the mautrix client for Yumeko: the live sync loop
// with reconnection, bounded history fetches for offline replay, and dream
// delivery as formatted messages.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Yumeko/internal/yumeko/replay"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms is the allowlist of room IDs Yumeko lives in. Messages from any
	// other room are ignored, live and replayed alike.
	Rooms []string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and the sync starts from scratch on every restart.
	DB *sql.DB
}

// Client wraps the Matrix client.
type Client struct {
	client     *mautrix.Client
	config     *Config
	stopCh     chan struct{}
	msgHandler MessageHandler
}

// MessageHandler processes incoming live Matrix messages.
type MessageHandler func(ctx context.Context, evt *event.Event)

// New creates a new Matrix client.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	// Attach a persistent sync store so the bot resumes from the last known
	// position after a restart. The span that token survives is exactly the
	// offline gap the replay engine has to cover.
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store")
	}

	return c, nil
}

// Start joins the configured rooms and begins syncing with the homeserver.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.msgHandler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	// Start syncing in background with exponential back-off reconnection.
	// Without retries a transient homeserver error would silently kill the
	// sync goroutine and leave the bot deaf to all new messages.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin // reset before each attempt
			if err := c.client.Sync(); err != nil {
				// Check whether Stop() was called; if so, exit cleanly.
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil — only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

// Stop stops the Matrix client.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// FetchHistory pulls up to limit recent text messages for a room via
// backward /messages pagination, returning them oldest-first. Non-message
// timeline events (joins, reactions, redactions) are skipped and do not
// count against limit's result size, only against the page fetched.
func (c *Client) FetchHistory(ctx context.Context, group string, limit int) ([]replay.InboundEvent, error) {
	resp, err := c.client.Messages(ctx, id.RoomID(group), "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", group, err)
	}

	// A backward walk yields newest-first; map and reverse in one pass.
	events := make([]replay.InboundEvent, 0, len(resp.Chunk))
	for i := len(resp.Chunk) - 1; i >= 0; i-- {
		if evt, ok := toInbound(resp.Chunk[i]); ok {
			events = append(events, evt)
		}
	}
	return events, nil
}

// SendDream delivers a finished dream to a room as one aggregated, titled
// unit: a formatted message rather than a run of ordinary chat turns, so a
// night's dream never floods the conversation.
func (c *Client) SendDream(ctx context.Context, room, title, content string) error {
	html := fmt.Sprintf("<b>💤 %s</b><br/><blockquote>%s</blockquote>",
		escapeHTML(title), escapeHTML(content))
	plain := fmt.Sprintf("💤 %s\n%s", title, content)

	msg := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plain,
		Format:        event.FormatHTML,
		FormattedBody: html,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, &msg); err != nil {
		return fmt.Errorf("failed to send dream: %w", err)
	}
	return nil
}

// SendMessage sends a plain text message to a room.
func (c *Client) SendMessage(ctx context.Context, roomID, message string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(roomID), message); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendFormattedMessage sends a formatted message (HTML + plain text fallback).
func (c *Client) SendFormattedMessage(ctx context.Context, roomID, html, plaintext string) error {
	msg := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plaintext,
		Format:        event.FormatHTML,
		FormattedBody: html,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &msg); err != nil {
		return fmt.Errorf("failed to send formatted message: %w", err)
	}
	return nil
}

// ReplyToMessage sends a reply to a specific message.
func (c *Client) ReplyToMessage(ctx context.Context, roomID, eventID, message string) error {
	msg := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{
				EventID: id.EventID(eventID),
			},
		},
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &msg); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// IsListeningRoom checks whether a room is on the configured allowlist.
func (c *Client) IsListeningRoom(roomID string) bool {
	for _, room := range c.config.Rooms {
		if room == roomID {
			return true
		}
	}
	return false
}

// UserID returns the client's own Matrix user ID.
func (c *Client) UserID() string {
	return c.config.UserID
}

// handleMessage filters incoming sync events before handing them to the
// registered handler: own messages, non-text messages and rooms off the
// allowlist never reach the application.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}

	if !c.IsListeningRoom(evt.RoomID.String()) {
		return
	}

	if c.msgHandler != nil {
		c.msgHandler(ctx, evt)
	}
}

// joinRoom attempts to join a room.
func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a
		// member of the room. Use mautrix's typed error check instead of
		// string matching.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// toInbound maps one raw timeline event to a replayable InboundEvent.
// Anything that is not a parseable text message is dropped — state events,
// reactions, media — since only text feeds the history and the dedup keys.
func toInbound(evt *event.Event) (replay.InboundEvent, bool) {
	if evt.Type != event.EventMessage {
		return replay.InboundEvent{}, false
	}
	if evt.Content.Parsed == nil {
		// /messages returns raw content; sync events arrive pre-parsed.
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return replay.InboundEvent{}, false
		}
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText || msg.Body == "" {
		return replay.InboundEvent{}, false
	}
	return replay.InboundEvent{
		ID:     evt.ID.String(),
		Sender: evt.Sender.String(),
		Body:   msg.Body,
		Time:   time.UnixMilli(evt.Timestamp),
	}, true
}

// escapeHTML escapes the characters that would break out of a formatted body.
func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
