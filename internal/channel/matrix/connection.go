// ABOUTME: A live Matrix sync session exposed as a channel.Connection.
// ABOUTME: Maps room messages to inbound batches and sends rate-limited HTML replies.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/store"
)

// typingTimeout is how long a typing indicator shows unless cleared.
const typingTimeout = 30 * time.Second

// networkTimeout bounds the Matrix calls made while handling an event.
const networkTimeout = 10 * time.Second

// eventBuffer is the capacity of a connection's events channel.
const eventBuffer = 64

type connectionConfig struct {
	allowed     map[string]bool
	limiter     *rate.Limiter
	crypto      *cryptoManager
	credentials store.CredentialStore
	logger      *slog.Logger
}

// connection is one sync session. Events is closed after the close event.
type connection struct {
	client      *mautrix.Client
	allowed     map[string]bool
	limiter     *rate.Limiter
	crypto      *cryptoManager
	credentials store.CredentialStore
	logger      *slog.Logger

	events chan channel.Event
	stop   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	opened    atomic.Bool
	initial   atomic.Bool
	closeOnce sync.Once
}

func newConnection(client *mautrix.Client, cfg connectionConfig) *connection {
	return &connection{
		client:      client,
		allowed:     cfg.allowed,
		limiter:     cfg.limiter,
		crypto:      cfg.crypto,
		credentials: cfg.credentials,
		logger:      cfg.logger,
		events:      make(chan channel.Event, eventBuffer),
		stop:        make(chan struct{}),
	}
}

func (c *connection) start(ctx context.Context) error {
	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", c.client.Syncer)
	}
	// Sync listeners run before the response's events are dispatched.
	syncer.OnSync(c.handleSync)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMember)

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.emit(channel.Event{Kind: channel.EventConnecting})

	go c.run(ctx)
	return nil
}

func (c *connection) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	err := c.client.SyncWithContext(ctx)
	reason := channel.CloseReason{Err: err}
	if errors.Is(err, mautrix.MUnknownToken) {
		reason.LoggedOut = true
		c.forgetCredentials()
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("matrix sync stopped", "error", err, "logged_out", reason.LoggedOut)
	}
	c.emit(channel.Event{Kind: channel.EventClose, Close: reason})
}

func (c *connection) forgetCredentials() {
	if c.credentials == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if err := c.credentials.DeleteCredentials(ctx); err != nil {
		c.logger.Error("failed to clear matrix credentials", "error", err)
	}
}

// emit delivers ev unless the connection has been closed.
func (c *connection) emit(ev channel.Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

func (c *connection) handleSync(ctx context.Context, resp *mautrix.RespSync, since string) bool {
	c.initial.Store(since == "")
	if c.opened.CompareAndSwap(false, true) {
		c.emit(channel.Event{Kind: channel.EventOpen})
	}
	return true
}

func (c *connection) handleMember(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != c.client.UserID.String() {
		return
	}
	if !c.isRoomAllowed(evt.RoomID.String()) {
		c.logger.Info("ignoring invite to room outside allow list", "room", evt.RoomID.String())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		c.logger.Warn("failed to join room", "room", evt.RoomID.String(), "error", err)
		return
	}
	c.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

func (c *connection) handleMessage(ctx context.Context, evt *event.Event) {
	msg, ok := inboundFromEvent(evt, c.client.UserID)
	if !ok || !c.isRoomAllowed(msg.ConversationID) {
		return
	}

	delivery := channel.DeliveryNotify
	if c.initial.Load() {
		delivery = channel.DeliveryAppend
	} else if !msg.FromSelf {
		lookupCtx, cancel := context.WithTimeout(ctx, networkTimeout)
		msg.IsGroup = c.isGroupRoom(lookupCtx, evt.RoomID)
		msg.SenderName = c.displayName(lookupCtx, evt.Sender)
		cancel()
	}

	c.emit(channel.Event{
		Kind: channel.EventMessages,
		Batch: channel.MessageBatch{
			Delivery: delivery,
			Messages: []channel.InboundMessage{msg},
		},
	})
}

// inboundFromEvent extracts a text message. Edits, non-text messages and
// events without a body are skipped.
func inboundFromEvent(evt *event.Event, self id.UserID) (channel.InboundMessage, bool) {
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return channel.InboundMessage{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return channel.InboundMessage{}, false
	}
	content.RemoveReplyFallback()
	if strings.TrimSpace(content.Body) == "" {
		return channel.InboundMessage{}, false
	}

	return channel.InboundMessage{
		ID:             evt.ID.String(),
		SenderID:       evt.Sender.String(),
		ConversationID: evt.RoomID.String(),
		Text:           content.Body,
		FromSelf:       evt.Sender == self,
	}, true
}

// isGroupRoom reports whether the room has more members than a direct chat.
func (c *connection) isGroupRoom(ctx context.Context, roomID id.RoomID) bool {
	resp, err := c.client.JoinedMembers(ctx, roomID)
	if err != nil {
		c.logger.Debug("failed to list room members", "room", roomID.String(), "error", err)
		return false
	}
	return len(resp.Joined) > 2
}

func (c *connection) displayName(ctx context.Context, userID id.UserID) string {
	resp, err := c.client.GetDisplayName(ctx, userID)
	if err == nil && resp.DisplayName != "" {
		return resp.DisplayName
	}
	localpart, _, err := userID.Parse()
	if err != nil {
		return ""
	}
	return localpart
}

func (c *connection) isRoomAllowed(roomID string) bool {
	return len(c.allowed) == 0 || c.allowed[roomID]
}

// Events implements channel.Connection.
func (c *connection) Events() <-chan channel.Event {
	return c.events
}

// Send posts text to the room, with an HTML rendering when it contains markdown.
func (c *connection) Send(ctx context.Context, conversationID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if formatted := renderHTML(text); formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}

	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(conversationID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", conversationID, err)
	}
	return nil
}

// SetPresence toggles the typing indicator.
func (c *connection) SetPresence(ctx context.Context, conversationID string, presence channel.Presence) error {
	typing := presence == channel.PresenceComposing
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	_, err := c.client.UserTyping(ctx, id.RoomID(conversationID), typing, timeout)
	return err
}

// GroupSubject returns the room name, or "" for unnamed rooms.
func (c *connection) GroupSubject(ctx context.Context, conversationID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	var content event.RoomNameEventContent
	err := c.client.StateEvent(ctx, id.RoomID(conversationID), event.StateRoomName, "", &content)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return content.Name, nil
}

// Close stops syncing and releases the crypto store. It is safe to call more than once.
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.cancel != nil {
			c.cancel()
			c.client.StopSync()
			<-c.done
		}
		err = c.crypto.Close()
	})
	return err
}
