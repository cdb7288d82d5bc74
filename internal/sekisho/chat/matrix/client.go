// Package matrix binds the broker's abstract chat channel onto a Matrix
// room. Prompts are ordinary room messages; buttons are the bot's own
// reactions on the prompt (the operator taps one to "click"); edits use
// m.replace and deletions are redactions. Only events from the configured
// operator in the configured room are accepted.
package matrix

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/sekisho/common/retry"
	"github.com/bdobrica/sekisho/internal/sekisho/chat"
)

// Config holds the Matrix binding configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// RoomID is the single room the broker operates in.
	RoomID string
	// OperatorID is the only principal whose events are accepted.
	OperatorID string
}

// Client implements chat.Channel over a Matrix room and delivers inbound
// operator events on Events().
type Client struct {
	client *mautrix.Client
	config *Config
	events chan chat.Event
	stopCh chan struct{}

	// keyboards maps a prompt handle to its button set so an inbound
	// reaction key resolves back to the payload it stands for.
	mu        sync.Mutex
	keyboards map[chat.Handle]map[string]string
}

// sendRetry bounds outbound send/edit/redact attempts against transient
// homeserver errors. The final error surfaces to the coordinator, which
// logs and continues.
var sendRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

// New creates a Matrix client for the given room and operator.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	return &Client{
		client:    client,
		config:    config,
		events:    make(chan chat.Event, 32),
		stopCh:    make(chan struct{}),
		keyboards: make(map[chat.Handle]map[string]string),
	}, nil
}

// Events returns the inbound operator event stream. The channel is closed
// when the client stops.
func (c *Client) Events() <-chan chat.Event {
	return c.events
}

// Start joins the configured room and begins syncing in the background with
// exponential back-off reconnection. Without retries a transient homeserver
// error would silently kill the sync goroutine and leave the broker deaf to
// operator decisions.
func (c *Client) Start(ctx context.Context) error {
	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)

	if err := c.joinRoom(ctx); err != nil {
		return fmt.Errorf("failed to join room %s: %w", c.config.RoomID, err)
	}

	go func() {
		defer close(c.events)
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			if err := c.client.Sync(); err != nil {
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

// Stop stops the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// Send posts a message and registers its keyboard. The buttons are rendered
// both as a list in the message body and as the bot's own reactions so the
// operator can tap them.
func (c *Client) Send(ctx context.Context, text string, keyboard chat.Keyboard) (chat.Handle, error) {
	content := formatMessage(text, keyboard)

	var resp *mautrix.RespSendEvent
	err := retry.Do(ctx, sendRetry, func() error {
		var sendErr error
		resp, sendErr = c.client.SendMessageEvent(ctx, id.RoomID(c.config.RoomID), event.EventMessage, &content)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	handle := chat.Handle(resp.EventID.String())
	c.registerKeyboard(handle, keyboard)

	for _, b := range keyboard {
		if reactErr := c.react(ctx, resp.EventID, b.Label); reactErr != nil {
			slog.Warn("failed to attach button reaction", "handle", handle, "label", b.Label, "err", reactErr)
		}
	}

	return handle, nil
}

// Edit replaces the text of a previously sent message in place via
// m.replace, re-registering or clearing the keyboard.
func (c *Client) Edit(ctx context.Context, handle chat.Handle, text string, keyboard chat.Keyboard) error {
	content := formatMessage(text, keyboard)
	content.SetEdit(id.EventID(handle))

	err := retry.Do(ctx, sendRetry, func() error {
		_, sendErr := c.client.SendMessageEvent(ctx, id.RoomID(c.config.RoomID), event.EventMessage, &content)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}

	c.registerKeyboard(handle, keyboard)
	return nil
}

// Delete redacts a message. Used best-effort to scrub secret replies and
// stale prompts from the room.
func (c *Client) Delete(ctx context.Context, handle chat.Handle) error {
	err := retry.Do(ctx, sendRetry, func() error {
		_, redactErr := c.client.RedactEvent(ctx, id.RoomID(c.config.RoomID), id.EventID(handle))
		return redactErr
	})
	if err != nil {
		return fmt.Errorf("failed to redact message: %w", err)
	}

	c.mu.Lock()
	delete(c.keyboards, handle)
	c.mu.Unlock()
	return nil
}

func (c *Client) registerKeyboard(handle chat.Handle, keyboard chat.Keyboard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keyboard) == 0 {
		delete(c.keyboards, handle)
		return
	}
	byKey := make(map[string]string, len(keyboard))
	for _, b := range keyboard {
		byKey[b.Label] = b.Payload
	}
	c.keyboards[handle] = byKey
}

// react adds the bot's own reaction to an event so it renders as a tappable
// chip in the room.
func (c *Client) react(ctx context.Context, eventID id.EventID, key string) error {
	content := event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: eventID,
			Key:     key,
		},
	}
	return retry.Do(ctx, sendRetry, func() error {
		_, err := c.client.SendMessageEvent(ctx, id.RoomID(c.config.RoomID), event.EventReaction, &content)
		return err
	})
}

// handleReaction translates an operator reaction on a registered prompt into
// a ButtonClick event.
func (c *Client) handleReaction(ctx context.Context, evt *event.Event) {
	if !c.fromOperator(evt) {
		return
	}

	reaction := evt.Content.AsReaction()
	if reaction == nil {
		return
	}

	handle := chat.Handle(reaction.RelatesTo.EventID.String())
	c.mu.Lock()
	byKey, registered := c.keyboards[handle]
	payload := byKey[reaction.RelatesTo.Key]
	c.mu.Unlock()

	if !registered || payload == "" {
		// Reaction on something that is not a live prompt, or a key the
		// prompt never offered.
		return
	}

	c.deliver(chat.ButtonClick{
		Handle:  handle,
		Payload: payload,
		Sender:  evt.Sender.String(),
	})
}

// handleMessage translates an operator room message into a TextMessage
// event, capturing the reply target when present.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if !c.fromOperator(evt) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}

	var replyTo chat.Handle
	if rel := msgContent.RelatesTo; rel != nil && rel.InReplyTo != nil {
		replyTo = chat.Handle(rel.InReplyTo.EventID.String())
	}

	c.deliver(chat.TextMessage{
		Handle:  chat.Handle(evt.ID.String()),
		ReplyTo: replyTo,
		Text:    msgContent.Body,
		Sender:  evt.Sender.String(),
	})
}

// fromOperator accepts only events sent by the configured operator in the
// configured room, and never the bot's own events.
func (c *Client) fromOperator(evt *event.Event) bool {
	if evt.Sender == id.UserID(c.config.UserID) {
		return false
	}
	if evt.RoomID != id.RoomID(c.config.RoomID) {
		return false
	}
	return evt.Sender == id.UserID(c.config.OperatorID)
}

func (c *Client) deliver(e chat.Event) {
	select {
	case c.events <- e:
	case <-c.stopCh:
	default:
		slog.Warn("chat event queue full; dropping event")
	}
}

func (c *Client) joinRoom(ctx context.Context) error {
	_, err := c.client.JoinRoomByID(ctx, id.RoomID(c.config.RoomID))
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a
		// member of the room.
		if strings.Contains(err.Error(), "M_FORBIDDEN") {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", c.config.RoomID)
			return nil
		}
		return err
	}
	return nil
}

// formatMessage builds an m.text content with an HTML body. Button labels
// are listed at the bottom so clients without reaction chips still show the
// offered actions.
func formatMessage(text string, keyboard chat.Keyboard) event.MessageEventContent {
	plain := text
	htmlBody := toHTML(text)

	if len(keyboard) > 0 {
		var labels []string
		for _, b := range keyboard {
			labels = append(labels, b.Label)
		}
		plain += "\n\nActions: " + strings.Join(labels, " | ")
		htmlBody += "<br/><br/><em>Actions:</em> <strong>" +
			html.EscapeString(strings.Join(labels, " | ")) + "</strong>"
	}

	return event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plain,
		Format:        event.FormatHTML,
		FormattedBody: htmlBody,
	}
}

// toHTML converts the small markup subset the coordinator emits (code spans,
// bold, newlines) into HTML for clients that render formatted bodies.
func toHTML(text string) string {
	out := html.EscapeString(text)
	out = replaceDelimited(out, "`", "<code>", "</code>")
	out = replaceDelimited(out, "**", "<strong>", "</strong>")
	return strings.ReplaceAll(out, "\n", "<br/>")
}

// replaceDelimited replaces occurrences of delim…delim with open+content+close.
// Only complete pairs are replaced; an unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim) // absolute index of closing delim
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
