// Package chat defines the abstract operations the broker invokes on its
// chat collaborator and the typed events it consumes back. The coordinator
// only ever sees this seam; the Matrix binding lives in chat/matrix.
package chat

import (
	"context"
)

// Handle is an opaque reference to a sent chat message, used to edit or
// delete it later. Handles are weak references: losing one degrades the
// operator UX but never correctness.
type Handle string

// Button is one inline action offered on a prompt. Label is what the
// operator sees; Payload is the compact action string delivered back in a
// ButtonClick event.
type Button struct {
	Label   string
	Payload string
}

// Keyboard is the ordered set of buttons attached to a prompt.
type Keyboard []Button

// Channel is the outbound contract of the chat collaborator.
type Channel interface {
	// Send posts a message with an optional keyboard and returns its handle.
	Send(ctx context.Context, text string, keyboard Keyboard) (Handle, error)

	// Edit replaces the text (and keyboard) of a previously sent message.
	Edit(ctx context.Context, handle Handle, text string, keyboard Keyboard) error

	// Delete removes a message from the chat surface. Best-effort; used to
	// scrub secret replies.
	Delete(ctx context.Context, handle Handle) error
}

// Event is an inbound chat event, restricted by the transport to the single
// configured operator principal.
type Event interface {
	isChatEvent()
}

// ButtonClick is the operator activating a prompt button.
type ButtonClick struct {
	// Handle of the prompt message the button belongs to.
	Handle Handle
	// Payload is the compact action string the button carried.
	Payload string
	// Sender is the operator principal, recorded in the audit log.
	Sender string
}

// TextMessage is an ordinary operator message, possibly a reply.
type TextMessage struct {
	// Handle of the operator's own message (for best-effort deletion of
	// secret replies).
	Handle Handle
	// ReplyTo is the handle of the message being replied to, empty when the
	// message is not a reply.
	ReplyTo Handle
	// Text is the message body.
	Text string
	// Sender is the operator principal.
	Sender string
}

func (ButtonClick) isChatEvent() {}
func (TextMessage) isChatEvent() {}
