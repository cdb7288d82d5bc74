// Package notify emits one best-effort event per terminal request state to
// the agent-side sink. Delivery is advisory: the authoritative record is the
// request store, and a failed notification never blocks or reverts a
// transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultFileMode is the permission on the fallback notification file.
const DefaultFileMode = 0o600

const postTimeout = 5 * time.Second

// Emitter posts terminal-state messages to a loopback HTTP sink, falling
// back to an append-only file when the POST fails.
type Emitter struct {
	// sinkURL is the agent's notification endpoint, e.g.
	// http://127.0.0.1:8199/notify. Empty disables the HTTP attempt.
	sinkURL string
	// filePath is the fallback append-only notification file.
	filePath string
	client   *http.Client
}

// New creates an Emitter.
func New(sinkURL, filePath string) *Emitter {
	return &Emitter{
		sinkURL:  sinkURL,
		filePath: filePath,
		client:   &http.Client{Timeout: postTimeout},
	}
}

// Emit delivers one message describing a terminal transition. It tries the
// HTTP sink first; on any error it appends to the notification file. Errors
// from both sinks are logged and swallowed.
func (e *Emitter) Emit(ctx context.Context, requestID, terminalState, summary string) {
	message := fmt.Sprintf("%s %s: %s", requestID, terminalState, summary)

	if e.post(ctx, message) {
		return
	}
	if err := e.appendToFile(message); err != nil {
		slog.Error("notification lost: both sinks failed", "request_id", requestID, "err", err)
	}
}

// post attempts the HTTP sink, reporting success.
func (e *Emitter) post(ctx context.Context, message string) bool {
	if e.sinkURL == "" {
		return false
	}

	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sinkURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		slog.Warn("notification POST failed; using file fallback", "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("notification sink rejected POST; using file fallback", "status", resp.StatusCode)
		return false
	}
	return true
}

// appendToFile writes `ISO-timestamp<SP>message\n` to the fallback file.
func (e *Emitter) appendToFile(message string) error {
	if e.filePath == "" {
		return fmt.Errorf("no notification file configured")
	}

	f, err := os.OpenFile(e.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, DefaultFileMode)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), message)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}
