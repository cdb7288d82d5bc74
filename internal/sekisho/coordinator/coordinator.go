// Package coordinator drives the request lifecycle state machine. It takes
// new requests from the ingress API, elicits operator decisions over the
// chat channel, gates execution on the vault holding every declared secret,
// hands approved work to the sandbox runner, and records terminal results.
//
// All lifecycle mutation funnels through the store's compare-and-set
// Transition, so concurrent operator clicks resolve to a single winner and
// the loser is an acknowledged no-op. Chat-send failures are logged and
// never revert a store transition.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/sekisho/common/trace"
	"github.com/bdobrica/sekisho/internal/sekisho/chat"
	"github.com/bdobrica/sekisho/internal/sekisho/sandbox"
	"github.com/bdobrica/sekisho/internal/sekisho/store"
	"github.com/bdobrica/sekisho/internal/sekisho/trust"
	"github.com/bdobrica/sekisho/internal/sekisho/vault"
)

// Notifier is the terminal-state notification sink.
type Notifier interface {
	Emit(ctx context.Context, requestID, terminalState, summary string)
}

// Config wires the coordinator's collaborators.
type Config struct {
	Store   *store.Store
	Trust   *trust.Cache
	Vault   *vault.Vault
	Runner  sandbox.Runner
	Channel chat.Channel
	Notify  Notifier
	// ViewBaseURL is the externally reachable base of the code-view
	// endpoint, e.g. "http://127.0.0.1:8180".
	ViewBaseURL string
}

// secretDialogue correlates a secret-prompt message with the request and
// name it is asking for. In-memory only; losing it degrades UX, not
// correctness.
type secretDialogue struct {
	requestID  string
	secretName string
}

// Coordinator is the approval state machine driver.
type Coordinator struct {
	store   *store.Store
	trust   *trust.Cache
	vault   *vault.Vault
	runner  sandbox.Runner
	channel chat.Channel
	notify  Notifier
	viewURL string

	mu      sync.Mutex
	pending map[chat.Handle]*secretDialogue
	runWG   sync.WaitGroup
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		store:   cfg.Store,
		trust:   cfg.Trust,
		vault:   cfg.Vault,
		runner:  cfg.Runner,
		channel: cfg.Channel,
		notify:  cfg.Notify,
		viewURL: strings.TrimRight(cfg.ViewBaseURL, "/"),
		pending: make(map[chat.Handle]*secretDialogue),
	}
}

// Run consumes chat events until ctx is cancelled or the event channel
// closes, then waits for in-flight executions to finish.
func (c *Coordinator) Run(ctx context.Context, events <-chan chat.Event) {
	defer c.runWG.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			evtCtx := trace.WithTraceID(ctx, trace.GenerateID())
			c.handleEvent(evtCtx, evt)
		}
	}
}

// Submit registers a freshly persisted pending request and emits the
// operator prompt. Trust shortens the prompt, not the hop: a trusted
// fingerprint still needs a per-invocation approve click, it just loses the
// trust-code offer.
func (c *Coordinator) Submit(ctx context.Context, req *store.Request) error {
	rec, err := c.trust.Lookup(ctx, req.Source, req.Fingerprint)
	if err != nil {
		return fmt.Errorf("failed to consult trust cache: %w", err)
	}

	text := c.promptText(req, rec != nil)
	keyboard := promptKeyboard(req.ID, rec != nil)

	handle, err := c.channel.Send(ctx, text, keyboard)
	if err != nil {
		// The row stays pending; the operator can still act through status
		// inspection and a later prompt. Log and surface the error.
		return fmt.Errorf("failed to send approval prompt: %w", err)
	}

	if err := c.store.AttachChatHandle(ctx, req.ID, string(handle)); err != nil {
		slog.Warn("failed to attach chat handle", "request_id", req.ID, "err", err)
	}
	return nil
}

func (c *Coordinator) handleEvent(ctx context.Context, evt chat.Event) {
	switch e := evt.(type) {
	case chat.ButtonClick:
		c.handleButtonClick(ctx, e)
	case chat.TextMessage:
		c.handleTextMessage(ctx, e)
	default:
		slog.Warn("unknown chat event type dropped", "event", fmt.Sprintf("%T", evt))
	}
}

func (c *Coordinator) handleButtonClick(ctx context.Context, click chat.ButtonClick) {
	payload, err := chat.ParsePayload(click.Payload)
	if err != nil {
		// Tolerant of unknown actions: log and drop.
		slog.Warn("unhandled button payload", "payload", click.Payload, "err", err)
		return
	}

	switch payload.Action {
	case chat.ActionApprove:
		c.approve(ctx, payload, click.Sender)
	case chat.ActionDeny:
		c.deny(ctx, payload.RequestID, click.Sender)
	case chat.ActionAddSecret:
		c.promptSecret(ctx, payload.RequestID, payload.SecretName)
	}
}

func (c *Coordinator) handleTextMessage(ctx context.Context, msg chat.TextMessage) {
	// A reply to a live secret prompt supplies the outstanding value.
	if msg.ReplyTo != "" {
		c.mu.Lock()
		dialogue, ok := c.pending[msg.ReplyTo]
		c.mu.Unlock()
		if ok {
			c.secretSupplied(ctx, msg, dialogue)
			return
		}
	}

	// Out-of-band vault write: /add_secret <name> <value>. No approval side
	// effect; any request awaiting this secret picks it up on its own
	// dialogue reply or next recomputation.
	if name, value, ok := parseAddSecretCommand(msg.Text); ok {
		if err := c.vault.Put(ctx, name, []byte(value)); err != nil {
			slog.Error("failed to store secret from command", "name", name, "err", err)
			return
		}
		// Scrub the operator's message so the value does not linger in the
		// room. Best-effort.
		if err := c.channel.Delete(ctx, msg.Handle); err != nil {
			slog.Warn("failed to delete secret command message", "err", err)
		}
		c.audit(ctx, msg.Sender, "secret.add", name, "success", nil)
		if _, err := c.channel.Send(ctx, fmt.Sprintf("Secret `%s` stored.", name), nil); err != nil {
			slog.Warn("failed to confirm secret storage", "err", err)
		}
	}
}

// approve handles an approve click. Scope forever decomposes into a trust
// grant plus the ordinary once path; scope 24h grants a day. Only the first
// click that wins the pending→approved CAS takes effect.
func (c *Coordinator) approve(ctx context.Context, payload *chat.Payload, sender string) {
	req, err := c.store.GetRequest(ctx, payload.RequestID)
	if err != nil {
		slog.Warn("approve for unknown request", "request_id", payload.RequestID, "err", err)
		return
	}

	scope, err := trust.ParseScope(payload.Scope)
	if err != nil {
		slog.Warn("approve with unknown scope dropped", "request_id", req.ID, "scope", payload.Scope)
		return
	}

	if err := c.store.Transition(ctx, req.ID, store.StatePending, store.StateApproved, time.Now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Double click or a raced deny: acknowledged, ignored.
			slog.Info("approve ignored, request already decided", "request_id", req.ID)
			c.audit(ctx, sender, "request.approve", req.ID, "ignored", nil)
			return
		}
		slog.Error("failed to approve request", "request_id", req.ID, "err", err)
		return
	}

	// The grant rides on an already-won approval so a raced deny cannot
	// leave stray trust behind.
	if scope != store.TrustOnce {
		if err := c.trust.Grant(ctx, req.Source, req.Fingerprint, scope); err != nil {
			slog.Error("failed to grant trust", "request_id", req.ID, "scope", scope, "err", err)
		}
	}
	c.audit(ctx, sender, "request.approve", req.ID, "success", store.AuditPayload{"scope": string(scope)})

	missing := c.vault.Missing(req.Secrets)
	if len(missing) > 0 {
		if err := c.store.Transition(ctx, req.ID, store.StateApproved, store.StateAwaitingSecrets, time.Now()); err != nil {
			slog.Error("failed to move request to awaiting_secrets", "request_id", req.ID, "err", err)
			return
		}
		c.editPrompt(ctx, req, fmt.Sprintf("Approved. Waiting for secret `%s`.", missing[0]))
		c.promptSecret(ctx, req.ID, missing[0])
		return
	}

	c.startExecution(ctx, req, store.StateApproved)
}

// deny handles a deny click. Denial is terminal from pending, approved and
// awaiting_secrets; a click landing after another decision is a no-op.
func (c *Coordinator) deny(ctx context.Context, requestID, sender string) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		slog.Warn("deny for unknown request", "request_id", requestID, "err", err)
		return
	}

	var won bool
	for _, from := range []store.State{store.StatePending, store.StateApproved, store.StateAwaitingSecrets} {
		err := c.store.Transition(ctx, requestID, from, store.StateDenied, time.Now())
		if err == nil {
			won = true
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			slog.Error("failed to deny request", "request_id", requestID, "err", err)
			return
		}
	}
	if !won {
		slog.Info("deny ignored, request already decided", "request_id", requestID)
		c.audit(ctx, sender, "request.deny", requestID, "ignored", nil)
		return
	}

	c.dropDialogues(requestID)
	c.audit(ctx, sender, "request.deny", requestID, "success", nil)
	c.editPrompt(ctx, req, fmt.Sprintf("Denied by operator. Skill `%s` was not executed.", req.Skill))
	c.notify.Emit(ctx, requestID, string(store.StateDenied), "operator denied execution")
}

// promptSecret emits one secret prompt and registers the dialogue that
// correlates the operator's reply back to the request.
func (c *Coordinator) promptSecret(ctx context.Context, requestID, name string) {
	text := fmt.Sprintf("Secret `%s` is needed", name)
	if requestID != "" {
		text += fmt.Sprintf(" for request `%s`", requestID)
	}
	text += ". Reply to this message with the value; the reply will be removed from the room."

	handle, err := c.channel.Send(ctx, text, nil)
	if err != nil {
		slog.Error("failed to send secret prompt", "request_id", requestID, "name", name, "err", err)
		return
	}

	c.mu.Lock()
	c.pending[handle] = &secretDialogue{requestID: requestID, secretName: name}
	c.mu.Unlock()
}

// secretSupplied stores a replied secret value, scrubs both sides of the
// exchange from the room, and either prompts for the next missing name or
// releases the request to execution.
func (c *Coordinator) secretSupplied(ctx context.Context, msg chat.TextMessage, dialogue *secretDialogue) {
	value := strings.TrimSpace(msg.Text)
	if value == "" {
		slog.Warn("empty secret reply ignored", "name", dialogue.secretName)
		return
	}

	if err := c.vault.Put(ctx, dialogue.secretName, []byte(value)); err != nil {
		slog.Error("failed to store supplied secret", "name", dialogue.secretName, "err", err)
		return
	}
	c.audit(ctx, msg.Sender, "secret.supplied", dialogue.secretName, "success", nil)

	// Delete the prompt and the operator's reply. Best-effort privacy, not
	// a correctness invariant: the value itself never originated from an
	// internal surface.
	if err := c.channel.Delete(ctx, msg.ReplyTo); err != nil {
		slog.Warn("failed to delete secret prompt", "err", err)
	}
	if err := c.channel.Delete(ctx, msg.Handle); err != nil {
		slog.Warn("failed to delete secret reply", "err", err)
	}

	c.mu.Lock()
	delete(c.pending, msg.ReplyTo)
	c.mu.Unlock()

	if dialogue.requestID == "" {
		// Out-of-band vault write; nothing to resume.
		return
	}

	req, err := c.store.GetRequest(ctx, dialogue.requestID)
	if err != nil {
		slog.Error("failed to reload request after secret", "request_id", dialogue.requestID, "err", err)
		return
	}
	if req.State != store.StateAwaitingSecrets {
		// Denied or failed while the prompt was open.
		return
	}

	missing := c.vault.Missing(req.Secrets)
	if len(missing) > 0 {
		c.promptSecret(ctx, req.ID, missing[0])
		return
	}

	c.startExecution(ctx, req, store.StateAwaitingSecrets)
}

// startExecution moves the request into executing and hands it to the
// sandbox in a per-request goroutine.
func (c *Coordinator) startExecution(ctx context.Context, req *store.Request, from store.State) {
	if err := c.store.Transition(ctx, req.ID, from, store.StateExecuting, time.Now()); err != nil {
		slog.Error("failed to move request to executing", "request_id", req.ID, "err", err)
		return
	}

	c.editPrompt(ctx, req, fmt.Sprintf("Approved. Executing skill `%s`…", req.Skill))

	c.runWG.Add(1)
	go func() {
		defer c.runWG.Done()
		c.execute(trace.WithTraceID(context.Background(), trace.FromContext(ctx)), req)
	}()
}

// execute runs the pinned code and records the terminal result. The bytes
// come from the store, never a re-fetch, preserving the hash-to-execute
// binding the operator approved.
func (c *Coordinator) execute(ctx context.Context, req *store.Request) {
	code, err := c.store.LoadCode(ctx, req.ID)
	if err != nil {
		c.finish(ctx, req, store.StateFailed, nil, store.FailureInternal,
			fmt.Sprintf("failed to load pinned code: %v", err))
		return
	}

	secrets, err := c.vault.Resolve(req.Secrets)
	if err != nil {
		c.finish(ctx, req, store.StateFailed, nil, store.FailureInternal,
			fmt.Sprintf("failed to resolve secrets: %v", err))
		return
	}

	res, err := c.runner.Run(ctx, sandbox.Spec{
		Code:        code,
		Fingerprint: req.Fingerprint,
		Secrets:     secrets,
		Args:        req.Args,
		Timeout:     time.Duration(req.TimeoutSecs) * time.Second,
		Network:     req.Network,
	})
	if err != nil {
		c.finish(ctx, req, store.StateFailed, nil, store.FailureLaunch, err.Error())
		return
	}

	result := &store.Result{
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.DurationMS,
	}

	switch {
	case res.TimedOut:
		c.finish(ctx, req, store.StateFailed, result, store.FailureTimeout, "")
	case !res.Success:
		c.finish(ctx, req, store.StateFailed, result, store.FailureNonzero, "")
	default:
		c.finish(ctx, req, store.StateCompleted, result, "", "")
	}
}

// finish records the terminal state atomically with the result, updates the
// prompt in place, and fires the notification.
func (c *Coordinator) finish(ctx context.Context, req *store.Request, terminal store.State, res *store.Result, failureKind, errText string) {
	if res == nil && errText != "" {
		res = &store.Result{ExitCode: -1, Stderr: errText}
	}

	if err := c.store.SetResult(ctx, req.ID, store.StateExecuting, terminal, res, failureKind, time.Now()); err != nil {
		slog.Error("failed to set result", "request_id", req.ID, "err", err)
		return
	}

	// Captured output may echo a secret the child received; scrub before any
	// external surface sees the summary.
	summary := c.vault.Redact(resultSummary(terminal, res, failureKind))
	c.audit(ctx, "sekisho", "request.result", req.ID, string(terminal),
		store.AuditPayload{"failure_kind": failureKind})
	c.editPrompt(ctx, req, fmt.Sprintf("Skill `%s` %s", req.Skill, summary))
	c.notify.Emit(ctx, req.ID, string(terminal), summary)
}

// editPrompt rewrites the operator dialogue in place. A failed edit is a UX
// degradation only.
func (c *Coordinator) editPrompt(ctx context.Context, req *store.Request, text string) {
	handle := req.ChatHandle.String
	if !req.ChatHandle.Valid || handle == "" {
		// Handles written after this request struct was loaded.
		if fresh, err := c.store.GetRequest(ctx, req.ID); err == nil && fresh.ChatHandle.Valid {
			handle = fresh.ChatHandle.String
		}
	}
	if handle == "" {
		return
	}
	if err := c.channel.Edit(ctx, chat.Handle(handle), text, nil); err != nil {
		slog.Warn("failed to edit prompt", "request_id", req.ID, "err", err)
	}
}

// dropDialogues destroys all pending-secret dialogues for a request.
func (c *Coordinator) dropDialogues(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for handle, d := range c.pending {
		if d.requestID == requestID {
			delete(c.pending, handle)
		}
	}
}

func (c *Coordinator) audit(ctx context.Context, actor, action, target, result string, payload store.AuditPayload) {
	if err := c.store.WriteAudit(ctx, trace.FromContext(ctx), actor, action, target, result, payload, ""); err != nil {
		slog.Warn("failed to write audit entry", "action", action, "err", err)
	}
}

// promptText renders the approval prompt: everything the operator needs to
// decide, and never any secret value.
func (c *Coordinator) promptText(req *store.Request, trusted bool) string {
	var b strings.Builder
	if trusted {
		fmt.Fprintf(&b, "Run trusted skill **%s**?\n", req.Skill)
	} else {
		fmt.Fprintf(&b, "Review requested: skill **%s**\n", req.Skill)
	}

	fmt.Fprintf(&b, "Fingerprint: `%s`\n", fingerprintPrefix(req.Fingerprint))
	fmt.Fprintf(&b, "Code: %s/view/%s\n", c.viewURL, req.ID)

	if len(req.Secrets) > 0 {
		b.WriteString("Secrets:")
		for _, name := range req.Secrets {
			marker := "missing"
			if c.vault.Has(name) {
				marker = "in vault"
			}
			fmt.Fprintf(&b, " `%s` (%s)", name, marker)
		}
		b.WriteString("\n")
	}

	if len(req.Network) > 0 {
		fmt.Fprintf(&b, "Network: %s\n", strings.Join(req.Network, ", "))
	} else {
		b.WriteString("Network: none\n")
	}

	fmt.Fprintf(&b, "Timeout: %ds\n", req.TimeoutSecs)

	if len(req.Args) > 0 {
		b.WriteString("Args:")
		for k, v := range req.Args {
			fmt.Fprintf(&b, " %s=%s", k, v)
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// promptKeyboard shapes the offer set by trust: a trusted fingerprint loses
// the trust-code button, everything still needs an explicit run click.
func promptKeyboard(requestID string, trusted bool) chat.Keyboard {
	kb := chat.Keyboard{
		{Label: "✅ run once", Payload: chat.ApprovePayload(requestID, string(store.TrustOnce))},
		{Label: "❌ deny", Payload: chat.DenyPayload(requestID)},
	}
	if !trusted {
		kb = append(kb, chat.Button{
			Label:   "🔒 trust code",
			Payload: chat.ApprovePayload(requestID, string(store.TrustForever)),
		})
	}
	return kb
}

func resultSummary(terminal store.State, res *store.Result, failureKind string) string {
	if terminal == store.StateCompleted {
		return fmt.Sprintf("completed: exit 0 in %dms\n```\n%s\n```",
			res.DurationMS, truncateForChat(res.Stdout))
	}
	if res == nil {
		return "failed: " + failureKind
	}
	switch failureKind {
	case store.FailureTimeout:
		return fmt.Sprintf("failed: timed out after %dms", res.DurationMS)
	case store.FailureNonzero:
		return fmt.Sprintf("failed: exit %d in %dms\n```\n%s\n```",
			res.ExitCode, res.DurationMS, truncateForChat(res.Stderr))
	default:
		return fmt.Sprintf("failed: %s\n```\n%s\n```", failureKind, truncateForChat(res.Stderr))
	}
}

// chatOutputLimit keeps result summaries comfortably inside chat message
// size limits.
const chatOutputLimit = 512

func truncateForChat(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= chatOutputLimit {
		return s
	}
	return s[:chatOutputLimit] + "…"
}

// fingerprintPrefix shortens a fingerprint for display; the full value is on
// the code-view page.
func fingerprintPrefix(fp string) string {
	if len(fp) > 16 {
		return fp[:16] + "…"
	}
	return fp
}

// parseAddSecretCommand recognizes the /add_secret <name> <value> slash
// command. The value may contain spaces.
func parseAddSecretCommand(text string) (name, value string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(text), "/add_secret ")
	if !found {
		return "", "", false
	}
	name, value, found = strings.Cut(strings.TrimSpace(rest), " ")
	if !found || name == "" || strings.TrimSpace(value) == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(value), true
}
