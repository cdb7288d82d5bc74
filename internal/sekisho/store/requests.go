package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors callers branch on.
var (
	// ErrNotFound is returned when a request id does not exist.
	ErrNotFound = errors.New("request not found")

	// ErrDuplicateID is returned by CreateRequest when the id is already taken.
	ErrDuplicateID = errors.New("duplicate request id")

	// ErrConflict is returned by Transition and SetResult when the row's
	// current state does not match the expected one. The loser of a
	// concurrent decision race sees this error.
	ErrConflict = errors.New("request state conflict")
)

// State is the lifecycle state of a request.
type State string

const (
	StatePending         State = "pending"
	StateApproved        State = "approved"
	StateAwaitingSecrets State = "awaiting_secrets"
	StateExecuting       State = "executing"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateDenied          State = "denied"
)

// Terminal reports whether no further transitions are legal from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDenied
}

// Failure kinds recorded on rows that end in StateFailed.
const (
	FailureLaunch   = "sandbox-launch-failed"
	FailureTimeout  = "sandbox-timeout"
	FailureNonzero  = "sandbox-nonzero"
	FailureInternal = "internal"
)

// Request represents an execution request in the database.
type Request struct {
	ID          string
	Skill       string            // logical skill name from the submit payload
	Source      string            // source locator, kept for audit and display
	Fingerprint string            // SHA-256 hex over the pinned code bytes
	Secrets     []string          // declared secret names, in declaration order
	Args        map[string]string // invocation arguments passed to the sandbox
	Network     []string          // declared network allow-list
	TimeoutSecs int               // declared wall-clock timeout
	State       State
	ChatHandle  sql.NullString // weak reference to the operator prompt message
	ExitCode    sql.NullInt64
	Stdout      sql.NullString
	Stderr      sql.NullString
	DurationMS  sql.NullInt64
	FailureKind sql.NullString
	CreatedAt   time.Time
	ApprovedAt  sql.NullTime
	ExecutedAt  sql.NullTime
	UpdatedAt   time.Time
}

// Result is the captured outcome of a sandbox run, stored atomically with
// the terminal transition.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64
}

// CreateRequest inserts a new request in state pending.
func (s *Store) CreateRequest(ctx context.Context, req *Request) error {
	req.State = StatePending
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt

	secretsJSON, err := json.Marshal(nonNilSlice(req.Secrets))
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	argsJSON, err := json.Marshal(nonNilMap(req.Args))
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	networkJSON, err := json.Marshal(nonNilSlice(req.Network))
	if err != nil {
		return fmt.Errorf("failed to marshal network: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (id, skill, source, fingerprint, secrets_json, args_json, network_json, timeout_secs, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.Skill, req.Source, req.Fingerprint, string(secretsJSON), string(argsJSON),
		string(networkJSON), req.TimeoutSecs, req.State, req.CreatedAt, req.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
		}
		return fmt.Errorf("failed to create request: %w", err)
	}

	return nil
}

// GetRequest retrieves a request by ID. Returns ErrNotFound when absent.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	req := &Request{}
	var secretsJSON, argsJSON, networkJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, skill, source, fingerprint, secrets_json, args_json, network_json,
		       timeout_secs, state, chat_handle, exit_code, stdout, stderr,
		       duration_ms, failure_kind, created_at, approved_at, executed_at, updated_at
		FROM requests
		WHERE id = ?
	`, id).Scan(
		&req.ID, &req.Skill, &req.Source, &req.Fingerprint, &secretsJSON, &argsJSON,
		&networkJSON, &req.TimeoutSecs, &req.State, &req.ChatHandle, &req.ExitCode,
		&req.Stdout, &req.Stderr, &req.DurationMS, &req.FailureKind,
		&req.CreatedAt, &req.ApprovedAt, &req.ExecutedAt, &req.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	if err := json.Unmarshal([]byte(secretsJSON), &req.Secrets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}
	if err := json.Unmarshal([]byte(argsJSON), &req.Args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(networkJSON), &req.Network); err != nil {
		return nil, fmt.Errorf("failed to unmarshal network: %w", err)
	}

	return req, nil
}

// Transition performs a compare-and-set on the lifecycle state: the row
// moves from `from` to `to` only if its current state equals `from`.
// It is the sole legal mutator for lifecycle state outside SetResult.
// Returns ErrConflict (with the current state in the message) when the
// compare fails, ErrNotFound when the id is unknown.
func (s *Store) Transition(ctx context.Context, id string, from, to State, ts time.Time) error {
	var result sql.Result
	var err error

	// approved_at / executed_at are written by the transition that enters
	// the corresponding state so the timestamps stay consistent with the
	// state history.
	switch to {
	case StateApproved:
		result, err = s.db.ExecContext(ctx, `
			UPDATE requests
			SET state = ?, approved_at = ?, updated_at = ?
			WHERE id = ? AND state = ?
		`, to, ts, ts, id, from)
	case StateExecuting:
		result, err = s.db.ExecContext(ctx, `
			UPDATE requests
			SET state = ?, executed_at = ?, updated_at = ?
			WHERE id = ? AND state = ?
		`, to, ts, ts, id, from)
	default:
		result, err = s.db.ExecContext(ctx, `
			UPDATE requests
			SET state = ?, updated_at = ?
			WHERE id = ? AND state = ?
		`, to, ts, id, from)
	}

	if err != nil {
		return fmt.Errorf("failed to transition request: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return s.conflictError(ctx, id, from)
	}

	return nil
}

// SetResult moves a request into a terminal state (completed or failed) and
// records the captured result in the same statement, so the terminal
// transition and its payload are atomic. res may be nil for failures that
// never produced output (e.g. launch errors); failureKind is empty for
// completed.
func (s *Store) SetResult(ctx context.Context, id string, from, terminal State, res *Result, failureKind string, ts time.Time) error {
	if !terminal.Terminal() || terminal == StateDenied {
		return fmt.Errorf("set result: %q is not a result-bearing terminal state", terminal)
	}

	var exitCode sql.NullInt64
	var stdout, stderr sql.NullString
	var durationMS sql.NullInt64
	if res != nil {
		exitCode = sql.NullInt64{Int64: int64(res.ExitCode), Valid: true}
		stdout = sql.NullString{String: res.Stdout, Valid: true}
		stderr = sql.NullString{String: res.Stderr, Valid: true}
		durationMS = sql.NullInt64{Int64: res.DurationMS, Valid: true}
	}

	var kindNull sql.NullString
	if failureKind != "" {
		kindNull = sql.NullString{String: failureKind, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET state = ?, exit_code = ?, stdout = ?, stderr = ?, duration_ms = ?, failure_kind = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, terminal, exitCode, stdout, stderr, durationMS, kindNull, ts, id, from)

	if err != nil {
		return fmt.Errorf("failed to set result: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return s.conflictError(ctx, id, from)
	}

	return nil
}

// AttachChatHandle stores the chat-message handle used to update the
// operator dialogue in place. Idempotent: re-attaching overwrites.
func (s *Store) AttachChatHandle(ctx context.Context, id, handle string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET chat_handle = ?, updated_at = ?
		WHERE id = ?
	`, handle, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to attach chat handle: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// StoreCode pins the exact bytes that were fingerprinted at ingress.
func (s *Store) StoreCode(ctx context.Context, id string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO codes (request_id, body, created_at)
		VALUES (?, ?, ?)
	`, id, body, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: code already stored for %s", ErrDuplicateID, id)
		}
		return fmt.Errorf("failed to store code: %w", err)
	}
	return nil
}

// LoadCode returns the pinned code bytes for a request. Both the code-view
// page and the executor read from here; code is never re-fetched upstream.
func (s *Store) LoadCode(ctx context.Context, id string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM codes WHERE request_id = ?", id,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no code for %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}
	return body, nil
}

// PruneTerminalRequests deletes terminal requests created before the cutoff.
// Pinned code rows go with them via the foreign key. Returns the number of
// requests removed.
func (s *Store) PruneTerminalRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM requests
		WHERE state IN (?, ?, ?) AND created_at < ?
	`, StateCompleted, StateFailed, StateDenied, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune requests: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

// conflictError distinguishes a CAS miss from a missing row and reports the
// state the row is actually in.
func (s *Store) conflictError(ctx context.Context, id string, expected State) error {
	var current State
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM requests WHERE id = ?", id,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read request state: %w", err)
	}
	return fmt.Errorf("%w: %s is %q, not %q", ErrConflict, id, current, expected)
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
