package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/sekisho/common/trace"
	"github.com/bdobrica/sekisho/internal/sekisho/skill"
	"github.com/bdobrica/sekisho/internal/sekisho/store"
)

// executeSchema validates POST /execute bodies before any bytes are fetched.
// secrets may arrive as a list of names or as the keys of a mapping; both
// shapes are accepted.
const executeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["skill_id", "skill_url"],
	"properties": {
		"skill_id": {"type": "string", "minLength": 1},
		"skill_url": {"type": "string", "minLength": 1},
		"secrets": {
			"oneOf": [
				{"type": "array", "items": {"type": "string", "minLength": 1}},
				{"type": "object", "additionalProperties": {"type": "string"}}
			]
		},
		"args": {"type": "object", "additionalProperties": {"type": "string"}}
	},
	"additionalProperties": false
}`

var compiledExecuteSchema = mustCompileSchema("execute.schema.json", executeSchema)

func mustCompileSchema(name, body string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://sekisho.schemas.local/" + name
	if err := c.AddResource(url, strings.NewReader(body)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// executeRequest is the decoded submit body. Secrets stays raw until the
// list-or-map ambiguity is resolved.
type executeRequest struct {
	SkillID  string            `json:"skill_id"`
	SkillURL string            `json:"skill_url"`
	Secrets  json.RawMessage   `json:"secrets"`
	Args     map[string]string `json:"args"`
}

// secretNames normalises the secrets field: a list keeps its declaration
// order, a mapping contributes its keys sorted.
func (e *executeRequest) secretNames() []string {
	if len(e.Secrets) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(e.Secrets, &list); err == nil {
		return list
	}

	var m map[string]string
	if err := json.Unmarshal(e.Secrets, &m); err != nil {
		return nil
	}
	for name := range m {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// newRequestID generates an opaque 128-bit hex identifier.
func newRequestID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// handleExecute ingests an execution request: validate, fetch, fingerprint,
// pin, persist pending, hand to the coordinator.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientAddr(r.RemoteAddr)) {
		writeError(w, http.StatusTooManyRequests, "rate-limited", "too many execution requests")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", "failed to read request body")
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", "body is not valid JSON")
		return
	}
	if err := compiledExecuteSchema.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", err.Error())
		return
	}

	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", err.Error())
		return
	}

	code, err := s.fetcher.Fetch(r.Context(), req.SkillURL)
	if err != nil {
		if errors.Is(err, skill.ErrUnsupportedScheme) {
			writeError(w, http.StatusBadRequest, "bad-request", err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "fetch-failed", err.Error())
		return
	}

	meta, err := skill.ParseMetadata(code)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad-metadata", err.Error())
		return
	}

	record := &store.Request{
		ID:          newRequestID(),
		Skill:       req.SkillID,
		Source:      req.SkillURL,
		Fingerprint: skill.Fingerprint(code),
		Secrets:     mergeSecretNames(meta.Secrets, req.secretNames()),
		Args:        req.Args,
		Network:     meta.Network,
		TimeoutSecs: meta.TimeoutSecs,
	}

	if err := s.store.CreateRequest(r.Context(), record); err != nil {
		slog.Error("failed to persist request", "request_id", record.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to persist request")
		return
	}
	if err := s.store.StoreCode(r.Context(), record.ID, code); err != nil {
		slog.Error("failed to pin code", "request_id", record.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to pin code")
		return
	}

	if err := s.coord.Submit(r.Context(), record); err != nil {
		// The row is durable; the operator prompt failed. The agent still
		// gets its id and can poll status.
		slog.Error("failed to submit request for approval", "request_id", record.ID, "err", err)
	}

	if err := s.store.WriteAudit(r.Context(), trace.FromContext(r.Context()),
		clientAddr(r.RemoteAddr), "request.submit", record.ID, "accepted",
		store.AuditPayload{"skill": record.Skill, "fingerprint": record.Fingerprint}, ""); err != nil {
		slog.Warn("failed to write ingress audit entry", "request_id", record.ID, "err", err)
	}

	slog.Info("execution request accepted",
		"request_id", record.ID, "skill", record.Skill, "fingerprint", record.Fingerprint)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": record.ID,
		"status":     string(store.StatePending),
	})
}

// mergeSecretNames unions the metadata-declared names with the ones in the
// submit body, preserving metadata declaration order.
func mergeSecretNames(declared, requested []string) []string {
	seen := make(map[string]bool, len(declared))
	out := append([]string(nil), declared...)
	for _, name := range declared {
		seen[name] = true
	}
	for _, name := range requested {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// statusResponse is the external-safe view of a request row. Secret names
// appear; values never exist on this surface.
type statusResponse struct {
	RequestID   string            `json:"request_id"`
	Skill       string            `json:"skill"`
	Source      string            `json:"source"`
	Fingerprint string            `json:"fingerprint"`
	State       string            `json:"state"`
	Secrets     []string          `json:"secrets"`
	Args        map[string]string `json:"args"`
	Network     []string          `json:"network"`
	TimeoutSecs int               `json:"timeout_secs"`
	CreatedAt   time.Time         `json:"created_at"`
	ApprovedAt  *time.Time        `json:"approved_at,omitempty"`
	ExecutedAt  *time.Time        `json:"executed_at,omitempty"`
	ExitCode    *int64            `json:"exit_code,omitempty"`
	Stdout      *string           `json:"stdout,omitempty"`
	Stderr      *string           `json:"stderr,omitempty"`
	DurationMS  *int64            `json:"duration_ms,omitempty"`
	FailureKind string            `json:"failure_kind,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not-found", "unknown request id")
			return
		}
		slog.Error("failed to load request", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load request")
		return
	}

	resp := statusResponse{
		RequestID:   req.ID,
		Skill:       req.Skill,
		Source:      req.Source,
		Fingerprint: req.Fingerprint,
		State:       string(req.State),
		Secrets:     req.Secrets,
		Args:        req.Args,
		Network:     req.Network,
		TimeoutSecs: req.TimeoutSecs,
		CreatedAt:   req.CreatedAt,
	}
	if req.ApprovedAt.Valid {
		resp.ApprovedAt = &req.ApprovedAt.Time
	}
	if req.ExecutedAt.Valid {
		resp.ExecutedAt = &req.ExecutedAt.Time
	}
	if req.ExitCode.Valid {
		resp.ExitCode = &req.ExitCode.Int64
	}
	// Captured streams may echo secrets the child received in its env.
	if req.Stdout.Valid {
		stdout := s.vault.Redact(req.Stdout.String)
		resp.Stdout = &stdout
	}
	if req.Stderr.Valid {
		stderr := s.vault.Redact(req.Stderr.String)
		resp.Stderr = &stderr
	}
	if req.DurationMS.Valid {
		resp.DurationMS = &req.DurationMS.Int64
	}
	if req.FailureKind.Valid {
		resp.FailureKind = req.FailureKind.String
	}

	writeJSON(w, http.StatusOK, resp)
}
