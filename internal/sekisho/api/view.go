package api

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bdobrica/sekisho/internal/sekisho/skill"
	"github.com/bdobrica/sekisho/internal/sekisho/store"
)

// viewTemplate renders the code-review page the operator follows from the
// chat prompt. It serves the pinned bytes, so what the operator reads is
// exactly what the fingerprint covers.
var viewTemplate = template.Must(template.New("view").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>sekisho: {{.Skill}}</title>
<style>
body { font-family: sans-serif; max-width: 56rem; margin: 2rem auto; padding: 0 1rem; }
dt { font-weight: bold; margin-top: 0.5rem; }
pre { background: #f4f4f4; padding: 1rem; overflow-x: auto; }
code { word-break: break-all; }
</style>
</head>
<body>
<h1>{{.Skill}}</h1>
<dl>
<dt>Request</dt><dd><code>{{.RequestID}}</code></dd>
<dt>State</dt><dd>{{.State}}</dd>
<dt>Fingerprint (SHA-256)</dt><dd><code>{{.Fingerprint}}</code></dd>
{{if .Description}}<dt>Description</dt><dd>{{.Description}}</dd>{{end}}
<dt>Secrets</dt><dd>{{if .Secrets}}{{.Secrets}}{{else}}none{{end}}</dd>
<dt>Network</dt><dd>{{if .Network}}{{.Network}}{{else}}none{{end}}</dd>
<dt>Timeout</dt><dd>{{.TimeoutSecs}}s</dd>
</dl>
<h2>Code</h2>
<pre>{{.Code}}</pre>
</body>
</html>
`))

type viewData struct {
	RequestID   string
	Skill       string
	State       string
	Fingerprint string
	Description string
	Secrets     string
	Network     string
	TimeoutSecs int
	Code        string
}

// handleView serves the human-readable rendering of the stored code bytes.
// The bytes come from the store, never a re-fetch: a mid-review upstream
// change cannot deceive the operator.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		slog.Error("failed to load request for view", "request_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	code, err := s.store.LoadCode(r.Context(), id)
	if err != nil {
		slog.Error("failed to load pinned code for view", "request_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data := viewData{
		RequestID:   req.ID,
		Skill:       req.Skill,
		State:       string(req.State),
		Fingerprint: req.Fingerprint,
		Secrets:     strings.Join(req.Secrets, ", "),
		Network:     strings.Join(req.Network, ", "),
		TimeoutSecs: req.TimeoutSecs,
		Code:        string(code),
	}
	// The description lives only in the preamble; the row does not carry it.
	if meta, err := skill.ParseMetadata(code); err == nil {
		data.Description = meta.Description
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := viewTemplate.Execute(w, data); err != nil {
		slog.Warn("failed to render code view", "request_id", id, "err", err)
	}
}
