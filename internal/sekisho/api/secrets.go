package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bdobrica/sekisho/common/trace"
)

// putSecretRequest is the POST /secrets body. The value crosses this surface
// once, inbound; it is never readable back out.
type putSecretRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	var req putSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", "body is not valid JSON")
		return
	}
	if req.Name == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "bad-request", "name and value are required")
		return
	}

	if err := s.vault.Put(r.Context(), req.Name, []byte(req.Value)); err != nil {
		slog.Error("failed to store secret", "name", req.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to store secret")
		return
	}

	// Audit the write by name only; the value never reaches the log.
	if err := s.store.WriteAudit(r.Context(), trace.FromContext(r.Context()),
		clientAddr(r.RemoteAddr), "secret.add", req.Name, "success", nil, ""); err != nil {
		slog.Warn("failed to write secret audit entry", "name", req.Name, "err", err)
	}

	slog.Info("secret stored via api", "name", req.Name)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleListSecrets enumerates names only. There is no endpoint that reads a
// value back.
func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.vault.Names(r.Context())
	if err != nil {
		slog.Error("failed to list secret names", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list secrets")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"names": names})
}
