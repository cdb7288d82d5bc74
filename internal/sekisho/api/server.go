// Package api is the ingress surface: agents submit execution requests over
// HTTP and poll their status; operators follow the code-view link from the
// chat prompt. The API never decides anything — every submitted request lands
// in state pending and waits for the coordinator's operator dialogue.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/sekisho/common/trace"
	"github.com/bdobrica/sekisho/internal/sekisho/skill"
	"github.com/bdobrica/sekisho/internal/sekisho/store"
	"github.com/bdobrica/sekisho/internal/sekisho/vault"
)

// maxBodyBytes caps JSON request bodies. Skill code has its own cap in the
// fetcher; this one only bounds the envelope.
const maxBodyBytes = 1 << 20 // 1 MiB

// DefaultRateLimit is the per-address budget for POST /execute per minute.
const DefaultRateLimit = 60

// Submitter hands a freshly persisted pending request to the coordinator.
type Submitter interface {
	Submit(ctx context.Context, req *store.Request) error
}

// Config wires the server's collaborators.
type Config struct {
	Addr        string
	Store       *store.Store
	Vault       *vault.Vault
	Fetcher     *skill.Fetcher
	Coordinator Submitter
	// RateLimit is the POST /execute budget per remote address per minute.
	// Zero means DefaultRateLimit.
	RateLimit int
}

// Server exposes the ingress HTTP endpoints.
type Server struct {
	addr    string
	store   *store.Store
	vault   *vault.Vault
	fetcher *skill.Fetcher
	coord   Submitter
	limiter *rateLimiter

	mux    *http.ServeMux
	server *http.Server
}

// New creates and configures the server (does not start it).
func New(cfg Config) *Server {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}

	s := &Server{
		addr:    cfg.Addr,
		store:   cfg.Store,
		vault:   cfg.Vault,
		fetcher: cfg.Fetcher,
		coord:   cfg.Coordinator,
		limiter: newRateLimiter(limit, time.Minute),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /execute", s.handleExecute)
	s.mux.HandleFunc("GET /execute/{id}/status", s.handleStatus)
	s.mux.HandleFunc("GET /view/{id}", s.handleView)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /secrets", s.handlePutSecret)
	s.mux.HandleFunc("GET /secrets", s.handleListSecrets)
	return s
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener. Every request gets a trace ID, echoed in the
// X-Trace-Id response header.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := trace.GenerateID()
	w.Header().Set("X-Trace-Id", traceID)
	r = r.WithContext(trace.WithTraceID(r.Context(), traceID))
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("api server shutdown error", "err", err)
	}
}

// handleHealth responds with a simple ok JSON payload.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}

// errorResponse is the uniform error body: a stable machine-readable code
// plus a human-readable detail.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, code int, errCode, detail string) {
	writeJSON(w, code, errorResponse{Error: errCode, Detail: detail})
}
