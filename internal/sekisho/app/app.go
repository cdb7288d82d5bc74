// Package app wires the broker together: store, vault, trust cache, chat
// binding, sandbox runner, coordinator, ingress API, notifier and janitor.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/sekisho/internal/sekisho/api"
	"github.com/bdobrica/sekisho/internal/sekisho/chat/matrix"
	"github.com/bdobrica/sekisho/internal/sekisho/config"
	"github.com/bdobrica/sekisho/internal/sekisho/coordinator"
	"github.com/bdobrica/sekisho/internal/sekisho/janitor"
	"github.com/bdobrica/sekisho/internal/sekisho/notify"
	"github.com/bdobrica/sekisho/internal/sekisho/sandbox"
	"github.com/bdobrica/sekisho/internal/sekisho/sandbox/docker"
	"github.com/bdobrica/sekisho/internal/sekisho/sandbox/local"
	"github.com/bdobrica/sekisho/internal/sekisho/skill"
	"github.com/bdobrica/sekisho/internal/sekisho/store"
	"github.com/bdobrica/sekisho/internal/sekisho/trust"
	"github.com/bdobrica/sekisho/internal/sekisho/vault"
)

// App is the assembled broker.
type App struct {
	cfg     *config.Config
	store   *store.Store
	chat    *matrix.Client
	coord   *coordinator.Coordinator
	server  *api.Server
	janitor *janitor.Janitor
}

// New builds every component and connects them. Nothing starts running until
// Run.
func New(cfg *config.Config) (*App, error) {
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	v, err := vault.New(context.Background(), st, cfg.MasterKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build vault: %w", err)
	}

	chatClient, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		RoomID:      cfg.Matrix.RoomID,
		OperatorID:  cfg.Matrix.OperatorID,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build matrix client: %w", err)
	}

	runner, err := buildRunner(cfg.Sandbox)
	if err != nil {
		st.Close()
		return nil, err
	}

	coord := coordinator.New(coordinator.Config{
		Store:       st,
		Trust:       trust.NewCache(st),
		Vault:       v,
		Runner:      runner,
		Channel:     chatClient,
		Notify:      notify.New(cfg.Notify.SinkURL, cfg.Notify.File),
		ViewBaseURL: cfg.HTTP.ViewBaseURL,
	})

	server := api.New(api.Config{
		Addr:        cfg.HTTP.Addr,
		Store:       st,
		Vault:       v,
		Fetcher:     skill.NewFetcher(0),
		Coordinator: coord,
		RateLimit:   cfg.HTTP.RateLimit,
	})

	return &App{
		cfg:     cfg,
		store:   st,
		chat:    chatClient,
		coord:   coord,
		server:  server,
		janitor: janitor.New(st, cfg.Janitor.Interval, cfg.Janitor.Retention),
	}, nil
}

func buildRunner(cfg config.SandboxConfig) (sandbox.Runner, error) {
	switch cfg.Mode {
	case config.ModeDocker:
		runner, err := docker.New(docker.Config{Image: cfg.Image})
		if err != nil {
			return nil, fmt.Errorf("failed to build docker runner: %w", err)
		}
		return runner, nil
	default:
		return local.New(cfg.Command, ""), nil
	}
}

// Run starts every component and blocks until SIGINT/SIGTERM or a fatal
// startup error. Shutdown order: ingress first, then chat, then the
// coordinator drains in-flight executions, then the store closes.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	if err := a.chat.Start(ctx); err != nil {
		a.server.Stop()
		return fmt.Errorf("failed to start chat binding: %w", err)
	}

	go a.janitor.Run(ctx)

	coordDone := make(chan struct{})
	go func() {
		a.coord.Run(ctx, a.chat.Events())
		close(coordDone)
	}()

	slog.Info("sekisho running",
		"http", a.cfg.HTTP.Addr,
		"room", a.cfg.Matrix.RoomID,
		"sandbox", a.cfg.Sandbox.Mode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	a.server.Stop()
	a.chat.Stop()
	cancel()
	<-coordDone

	return nil
}

// Stop releases resources not owned by Run.
func (a *App) Stop() {
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close store", "err", err)
	}
}
