// Package config assembles the broker's runtime configuration. Precedence:
// built-in defaults, then the optional YAML file named by SEKISHO_CONFIG,
// then individual environment variables. Validate catches a broken setup at
// startup instead of at first use.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/sekisho/common/environment"
)

// Sandbox modes.
const (
	ModeDirect = "direct"
	ModeDocker = "docker"
)

// Config is the full broker configuration.
type Config struct {
	HTTP     HTTPConfig    `yaml:"http"`
	Database Database      `yaml:"database"`
	Matrix   MatrixConfig  `yaml:"matrix"`
	Sandbox  SandboxConfig `yaml:"sandbox"`
	Notify   NotifyConfig  `yaml:"notify"`
	Janitor  JanitorConfig `yaml:"janitor"`

	// MasterKey is the decoded at-rest sealing key. Loaded from
	// SEKISHO_MASTER_KEY only, never from the YAML file; nil disables
	// sealing.
	MasterKey []byte `yaml:"-"`
}

// HTTPConfig configures the ingress API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// ViewBaseURL is the externally reachable base for code-view links in
	// chat prompts.
	ViewBaseURL string `yaml:"view_base_url"`
	// RateLimit is the POST /execute budget per remote address per minute.
	RateLimit int `yaml:"rate_limit"`
}

// Database configures the SQLite store.
type Database struct {
	Path string `yaml:"path"`
}

// MatrixConfig configures the operator chat binding.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
	OperatorID  string `yaml:"operator_id"`
}

// SandboxConfig selects and parameterizes the execution mode.
type SandboxConfig struct {
	// Mode is "direct" (os/exec) or "docker" (per-invocation container).
	Mode string `yaml:"mode"`
	// Command is the direct-mode argv template; "{code}" is replaced with
	// the code file path.
	Command []string `yaml:"command"`
	// Image is the docker-mode container image.
	Image string `yaml:"image"`
}

// NotifyConfig configures the terminal-state notification emitter.
type NotifyConfig struct {
	SinkURL string `yaml:"sink_url"`
	File    string `yaml:"file"`
}

// JanitorConfig configures the background sweep.
type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Retention prunes terminal requests older than this. Zero keeps rows
	// forever.
	Retention time.Duration `yaml:"retention"`
}

// Load builds the configuration from defaults, the optional YAML file, and
// environment overrides, then validates it. The master key is attached by
// the caller (it needs error handling Load cannot decide on).
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("SEKISHO_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:        "127.0.0.1:8180",
			ViewBaseURL: "http://127.0.0.1:8180",
			RateLimit:   60,
		},
		Database: Database{Path: "./sekisho.db"},
		Sandbox: SandboxConfig{
			Mode:    ModeDirect,
			Command: []string{"/bin/sh", "{code}"},
			Image:   "alpine:3.20",
		},
		Notify: NotifyConfig{File: "./sekisho-notifications.log"},
		Janitor: JanitorConfig{
			Interval: time.Hour,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = environment.StringOr("SEKISHO_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ViewBaseURL = environment.StringOr("SEKISHO_VIEW_BASE_URL", cfg.HTTP.ViewBaseURL)
	cfg.HTTP.RateLimit = environment.IntOr("SEKISHO_RATE_LIMIT", cfg.HTTP.RateLimit)

	cfg.Database.Path = environment.StringOr("SEKISHO_DATABASE_PATH", cfg.Database.Path)

	cfg.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", cfg.Matrix.UserID)
	cfg.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", cfg.Matrix.AccessToken)
	cfg.Matrix.RoomID = environment.StringOr("MATRIX_ROOM_ID", cfg.Matrix.RoomID)
	cfg.Matrix.OperatorID = environment.StringOr("MATRIX_OPERATOR_ID", cfg.Matrix.OperatorID)

	cfg.Sandbox.Mode = environment.StringOr("SEKISHO_SANDBOX_MODE", cfg.Sandbox.Mode)
	cfg.Sandbox.Command = environment.StringSliceOr("SEKISHO_SANDBOX_COMMAND", cfg.Sandbox.Command)
	cfg.Sandbox.Image = environment.StringOr("SEKISHO_SANDBOX_IMAGE", cfg.Sandbox.Image)

	cfg.Notify.SinkURL = environment.StringOr("SEKISHO_NOTIFY_URL", cfg.Notify.SinkURL)
	cfg.Notify.File = environment.StringOr("SEKISHO_NOTIFY_FILE", cfg.Notify.File)

	cfg.Janitor.Interval = environment.DurationOr("SEKISHO_JANITOR_INTERVAL", cfg.Janitor.Interval)
	cfg.Janitor.Retention = environment.DurationOr("SEKISHO_RETENTION", cfg.Janitor.Retention)
}

// Validate checks a Config for structural correctness. It returns the first
// validation error encountered, or nil if the config is valid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}

	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	if strings.TrimSpace(cfg.Database.Path) == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if cfg.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if !strings.HasPrefix(cfg.Matrix.UserID, "@") {
		return fmt.Errorf("matrix.user_id %q must start with '@'", cfg.Matrix.UserID)
	}
	if cfg.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if !strings.HasPrefix(cfg.Matrix.RoomID, "!") {
		return fmt.Errorf("matrix.room_id %q must start with '!'", cfg.Matrix.RoomID)
	}
	if !strings.HasPrefix(cfg.Matrix.OperatorID, "@") {
		return fmt.Errorf("matrix.operator_id %q must start with '@'", cfg.Matrix.OperatorID)
	}

	switch cfg.Sandbox.Mode {
	case ModeDirect:
		if len(cfg.Sandbox.Command) == 0 {
			return fmt.Errorf("sandbox.command must not be empty in direct mode")
		}
		var hasPlaceholder bool
		for _, arg := range cfg.Sandbox.Command {
			if strings.Contains(arg, "{code}") {
				hasPlaceholder = true
			}
		}
		if !hasPlaceholder {
			return fmt.Errorf("sandbox.command must contain the {code} placeholder")
		}
	case ModeDocker:
		if strings.TrimSpace(cfg.Sandbox.Image) == "" {
			return fmt.Errorf("sandbox.image must not be empty in docker mode")
		}
	default:
		return fmt.Errorf("sandbox.mode must be %q or %q, got %q", ModeDirect, ModeDocker, cfg.Sandbox.Mode)
	}

	if cfg.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit must be >= 0")
	}
	if cfg.Janitor.Interval < 0 || cfg.Janitor.Retention < 0 {
		return fmt.Errorf("janitor durations must be >= 0")
	}

	return nil
}
