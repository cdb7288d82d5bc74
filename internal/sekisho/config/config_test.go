package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validEnv sets the minimum environment a Load call needs to pass validation.
func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MATRIX_HOMESERVER", "https://matrix.example.com")
	t.Setenv("MATRIX_USER_ID", "@sekisho:example.com")
	t.Setenv("MATRIX_ACCESS_TOKEN", "syt_test")
	t.Setenv("MATRIX_ROOM_ID", "!ops:example.com")
	t.Setenv("MATRIX_OPERATOR_ID", "@alice:example.com")
	t.Setenv("SEKISHO_CONFIG", "")
}

func TestLoad_DefaultsWithEnv(t *testing.T) {
	validEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Addr != "127.0.0.1:8180" {
		t.Errorf("http addr: got %q", cfg.HTTP.Addr)
	}
	if cfg.Sandbox.Mode != ModeDirect {
		t.Errorf("sandbox mode: got %q, want direct", cfg.Sandbox.Mode)
	}
	if cfg.Janitor.Interval != time.Hour {
		t.Errorf("janitor interval: got %v, want 1h", cfg.Janitor.Interval)
	}
	if cfg.Janitor.Retention != 0 {
		t.Errorf("retention: got %v, want 0 (disabled)", cfg.Janitor.Retention)
	}
}

func TestLoad_YAMLFileThenEnvOverride(t *testing.T) {
	validEnv(t)

	path := filepath.Join(t.TempDir(), "sekisho.yaml")
	body := `
http:
  addr: "0.0.0.0:9999"
  rate_limit: 10
sandbox:
  mode: docker
  image: "busybox:1.36"
janitor:
  retention: 168h
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("SEKISHO_CONFIG", path)
	// Env beats file.
	t.Setenv("SEKISHO_HTTP_ADDR", "127.0.0.1:7777")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Addr != "127.0.0.1:7777" {
		t.Errorf("env override lost: got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.RateLimit != 10 {
		t.Errorf("file rate_limit lost: got %d", cfg.HTTP.RateLimit)
	}
	if cfg.Sandbox.Mode != ModeDocker || cfg.Sandbox.Image != "busybox:1.36" {
		t.Errorf("file sandbox config lost: %+v", cfg.Sandbox)
	}
	if cfg.Janitor.Retention != 168*time.Hour {
		t.Errorf("retention: got %v, want 168h", cfg.Janitor.Retention)
	}
}

func TestValidate_Rejections(t *testing.T) {
	base := func() *Config {
		cfg := defaults()
		cfg.Matrix = MatrixConfig{
			Homeserver:  "https://matrix.example.com",
			UserID:      "@sekisho:example.com",
			AccessToken: "syt_test",
			RoomID:      "!ops:example.com",
			OperatorID:  "@alice:example.com",
		}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing homeserver", func(c *Config) { c.Matrix.Homeserver = "" }, "homeserver"},
		{"bad user id", func(c *Config) { c.Matrix.UserID = "sekisho" }, "user_id"},
		{"bad room id", func(c *Config) { c.Matrix.RoomID = "ops" }, "room_id"},
		{"bad operator id", func(c *Config) { c.Matrix.OperatorID = "alice" }, "operator_id"},
		{"unknown mode", func(c *Config) { c.Sandbox.Mode = "chroot" }, "sandbox.mode"},
		{"direct without placeholder", func(c *Config) { c.Sandbox.Command = []string{"/bin/sh"} }, "{code}"},
		{"docker without image", func(c *Config) { c.Sandbox.Mode = ModeDocker; c.Sandbox.Image = " " }, "image"},
		{"negative rate limit", func(c *Config) { c.HTTP.RateLimit = -1 }, "rate_limit"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}

	if err := Validate(base()); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
