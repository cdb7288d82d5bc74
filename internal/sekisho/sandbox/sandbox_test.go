package sandbox

import (
	"bytes"
	"sort"
	"strings"
	"testing"
	"time"
)

func envMap(t *testing.T, entries []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			t.Fatalf("malformed env entry %q", e)
		}
		out[k] = v
	}
	return out
}

func TestBuildEnv_ExactKeySet(t *testing.T) {
	spec := Spec{
		Secrets: map[string][]byte{"API_KEY": []byte("s3cr3t")},
		Args:    map[string]string{"TARGET": "prod"},
		Network: []string{"api.example.com"},
		Timeout: 10 * time.Second,
	}
	runtimeVars := map[string]string{"PATH": "/usr/bin:/bin", "HOME": "/tmp"}

	env := envMap(t, BuildEnv(spec, runtimeVars))

	want := []string{"API_KEY", "TARGET", "PATH", "HOME", EnvNetAllow, EnvTimeoutSecs, EnvScratchDir}
	sort.Strings(want)
	var got []string
	for k := range env {
		got = append(got, k)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("env keys: got %v, want %v", got, want)
	}

	if env["API_KEY"] != "s3cr3t" {
		t.Errorf("API_KEY: got %q", env["API_KEY"])
	}
	if env[EnvNetAllow] != "api.example.com" {
		t.Errorf("%s: got %q", EnvNetAllow, env[EnvNetAllow])
	}
	if env[EnvTimeoutSecs] != "10" {
		t.Errorf("%s: got %q", EnvTimeoutSecs, env[EnvTimeoutSecs])
	}
}

func TestBuildEnv_NoParentLeakage(t *testing.T) {
	// Simulate a broker credential sitting in the parent environment; it
	// must never show up in the child env.
	t.Setenv("MATRIX_ACCESS_TOKEN", "syt_parent_credential")

	env := envMap(t, BuildEnv(Spec{}, nil))
	if _, leaked := env["MATRIX_ACCESS_TOKEN"]; leaked {
		t.Fatal("parent environment variable leaked into sandbox env")
	}
	for _, v := range env {
		if strings.Contains(v, "syt_parent_credential") {
			t.Fatal("parent credential value leaked into sandbox env")
		}
	}
}

func TestBuildEnv_SecretsWinOverArgs(t *testing.T) {
	spec := Spec{
		Secrets: map[string][]byte{"K": []byte("vault")},
		Args:    map[string]string{"K": "arg"},
	}
	env := envMap(t, BuildEnv(spec, nil))
	if env["K"] != "vault" {
		t.Errorf("colliding name: got %q, want vault value", env["K"])
	}
}

func TestBuildEnv_EmptyNetworkMeansNoHosts(t *testing.T) {
	env := envMap(t, BuildEnv(Spec{}, nil))
	if env[EnvNetAllow] != "" {
		t.Errorf("%s: got %q, want empty", EnvNetAllow, env[EnvNetAllow])
	}
}

func TestEffectiveTimeout(t *testing.T) {
	if got := (Spec{}).EffectiveTimeout(); got != DefaultTimeout {
		t.Errorf("default: got %v, want %v", got, DefaultTimeout)
	}
	if got := (Spec{Timeout: 5 * time.Second}).EffectiveTimeout(); got != 5*time.Second {
		t.Errorf("declared: got %v, want 5s", got)
	}
}

func TestTruncate(t *testing.T) {
	short := []byte("hello")
	if got := Truncate(short); got != "hello" {
		t.Errorf("short stream: got %q", got)
	}

	long := bytes.Repeat([]byte("x"), MaxCaptureBytes+100)
	got := Truncate(long)
	if len(got) != MaxCaptureBytes+len(TruncationMarker) {
		t.Errorf("truncated length: got %d, want %d", len(got), MaxCaptureBytes+len(TruncationMarker))
	}
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Error("truncated stream missing marker")
	}
}
