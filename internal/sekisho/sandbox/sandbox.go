// Package sandbox defines the execution contract for skill code: what goes
// in (code bytes, secrets, args, limits), what comes out (captured streams,
// exit code, duration), and the environment rules every runner mode must
// honor. The two interchangeable modes live in sandbox/local and
// sandbox/docker.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Runner executes one skill invocation inside an isolation boundary.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// Spec is one sandbox invocation.
type Spec struct {
	// Code is the exact pinned bytes whose fingerprint the operator saw.
	Code []byte
	// Fingerprint names the code for file paths and logs.
	Fingerprint string
	// Secrets are injected into the child environment by name.
	Secrets map[string][]byte
	// Args are the invocation arguments, also injected as environment.
	Args map[string]string
	// Timeout is the wall-clock limit; DefaultTimeout applies when zero.
	Timeout time.Duration
	// Network is the declared host allow-list. Empty means no network.
	Network []string
}

// Result is the captured outcome of a sandbox run.
type Result struct {
	// Success means exit code 0 and no timeout.
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64
	TimedOut   bool
}

const (
	// DefaultTimeout applies when a spec declares no timeout.
	DefaultTimeout = 30 * time.Second

	// MaxCaptureBytes bounds each captured stream; longer output is cut
	// and marked.
	MaxCaptureBytes = 1 << 20 // 1 MiB

	// TimeoutExitCode is the sentinel exit code recorded on timeout.
	TimeoutExitCode = -1

	// TruncationMarker is appended to a stream that overflowed the capture
	// buffer.
	TruncationMarker = "...[truncated]"
)

// Contract environment variables a cooperating runtime reads.
const (
	EnvNetAllow    = "SANDBOX_NET_ALLOW"
	EnvTimeoutSecs = "SANDBOX_TIMEOUT_SECS"
	EnvScratchDir  = "SANDBOX_SCRATCH_DIR"
)

// BuildEnv assembles the child environment additively from an empty base:
// exactly {secrets ∪ args}, the contract variables, and the given minimal
// runtime variables. The parent process environment, which holds the
// broker's own chat credentials, is never consulted. Returned entries are
// sorted KEY=value strings.
func BuildEnv(spec Spec, runtimeVars map[string]string) []string {
	env := make(map[string]string, len(spec.Secrets)+len(spec.Args)+len(runtimeVars)+3)

	for k, v := range runtimeVars {
		env[k] = v
	}
	for k, v := range spec.Args {
		env[k] = v
	}
	// Secrets win over colliding arg names so a caller cannot shadow a
	// vault value with a plain argument.
	for k, v := range spec.Secrets {
		env[k] = string(v)
	}

	env[EnvNetAllow] = strings.Join(spec.Network, ",")
	env[EnvTimeoutSecs] = strconv.Itoa(int(spec.EffectiveTimeout().Seconds()))
	if _, ok := env[EnvScratchDir]; !ok {
		env[EnvScratchDir] = "/tmp"
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// EffectiveTimeout returns the declared timeout or the default.
func (s Spec) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// Truncate bounds a captured stream at MaxCaptureBytes, appending the
// truncation marker when anything was cut.
func Truncate(stream []byte) string {
	if len(stream) <= MaxCaptureBytes {
		return string(stream)
	}
	return string(stream[:MaxCaptureBytes]) + TruncationMarker
}
