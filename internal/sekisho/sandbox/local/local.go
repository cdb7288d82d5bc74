// Package local runs skill code directly under os/exec. Direct mode is for
// deployments where the broker itself already sits inside an outer isolation
// boundary (e.g. a confidential VM); the environment and capture contract is
// identical to the containerized mode.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bdobrica/sekisho/internal/sekisho/sandbox"
)

// DefaultCommand interprets the code file with /bin/sh.
var DefaultCommand = []string{"/bin/sh", "{code}"}

// Runner executes skills as local subprocesses.
type Runner struct {
	// command is the argv template; the {code} placeholder is replaced by
	// the code file path.
	command []string
	// workDir is where per-invocation directories are created. Empty means
	// the system temp dir.
	workDir string
}

// New creates a direct-mode runner. command may be nil for DefaultCommand.
func New(command []string, workDir string) *Runner {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &Runner{command: command, workDir: workDir}
}

// Run persists the code to a per-invocation directory, launches the child
// with an additively built environment, enforces the wall-clock timeout, and
// captures bounded output. The code file is removed on exit, success or
// failure.
func (r *Runner) Run(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error) {
	dir, err := os.MkdirTemp(r.workDir, "sekisho-run-")
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("failed to create run dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Warn("failed to remove run dir", "dir", dir, "err", rmErr)
		}
	}()

	// Only the invoking user can traverse the run dir; the code file itself
	// is read/execute only.
	if err := os.Chmod(dir, 0o700); err != nil {
		return sandbox.Result{}, fmt.Errorf("failed to restrict run dir: %w", err)
	}

	codePath := filepath.Join(dir, codeFileName(spec.Fingerprint))
	if err := os.WriteFile(codePath, spec.Code, 0o500); err != nil {
		return sandbox.Result{}, fmt.Errorf("failed to write code file: %w", err)
	}

	scratch := filepath.Join(dir, "scratch")
	if err := os.Mkdir(scratch, 0o700); err != nil {
		return sandbox.Result{}, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	timeout := spec.EffectiveTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := expandCommand(r.command, codePath)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = scratch
	cmd.Env = sandbox.BuildEnv(spec, map[string]string{
		"PATH":                "/usr/local/bin:/usr/bin:/bin",
		"HOME":                scratch,
		"TMPDIR":              scratch,
		sandbox.EnvScratchDir: scratch,
	})

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Run the child in its own process group so a timeout kills the whole
	// tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := sandbox.Result{
		Stdout:     sandbox.Truncate(stdout.Bytes()),
		Stderr:     sandbox.Truncate(stderr.Bytes()),
		DurationMS: duration.Milliseconds(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = sandbox.TimeoutExitCode
		return res, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// The child never started: launch failure, not a skill failure.
		return sandbox.Result{}, fmt.Errorf("failed to launch sandbox: %w", runErr)
	}

	res.Success = true
	return res, nil
}

// codeFileName derives a stable file name from the fingerprint prefix.
func codeFileName(fingerprint string) string {
	if len(fingerprint) >= 16 {
		return "skill-" + fingerprint[:16]
	}
	return "skill-code"
}

func expandCommand(template []string, codePath string) []string {
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = strings.ReplaceAll(arg, "{code}", codePath)
	}
	return out
}
