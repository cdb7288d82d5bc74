// Package docker runs skill code in a per-invocation container via the
// Docker Engine API. Containerized mode is the default isolation boundary:
// bounded memory and CPU, a read-only root filesystem with a tmpfs scratch
// mount, and no network unless the skill declared an allow-list.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bdobrica/sekisho/internal/sekisho/sandbox"
)

const (
	labelManagedBy = "sekisho.managed-by"
	managedByValue = "sekisho"

	// codePath is where the pinned bytes land inside the container.
	codePath = "/opt/skill/code"
	// scratchPath is the only writable location in the container.
	scratchPath = "/scratch"

	// killGrace is how long removal waits after a timeout kill before
	// forcing.
	killGrace = 5 * time.Second
)

// Config holds the containerized runner knobs.
type Config struct {
	// Image is the container image skills run in. Required.
	Image string
	// Command is the argv run in the container; the {code} placeholder is
	// not used here — the code always lands at a fixed path. Empty means
	// ["/bin/sh", codePath].
	Command []string
	// MemoryBytes bounds container memory. Zero means DefaultMemoryBytes.
	MemoryBytes int64
	// NanoCPUs bounds CPU (1e9 = one CPU). Zero means DefaultNanoCPUs.
	NanoCPUs int64
}

// Deployment-knob defaults; finite per the executor contract.
const (
	DefaultMemoryBytes = 256 << 20 // 256 MiB
	DefaultNanoCPUs    = 500000000 // 0.5 CPU
	scratchTmpfsOpts   = "rw,size=64m,mode=1777"
)

// Runner executes skills in one container per invocation.
type Runner struct {
	client *dockerclient.Client
	config Config
}

// New creates a containerized runner. Uses the DOCKER_HOST env var or the
// default socket path.
func New(config Config) (*Runner, error) {
	if config.Image == "" {
		return nil, fmt.Errorf("sandbox image is required")
	}
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runner{client: cli, config: config}, nil
}

// Run creates a container, copies the pinned code in, starts it, waits up to
// the declared timeout, demuxes the captured streams, and force-removes the
// container whatever happened.
func (r *Runner) Run(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error) {
	timeout := spec.EffectiveTimeout()

	containerCfg := &container.Config{
		Image:      r.config.Image,
		Cmd:        r.command(),
		Env:        r.buildEnv(spec),
		WorkingDir: scratchPath,
		Labels:     map[string]string{labelManagedBy: managedByValue},
		// No declared hosts means the container gets no network at all.
		// A non-empty allow-list is handed to the runtime through the
		// SANDBOX_NET_ALLOW contract variable for enforcement.
		NetworkDisabled: len(spec.Network) == 0,
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{scratchPath: scratchTmpfsOpts},
		Resources:      r.resources(),
	}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("failed to create container: %w", err)
	}
	defer r.remove(resp.ID)

	codeTar, err := tarWithCode(spec.Code)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("failed to tar code: %w", err)
	}
	if err := r.client.CopyToContainer(ctx, resp.ID, "/", codeTar, container.CopyToContainerOptions{}); err != nil {
		return sandbox.Result{}, fmt.Errorf("failed to copy code into container: %w", err)
	}

	start := time.Now()
	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return sandbox.Result{}, fmt.Errorf("failed to start container: %w", err)
	}

	exitCode, timedOut, err := r.wait(ctx, resp.ID, timeout)
	if err != nil {
		return sandbox.Result{}, err
	}
	duration := time.Since(start)

	stdout, stderr, err := r.capture(ctx, resp.ID)
	if err != nil {
		// The run finished; losing the logs degrades the result, not the
		// transition.
		slog.Warn("failed to capture container logs", "container", resp.ID, "err", err)
	}

	res := sandbox.Result{
		ExitCode:   exitCode,
		Stdout:     sandbox.Truncate(stdout),
		Stderr:     sandbox.Truncate(stderr),
		DurationMS: duration.Milliseconds(),
		TimedOut:   timedOut,
	}
	if timedOut {
		res.ExitCode = sandbox.TimeoutExitCode
	}
	res.Success = !timedOut && exitCode == 0
	return res, nil
}

// wait blocks until the container exits or the wall-clock timeout passes, in
// which case the container is killed.
func (r *Runner) wait(ctx context.Context, containerID string, timeout time.Duration) (exitCode int, timedOut bool, err error) {
	waitCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-waitCh:
		return int(status.StatusCode), false, nil
	case werr := <-errCh:
		return 0, false, fmt.Errorf("failed to wait for container: %w", werr)
	case <-timer.C:
		if killErr := r.client.ContainerKill(ctx, containerID, "SIGKILL"); killErr != nil {
			slog.Warn("failed to kill timed-out container", "container", containerID, "err", killErr)
		}
		return sandbox.TimeoutExitCode, true, nil
	case <-ctx.Done():
		return 0, false, fmt.Errorf("sandbox wait cancelled: %w", ctx.Err())
	}
}

// capture demuxes the container's multiplexed log stream into stdout and
// stderr.
func (r *Runner) capture(ctx context.Context, containerID string) (stdout, stderr []byte, err error) {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var outBuf, errBuf bytes.Buffer
	// Bound the demux read a little past the capture cap; Truncate marks
	// the cut.
	limited := io.LimitReader(logs, 2*(sandbox.MaxCaptureBytes+1))
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, limited); err != nil {
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("failed to demux logs: %w", err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// remove force-removes the container. Best-effort cleanup on every exit path.
func (r *Runner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			slog.Warn("failed to remove container", "container", containerID, "err", err)
		}
	}
}

func (r *Runner) command() []string {
	if len(r.config.Command) > 0 {
		return r.config.Command
	}
	return []string{"/bin/sh", codePath}
}

func (r *Runner) buildEnv(spec sandbox.Spec) []string {
	return sandbox.BuildEnv(spec, map[string]string{
		"PATH":                "/usr/local/bin:/usr/bin:/bin",
		"HOME":                scratchPath,
		"TMPDIR":              scratchPath,
		sandbox.EnvScratchDir: scratchPath,
	})
}

func (r *Runner) resources() container.Resources {
	memory := r.config.MemoryBytes
	if memory <= 0 {
		memory = DefaultMemoryBytes
	}
	nanoCPUs := r.config.NanoCPUs
	if nanoCPUs <= 0 {
		nanoCPUs = DefaultNanoCPUs
	}
	return container.Resources{Memory: memory, NanoCPUs: nanoCPUs}
}

// tarWithCode builds an in-memory tar stream placing the code bytes at
// codePath, read/execute only.
func tarWithCode(code []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	dirs := []string{"opt/", "opt/skill/"}
	for _, dir := range dirs {
		if err := tw.WriteHeader(&tar.Header{
			Name:     dir,
			Typeflag: tar.TypeDir,
			Mode:     0o555,
		}); err != nil {
			return nil, err
		}
	}

	if err := tw.WriteHeader(&tar.Header{
		Name: "opt/skill/code",
		Mode: 0o555,
		Size: int64(len(code)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(code); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
