package docker

import (
	"archive/tar"
	"io"
	"strings"
	"testing"

	"github.com/bdobrica/sekisho/internal/sekisho/sandbox"
)

// Tests here cover the pure helpers only; nothing talks to a Docker daemon.

func TestTarWithCode(t *testing.T) {
	code := []byte("#!/bin/sh\necho hi\n")
	rd, err := tarWithCode(code)
	if err != nil {
		t.Fatalf("tarWithCode: %v", err)
	}

	tr := tar.NewReader(rd)
	var got []byte
	var foundCode bool
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		if hdr.Name == "opt/skill/code" {
			foundCode = true
			if hdr.Mode != 0o555 {
				t.Errorf("code mode: got %o, want 555", hdr.Mode)
			}
			got, err = io.ReadAll(tr)
			if err != nil {
				t.Fatalf("tar read body: %v", err)
			}
		}
	}

	if !foundCode {
		t.Fatal("tar missing opt/skill/code entry")
	}
	if string(got) != string(code) {
		t.Errorf("code bytes: got %q, want %q", got, code)
	}
}

func TestBuildEnv_ContractVariables(t *testing.T) {
	r := &Runner{config: Config{Image: "alpine"}}
	env := r.buildEnv(sandbox.Spec{
		Secrets: map[string][]byte{"K": []byte("v")},
		Network: []string{"a.example.com", "b.example.com"},
	})

	joined := strings.Join(env, "\n")
	for _, want := range []string{
		"K=v",
		sandbox.EnvNetAllow + "=a.example.com,b.example.com",
		sandbox.EnvScratchDir + "=" + scratchPath,
		"HOME=" + scratchPath,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("env missing %q:\n%s", want, joined)
		}
	}
}

func TestResources_Defaults(t *testing.T) {
	r := &Runner{config: Config{Image: "alpine"}}
	res := r.resources()
	if res.Memory != DefaultMemoryBytes {
		t.Errorf("Memory: got %d, want %d", res.Memory, DefaultMemoryBytes)
	}
	if res.NanoCPUs != DefaultNanoCPUs {
		t.Errorf("NanoCPUs: got %d, want %d", res.NanoCPUs, DefaultNanoCPUs)
	}

	r.config.MemoryBytes = 64 << 20
	r.config.NanoCPUs = 1e9
	res = r.resources()
	if res.Memory != 64<<20 || res.NanoCPUs != 1e9 {
		t.Errorf("configured resources not honored: %+v", res)
	}
}

func TestCommand_Default(t *testing.T) {
	r := &Runner{config: Config{Image: "alpine"}}
	cmd := r.command()
	if len(cmd) != 2 || cmd[0] != "/bin/sh" || cmd[1] != codePath {
		t.Errorf("default command: got %v", cmd)
	}
}
