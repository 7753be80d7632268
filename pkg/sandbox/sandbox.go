// Package sandbox manages the isolated execution environments deployment
// phases run in. A sandbox is provisioned per action, receives the
// generated artifacts, executes provider commands while streaming their
// output, and is always torn down when the action finishes.
package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
)

// Spec describes the sandbox to provision for one deployment action.
type Spec struct {
	// ProjectID and ActionID identify the owner; they become labels on
	// the underlying container.
	ProjectID string
	ActionID  string

	// Image is the template image the sandbox boots from. It must carry
	// the toolchain the provider commands need.
	Image string

	// WorkDir is the absolute path inside the sandbox where artifacts
	// are staged and commands run.
	WorkDir string

	// Env is extra non-secret environment for every command, in
	// KEY=value form.
	Env []string
}

// Validate checks the spec before any resource is allocated.
func (s Spec) Validate() error {
	if s.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}
	if s.ActionID == "" {
		return fmt.Errorf("action id is required")
	}
	if s.Image == "" {
		return fmt.Errorf("image is required")
	}
	if !strings.HasPrefix(s.WorkDir, "/") {
		return fmt.Errorf("workdir must be an absolute path, got %q", s.WorkDir)
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("malformed environment entry %q", kv)
		}
	}
	return nil
}

// Command is one process to run inside a sandbox.
type Command struct {
	// Argv is the full argument vector; Argv[0] is the binary.
	Argv []string

	// Dir overrides the sandbox workdir for this command when set.
	Dir string

	// Env is additional environment for this command only. Secret
	// material is injected here and never persisted.
	Env []string
}

// Validate checks the command shape.
func (c Command) Validate() error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("command argv is empty")
	}
	if c.Argv[0] == "" {
		return fmt.Errorf("command binary is empty")
	}
	return nil
}

// OutputFunc receives one line of command output, tagged with the stream
// it came from. It is called from the sandbox's reader goroutines and
// must not block for long.
type OutputFunc func(stream stores.LogStream, line string)

// Handle is a live sandbox.
type Handle interface {
	// ID identifies the sandbox for logging and labels.
	ID() string

	// StageFiles writes the given files into the sandbox workdir. Paths
	// are relative to the workdir.
	StageFiles(ctx context.Context, files map[string][]byte) error

	// Run executes a command and streams its output line by line. It
	// returns the process exit code once the command finishes, or an
	// error when the command could not run or the context ended.
	Run(ctx context.Context, cmd Command, out OutputFunc) (int, error)

	// Destroy tears the sandbox down. It is idempotent: concurrent and
	// repeated calls perform the teardown once and share its result.
	// Destroy must succeed even when the provisioning context is gone.
	Destroy(ctx context.Context) error
}

// Manager provisions sandboxes.
type Manager interface {
	Provision(ctx context.Context, spec Spec) (Handle, error)
}
