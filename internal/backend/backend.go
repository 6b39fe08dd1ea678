// Package backend abstracts the agent execution sandbox. Each agent type is
// one Backend implementation selected by configuration; the backend owns its
// own process lifecycle while the worker owns the working directory.
package backend

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/mstanton/muster/internal/fault"
)

// Request describes one prompt execution.
type Request struct {
	Prompt     string
	Mode       string
	WorkingDir string
	Env        []string
	Timeout    time.Duration
}

// Result captures the outcome of an execution. A timed-out run is reported
// as a failed result with partial output, never left dangling.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Backend runs prompts and raw commands inside a working directory. It must
// tolerate repeated invocations against the same or different directories.
type Backend interface {
	Type() string
	Execute(ctx context.Context, req Request) (*Result, error)
	ExecuteRaw(ctx context.Context, argv []string, dir string, env []string, timeout time.Duration) (*Result, error)
}

// New selects a backend implementation by agent type.
func New(agentType string, opts Options) (Backend, error) {
	switch agentType {
	case "", "claude":
		return NewClaude(opts), nil
	case "shell":
		return NewShell(), nil
	default:
		return nil, fault.Validation("unknown agent type: %s", agentType)
	}
}

// Options carries backend configuration shared across agent types.
type Options struct {
	// Binary overrides the agent executable (default "claude").
	Binary string
	// Model is passed through to the agent when set.
	Model string
	// AllowedTools restricts the agent's tool surface when set.
	AllowedTools string
}

const exitTimedOut = 124

// run executes argv with a timeout, capturing output. Timeouts and spawn
// failures become non-zero exit codes so callers always get a result.
func run(ctx context.Context, argv []string, dir string, env []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, fault.Validation("empty command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	// Don't let orphaned grandchildren holding the output pipes stall Wait
	// past cancellation.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		return res, nil
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = exitTimedOut
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += "execution timed out"
		return res, nil
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fault.Transient(err, "spawn %s", argv[0])
	}
}
