package backend

import (
	"context"
	"time"
)

// Shell interprets the prompt as a shell command line. Useful for scripted
// pipelines and for exercising the orchestration path without an agent.
type Shell struct{}

// NewShell returns a Shell backend.
func NewShell() *Shell { return &Shell{} }

func (b *Shell) Type() string { return "shell" }

func (b *Shell) Execute(ctx context.Context, req Request) (*Result, error) {
	return run(ctx, []string{"sh", "-c", req.Prompt}, req.WorkingDir, req.Env, req.Timeout)
}

func (b *Shell) ExecuteRaw(ctx context.Context, argv []string, dir string, env []string, timeout time.Duration) (*Result, error) {
	return run(ctx, argv, dir, env, timeout)
}
