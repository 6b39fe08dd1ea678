package backend

import (
	"context"
	"time"
)

// Claude runs the claude CLI in headless (-p) mode.
type Claude struct {
	binary       string
	model        string
	allowedTools string
}

// NewClaude returns a Claude backend with the given options.
func NewClaude(opts Options) *Claude {
	bin := opts.Binary
	if bin == "" {
		bin = "claude"
	}
	return &Claude{binary: bin, model: opts.Model, allowedTools: opts.AllowedTools}
}

func (b *Claude) Type() string { return "claude" }

func (b *Claude) Execute(ctx context.Context, req Request) (*Result, error) {
	argv := []string{b.binary, "-p", req.Prompt}
	if b.model != "" {
		argv = append(argv, "--model", b.model)
	}
	if b.allowedTools != "" {
		argv = append(argv, "--allowedTools", b.allowedTools)
	}
	switch req.Mode {
	case "", "default":
	case "plan":
		argv = append(argv, "--permission-mode", "plan")
	default:
		argv = append(argv, "--permission-mode", req.Mode)
	}
	return run(ctx, argv, req.WorkingDir, req.Env, req.Timeout)
}

func (b *Claude) ExecuteRaw(ctx context.Context, argv []string, dir string, env []string, timeout time.Duration) (*Result, error) {
	return run(ctx, argv, dir, env, timeout)
}
