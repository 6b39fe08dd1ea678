package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstanton/muster/internal/fault"
)

func TestNew_SelectsByAgentType(t *testing.T) {
	b, err := New("shell", Options{})
	require.NoError(t, err)
	assert.Equal(t, "shell", b.Type())

	b, err = New("", Options{})
	require.NoError(t, err)
	assert.Equal(t, "claude", b.Type())

	_, err = New("cursor", Options{})
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
}

func TestShell_ExecuteCapturesOutput(t *testing.T) {
	b := NewShell()
	res, err := b.Execute(context.Background(), Request{
		Prompt:     "echo hello from shell",
		WorkingDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello from shell")
}

func TestShell_NonZeroExitIsResultNotError(t *testing.T) {
	b := NewShell()
	res, err := b.Execute(context.Background(), Request{
		Prompt:     "echo oops >&2; exit 3",
		WorkingDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "oops")
}

func TestShell_TimeoutBecomesFailedResult(t *testing.T) {
	b := NewShell()
	res, err := b.Execute(context.Background(), Request{
		Prompt:     "echo partial; sleep 5",
		WorkingDir: t.TempDir(),
		Timeout:    200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, exitTimedOut, res.ExitCode)
	assert.Contains(t, res.Stdout, "partial", "partial output is retained")
	assert.Contains(t, res.Stderr, "timed out")
}

func TestExecuteRaw(t *testing.T) {
	b := NewShell()
	res, err := b.ExecuteRaw(context.Background(), []string{"sh", "-c", "pwd"}, t.TempDir(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.NotEmpty(t, res.Stdout)
}
