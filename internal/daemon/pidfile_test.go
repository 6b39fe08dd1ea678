package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPIDFile(t *testing.T) *PIDFile {
	t.Helper()
	return NewPIDFile(filepath.Join(t.TempDir(), "muster.pid"))
}

func TestAcquireRelease(t *testing.T) {
	p := testPIDFile(t)
	require.NoError(t, p.Acquire())

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	pid, running := p.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	_, running = p.IsRunning()
	assert.False(t, running)

	// Releasing twice is fine.
	require.NoError(t, p.Release())
}

func TestAcquire_RefusesLiveProcess(t *testing.T) {
	p := testPIDFile(t)
	require.NoError(t, p.Acquire())

	err := p.Acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestAcquire_ReclaimsStaleFile(t *testing.T) {
	p := testPIDFile(t)
	// A PID that can't be a live process on any sane system.
	require.NoError(t, p.writePID(1<<30))

	require.NoError(t, p.Acquire())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRead_InvalidContent(t *testing.T) {
	p := testPIDFile(t)
	require.NoError(t, os.WriteFile(p.Path, []byte("not-a-pid\n"), 0o644))
	_, err := p.Read()
	assert.Error(t, err)
}
