package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadRunPlan_Valid(t *testing.T) {
	path := writePlan(t, `
tasks:
  - id: T1
    worktree: alpha
    prompt: "add retry logic"
    timeout: 5m
    create_pr: true
  - id: T2
    worktree: beta
    prompt: "fix flaky test"
    labels: [bug, ci]
`)

	plan, err := loadRunPlan(path)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)

	assert.Equal(t, "T1", plan.Tasks[0].ID)
	assert.Equal(t, "alpha", plan.Tasks[0].Worktree)
	timeout, err := plan.Tasks[0].timeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, timeout)
	assert.True(t, plan.Tasks[0].CreatePR)
	assert.Equal(t, []string{"bug", "ci"}, plan.Tasks[1].Labels)
}

func TestLoadRunPlan_InvalidTimeout(t *testing.T) {
	path := writePlan(t, `
tasks:
  - id: T1
    worktree: alpha
    prompt: one
    timeout: soon
`)

	_, err := loadRunPlan(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timeout")
}

func TestLoadRunPlan_RequiredFields(t *testing.T) {
	path := writePlan(t, `
tasks:
  - id: T1
    worktree: alpha
`)

	_, err := loadRunPlan(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestLoadRunPlan_DuplicateWorktree(t *testing.T) {
	path := writePlan(t, `
tasks:
  - id: T1
    worktree: alpha
    prompt: one
  - id: T2
    worktree: alpha
    prompt: two
`)

	_, err := loadRunPlan(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one task")
}

func TestLoadRunPlan_Empty(t *testing.T) {
	path := writePlan(t, "tasks: []\n")

	_, err := loadRunPlan(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tasks")
}

func TestLoadRunPlan_MissingFile(t *testing.T) {
	_, err := loadRunPlan(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestTimeAgo(t *testing.T) {
	assert.Equal(t, "n/a", timeAgo(time.Time{}))
	assert.Equal(t, "just now", timeAgo(time.Now()))
	assert.Equal(t, "5m ago", timeAgo(time.Now().Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", timeAgo(time.Now().Add(-3*time.Hour)))
	assert.Equal(t, "2d ago", timeAgo(time.Now().Add(-49*time.Hour)))
}
