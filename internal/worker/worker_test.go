package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstanton/muster/internal/backend"
	"github.com/mstanton/muster/internal/fault"
	"github.com/mstanton/muster/internal/git"
	"github.com/mstanton/muster/internal/hosting"
	"github.com/mstanton/muster/internal/models"
)

// fakeGit records calls and returns scripted results.
type fakeGit struct {
	statusFiles []string
	stagedFiles []string
	commitSHA   string
	addErr      error
	pushErr     error
	isRepo      bool

	added   bool
	removed bool
	pushed  string
	message string
}

func (g *fakeGit) IsRepo(ctx context.Context, path string) bool { return g.isRepo }
func (g *fakeGit) Clone(ctx context.Context, url, path string) error {
	return nil
}
func (g *fakeGit) Fetch(ctx context.Context, path string) error { return nil }
func (g *fakeGit) CurrentBranch(ctx context.Context, path string) (string, error) {
	return "main", nil
}
func (g *fakeGit) Head(ctx context.Context, path string) (string, error) {
	return g.commitSHA, nil
}
func (g *fakeGit) WorktreeAdd(ctx context.Context, repoPath, wtPath, newBranch, baseBranch string) error {
	g.added = true
	return g.addErr
}
func (g *fakeGit) WorktreeRemove(ctx context.Context, repoPath, wtPath string) error {
	g.removed = true
	return nil
}
func (g *fakeGit) WorktreeList(ctx context.Context, repoPath string) ([]git.WorktreeInfo, error) {
	return nil, nil
}
func (g *fakeGit) StatusPorcelain(ctx context.Context, path string) ([]string, error) {
	return g.statusFiles, nil
}
func (g *fakeGit) StageAll(ctx context.Context, path string) error { return nil }
func (g *fakeGit) DiffCachedNames(ctx context.Context, path string) ([]string, error) {
	return g.stagedFiles, nil
}
func (g *fakeGit) Commit(ctx context.Context, path, message string) (string, error) {
	g.message = message
	return g.commitSHA, nil
}
func (g *fakeGit) Push(ctx context.Context, path, remote, refspec string) error {
	g.pushed = refspec
	return g.pushErr
}
func (g *fakeGit) DeleteRemoteBranch(ctx context.Context, path, remote, branch string) error {
	return nil
}

type fakeHosting struct {
	pr     *hosting.PullRequest
	err    error
	exists bool

	created *hosting.PullRequestSpec
	checked []string
	deleted []string
}

func (h *fakeHosting) CreatePullRequest(ctx context.Context, repoDir string, spec hosting.PullRequestSpec) (*hosting.PullRequest, error) {
	h.created = &spec
	return h.pr, h.err
}
func (h *fakeHosting) BranchExists(ctx context.Context, repoDir, branch string) (bool, error) {
	h.checked = append(h.checked, branch)
	return h.exists, nil
}
func (h *fakeHosting) DeleteBranch(ctx context.Context, repoDir, branch string) error {
	h.deleted = append(h.deleted, branch)
	return nil
}

type fakeBackend struct {
	result *backend.Result
}

func (b *fakeBackend) Type() string { return "fake" }
func (b *fakeBackend) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	return b.result, nil
}
func (b *fakeBackend) ExecuteRaw(ctx context.Context, argv []string, dir string, env []string, timeout time.Duration) (*backend.Result, error) {
	return b.result, nil
}

func backendsFor(b backend.Backend) func(string) (backend.Backend, error) {
	return func(string) (backend.Backend, error) { return b, nil }
}

type fixture struct {
	git     *fakeGit
	hosting *fakeHosting
	backend *fakeBackend
	worker  *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := &fakeGit{
		isRepo:      true,
		statusFiles: []string{"a.go"},
		stagedFiles: []string{"a.go"},
		commitSHA:   "abc123",
	}
	h := &fakeHosting{pr: &hosting.PullRequest{Number: 7, URL: "https://github.com/o/r/pull/7"}}
	b := &fakeBackend{result: &backend.Result{ExitCode: 0, Stdout: "done"}}
	w := New(Config{
		Name:       "alpha",
		RepoPath:   t.TempDir(),
		WorkDir:    t.TempDir(),
		BaseBranch: "main",
	}, g, h, backendsFor(b), nil)
	return &fixture{git: g, hosting: h, backend: b, worker: w}
}

func TestInitialize_UniqueBranchAndStructuralCheck(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.worker.Initialize(context.Background()))
	assert.True(t, f.git.added)

	state := f.worker.State()
	assert.Contains(t, state.Branch, "muster/alpha-")
	assert.NotEmpty(t, state.Path)

	// Second initialize is rejected.
	err := f.worker.Initialize(context.Background())
	assert.True(t, fault.IsValidation(err))
}

func TestInitialize_FailsWhenNotARepo(t *testing.T) {
	f := newFixture(t)
	f.git.isRepo = false

	err := f.worker.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, f.git.removed, "half-initialized worktree is rolled back")

	_, err2 := f.worker.ExecuteTask(context.Background(), models.WorkerTask{ID: "t1"})
	assert.True(t, fault.IsValidation(err2), "uninitialized worker refuses tasks")
}

func TestExecuteTask_FullPipeline(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Initialize(context.Background()))

	res, err := f.worker.ExecuteTask(context.Background(), models.WorkerTask{
		ID:       "t1",
		Prompt:   "add a flag",
		CreatePR: true,
		Labels:   []string{"automated"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"a.go"}, res.Files)
	assert.Equal(t, "abc123", res.CommitSHA)
	assert.Equal(t, 7, res.PullRequest)
	assert.False(t, res.Partial)
	assert.Contains(t, f.git.message, "t1")
	require.NotNil(t, f.hosting.created)
	assert.Equal(t, []string{"automated"}, f.hosting.created.Labels)
	assert.Equal(t, "main", f.hosting.created.Base)
	assert.Contains(t, f.git.pushed, "HEAD:refs/heads/muster/alpha-", "pushes under a fresh remote name")
}

func TestExecuteTask_BackendFailureBecomesFailedResult(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Initialize(context.Background()))
	f.backend.result = &backend.Result{ExitCode: 2, Stderr: "agent crashed"}

	res, err := f.worker.ExecuteTask(context.Background(), models.WorkerTask{ID: "t1", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "agent crashed", res.Error)
	assert.Empty(t, res.CommitSHA)
	assert.Empty(t, res.Files)
}

func TestExecuteTask_NoChangesIsValidOutcome(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Initialize(context.Background()))
	f.git.statusFiles = nil
	f.git.stagedFiles = nil

	res, err := f.worker.ExecuteTask(context.Background(), models.WorkerTask{ID: "t1", Prompt: "noop", CreatePR: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Files)
	assert.Empty(t, res.CommitSHA)
	assert.Zero(t, res.PullRequest)
	assert.Nil(t, f.hosting.created, "no PR attempted without changes")
}

func TestExecuteTask_StagingRecheckCatchesLateChanges(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Initialize(context.Background()))
	// First status pass sees nothing; the post-staging diff does.
	f.git.statusFiles = nil
	f.git.stagedFiles = []string{"late.go"}

	res, err := f.worker.ExecuteTask(context.Background(), models.WorkerTask{ID: "t1", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"late.go"}, res.Files)
	assert.Equal(t, "abc123", res.CommitSHA)
}

func TestExecuteTask_PRFailureIsPartialSuccess(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Initialize(context.Background()))
	f.hosting.pr = nil
	f.hosting.err = errors.New("api rate limited")

	res, err := f.worker.ExecuteTask(context.Background(), models.WorkerTask{ID: "t1", Prompt: "x", CreatePR: true})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode, "task is not marked failed")
	assert.Equal(t, "abc123", res.CommitSHA, "commit survives PR failure")
	assert.True(t, res.Partial)
	assert.Contains(t, res.PartialReason, "rate limited")
	assert.Zero(t, res.PullRequest)
}

func TestExecuteTask_RemoteNameCollisionWidensSuffix(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Initialize(context.Background()))
	f.hosting.exists = true

	res, err := f.worker.ExecuteTask(context.Background(), models.WorkerTask{ID: "t1", Prompt: "x"})
	require.NoError(t, err)

	require.Len(t, f.hosting.checked, 1)
	assert.NotEqual(t, f.hosting.checked[0], res.Branch)
	assert.Contains(t, res.Branch, f.hosting.checked[0]+"-", "taken name gets a wider suffix")
	assert.Contains(t, f.git.pushed, res.Branch)
}

func TestCleanup_RemovesOrphanRemoteBranches(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Initialize(context.Background()))
	f.hosting.pr = nil
	f.hosting.err = errors.New("api rate limited")

	res, err := f.worker.ExecuteTask(context.Background(), models.WorkerTask{ID: "t1", Prompt: "x", CreatePR: true})
	require.NoError(t, err)
	require.True(t, res.Partial)

	require.NoError(t, f.worker.Cleanup(context.Background()))
	assert.Equal(t, []string{res.Branch}, f.hosting.deleted, "branch without a PR is dropped")
}

func TestCleanup_KeepsBranchesBehindPullRequests(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Initialize(context.Background()))

	res, err := f.worker.ExecuteTask(context.Background(), models.WorkerTask{ID: "t1", Prompt: "x", CreatePR: true})
	require.NoError(t, err)
	require.Equal(t, 7, res.PullRequest)

	require.NoError(t, f.worker.Cleanup(context.Background()))
	assert.Empty(t, f.hosting.deleted, "deleting the branch would close the PR")
}

func TestCleanup_Idempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Initialize(context.Background()))

	require.NoError(t, f.worker.Cleanup(context.Background()))
	assert.True(t, f.git.removed)

	// Cleaning an already torn-down worker is a no-op.
	f.git.removed = false
	require.NoError(t, f.worker.Cleanup(context.Background()))
	assert.False(t, f.git.removed)
}

type stepRecorder struct {
	steps []int
}

func (r *stepRecorder) ReportStep(taskID string, step, totalSteps int, message string) {
	r.steps = append(r.steps, step)
}

func TestExecuteTask_ReportsStepsInOrder(t *testing.T) {
	f := newFixture(t)
	rec := &stepRecorder{}
	w := New(Config{
		Name:       "beta",
		RepoPath:   t.TempDir(),
		WorkDir:    t.TempDir(),
		BaseBranch: "main",
	}, f.git, f.hosting, backendsFor(f.backend), nil, WithReporter(rec))
	require.NoError(t, w.Initialize(context.Background()))

	_, err := w.ExecuteTask(context.Background(), models.WorkerTask{ID: "t1", Prompt: "x", CreatePR: true})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, rec.steps)
}
