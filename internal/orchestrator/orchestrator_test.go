package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstanton/muster/internal/fault"
	"github.com/mstanton/muster/internal/git"
	"github.com/mstanton/muster/internal/models"
)

type fakeGit struct {
	isRepo   bool
	cloneErr error
	fetchErr error

	cloned  bool
	fetched bool
}

func (g *fakeGit) IsRepo(ctx context.Context, path string) bool { return g.isRepo }
func (g *fakeGit) Clone(ctx context.Context, url, path string) error {
	g.cloned = true
	return g.cloneErr
}
func (g *fakeGit) Fetch(ctx context.Context, path string) error {
	g.fetched = true
	return g.fetchErr
}
func (g *fakeGit) CurrentBranch(ctx context.Context, path string) (string, error) {
	return "main", nil
}
func (g *fakeGit) Head(ctx context.Context, path string) (string, error) { return "", nil }
func (g *fakeGit) WorktreeAdd(ctx context.Context, repoPath, wtPath, newBranch, baseBranch string) error {
	return nil
}
func (g *fakeGit) WorktreeRemove(ctx context.Context, repoPath, wtPath string) error { return nil }
func (g *fakeGit) WorktreeList(ctx context.Context, repoPath string) ([]git.WorktreeInfo, error) {
	return nil, nil
}
func (g *fakeGit) StatusPorcelain(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}
func (g *fakeGit) StageAll(ctx context.Context, path string) error { return nil }
func (g *fakeGit) DiffCachedNames(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}
func (g *fakeGit) Commit(ctx context.Context, path, message string) (string, error) { return "", nil }
func (g *fakeGit) Push(ctx context.Context, path, remote, refspec string) error     { return nil }
func (g *fakeGit) DeleteRemoteBranch(ctx context.Context, path, remote, branch string) error {
	return nil
}

// fakeRunner executes tasks via a scripted function.
type fakeRunner struct {
	name    string
	initErr error
	init    func(ctx context.Context) error
	exec    func(task models.WorkerTask) (*models.WorkerResult, error)

	mu       sync.Mutex
	cleaned  int
	executed int
}

func (r *fakeRunner) Initialize(ctx context.Context) error {
	if r.init != nil {
		return r.init(ctx)
	}
	return r.initErr
}

func (r *fakeRunner) ExecuteTask(ctx context.Context, task models.WorkerTask) (*models.WorkerResult, error) {
	r.mu.Lock()
	r.executed++
	r.mu.Unlock()
	if r.exec != nil {
		return r.exec(task)
	}
	return &models.WorkerResult{TaskID: task.ID, Files: []string{"x.go"}, CommitSHA: "sha-" + r.name}, nil
}

func (r *fakeRunner) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned++
	return nil
}

func newTestOrch(t *testing.T, maxWorkers int) (*Orchestrator, map[string]*fakeRunner) {
	t.Helper()
	runners := map[string]*fakeRunner{}
	var mu sync.Mutex
	o := New(Config{
		RepoPath:   t.TempDir(),
		WorkDir:    t.TempDir(),
		BaseBranch: "main",
		MaxWorkers: maxWorkers,
	}, &fakeGit{isRepo: true}, nil, func(name string) Runner {
		mu.Lock()
		defer mu.Unlock()
		r := &fakeRunner{name: name}
		runners[name] = r
		return r
	}, nil)
	require.NoError(t, o.Initialize(context.Background()))
	return o, runners
}

func TestInitialize_CloneWhenAbsentFetchWhenPresent(t *testing.T) {
	g := &fakeGit{isRepo: false}
	o := New(Config{RepoURL: "git@example.com:o/r.git", RepoPath: t.TempDir()}, g, nil,
		func(name string) Runner { return &fakeRunner{} }, nil)
	require.NoError(t, o.Initialize(context.Background()))
	assert.True(t, g.cloned)

	// Idempotent: a second call touches nothing.
	g.cloned = false
	require.NoError(t, o.Initialize(context.Background()))
	assert.False(t, g.cloned)

	g2 := &fakeGit{isRepo: true}
	o2 := New(Config{RepoPath: t.TempDir()}, g2, nil,
		func(name string) Runner { return &fakeRunner{} }, nil)
	require.NoError(t, o2.Initialize(context.Background()))
	assert.True(t, g2.fetched)
}

func TestInitialize_FailureIsFatal(t *testing.T) {
	g := &fakeGit{isRepo: true, fetchErr: errors.New("remote unreachable")}
	o := New(Config{RepoPath: t.TempDir()}, g, nil,
		func(name string) Runner { return &fakeRunner{} }, nil)

	err := o.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))

	// No degraded mode: work is refused until initialization succeeds.
	err = o.CreateWorktree(context.Background(), "a")
	assert.True(t, fault.IsValidation(err))
}

func TestCreateWorktree_AdmissionControl(t *testing.T) {
	o, _ := newTestOrch(t, 2)
	ctx := context.Background()

	require.NoError(t, o.CreateWorktree(ctx, "a"))
	require.NoError(t, o.CreateWorktree(ctx, "b"))

	err := o.CreateWorktree(ctx, "a")
	assert.True(t, fault.IsValidation(err), "duplicate name rejected")

	err = o.CreateWorktree(ctx, "c")
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
	assert.Contains(t, err.Error(), "pool exhausted")

	// Releasing a slot lets the rejected worktree in.
	require.NoError(t, o.CleanupWorktree(ctx, "a"))
	require.NoError(t, o.CreateWorktree(ctx, "c"))
}

func TestCreateWorktree_InitFailureReleasesSlot(t *testing.T) {
	var calls int
	o := New(Config{RepoPath: t.TempDir(), MaxWorkers: 1}, &fakeGit{isRepo: true}, nil,
		func(name string) Runner {
			calls++
			if calls == 1 {
				return &fakeRunner{initErr: errors.New("disk full")}
			}
			return &fakeRunner{name: name}
		}, nil)
	require.NoError(t, o.Initialize(context.Background()))

	err := o.CreateWorktree(context.Background(), "a")
	require.Error(t, err)

	// The failed admission did not consume the only slot.
	require.NoError(t, o.CreateWorktree(context.Background(), "a"))
}

func TestExecuteInWorktree_NotFound(t *testing.T) {
	o, _ := newTestOrch(t, 2)
	_, err := o.ExecuteInWorktree(context.Background(), "ghost", models.WorkerTask{ID: "t1"})
	assert.True(t, fault.IsNotFound(err))
}

func TestExecuteInWorktree_UpdatesStatusAndSummary(t *testing.T) {
	o, _ := newTestOrch(t, 2)
	ctx := context.Background()
	require.NoError(t, o.CreateWorktree(ctx, "a"))

	res, err := o.ExecuteInWorktree(ctx, "a", models.WorkerTask{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "sha-a", res.CommitSHA)

	state, err := o.WorktreeStatus("a")
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeStatusCompleted, state.Status)
	assert.True(t, state.HasChanges)
	assert.Equal(t, "sha-a", state.LastCommitSHA)
}

func TestExecuteInWorktree_FailedResultMarksError(t *testing.T) {
	o, runners := newTestOrch(t, 2)
	ctx := context.Background()
	require.NoError(t, o.CreateWorktree(ctx, "a"))
	runners["a"].exec = func(task models.WorkerTask) (*models.WorkerResult, error) {
		return &models.WorkerResult{TaskID: task.ID, ExitCode: 1, Error: "boom"}, nil
	}

	res, err := o.ExecuteInWorktree(ctx, "a", models.WorkerTask{ID: "t1"})
	require.NoError(t, err)
	assert.True(t, res.Failed())

	state, _ := o.WorktreeStatus("a")
	assert.Equal(t, models.WorktreeStatusError, state.Status)
}

func TestExecuteInWorktree_RejectsSecondInFlightTask(t *testing.T) {
	o, runners := newTestOrch(t, 2)
	ctx := context.Background()
	require.NoError(t, o.CreateWorktree(ctx, "a"))

	started := make(chan struct{})
	release := make(chan struct{})
	runners["a"].exec = func(task models.WorkerTask) (*models.WorkerResult, error) {
		close(started)
		<-release
		return &models.WorkerResult{TaskID: task.ID}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.ExecuteInWorktree(ctx, "a", models.WorkerTask{ID: "t1"})
		done <- err
	}()
	<-started

	_, err := o.ExecuteInWorktree(ctx, "a", models.WorkerTask{ID: "t2"})
	assert.True(t, fault.IsValidation(err), "concurrent task on the same name is rejected, not queued")

	close(release)
	require.NoError(t, <-done)
}

func TestExecuteInWorktree_RejectsWhileInitializing(t *testing.T) {
	ctx := context.Background()
	initStarted := make(chan struct{})
	initRelease := make(chan struct{})
	o := New(Config{RepoPath: t.TempDir(), MaxWorkers: 2}, &fakeGit{isRepo: true}, nil,
		func(name string) Runner {
			return &fakeRunner{name: name, init: func(ctx context.Context) error {
				close(initStarted)
				<-initRelease
				return nil
			}}
		}, nil)
	require.NoError(t, o.Initialize(ctx))

	created := make(chan error, 1)
	go func() { created <- o.CreateWorktree(ctx, "a") }()
	<-initStarted

	// The slot is reserved but git setup has not finished: the name is
	// visible, so this must fail synchronously rather than dispatch.
	_, err := o.ExecuteInWorktree(ctx, "a", models.WorkerTask{ID: "t1"})
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
	assert.Contains(t, err.Error(), "still initializing")

	close(initRelease)
	require.NoError(t, <-created)

	res, err := o.ExecuteInWorktree(ctx, "a", models.WorkerTask{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", res.TaskID)
}

func TestExecuteInWorktree_PanicReleasesWorktree(t *testing.T) {
	o, runners := newTestOrch(t, 2)
	ctx := context.Background()
	require.NoError(t, o.CreateWorktree(ctx, "a"))

	var calls int
	runners["a"].exec = func(task models.WorkerTask) (*models.WorkerResult, error) {
		calls++
		if calls == 1 {
			panic("agent crashed")
		}
		return &models.WorkerResult{TaskID: task.ID}, nil
	}

	assert.Panics(t, func() {
		_, _ = o.ExecuteInWorktree(ctx, "a", models.WorkerTask{ID: "t1"})
	})

	state, err := o.WorktreeStatus("a")
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeStatusError, state.Status)

	// The in-flight flag was released, so a retry on the same name runs.
	res, err := o.ExecuteInWorktree(ctx, "a", models.WorkerTask{ID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, "t2", res.TaskID)
}

func TestExecuteParallelTasks_PreflightFailsFast(t *testing.T) {
	o, runners := newTestOrch(t, 2)
	ctx := context.Background()
	require.NoError(t, o.CreateWorktree(ctx, "a"))

	_, err := o.ExecuteParallelTasks(ctx, []Assignment{
		{Worktree: "a", Task: models.WorkerTask{ID: "t1"}},
		{Worktree: "missing", Task: models.WorkerTask{ID: "t2"}},
	})
	assert.True(t, fault.IsNotFound(err))
	assert.Zero(t, runners["a"].executed, "no partial dispatch")
}

func TestExecuteParallelTasks_OrderAndIsolation(t *testing.T) {
	o, runners := newTestOrch(t, 4)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, o.CreateWorktree(ctx, name))
	}

	// b fails with an error, c fails via exit code, a and d succeed. Delays
	// scramble completion order relative to input order.
	runners["a"].exec = func(task models.WorkerTask) (*models.WorkerResult, error) {
		time.Sleep(30 * time.Millisecond)
		return &models.WorkerResult{TaskID: task.ID}, nil
	}
	runners["b"].exec = func(task models.WorkerTask) (*models.WorkerResult, error) {
		return nil, errors.New("git exploded")
	}
	runners["c"].exec = func(task models.WorkerTask) (*models.WorkerResult, error) {
		time.Sleep(10 * time.Millisecond)
		return &models.WorkerResult{TaskID: task.ID, ExitCode: 3, Error: "agent failed"}, nil
	}

	results, err := o.ExecuteParallelTasks(ctx, []Assignment{
		{Worktree: "a", Task: models.WorkerTask{ID: "t1"}},
		{Worktree: "b", Task: models.WorkerTask{ID: "t2"}},
		{Worktree: "c", Task: models.WorkerTask{ID: "t3"}},
		{Worktree: "d", Task: models.WorkerTask{ID: "t4"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, id := range []string{"t1", "t2", "t3", "t4"} {
		assert.Equal(t, id, results[i].TaskID, "result order matches input order")
	}
	assert.Equal(t, 0, results[0].ExitCode)
	assert.Equal(t, 1, results[1].ExitCode, "runner error becomes a synthetic failure")
	assert.Contains(t, results[1].Error, "git exploded")
	assert.Equal(t, 3, results[2].ExitCode)
	assert.Equal(t, 0, results[3].ExitCode, "siblings unaffected by failures")
}

func TestExecuteParallelTasks_PanicBecomesSyntheticFailure(t *testing.T) {
	o, runners := newTestOrch(t, 2)
	ctx := context.Background()
	require.NoError(t, o.CreateWorktree(ctx, "a"))
	require.NoError(t, o.CreateWorktree(ctx, "b"))
	runners["a"].exec = func(task models.WorkerTask) (*models.WorkerResult, error) {
		panic("nil map write")
	}

	results, err := o.ExecuteParallelTasks(ctx, []Assignment{
		{Worktree: "a", Task: models.WorkerTask{ID: "t1"}},
		{Worktree: "b", Task: models.WorkerTask{ID: "t2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].ExitCode)
	assert.Contains(t, results[0].Error, "nil map write")
	assert.Equal(t, 0, results[1].ExitCode)
}

func TestCleanup_AggregatesAllOutcomes(t *testing.T) {
	o, runners := newTestOrch(t, 4)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, o.CreateWorktree(ctx, name))
	}

	report := o.Cleanup(ctx)
	assert.True(t, report.Ok())
	assert.Equal(t, []string{"a", "b", "c"}, report.Removed)
	for name, r := range runners {
		assert.Equal(t, 1, r.cleaned, "worker %s cleaned exactly once", name)
	}

	// Pool is empty afterwards.
	assert.Zero(t, o.GetStatistics().Total)

	// Cleaning an already-cleaned worktree does not error.
	require.NoError(t, o.CleanupWorktree(ctx, "a"))
}

func TestGetStatistics(t *testing.T) {
	o, runners := newTestOrch(t, 3)
	ctx := context.Background()
	require.NoError(t, o.CreateWorktree(ctx, "a"))
	require.NoError(t, o.CreateWorktree(ctx, "b"))

	stats := o.GetStatistics()
	assert.Equal(t, 3, stats.Capacity)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Idle)

	runners["a"].exec = func(task models.WorkerTask) (*models.WorkerResult, error) {
		return nil, fmt.Errorf("broken")
	}
	_, _ = o.ExecuteInWorktree(ctx, "a", models.WorkerTask{ID: "t1"})
	_, err := o.ExecuteInWorktree(ctx, "b", models.WorkerTask{ID: "t2"})
	require.NoError(t, err)

	stats = o.GetStatistics()
	assert.Equal(t, 1, stats.Errored)
	assert.Equal(t, 1, stats.Completed)
}

func TestWorktreeStatuses_SortedByName(t *testing.T) {
	o, _ := newTestOrch(t, 4)
	ctx := context.Background()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, o.CreateWorktree(ctx, name))
	}
	states := o.WorktreeStatuses()
	require.Len(t, states, 3)
	assert.Equal(t, "a", states[0].Name)
	assert.Equal(t, "b", states[1].Name)
	assert.Equal(t, "c", states[2].Name)
}
