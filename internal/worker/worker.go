// Package worker implements the per-worktree execution state machine:
// initialize an isolated working copy, run tasks through an agent backend,
// detect changes, commit, push, and open pull requests. A worker owns exactly
// one working copy for its lifetime and never runs two tasks concurrently.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mstanton/muster/internal/backend"
	"github.com/mstanton/muster/internal/fault"
	"github.com/mstanton/muster/internal/git"
	"github.com/mstanton/muster/internal/hosting"
	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/store"
)

type phase int

const (
	phaseUninitialized phase = iota
	phaseInitialized
	phaseWorking
	phaseIdle
	phaseTornDown
)

// MessageGenerator produces commit messages and PR bodies from task context.
// Implementations may call an LLM; failures fall back to templated text.
type MessageGenerator interface {
	CommitMessage(ctx context.Context, taskID, prompt string, files []string) (string, error)
	PRBody(ctx context.Context, taskID, prompt, branch string, files []string) (string, error)
}

// Reporter receives granular step progress during task execution.
type Reporter interface {
	ReportStep(taskID string, step, totalSteps int, message string)
}

// Config holds the immutable setup for one worker.
type Config struct {
	Name         string
	RepoPath     string // shared base clone the worktree hangs off
	WorkDir      string // parent directory for worktree checkouts
	BaseBranch   string
	Remote       string // defaults to "origin"
	BranchPrefix string // defaults to "muster"
}

// Worker owns one isolated working copy and executes tasks against it
// sequentially.
type Worker struct {
	cfg      Config
	git      git.Client
	hosting  hosting.Client
	backends func(agentType string) (backend.Backend, error)
	messages MessageGenerator // optional
	reporter Reporter         // optional
	logger   *slog.Logger

	mu     sync.Mutex
	phase  phase
	path   string
	branch string

	// orphanBranches holds remote branches pushed for a pull request that
	// never opened. Cleanup removes them best-effort.
	orphanBranches []string
}

// Option configures optional worker collaborators.
type Option func(*Worker)

// WithMessageGenerator enables LLM-generated commit messages and PR bodies.
func WithMessageGenerator(g MessageGenerator) Option {
	return func(w *Worker) { w.messages = g }
}

// WithReporter wires step progress reporting.
func WithReporter(r Reporter) Option {
	return func(w *Worker) { w.reporter = r }
}

// New creates a worker. Initialize must be called before ExecuteTask.
func New(cfg Config, gc git.Client, hc hosting.Client, backends func(string) (backend.Backend, error), logger *slog.Logger, opts ...Option) *Worker {
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "muster"
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		cfg:      cfg,
		git:      gc,
		hosting:  hc,
		backends: backends,
		logger:   logger.With("worktree", cfg.Name),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Initialize establishes the isolated working copy on a uniquely named
// branch. The branch carries a disambiguating suffix so repeated creation
// across retries or restarts never collides. Failure leaves the worker
// uninitialized and the filesystem clean.
func (w *Worker) Initialize(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase != phaseUninitialized {
		return fault.Validation("worktree %s already initialized", w.cfg.Name)
	}

	id := store.NewID()
	suffix := strings.ToLower(id[len(id)-6:])
	branch := fmt.Sprintf("%s/%s-%s", w.cfg.BranchPrefix, w.cfg.Name, suffix)
	path := filepath.Join(w.cfg.WorkDir, fmt.Sprintf("%s-%s", w.cfg.Name, suffix))

	if err := os.MkdirAll(w.cfg.WorkDir, 0755); err != nil {
		return fault.Transient(err, "create worktree parent directory")
	}
	if err := w.git.WorktreeAdd(ctx, w.cfg.RepoPath, path, branch, w.cfg.BaseBranch); err != nil {
		return fault.Transient(err, "add worktree %s", w.cfg.Name)
	}

	// Structural verification, not just a zero exit from worktree add.
	if !w.git.IsRepo(ctx, path) {
		_ = w.git.WorktreeRemove(ctx, w.cfg.RepoPath, path)
		_ = os.RemoveAll(path)
		return fault.Transient(nil, "worktree %s is not a usable git repository", w.cfg.Name)
	}

	w.path = path
	w.branch = branch
	w.phase = phaseInitialized
	w.logger.Info("worktree initialized", "path", path, "branch", branch)
	return nil
}

// Path returns the working copy location (empty before Initialize).
func (w *Worker) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// State snapshots the worker's worktree view.
func (w *Worker) State() models.WorktreeState {
	w.mu.Lock()
	defer w.mu.Unlock()
	status := models.WorktreeStatusIdle
	if w.phase == phaseWorking {
		status = models.WorktreeStatusWorking
	}
	return models.WorktreeState{
		Name:   w.cfg.Name,
		Path:   w.path,
		Branch: w.branch,
		Status: status,
	}
}

const totalSteps = 6

func (w *Worker) report(taskID string, step int, message string) {
	if w.reporter != nil {
		w.reporter.ReportStep(taskID, step, totalSteps, message)
	}
}

// ExecuteTask runs one task to completion: execute the prompt through the
// backend, detect changes, then commit, push, and open a PR when changes
// exist. Backend failure and zero-change success are both expressed in the
// result, not as errors; an error return means the worker itself was unusable.
func (w *Worker) ExecuteTask(ctx context.Context, task models.WorkerTask) (*models.WorkerResult, error) {
	w.mu.Lock()
	if w.phase != phaseInitialized && w.phase != phaseIdle {
		w.mu.Unlock()
		return nil, fault.Validation("worktree %s is not ready for tasks", w.cfg.Name)
	}
	w.phase = phaseWorking
	path, branch := w.path, w.branch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.phase == phaseWorking {
			w.phase = phaseIdle
		}
		w.mu.Unlock()
	}()

	start := time.Now()
	result := &models.WorkerResult{TaskID: task.ID, Branch: branch}

	be, err := w.backends(task.AgentType)
	if err != nil {
		return nil, err
	}

	w.report(task.ID, 1, "executing prompt")
	execRes, err := be.Execute(ctx, backend.Request{
		Prompt:     task.Prompt,
		Mode:       task.Mode,
		WorkingDir: path,
		Timeout:    task.Timeout,
	})
	if err != nil {
		return nil, err
	}
	result.Stdout = execRes.Stdout
	result.Stderr = execRes.Stderr

	if execRes.ExitCode != 0 {
		result.ExitCode = execRes.ExitCode
		result.Error = strings.TrimSpace(execRes.Stderr)
		result.Duration = time.Since(start)
		w.logger.Warn("backend execution failed", "task", task.ID, "exit_code", execRes.ExitCode)
		return result, nil
	}

	w.report(task.ID, 2, "detecting changes")
	files, err := w.git.StatusPorcelain(ctx, path)
	if err != nil {
		return nil, fault.Transient(err, "detect changes in %s", w.cfg.Name)
	}

	w.report(task.ID, 3, "staging changes")
	if err := w.git.StageAll(ctx, path); err != nil {
		return nil, fault.Transient(err, "stage changes in %s", w.cfg.Name)
	}
	// Re-check after staging: some backends touch the tree in ways the
	// first status pass does not observe.
	staged, err := w.git.DiffCachedNames(ctx, path)
	if err != nil {
		return nil, fault.Transient(err, "diff staged changes in %s", w.cfg.Name)
	}
	if len(staged) == 0 && len(files) == 0 {
		// Backend succeeded but produced no file changes. A valid,
		// non-error outcome with zero artifacts.
		result.Duration = time.Since(start)
		w.logger.Info("task produced no changes", "task", task.ID)
		return result, nil
	}
	if len(staged) > 0 {
		files = staged
	}
	result.Files = files

	w.report(task.ID, 4, "committing")
	message := w.commitMessage(ctx, task, files)
	sha, err := w.git.Commit(ctx, path, message)
	if err != nil {
		return nil, fault.Transient(err, "commit in %s", w.cfg.Name)
	}
	result.CommitSHA = sha

	w.report(task.ID, 5, "pushing branch")
	// Push under a fresh unique remote name so retries of the same logical
	// branch never collide. Two pushes within the same second land on the
	// same name, so widen the suffix when the remote already holds it.
	remoteBranch := fmt.Sprintf("%s-%d", branch, time.Now().Unix())
	if exists, err := w.hosting.BranchExists(ctx, path, remoteBranch); err == nil && exists {
		id := store.NewID()
		remoteBranch = fmt.Sprintf("%s-%s", remoteBranch, strings.ToLower(id[len(id)-6:]))
	}
	if err := w.git.Push(ctx, path, w.cfg.Remote, fmt.Sprintf("HEAD:refs/heads/%s", remoteBranch)); err != nil {
		return nil, fault.Transient(err, "push %s", remoteBranch)
	}
	result.Branch = remoteBranch

	if task.CreatePR {
		w.report(task.ID, 6, "creating pull request")
		pr, err := w.hosting.CreatePullRequest(ctx, path, hosting.PullRequestSpec{
			Title:  prTitle(task),
			Body:   w.prBody(ctx, task, remoteBranch, files),
			Base:   w.cfg.BaseBranch,
			Head:   remoteBranch,
			Labels: task.Labels,
		})
		if err != nil {
			// The commit and push stand; PR failure is a partial success,
			// never a rollback.
			result.Partial = true
			result.PartialReason = fmt.Sprintf("pull request creation failed: %v", err)
			w.mu.Lock()
			w.orphanBranches = append(w.orphanBranches, remoteBranch)
			w.mu.Unlock()
			w.logger.Warn("pull request creation failed", "task", task.ID, "error", err)
		} else {
			result.PullRequest = pr.Number
			result.PRURL = pr.URL
		}
	}

	result.Duration = time.Since(start)
	w.logger.Info("task completed", "task", task.ID, "commit", sha, "files", len(files), "partial", result.Partial)
	return result, nil
}

func (w *Worker) commitMessage(ctx context.Context, task models.WorkerTask, files []string) string {
	if w.messages != nil {
		if msg, err := w.messages.CommitMessage(ctx, task.ID, task.Prompt, files); err == nil {
			return msg
		}
	}
	summary := task.Prompt
	if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
		summary = summary[:idx]
	}
	if len(summary) > 60 {
		summary = summary[:60]
	}
	return fmt.Sprintf("task %s: %s", task.ID, strings.TrimSpace(summary))
}

func (w *Worker) prBody(ctx context.Context, task models.WorkerTask, branch string, files []string) string {
	if w.messages != nil {
		if body, err := w.messages.PRBody(ctx, task.ID, task.Prompt, branch, files); err == nil {
			return body
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Automated change for task %s.\n\n## Changes\n", task.ID)
	for _, f := range files {
		fmt.Fprintf(&sb, "- %s\n", f)
	}
	return sb.String()
}

func prTitle(task models.WorkerTask) string {
	title := task.Prompt
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > 72 {
		title = title[:72]
	}
	return fmt.Sprintf("[%s] %s", task.ID, strings.TrimSpace(title))
}

// Cleanup removes the isolated working copy. Best-effort: a missing path is
// not an error, and cleanup of an already torn-down worker is a no-op.
func (w *Worker) Cleanup(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase == phaseTornDown || w.path == "" {
		w.phase = phaseTornDown
		return nil
	}

	// A remote branch whose pull request never opened has nothing pointing
	// at it once the worktree goes away.
	for _, b := range w.orphanBranches {
		if err := w.hosting.DeleteBranch(ctx, w.path, b); err != nil {
			w.logger.Warn("orphan branch not removed", "branch", b, "error", err)
		}
	}
	w.orphanBranches = nil

	var firstErr error
	if err := w.git.WorktreeRemove(ctx, w.cfg.RepoPath, w.path); err != nil {
		firstErr = err
	}
	if err := os.RemoveAll(w.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	w.phase = phaseTornDown
	if firstErr != nil {
		w.logger.Warn("worktree cleanup incomplete", "error", firstErr)
		return fault.Transient(firstErr, "cleanup worktree %s", w.cfg.Name)
	}
	w.logger.Info("worktree removed", "path", w.path)
	return nil
}
