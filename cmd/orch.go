package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/mstanton/muster/internal/backend"
	"github.com/mstanton/muster/internal/git"
	"github.com/mstanton/muster/internal/hosting"
	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/orchestrator"
	"github.com/mstanton/muster/internal/progress"
	"github.com/mstanton/muster/internal/provider"
	"github.com/mstanton/muster/internal/worker"
)

// newOrchestrator builds an orchestrator from config. reporter is optional;
// when set, step progress flows into the shared tracker.
func newOrchestrator(prov provider.Provider, reporter worker.Reporter) (*orchestrator.Orchestrator, error) {
	repoPath := viper.GetString("repo.path")
	if repoPath == "" {
		return nil, fmt.Errorf("repo.path is not configured (set it in config.yaml or MUSTER_REPO_PATH)")
	}
	workDir := viper.GetString("repo.work_dir")
	if workDir == "" {
		workDir = filepath.Join(viper.GetString("state_dir"), "worktrees")
	}

	cfg := orchestrator.Config{
		RepoURL:    viper.GetString("repo.url"),
		RepoPath:   repoPath,
		WorkDir:    workDir,
		BaseBranch: viper.GetString("repo.base_branch"),
		MaxWorkers: viper.GetInt("pool.max_workers"),
	}

	gc := git.NewClient()
	hc := hosting.NewClient()
	backends := func(agentType string) (backend.Backend, error) {
		return backend.New(agentType, backend.Options{
			Model:        viper.GetString("agent.model"),
			AllowedTools: viper.GetString("agent.allowed_tools"),
		})
	}

	makeWorker := func(name string) orchestrator.Runner {
		opts := []worker.Option{}
		if gen := newLLMClient(); gen != nil {
			opts = append(opts, worker.WithMessageGenerator(gen))
		}
		if reporter != nil {
			opts = append(opts, worker.WithReporter(reporter))
		}
		return worker.New(worker.Config{
			Name:       name,
			RepoPath:   cfg.RepoPath,
			WorkDir:    cfg.WorkDir,
			BaseBranch: cfg.BaseBranch,
		}, gc, hc, backends, logger, opts...)
	}

	return orchestrator.New(cfg, gc, prov, makeWorker, logger), nil
}

// trackReporter bridges worker step callbacks into the progress tracker,
// scoping every task to one session.
type trackReporter struct {
	tracker   *progress.Tracker
	sessionID string
}

func (r *trackReporter) ReportStep(taskID string, step, totalSteps int, message string) {
	if _, err := r.tracker.Get(r.sessionID, taskID); err != nil {
		if _, err := r.tracker.Initialize(r.sessionID, taskID, totalSteps); err != nil {
			return
		}
		status := models.TaskStatusInProgress
		_, _ = r.tracker.ApplyUpdate(r.sessionID, taskID, progress.Update{Status: &status})
	}
	s := step
	_, _ = r.tracker.ApplyUpdate(r.sessionID, taskID, progress.Update{Step: &s, LogLine: message})
}

// finishTask records the terminal outcome of a task in the tracker.
func (r *trackReporter) finishTask(task models.WorkerTask, res *models.WorkerResult, execErr error) {
	upd := progress.Update{}
	if task.IssueNumber != 0 {
		upd.Issues = []int{task.IssueNumber}
	}
	status := models.TaskStatusCompleted
	switch {
	case execErr != nil:
		status = models.TaskStatusFailed
		upd.Error = execErr.Error()
	case res != nil && res.Failed():
		status = models.TaskStatusFailed
		upd.Error = res.Error
	case res != nil:
		upd.Files = res.Files
		if res.CommitSHA != "" {
			upd.Commits = []string{res.CommitSHA}
		}
		if res.PullRequest != 0 {
			upd.PullReqs = []int{res.PullRequest}
		}
	}
	upd.Status = &status
	_, _ = r.tracker.ApplyUpdate(r.sessionID, task.ID, upd)
}
