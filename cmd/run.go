package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/orchestrator"
	"github.com/mstanton/muster/internal/output"
	"github.com/mstanton/muster/internal/worker"
)

var (
	runKeep    bool
	runSession string
)

// runPlan is the YAML shape of a batch run file.
type runPlan struct {
	Tasks []runTask `yaml:"tasks"`
}

type runTask struct {
	ID       string   `yaml:"id"`
	Worktree string   `yaml:"worktree"`
	Prompt   string   `yaml:"prompt"`
	Agent    string   `yaml:"agent,omitempty"`
	Timeout  string   `yaml:"timeout,omitempty"` // Go duration string, e.g. "5m"
	Labels   []string `yaml:"labels,omitempty"`
	Issue    int      `yaml:"issue,omitempty"`
	CreatePR bool     `yaml:"create_pr,omitempty"`
}

// timeoutDuration parses the task timeout, zero when unset.
func (t runTask) timeoutDuration() (time.Duration, error) {
	if t.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(t.Timeout)
}

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Run a batch of agent tasks in parallel worktrees",
	Long: `Run every task in the plan file concurrently, one isolated worktree per
task, bounded by the configured pool size. Worktrees are torn down after
the batch unless --keep is set.

Plan file format:

  tasks:
    - id: T1
      worktree: alpha
      prompt: "add retry logic to the fetcher"
      create_pr: true
    - id: T2
      worktree: beta
      prompt: "fix flaky watcher test"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatchRun(args[0])
	},
}

func init() {
	runCmd.Flags().BoolVar(&runKeep, "keep", false, "Keep worktrees after the batch finishes")
	runCmd.Flags().StringVar(&runSession, "session", "", "Session id to record progress and a final checkpoint under")
	rootCmd.AddCommand(runCmd)
}

func loadRunPlan(path string) (*runPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var plan runPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan file %s names no tasks", path)
	}
	seen := map[string]bool{}
	for i, t := range plan.Tasks {
		if t.ID == "" || t.Worktree == "" || t.Prompt == "" {
			return nil, fmt.Errorf("task %d: id, worktree, and prompt are required", i+1)
		}
		if seen[t.Worktree] {
			return nil, fmt.Errorf("worktree %s is assigned to more than one task", t.Worktree)
		}
		seen[t.Worktree] = true
		if _, err := t.timeoutDuration(); err != nil {
			return nil, fmt.Errorf("task %s: invalid timeout: %w", t.ID, err)
		}
	}
	return &plan, nil
}

func runBatchRun(path string) error {
	plan, err := loadRunPlan(path)
	if err != nil {
		return err
	}

	prov, err := worktreeProvider()
	if err != nil {
		return err
	}

	var reporter *trackReporter
	var rep worker.Reporter
	if runSession != "" {
		tr, err := getTracker()
		if err != nil {
			return err
		}
		reporter = &trackReporter{tracker: tr, sessionID: runSession}
		rep = reporter
	}

	orch, err := newOrchestrator(prov, rep)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		ui.DryRunMsg("Would run %d tasks across %d worktrees", len(plan.Tasks), len(plan.Tasks))
		return nil
	}

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("prepare base repository: %w", err)
	}

	assignments := make([]orchestrator.Assignment, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		ui.Info("Creating worktree %s...", output.Cyan(t.Worktree))
		if err := orch.CreateWorktree(ctx, t.Worktree); err != nil {
			return err
		}
		timeout, _ := t.timeoutDuration() // validated in loadRunPlan
		assignments = append(assignments, orchestrator.Assignment{
			Worktree: t.Worktree,
			Task: models.WorkerTask{
				ID:          t.ID,
				Prompt:      t.Prompt,
				AgentType:   t.Agent,
				Timeout:     timeout,
				Labels:      t.Labels,
				IssueNumber: t.Issue,
				CreatePR:    t.CreatePR,
			},
		})
	}

	ui.Info("Running %d tasks...", len(assignments))
	results, err := orch.ExecuteParallelTasks(ctx, assignments)
	if err != nil {
		return err
	}

	failed := 0
	for i, res := range results {
		if reporter != nil {
			// Results come back in assignment order.
			reporter.finishTask(assignments[i].Task, res, nil)
		}
		printResult(res)
		if res.Failed() {
			failed++
		}
	}

	if reporter != nil {
		mgr, err := getManager()
		if err == nil {
			if cp, cperr := mgr.CreateCheckpoint(ctx, runSession); cperr == nil {
				ui.Info("Checkpoint %s recorded for session %s", output.Cyan(cp.ID), runSession)
			} else {
				ui.Warning("Checkpoint failed: %v", cperr)
			}
		}
	}

	if !runKeep {
		report := orch.Cleanup(ctx)
		if !report.Ok() {
			for n, msg := range report.Failed {
				ui.Warning("Worktree %s not cleaned up: %s", n, msg)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(results))
	}
	ui.Success("All %d tasks completed", len(results))
	return nil
}
