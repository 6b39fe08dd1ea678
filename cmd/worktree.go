package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/output"
	"github.com/mstanton/muster/internal/provider"
	"github.com/mstanton/muster/internal/worker"
)

var (
	wtExecPrompt  string
	wtExecAgent   string
	wtExecTimeout time.Duration
	wtExecPR      bool
	wtExecIssue   int
	wtExecSession string
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage isolated agent worktrees",
	Long:    "Create, list, execute tasks in, and tear down pooled git worktrees.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun()
	},
}

var worktreeCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an isolated worktree on a fresh branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeCreateRun(args[0])
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List pooled worktrees and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun()
	},
}

var worktreeExecCmd = &cobra.Command{
	Use:   "exec <name> <task-id>",
	Short: "Execute one agent task in a worktree",
	Long: `Run a task in the named worktree: the agent executes the prompt, changes
are committed and pushed, and a pull request is opened when --pr is set.
Without --prompt, the prompt comes from the backlog item named by task-id.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeExecRun(args[0], args[1])
	},
}

var worktreeCleanupCmd = &cobra.Command{
	Use:   "cleanup [name]",
	Short: "Tear down one worktree, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		return worktreeCleanupRun(name)
	},
}

func init() {
	worktreeExecCmd.Flags().StringVar(&wtExecPrompt, "prompt", "", "Prompt override (default: backlog item prompt)")
	worktreeExecCmd.Flags().StringVar(&wtExecAgent, "agent", "", "Agent backend type (default: config agent.type)")
	worktreeExecCmd.Flags().DurationVar(&wtExecTimeout, "timeout", 0, "Task timeout (0 means backend default)")
	worktreeExecCmd.Flags().BoolVar(&wtExecPR, "pr", false, "Open a pull request when changes were produced")
	worktreeExecCmd.Flags().IntVar(&wtExecIssue, "issue", 0, "Tracker issue number to notify")
	worktreeExecCmd.Flags().StringVar(&wtExecSession, "session", "", "Session id to record progress under")

	worktreeCmd.AddCommand(worktreeCreateCmd)
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeExecCmd)
	worktreeCmd.AddCommand(worktreeCleanupCmd)
	rootCmd.AddCommand(worktreeCmd)
}

// worktreeProvider builds the backlog provider for orchestrator wiring.
func worktreeProvider() (provider.Provider, error) {
	idx, err := getStore()
	if err != nil {
		return nil, err
	}
	return provider.New(viper.GetString("provider"), idx)
}

func worktreeCreateRun(name string) error {
	prov, err := worktreeProvider()
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(prov, nil)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		ui.DryRunMsg("Would create worktree %s", name)
		return nil
	}

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("prepare base repository: %w", err)
	}

	ui.Info("Creating worktree %s...", output.Cyan(name))
	if err := orch.CreateWorktree(ctx, name); err != nil {
		return err
	}

	st, err := orch.WorktreeStatus(name)
	if err != nil {
		return err
	}
	ui.Success("Created worktree %s on branch %s", output.Cyan(name), output.Cyan(st.Branch))
	return nil
}

func worktreeListRun() error {
	prov, err := worktreeProvider()
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(prov, nil)
	if err != nil {
		return err
	}

	states := orch.WorktreeStatuses()
	if len(states) == 0 {
		ui.Info("No worktrees in the pool.")
		return nil
	}

	table := ui.Table([]string{"Worktree", "Branch", "Status", "Last Commit", "Updated"})
	for _, st := range states {
		sha := st.LastCommitSHA
		if len(sha) > 8 {
			sha = sha[:8]
		}
		if sha == "" {
			sha = "-"
		}
		_ = table.Append([]string{
			output.Cyan(st.Name),
			st.Branch,
			output.WorktreeColor(string(st.Status)),
			sha,
			timeAgo(st.LastUpdate),
		})
	}
	_ = table.Render()

	stats := orch.GetStatistics()
	fmt.Fprintf(ui.Out, "\n%d/%d slots used (%d working, %d idle)\n",
		stats.Total, stats.Capacity, stats.Working, stats.Idle)
	return nil
}

func worktreeExecRun(name, taskID string) error {
	prov, err := worktreeProvider()
	if err != nil {
		return err
	}

	var reporter *trackReporter
	if wtExecSession != "" {
		tr, err := getTracker()
		if err != nil {
			return err
		}
		reporter = &trackReporter{tracker: tr, sessionID: wtExecSession}
	}

	orch, err := newOrchestrator(prov, reporterOrNil(reporter))
	if err != nil {
		return err
	}
	ctx := context.Background()

	prompt := wtExecPrompt
	if prompt == "" {
		item, err := prov.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		prompt = item.Prompt
	}

	task := models.WorkerTask{
		ID:          taskID,
		Prompt:      prompt,
		AgentType:   wtExecAgent,
		Timeout:     wtExecTimeout,
		IssueNumber: wtExecIssue,
		CreatePR:    wtExecPR,
	}

	if dryRun {
		ui.DryRunMsg("Would run task %s in worktree %s", taskID, name)
		return nil
	}

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("prepare base repository: %w", err)
	}
	if _, err := orch.WorktreeStatus(name); err != nil {
		ui.Info("Creating worktree %s...", output.Cyan(name))
		if err := orch.CreateWorktree(ctx, name); err != nil {
			return err
		}
	}

	ui.Info("Running task %s in %s...", output.Cyan(taskID), output.Cyan(name))
	result, err := orch.ExecuteInWorktree(ctx, name, task)
	if reporter != nil {
		reporter.finishTask(task, result, err)
	}
	if err != nil {
		return err
	}

	printResult(result)
	if result.Failed() {
		return fmt.Errorf("task %s failed with exit code %d", taskID, result.ExitCode)
	}
	return nil
}

// reporterOrNil avoids handing a typed-nil reporter to the worker layer.
func reporterOrNil(r *trackReporter) worker.Reporter {
	if r == nil {
		return nil
	}
	return r
}

func printResult(res *models.WorkerResult) {
	switch {
	case res.Failed():
		ui.Error("Task %s failed (exit %d): %s", res.TaskID, res.ExitCode, res.Error)
	case res.Partial:
		ui.Warning("Task %s partially succeeded: %s", res.TaskID, res.PartialReason)
	default:
		ui.Success("Task %s completed in %s", res.TaskID, res.Duration.Round(time.Second))
	}
	if res.CommitSHA != "" {
		ui.Info("Commit %s on %s (%d files)", output.Cyan(shortSHA(res.CommitSHA)), res.Branch, len(res.Files))
	}
	if res.PullRequest != 0 {
		ui.Info("Pull request #%d: %s", res.PullRequest, res.PRURL)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func worktreeCleanupRun(name string) error {
	prov, err := worktreeProvider()
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(prov, nil)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		if name != "" {
			ui.DryRunMsg("Would remove worktree %s", name)
		} else {
			ui.DryRunMsg("Would remove all pooled worktrees")
		}
		return nil
	}

	if name != "" {
		if err := orch.CleanupWorktree(ctx, name); err != nil {
			return err
		}
		ui.Success("Removed worktree %s", output.Cyan(name))
		return nil
	}

	report := orch.Cleanup(ctx)
	for _, n := range report.Removed {
		ui.Success("Removed worktree %s", output.Cyan(n))
	}
	for n, msg := range report.Failed {
		ui.Error("Failed to remove %s: %s", n, msg)
	}
	if !report.Ok() {
		return fmt.Errorf("%d worktrees failed to clean up", len(report.Failed))
	}
	return nil
}
