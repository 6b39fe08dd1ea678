package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/output"
	"github.com/mstanton/muster/internal/provider"
	"github.com/mstanton/muster/internal/sessions"
	"github.com/mstanton/muster/internal/store"
)

var (
	sessionCreateTask   string
	sessionCreateTitle  string
	sessionCreatePrompt string
	sessionCreateTag    string
	sessionListStatus   string
	sessionListTag      string
	sessionListLimit    int
	sessionFailReason   string
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Manage agent sessions",
	Long:    "Create, list, pause, resume, and recover checkpointed agent sessions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session bound to a backlog item",
	Long: `Create a new session. Bind it to an existing backlog item with --task,
or create a new item in one step with --title and --prompt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCreateRun()
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions, newest activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show full session state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Checkpoint and pause a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTransitionRun(args[0], "pause")
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTransitionRun(args[0], "resume")
	},
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Mark a session completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTransitionRun(args[0], "complete")
	},
}

var sessionFailCmd = &cobra.Command{
	Use:   "fail <session-id>",
	Short: "Mark a session failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionFailRun(args[0], sessionFailReason)
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:     "delete <session-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a session and all its owned state",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionDeleteRun(args[0])
	},
}

var sessionCheckpointCmd = &cobra.Command{
	Use:     "checkpoint <session-id>",
	Aliases: []string{"cp"},
	Short:   "Snapshot the session's task state into a new checkpoint",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCheckpointRun(args[0])
	},
}

var sessionCheckpointsCmd = &cobra.Command{
	Use:   "checkpoints <session-id>",
	Short: "List retained checkpoints for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCheckpointsRun(args[0])
	},
}

var sessionRestoreCmd = &cobra.Command{
	Use:   "restore <session-id> <checkpoint-id>",
	Short: "Restore a session to a retained checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRestoreRun(args[0], args[1])
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionCreateTask, "task", "", "Existing backlog item id to bind")
	sessionCreateCmd.Flags().StringVar(&sessionCreateTitle, "title", "", "Title for a new backlog item")
	sessionCreateCmd.Flags().StringVar(&sessionCreatePrompt, "prompt", "", "Agent prompt for a new backlog item")
	sessionCreateCmd.Flags().StringVar(&sessionCreateTag, "tag", "", "Task tag")

	sessionListCmd.Flags().StringVar(&sessionListStatus, "status", "", "Filter by status (active, paused, completed, failed)")
	sessionListCmd.Flags().StringVar(&sessionListTag, "tag", "", "Filter by task tag")
	sessionListCmd.Flags().IntVar(&sessionListLimit, "limit", 0, "Maximum rows to return")

	sessionFailCmd.Flags().StringVar(&sessionFailReason, "reason", "", "Failure reason to record")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionPauseCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionCompleteCmd)
	sessionCmd.AddCommand(sessionFailCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionCheckpointCmd)
	sessionCmd.AddCommand(sessionCheckpointsCmd)
	sessionCmd.AddCommand(sessionRestoreCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionCreateRun() error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	req := sessions.CreateSessionRequest{TaskID: sessionCreateTask, Tag: sessionCreateTag}
	if sessionCreateTitle != "" {
		req.NewTask = &provider.CreateTaskFields{
			Title:  sessionCreateTitle,
			Prompt: sessionCreatePrompt,
			Tag:    sessionCreateTag,
		}
	}

	if dryRun {
		if req.NewTask != nil {
			ui.DryRunMsg("Would create backlog item %q and a session bound to it", sessionCreateTitle)
		} else {
			ui.DryRunMsg("Would create session bound to task %s", sessionCreateTask)
		}
		return nil
	}

	sess, err := mgr.CreateSession(context.Background(), req)
	if err != nil {
		return err
	}

	ui.Success("Created session %s (task %s)", output.Cyan(sess.ID), sess.TaskID)
	ui.VerboseLog("workspace volume: %s", sess.Volumes.Workspace)
	return nil
}

func sessionListRun() error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	filter := store.SessionFilter{
		Status: models.SessionStatus(sessionListStatus),
		Tag:    sessionListTag,
		Limit:  sessionListLimit,
	}
	list, err := mgr.ListSessions(context.Background(), filter)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		ui.Info("No sessions. Use 'muster session create' to start one.")
		return nil
	}

	table := ui.Table([]string{"Session", "Task", "Status", "Done", "Active", "Pending", "Last Activity"})
	for _, s := range list {
		_ = table.Append([]string{
			output.Cyan(s.ID),
			s.TaskID,
			output.SessionColor(string(s.Status)),
			strconv.Itoa(s.CompletedTasks),
			strconv.Itoa(s.InProgressTasks),
			strconv.Itoa(s.PendingTasks),
			timeAgo(s.LastActiveAt),
		})
	}
	_ = table.Render()
	return nil
}

func sessionShowRun(id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	sess, err := mgr.GetSession(context.Background(), id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session:    %s\n", output.Cyan(sess.ID))
	fmt.Fprintf(ui.Out, "Task:       %s", sess.TaskID)
	if sess.TaskTag != "" {
		fmt.Fprintf(ui.Out, " [%s]", sess.TaskTag)
	}
	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "Provider:   %s\n", sess.Provider)
	fmt.Fprintf(ui.Out, "Status:     %s\n", output.SessionColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "Started:    %s\n", sess.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(ui.Out, "Last active: %s\n", timeAgo(sess.LastActiveAt))
	if sess.PausedAt != nil {
		fmt.Fprintf(ui.Out, "Paused:     %s\n", timeAgo(*sess.PausedAt))
	}
	if sess.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "Finished:   %s\n", sess.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if sess.FailureReason != "" {
		fmt.Fprintf(ui.Out, "Failure:    %s\n", output.Red(sess.FailureReason))
	}

	cp := sess.Checkpoint
	if cp != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "Checkpoint %s (%s)\n", cp.ID, timeAgo(cp.Timestamp))
		fmt.Fprintf(ui.Out, "  completed:   %d\n", len(cp.CompletedTasks))
		fmt.Fprintf(ui.Out, "  in progress: %d\n", len(cp.InProgressTasks))
		for _, ref := range cp.InProgressTasks {
			fmt.Fprintf(ui.Out, "    %s step %d/%d (%s)\n",
				ref.TaskID, ref.CurrentStep, ref.TotalSteps, output.PercentColor(ref.PercentComplete))
		}
		fmt.Fprintf(ui.Out, "  pending:     %d\n", len(cp.PendingTasks))
	}

	if len(sess.Worktrees) > 0 {
		fmt.Fprintf(ui.Out, "Worktrees:  %v\n", sess.Worktrees)
	}
	return nil
}

func sessionTransitionRun(id, verb string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would %s session %s", verb, id)
		return nil
	}

	ctx := context.Background()
	var sess *models.Session
	switch verb {
	case "pause":
		sess, err = mgr.PauseSession(ctx, id)
	case "resume":
		sess, err = mgr.ResumeSession(ctx, id)
	case "complete":
		sess, err = mgr.CompleteSession(ctx, id)
	}
	if err != nil {
		return err
	}

	ui.Success("Session %s is now %s", output.Cyan(sess.ID), output.SessionColor(string(sess.Status)))
	return nil
}

func sessionFailRun(id, reason string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would fail session %s", id)
		return nil
	}

	sess, err := mgr.FailSession(context.Background(), id, reason)
	if err != nil {
		return err
	}

	ui.Success("Session %s marked %s", output.Cyan(sess.ID), output.Red("failed"))
	return nil
}

func sessionDeleteRun(id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete session %s and its checkpoints and events", id)
		return nil
	}

	if err := mgr.DeleteSession(context.Background(), id); err != nil {
		return err
	}

	ui.Success("Deleted session %s", output.Cyan(id))
	return nil
}

func sessionCheckpointRun(id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would checkpoint session %s", id)
		return nil
	}

	cp, err := mgr.CreateCheckpoint(context.Background(), id)
	if err != nil {
		return err
	}

	ui.Success("Checkpoint %s created (%d done, %d active, %d pending)",
		output.Cyan(cp.ID), len(cp.CompletedTasks), len(cp.InProgressTasks), len(cp.PendingTasks))
	return nil
}

func sessionCheckpointsRun(id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	list, err := mgr.ListCheckpoints(context.Background(), id)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		ui.Info("No checkpoints for %s", id)
		return nil
	}

	table := ui.Table([]string{"Checkpoint", "Created", "Done", "Active", "Pending"})
	for _, cp := range list {
		_ = table.Append([]string{
			output.Cyan(cp.ID),
			timeAgo(cp.Timestamp),
			strconv.Itoa(len(cp.CompletedTasks)),
			strconv.Itoa(len(cp.InProgressTasks)),
			strconv.Itoa(len(cp.PendingTasks)),
		})
	}
	_ = table.Render()
	return nil
}

func sessionRestoreRun(id, checkpointID string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would restore session %s to checkpoint %s", id, checkpointID)
		return nil
	}

	sess, err := mgr.RestoreFromCheckpoint(context.Background(), id, checkpointID)
	if err != nil {
		return err
	}

	ui.Success("Restored session %s to checkpoint %s", output.Cyan(sess.ID), output.Cyan(checkpointID))
	return nil
}
