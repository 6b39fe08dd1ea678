package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/output"
	"github.com/mstanton/muster/internal/persist"
)

var (
	eventsFollow bool
	eventsType   string
	eventsLimit  int
	eventsSince  string
)

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Show a session's event stream",
	Long: `Print the append-only event stream for a session.

With --follow, keeps the stream open and prints new events as they are
appended, until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eventsRun(args[0])
	},
}

func init() {
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Stream new events as they arrive")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Filter by event type")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "Maximum events to print")
	eventsCmd.Flags().StringVar(&eventsSince, "since", "", "Only events at or after this RFC3339 time")
	rootCmd.AddCommand(eventsCmd)
}

func eventsRun(sessionID string) error {
	events, err := getEventLog()
	if err != nil {
		return err
	}

	if eventsFollow {
		ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
		defer stop()

		ch, err := events.Tail(ctx, sessionID)
		if err != nil {
			return err
		}
		for ev := range ch {
			printEvent(&ev)
		}
		return nil
	}

	filter := persist.ReadFilter{Limit: eventsLimit}
	if eventsType != "" {
		filter.Types = []models.EventType{models.EventType(eventsType)}
	}
	if eventsSince != "" {
		since, err := time.Parse(time.RFC3339, eventsSince)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		filter.Since = since
	}

	list, err := events.Read(sessionID, filter)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No events for %s", sessionID)
		return nil
	}
	for i := range list {
		printEvent(&list[i])
	}
	return nil
}

func printEvent(ev *models.SessionEvent) {
	ts := ev.Timestamp.Format("15:04:05")
	detail := ""
	switch {
	case ev.Lifecycle != nil:
		detail = string(ev.Lifecycle.Status)
		if ev.Lifecycle.Reason != "" {
			detail += ": " + ev.Lifecycle.Reason
		}
	case ev.Checkpoint != nil:
		detail = fmt.Sprintf("%s (%d done, %d active, %d pending)",
			ev.Checkpoint.CheckpointID,
			ev.Checkpoint.CompletedTasks, ev.Checkpoint.InProgressTasks, ev.Checkpoint.PendingTasks)
	case ev.Progress != nil:
		detail = fmt.Sprintf("%s step %d/%d %s",
			ev.Progress.TaskID, ev.Progress.CurrentStep, ev.Progress.TotalSteps,
			output.PercentColor(ev.Progress.PercentComplete))
		if ev.Progress.Message != "" {
			detail += " " + ev.Progress.Message
		}
	case ev.Worktree != nil:
		detail = fmt.Sprintf("%s %s", ev.Worktree.Worktree, ev.Worktree.Phase)
		if ev.Worktree.Detail != "" {
			detail += ": " + ev.Worktree.Detail
		}
	}
	fmt.Fprintf(ui.Out, "%s  %-6d %-22s %s\n", ts, ev.Seq, output.Cyan(string(ev.Type)), detail)
}
