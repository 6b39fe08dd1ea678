package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/output"
	"github.com/mstanton/muster/internal/store"
)

var (
	statusStale bool
	statusTag   string
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session status dashboard",
	Long: `Show a cross-session status overview or detailed status for one session.

Without arguments, shows a summary table of all sessions.
With a session id, shows detailed status for that session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return sessionShowRun(args[0]) // reuse session show for detail
		}
		return statusOverviewRun()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusStale, "stale", false, "Show only stale sessions (no activity in 7+ days)")
	statusCmd.Flags().StringVar(&statusTag, "tag", "", "Filter by task tag")
	rootCmd.AddCommand(statusCmd)
}

func statusOverviewRun() error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	list, err := mgr.ListSessions(ctx, store.SessionFilter{Tag: statusTag})
	if err != nil {
		return err
	}

	if len(list) == 0 {
		ui.Info("No sessions. Use 'muster session create' to get started.")
		return nil
	}

	table := ui.Table([]string{"Session", "Task", "Status", "Progress", "Checkpoint", "Activity"})
	active, paused := 0, 0

	for _, s := range list {
		if statusStale && time.Since(s.LastActiveAt) < 7*24*time.Hour {
			continue
		}

		switch s.Status {
		case models.SessionStatusActive:
			active++
		case models.SessionStatusPaused:
			paused++
		}

		cpID := s.LastCheckpointID
		if cpID == "" {
			cpID = "-"
		}

		_ = table.Append([]string{
			output.Cyan(s.ID),
			s.TaskID,
			output.SessionColor(string(s.Status)),
			formatTaskCounts(s),
			cpID,
			timeAgo(s.LastActiveAt),
		})
	}

	_ = table.Render()
	fmt.Fprintf(ui.Out, "\n%d sessions (%s active, %s paused)\n",
		len(list), output.Green(strconv.Itoa(active)), output.Yellow(strconv.Itoa(paused)))
	return nil
}

// formatTaskCounts renders done/active/pending counts as "d/a/p".
func formatTaskCounts(s *models.SessionSummary) string {
	total := s.CompletedTasks + s.InProgressTasks + s.PendingTasks
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d/%d", s.CompletedTasks, s.InProgressTasks, s.PendingTasks)
}

// timeAgo renders a timestamp as a coarse relative duration.
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
