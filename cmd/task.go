package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/output"
	"github.com/mstanton/muster/internal/store"
)

var (
	taskAddPrompt string
	taskAddDesc   string
	taskAddTag    string
	taskListState string
	taskListLimit int
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"t"},
	Short:   "Manage backlog items",
	Long:    "Add and list the backlog items sessions bind to.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a backlog item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAddRun(args[0])
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List backlog items",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

func init() {
	taskAddCmd.Flags().StringVar(&taskAddPrompt, "prompt", "", "Agent prompt for the item")
	taskAddCmd.Flags().StringVar(&taskAddDesc, "desc", "", "Longer description")
	taskAddCmd.Flags().StringVar(&taskAddTag, "tag", "", "Tag for grouping")

	taskListCmd.Flags().StringVar(&taskListState, "status", "", "Filter by status (open, in_progress, done, failed)")
	taskListCmd.Flags().IntVar(&taskListLimit, "limit", 50, "Maximum rows to return")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskAddRun(title string) error {
	idx, err := getStore()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would add backlog item %q", title)
		return nil
	}

	now := time.Now().UTC()
	item := &models.BacklogItem{
		ID:          store.NewID(),
		Title:       title,
		Description: taskAddDesc,
		Prompt:      taskAddPrompt,
		Tag:         taskAddTag,
		Status:      models.BacklogStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := idx.CreateBacklogItem(context.Background(), item); err != nil {
		return err
	}

	ui.Success("Added task %s: %s", output.Cyan(item.ID), title)
	return nil
}

func taskListRun() error {
	idx, err := getStore()
	if err != nil {
		return err
	}

	items, err := idx.ListBacklogItems(context.Background(), models.BacklogStatus(taskListState), taskListLimit)
	if err != nil {
		return err
	}

	if len(items) == 0 {
		ui.Info("No backlog items. Use 'muster task add <title>' to create one.")
		return nil
	}

	table := ui.Table([]string{"Task", "Title", "Tag", "Status", "Updated"})
	for _, item := range items {
		tag := item.Tag
		if tag == "" {
			tag = "-"
		}
		_ = table.Append([]string{
			output.Cyan(item.ID),
			item.Title,
			tag,
			string(item.Status),
			timeAgo(item.UpdatedAt),
		})
	}
	_ = table.Render()
	return nil
}
