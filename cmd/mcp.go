package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mstanton/muster/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client drive muster natively: create and pause sessions,
inspect progress, and restore checkpoints. Configure with:

  {
    "mcpServers": {
      "muster": { "command": "muster", "args": ["mcp"] }
    }
  }

Available tools: muster_list_sessions, muster_get_session,
muster_create_session, muster_pause_session, muster_resume_session,
muster_session_progress, muster_create_checkpoint,
muster_restore_checkpoint, muster_list_backlog`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getManager()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
		defer stop()

		srv := mcp.NewServer(mgr, tracker, index)
		return srv.ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
