package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mstanton/muster/internal/api"
	"github.com/mstanton/muster/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the session API server.

By default it listens on port 8484. Use --port to change it. A PID file
guards against a second instance; 'muster serve stop' signals a running one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8484, "port to listen on")
	_ = viper.BindPFlag("api.port", serveCmd.Flags().Lookup("port"))
}

func pidFilePath() string {
	return filepath.Join(viper.GetString("state_dir"), "muster.pid")
}

func serveRun() error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	events, err := getEventLog()
	if err != nil {
		return err
	}

	pf := daemon.NewPIDFile(pidFilePath())
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	retention, err := time.ParseDuration(viper.GetString("progress.retention"))
	if err != nil {
		retention = 24 * time.Hour
	}
	stopSweeper := make(chan struct{})
	go tracker.RunSweeper(stopSweeper, time.Hour, retention)
	defer close(stopSweeper)

	srv := api.NewServer(mgr, tracker, events, logger)
	addr := fmt.Sprintf(":%d", viper.GetInt("api.port"))
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		ui.Info("Serving API at http://localhost%s", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	ui.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func serveStopRun() error {
	pf := daemon.NewPIDFile(pidFilePath())
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("No API server running.")
		return nil
	}

	if dryRun {
		ui.DryRunMsg("Would stop API server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	ui.Success("Sent shutdown signal to pid %d", pid)
	return nil
}
