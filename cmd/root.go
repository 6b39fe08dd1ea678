package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mstanton/muster/internal/output"
	"github.com/mstanton/muster/internal/persist"
	"github.com/mstanton/muster/internal/progress"
	"github.com/mstanton/muster/internal/provider"
	"github.com/mstanton/muster/internal/sessions"
	"github.com/mstanton/muster/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui      *output.UI
	logger  *slog.Logger
	index   store.Store
	manager *sessions.Manager
	tracker *progress.Tracker

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "muster",
	Short: "Muster - orchestrate parallel agent sessions across git worktrees",
	Long: `muster runs AI agent tasks in isolated git worktrees, bounded by a
worker pool, with checkpointed session state that survives restarts.
Sessions bind to backlog items; every task execution commits, pushes,
and optionally opens a pull request.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		// Fall back to help when no state exists yet.
		if err := statusOverviewRun(); err != nil {
			return cmd.Help()
		}
		return nil
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/muster/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "muster")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MUSTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "muster")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "muster.db"))
	viper.SetDefault("provider", "local")
	viper.SetDefault("repo.url", "")
	viper.SetDefault("repo.path", "")
	viper.SetDefault("repo.base_branch", "main")
	viper.SetDefault("repo.work_dir", "")
	viper.SetDefault("pool.max_workers", 4)
	viper.SetDefault("agent.type", "claude")
	viper.SetDefault("agent.model", "")
	viper.SetDefault("agent.allowed_tools", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("progress.retention", "24h")
	viper.SetDefault("api.port", 8484)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Store, event log, and session manager are initialized lazily so
	// config/version commands run without touching the state directory.
}

// getStore returns the shared index store, initializing it on first call.
func getStore() (store.Store, error) {
	if index != nil {
		return index, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	index = s
	return index, nil
}

// getManager builds the session manager and its persistence stack on first
// call: JSON state store, JSONL event log, SQLite index, backlog provider,
// and progress tracker.
func getManager() (*sessions.Manager, error) {
	if manager != nil {
		return manager, nil
	}

	idx, err := getStore()
	if err != nil {
		return nil, err
	}

	stateDir := viper.GetString("state_dir")
	state, err := persist.NewStateStore(filepath.Join(stateDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	events, err := persist.NewEventLog(filepath.Join(stateDir, "events"))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	prov, err := provider.New(viper.GetString("provider"), idx)
	if err != nil {
		return nil, err
	}

	tracker = progress.NewTracker(events, logger)
	manager = sessions.NewManager(state, events, idx, prov, logger,
		sessions.WithTracker(tracker))
	return manager, nil
}

// getTracker returns the shared progress tracker, building the manager stack
// if needed.
func getTracker() (*progress.Tracker, error) {
	if _, err := getManager(); err != nil {
		return nil, err
	}
	return tracker, nil
}

// getEventLog opens the shared JSONL event log.
func getEventLog() (*persist.EventLog, error) {
	stateDir := viper.GetString("state_dir")
	events, err := persist.NewEventLog(filepath.Join(stateDir, "events"))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return events, nil
}
