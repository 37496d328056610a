package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Loaded once in PersistentPreRunE, shared by every subcommand
	cfg    *config.Config
	logger *zap.Logger
)

// usageError marks errors caused by bad invocation rather than a failed
// operation. main exits 2 for these instead of 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "mnemo - persistent memory for coding agents",
	Long: `mnemo gives coding agents a memory that survives the session.

Guidelines, knowledge, tools and experiences live in a local SQLite
database, scoped along the session > project > org > global chain.
Conversations and episodes record what happened; capture classifies
free text into the right kind automatically.

Run 'mnemo serve' to expose the memory_* tools over MCP stdio.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return usageError{fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())}
		}
		return nil
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		// Category file logging is config-gated; losing it only costs
		// the debug trail, not the command.
		if err := logging.Initialize(config.HomeDir()); err != nil {
			logger.Warn("Debug logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $MNEMO_HOME/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	// Subcommand groups
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksCleanupCmd)
	consolidateCmd.AddCommand(consolidateSimilarCmd)
	consolidateCmd.AddCommand(consolidateCommunitiesCmd)

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(exportDPOCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reembedCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var uerr usageError
		if errors.As(err, &uerr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// noArgs and the arg-count wrappers classify arity mistakes as usage
// errors so they exit 2 like flag parse failures do.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

func maximumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func minimumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// signalContext derives a command context bounded by the timeout flag
// and cancelled on Ctrl+C.
func signalContext(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, d)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
