// Package cmd wires the CLI: daemon control, task management, workflow
// inspection, the hidden per-task runner, and the status server.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cah/internal/config"
	"github.com/nextlevelbuilder/cah/internal/store"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/cah/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	dataDir string
	verbose bool
)

// errUsage marks user errors; errCancelled marks interrupted or cancelled
// runs. Execute maps them to distinct exit codes.
var (
	errUsage     = errors.New("usage error")
	errCancelled = errors.New("cancelled")
)

var rootCmd = &cobra.Command{
	Use:   "cah",
	Short: "cah — personal autonomous coding-agent hub",
	Long: "cah orchestrates autonomous coding tasks: it decomposes requests into\n" +
		"workflows, runs them through the LLM CLI in detached subprocesses, and\n" +
		"reports back over chat.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CAH_CONFIG or <data-dir>/config.json)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: $CAH_DATA_DIR or .cah-data)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(selfCmd())
	rootCmd.AddCommand(taskExecCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cah %s\n", Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func openStore() (*config.Config, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// exitCode maps an error to the process exit code: 0 success, 1 runtime
// error, 2 cancelled or interrupted, 64 usage error.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errCancelled):
		return 2
	case errors.Is(err, errUsage):
		return 64
	default:
		return 1
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
