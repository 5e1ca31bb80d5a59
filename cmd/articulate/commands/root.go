package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManveerAnand/articulate3D/cmd/articulate/internal/config"
	"github.com/ManveerAnand/articulate3D/pkg/cli"
	"github.com/ManveerAnand/articulate3D/pkg/genx/modelloader"
)

var (
	// Global flags
	verbose    bool
	logFile    string
	configFile string

	// Loaded in PersistentPreRunE.
	globalConfig *config.Config
	closeLog     = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "articulate",
	Short: "Voice commands to 3D host scripts",
	Long: `articulate - turn spoken or typed commands into scripts for a 3D host.

A worker process transcribes commands, asks a language model for a script
and retries with the error when the script fails. A controller process
runs inside (or next to) the host: it answers the worker's requests for
scene context and executes the scripts one at a time.

Configuration is read from ~/.articulate/config.yaml unless --config is
given. API keys come from GEMINI_API_KEY and OPENAI_API_KEY.

Examples:
  # Start a worker with the defaults
  articulate worker

  # Type commands, run the scripts with python
  articulate controller --exec python3 --exec -

  # Start the worker as a child process and send one recording
  articulate controller --spawn --audio command.wav`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(*cobra.Command, []string) error {
		return closeLog()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write the log to this file")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ~/.articulate/config.yaml)")
}

func setup(cmd *cobra.Command, _ []string) error {
	log, closer, err := cli.NewLogger(cli.LogOptions{
		Verbose: verbose,
		File:    logFile,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	slog.SetDefault(log)
	closeLog = closer
	modelloader.Verbose = verbose

	path, optional := configFile, false
	if path == "" {
		paths, err := cli.NewPaths()
		if err != nil {
			return err
		}
		path, optional = paths.ConfigFile(), true
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return err
	}
	globalConfig = cfg
	return nil
}

// GetConfig returns the configuration loaded for the running command.
func GetConfig() *config.Config {
	return globalConfig
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
