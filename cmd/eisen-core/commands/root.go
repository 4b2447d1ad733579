// Package commands provides the CLI commands for eisen-core.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/eisen-labs/eisen-core/internal/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// logVerbosityEnv is the single environment variable controlling log
// verbosity.
const logVerbosityEnv = "EISEN_LOG"

// Global flags.
var (
	logLevel  string
	prettyLog bool
)

var rootCmd = &cobra.Command{
	Use:   "eisen-core",
	Short: "Transparent ACP proxy with file-activity tracking",
	Long: `eisen-core sits between a code editor and an ACP coding agent,
relaying every byte unchanged while tracking which files the agent is
paying attention to, enforcing zone access policy, and broadcasting
activity snapshots and deltas over a local TCP socket.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logLevel
		if level == "" {
			level = os.Getenv(logVerbosityEnv)
		}

		logCfg := logging.Config{
			Level:  logging.ParseLevel(level),
			Output: os.Stderr,
			Pretty: prettyLog,
		}
		if level == "" {
			// Quiet by default: stderr is reserved for the port
			// announcement and fatal diagnostics unless asked.
			logCfg.Level = logging.ErrorLevel
		}
		logging.Init(logCfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides "+logVerbosityEnv+")")
	rootCmd.PersistentFlags().BoolVar(&prettyLog, "print-logs", false, "Pretty console log output instead of JSON")

	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// Execute runs the root command, returning the process exit code.
func Execute() (int, error) {
	if err := rootCmd.Execute(); err != nil {
		return 1, err
	}
	return exitCode, nil
}

// exitCode is set by subcommands that finish without an error but
// still need a non-zero exit, such as observe after the agent exits
// non-zero.
var exitCode int
