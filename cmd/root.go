// Package cmd provides the sqlagent command-line interface: an
// interactive chat loop and one-shot query mode on the client side, and
// the bundled database tool server on the other end of the pipe.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig     string
	flagServerPath string
	flagEventsAddr string
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sqlagent",
	Short: "Natural-language SQL agent over a stdio MCP tool server",
	Long: `sqlagent spawns an MCP tool server as a child process, speaks
newline-delimited JSON-RPC with it, and turns freeform questions into
tool calls against your database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagServerPath, "server", "", "Tool server executable (defaults to this binary's serve command)")
	rootCmd.PersistentFlags().StringVar(&flagEventsAddr, "events-addr", "", "Address for the SSE event listener (disabled when empty)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
}

// setupLogging routes structured logs to stderr so stdout stays free for
// results (and, in serve mode, for protocol traffic).
func setupLogging() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
