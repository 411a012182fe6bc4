package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/config"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/dbtools"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

var flagServeArtifact string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bundled database tool server on stdin/stdout",
	Long: `serve speaks newline-delimited JSON-RPC on stdin/stdout, exposing the
database tools (list_tables, describe_table, read_data, count_records,
table_sample) over a Postgres connection. Connection parameters come from
the --config-artifact file when given, otherwise from the environment.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := setupLogging()

		var conn config.Connection
		if flagServeArtifact != "" {
			var err error
			conn, err = config.ReadArtifact(flagServeArtifact)
			if err != nil {
				return err
			}
		} else {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			conn = cfg.Connection
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := dbtools.Open(ctx, conn.PostgresDSN())
		if err != nil {
			return err
		}
		defer db.Close()

		reg := dbtools.NewRegistry()
		db.RegisterAll(reg)

		srv := dbtools.NewServer(protocol.Info{Name: "sqlagent-dbtools", Version: Version}, reg, logger)
		logger.Info("tool server ready", "database", conn.Database)

		err = srv.Serve(ctx, os.Stdin, os.Stdout)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagServeArtifact, "config-artifact", "", "Path to the agent's ephemeral JSON config file")
	rootCmd.AddCommand(serveCmd)
}
