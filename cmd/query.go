package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Run a single natural-language query and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := rt.connect(ctx); err != nil {
			return err
		}

		rt.runQuery(ctx, strings.Join(args, " "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
}
