package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Start a session and list the discovered tools",
	RunE: func(cmd *cobra.Command, _ []string) error {
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

		rt.renderTools()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
