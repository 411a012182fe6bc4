package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive natural-language session against the database",
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

		pterm.DefaultSection.Println("sqlagent ready")
		pterm.Info.Println("Try things like:")
		for _, example := range []string{
			`"show me all tables"`,
			`"list orders from California"`,
			`"how many tickets are open?"`,
			`"describe the customers table"`,
		} {
			pterm.Println("  - " + example)
		}
		pterm.Info.Println(`Type "tools" to list tools, "debug" for session state, "exit" to quit.`)
		pterm.Println()

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("you> ")
			if !scanner.Scan() {
				break
			}
			if ctx.Err() != nil {
				break
			}
			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}

			switch strings.ToLower(input) {
			case "exit", "quit":
				pterm.Info.Println("Closing session...")
				return nil
			case "tools":
				rt.renderTools()
				continue
			case "debug":
				rt.renderDebug()
				continue
			}

			rt.runQuery(ctx, input)
			pterm.Println()
		}
		return scanner.Err()
	},
}

func (rt *runtime) renderDebug() {
	pterm.Info.Printfln("session %s: state=%s server=%q tools=%d",
		rt.session.ID(), rt.session.State(), rt.session.ServerInfo().Name, len(rt.session.Tools()))
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
