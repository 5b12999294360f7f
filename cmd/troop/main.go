// Command troop runs the multi-agent orchestrator and its operator CLI.
//
// The serve subcommand hosts the agent engine, the workflow supervisor and
// the HTTP API. The remaining subcommands are thin clients of a running
// server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

var (
	flagConfig string
	flagAddr   string
)

func main() {
	root := &cobra.Command{
		Use:   "troop",
		Short: "Gorilla Troop multi-agent development orchestrator",
		Long: `Gorilla Troop drives a staged software development pipeline with a
troop of specialist agents coordinated over an issue store and a mail bus.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "orchestrator address for client commands")

	root.AddCommand(
		newServeCmd(),
		newProjectCmd(),
		newReviewCmd(),
		newNotifyCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the troop version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("troop %s\n", version)
		},
	}
}
