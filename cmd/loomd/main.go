// Command loomd is the CLI entrypoint: it loads the project
// configuration, wires the store/bus/registry/telemetry stack, and
// drives either a solo session or a supervised team from the command
// line (spec.md §4.11, §4.15).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "loomd",
		Short: "loomd runs solo coding sessions and multi-agent teams against a project",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to loom.toml (default: ./loom.toml)")

	root.AddCommand(newSessionCmd(&cfgFile))
	root.AddCommand(newTeamCmd(&cfgFile))
	return root
}
