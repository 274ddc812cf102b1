// Command nexus is the composition root wiring the kernel, organism,
// LLM pool, librarian, agent handler, pipeline adapter and buffer
// handler together into a runnable agent-organism process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nexus",
		Short: "Durable message-passing kernel for LLM coding agents",
	}
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newReplayCmd())
	cmd.AddCommand(newPortsCmd())
	return cmd
}
