// Command harness is a thin CLI over the agent execution engine: it loads
// an Agent/profile from YAML, runs one turn to completion or interruption,
// and persists enough state to resume later.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "harness",
		Short: "Run and resume agent sessions",
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newResumeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
