// factoryd is the website-factory daemon: it runs the forge and discovery
// room workers, the follow-up sweeper, the durable timers, and the metrics
// endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.2.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "factoryd",
		Short:   "Website factory daemon",
		Long:    `factoryd runs the factory pipeline: forge workflow runs, negotiation follow-ups, durable timers, and approval gates.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (defaults apply when empty)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newValidateCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
