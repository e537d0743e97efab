package main

import (
	"os"

	"github.com/spf13/cobra"
)

var Command = &cobra.Command{
	Use:   "replicheck",
	Short: "cross-instance runtime state verification",
	Long: `replicheck joins N instances of the same workload into a verification run:
each instance submits a state fingerprint at every sync point and the run
fails fast as soon as any two instances diverge.`,
}

func main() {
	if err := Command.Execute(); err != nil {
		os.Exit(1)
	}
}
