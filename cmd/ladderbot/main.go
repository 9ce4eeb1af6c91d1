// Package main provides the ladder bot binary, which keeps a fixed number of
// ladder battles running against a battle simulator.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "ladderbot",
		Short:         "Play ladder battles on a battle simulator",
		Long:          "ladderbot logs in to a battle simulator, searches for ladder battles, and keeps a configured number of them running, answering each decision with the configured handler.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/dev.yaml", "path to configuration file")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newCheckCmd(&configPath),
	)
	return rootCmd
}
