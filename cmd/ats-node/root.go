package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "ats-node",
		Short:   "Hardware-in-the-loop test node executor",
		Long: `ats-node executes one CI hardware test job end to end: it validates
the job manifest, resolves the physical device it names, flashes the
firmware artifact, drives the test runner against the live device and
writes machine-readable results for CI to collect.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newHistoryCmd())
	return rootCmd
}
