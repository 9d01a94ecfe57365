package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "callsim",
		Short:         "Telephony peer simulator for the call relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newStreamCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
