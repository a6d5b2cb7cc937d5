package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flagbridge",
		Short:         "Bridge host calls to a feature flag client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newCallCmd(), newHashTokenCmd())
	return root
}
