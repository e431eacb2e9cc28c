// Command postwave publishes posts to social platforms on a schedule.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "postwave",
		Short:         "Multi-platform social post scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Running without a subcommand serves.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json, yaml or toml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newCheckConfigCmd(&cfgPath),
		newValidateCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
