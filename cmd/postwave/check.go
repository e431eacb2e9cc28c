package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"postwave/internal/config"
)

func newCheckConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate the config file without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", *cfgPath)
			fmt.Fprintf(out, "  storage:   %s\n", orDefault(cfg.Storage.Driver, "memory"))
			fmt.Fprintf(out, "  trigger:   enabled=%t schedule=%q\n", cfg.Trigger.IsEnabled(), cfg.Trigger.Schedule)
			fmt.Fprintf(out, "  http:      enabled=%t addr=%q\n", cfg.HTTP.Enabled, cfg.HTTP.Addr)
			var enabled []string
			for name, pc := range cfg.Platforms {
				if pc.Enabled {
					enabled = append(enabled, name)
				}
			}
			fmt.Fprintf(out, "  platforms: %v\n", sorted(enabled))
			fmt.Fprintf(out, "  accounts:  %d\n", len(cfg.Accounts))
			return nil
		},
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
