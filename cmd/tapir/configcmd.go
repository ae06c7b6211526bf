package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var validate bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if used := a.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(a.stdout, "# from %s\n", used)
			}
			enc := yaml.NewEncoder(a.stdout)
			enc.SetIndent(2)
			if err := enc.Encode(a.cfg.Redacted()); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			if err := enc.Close(); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			if validate {
				return a.cfg.Validate()
			}
			return nil
		},
	}
	show.Flags().BoolVar(&validate, "validate", false, "also report configuration problems")
	cmd.AddCommand(show)
	return cmd
}
