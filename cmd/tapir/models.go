package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/martinemde/tapir/unifiedllm"
)

func newModelsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models [provider]",
		Short: "List the models tapir knows context windows and prices for",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := ""
			if len(args) == 1 {
				provider = args[0]
			}
			models := unifiedllm.ListModels(provider)
			if len(models) == 0 {
				return fmt.Errorf("no models listed for provider %q", provider)
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tPROVIDER\tCONTEXT\tOUTPUT\tUSD/MTOK IN/OUT\tALIASES")
			for _, m := range models {
				price := "free"
				if m.Pricing != nil {
					price = fmt.Sprintf("%.2f/%.2f", m.Pricing.Input, m.Pricing.Output)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					m.ID, m.Provider, m.ContextWindow, m.MaxOutput, price, strings.Join(m.Aliases, ","))
			}
			return tw.Flush()
		},
	}
}
