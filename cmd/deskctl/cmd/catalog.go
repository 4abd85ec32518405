package cmd

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradedesk/internal/app"
	"tradedesk/internal/strategy"
)

var (
	catalogTrader   string
	catalogStrategy string
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the strategy catalog or a combined timeframe set",
	Long: `Without flags, catalog lists every trader type and trading strategy with
their native timeframes. With --trader and --strategy it prints the combined
timeframe set the settings screen would offer.

Example:
  deskctl catalog --trader day_trading --strategy swing_trading`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		resolver, err := app.BuildResolver(cfg, zerolog.Nop())
		if err != nil {
			return err
		}
		return printCatalog(cmd, resolver)
	},
}

func printCatalog(cmd *cobra.Command, resolver *strategy.Resolver) error {
	out := cmd.OutOrStdout()
	cat := resolver.Catalog()

	if catalogTrader != "" || catalogStrategy != "" {
		tt, err := cat.ParseTraderType(catalogTrader)
		if err != nil {
			return err
		}
		ts, err := cat.ParseStrategy(catalogStrategy)
		if err != nil {
			return err
		}
		combined, err := resolver.Combined(tt, ts)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s + %s: %s\n", tt, ts, joinTimeframes(combined))
		return nil
	}

	fmt.Fprintln(out, "Trader types:")
	for _, tt := range cat.TraderTypeNames() {
		list, _ := cat.TraderTimeframes(tt)
		fmt.Fprintf(out, "  %-20s %s\n", tt, joinTimeframes(list))
	}
	fmt.Fprintln(out, "Strategies:")
	for _, ts := range cat.StrategyNames() {
		list, _ := cat.StrategyTimeframes(ts)
		fmt.Fprintf(out, "  %-20s %s\n", ts, joinTimeframes(list))
	}
	return nil
}

func joinTimeframes(list []strategy.Timeframe) string {
	parts := make([]string, len(list))
	for i, tf := range list {
		parts[i] = string(tf)
	}
	return strings.Join(parts, ", ")
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.Flags().StringVar(&catalogTrader, "trader", "", "trader type, e.g. scalping")
	catalogCmd.Flags().StringVar(&catalogStrategy, "strategy", "", "trading strategy, e.g. hedging")
	catalogCmd.MarkFlagsRequiredTogether("trader", "strategy")
}
