package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/models"
	"angelone-bridge/internal/symbols"
)

// addSymbolCommands adds instrument catalog commands.
func addSymbolCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "symbols",
		Aliases: []string{"sym"},
		Short:   "Resolve and search the instrument catalog",
	}
	cmd.AddCommand(newResolveCmd(app))
	cmd.AddCommand(newSearchCmd(app))
	cmd.AddCommand(newClassifyCmd())
	cmd.AddCommand(newFutureCmd(app))
	cmd.AddCommand(newOptionCmd(app))
	cmd.AddCommand(newRefreshCmd(app))
	rootCmd.AddCommand(cmd)
}

// exchangeFlag reads --exchange, falling back to the configured default.
func exchangeFlag(cmd *cobra.Command, app *App) (models.Exchange, error) {
	raw, _ := cmd.Flags().GetString("exchange")
	if raw == "" {
		return app.Config.Trading.DefaultExchange, nil
	}
	ex, ok := models.ParseExchange(raw)
	if !ok {
		return "", errors.New(errors.CodeSymbolUnknown, "unsupported exchange "+string(ex), nil)
	}
	return ex, nil
}

func renderSymbols(output *Output, recs []models.SymbolRecord) {
	table := NewTable(output, "SYMBOL", "EXCHANGE", "TOKEN", "KIND", "LOT", "TICK", "EXPIRY", "STRIKE")
	for _, r := range recs {
		expiry, strike := "", ""
		if !r.Expiry.IsZero() {
			expiry = r.Expiry.Format(time.DateOnly)
		}
		if r.Strike > 0 {
			strike = fmt.Sprintf("%.2f", r.Strike)
		}
		table.AddRow(r.Symbol, string(r.Exchange), r.Token, string(r.Kind),
			fmt.Sprint(r.LotSize), fmt.Sprintf("%.2f", r.TickSize), expiry, strike)
	}
	table.Render()
}

func newResolveCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resolve <symbol>",
		Short:   "Resolve a symbol to its token and contract details",
		Example: "  angelbridge symbols resolve RELIANCE\n  angelbridge symbols resolve NIFTY24DECFUT -e NFO",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			exchange, err := exchangeFlag(cmd, app)
			if err != nil {
				return err
			}
			res, err := app.resolver(ctx)
			if err != nil {
				return err
			}
			rec, err := res.Resolve(args[0], exchange)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(rec)
			}
			renderSymbols(output, []models.SymbolRecord{rec})
			return nil
		},
	}
	cmd.Flags().StringP("exchange", "e", "", "exchange (default: trading.default_exchange)")
	return cmd
}

func newSearchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search symbols and names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			limit, _ := cmd.Flags().GetInt("limit")
			var exchange models.Exchange
			if raw, _ := cmd.Flags().GetString("exchange"); raw != "" {
				ex, err := exchangeFlag(cmd, app)
				if err != nil {
					return err
				}
				exchange = ex
			}
			res, err := app.resolver(ctx)
			if err != nil {
				return err
			}
			recs := res.SearchIn(args[0], exchange, limit)
			if output.IsJSON() {
				return output.JSON(recs)
			}
			if len(recs) == 0 {
				output.Warning("No instruments match %q", args[0])
				return nil
			}
			renderSymbols(output, recs)
			return nil
		},
	}
	cmd.Flags().StringP("exchange", "e", "", "restrict to one exchange")
	cmd.Flags().IntP("limit", "n", 20, "maximum results (0 for all)")
	return cmd
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <symbol>...",
		Short: "Classify symbols by their trading-symbol markers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			kinds := make(map[string]string, len(args))
			for _, s := range args {
				kind, ok := symbols.Classify(s)
				if !ok {
					kind = "UNKNOWN"
				}
				kinds[strings.ToUpper(s)] = string(kind)
			}
			if output.IsJSON() {
				return output.JSON(kinds)
			}
			for _, s := range args {
				output.Printf("%-24s %s\n", strings.ToUpper(s), kinds[strings.ToUpper(s)])
			}
			return nil
		},
	}
}

func newFutureCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "future <underlying>",
		Short:   "Find the nearest-expiry future",
		Example: "  angelbridge symbols future NIFTY\n  angelbridge symbols future GOLD -e MCX",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			exchange, err := exchangeFlag(cmd, app)
			if err != nil {
				return err
			}
			res, err := app.resolver(ctx)
			if err != nil {
				return err
			}
			rec, err := res.NearestFuture(args[0], exchange, app.Clock.Now().In(istLocation()))
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(rec)
			}
			renderSymbols(output, []models.SymbolRecord{rec})
			return nil
		},
	}
	cmd.Flags().StringP("exchange", "e", string(models.NFO), "derivatives exchange")
	return cmd
}

func newOptionCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "option <underlying>",
		Short:   "Find the nearest-expiry option at a strike",
		Example: "  angelbridge symbols option NIFTY --strike 24000 --type CE",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			strike, _ := cmd.Flags().GetFloat64("strike")
			optType, _ := cmd.Flags().GetString("type")
			var kind models.InstrumentKind
			switch strings.ToUpper(optType) {
			case "CE", "CALL":
				kind = models.KindCall
			case "PE", "PUT":
				kind = models.KindPut
			default:
				return errors.New(errors.CodeOrderInvalid, "--type must be CE or PE", nil)
			}
			if strike <= 0 {
				return errors.New(errors.CodeOrderInvalid, "--strike must be positive", nil)
			}
			exchange, err := exchangeFlag(cmd, app)
			if err != nil {
				return err
			}
			res, err := app.resolver(ctx)
			if err != nil {
				return err
			}
			rec, err := res.NearestOption(args[0], exchange, strike, kind, app.Clock.Now().In(istLocation()))
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(rec)
			}
			renderSymbols(output, []models.SymbolRecord{rec})
			return nil
		},
	}
	cmd.Flags().StringP("exchange", "e", string(models.NFO), "derivatives exchange")
	cmd.Flags().Float64("strike", 0, "strike price in rupees")
	cmd.Flags().String("type", "CE", "option type (CE or PE)")
	return cmd
}

func newRefreshCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Download the instrument catalog and report its size",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if app.Symbols == nil {
				if app.Source == nil {
					app.Source = catalogSource(app.Config.Symbols)
				}
				app.Symbols = symbols.NewResolver(app.Source, app.Logger)
			}
			started := time.Now()
			n, err := app.Symbols.LoadCatalog(ctx)
			if err != nil {
				output.Error("Catalog refresh failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]any{
					"source":     app.Source.Name(),
					"records":    n,
					"mismatches": app.Symbols.Mismatches(),
				})
			}
			output.Success("✓ Loaded %d instruments from %s in %s", n, app.Source.Name(), time.Since(started).Round(time.Millisecond))
			if m := app.Symbols.Mismatches(); m > 0 {
				output.Warning("%d rows disagreed with their symbol classification", m)
			}
			return nil
		},
	}
}
