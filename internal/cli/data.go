package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"angelone-bridge/internal/broker"
	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

// addDataCommands adds account and market data commands.
func addDataCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newHoldingsCmd(app))
	rootCmd.AddCommand(newFundsCmd(app))
	rootCmd.AddCommand(newQuoteCmd(app))
	rootCmd.AddCommand(newCandlesCmd(app))
	rootCmd.AddCommand(newStreamCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
}

func newOrdersCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "List working orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			orders, err := gw.FetchOpenOrders(ctx)
			if err != nil {
				output.Error("Failed to fetch orders: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Info("No open orders")
				return nil
			}
			renderOrders(output, orders)
			return nil
		},
	}
}

func newTradesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "trades",
		Short: "List today's fills",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			trades, err := gw.FetchTrades(ctx)
			if err != nil {
				output.Error("Failed to fetch trades: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Info("No trades today")
				return nil
			}
			table := NewTable(output, "TRADE ID", "ORDER ID", "SYMBOL", "SIDE", "QTY", "PRICE", "TIME")
			for _, t := range trades {
				table.AddRow(t.ID, t.OrderID, t.Symbol, output.Side(t.Side),
					utils.FormatQuantity(int64(t.Quantity)), utils.FormatIndianAmount(t.Price), t.Time)
			}
			table.Render()
			return nil
		},
	}
}

func renderPositions(output *Output, positions []models.Position) {
	table := NewTable(output, "SYMBOL", "EXCHANGE", "PRODUCT", "QTY", "AVG", "LTP", "P&L", "P&L %")
	var total float64
	for _, p := range positions {
		total += p.PnL
		table.AddRow(p.Symbol, string(p.Exchange), string(p.Product),
			utils.FormatQuantity(int64(p.Quantity)), utils.FormatIndianAmount(p.AveragePrice),
			utils.FormatIndianAmount(p.CurrentPrice), output.FormatPnL(p.PnL), output.FormatPercent(p.PnLPercent))
	}
	table.Render()
	output.Printf("\nTotal P&L: %s\n", output.FormatPnL(total))
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			positions, err := gw.FetchPositions(ctx)
			if err != nil {
				output.Error("Failed to fetch positions: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Info("No open positions")
				return nil
			}
			renderPositions(output, positions)
			return nil
		},
	}
}

func newHoldingsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "holdings",
		Short: "List delivery holdings",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			holdings, err := gw.FetchHoldings(ctx)
			if err != nil {
				output.Error("Failed to fetch holdings: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(holdings)
			}
			if len(holdings) == 0 {
				output.Info("No holdings")
				return nil
			}
			renderPositions(output, holdings)
			return nil
		},
	}
}

func newFundsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "funds",
		Aliases: []string{"balance"},
		Short:   "Show available funds",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			acct, err := gw.FetchAccount(ctx)
			if err != nil {
				output.Error("Failed to fetch funds: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(acct)
			}
			output.Box("Funds", []string{
				"Total:      " + utils.FormatIndianCurrency(acct.TotalBalance),
				"Available:  " + utils.FormatIndianCurrency(acct.AvailableBalance),
				"Unrealized: " + output.FormatPnL(acct.TotalUnrealizedProfit),
			})
			return nil
		},
	}
}

func newQuoteCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote <symbol>",
		Short: "Show the last traded price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			exchange, err := exchangeFlag(cmd, app)
			if err != nil {
				return err
			}
			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			t, err := gw.FetchTicker(ctx, args[0], exchange)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(t)
			}
			change := 0.0
			if t.Close > 0 {
				change = (t.Price - t.Close) / t.Close * 100
			}
			output.Printf("%s  %s  %s\n", t.Symbol, utils.FormatIndianCurrency(t.Price), output.FormatPercent(change))
			output.Dim("O %s  H %s  L %s  C %s", utils.FormatIndianAmount(t.Open), utils.FormatIndianAmount(t.High),
				utils.FormatIndianAmount(t.Low), utils.FormatIndianAmount(t.Close))
			return nil
		},
	}
	cmd.Flags().StringP("exchange", "e", "", "exchange (default: trading.default_exchange)")
	return cmd
}

func newCandlesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "candles <symbol>",
		Short:   "Fetch historical candles",
		Example: "  angelbridge candles RELIANCE --interval 5m --days 2\n  angelbridge candles INFY --interval 1d --from 2024-11-01 --to 2024-11-29",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			interval, _ := cmd.Flags().GetString("interval")
			days, _ := cmd.Flags().GetInt("days")
			fromFlag, _ := cmd.Flags().GetString("from")
			toFlag, _ := cmd.Flags().GetString("to")

			to := app.Clock.Now()
			if toFlag != "" {
				t, err := time.ParseInLocation(time.DateOnly, toFlag, istLocation())
				if err != nil {
					return errors.New(errors.CodeDataUnavailable, "--to must be YYYY-MM-DD", err)
				}
				to = t.Add(24*time.Hour - time.Minute)
			}
			from := to.AddDate(0, 0, -days)
			if fromFlag != "" {
				t, err := time.ParseInLocation(time.DateOnly, fromFlag, istLocation())
				if err != nil {
					return errors.New(errors.CodeDataUnavailable, "--from must be YYYY-MM-DD", err)
				}
				from = t
			}
			exchange, err := exchangeFlag(cmd, app)
			if err != nil {
				return err
			}
			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			candles, err := gw.FetchCandles(ctx, args[0], exchange, interval, from, to)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(candles)
			}
			if len(candles) == 0 {
				output.Info("No candles in range")
				return nil
			}
			table := NewTable(output, "TIME", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
			for _, c := range candles {
				table.AddRow(time.UnixMilli(c.OpenTime).In(istLocation()).Format("2006-01-02 15:04"),
					utils.FormatIndianAmount(c.Open), utils.FormatIndianAmount(c.High),
					utils.FormatIndianAmount(c.Low), utils.FormatIndianAmount(c.Close),
					utils.FormatQuantity(int64(c.Volume)))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringP("interval", "i", "5m", "bar interval (1m, 3m, 5m, 10m, 15m, 30m, 1h, 1d)")
	cmd.Flags().Int("days", 1, "days of history ending at --to")
	cmd.Flags().String("from", "", "first day (YYYY-MM-DD, IST)")
	cmd.Flags().String("to", "", "last day (YYYY-MM-DD, IST)")
	cmd.Flags().StringP("exchange", "e", "", "exchange (default: trading.default_exchange)")
	return cmd
}

func newStreamCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream <symbol>...",
		Short: "Stream live quotes until interrupted",
		Long: `Connect to the SmartStream feed and print ticks for the given symbols.
The stream reconnects on drops and stops when the exchange closes.`,
		Example: "  angelbridge stream RELIANCE INFY\n  angelbridge stream NIFTY24DECFUT -e NFO --for 10m",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Config.IsPaperMode() && app.Transport == nil {
				err := errors.New(errors.CodeConfigInvalid, "streaming needs live credentials; the paper broker has no feed", nil)
				output.Error("%v", err)
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if d, _ := cmd.Flags().GetDuration("for"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			exchange, err := exchangeFlag(cmd, app)
			if err != nil {
				return err
			}
			sub, err := app.stream(ctx)
			if err != nil {
				return err
			}
			defer sub.Close()

			done := make(chan struct{})
			sub.OnStateChange(func(from, to broker.StreamState) {
				if !output.IsJSON() {
					output.Dim("stream %s -> %s", from, to)
				}
				if to == broker.StreamMarketClosed || to == broker.StreamFailed {
					select {
					case <-done:
					default:
						close(done)
					}
				}
			})
			updates := sub.Updates(256)

			if err := sub.Subscribe(args, exchange); err != nil {
				output.Error("%v", err)
				return err
			}
			if err := sub.Connect(ctx); err != nil {
				output.Error("%v", err)
				return err
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-done:
					if sub.State() == broker.StreamMarketClosed {
						output.Info("Market closed, stream stopped")
						return nil
					}
					return sub.Err()
				case t, ok := <-updates:
					if !ok {
						return nil
					}
					if output.IsJSON() {
						if err := output.JSON(t); err != nil {
							return err
						}
						continue
					}
					output.Printf("%s  %-20s %12s  vol %s\n",
						time.UnixMilli(t.Timestamp).In(istLocation()).Format(time.TimeOnly),
						string(t.Exchange)+":"+t.Symbol, utils.FormatIndianAmount(t.Price),
						utils.FormatQuantity(int64(t.Volume)))
				}
			}
		},
	}
	cmd.Flags().StringP("exchange", "e", "", "exchange (default: trading.default_exchange)")
	cmd.Flags().Duration("for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// StatusReport is the combined account and market overview.
type StatusReport struct {
	Mode       string          `json:"mode"`
	Session    string          `json:"session"`
	Market     []SegmentStatus `json:"market"`
	Account    *models.Account `json:"account,omitempty"`
	Positions  int             `json:"positions"`
	OpenOrders int             `json:"open_orders"`
	PnL        float64         `json:"pnl"`
	Halted     string          `json:"halted,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Account, positions and market overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			report, err := app.status(ctx)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(report)
			}

			lines := []string{
				"Mode:        " + report.Mode,
				"Session:     " + report.Session,
			}
			if report.Account != nil {
				lines = append(lines,
					"Available:   "+utils.FormatIndianCurrency(report.Account.AvailableBalance),
					"Total:       "+utils.FormatIndianCurrency(report.Account.TotalBalance)+
						" ("+utils.FormatCompact(report.Account.TotalBalance)+")")
			}
			lines = append(lines,
				fmt.Sprintf("Positions:   %d", report.Positions),
				fmt.Sprintf("Open orders: %d", report.OpenOrders),
				"P&L:         "+output.FormatPnL(report.PnL))
			output.Box("angelbridge status", lines)
			output.Println()
			for _, s := range report.Market {
				output.Printf("  %-4s %s\n", s.Exchange, output.MarketSession(s.Session))
			}
			if report.Halted != "" {
				output.Error("Trading halted: %s", report.Halted)
			}
			for _, e := range report.Errors {
				output.Warning("%s", e)
			}
			return nil
		},
	}
}

// status gathers the overview concurrently. Individual fetch failures are
// reported in the result rather than failing the whole call.
func (a *App) status(ctx context.Context) (*StatusReport, error) {
	gw, err := a.gateway(ctx)
	if err != nil {
		return nil, err
	}
	market, err := a.segmentStatus(models.Exchanges)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Mode: a.Config.Trading.Mode, Market: market}

	var (
		acct      models.Account
		positions []models.Position
		orders    []models.Order
		fetchErrs [3]error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		acct, fetchErrs[0] = gw.FetchAccount(gctx)
		return nil
	})
	g.Go(func() error {
		positions, fetchErrs[1] = gw.FetchPositions(gctx)
		return nil
	})
	g.Go(func() error {
		orders, fetchErrs[2] = gw.FetchOpenOrders(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, name := range []string{"funds", "positions", "orders"} {
		if fetchErrs[i] != nil {
			report.Errors = append(report.Errors, name+": "+fetchErrs[i].Error())
		}
	}
	if fetchErrs[0] == nil {
		report.Account = &acct
	}
	report.Positions = len(positions)
	report.OpenOrders = len(orders)
	for _, p := range positions {
		report.PnL += p.PnL
	}
	report.Session = a.Sessions.State().String()
	if h := gw.Halted(); h != nil {
		report.Halted = h.Error()
	}
	return report, nil
}
