package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

// addTradingCommands adds order commands.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrderCmd(app, models.OrderSideBuy))
	rootCmd.AddCommand(newOrderCmd(app, models.OrderSideSell))
	rootCmd.AddCommand(newModifyCmd(app))
	rootCmd.AddCommand(newCancelCmd(app))
}

// parseOrderKind accepts canonical kinds and the broker's shorthand.
func parseOrderKind(s string) (models.OrderKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET", "MKT":
		return models.OrderKindMarket, nil
	case "LIMIT", "LMT":
		return models.OrderKindLimit, nil
	case "SL", "STOP", "STOPLOSS_LIMIT":
		return models.OrderKindStop, nil
	case "SL-M", "SLM", "STOP_MARKET", "STOPLOSS_MARKET":
		return models.OrderKindStopMarket, nil
	}
	return "", errors.InvalidOrderError("type", fmt.Sprintf("unknown order type %q", s))
}

// inferOrderKind picks the kind implied by which prices were given.
func inferOrderKind(price, trigger float64) models.OrderKind {
	switch {
	case trigger > 0 && price > 0:
		return models.OrderKindStop
	case trigger > 0:
		return models.OrderKindStopMarket
	case price > 0:
		return models.OrderKindLimit
	}
	return models.OrderKindMarket
}

// parseProduct accepts canonical products and the common MIS/CNC/NRML names.
func parseProduct(s string) (models.ProductType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "INTRADAY", "MIS":
		return models.ProductIntraday, nil
	case "DELIVERY", "CNC":
		return models.ProductDelivery, nil
	case "CARRYFORWARD", "NRML":
		return models.ProductCarryForward, nil
	}
	return "", errors.InvalidOrderError("product", fmt.Sprintf("unknown product %q", s))
}

func orderRequest(cmd *cobra.Command, app *App, side models.OrderSide, args []string) (models.OrderRequest, error) {
	qty, err := strconv.Atoi(args[1])
	if err != nil || qty <= 0 {
		return models.OrderRequest{}, errors.InvalidOrderError("quantity", fmt.Sprintf("quantity must be a positive integer, got %q", args[1]))
	}
	price, _ := cmd.Flags().GetFloat64("price")
	trigger, _ := cmd.Flags().GetFloat64("trigger")
	kindFlag, _ := cmd.Flags().GetString("type")
	productFlag, _ := cmd.Flags().GetString("product")
	tag, _ := cmd.Flags().GetString("tag")

	kind := inferOrderKind(price, trigger)
	if kindFlag != "" {
		if kind, err = parseOrderKind(kindFlag); err != nil {
			return models.OrderRequest{}, err
		}
	}
	product, err := parseProduct(productFlag)
	if err != nil {
		return models.OrderRequest{}, err
	}
	exchange, err := exchangeFlag(cmd, app)
	if err != nil {
		return models.OrderRequest{}, err
	}
	return models.OrderRequest{
		Symbol:       strings.ToUpper(args[0]),
		Exchange:     exchange,
		Side:         side,
		Kind:         kind,
		Quantity:     qty,
		Price:        price,
		TriggerPrice: trigger,
		Product:      product,
		Tag:          tag,
	}, nil
}

func newOrderCmd(app *App, side models.OrderSide) *cobra.Command {
	verb := strings.ToLower(string(side))
	cmd := &cobra.Command{
		Use:   verb + " <symbol> <quantity>",
		Short: "Place a " + verb + " order",
		Long: `Place an order through the gateway. The order kind follows the prices
given: --price alone is LIMIT, --trigger alone is SL-M, both is SL, neither
is MARKET. Orders are refused while the exchange is closed.`,
		Example: fmt.Sprintf(`  angelbridge %[1]s RELIANCE 10
  angelbridge %[1]s INFY 5 --price 1500
  angelbridge %[1]s NIFTY24DECFUT 25 -e NFO --product NRML --trigger 24010 --price 24000`, verb),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			req, err := orderRequest(cmd, app, side, args)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			order, err := gw.PlaceOrder(ctx, req)
			if err != nil {
				if output.IsJSON() && order.ID != "" {
					_ = output.JSON(order)
				}
				reportOrderError(output, err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(order)
			}
			output.Success("✓ %s %d %s placed: order %s", side, req.Quantity, order.Symbol, order.ID)
			renderOrders(output, []models.Order{order})
			return nil
		},
	}
	cmd.Flags().Float64P("price", "p", 0, "limit price")
	cmd.Flags().Float64("trigger", 0, "stop-loss trigger price")
	cmd.Flags().String("type", "", "order type (MARKET, LIMIT, SL, SL-M)")
	cmd.Flags().String("product", "", "product (INTRADAY/MIS, DELIVERY/CNC, CARRYFORWARD/NRML)")
	cmd.Flags().StringP("exchange", "e", "", "exchange (default: trading.default_exchange)")
	cmd.Flags().String("tag", "", "order tag")
	return cmd
}

func newModifyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modify <order-id>",
		Short: "Modify a working order",
		Long:  "Change quantity, prices or type of an order that is still open at the exchange. Unset flags keep the current value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			var mod models.OrderModification
			mod.Quantity, _ = cmd.Flags().GetInt("qty")
			mod.Price, _ = cmd.Flags().GetFloat64("price")
			mod.TriggerPrice, _ = cmd.Flags().GetFloat64("trigger")
			if kindFlag, _ := cmd.Flags().GetString("type"); kindFlag != "" {
				kind, err := parseOrderKind(kindFlag)
				if err != nil {
					return err
				}
				mod.Kind = kind
			}
			if mod == (models.OrderModification{}) {
				return errors.InvalidOrderError("modification", "nothing to change")
			}

			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			order, err := gw.ModifyOrder(ctx, args[0], mod)
			if err != nil {
				reportOrderError(output, err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(order)
			}
			output.Success("✓ Order %s modified", order.ID)
			renderOrders(output, []models.Order{order})
			return nil
		},
	}
	cmd.Flags().Int("qty", 0, "new quantity")
	cmd.Flags().Float64P("price", "p", 0, "new limit price")
	cmd.Flags().Float64("trigger", 0, "new trigger price")
	cmd.Flags().String("type", "", "new order type")
	return cmd
}

func newCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel a working order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			gw, err := app.gateway(ctx)
			if err != nil {
				return err
			}
			order, err := gw.CancelOrder(ctx, args[0])
			if err != nil {
				reportOrderError(output, err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(order)
			}
			output.Success("✓ Order %s %s", order.ID, strings.ToLower(string(order.Status)))
			return nil
		},
	}
}

// reportOrderError prints the failure with what the caller can do about it.
func reportOrderError(output *Output, err error) {
	if output.IsJSON() {
		return
	}
	switch errors.Classify(err) {
	case errors.KindMarketClosed:
		output.Warning("%v", err)
	case errors.KindOrderRejected:
		output.Error("Order rejected: %v", err)
	case errors.KindCritical:
		output.Error("Trading halted: %v", err)
	default:
		output.Error("%v", err)
	}
}

func renderOrders(output *Output, orders []models.Order) {
	table := NewTable(output, "ORDER ID", "SYMBOL", "SIDE", "TYPE", "QTY", "FILLED", "PRICE", "AVG", "STATUS", "UPDATED")
	for _, o := range orders {
		updated := ""
		if !o.UpdatedAt.IsZero() {
			updated = o.UpdatedAt.In(istLocation()).Format(time.TimeOnly)
		}
		status := output.OrderStatus(o.Status)
		if o.Reason != "" {
			status += " " + output.DimText("("+o.Reason+")")
		}
		table.AddRow(o.ID, o.Symbol, output.Side(o.Side), string(o.Kind),
			utils.FormatQuantity(int64(o.Quantity)), utils.FormatQuantity(int64(o.FilledQuantity)),
			utils.FormatIndianAmount(o.Price), utils.FormatIndianAmount(o.AveragePrice), status, updated)
	}
	table.Render()
}
