package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

func istLocation() *time.Location { return utils.IndiaLocation }

// addMarketCommands adds market-hours commands.
func addMarketCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Market hours and holidays",
	}
	cmd.AddCommand(newMarketStatusCmd(app))
	cmd.AddCommand(newNextOpenCmd(app))
	cmd.AddCommand(newHolidaysCmd(app))
	rootCmd.AddCommand(cmd)
}

// SegmentStatus is the market state of one exchange at an instant.
type SegmentStatus struct {
	Exchange  models.Exchange      `json:"exchange"`
	Session   models.MarketSession `json:"session"`
	Open      bool                 `json:"open"`
	NextOpen  time.Time            `json:"next_open"`
	NextClose time.Time            `json:"next_close"`
}

func parseExchanges(args []string) ([]models.Exchange, error) {
	if len(args) == 0 {
		return models.Exchanges, nil
	}
	out := make([]models.Exchange, 0, len(args))
	for _, a := range args {
		ex, ok := models.ParseExchange(a)
		if !ok {
			return nil, errors.New(errors.CodeSymbolUnknown, "unsupported exchange "+strings.ToUpper(a), nil)
		}
		out = append(out, ex)
	}
	return out, nil
}

func (a *App) segmentStatus(exchanges []models.Exchange) ([]SegmentStatus, error) {
	reg, err := a.calendars()
	if err != nil {
		return nil, err
	}
	now := a.Clock.Now()
	out := make([]SegmentStatus, 0, len(exchanges))
	for _, ex := range exchanges {
		cal := reg.For(ex)
		out = append(out, SegmentStatus{
			Exchange:  ex,
			Session:   cal.Session(now),
			Open:      cal.IsOpen(now),
			NextOpen:  cal.NextOpen(now),
			NextClose: cal.NextClose(now),
		})
	}
	return out, nil
}

func newMarketStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "status [exchange...]",
		Short:   "Show the session state of each exchange",
		Example: "  angelbridge market status\n  angelbridge market status NSE MCX",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			exchanges, err := parseExchanges(args)
			if err != nil {
				return err
			}
			statuses, err := app.segmentStatus(exchanges)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(statuses)
			}

			output.Printf("%s IST\n\n", utils.InIndia(app.Clock.Now()).Format("Mon 02 Jan 2006 15:04:05"))
			table := NewTable(output, "EXCHANGE", "SESSION", "NEXT OPEN", "NEXT CLOSE")
			for _, s := range statuses {
				table.AddRow(string(s.Exchange), output.MarketSession(s.Session),
					s.NextOpen.In(istLocation()).Format("Mon 02 Jan 15:04"),
					s.NextClose.In(istLocation()).Format("Mon 02 Jan 15:04"))
			}
			table.Render()
			return nil
		},
	}
}

func newNextOpenCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "next-open [exchange]",
		Short: "Show when the exchange next opens",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			exchanges, err := parseExchanges(args)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				exchanges = []models.Exchange{app.Config.Trading.DefaultExchange}
			}
			statuses, err := app.segmentStatus(exchanges)
			if err != nil {
				return err
			}
			s := statuses[0]
			wait := s.NextOpen.Sub(app.Clock.Now())
			if output.IsJSON() {
				return output.JSON(map[string]any{
					"exchange":      s.Exchange,
					"open":          s.Open,
					"next_open":     s.NextOpen,
					"opens_in_secs": int64(wait.Seconds()),
				})
			}
			if s.Open {
				output.Success("%s is open until %s", s.Exchange, s.NextClose.In(istLocation()).Format("15:04"))
				return nil
			}
			output.Printf("%s opens %s (in %s)\n", s.Exchange,
				s.NextOpen.In(istLocation()).Format("Mon 02 Jan 2006 15:04"), wait.Round(time.Minute))
			return nil
		},
	}
}

func newHolidaysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holidays",
		Short: "List trading holidays",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			year, _ := cmd.Flags().GetInt("year")
			if year == 0 {
				year = app.Clock.Now().In(istLocation()).Year()
			}
			reg, err := app.calendars()
			if err != nil {
				return err
			}
			var days []time.Time
			for _, d := range reg.For(app.Config.Trading.DefaultExchange).Holidays() {
				if d.Year() == year {
					days = append(days, d)
				}
			}
			if output.IsJSON() {
				dates := make([]string, len(days))
				for i, d := range days {
					dates[i] = d.Format(time.DateOnly)
				}
				return output.JSON(map[string]any{"year": year, "holidays": dates})
			}
			if len(days) == 0 {
				output.Info("No holidays on record for %d", year)
				return nil
			}
			for _, d := range days {
				output.Printf("  %s  %s\n", d.Format(time.DateOnly), d.Format("Mon"))
			}
			return nil
		},
	}
	cmd.Flags().Int("year", 0, "calendar year (default: current)")
	return cmd
}
