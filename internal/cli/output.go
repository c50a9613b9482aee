package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer   io.Writer
	jsonMode bool

	green  *color.Color
	red    *color.Color
	yellow *color.Color
	cyan   *color.Color
	bold   *color.Color
	dim    *color.Color
}

// NewOutput creates an Output for cmd. Colors follow the terminal unless
// JSON mode is on.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return newOutput(cmd.OutOrStdout(), jsonMode, !jsonMode && !color.NoColor)
}

func newOutput(w io.Writer, jsonMode, colored bool) *Output {
	o := &Output{
		writer:   w,
		jsonMode: jsonMode,
		green:    color.New(color.FgGreen),
		red:      color.New(color.FgRed),
		yellow:   color.New(color.FgYellow),
		cyan:     color.New(color.FgCyan),
		bold:     color.New(color.Bold),
		dim:      color.New(color.Faint),
	}
	for _, c := range []*color.Color{o.green, o.red, o.yellow, o.cyan, o.bold, o.dim} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return o
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as indented JSON.
func (o *Output) JSON(data any) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...any) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...any) { o.line(o.green, format, args...) }

// Error prints an error message in red.
func (o *Output) Error(format string, args ...any) { o.line(o.red, format, args...) }

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...any) { o.line(o.yellow, format, args...) }

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...any) { o.line(o.cyan, format, args...) }

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...any) { o.line(o.bold, format, args...) }

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...any) { o.line(o.dim, format, args...) }

func (o *Output) line(c *color.Color, format string, args ...any) {
	fmt.Fprintln(o.writer, c.Sprintf(format, args...))
}

// Green returns green text.
func (o *Output) Green(text string) string { return o.green.Sprint(text) }

// Red returns red text.
func (o *Output) Red(text string) string { return o.red.Sprint(text) }

// Yellow returns yellow text.
func (o *Output) Yellow(text string) string { return o.yellow.Sprint(text) }

// DimText returns dimmed text.
func (o *Output) DimText(text string) string { return o.dim.Sprint(text) }

func (o *Output) signed(v float64, text string) string {
	switch {
	case v > 0:
		return o.Green(text)
	case v < 0:
		return o.Red(text)
	}
	return text
}

// FormatPnL formats P&L in rupees, green for gains and red for losses.
func (o *Output) FormatPnL(pnl float64) string {
	return o.signed(pnl, utils.FormatPnL(pnl))
}

// FormatPercent formats a percentage with the same coloring as FormatPnL.
func (o *Output) FormatPercent(pct float64) string {
	return o.signed(pct, utils.FormatPercent(pct))
}

// MarketSession renders a session state.
func (o *Output) MarketSession(s models.MarketSession) string {
	switch s {
	case models.SessionOpen:
		return o.Green("● OPEN")
	case models.SessionPreOpen:
		return o.Yellow("● PRE-OPEN")
	case models.SessionPostClose:
		return o.Yellow("● POST-CLOSE")
	default:
		return o.Red("● CLOSED")
	}
}

// OrderStatus renders an order status.
func (o *Output) OrderStatus(s models.OrderStatus) string {
	switch s {
	case models.OrderFilled:
		return o.Green(string(s))
	case models.OrderRejected, models.OrderCancelled:
		return o.Red(string(s))
	case models.OrderPartiallyFilled, models.OrderPending, models.OrderSubmitted:
		return o.Yellow(string(s))
	}
	return string(s)
}

// Side renders an order side.
func (o *Output) Side(s models.OrderSide) string {
	if s == models.OrderSideBuy {
		return o.Green(string(s))
	}
	return o.Red(string(s))
}

// Table represents a simple table for output.
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a new table.
func NewTable(output *Output, headers ...string) *Table {
	return &Table{headers: headers, output: output}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render renders the table.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && visibleLen(cell) > widths[i] {
				widths[i] = visibleLen(cell)
			}
		}
	}

	t.printRow(t.headers, widths, true)
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("─", w)
	}
	t.output.Println(t.output.DimText(strings.Join(parts, "──")))
	for _, row := range t.rows {
		t.printRow(row, widths, false)
	}
}

func (t *Table) printRow(cells []string, widths []int, header bool) {
	parts := make([]string, 0, len(cells))
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		padded := cell + strings.Repeat(" ", max(widths[i]-visibleLen(cell), 0))
		if header {
			padded = t.output.bold.Sprint(padded)
		}
		parts = append(parts, padded)
	}
	t.output.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visibleLen is the printed width of s, ignoring color escapes.
func visibleLen(s string) int {
	return len([]rune(ansi.ReplaceAllString(s, "")))
}

// Box draws a titled box around content.
func (o *Output) Box(title string, content []string) {
	width := visibleLen(title)
	for _, line := range content {
		width = max(width, visibleLen(line))
	}
	border := strings.Repeat("─", width+2)

	o.Println(o.DimText("┌" + border + "┐"))
	o.Printf("%s %s%s %s\n", o.DimText("│"), o.bold.Sprint(title), strings.Repeat(" ", width-visibleLen(title)), o.DimText("│"))
	o.Println(o.DimText("├" + border + "┤"))
	for _, line := range content {
		o.Printf("%s %s%s %s\n", o.DimText("│"), line, strings.Repeat(" ", width-visibleLen(line)), o.DimText("│"))
	}
	o.Println(o.DimText("└" + border + "┘"))
}
