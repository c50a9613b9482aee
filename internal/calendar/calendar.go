// Package calendar answers market-hours questions as a pure function of an
// instant and a holiday set.
package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

// TimeOfDay is an offset from local midnight.
type TimeOfDay time.Duration

// At builds a TimeOfDay from hours and minutes.
func At(hour, minute int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
}

func (d TimeOfDay) String() string {
	dur := time.Duration(d)
	return fmt.Sprintf("%02d:%02d", int(dur.Hours()), int(dur.Minutes())%60)
}

// Window is one segment's daily schedule. Open is inclusive, Close exclusive.
type Window struct {
	PreOpen   TimeOfDay
	Open      TimeOfDay
	Close     TimeOfDay
	PostOpen  TimeOfDay
	PostClose TimeOfDay
}

// EquityWindow is the NSE/BSE cash and F&O schedule.
func EquityWindow() Window {
	return Window{
		PreOpen:   At(9, 0),
		Open:      At(9, 15),
		Close:     At(15, 30),
		PostOpen:  At(15, 40),
		PostClose: At(16, 0),
	}
}

// CommodityWindow is the MCX schedule. There is no pre-open auction.
func CommodityWindow() Window {
	return Window{PreOpen: At(9, 0), Open: At(9, 0), Close: At(23, 30)}
}

// CurrencyWindow is the CDS schedule.
func CurrencyWindow() Window {
	return Window{PreOpen: At(9, 0), Open: At(9, 0), Close: At(17, 0)}
}

// Validate checks that the window is ordered.
func (w Window) Validate() error {
	if w.Open >= w.Close {
		return fmt.Errorf("open %s must be before close %s", w.Open, w.Close)
	}
	if w.PreOpen > w.Open {
		return fmt.Errorf("pre-open %s must not be after open %s", w.PreOpen, w.Open)
	}
	if w.PostClose != 0 && (w.PostOpen < w.Close || w.PostClose <= w.PostOpen) {
		return fmt.Errorf("post-market window %s-%s must follow close %s", w.PostOpen, w.PostClose, w.Close)
	}
	return nil
}

// Calendar is immutable after construction and safe for concurrent use.
type Calendar struct {
	loc      *time.Location
	window   Window
	holidays map[string]struct{}
}

const dateKey = "2006-01-02"

// maxScanDays bounds the search for the next trading day.
const maxScanDays = 400

// New creates a Calendar in IST for the given window and holidays.
func New(window Window, holidays []time.Time) *Calendar {
	return NewIn(utils.IndiaLocation, window, holidays)
}

// NewIn creates a Calendar evaluated in loc.
func NewIn(loc *time.Location, window Window, holidays []time.Time) *Calendar {
	c := &Calendar{loc: loc, window: window, holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		// holidays are calendar dates; keep the caller's Y-M-D
		c.holidays[h.Format(dateKey)] = struct{}{}
	}
	return c
}

// NSE returns the equity calendar with the built-in holiday list.
func NSE() *Calendar {
	return New(EquityWindow(), DefaultHolidays())
}

// Location returns the calendar's timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Window returns the daily schedule.
func (c *Calendar) Window() Window { return c.window }

// Holidays returns the holiday set in ascending order.
func (c *Calendar) Holidays() []time.Time {
	out := make([]time.Time, 0, len(c.holidays))
	for k := range c.holidays {
		d, _ := time.ParseInLocation(dateKey, k, c.loc)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// IsHoliday reports whether date's local calendar day is a holiday.
func (c *Calendar) IsHoliday(date time.Time) bool {
	_, ok := c.holidays[date.In(c.loc).Format(dateKey)]
	return ok
}

// IsTradingDay is false on weekends and holidays.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	d := date.In(c.loc)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	return !c.IsHoliday(d)
}

// IsOpen reports whether t falls in [open, close) on a trading day.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	tod := c.timeOfDay(t)
	return tod >= c.window.Open && tod < c.window.Close
}

// IsPreOpen reports whether t falls in [pre-open, open) on a trading day.
func (c *Calendar) IsPreOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	tod := c.timeOfDay(t)
	return tod >= c.window.PreOpen && tod < c.window.Open
}

// IsPostMarket reports whether t falls in the post-close session.
func (c *Calendar) IsPostMarket(t time.Time) bool {
	if c.window.PostClose == 0 || !c.IsTradingDay(t) {
		return false
	}
	tod := c.timeOfDay(t)
	return tod >= c.window.PostOpen && tod < c.window.PostClose
}

// Session classifies t.
func (c *Calendar) Session(t time.Time) models.MarketSession {
	switch {
	case c.IsOpen(t):
		return models.SessionOpen
	case c.IsPreOpen(t):
		return models.SessionPreOpen
	case c.IsPostMarket(t):
		return models.SessionPostClose
	default:
		return models.SessionClosed
	}
}

// NextOpen returns the first open instant strictly after t. The zero time is
// returned only if no trading day exists within maxScanDays.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	for i := 0; i <= maxScanDays; i++ {
		day := c.midnight(local).AddDate(0, 0, i)
		if !c.IsTradingDay(day) {
			continue
		}
		open := c.at(day, c.window.Open)
		if open.After(t) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns today's close while open, otherwise the close of the next session.
func (c *Calendar) NextClose(t time.Time) time.Time {
	if c.IsOpen(t) {
		return c.at(c.midnight(t.In(c.loc)), c.window.Close)
	}
	open := c.NextOpen(t)
	if open.IsZero() {
		return open
	}
	return c.at(c.midnight(open), c.window.Close)
}

// TimeToClose is the time left in the session, or zero when closed.
func (c *Calendar) TimeToClose(t time.Time) time.Duration {
	if !c.IsOpen(t) {
		return 0
	}
	return c.NextClose(t).Sub(t)
}

// TimeToOpen is zero while open, otherwise the wait until NextOpen.
func (c *Calendar) TimeToOpen(t time.Time) time.Duration {
	if c.IsOpen(t) {
		return 0
	}
	open := c.NextOpen(t)
	if open.IsZero() {
		return 0
	}
	return open.Sub(t)
}

// TradingDaysBetween lists trading days from..to inclusive, as local midnights.
func (c *Calendar) TradingDaysBetween(from, to time.Time) []time.Time {
	var days []time.Time
	end := c.midnight(to.In(c.loc))
	for d := c.midnight(from.In(c.loc)); !d.After(end); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

func (c *Calendar) timeOfDay(t time.Time) TimeOfDay {
	local := t.In(c.loc)
	return TimeOfDay(local.Sub(c.midnight(local)))
}

func (c *Calendar) midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

func (c *Calendar) at(day time.Time, tod TimeOfDay) time.Time {
	return day.Add(time.Duration(tod))
}
