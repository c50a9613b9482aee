package calendar

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"angelone-bridge/pkg/utils"
)

// nseHolidays are exchange trading holidays that fall on weekdays or are
// listed by the exchange regardless.
var nseHolidays = []struct {
	date string
	name string
}{
	{"2025-01-26", "Republic Day"},
	{"2025-02-26", "Mahashivratri"},
	{"2025-03-14", "Holi"},
	{"2025-03-31", "Id-Ul-Fitr"},
	{"2025-04-10", "Shri Mahavir Jayanti"},
	{"2025-04-14", "Dr. Ambedkar Jayanti"},
	{"2025-04-18", "Good Friday"},
	{"2025-05-01", "Maharashtra Day"},
	{"2025-08-15", "Independence Day"},
	{"2025-08-27", "Janmashtami"},
	{"2025-10-02", "Gandhi Jayanti"},
	{"2025-10-21", "Diwali Laxmi Pujan"},
	{"2025-10-22", "Diwali Balipratipada"},
	{"2025-11-05", "Gurunanak Jayanti"},
	{"2025-12-25", "Christmas"},
	{"2026-01-26", "Republic Day"},
	{"2026-03-10", "Holi"},
	{"2026-04-03", "Good Friday"},
	{"2026-04-14", "Dr. Ambedkar Jayanti"},
	{"2026-05-01", "Maharashtra Day"},
	{"2026-08-15", "Independence Day"},
	{"2026-10-02", "Gandhi Jayanti"},
	{"2026-11-09", "Diwali"},
	{"2026-12-25", "Christmas"},
}

// DefaultHolidays returns the built-in NSE holiday list.
func DefaultHolidays() []time.Time {
	out := make([]time.Time, 0, len(nseHolidays))
	for _, h := range nseHolidays {
		d, err := time.ParseInLocation(dateKey, h.date, utils.IndiaLocation)
		if err != nil {
			panic(fmt.Sprintf("calendar: bad built-in holiday %q", h.date))
		}
		out = append(out, d)
	}
	return out
}

// ParseHolidays parses YYYY-MM-DD strings.
func ParseHolidays(dates []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(dates))
	for _, s := range dates {
		d, err := time.ParseInLocation(dateKey, s, utils.IndiaLocation)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

type holidayFile struct {
	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
	} `yaml:"holidays"`
}

// LoadHolidayFile reads a YAML document of the form
//
//	holidays:
//	  - date: 2026-03-10
//	    name: Holi
func LoadHolidayFile(path string) ([]time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read holiday file: %w", err)
	}
	var f holidayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse holiday file: %w", err)
	}
	dates := make([]string, 0, len(f.Holidays))
	for _, h := range f.Holidays {
		dates = append(dates, h.Date)
	}
	return ParseHolidays(dates)
}
