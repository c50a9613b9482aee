package utils

import "time"

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// InIndia converts t to Indian Standard Time.
func InIndia(t time.Time) time.Time {
	return t.In(IndiaLocation)
}

// ISTDate returns midnight IST for the given calendar date.
func ISTDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, IndiaLocation)
}

// ISTTime returns the IST instant for the given date and clock time.
func ISTTime(year int, month time.Month, day, hour, min, sec int) time.Time {
	return time.Date(year, month, day, hour, min, sec, 0, IndiaLocation)
}
