package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

// CandleTimeLayout is the broker's candle timestamp format.
const CandleTimeLayout = "2006-01-02T15:04:05-07:00"

// DefaultCandleInterval is assumed when the caller does not know the bar size.
const DefaultCandleInterval = time.Minute

// BrokerCandle is one [timestamp, open, high, low, close, volume] row.
type BrokerCandle struct {
	Timestamp string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64

	fields int // set by UnmarshalJSON when the row is short
}

// UnmarshalJSON decodes the six-element array form. A short row decodes
// without error and is rejected by CandleFromBroker.
func (c *BrokerCandle) UnmarshalJSON(b []byte) error {
	var row []json.RawMessage
	if err := json.Unmarshal(b, &row); err != nil {
		return fmt.Errorf("candle row: %w", err)
	}
	if len(row) < 6 {
		*c = BrokerCandle{fields: len(row)}
		if len(row) > 0 {
			_ = (*Str)(&c.Timestamp).UnmarshalJSON(row[0])
		}
		if c.fields == 0 {
			c.fields = -1
		}
		return nil
	}
	var ts Str
	var vals [5]Float
	_ = ts.UnmarshalJSON(row[0])
	for i := range vals {
		_ = vals[i].UnmarshalJSON(row[i+1])
	}
	*c = BrokerCandle{
		Timestamp: string(ts),
		Open:      float64(vals[0]),
		High:      float64(vals[1]),
		Low:       float64(vals[2]),
		Close:     float64(vals[3]),
		Volume:    float64(vals[4]),
	}
	return nil
}

// MarshalJSON encodes the six-element array form.
func (c BrokerCandle) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume})
}

// CandleFromBroker converts a broker row. The close time is open time plus
// interval (one minute when interval is zero). Quote volume is estimated from
// the open/close midpoint; trade counts are not reported by the broker.
func CandleFromBroker(bc BrokerCandle, interval time.Duration) (models.Candle, error) {
	if bc.fields != 0 {
		return models.Candle{}, fmt.Errorf("candle row %q has %d fields, want 6", bc.Timestamp, max(bc.fields, 0))
	}
	t, err := time.Parse(CandleTimeLayout, bc.Timestamp)
	if err != nil {
		return models.Candle{}, fmt.Errorf("candle timestamp %q: %w", bc.Timestamp, err)
	}
	if interval <= 0 {
		interval = DefaultCandleInterval
	}
	open := t.UnixMilli()
	return models.Candle{
		OpenTime:    open,
		Open:        bc.Open,
		High:        bc.High,
		Low:         bc.Low,
		Close:       bc.Close,
		Volume:      bc.Volume,
		CloseTime:   open + interval.Milliseconds(),
		QuoteVolume: bc.Volume * (bc.Open + bc.Close) / 2,
	}, nil
}

// CandleToBroker converts back to the broker row, timestamped in IST.
func CandleToBroker(c models.Candle) BrokerCandle {
	return BrokerCandle{
		Timestamp: time.UnixMilli(c.OpenTime).In(utils.IndiaLocation).Format(CandleTimeLayout),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	}
}

// CandlesFromBroker converts a batch, skipping malformed rows. The returned
// error lists every skipped row; the candles are usable either way.
func CandlesFromBroker(rows []BrokerCandle, interval time.Duration) ([]models.Candle, error) {
	out := make([]models.Candle, 0, len(rows))
	var skipped error
	for i, r := range rows {
		c, err := CandleFromBroker(r, interval)
		if err != nil {
			skipped = multierr.Append(skipped, fmt.Errorf("row %d: %w", i, err))
			continue
		}
		out = append(out, c)
	}
	return out, skipped
}

var candleIntervals = map[string]struct {
	broker string
	dur    time.Duration
}{
	"1m":  {"ONE_MINUTE", time.Minute},
	"3m":  {"THREE_MINUTE", 3 * time.Minute},
	"5m":  {"FIVE_MINUTE", 5 * time.Minute},
	"10m": {"TEN_MINUTE", 10 * time.Minute},
	"15m": {"FIFTEEN_MINUTE", 15 * time.Minute},
	"30m": {"THIRTY_MINUTE", 30 * time.Minute},
	"1h":  {"ONE_HOUR", time.Hour},
	"1d":  {"ONE_DAY", 24 * time.Hour},
}

// CandleInterval maps a canonical interval such as "5m" to the broker's name and bar length.
func CandleInterval(interval string) (string, time.Duration, bool) {
	v, ok := candleIntervals[interval]
	return v.broker, v.dur, ok
}
