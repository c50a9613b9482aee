package convert

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"angelone-bridge/internal/models"
)

// Streaming subscription modes.
const (
	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
)

// Frame sizes for the LTP and quote layouts. Snap-quote frames extend the
// quote layout and are decoded up to the quote fields.
const (
	ltpFrameSize   = 51
	quoteFrameSize = 123
	tokenFieldSize = 25
)

// BrokerTick is a decoded streaming frame. Prices are in paise.
type BrokerTick struct {
	Mode          int
	ExchangeType  int
	Token         string
	Sequence      int64
	ExchangeTime  int64 // unix milliseconds
	LTP           int64
	LastQuantity  int64
	AveragePrice  int64
	Volume        int64
	TotalBuyQty   float64
	TotalSellQty  float64
	Open          int64
	High          int64
	Low           int64
	Close         int64
}

// DecodeTickFrame parses a little-endian binary market-data frame.
func DecodeTickFrame(b []byte) (BrokerTick, error) {
	if len(b) < ltpFrameSize {
		return BrokerTick{}, fmt.Errorf("tick frame too short: %d bytes", len(b))
	}
	le := binary.LittleEndian
	t := BrokerTick{
		Mode:         int(b[0]),
		ExchangeType: int(b[1]),
		Token:        string(bytes.TrimRight(b[2:2+tokenFieldSize], "\x00")),
		Sequence:     int64(le.Uint64(b[27:35])),
		ExchangeTime: int64(le.Uint64(b[35:43])),
		LTP:          int64(le.Uint64(b[43:51])),
	}
	if t.Mode == ModeLTP {
		return t, nil
	}
	if len(b) < quoteFrameSize {
		return BrokerTick{}, fmt.Errorf("quote frame too short: %d bytes", len(b))
	}
	t.LastQuantity = int64(le.Uint64(b[51:59]))
	t.AveragePrice = int64(le.Uint64(b[59:67]))
	t.Volume = int64(le.Uint64(b[67:75]))
	t.TotalBuyQty = math.Float64frombits(le.Uint64(b[75:83]))
	t.TotalSellQty = math.Float64frombits(le.Uint64(b[83:91]))
	t.Open = int64(le.Uint64(b[91:99]))
	t.High = int64(le.Uint64(b[99:107]))
	t.Low = int64(le.Uint64(b[107:115]))
	t.Close = int64(le.Uint64(b[115:123]))
	return t, nil
}

// EncodeTickFrame is the inverse of DecodeTickFrame. LTP-mode ticks produce
// the short layout.
func EncodeTickFrame(t BrokerTick) []byte {
	size := quoteFrameSize
	if t.Mode == ModeLTP {
		size = ltpFrameSize
	}
	b := make([]byte, size)
	le := binary.LittleEndian
	b[0] = byte(t.Mode)
	b[1] = byte(t.ExchangeType)
	copy(b[2:2+tokenFieldSize], t.Token)
	le.PutUint64(b[27:35], uint64(t.Sequence))
	le.PutUint64(b[35:43], uint64(t.ExchangeTime))
	le.PutUint64(b[43:51], uint64(t.LTP))
	if size == ltpFrameSize {
		return b
	}
	le.PutUint64(b[51:59], uint64(t.LastQuantity))
	le.PutUint64(b[59:67], uint64(t.AveragePrice))
	le.PutUint64(b[67:75], uint64(t.Volume))
	le.PutUint64(b[75:83], math.Float64bits(t.TotalBuyQty))
	le.PutUint64(b[83:91], math.Float64bits(t.TotalSellQty))
	le.PutUint64(b[91:99], uint64(t.Open))
	le.PutUint64(b[99:107], uint64(t.High))
	le.PutUint64(b[107:115], uint64(t.Low))
	le.PutUint64(b[115:123], uint64(t.Close))
	return b
}

func paise(v int64) float64 { return float64(v) / 100 }

// TickFromBroker converts a frame for a resolved symbol. Fields the frame's
// mode does not carry stay zero.
func TickFromBroker(t BrokerTick, symbol string, exchange models.Exchange) models.Tick {
	return models.Tick{
		Symbol:    symbol,
		Exchange:  exchange,
		Token:     t.Token,
		Price:     paise(t.LTP),
		Open:      paise(t.Open),
		High:      paise(t.High),
		Low:       paise(t.Low),
		Close:     paise(t.Close),
		Volume:    float64(t.Volume),
		Timestamp: t.ExchangeTime,
	}
}
