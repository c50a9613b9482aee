// Package models provides the canonical schema shared by every adapter component.
package models

import (
	"strings"
	"time"
)

// Exchange represents an exchange segment.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // NSE F&O
	BFO Exchange = "BFO" // BSE F&O
	MCX Exchange = "MCX" // Commodity
	CDS Exchange = "CDS" // Currency
)

// Exchanges lists every supported segment in a stable order.
var Exchanges = []Exchange{NSE, BSE, NFO, BFO, MCX, CDS}

// ParseExchange normalizes s and reports whether it names a supported segment.
func ParseExchange(s string) (Exchange, bool) {
	e := Exchange(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Exchanges {
		if e == known {
			return e, true
		}
	}
	return e, false
}

// IsDerivative reports whether the segment trades futures and options only.
func (e Exchange) IsDerivative() bool {
	switch e {
	case NFO, BFO, MCX, CDS:
		return true
	}
	return false
}

// InstrumentKind classifies a tradable instrument.
type InstrumentKind string

const (
	KindEquity InstrumentKind = "EQUITY"
	KindFuture InstrumentKind = "FUTURE"
	KindCall   InstrumentKind = "CALL"
	KindPut    InstrumentKind = "PUT"
	KindIndex  InstrumentKind = "INDEX"
)

// IsOption reports whether k is a call or a put.
func (k InstrumentKind) IsOption() bool {
	return k == KindCall || k == KindPut
}

// MarketSession is the calendar-derived state of a segment at an instant.
type MarketSession string

const (
	SessionPreOpen   MarketSession = "PRE_OPEN"
	SessionOpen      MarketSession = "OPEN"
	SessionPostClose MarketSession = "POST_CLOSE"
	SessionClosed    MarketSession = "CLOSED"
)

// SymbolRecord is one resolved catalog entry.
type SymbolRecord struct {
	Symbol   string         `json:"symbol" csv:"symbol"`
	Name     string         `json:"name" csv:"name"`
	Exchange Exchange       `json:"exchange" csv:"exchange"`
	Token    string         `json:"token" csv:"token"`
	LotSize  int            `json:"lot_size" csv:"lot_size"`
	TickSize float64        `json:"tick_size" csv:"tick_size"`
	Kind     InstrumentKind `json:"kind" csv:"kind"`
	Expiry   time.Time      `json:"expiry,omitempty" csv:"-"`
	Strike   float64        `json:"strike,omitempty" csv:"strike"`
}

// Candle is the canonical OHLCV bar. Times are Unix milliseconds.
type Candle struct {
	OpenTime      int64   `json:"open_time"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
	CloseTime     int64   `json:"close_time"`
	QuoteVolume   float64 `json:"quote_volume"`
	Trades        int64   `json:"trades"`
	TakerBuyBase  float64 `json:"taker_buy_base"`
	TakerBuyQuote float64 `json:"taker_buy_quote"`
}

// Ticker is a last-traded-price snapshot.
type Ticker struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Time   int64   `json:"time"`
}

// Tick is a canonical streaming quote update.
type Tick struct {
	Symbol    string   `json:"symbol"`
	Exchange  Exchange `json:"exchange"`
	Token     string   `json:"token"`
	Price     float64  `json:"price"`
	Open      float64  `json:"open"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	Close     float64  `json:"close"`
	Volume    float64  `json:"volume"`
	Timestamp int64    `json:"timestamp"`
}

// Position is a canonical open position or holding. PnL is always derived.
type Position struct {
	Symbol       string      `json:"symbol"`
	Exchange     Exchange    `json:"exchange,omitempty"`
	Product      ProductType `json:"product_type,omitempty"`
	Quantity     float64     `json:"quantity"`
	AveragePrice float64     `json:"average_price"`
	CurrentPrice float64     `json:"current_price"`
	PnL          float64     `json:"pnl"`
	PnLPercent   float64     `json:"pnl_percent"`
}

// NewPosition builds a position and derives its P&L.
func NewPosition(symbol string, qty, avg, current float64) Position {
	p := Position{Symbol: symbol, Quantity: qty, AveragePrice: avg, CurrentPrice: current}
	p.Recompute()
	return p
}

// Recompute derives PnL and PnLPercent from price and quantity.
func (p *Position) Recompute() {
	p.PnL = (p.CurrentPrice - p.AveragePrice) * p.Quantity
	p.PnLPercent = 0
	if p.AveragePrice > 0 {
		p.PnLPercent = (p.CurrentPrice - p.AveragePrice) / p.AveragePrice * 100
	}
}

// Account summarizes funds.
type Account struct {
	TotalBalance          float64 `json:"total_balance"`
	AvailableBalance      float64 `json:"available_balance"`
	TotalUnrealizedProfit float64 `json:"total_unrealized_profit"`
}
