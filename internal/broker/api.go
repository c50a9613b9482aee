// Package broker talks to the brokerage: the REST wire client, an in-memory
// paper broker, the order gateway and the streaming subscriber.
package broker

import (
	"context"
	"time"

	"angelone-bridge/internal/auth"
	"angelone-bridge/internal/convert"
)

// API is the broker's REST surface in wire form. Every call carries the
// session whose token authorizes it.
type API interface {
	PlaceOrder(ctx context.Context, s *auth.Session, req convert.BrokerOrderRequest) (string, error)
	ModifyOrder(ctx context.Context, s *auth.Session, req convert.BrokerModifyRequest) error
	CancelOrder(ctx context.Context, s *auth.Session, variety, orderID string) error

	OrderBook(ctx context.Context, s *auth.Session) ([]convert.BrokerOrder, error)
	TradeBook(ctx context.Context, s *auth.Session) ([]convert.BrokerTrade, error)
	Positions(ctx context.Context, s *auth.Session) ([]convert.BrokerPosition, error)
	Holdings(ctx context.Context, s *auth.Session) ([]convert.BrokerHolding, error)
	Funds(ctx context.Context, s *auth.Session) (convert.BrokerFunds, error)

	Candles(ctx context.Context, s *auth.Session, req CandleRequest) ([]convert.BrokerCandle, error)
	LTP(ctx context.Context, s *auth.Session, req LTPRequest) (convert.BrokerLTP, error)
}

// CandleRequest is the historical candle query.
type CandleRequest struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symboltoken"`
	Interval    string `json:"interval"`
	FromDate    string `json:"fromdate"`
	ToDate      string `json:"todate"`
}

// LTPRequest is the last-traded-price query.
type LTPRequest struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
}

// CandleDateLayout is the broker's from/to date format.
const CandleDateLayout = "2006-01-02 15:04"

// Bridge is a broker that also serves the login flow.
type Bridge interface {
	API
	auth.LoginAPI
}

// defaultTimeout bounds a single REST round trip.
const defaultTimeout = 10 * time.Second
