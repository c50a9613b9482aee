package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"angelone-bridge/internal/auth"
	"angelone-bridge/internal/convert"
	"angelone-bridge/internal/errors"
	"angelone-bridge/pkg/utils"
)

// PaperAPI is an in-memory broker speaking the same wire types as SmartAPI.
// Orders fill against prices fed through SetPrice.
type PaperAPI struct {
	clock utils.Clock

	mu        sync.Mutex
	cash      float64
	initial   float64
	orders    map[string]*paperOrder
	sequence  []string
	fills     []convert.BrokerTrade
	positions map[string]*paperPosition
	prices    map[string]float64
	candles   map[string][]convert.BrokerCandle
	sessions  map[string]struct{}
}

type paperOrder struct {
	req      convert.BrokerOrderRequest
	id       string
	status   string
	filled   float64
	avg      float64
	text     string
	updated  time.Time
	price    float64
	trigger  float64
	quantity float64
}

type paperPosition struct {
	symbol, exchange, product string
	buyQty, sellQty           float64
	buyValue, sellValue       float64
}

// PaperConfig holds configuration for the paper broker.
type PaperConfig struct {
	InitialBalance float64 `mapstructure:"initial_balance"`
}

// NewPaperAPI creates a paper broker with the configured cash balance.
func NewPaperAPI(cfg PaperConfig, clock utils.Clock) *PaperAPI {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 1000000 // 10 lakhs
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &PaperAPI{
		clock:     clock,
		cash:      cfg.InitialBalance,
		initial:   cfg.InitialBalance,
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*paperPosition),
		prices:    make(map[string]float64),
		candles:   make(map[string][]convert.BrokerCandle),
		sessions:  make(map[string]struct{}),
	}
}

func paperKey(exchange, symbol string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol)
}

// Login accepts any credentials.
func (p *PaperAPI) Login(_ context.Context, clientCode, _, oneTimeCode string) (auth.Tokens, error) {
	if clientCode == "" || oneTimeCode == "" {
		return auth.Tokens{}, errors.New(errors.CodeAuthFailed, "invalid credentials", nil)
	}
	return p.issue(), nil
}

// Refresh issues new tokens for a known session.
func (p *PaperAPI) Refresh(_ context.Context, accessToken, _ string) (auth.Tokens, error) {
	p.mu.Lock()
	_, ok := p.sessions[accessToken]
	p.mu.Unlock()
	if !ok {
		return auth.Tokens{}, errors.FromBroker("AB8050", "Invalid refresh token", errors.CodeAuthSessionExpired)
	}
	return p.issue(), nil
}

// Logout drops the session.
func (p *PaperAPI) Logout(_ context.Context, accessToken, _ string) error {
	p.mu.Lock()
	delete(p.sessions, accessToken)
	p.mu.Unlock()
	return nil
}

func (p *PaperAPI) issue() auth.Tokens {
	t := auth.Tokens{
		AccessToken:  "paper-" + uuid.NewString(),
		RefreshToken: "paper-refresh-" + uuid.NewString(),
		FeedToken:    "paper-feed",
	}
	p.mu.Lock()
	p.sessions[t.AccessToken] = struct{}{}
	p.mu.Unlock()
	return t
}

func (p *PaperAPI) authorize(s *auth.Session) error {
	if s == nil {
		return errors.SessionExpiredError(errors.ErrNotAuthenticated)
	}
	if _, ok := p.sessions[s.AccessToken]; !ok {
		return errors.FromBroker("AG8001", "Invalid Token", errors.CodeAuthSessionExpired)
	}
	return nil
}

// SetPrice records the last traded price and works any orders it triggers.
func (p *PaperAPI) SetPrice(exchange, symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[paperKey(exchange, symbol)] = price
	for _, id := range p.sequence {
		if o := p.orders[id]; o.status == "open" || o.status == "trigger pending" {
			p.work(o)
		}
	}
}

// SetCandles seeds the historical bars served for a token.
func (p *PaperAPI) SetCandles(exchange, token string, rows []convert.BrokerCandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[paperKey(exchange, token)] = append([]convert.BrokerCandle(nil), rows...)
}

// PlaceOrder accepts an order and fills it if the price allows.
func (p *PaperAPI) PlaceOrder(_ context.Context, s *auth.Session, req convert.BrokerOrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return "", err
	}

	qty, _ := strconv.ParseFloat(req.Quantity, 64)
	price, _ := strconv.ParseFloat(req.Price, 64)
	trigger, _ := strconv.ParseFloat(req.TriggerPrice, 64)
	if qty <= 0 {
		return "", errors.FromBroker("AB4008", "Invalid quantity", errors.CodeOrderRejected)
	}
	if req.TransactionType == "BUY" {
		ref := price
		if ref == 0 {
			ref = p.prices[paperKey(req.Exchange, req.TradingSymbol)]
		}
		if need := ref * qty; need > p.cash {
			return "", errors.FromBroker("", fmt.Sprintf("Insufficient funds: need %.2f, have %.2f", need, p.cash), errors.CodeOrderRejected)
		}
	}

	o := &paperOrder{
		req:      req,
		id:       strings.ReplaceAll(uuid.NewString(), "-", "")[:15],
		status:   "open",
		price:    price,
		trigger:  trigger,
		quantity: qty,
		updated:  p.clock.Now(),
	}
	if trigger > 0 {
		o.status = "trigger pending"
	}
	p.orders[o.id] = o
	p.sequence = append(p.sequence, o.id)
	p.work(o)
	return o.id, nil
}

// work fills or triggers o against the current price. Caller holds p.mu.
func (p *PaperAPI) work(o *paperOrder) {
	ltp, ok := p.prices[paperKey(o.req.Exchange, o.req.TradingSymbol)]
	if !ok || ltp <= 0 {
		return
	}
	buy := o.req.TransactionType == "BUY"
	if o.status == "trigger pending" {
		if (buy && ltp < o.trigger) || (!buy && ltp > o.trigger) {
			return
		}
		o.status = "open"
	}

	fill := ltp
	switch o.req.OrderType {
	case "LIMIT", "STOPLOSS_LIMIT":
		if (buy && ltp > o.price) || (!buy && ltp < o.price) {
			return
		}
		fill = o.price
	}
	remaining := o.quantity - o.filled
	if remaining <= 0 {
		return
	}
	value := fill * remaining
	if buy && value > p.cash {
		o.status = "rejected"
		o.text = "Insufficient funds"
		return
	}

	o.avg = (o.avg*o.filled + value) / o.quantity
	o.filled = o.quantity
	o.status = "complete"
	o.updated = p.clock.Now()

	key := paperKey(o.req.Exchange, o.req.TradingSymbol) + ":" + o.req.ProductType
	pos, ok := p.positions[key]
	if !ok {
		pos = &paperPosition{symbol: o.req.TradingSymbol, exchange: o.req.Exchange, product: o.req.ProductType}
		p.positions[key] = pos
	}
	if buy {
		pos.buyQty += remaining
		pos.buyValue += value
		p.cash -= value
	} else {
		pos.sellQty += remaining
		pos.sellValue += value
		p.cash += value
	}
	p.fills = append(p.fills, convert.BrokerTrade{
		FillID:          convert.Str(uuid.NewString()),
		OrderID:         convert.Str(o.id),
		TradingSymbol:   convert.Str(o.req.TradingSymbol),
		Exchange:        convert.Str(o.req.Exchange),
		TransactionType: convert.Str(o.req.TransactionType),
		FillPrice:       convert.Float(fill),
		FillSize:        convert.Float(remaining),
		FillTime:        convert.Str(o.updated.In(utils.IndiaLocation).Format("15:04:05")),
	})
}

// ModifyOrder changes an open order.
func (p *PaperAPI) ModifyOrder(_ context.Context, s *auth.Session, req convert.BrokerModifyRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return err
	}
	o, ok := p.orders[req.OrderID]
	if !ok {
		return errors.FromBroker("AB2002", "Order not found", errors.CodeOrderRejected)
	}
	if o.status != "open" && o.status != "trigger pending" {
		return errors.OrderRejectedError(fmt.Sprintf("cannot modify order with status %s", o.status))
	}
	o.req.OrderType = req.OrderType
	o.req.Variety = req.Variety
	o.quantity, _ = strconv.ParseFloat(req.Quantity, 64)
	o.price, _ = strconv.ParseFloat(req.Price, 64)
	o.trigger, _ = strconv.ParseFloat(req.TriggerPrice, 64)
	if o.trigger == 0 && o.status == "trigger pending" {
		o.status = "open"
	}
	o.updated = p.clock.Now()
	p.work(o)
	return nil
}

// CancelOrder cancels an open order.
func (p *PaperAPI) CancelOrder(_ context.Context, s *auth.Session, _, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return errors.FromBroker("AB2002", "Order not found", errors.CodeOrderRejected)
	}
	if o.status != "open" && o.status != "trigger pending" {
		return errors.OrderRejectedError(fmt.Sprintf("cannot cancel order with status %s", o.status))
	}
	o.status = "cancelled"
	o.updated = p.clock.Now()
	return nil
}

// OrderBook lists orders in placement order.
func (p *PaperAPI) OrderBook(_ context.Context, s *auth.Session) ([]convert.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return nil, err
	}
	rows := make([]convert.BrokerOrder, 0, len(p.sequence))
	for _, id := range p.sequence {
		o := p.orders[id]
		rows = append(rows, convert.BrokerOrder{
			OrderID:         convert.Str(o.id),
			TradingSymbol:   convert.Str(o.req.TradingSymbol),
			SymbolToken:     convert.Str(o.req.SymbolToken),
			Exchange:        convert.Str(o.req.Exchange),
			TransactionType: convert.Str(o.req.TransactionType),
			OrderType:       convert.Str(o.req.OrderType),
			ProductType:     convert.Str(o.req.ProductType),
			Variety:         convert.Str(o.req.Variety),
			Duration:        convert.Str(o.req.Duration),
			Price:           convert.Float(o.price),
			TriggerPrice:    convert.Float(o.trigger),
			Quantity:        convert.Float(o.quantity),
			FilledShares:    convert.Float(o.filled),
			UnfilledShares:  convert.Float(o.quantity - o.filled),
			AveragePrice:    convert.Float(o.avg),
			Status:          convert.Str(o.status),
			OrderStatus:     convert.Str(o.status),
			Text:            convert.Str(o.text),
			OrderTag:        convert.Str(o.req.OrderTag),
			UpdateTime:      convert.Str(o.updated.In(utils.IndiaLocation).Format(convert.BrokerTimeLayout)),
		})
	}
	return rows, nil
}

// TradeBook lists fills.
func (p *PaperAPI) TradeBook(_ context.Context, s *auth.Session) ([]convert.BrokerTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return nil, err
	}
	return append([]convert.BrokerTrade(nil), p.fills...), nil
}

// Positions lists non-delivery positions.
func (p *PaperAPI) Positions(_ context.Context, s *auth.Session) ([]convert.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return nil, err
	}
	var rows []convert.BrokerPosition
	for _, key := range p.sortedPositions() {
		pos := p.positions[key]
		if pos.product == "DELIVERY" {
			continue
		}
		row := convert.BrokerPosition{
			TradingSymbol: convert.Str(pos.symbol),
			Exchange:      convert.Str(pos.exchange),
			ProductType:   convert.Str(pos.product),
			NetQty:        convert.Float(pos.buyQty - pos.sellQty),
			BuyQty:        convert.Float(pos.buyQty),
			SellQty:       convert.Float(pos.sellQty),
			LTP:           convert.Float(p.prices[paperKey(pos.exchange, pos.symbol)]),
		}
		if pos.buyQty > 0 {
			row.BuyAvgPrice = convert.Float(pos.buyValue / pos.buyQty)
		}
		if pos.sellQty > 0 {
			row.SellAvgPrice = convert.Float(pos.sellValue / pos.sellQty)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Holdings lists delivery buys.
func (p *PaperAPI) Holdings(_ context.Context, s *auth.Session) ([]convert.BrokerHolding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return nil, err
	}
	var rows []convert.BrokerHolding
	for _, key := range p.sortedPositions() {
		pos := p.positions[key]
		held := pos.buyQty - pos.sellQty
		if pos.product != "DELIVERY" || held <= 0 {
			continue
		}
		rows = append(rows, convert.BrokerHolding{
			TradingSymbol: convert.Str(pos.symbol),
			Exchange:      convert.Str(pos.exchange),
			Product:       convert.Str(pos.product),
			T1Quantity:    convert.Float(held),
			AveragePrice:  convert.Float(pos.buyValue / pos.buyQty),
			LTP:           convert.Float(p.prices[paperKey(pos.exchange, pos.symbol)]),
		})
	}
	return rows, nil
}

func (p *PaperAPI) sortedPositions() []string {
	keys := make([]string, 0, len(p.positions))
	for k := range p.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Funds reports cash and mark-to-market.
func (p *PaperAPI) Funds(_ context.Context, s *auth.Session) (convert.BrokerFunds, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return convert.BrokerFunds{}, err
	}
	var m2m float64
	for _, pos := range p.positions {
		net := pos.buyQty - pos.sellQty
		ltp := p.prices[paperKey(pos.exchange, pos.symbol)]
		if net != 0 && ltp > 0 {
			m2m += ltp*net - (pos.buyValue - pos.sellValue)
		}
	}
	return convert.BrokerFunds{
		Net:           convert.Float(p.cash + m2m),
		AvailableCash: convert.Float(p.cash),
		M2MUnrealized: convert.Float(m2m),
	}, nil
}

// Candles serves seeded bars.
func (p *PaperAPI) Candles(_ context.Context, s *auth.Session, req CandleRequest) ([]convert.BrokerCandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return nil, err
	}
	rows, ok := p.candles[paperKey(req.Exchange, req.SymbolToken)]
	if !ok {
		return nil, errors.FromBroker("AB9019", "No data available", errors.CodeDataUnavailable)
	}
	return append([]convert.BrokerCandle(nil), rows...), nil
}

// LTP serves the last price set for the symbol.
func (p *PaperAPI) LTP(_ context.Context, s *auth.Session, req LTPRequest) (convert.BrokerLTP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorize(s); err != nil {
		return convert.BrokerLTP{}, err
	}
	price, ok := p.prices[paperKey(req.Exchange, req.TradingSymbol)]
	if !ok {
		return convert.BrokerLTP{}, errors.FromBroker("", "No data available", errors.CodeDataUnavailable)
	}
	return convert.BrokerLTP{
		Exchange:      convert.Str(req.Exchange),
		TradingSymbol: convert.Str(req.TradingSymbol),
		SymbolToken:   convert.Str(req.SymbolToken),
		LTP:           convert.Float(price),
	}, nil
}

// Reset restores the initial balance and clears every order and position.
func (p *PaperAPI) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = p.initial
	p.orders = make(map[string]*paperOrder)
	p.sequence = nil
	p.fills = nil
	p.positions = make(map[string]*paperPosition)
}

var _ Bridge = (*PaperAPI)(nil)
