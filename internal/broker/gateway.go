package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"angelone-bridge/internal/auth"
	"angelone-bridge/internal/convert"
	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/logging"
	"angelone-bridge/internal/models"
	"angelone-bridge/internal/store"
	"angelone-bridge/pkg/utils"
)

// Resolver maps a symbol to its catalog entry.
type Resolver interface {
	Resolve(symbol string, exchange models.Exchange) (models.SymbolRecord, error)
}

// Calendar answers market-hours questions per exchange.
type Calendar interface {
	IsOpen(exchange models.Exchange, t time.Time) bool
	NextOpen(exchange models.Exchange, t time.Time) time.Time
}

// GatewayConfig holds order gateway settings.
type GatewayConfig struct {
	DefaultExchange models.Exchange    `mapstructure:"default_exchange"`
	DefaultProduct  models.ProductType `mapstructure:"default_product"`
	MaxAttempts     int                `mapstructure:"max_attempts"`
	RetryDelay      time.Duration      `mapstructure:"retry_delay"`
	MaxRetryDelay   time.Duration      `mapstructure:"max_retry_delay"`
}

// DefaultGatewayConfig returns the default gateway configuration.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		DefaultExchange: models.NSE,
		DefaultProduct:  models.ProductIntraday,
		MaxAttempts:     3,
		RetryDelay:      500 * time.Millisecond,
		MaxRetryDelay:   10 * time.Second,
	}
}

// Gateway is the canonical order and account surface over a broker API.
type Gateway struct {
	api      API
	sessions auth.SessionSource
	symbols  Resolver
	calendar Calendar
	cfg      GatewayConfig
	clock    utils.Clock
	logger   zerolog.Logger

	store   store.Store
	account string

	haltMu     sync.RWMutex
	haltErr    error
	onCritical []func(error)

	bookMu sync.RWMutex
	book   map[string]models.Order
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayClock sets the clock used for market-hours checks and backoff.
func WithGatewayClock(c utils.Clock) GatewayOption { return func(g *Gateway) { g.clock = c } }

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logging.WithComponent(l, "gateway") }
}

// WithGatewayConfig overrides the defaults. Zero fields keep their default.
func WithGatewayConfig(c GatewayConfig) GatewayOption {
	return func(g *Gateway) {
		if c.DefaultExchange != "" {
			g.cfg.DefaultExchange = c.DefaultExchange
		}
		if c.DefaultProduct != "" {
			g.cfg.DefaultProduct = c.DefaultProduct
		}
		if c.MaxAttempts > 0 {
			g.cfg.MaxAttempts = c.MaxAttempts
		}
		if c.RetryDelay > 0 {
			g.cfg.RetryDelay = c.RetryDelay
		}
		if c.MaxRetryDelay > 0 {
			g.cfg.MaxRetryDelay = c.MaxRetryDelay
		}
	}
}

// WithSnapshots enables the last-known read cache for one account.
func WithSnapshots(s store.Store, account string) GatewayOption {
	return func(g *Gateway) {
		g.store = s
		g.account = account
	}
}

// NewGateway wires a gateway.
func NewGateway(api API, sessions auth.SessionSource, symbols Resolver, cal Calendar, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		api:      api,
		sessions: sessions,
		symbols:  symbols,
		calendar: cal,
		cfg:      DefaultGatewayConfig(),
		clock:    utils.SystemClock{},
		logger:   logging.WithComponent(zerolog.Nop(), "gateway"),
		book:     make(map[string]models.Order),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnCritical registers a handler notified when a critical error halts trading.
func (g *Gateway) OnCritical(fn func(error)) {
	g.haltMu.Lock()
	defer g.haltMu.Unlock()
	g.onCritical = append(g.onCritical, fn)
}

// Halt stops order placement, modification and cancellation until Resume.
func (g *Gateway) Halt(reason error) {
	g.haltMu.Lock()
	if g.haltErr != nil {
		g.haltMu.Unlock()
		return
	}
	g.haltErr = reason
	handlers := slices.Clone(g.onCritical)
	g.haltMu.Unlock()

	g.logger.Error().Err(reason).Msg("Trading halted")
	for _, fn := range handlers {
		fn(reason)
	}
}

// Resume clears a halt.
func (g *Gateway) Resume() {
	g.haltMu.Lock()
	prev := g.haltErr
	g.haltErr = nil
	g.haltMu.Unlock()
	if prev != nil {
		g.logger.Warn().Err(prev).Msg("Trading resumed")
	}
}

// Halted returns the error that halted trading, or nil.
func (g *Gateway) Halted() error {
	g.haltMu.RLock()
	defer g.haltMu.RUnlock()
	return g.haltErr
}

func (g *Gateway) checkHalt() error {
	if reason := g.Halted(); reason != nil {
		return errors.New(errors.CodeOrderHalted, "trading halted", fmt.Errorf("%w: %v", errors.ErrHalted, reason))
	}
	return nil
}

func (g *Gateway) checkOpen(exchange models.Exchange) error {
	now := g.clock.Now()
	if g.calendar.IsOpen(exchange, now) {
		return nil
	}
	return errors.MarketClosedError(string(exchange), g.calendar.NextOpen(exchange, now))
}

// PlaceOrder validates and submits an order. It is refused without any
// network call when trading is halted, the request is invalid or the
// exchange is closed. Broker rejections carry the broker's reason and are
// never retried.
func (g *Gateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	if err := g.checkHalt(); err != nil {
		return models.Order{}, err
	}
	if req.Exchange == "" {
		req.Exchange = g.cfg.DefaultExchange
	}
	if req.Product == "" {
		req.Product = g.cfg.DefaultProduct
	}
	if err := ValidateRequest(req); err != nil {
		return models.Order{}, err
	}
	if err := g.checkOpen(req.Exchange); err != nil {
		return models.Order{}, err
	}
	rec, err := g.symbols.Resolve(req.Symbol, req.Exchange)
	if err != nil {
		return models.Order{}, err
	}
	if err := ValidateInstrument(req, rec); err != nil {
		return models.Order{}, err
	}

	logger := logging.WithSymbol(g.logger, rec.Symbol, string(rec.Exchange))
	order := models.Order{
		Symbol:       rec.Symbol,
		Exchange:     rec.Exchange,
		Side:         req.Side,
		Kind:         req.Kind,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Product:      req.Product,
		Status:       models.OrderCreated,
		Tag:          req.Tag,
	}
	body := convert.OrderToBroker(req, rec)
	g.transition(logger, &order, models.OrderSubmitted)

	var id string
	err = g.call(ctx, "place_order", false, func(s *auth.Session) error {
		var err error
		id, err = g.api.PlaceOrder(ctx, s, body)
		return err
	})
	if err != nil {
		if errors.Classify(err) == errors.KindOrderRejected {
			order.Reason = reasonOf(err)
			g.transition(logger.With().Str("reason", order.Reason).Logger(), &order, models.OrderRejected)
		}
		return models.Order{}, err
	}

	order.ID = id
	order.UpdatedAt = g.clock.Now()
	g.transition(logging.WithOrderID(logger, id), &order, models.OrderPending)
	g.remember(order)
	return order, nil
}

// ModifyOrder changes a working order. Only ACKNOWLEDGED and
// PARTIALLY_FILLED orders can be modified, and only while the exchange is open.
func (g *Gateway) ModifyOrder(ctx context.Context, orderID string, mod models.OrderModification) (models.Order, error) {
	cur, rec, err := g.mutable(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if mod.Kind != "" && !mod.Kind.Valid() {
		return models.Order{}, errors.InvalidOrderError("order_kind", fmt.Sprintf("unsupported order kind %q", mod.Kind))
	}
	if mod.Quantity < 0 {
		return models.Order{}, errors.InvalidOrderError("quantity", "quantity must be positive")
	}

	body := convert.ModifyToBroker(cur, mod, rec)
	next := cur
	if mod.Kind != "" {
		next.Kind = mod.Kind
	}
	if mod.Quantity > 0 {
		next.Quantity = mod.Quantity
	}
	if mod.Price > 0 {
		next.Price = mod.Price
	}
	if mod.TriggerPrice > 0 {
		next.TriggerPrice = mod.TriggerPrice
	}
	merged := models.OrderRequest{
		Symbol: next.Symbol, Exchange: next.Exchange, Side: next.Side, Kind: next.Kind,
		Quantity: next.Quantity, Price: next.Price, TriggerPrice: next.TriggerPrice, Product: next.Product,
	}
	if err := ValidateRequest(merged); err != nil {
		return models.Order{}, err
	}
	if err := ValidateInstrument(merged, rec); err != nil {
		return models.Order{}, err
	}

	if err := g.call(ctx, "modify_order", false, func(s *auth.Session) error {
		return g.api.ModifyOrder(ctx, s, body)
	}); err != nil {
		return models.Order{}, err
	}
	next.UpdatedAt = g.clock.Now()
	g.remember(next)
	logging.LogOrder(g.logger, next.ID, next.Symbol, string(next.Side), "MODIFIED")
	return next, nil
}

// CancelOrder cancels a working order under the same rules as ModifyOrder.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) (models.Order, error) {
	cur, _, err := g.mutable(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if err := g.call(ctx, "cancel_order", false, func(s *auth.Session) error {
		return g.api.CancelOrder(ctx, s, convert.VarietyFor(cur.Kind), cur.ID)
	}); err != nil {
		return models.Order{}, err
	}
	logger := logging.WithOrderID(logging.WithSymbol(g.logger, cur.Symbol, string(cur.Exchange)), cur.ID)
	g.transition(logger, &cur, models.OrderCancelled)
	cur.UpdatedAt = g.clock.Now()
	g.remember(cur)
	return cur, nil
}

// mutable loads the live state of orderID and checks that it may be changed now.
func (g *Gateway) mutable(ctx context.Context, orderID string) (models.Order, models.SymbolRecord, error) {
	if err := g.checkHalt(); err != nil {
		return models.Order{}, models.SymbolRecord{}, err
	}
	exchange := g.cfg.DefaultExchange
	if known, ok := g.Order(orderID); ok && known.Exchange != "" {
		exchange = known.Exchange
	}
	if err := g.checkOpen(exchange); err != nil {
		return models.Order{}, models.SymbolRecord{}, err
	}

	orders, err := g.liveOrders(ctx)
	if err != nil {
		return models.Order{}, models.SymbolRecord{}, err
	}
	var cur models.Order
	found := false
	for _, o := range orders {
		if o.ID == orderID {
			cur, found = o, true
			break
		}
	}
	if !found {
		return models.Order{}, models.SymbolRecord{}, errors.New(errors.CodeOrderNotFound, "order not found", nil).With("order_id", orderID)
	}
	if cur.Exchange != exchange {
		if err := g.checkOpen(cur.Exchange); err != nil {
			return models.Order{}, models.SymbolRecord{}, err
		}
	}
	if !cur.Status.Mutable() {
		return models.Order{}, models.SymbolRecord{}, errors.New(errors.CodeOrderState,
			fmt.Sprintf("order %s is %s", orderID, cur.Status), nil).With("order_id", orderID).With("status", string(cur.Status))
	}
	rec, err := g.symbols.Resolve(cur.Symbol, cur.Exchange)
	if err != nil {
		return models.Order{}, models.SymbolRecord{}, err
	}
	return cur, rec, nil
}

// FetchOpenOrders returns working orders.
func (g *Gateway) FetchOpenOrders(ctx context.Context) ([]models.Order, error) {
	return readThrough(ctx, g, store.KindOrders, g.cfg.DefaultExchange, func(ctx context.Context) ([]models.Order, error) {
		all, err := g.liveOrders(ctx)
		if err != nil {
			return nil, err
		}
		open := make([]models.Order, 0, len(all))
		for _, o := range all {
			if o.Status.Open() {
				open = append(open, o)
			}
		}
		return open, nil
	})
}

func (g *Gateway) liveOrders(ctx context.Context) ([]models.Order, error) {
	var rows []convert.BrokerOrder
	err := g.call(ctx, "order_book", true, func(s *auth.Session) error {
		var err error
		rows, err = g.api.OrderBook(ctx, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(rows))
	for _, row := range rows {
		o := convert.OrderFromBroker(row)
		g.reconcile(o)
		orders = append(orders, o)
	}
	return orders, nil
}

// FetchPositions returns open positions with P&L recomputed from prices.
func (g *Gateway) FetchPositions(ctx context.Context) ([]models.Position, error) {
	return readThrough(ctx, g, store.KindPositions, g.cfg.DefaultExchange, func(ctx context.Context) ([]models.Position, error) {
		var rows []convert.BrokerPosition
		err := g.call(ctx, "positions", true, func(s *auth.Session) error {
			var err error
			rows, err = g.api.Positions(ctx, s)
			return err
		})
		if err != nil {
			return nil, err
		}
		out := make([]models.Position, 0, len(rows))
		for _, row := range rows {
			out = append(out, convert.PositionFromBroker(row))
		}
		return out, nil
	})
}

// FetchHoldings returns delivery holdings.
func (g *Gateway) FetchHoldings(ctx context.Context) ([]models.Position, error) {
	return readThrough(ctx, g, store.KindHoldings, g.cfg.DefaultExchange, func(ctx context.Context) ([]models.Position, error) {
		var rows []convert.BrokerHolding
		err := g.call(ctx, "holdings", true, func(s *auth.Session) error {
			var err error
			rows, err = g.api.Holdings(ctx, s)
			return err
		})
		if err != nil {
			return nil, err
		}
		out := make([]models.Position, 0, len(rows))
		for _, row := range rows {
			out = append(out, convert.HoldingFromBroker(row))
		}
		return out, nil
	})
}

// FetchAccount returns the account balance summary.
func (g *Gateway) FetchAccount(ctx context.Context) (models.Account, error) {
	return readThrough(ctx, g, store.KindAccount, g.cfg.DefaultExchange, func(ctx context.Context) (models.Account, error) {
		var funds convert.BrokerFunds
		err := g.call(ctx, "funds", true, func(s *auth.Session) error {
			var err error
			funds, err = g.api.Funds(ctx, s)
			return err
		})
		if err != nil {
			return models.Account{}, err
		}
		return convert.AccountFromBroker(funds), nil
	})
}

// FetchTrades returns the day's fills.
func (g *Gateway) FetchTrades(ctx context.Context) ([]models.Trade, error) {
	return readThrough(ctx, g, store.KindTrades, g.cfg.DefaultExchange, func(ctx context.Context) ([]models.Trade, error) {
		var rows []convert.BrokerTrade
		err := g.call(ctx, "trade_book", true, func(s *auth.Session) error {
			var err error
			rows, err = g.api.TradeBook(ctx, s)
			return err
		})
		if err != nil {
			return nil, err
		}
		out := make([]models.Trade, 0, len(rows))
		for _, row := range rows {
			out = append(out, convert.TradeFromBroker(row))
		}
		return out, nil
	})
}

// FetchTicker returns the last traded price for a symbol.
func (g *Gateway) FetchTicker(ctx context.Context, symbol string, exchange models.Exchange) (models.Ticker, error) {
	if exchange == "" {
		exchange = g.cfg.DefaultExchange
	}
	rec, err := g.symbols.Resolve(symbol, exchange)
	if err != nil {
		return models.Ticker{}, err
	}
	kind := store.KindTicker + ":" + store.SeriesKey(rec.Symbol, rec.Exchange, "ltp")
	return readThrough(ctx, g, kind, rec.Exchange, func(ctx context.Context) (models.Ticker, error) {
		var ltp convert.BrokerLTP
		err := g.call(ctx, "ltp", true, func(s *auth.Session) error {
			var err error
			ltp, err = g.api.LTP(ctx, s, LTPRequest{Exchange: string(rec.Exchange), TradingSymbol: rec.Symbol, SymbolToken: rec.Token})
			return err
		})
		if err != nil {
			return models.Ticker{}, err
		}
		t := convert.TickerFromBroker(ltp, g.clock.Now())
		if t.Symbol == "" {
			t.Symbol = rec.Symbol
		}
		return t, nil
	})
}

// FetchCandles returns bars with open time in [from, to]. interval is one of
// 1m, 3m, 5m, 10m, 15m, 30m, 1h, 1d. While the exchange is closed, bars
// already cached for the range are served without a network call.
func (g *Gateway) FetchCandles(ctx context.Context, symbol string, exchange models.Exchange, interval string, from, to time.Time) ([]models.Candle, error) {
	if exchange == "" {
		exchange = g.cfg.DefaultExchange
	}
	name, dur, ok := convert.CandleInterval(interval)
	if !ok {
		return nil, errors.New(errors.CodeDataUnavailable, fmt.Sprintf("unsupported interval %q", interval), nil)
	}
	if !from.Before(to) {
		return nil, errors.New(errors.CodeDataUnavailable, "from must be before to", nil)
	}
	rec, err := g.symbols.Resolve(symbol, exchange)
	if err != nil {
		return nil, err
	}
	series := store.SeriesKey(rec.Symbol, rec.Exchange, interval)

	if g.store != nil && !g.calendar.IsOpen(rec.Exchange, g.clock.Now()) {
		cached, err := g.store.GetCandles(ctx, series, from.UnixMilli(), to.UnixMilli())
		if err == nil && len(cached) > 0 {
			g.logger.Debug().Str("series", series).Int("candles", len(cached)).Msg("Serving cached candles")
			return cached, nil
		}
	}

	req := CandleRequest{
		Exchange:    string(rec.Exchange),
		SymbolToken: rec.Token,
		Interval:    name,
		FromDate:    from.In(utils.IndiaLocation).Format(CandleDateLayout),
		ToDate:      to.In(utils.IndiaLocation).Format(CandleDateLayout),
	}
	var rows []convert.BrokerCandle
	err = g.call(ctx, "candles", true, func(s *auth.Session) error {
		var err error
		rows, err = g.api.Candles(ctx, s, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	candles, err := convert.CandlesFromBroker(rows, dur)
	if err != nil {
		skipped := multierr.Errors(err)
		g.logger.Warn().Err(err).Int("skipped", len(skipped)).Int("rows", len(rows)).
			Str("series", series).Msg("Skipped malformed candle rows")
	}
	if g.store != nil {
		if err := g.store.SaveCandles(ctx, series, candles); err != nil {
			g.logger.Warn().Err(err).Str("series", series).Msg("Failed to cache candles")
		}
	}
	return candles, nil
}

// Orders returns the orders seen this session, oldest update first.
func (g *Gateway) Orders() []models.Order {
	g.bookMu.RLock()
	defer g.bookMu.RUnlock()
	out := make([]models.Order, 0, len(g.book))
	for _, o := range g.book {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Order returns one order from the session book.
func (g *Gateway) Order(id string) (models.Order, bool) {
	g.bookMu.RLock()
	defer g.bookMu.RUnlock()
	o, ok := g.book[id]
	return o, ok
}

func (g *Gateway) remember(o models.Order) {
	g.bookMu.Lock()
	g.book[o.ID] = o
	g.bookMu.Unlock()
}

// reconcile merges a broker view of an order into the session book. The
// broker is authoritative; illegal jumps are logged, not refused.
func (g *Gateway) reconcile(o models.Order) {
	g.bookMu.Lock()
	prev, ok := g.book[o.ID]
	g.book[o.ID] = o
	g.bookMu.Unlock()
	if ok && prev.Status != o.Status {
		logger := logging.WithOrderID(g.logger, o.ID)
		if !prev.Status.CanTransition(o.Status) {
			logger.Warn().Str("from", string(prev.Status)).Str("to", string(o.Status)).Msg("Unexpected order transition")
		}
		logging.LogStateChange(logger, "order", string(prev.Status), string(o.Status))
	}
}

func (g *Gateway) transition(logger zerolog.Logger, o *models.Order, to models.OrderStatus) {
	from := o.Status
	o.Status = to
	logging.LogStateChange(logger, "order", string(from), string(to))
}

// call runs fn with a valid session. A session-expired reply triggers one
// refresh and one repeat. Rate limits are waited out and retried; network
// failures are retried only when idempotent. Critical errors halt trading.
func (g *Gateway) call(ctx context.Context, op string, idempotent bool, fn func(s *auth.Session) error) error {
	logger := logging.WithOperation(g.logger, op)
	refreshed := false
	cfg := utils.RetryConfig{
		MaxAttempts:   g.cfg.MaxAttempts,
		InitialDelay:  g.cfg.RetryDelay,
		MaxDelay:      g.cfg.MaxRetryDelay,
		BackoffFactor: 2,
		ShouldRetry: func(err error) bool {
			switch errors.Classify(err) {
			case errors.KindRateLimited:
				return true
			case errors.KindNetwork:
				return idempotent
			}
			return false
		},
		DelayFor: errors.RetryAfter,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying broker call")
		},
	}
	err := utils.Retry(ctx, g.clock, cfg, func(int) error {
		s, err := g.sessions.EnsureValidSession(ctx)
		if err != nil {
			return err
		}
		err = fn(s)
		if errors.Classify(err) == errors.KindSessionExpired && !refreshed {
			refreshed = true
			logger.Info().Msg("Session rejected by broker, refreshing")
			g.sessions.Invalidate(s.AccessToken)
			if s, err = g.sessions.EnsureValidSession(ctx); err != nil {
				return err
			}
			err = fn(s)
		}
		return err
	})
	if err != nil && errors.IsCritical(err) {
		g.Halt(err)
	}
	return err
}

// readThrough serves kind from the snapshot store while exchange is closed
// and goes live otherwise, refreshing the snapshot on success.
func readThrough[T any](ctx context.Context, g *Gateway, kind string, exchange models.Exchange, live func(context.Context) (T, error)) (T, error) {
	var zero T
	key := store.SnapshotKey(g.account, kind)
	open := g.calendar.IsOpen(exchange, g.clock.Now())

	if g.store != nil && !open {
		payload, at, err := g.store.GetSnapshot(ctx, key)
		if err == nil {
			var v T
			if err := json.Unmarshal(payload, &v); err == nil {
				g.logger.Debug().Str("snapshot", key).Time("as_of", at).Msg("Market closed, serving snapshot")
				return v, nil
			}
			g.logger.Warn().Err(err).Str("snapshot", key).Msg("Discarding unreadable snapshot")
		}
	}

	v, err := live(ctx)
	if err != nil {
		return zero, err
	}
	if g.store != nil {
		if payload, err := json.Marshal(v); err == nil {
			if err := g.store.PutSnapshot(ctx, key, payload, g.clock.Now()); err != nil {
				g.logger.Warn().Err(err).Str("snapshot", key).Msg("Failed to save snapshot")
			}
		}
	}
	return v, nil
}

func reasonOf(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		if r, ok := e.Details["reason"].(string); ok {
			return r
		}
		return e.Message
	}
	return err.Error()
}
