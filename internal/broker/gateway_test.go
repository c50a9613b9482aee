package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"angelone-bridge/internal/auth"
	"angelone-bridge/internal/convert"
	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/models"
	"angelone-bridge/internal/store"
	"angelone-bridge/pkg/utils"
)

const testSeed = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

type mapResolver map[string]models.SymbolRecord

func (m mapResolver) Resolve(symbol string, exchange models.Exchange) (models.SymbolRecord, error) {
	if rec, ok := m[string(exchange)+":"+symbol]; ok {
		return rec, nil
	}
	return models.SymbolRecord{}, errors.UnknownSymbolError(symbol, string(exchange))
}

func testSymbols() mapResolver {
	return mapResolver{
		"X1:ABC":           {Symbol: "ABC", Exchange: "X1", Token: "101", LotSize: 1, TickSize: 0.05, Kind: models.KindEquity},
		"NSE:RELIANCE-EQ":  {Symbol: "RELIANCE-EQ", Exchange: models.NSE, Token: "2885", LotSize: 1, TickSize: 0.05, Kind: models.KindEquity},
		"NFO:NIFTY24DECFUT": {Symbol: "NIFTY24DECFUT", Exchange: models.NFO, Token: "35001", LotSize: 25, TickSize: 0.05, Kind: models.KindFuture},
	}
}

// switchCalendar is open or closed for every exchange.
type switchCalendar struct {
	open atomic.Bool
	next time.Time
}

func (c *switchCalendar) IsOpen(models.Exchange, time.Time) bool         { return c.open.Load() }
func (c *switchCalendar) NextOpen(models.Exchange, time.Time) time.Time  { return c.next }
func (c *switchCalendar) NextClose(models.Exchange, time.Time) time.Time { return time.Time{} }

// scriptedAPI wraps the paper broker and fails selected calls first.
type scriptedAPI struct {
	*PaperAPI

	mu          sync.Mutex
	placeErrs   []error
	bookErrs    []error
	placeCalls  atomic.Int32
	bookCalls   atomic.Int32
	fundsCalls  atomic.Int32
	cancelCalls atomic.Int32
}

func (a *scriptedAPI) next(errs *[]error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (a *scriptedAPI) PlaceOrder(ctx context.Context, s *auth.Session, req convert.BrokerOrderRequest) (string, error) {
	a.placeCalls.Add(1)
	if err := a.next(&a.placeErrs); err != nil {
		return "", err
	}
	return a.PaperAPI.PlaceOrder(ctx, s, req)
}

func (a *scriptedAPI) OrderBook(ctx context.Context, s *auth.Session) ([]convert.BrokerOrder, error) {
	a.bookCalls.Add(1)
	if err := a.next(&a.bookErrs); err != nil {
		return nil, err
	}
	return a.PaperAPI.OrderBook(ctx, s)
}

func (a *scriptedAPI) Funds(ctx context.Context, s *auth.Session) (convert.BrokerFunds, error) {
	a.fundsCalls.Add(1)
	return a.PaperAPI.Funds(ctx, s)
}

func (a *scriptedAPI) CancelOrder(ctx context.Context, s *auth.Session, variety, id string) error {
	a.cancelCalls.Add(1)
	return a.PaperAPI.CancelOrder(ctx, s, variety, id)
}

type gatewayFixture struct {
	api      *scriptedAPI
	sessions *auth.Manager
	cal      *switchCalendar
	clock    *utils.ManualClock
	gw       *Gateway
}

func newGatewayFixture(t *testing.T, opts ...GatewayOption) *gatewayFixture {
	t.Helper()
	clock := utils.NewManualClock(utils.ISTTime(2024, time.December, 2, 10, 0, 0))
	paper := NewPaperAPI(PaperConfig{InitialBalance: 100000}, clock)
	api := &scriptedAPI{PaperAPI: paper}
	creds := auth.Credentials{APIKey: "key", ClientCode: "A123", Password: "1234", TOTPSecret: testSeed}
	sessions := auth.NewManager(creds, api, auth.WithClock(clock))
	cal := &switchCalendar{next: utils.ISTTime(2024, time.December, 3, 9, 15, 0)}
	cal.open.Store(true)
	opts = append([]GatewayOption{WithGatewayClock(clock), WithGatewayConfig(GatewayConfig{RetryDelay: time.Millisecond})}, opts...)
	gw := NewGateway(api, sessions, testSymbols(), cal, opts...)
	return &gatewayFixture{api: api, sessions: sessions, cal: cal, clock: clock, gw: gw}
}

func marketBuy(symbol string, exchange models.Exchange, qty int) models.OrderRequest {
	return models.OrderRequest{Symbol: symbol, Exchange: exchange, Side: models.OrderSideBuy, Kind: models.OrderKindMarket, Quantity: qty, Product: models.ProductIntraday}
}

func TestPlaceOrderWhileOpenReturnsPending(t *testing.T) {
	f := newGatewayFixture(t)
	order, err := f.gw.PlaceOrder(context.Background(), marketBuy("ABC", "X1", 10))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.ID == "" {
		t.Fatal("expected an order id")
	}
	if order.Status != models.OrderPending {
		t.Errorf("status = %s, want PENDING", order.Status)
	}
	if _, ok := f.gw.Order(order.ID); !ok {
		t.Error("placed order missing from session book")
	}
}

func TestPlaceOrderWhileClosedMakesNoCall(t *testing.T) {
	f := newGatewayFixture(t)
	f.cal.open.Store(false)

	_, err := f.gw.PlaceOrder(context.Background(), marketBuy("ABC", "X1", 10))
	if errors.Classify(err) != errors.KindMarketClosed {
		t.Fatalf("expected market closed, got %v", err)
	}
	var e *errors.Error
	if !errors.As(err, &e) || e.Details["exchange"] != "X1" {
		t.Errorf("expected exchange detail on %v", err)
	}
	if n := f.api.placeCalls.Load(); n != 0 {
		t.Errorf("placeOrder called %d times while closed", n)
	}
	if f.sessions.State() != auth.StateUnauthenticated {
		t.Errorf("closed-market refusal should not log in, state = %s", f.sessions.State())
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  models.OrderRequest
		code errors.Code
	}{
		{"zero quantity", marketBuy("ABC", "X1", 0), errors.CodeOrderInvalid},
		{"limit without price", models.OrderRequest{Symbol: "ABC", Exchange: "X1", Side: models.OrderSideBuy, Kind: models.OrderKindLimit, Quantity: 1, Product: models.ProductIntraday}, errors.CodeOrderInvalid},
		{"off tick", models.OrderRequest{Symbol: "ABC", Exchange: "X1", Side: models.OrderSideBuy, Kind: models.OrderKindLimit, Quantity: 1, Price: 100.03, Product: models.ProductIntraday}, errors.CodeOrderInvalid},
		{"partial lot", marketBuy("NIFTY24DECFUT", models.NFO, 30), errors.CodeOrderInvalid},
		{"delivery on derivatives", models.OrderRequest{Symbol: "NIFTY24DECFUT", Exchange: models.NFO, Side: models.OrderSideBuy, Kind: models.OrderKindMarket, Quantity: 25, Product: models.ProductDelivery}, errors.CodeOrderInvalid},
		{"unknown symbol", marketBuy("ZZZ", models.NSE, 1), errors.CodeSymbolUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.gw.PlaceOrder(ctx, tc.req)
			if !errors.HasCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
	if n := f.api.placeCalls.Load(); n != 0 {
		t.Errorf("invalid orders reached the broker %d times", n)
	}
}

func TestPlaceOrderRefreshesExpiredSessionOnce(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	first, err := f.sessions.EnsureValidSession(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	// The broker forgets the session; the next call is answered with AG8001.
	f.api.PaperAPI.Logout(ctx, first.AccessToken, "")

	order, err := f.gw.PlaceOrder(ctx, marketBuy("ABC", "X1", 1))
	if err != nil {
		t.Fatalf("PlaceOrder after expiry: %v", err)
	}
	if order.ID == "" {
		t.Fatal("expected an order id")
	}
	if n := f.api.placeCalls.Load(); n != 2 {
		t.Errorf("placeOrder calls = %d, want 2", n)
	}
	now, _ := f.sessions.Session()
	if now.AccessToken == first.AccessToken {
		t.Error("session was not renewed")
	}
}

func TestPlaceOrderRetriesRateLimit(t *testing.T) {
	f := newGatewayFixture(t)
	f.api.placeErrs = []error{errors.RateLimitedError(2 * time.Second)}

	if _, err := f.gw.PlaceOrder(context.Background(), marketBuy("ABC", "X1", 1)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if n := f.api.placeCalls.Load(); n != 2 {
		t.Errorf("placeOrder calls = %d, want 2", n)
	}
	sleeps := f.clock.Sleeps()
	if len(sleeps) == 0 || sleeps[len(sleeps)-1] != 2*time.Second {
		t.Errorf("expected the Retry-After delay to be honored, sleeps = %v", sleeps)
	}
}

func TestPlaceOrderNeverRetriesNetworkFailure(t *testing.T) {
	f := newGatewayFixture(t)
	f.api.placeErrs = []error{errors.NetworkError(errors.CodeNetworkTimeout, context.DeadlineExceeded)}

	_, err := f.gw.PlaceOrder(context.Background(), marketBuy("ABC", "X1", 1))
	if errors.Classify(err) != errors.KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if n := f.api.placeCalls.Load(); n != 1 {
		t.Errorf("placeOrder calls = %d, want 1", n)
	}
}

func TestPlaceOrderRejectionCarriesReason(t *testing.T) {
	f := newGatewayFixture(t)
	f.api.placeErrs = []error{errors.FromBroker("AB4036", "Order rejected: price out of circuit", errors.CodeOrderRejected)}

	_, err := f.gw.PlaceOrder(context.Background(), marketBuy("ABC", "X1", 1))
	if errors.Classify(err) != errors.KindOrderRejected {
		t.Fatalf("expected rejection, got %v", err)
	}
	if got := reasonOf(err); got != "Order rejected: price out of circuit" {
		t.Errorf("reason = %q", got)
	}
	if n := f.api.placeCalls.Load(); n != 1 {
		t.Errorf("rejection retried: %d calls", n)
	}
	if f.gw.Halted() != nil {
		t.Error("a plain rejection must not halt trading")
	}
}

func TestCriticalErrorHaltsTrading(t *testing.T) {
	f := newGatewayFixture(t)
	var notified atomic.Int32
	f.gw.OnCritical(func(error) { notified.Add(1) })
	f.gw.OnCritical(func(error) { notified.Add(1) })

	// 100000 cash cannot cover 1000 shares at 500.
	f.api.SetPrice("X1", "ABC", 500)
	_, err := f.gw.PlaceOrder(context.Background(), marketBuy("ABC", "X1", 1000))
	if !errors.HasCode(err, errors.CodeOrderMargin) {
		t.Fatalf("expected insufficient margin, got %v", err)
	}
	if f.gw.Halted() == nil {
		t.Fatal("expected trading to halt")
	}
	if notified.Load() != 2 {
		t.Errorf("critical handlers notified %d times, want 2", notified.Load())
	}

	_, err = f.gw.PlaceOrder(context.Background(), marketBuy("ABC", "X1", 1))
	if !errors.HasCode(err, errors.CodeOrderHalted) || !errors.Is(err, errors.ErrHalted) {
		t.Fatalf("expected halted refusal, got %v", err)
	}

	f.gw.Resume()
	if _, err := f.gw.PlaceOrder(context.Background(), marketBuy("ABC", "X1", 1)); err != nil {
		t.Fatalf("PlaceOrder after resume: %v", err)
	}
}

func TestModifyAndCancelRules(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	f.api.SetPrice("NSE", "RELIANCE-EQ", 2500)

	limit := models.OrderRequest{Symbol: "RELIANCE-EQ", Exchange: models.NSE, Side: models.OrderSideBuy, Kind: models.OrderKindLimit, Quantity: 2, Price: 2400, Product: models.ProductIntraday}
	order, err := f.gw.PlaceOrder(ctx, limit)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	modified, err := f.gw.ModifyOrder(ctx, order.ID, models.OrderModification{Price: 2450})
	if err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}
	if modified.Price != 2450 {
		t.Errorf("price = %v, want 2450", modified.Price)
	}

	if _, err := f.gw.ModifyOrder(ctx, order.ID, models.OrderModification{Price: 2450.02}); !errors.HasCode(err, errors.CodeOrderInvalid) {
		t.Errorf("expected off-tick modification to be refused, got %v", err)
	}

	cancelled, err := f.gw.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != models.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	if _, err := f.gw.CancelOrder(ctx, order.ID); !errors.HasCode(err, errors.CodeOrderState) {
		t.Errorf("expected terminal order to be immutable, got %v", err)
	}
	if _, err := f.gw.CancelOrder(ctx, "nope"); !errors.HasCode(err, errors.CodeOrderNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	f.cal.open.Store(false)
	calls := f.api.cancelCalls.Load()
	if _, err := f.gw.CancelOrder(ctx, order.ID); errors.Classify(err) != errors.KindMarketClosed {
		t.Errorf("expected market closed, got %v", err)
	}
	if f.api.cancelCalls.Load() != calls {
		t.Error("cancel reached the broker while closed")
	}
}

func TestFilledOrderCannotBeModified(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	f.api.SetPrice("NSE", "RELIANCE-EQ", 2500)

	order, err := f.gw.PlaceOrder(ctx, marketBuy("RELIANCE-EQ", models.NSE, 1))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	_, err = f.gw.ModifyOrder(ctx, order.ID, models.OrderModification{Quantity: 2})
	if !errors.HasCode(err, errors.CodeOrderState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	book, ok := f.gw.Order(order.ID)
	if !ok || book.Status != models.OrderFilled {
		t.Errorf("session book not reconciled: %+v", book)
	}
}

func TestReadsServeSnapshotWhileClosed(t *testing.T) {
	snapshots := store.NewMemoryStore()
	f := newGatewayFixture(t, WithSnapshots(snapshots, "A123"))
	ctx := context.Background()

	live, err := f.gw.FetchAccount(ctx)
	if err != nil {
		t.Fatalf("FetchAccount: %v", err)
	}
	if live.AvailableBalance != 100000 {
		t.Errorf("available = %v", live.AvailableBalance)
	}

	f.cal.open.Store(false)
	cached, err := f.gw.FetchAccount(ctx)
	if err != nil {
		t.Fatalf("FetchAccount while closed: %v", err)
	}
	if cached != live {
		t.Errorf("snapshot = %+v, want %+v", cached, live)
	}
	if n := f.api.fundsCalls.Load(); n != 1 {
		t.Errorf("funds calls = %d, want 1", n)
	}
}

func TestReadsGoLiveWhenClosedWithoutSnapshot(t *testing.T) {
	f := newGatewayFixture(t, WithSnapshots(store.NewMemoryStore(), "A123"))
	f.cal.open.Store(false)

	orders, err := f.gw.FetchOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("FetchOpenOrders: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("expected no orders, got %d", len(orders))
	}
	if f.api.bookCalls.Load() != 1 {
		t.Errorf("order book calls = %d", f.api.bookCalls.Load())
	}
}

func TestIdempotentReadsRetryNetworkFailures(t *testing.T) {
	f := newGatewayFixture(t)
	f.api.bookErrs = []error{
		errors.NetworkError(errors.CodeNetworkConnection, context.DeadlineExceeded),
		errors.NetworkError(errors.CodeNetworkServer, nil),
	}
	if _, err := f.gw.FetchOpenOrders(context.Background()); err != nil {
		t.Fatalf("FetchOpenOrders: %v", err)
	}
	if n := f.api.bookCalls.Load(); n != 3 {
		t.Errorf("order book calls = %d, want 3", n)
	}
}

func TestFetchCandlesCachesForClosedMarket(t *testing.T) {
	f := newGatewayFixture(t, WithSnapshots(store.NewMemoryStore(), "A123"))
	ctx := context.Background()
	f.api.SetCandles("NSE", "2885", []convert.BrokerCandle{
		{Timestamp: "2024-11-29T09:15:00+05:30", Open: 2500, High: 2510, Low: 2495, Close: 2505, Volume: 1000},
		{Timestamp: "2024-11-29T09:16:00+05:30", Open: 2505, High: 2520, Low: 2500, Close: 2515, Volume: 1500},
	})
	from := utils.ISTTime(2024, time.November, 29, 9, 15, 0)
	to := utils.ISTTime(2024, time.November, 29, 9, 20, 0)

	live, err := f.gw.FetchCandles(ctx, "RELIANCE-EQ", models.NSE, "1m", from, to)
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("candles = %d, want 2", len(live))
	}
	if live[0].CloseTime-live[0].OpenTime != time.Minute.Milliseconds() {
		t.Errorf("close time not derived from interval: %+v", live[0])
	}

	f.api.Reset()
	f.api.SetCandles("NSE", "2885", nil)
	f.cal.open.Store(false)
	cached, err := f.gw.FetchCandles(ctx, "RELIANCE-EQ", models.NSE, "1m", from, to)
	if err != nil {
		t.Fatalf("FetchCandles while closed: %v", err)
	}
	if len(cached) != 2 || cached[1].Close != 2515 {
		t.Errorf("cached = %+v", cached)
	}

	if _, err := f.gw.FetchCandles(ctx, "RELIANCE-EQ", models.NSE, "7m", from, to); !errors.HasCode(err, errors.CodeDataUnavailable) {
		t.Errorf("expected unsupported interval, got %v", err)
	}
}

func TestFetchCandlesSkipsMalformedRows(t *testing.T) {
	f := newGatewayFixture(t)
	f.api.SetCandles("NSE", "2885", []convert.BrokerCandle{
		{Timestamp: "2024-11-29T09:15:00+05:30", Open: 2500, High: 2510, Low: 2495, Close: 2505, Volume: 1000},
		{Timestamp: "not a time", Open: 1},
		{Timestamp: "2024-11-29T09:17:00+05:30", Open: 2505, High: 2520, Low: 2500, Close: 2515, Volume: 1500},
	})
	from := utils.ISTTime(2024, time.November, 29, 9, 15, 0)
	to := utils.ISTTime(2024, time.November, 29, 9, 20, 0)

	candles, err := f.gw.FetchCandles(context.Background(), "RELIANCE-EQ", models.NSE, "1m", from, to)
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if len(candles) != 2 || candles[1].Close != 2515 {
		t.Fatalf("candles = %+v", candles)
	}
}

var allStatuses = []models.OrderStatus{
	models.OrderCreated, models.OrderSubmitted, models.OrderPending, models.OrderAcknowledged,
	models.OrderPartiallyFilled, models.OrderFilled, models.OrderCancelled, models.OrderRejected,
}

// reachable reports whether to follows from in any number of legal steps.
func reachable(from, to models.OrderStatus) bool {
	seen := map[models.OrderStatus]bool{from: true}
	queue := []models.OrderStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, next := range allStatuses {
			if !seen[next] && cur.CanTransition(next) {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func TestOrderBookNeverShowsIllegalOwnTransitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("placed orders start PENDING and only move forward", prop.ForAll(
		func(qty int, price float64) bool {
			f := newGatewayFixture(t)
			f.api.SetPrice("NSE", "RELIANCE-EQ", price)
			order, err := f.gw.PlaceOrder(context.Background(), marketBuy("RELIANCE-EQ", models.NSE, qty))
			if err != nil || order.Status != models.OrderPending {
				return false
			}
			live, err := f.gw.liveOrders(context.Background())
			if err != nil || len(live) != 1 {
				return false
			}
			return reachable(models.OrderPending, live[0].Status)
		},
		gen.IntRange(1, 20),
		gen.Float64Range(10, 1000),
	))

	properties.TestingRun(t)
}
