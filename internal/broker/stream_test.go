package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"angelone-bridge/internal/auth"
	"angelone-bridge/internal/calendar"
	"angelone-bridge/internal/convert"
	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

type frame struct {
	kind int
	data []byte
}

type fakeConn struct {
	in     chan frame
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.kind, f.data, nil
	case <-c.closed:
		return 0, nil, fmt.Errorf("connection closed")
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) requests(t *testing.T) []streamRequest {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []streamRequest
	for _, w := range c.writes {
		var req streamRequest
		if err := json.Unmarshal(w, &req); err == nil {
			out = append(out, req)
		}
	}
	return out
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	headers []http.Header
	errs    []error
	dialed  chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan *fakeConn, 8)}
}

func (t *fakeTransport) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headers = append(t.headers, header.Clone())
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	t.dialed <- c
	return c, nil
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.headers)
}

type staticSessions struct {
	invalidated atomic.Int32
}

func (s *staticSessions) EnsureValidSession(context.Context) (*auth.Session, error) {
	return &auth.Session{AccessToken: "jwt", FeedToken: "feed", ClientCode: "A123", APIKey: "key"}, nil
}

func (s *staticSessions) Invalidate(string) { s.invalidated.Add(1) }

type streamFixture struct {
	transport *fakeTransport
	sessions  *staticSessions
	cal       *switchCalendar
	stream    *StreamSubscriber
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	tr := newFakeTransport()
	sessions := &staticSessions{}
	cal := &switchCalendar{}
	cal.open.Store(true)
	clock := utils.NewManualClock(utils.ISTTime(2024, time.December, 2, 10, 0, 0))
	cfg := StreamConfig{PingInterval: time.Hour, MaxReconnects: 3}
	s := NewStreamSubscriber(tr, sessions, testSymbols(), cal, cfg, clock, zerolog.Nop())
	t.Cleanup(s.Close)
	return &streamFixture{transport: tr, sessions: sessions, cal: cal, stream: s}
}

func waitConn(t *testing.T, tr *fakeTransport) *fakeConn {
	t.Helper()
	select {
	case c := <-tr.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func waitState(t *testing.T, s *StreamSubscriber, want StreamState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func tickFrame(token string, ltp int64) frame {
	return frame{kind: MessageBinary, data: convert.EncodeTickFrame(convert.BrokerTick{
		Mode: convert.ModeQuote, ExchangeType: 1, Token: token, LTP: ltp, ExchangeTime: 1733113800000,
		Open: ltp - 100, High: ltp + 100, Low: ltp - 200, Close: ltp - 50, Volume: 1200,
	})}
}

func TestStreamConnectSubscribesAndDelivers(t *testing.T) {
	f := newStreamFixture(t)
	if err := f.stream.Subscribe([]string{"RELIANCE-EQ"}, models.NSE); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	updates := f.stream.Updates(4)
	var handled atomic.Int32
	f.stream.OnUpdate(func(models.Tick) { handled.Add(1) })

	if err := f.stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := waitConn(t, f.transport)

	h := f.transport.headers[0]
	if h.Get("Authorization") != "jwt" || h.Get("x-feed-token") != "feed" || h.Get("x-client-code") != "A123" || h.Get("x-api-key") != "key" {
		t.Errorf("headers = %v", h)
	}
	reqs := conn.requests(t)
	if len(reqs) != 1 || reqs[0].Action != 1 || reqs[0].Params.Mode != convert.ModeQuote {
		t.Fatalf("requests = %+v", reqs)
	}
	if tl := reqs[0].Params.TokenList; len(tl) != 1 || tl[0].ExchangeType != 1 || tl[0].Tokens[0] != "2885" {
		t.Errorf("token list = %+v", tl)
	}
	if len(reqs[0].CorrelationID) != 10 {
		t.Errorf("correlation id = %q", reqs[0].CorrelationID)
	}

	conn.in <- frame{kind: MessageText, data: []byte("pong")}
	conn.in <- tickFrame("9999", 100) // not subscribed
	conn.in <- tickFrame("2885", 250050)

	select {
	case tick := <-updates:
		if tick.Symbol != "RELIANCE-EQ" || tick.Exchange != models.NSE || tick.Price != 2500.5 {
			t.Errorf("tick = %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}
	if handled.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", handled.Load())
	}
	if f.stream.LastHeartbeat().IsZero() {
		t.Error("pong not recorded as heartbeat")
	}
}

func TestStreamReconnectReplaysSubscriptions(t *testing.T) {
	f := newStreamFixture(t)
	f.stream.Subscribe([]string{"RELIANCE-EQ"}, models.NSE)
	if err := f.stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := waitConn(t, f.transport)
	f.stream.Subscribe([]string{"NIFTY24DECFUT"}, models.NFO)

	first.Close()
	second := waitConn(t, f.transport)
	waitState(t, f.stream, StreamConnected)

	reqs := second.requests(t)
	if len(reqs) != 1 {
		t.Fatalf("requests on new connection = %+v", reqs)
	}
	got := map[int]string{}
	for _, tl := range reqs[0].Params.TokenList {
		got[tl.ExchangeType] = tl.Tokens[0]
	}
	if got[1] != "2885" || got[2] != "35001" {
		t.Errorf("replayed tokens = %v", got)
	}
	if subs := f.stream.Subscriptions(); len(subs) != 2 {
		t.Errorf("subscriptions = %v", subs)
	}
}

func TestStreamStopsWhenMarketClosesMidSession(t *testing.T) {
	f := newStreamFixture(t)
	if err := f.stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := waitConn(t, f.transport)

	f.cal.open.Store(false)
	conn.Close()
	waitState(t, f.stream, StreamMarketClosed)
	if n := f.transport.dials(); n != 1 {
		t.Errorf("redialed %d times after close", n-1)
	}
}

func TestStreamConnectRefusedWhileClosed(t *testing.T) {
	f := newStreamFixture(t)
	f.cal.open.Store(false)
	err := f.stream.Connect(context.Background())
	if errors.Classify(err) != errors.KindMarketClosed {
		t.Fatalf("expected market closed, got %v", err)
	}
	if f.transport.dials() != 0 {
		t.Error("dialed while closed")
	}
}

func TestStreamDialAuthFailureInvalidatesSession(t *testing.T) {
	f := newStreamFixture(t)
	f.transport.errs = []error{errors.SessionExpiredError(fmt.Errorf("HTTP 401"))}
	err := f.stream.Connect(context.Background())
	if errors.Classify(err) != errors.KindSessionExpired {
		t.Fatalf("expected session expired, got %v", err)
	}
	if f.sessions.invalidated.Load() != 1 {
		t.Error("session not invalidated")
	}
	if f.stream.State() != StreamDisconnected {
		t.Errorf("state = %s", f.stream.State())
	}
}

func TestStreamGivesUpAfterMaxReconnects(t *testing.T) {
	f := newStreamFixture(t)
	if err := f.stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := waitConn(t, f.transport)
	f.transport.mu.Lock()
	f.transport.errs = []error{
		errors.NetworkError(errors.CodeNetworkConnection, nil),
		errors.NetworkError(errors.CodeNetworkConnection, nil),
		errors.NetworkError(errors.CodeNetworkConnection, nil),
	}
	f.transport.mu.Unlock()

	conn.Close()
	waitState(t, f.stream, StreamFailed)
	if f.stream.Err() == nil {
		t.Error("expected the last error to be kept")
	}
}

func TestStreamSubscribeIsAllOrNothing(t *testing.T) {
	f := newStreamFixture(t)
	err := f.stream.Subscribe([]string{"RELIANCE-EQ", "ZZZ"}, models.NSE)
	if !errors.HasCode(err, errors.CodeSymbolUnknown) {
		t.Fatalf("expected unknown symbol, got %v", err)
	}
	if subs := f.stream.Subscriptions(); len(subs) != 0 {
		t.Errorf("partial subscription kept: %v", subs)
	}
}

func TestStreamUnsubscribe(t *testing.T) {
	f := newStreamFixture(t)
	f.stream.Subscribe([]string{"RELIANCE-EQ"}, models.NSE)
	if err := f.stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := waitConn(t, f.transport)

	if err := f.stream.Unsubscribe([]string{"reliance"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	reqs := conn.requests(t)
	if last := reqs[len(reqs)-1]; last.Action != 0 || last.Params.TokenList[0].Tokens[0] != "2885" {
		t.Errorf("unsubscribe request = %+v", last)
	}
	if subs := f.stream.Subscriptions(); len(subs) != 0 {
		t.Errorf("subscriptions = %v", subs)
	}
}

func TestStreamCloseEndsUpdates(t *testing.T) {
	f := newStreamFixture(t)
	updates := f.stream.Updates(1)
	f.stream.Close()
	select {
	case _, ok := <-updates:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("updates channel not closed")
	}
	if err := f.stream.Connect(context.Background()); !errors.Is(err, errors.ErrStreamClosed) {
		t.Errorf("Connect after Close = %v", err)
	}
}

func TestStreamDisconnectsAtMarketClose(t *testing.T) {
	tr := newFakeTransport()
	clock := utils.NewManualClock(utils.ISTTime(2024, time.December, 2, 15, 29, 0))
	cfg := StreamConfig{Exchange: models.NSE, PingInterval: time.Hour, MaxReconnects: 3}
	s := NewStreamSubscriber(tr, &staticSessions{}, testSymbols(), calendar.DefaultRegistry(nil), cfg, clock, zerolog.Nop())
	t.Cleanup(s.Close)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := waitConn(t, tr)

	// ping and close watchers both armed
	deadline := time.Now().Add(2 * time.Second)
	for clock.Waiters() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watchers armed = %d", clock.Waiters())
		}
		time.Sleep(5 * time.Millisecond)
	}
	clock.Advance(2 * time.Hour)

	waitState(t, s, StreamMarketClosed)
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection left open after close")
	}
	if n := tr.dials(); n != 1 {
		t.Errorf("redialed %d times after close", n-1)
	}
}

func TestStreamDisconnectDuringReadFailureStaysDisconnected(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newStreamFixture(t)
		if err := f.stream.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		conn := waitConn(t, f.transport)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); conn.Close() }()
		go func() { defer wg.Done(); f.stream.Disconnect() }()
		wg.Wait()
		// a read failure that lost the race may already be reconnecting
		f.stream.Disconnect()

		if got := f.stream.State(); got != StreamDisconnected {
			t.Fatalf("round %d: state = %s, want DISCONNECTED", i, got)
		}
		f.stream.Close()
	}
}
