package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"angelone-bridge/internal/auth"
	"angelone-bridge/internal/convert"
	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/logging"
	"angelone-bridge/internal/models"
	"angelone-bridge/pkg/utils"
)

// DefaultStreamURL is the SmartStream v2 endpoint.
const DefaultStreamURL = "wss://smartapisocket.angelone.in/smart-stream"

// Message types, numerically equal to the websocket opcodes.
const (
	MessageText   = 1
	MessageBinary = 2
)

// Conn is one open streaming connection.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Transport opens streaming connections.
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// SessionCalendar is the calendar view the stream needs.
type SessionCalendar interface {
	Calendar
	NextClose(exchange models.Exchange, t time.Time) time.Time
}

// StreamState is the lifecycle state of the streaming connection.
type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamMarketClosed
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "DISCONNECTED"
	case StreamConnecting:
		return "CONNECTING"
	case StreamConnected:
		return "CONNECTED"
	case StreamReconnecting:
		return "RECONNECTING"
	case StreamMarketClosed:
		return "MARKET_CLOSED"
	case StreamFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StreamConfig holds streaming settings.
type StreamConfig struct {
	URL               string          `mapstructure:"url"`
	Mode              int             `mapstructure:"mode"`
	Exchange          models.Exchange `mapstructure:"exchange"` // governs session close
	PingInterval      time.Duration   `mapstructure:"ping_interval"`
	ReconnectDelay    time.Duration   `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration   `mapstructure:"max_reconnect_delay"`
	MaxReconnects     int             `mapstructure:"max_reconnects"`
	Buffer            int             `mapstructure:"buffer"`
}

// DefaultStreamConfig returns production defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:               DefaultStreamURL,
		Mode:              convert.ModeQuote,
		Exchange:          models.NSE,
		PingInterval:      30 * time.Second,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		MaxReconnects:     10,
		Buffer:            1024,
	}
}

type subKey struct {
	exchange models.Exchange
	token    string
}

// StreamSubscriber maintains one streaming connection, its subscription set
// and a single dispatch loop delivering ticks to handlers in arrival order.
type StreamSubscriber struct {
	transport Transport
	sessions  auth.SessionSource
	symbols   Resolver
	calendar  SessionCalendar
	cfg       StreamConfig
	clock     utils.Clock
	logger    zerolog.Logger

	// mu serializes subscription changes, connection writes and reconnects.
	mu       sync.Mutex
	conn     Conn
	subs     map[subKey]string // -> symbol
	state    StreamState
	lastErr  error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastBeat time.Time

	events    chan models.Tick
	handlerMu sync.RWMutex
	handlers  []func(models.Tick)
	outputs   []chan models.Tick
	observers []func(from, to StreamState)
	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamSubscriber creates a subscriber and starts its dispatch loop.
func NewStreamSubscriber(transport Transport, sessions auth.SessionSource, symbols Resolver, cal SessionCalendar, cfg StreamConfig, clock utils.Clock, logger zerolog.Logger) *StreamSubscriber {
	def := DefaultStreamConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Mode == 0 {
		cfg.Mode = def.Mode
	}
	if cfg.Exchange == "" {
		cfg.Exchange = def.Exchange
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	s := &StreamSubscriber{
		transport: transport,
		sessions:  sessions,
		symbols:   symbols,
		calendar:  cal,
		cfg:       cfg,
		clock:     clock,
		logger:    logging.WithComponent(logger, "stream"),
		subs:      make(map[subKey]string),
		events:    make(chan models.Tick, cfg.Buffer),
		done:      make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// OnUpdate registers a tick handler. Handlers run on the dispatch loop, one
// tick at a time, in registration order.
func (s *StreamSubscriber) OnUpdate(handler func(models.Tick)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Updates returns a channel receiving every tick. A slow reader stalls the
// dispatch loop. The channel is closed by Close.
func (s *StreamSubscriber) Updates(buffer int) <-chan models.Tick {
	ch := make(chan models.Tick, buffer)
	s.handlerMu.Lock()
	s.outputs = append(s.outputs, ch)
	s.handlerMu.Unlock()
	return ch
}

// OnStateChange registers an observer for connection state transitions.
// Observers run under the connection lock and must not call back into s.
func (s *StreamSubscriber) OnStateChange(fn func(from, to StreamState)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *StreamSubscriber) dispatch() {
	for {
		select {
		case <-s.done:
			s.handlerMu.Lock()
			for _, ch := range s.outputs {
				close(ch)
			}
			s.outputs = nil
			s.handlerMu.Unlock()
			return
		case tick := <-s.events:
			s.handlerMu.RLock()
			handlers := s.handlers
			outputs := s.outputs
			s.handlerMu.RUnlock()
			for _, h := range handlers {
				h(tick)
			}
			for _, ch := range outputs {
				select {
				case ch <- tick:
				case <-s.done:
				}
			}
		}
	}
}

// State returns the connection state.
func (s *StreamSubscriber) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the last connection, if any.
func (s *StreamSubscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastHeartbeat returns when the last pong arrived.
func (s *StreamSubscriber) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

// Subscriptions returns the current subscription set as EXCHANGE:SYMBOL.
func (s *StreamSubscriber) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for k, sym := range s.subs {
		out = append(out, string(k.exchange)+":"+sym)
	}
	sort.Strings(out)
	return out
}

// Connect opens the stream with the current session and replays the
// subscription set. It is refused while the market is closed.
func (s *StreamSubscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	select {
	case <-s.done:
		return errors.ErrStreamClosed
	default:
	}
	now := s.clock.Now()
	if !s.calendar.IsOpen(s.cfg.Exchange, now) {
		return errors.MarketClosedError(string(s.cfg.Exchange), s.calendar.NextOpen(s.cfg.Exchange, now))
	}

	s.setState(StreamConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		s.lastErr = err
		s.setState(StreamDisconnected)
		return err
	}
	if err := s.replay(conn); err != nil {
		conn.Close()
		s.lastErr = err
		s.setState(StreamDisconnected)
		return err
	}
	s.conn = conn
	s.lastErr = nil
	s.setState(StreamConnected)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(3)
	go s.run(runCtx, conn)
	go s.ping(runCtx)
	go s.watchClose(runCtx, s.calendar.NextClose(s.cfg.Exchange, now))
	return nil
}

// Disconnect closes the connection without reconnecting. The subscription set
// is kept for the next Connect.
func (s *StreamSubscriber) Disconnect() {
	s.stop(StreamDisconnected)
}

// Close disconnects and stops the dispatch loop. The subscriber cannot be reused.
func (s *StreamSubscriber) Close() {
	s.stop(StreamDisconnected)
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *StreamSubscriber) stop(final StreamState) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	if cancel != nil {
		cancel()
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if cancel != nil || s.state == StreamFailed || s.state == StreamMarketClosed {
		s.setState(final)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Subscribe adds symbols on exchange to the subscription set and, when
// connected, sends the request. The set survives reconnects.
func (s *StreamSubscriber) Subscribe(symbols []string, exchange models.Exchange) error {
	seg, ok := Segment(exchange)
	if !ok {
		return errors.New(errors.CodeConfigInvalid, fmt.Sprintf("exchange %s cannot be streamed", exchange), nil)
	}
	added := make(map[subKey]string, len(symbols))
	for _, sym := range symbols {
		rec, err := s.symbols.Resolve(sym, exchange)
		if err != nil {
			return err
		}
		added[subKey{rec.Exchange, rec.Token}] = rec.Symbol
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]string, 0, len(added))
	for k, sym := range added {
		if _, exists := s.subs[k]; !exists {
			tokens = append(tokens, k.token)
		}
		s.subs[k] = sym
	}
	if s.conn == nil || len(tokens) == 0 {
		return nil
	}
	sort.Strings(tokens)
	return s.send(s.conn, 1, map[int][]string{seg.StreamType: tokens})
}

// Unsubscribe removes symbols from the set on every exchange.
func (s *StreamSubscriber) Unsubscribe(symbols []string) error {
	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[strings.ToUpper(strings.TrimSpace(sym))] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byType := make(map[int][]string)
	for k, sym := range s.subs {
		if !want[sym] && !want[strings.TrimSuffix(sym, "-EQ")] {
			continue
		}
		delete(s.subs, k)
		if seg, ok := Segment(k.exchange); ok {
			byType[seg.StreamType] = append(byType[seg.StreamType], k.token)
		}
	}
	if s.conn == nil || len(byType) == 0 {
		return nil
	}
	return s.send(s.conn, 0, byType)
}

type streamRequest struct {
	CorrelationID string       `json:"correlationID"`
	Action        int          `json:"action"`
	Params        streamParams `json:"params"`
}

type streamParams struct {
	Mode      int           `json:"mode"`
	TokenList []streamToken `json:"tokenList"`
}

type streamToken struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// send writes a (un)subscribe request. Caller holds s.mu.
func (s *StreamSubscriber) send(conn Conn, action int, byType map[int][]string) error {
	types := make([]int, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Ints(types)
	req := streamRequest{
		CorrelationID: strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		Action:        action,
		Params:        streamParams{Mode: s.cfg.Mode},
	}
	for _, t := range types {
		tokens := append([]string(nil), byType[t]...)
		sort.Strings(tokens)
		req.Params.TokenList = append(req.Params.TokenList, streamToken{ExchangeType: t, Tokens: tokens})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode stream request: %w", err)
	}
	if err := conn.WriteMessage(MessageText, payload); err != nil {
		return errors.New(errors.CodeStreamDisconnected, "failed to send stream request", err)
	}
	s.logger.Debug().Str("correlation_id", req.CorrelationID).Int("action", action).Int("segments", len(types)).Msg("Stream request sent")
	return nil
}

// replay re-sends the whole subscription set on conn. Caller holds s.mu.
func (s *StreamSubscriber) replay(conn Conn) error {
	if len(s.subs) == 0 {
		return nil
	}
	byType := make(map[int][]string)
	for k := range s.subs {
		if seg, ok := Segment(k.exchange); ok {
			byType[seg.StreamType] = append(byType[seg.StreamType], k.token)
		}
	}
	return s.send(conn, 1, byType)
}

// dial opens a connection with the current session. Caller holds s.mu.
func (s *StreamSubscriber) dial(ctx context.Context) (Conn, error) {
	sess, err := s.sessions.EnsureValidSession(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", sess.AccessToken)
	header.Set("x-api-key", sess.APIKey)
	header.Set("x-client-code", sess.ClientCode)
	header.Set("x-feed-token", sess.FeedToken)
	conn, err := s.transport.Dial(ctx, s.cfg.URL, header)
	if err != nil {
		if errors.Classify(err) == errors.KindSessionExpired {
			s.sessions.Invalidate(sess.AccessToken)
		}
		return nil, err
	}
	return conn, nil
}

// run reads conn until it fails, then reconnects or stops.
func (s *StreamSubscriber) run(ctx context.Context, conn Conn) {
	defer s.wg.Done()
	for {
		err := s.read(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			// Disconnect won the race; it owns the final state.
			s.mu.Unlock()
			return
		}
		if s.conn == conn {
			s.conn = nil
		}
		conn.Close()
		s.lastErr = errors.New(errors.CodeStreamDisconnected, "stream disconnected", err)
		s.logger.Warn().Err(err).Msg("Stream disconnected")
		if !s.calendar.IsOpen(s.cfg.Exchange, s.clock.Now()) {
			s.finish(StreamMarketClosed)
			s.mu.Unlock()
			return
		}
		s.setState(StreamReconnecting)
		s.mu.Unlock()

		next, err := s.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			if errors.Classify(err) == errors.KindMarketClosed {
				s.finish(StreamMarketClosed)
			} else {
				s.lastErr = err
				s.finish(StreamFailed)
				s.logger.Error().Err(err).Msg("Stream reconnect abandoned")
			}
			s.mu.Unlock()
			return
		}
		conn = next
	}
}

// finish ends the run so a later Connect starts afresh. Caller holds s.mu.
func (s *StreamSubscriber) finish(state StreamState) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.setState(state)
}

func (s *StreamSubscriber) reconnect(ctx context.Context) (Conn, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxReconnects; attempt++ {
		delay := utils.CalculateBackoff(attempt, s.cfg.ReconnectDelay, s.cfg.MaxReconnectDelay, 2)
		if err := s.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return nil, ctx.Err()
		}
		now := s.clock.Now()
		if !s.calendar.IsOpen(s.cfg.Exchange, now) {
			s.mu.Unlock()
			return nil, errors.MarketClosedError(string(s.cfg.Exchange), s.calendar.NextOpen(s.cfg.Exchange, now))
		}
		conn, err := s.dial(ctx)
		if err == nil {
			if err = s.replay(conn); err != nil {
				conn.Close()
			}
		}
		if err == nil {
			s.conn = conn
			s.lastErr = nil
			s.setState(StreamConnected)
			subs := len(s.subs)
			s.mu.Unlock()
			s.logger.Info().Int("attempt", attempt+1).Int("subscriptions", subs).Msg("Stream reconnected")
			return conn, nil
		}
		s.mu.Unlock()
		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("Stream reconnect failed")
	}
	return nil, fmt.Errorf("gave up after %d reconnect attempts: %w", s.cfg.MaxReconnects, lastErr)
}

// read consumes frames until the connection fails. Heartbeats stop here.
func (s *StreamSubscriber) read(ctx context.Context, conn Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind == MessageText {
			s.text(data)
			continue
		}
		bt, err := convert.DecodeTickFrame(data)
		if err != nil {
			s.logger.Debug().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
			continue
		}
		ex, ok := ExchangeForStreamType(bt.ExchangeType)
		if !ok {
			continue
		}
		s.mu.Lock()
		symbol, ok := s.subs[subKey{ex, bt.Token}]
		s.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case s.events <- convert.TickFromBroker(bt, symbol, ex):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *StreamSubscriber) text(data []byte) {
	msg := strings.TrimSpace(string(data))
	if strings.EqualFold(msg, "pong") {
		s.mu.Lock()
		s.lastBeat = s.clock.Now()
		s.mu.Unlock()
		return
	}
	s.logger.Warn().Str("message", msg).Msg("Stream server message")
}

func (s *StreamSubscriber) ping(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.PingInterval):
			s.mu.Lock()
			if s.conn != nil {
				if err := s.conn.WriteMessage(MessageText, []byte("ping")); err != nil {
					s.logger.Debug().Err(err).Msg("Ping failed")
				}
			}
			s.mu.Unlock()
		}
	}
}

// watchClose disconnects gracefully when the session ends.
func (s *StreamSubscriber) watchClose(ctx context.Context, closeAt time.Time) {
	defer s.wg.Done()
	if closeAt.IsZero() {
		return
	}
	select {
	case <-ctx.Done():
	case <-s.clock.After(closeAt.Sub(s.clock.Now())):
		s.logger.Info().Str("exchange", string(s.cfg.Exchange)).Msg("Market closed, disconnecting stream")
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.finish(StreamMarketClosed)
		s.mu.Unlock()
	}
}

// setState records a transition. Caller holds s.mu.
func (s *StreamSubscriber) setState(to StreamState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	logging.LogStateChange(s.logger, "stream", from.String(), to.String())
	s.handlerMu.RLock()
	observers := s.observers
	s.handlerMu.RUnlock()
	for _, fn := range observers {
		fn(from, to)
	}
}
