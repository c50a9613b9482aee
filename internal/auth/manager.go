package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/logging"
	"angelone-bridge/pkg/utils"
)

// Config tunes login retries and session lifetime.
type Config struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	ExpiryMargin  time.Duration `mapstructure:"expiry_margin"`
	FlightTimeout time.Duration `mapstructure:"flight_timeout"`
}

// DefaultConfig returns three login attempts spaced 1s, 2s (capped at 4s),
// a 24h session and a 5 minute refresh margin.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		RetryDelay:    time.Second,
		MaxRetryDelay: 4 * time.Second,
		SessionTTL:    24 * time.Hour,
		ExpiryMargin:  5 * time.Minute,
		FlightTimeout: time.Minute,
	}
}

const flightKey = "session"

// Manager owns one broker session. Independent managers may run side by side,
// e.g. one per account.
type Manager struct {
	creds  Credentials
	api    LoginAPI
	cfg    Config
	clock  utils.Clock
	logger zerolog.Logger

	mu      sync.RWMutex
	session *Session
	state   State

	group    singleflight.Group
	observer func(from, to State)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source used for one-time codes and expiry.
func WithClock(c utils.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logging.WithComponent(l, "auth") }
}

// WithConfig overrides the default Config. Zero fields keep their defaults.
func WithConfig(c Config) Option {
	return func(m *Manager) {
		d := m.cfg
		if c.MaxAttempts > 0 {
			d.MaxAttempts = c.MaxAttempts
		}
		if c.RetryDelay > 0 {
			d.RetryDelay = c.RetryDelay
		}
		if c.MaxRetryDelay > 0 {
			d.MaxRetryDelay = c.MaxRetryDelay
		}
		if c.SessionTTL > 0 {
			d.SessionTTL = c.SessionTTL
		}
		if c.ExpiryMargin > 0 {
			d.ExpiryMargin = c.ExpiryMargin
		}
		if c.FlightTimeout > 0 {
			d.FlightTimeout = c.FlightTimeout
		}
		m.cfg = d
	}
}

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(from, to State)) Option {
	return func(m *Manager) { m.observer = fn }
}

// NewManager creates a Manager in the UNAUTHENTICATED state.
func NewManager(creds Credentials, api LoginAPI, opts ...Option) *Manager {
	m := &Manager{
		creds:  creds,
		api:    api,
		cfg:    DefaultConfig(),
		clock:  utils.SystemClock{},
		logger: zerolog.Nop(),
		state:  StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns a copy of the current session, if any.
func (m *Manager) Session() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.clone(), m.session != nil
}

// ClientCode returns the account identifier.
func (m *Manager) ClientCode() string { return m.creds.ClientCode }

// APIKey returns the application key sent with every request.
func (m *Manager) APIKey() string { return m.creds.APIKey }

// Login authenticates with a fresh one-time code. Concurrent callers share
// one attempt sequence.
func (m *Manager) Login(ctx context.Context) (*Session, error) {
	if err := m.creds.Validate(); err != nil {
		return nil, err
	}
	return m.shared(ctx, m.login)
}

// EnsureValidSession returns a session that is valid for at least the expiry
// margin, refreshing it first when needed. FAILED stays failed until Login.
func (m *Manager) EnsureValidSession(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	sess, state := m.session.clone(), m.state
	fresh := sess != nil && m.fresh(sess)
	m.mu.RUnlock()

	switch {
	case state == StateFailed:
		return nil, errors.SessionExpiredError(errors.New(errors.CodeAuthFailed, "login required after failed authentication", nil))
	case fresh:
		return sess, nil
	case sess == nil:
		if err := m.creds.Validate(); err != nil {
			return nil, err
		}
		return m.shared(ctx, m.login)
	default:
		return m.shared(ctx, m.refresh)
	}
}

// Invalidate marks the session expired if it still carries accessToken, so
// the next EnsureValidSession refreshes it. Stale tokens are ignored.
func (m *Manager) Invalidate(accessToken string) {
	m.mu.Lock()
	if m.session == nil || m.session.AccessToken != accessToken {
		m.mu.Unlock()
		return
	}
	// Installed sessions are shared with readers; replace, never mutate.
	expired := *m.session
	expired.ExpiresAt = m.clock.Now()
	m.session = &expired
	from := m.state
	m.state = StateExpired
	m.mu.Unlock()
	m.notify(from, StateExpired)
}

// Logout terminates the broker session and clears local state.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	from := m.state
	m.state = StateUnauthenticated
	m.mu.Unlock()
	m.notify(from, StateUnauthenticated)

	if sess == nil {
		return nil
	}
	if err := m.api.Logout(ctx, sess.AccessToken, sess.ClientCode); err != nil {
		m.logger.Warn().Err(err).Msg("Broker logout failed; local session cleared")
		return errors.Wrap(err, "logout")
	}
	m.logger.Info().Str("client_code", sess.ClientCode).Msg("Logged out")
	return nil
}

// shared runs fn once for all concurrent callers. The flight is detached from
// any single caller's cancellation and bounded by FlightTimeout instead, so a
// caller giving up never leaves the session half-updated.
func (m *Manager) shared(ctx context.Context, fn func(context.Context) (*Session, error)) (*Session, error) {
	ch := m.group.DoChan(flightKey, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.FlightTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Session).clone(), nil
	}
}

func (m *Manager) login(ctx context.Context) (*Session, error) {
	m.setState(StateAuthenticating)

	attempts := 0
	sess, err := utils.RetryWithResult(ctx, m.clock, utils.RetryConfig{
		MaxAttempts:   m.cfg.MaxAttempts,
		InitialDelay:  m.cfg.RetryDelay,
		MaxDelay:      m.cfg.MaxRetryDelay,
		BackoffFactor: 2,
		ShouldRetry: func(err error) bool {
			k := errors.Classify(err)
			return k != errors.KindConfiguration && k != errors.KindCanceled
		},
		DelayFor: errors.RetryAfter,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			m.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("Login failed, retrying with a fresh code")
		},
	}, func(int) (*Session, error) {
		attempts++
		code, err := GenerateOneTimeCode(m.creds.TOTPSecret, m.clock)
		if err != nil {
			return nil, err
		}
		tokens, err := m.api.Login(ctx, m.creds.ClientCode, m.creds.Password, code)
		if err != nil {
			return nil, err
		}
		if tokens.AccessToken == "" {
			return nil, errors.New(errors.CodeAuthFailed, "broker returned an empty access token", nil)
		}
		return m.newSession(tokens, ""), nil
	})
	if err != nil {
		m.mu.Lock()
		m.session = nil
		m.mu.Unlock()
		m.setState(StateFailed)
		m.logger.Error().Err(err).Int("attempts", attempts).Msg("Login failed")
		if errors.Classify(err) == errors.KindConfiguration {
			return nil, err
		}
		return nil, errors.AuthenticationError(attempts, err)
	}

	m.install(sess)
	m.logger.Info().Str("client_code", sess.ClientCode).Time("expires_at", sess.ExpiresAt).Msg("Logged in")
	return sess, nil
}

func (m *Manager) refresh(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	cur := m.session.clone()
	fresh := cur != nil && m.fresh(cur)
	m.mu.RUnlock()
	if fresh {
		// refreshed by a flight that finished while we were queued
		return cur, nil
	}
	if cur == nil {
		return m.login(ctx)
	}

	m.setState(StateExpired)
	m.setState(StateRefreshing)
	tokens, err := m.api.Refresh(ctx, cur.AccessToken, cur.RefreshToken)
	if err == nil && tokens.AccessToken != "" {
		sess := m.newSession(tokens, cur.FeedToken)
		m.install(sess)
		m.logger.Info().Time("expires_at", sess.ExpiresAt).Msg("Session refreshed")
		return sess, nil
	}
	m.logger.Warn().Err(err).Msg("Session refresh failed, logging in again")

	sess, lerr := m.login(ctx)
	if lerr != nil {
		return nil, errors.SessionExpiredError(lerr)
	}
	return sess, nil
}

func (m *Manager) newSession(t Tokens, previousFeed string) *Session {
	now := m.clock.Now()
	feed := t.FeedToken
	if feed == "" {
		feed = previousFeed
	}
	return &Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		FeedToken:    feed,
		ClientCode:   m.creds.ClientCode,
		APIKey:       m.creds.APIKey,
		IssuedAt:     now,
		ExpiresAt:    now.Add(m.cfg.SessionTTL),
	}
}

func (m *Manager) install(s *Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	m.setState(StateActive)
}

// fresh must be called with mu held.
func (m *Manager) fresh(s *Session) bool {
	return m.clock.Now().Add(m.cfg.ExpiryMargin).Before(s.ExpiresAt)
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	if from != to {
		m.notify(from, to)
	}
}

func (m *Manager) notify(from, to State) {
	logging.LogStateChange(m.logger, "session", from.String(), to.String())
	if m.observer != nil {
		m.observer(from, to)
	}
}
