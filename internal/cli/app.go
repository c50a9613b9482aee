package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"angelone-bridge/internal/auth"
	"angelone-bridge/internal/broker"
	"angelone-bridge/internal/calendar"
	"angelone-bridge/internal/config"
	"angelone-bridge/internal/logging"
	"angelone-bridge/internal/store"
	"angelone-bridge/internal/symbols"
	"angelone-bridge/pkg/utils"
)

// paperSeed is the TOTP seed used when paper mode runs without credentials.
const paperSeed = "JBSWY3DPEHPK3PXP"

// App holds the application dependencies. Anything left nil is built from
// Config on first use, so commands that only need the calendar never touch
// the network.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Clock     utils.Clock
	API       broker.Bridge
	Paper     *broker.PaperAPI
	Sessions  *auth.Manager
	Source    symbols.Source
	Symbols   *symbols.Resolver
	Calendars *calendar.Registry
	Store     store.Store
	Gateway   *broker.Gateway
	Transport broker.Transport
}

// load reads the configuration named by the persistent flags.
func (a *App) load(path string, paper, debug bool) error {
	if a.Config == nil {
		var overrides map[string]any
		if paper {
			overrides = map[string]any{"trading.mode": config.ModePaper}
		}
		if debug {
			if overrides == nil {
				overrides = map[string]any{}
			}
			overrides["logging.level"] = "debug"
		}
		cfg, err := config.LoadWithOverrides(path, overrides)
		if err != nil {
			return err
		}
		a.Config = cfg
		a.Logger = logging.NewLoggerWithConfig(cfg.Logging)
	}
	if debug {
		a.Logger = a.Logger.Level(zerolog.DebugLevel)
	}
	if a.Clock == nil {
		a.Clock = utils.SystemClock{}
	}
	return nil
}

func (a *App) calendars() (*calendar.Registry, error) {
	if a.Calendars == nil {
		reg, err := a.Config.Calendars()
		if err != nil {
			return nil, err
		}
		a.Calendars = reg
	}
	return a.Calendars, nil
}

func (a *App) bridge() broker.Bridge {
	if a.API != nil {
		return a.API
	}
	if a.Config.IsPaperMode() {
		a.Paper = broker.NewPaperAPI(a.Config.Paper, a.Clock)
		a.API = a.Paper
		a.Logger.Info().Float64("balance", a.Config.Paper.InitialBalance).Msg("Paper broker initialized")
		return a.API
	}
	cfg := a.Config.Broker
	a.API = broker.NewSmartAPI(cfg, broker.NewThrottle(cfg.RatePerSecond, cfg.Burst, a.Clock), a.Logger)
	a.Logger.Debug().Str("base_url", cfg.BaseURL).Msg("SmartAPI client initialized")
	return a.API
}

func (a *App) sessions() *auth.Manager {
	if a.Sessions != nil {
		return a.Sessions
	}
	creds := a.Config.AuthCredentials()
	if a.Config.IsPaperMode() && creds.Validate() != nil {
		creds = auth.Credentials{APIKey: "paper", ClientCode: "PAPER", Password: "paper", TOTPSecret: paperSeed}
	}
	a.Sessions = auth.NewManager(creds, a.bridge(),
		auth.WithClock(a.Clock),
		auth.WithLogger(a.Logger),
		auth.WithConfig(a.Config.Auth),
	)
	return a.Sessions
}

// catalogSource picks the instrument source from the configured location.
func catalogSource(cfg config.SymbolsConfig) symbols.Source {
	src := cfg.Source
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return symbols.NewHTTPSource(src, cfg.Timeout)
	}
	return symbols.FileSource{Path: src}
}

func (a *App) resolver(ctx context.Context) (*symbols.Resolver, error) {
	if a.Symbols != nil && a.Symbols.Loaded() {
		return a.Symbols, nil
	}
	if a.Symbols == nil {
		if a.Source == nil {
			a.Source = catalogSource(a.Config.Symbols)
		}
		a.Symbols = symbols.NewResolver(a.Source, a.Logger)
	}
	if _, err := a.Symbols.LoadCatalog(ctx); err != nil {
		return nil, err
	}
	return a.Symbols, nil
}

func (a *App) store() (store.Store, error) {
	if a.Store != nil {
		return a.Store, nil
	}
	if !a.Config.Store.Enabled {
		a.Store = store.NewMemoryStore()
		return a.Store, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.Config.Store.Path), 0o700); err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(a.Config.Store.Path)
	if err != nil {
		return nil, err
	}
	a.Store = s
	return a.Store, nil
}

func (a *App) gateway(ctx context.Context) (*broker.Gateway, error) {
	if a.Gateway != nil {
		return a.Gateway, nil
	}
	res, err := a.resolver(ctx)
	if err != nil {
		return nil, err
	}
	cal, err := a.calendars()
	if err != nil {
		return nil, err
	}
	snapshots, err := a.store()
	if err != nil {
		return nil, err
	}
	sessions := a.sessions()

	gcfg := a.Config.Gateway
	gcfg.DefaultExchange = a.Config.Trading.DefaultExchange
	gcfg.DefaultProduct = a.Config.Trading.DefaultProduct
	a.Gateway = broker.NewGateway(a.bridge(), sessions, res, cal,
		broker.WithGatewayClock(a.Clock),
		broker.WithGatewayLogger(a.Logger),
		broker.WithGatewayConfig(gcfg),
		broker.WithSnapshots(snapshots, sessions.ClientCode()),
	)
	a.Gateway.OnCritical(func(err error) {
		a.Logger.Error().Err(err).Msg("Trading halted")
	})
	return a.Gateway, nil
}

func (a *App) stream(ctx context.Context) (*broker.StreamSubscriber, error) {
	res, err := a.resolver(ctx)
	if err != nil {
		return nil, err
	}
	cal, err := a.calendars()
	if err != nil {
		return nil, err
	}
	transport := a.Transport
	if transport == nil {
		transport = broker.NewWebSocketTransport()
	}
	return broker.NewStreamSubscriber(transport, a.sessions(), res, cal, a.Config.Stream, a.Clock, a.Logger), nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
