// Package config loads and validates the bridge configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"angelone-bridge/internal/auth"
	"angelone-bridge/internal/broker"
	"angelone-bridge/internal/calendar"
	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/logging"
	"angelone-bridge/internal/models"
)

// Trading modes.
const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// Config holds all application configuration.
type Config struct {
	Credentials CredentialsConfig     `mapstructure:"credentials"`
	Trading     TradingConfig         `mapstructure:"trading"`
	Market      MarketConfig          `mapstructure:"market"`
	Symbols     SymbolsConfig         `mapstructure:"symbols"`
	Broker      broker.SmartAPIConfig `mapstructure:"broker"`
	Gateway     broker.GatewayConfig  `mapstructure:"gateway"`
	Stream      broker.StreamConfig   `mapstructure:"stream"`
	Auth        auth.Config           `mapstructure:"auth"`
	Store       StoreConfig           `mapstructure:"store"`
	Paper       broker.PaperConfig    `mapstructure:"paper"`
	Logging     logging.LogConfig     `mapstructure:"logging"`

	// Path is the file the configuration was read from.
	Path string `mapstructure:"-"`
	// Unresolved lists ${VAR} placeholders whose variable was unset.
	Unresolved []string `mapstructure:"-"`
}

// CredentialsConfig holds broker credentials. Values may be ${VAR} placeholders.
type CredentialsConfig struct {
	APIKey     string `mapstructure:"api_key"`
	ClientCode string `mapstructure:"client_code"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
}

// TradingConfig holds trading defaults.
type TradingConfig struct {
	Mode            string             `mapstructure:"mode"` // live, paper
	DefaultExchange models.Exchange    `mapstructure:"default_exchange"`
	DefaultProduct  models.ProductType `mapstructure:"default_product"`
	Watchlist       []string           `mapstructure:"watchlist"`
}

// MarketConfig overrides the equity session window and extends the holiday list.
type MarketConfig struct {
	PreOpen     calendar.TimeOfDay `mapstructure:"pre_open"`
	Open        calendar.TimeOfDay `mapstructure:"open"`
	Close       calendar.TimeOfDay `mapstructure:"close"`
	PostOpen    calendar.TimeOfDay `mapstructure:"post_open"`
	PostClose   calendar.TimeOfDay `mapstructure:"post_close"`
	Holidays    []string           `mapstructure:"holidays"`
	HolidayFile string             `mapstructure:"holiday_file"`
}

// SymbolsConfig selects the instrument catalog source: an http(s) URL or a
// local .json/.csv file.
type SymbolsConfig struct {
	Source  string        `mapstructure:"source"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig holds the snapshot store settings. An empty path keeps
// snapshots in memory only.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "angelone-bridge")
	}
	return filepath.Join(home, ".config", "angelone-bridge")
}

// DefaultConfigPath returns the default configuration file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns the configuration used when a key is absent.
func Default() Config {
	w := calendar.EquityWindow()
	return Config{
		Trading: TradingConfig{
			Mode:            ModeLive,
			DefaultExchange: models.NSE,
			DefaultProduct:  models.ProductIntraday,
		},
		Market: MarketConfig{
			PreOpen:   w.PreOpen,
			Open:      w.Open,
			Close:     w.Close,
			PostOpen:  w.PostOpen,
			PostClose: w.PostClose,
		},
		Symbols: SymbolsConfig{
			Source:  "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json",
			Timeout: time.Minute,
		},
		Broker:  broker.DefaultSmartAPIConfig(),
		Gateway: broker.DefaultGatewayConfig(),
		Stream:  broker.DefaultStreamConfig(),
		Auth:    auth.DefaultConfig(),
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(DefaultConfigDir(), "snapshots.db"),
		},
		Paper:   broker.PaperConfig{InitialBalance: 1000000},
		Logging: logging.DefaultLogConfig(),
	}
}

// envBindings are the environment variables that override file values.
var envBindings = map[string]string{
	"credentials.api_key":     "ANGELONE_API_KEY",
	"credentials.client_code": "ANGELONE_CLIENT_CODE",
	"credentials.password":    "ANGELONE_PASSWORD",
	"credentials.totp_secret": "ANGELONE_TOTP_SECRET",
	"trading.mode":            "ANGELONE_MODE",
	"logging.level":           "ANGELONE_LOG_LEVEL",
}

// Load reads the configuration at path (config.yaml in the default directory
// when empty). A missing file is replaced by a template and reported as an
// error. The result is validated once; every problem is reported together.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load with keys forced to the given values, ahead of
// the file and the environment. Command-line flags use it.
func LoadWithOverrides(path string, overrides map[string]any) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if werr := WriteTemplate(path); werr != nil {
			return nil, werr
		}
		return nil, errors.New(errors.CodeConfigInvalid,
			fmt.Sprintf("config file not found, created template at %s", path), nil)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.New(errors.CodeConfigInvalid, "failed to read config", err).With("path", path)
	}
	for key, val := range overrides {
		v.Set(key, val)
	}
	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	cfg := Default()
	var unresolved []string
	hook := mapstructure.ComposeDecodeHookFunc(
		expandEnvHook(&unresolved),
		timeOfDayHook(),
		upperHook(reflect.TypeOf(models.Exchange("")), reflect.TypeOf(models.ProductType(""))),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, errors.New(errors.CodeConfigInvalid, "failed to decode config", err).With("path", path)
	}
	cfg.Path = path
	cfg.Broker.APIKey = cfg.Credentials.APIKey
	cfg.Unresolved = unresolved

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvHook replaces ${VAR} in string values with the environment value.
// Unset variables are collected in unresolved.
func expandEnvHook(unresolved *[]string) mapstructure.DecodeHookFuncType {
	return func(from, _ reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		if !strings.Contains(s, "${") {
			return data, nil
		}
		return placeholder.ReplaceAllStringFunc(s, func(m string) string {
			name := placeholder.FindStringSubmatch(m)[1]
			val, ok := os.LookupEnv(name)
			if !ok {
				*unresolved = append(*unresolved, name)
			}
			return val
		}), nil
	}
}

func timeOfDayHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(calendar.TimeOfDay(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		return calendar.ParseTimeOfDay(data.(string))
	}
}

func upperHook(targets ...reflect.Type) mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		for _, t := range targets {
			if to == t {
				return strings.ToUpper(strings.TrimSpace(data.(string))), nil
			}
		}
		return data, nil
	}
}

// Validate checks the configuration and returns every problem at once.
func (c *Config) Validate() error {
	var errs error
	invalid := func(format string, args ...any) {
		errs = multierr.Append(errs, errors.New(errors.CodeConfigInvalid, fmt.Sprintf(format, args...), nil))
	}

	switch c.Trading.Mode {
	case ModeLive:
		errs = multierr.Append(errs, c.AuthCredentials().Validate())
		if len(c.Unresolved) > 0 {
			invalid("unresolved environment placeholders: %s", strings.Join(c.Unresolved, ", "))
		}
	case ModePaper:
	default:
		invalid("trading.mode must be %q or %q, got %q", ModeLive, ModePaper, c.Trading.Mode)
	}
	if _, ok := broker.Segment(c.Trading.DefaultExchange); !ok {
		invalid("trading.default_exchange %q is not a supported segment", c.Trading.DefaultExchange)
	}
	if !c.Trading.DefaultProduct.Valid() {
		invalid("trading.default_product %q is not supported", c.Trading.DefaultProduct)
	}
	if err := c.Window().Validate(); err != nil {
		invalid("market: %v", err)
	}
	if _, err := calendar.ParseHolidays(c.Market.Holidays); err != nil {
		invalid("market.holidays: %v", err)
	}
	if c.Symbols.Source == "" {
		invalid("symbols.source is required")
	}
	if c.Broker.RatePerSecond < 0 {
		invalid("broker.rate_per_second must not be negative")
	}
	if c.Broker.Timeout <= 0 {
		invalid("broker.timeout must be positive")
	}
	if c.Gateway.MaxAttempts < 1 {
		invalid("gateway.max_attempts must be at least 1")
	}
	if c.Stream.Mode < 1 || c.Stream.Mode > 3 {
		invalid("stream.mode must be 1 (LTP), 2 (QUOTE) or 3 (SNAP_QUOTE)")
	}
	if c.Auth.ExpiryMargin >= c.Auth.SessionTTL {
		invalid("auth.expiry_margin must be shorter than auth.session_ttl")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		invalid("store.path is required when the store is enabled")
	}
	return errs
}

// IsPaperMode reports whether orders go to the in-memory paper broker.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == ModePaper
}

// AuthCredentials returns the credential set for the session manager.
func (c *Config) AuthCredentials() auth.Credentials {
	return auth.Credentials{
		APIKey:     c.Credentials.APIKey,
		ClientCode: c.Credentials.ClientCode,
		Password:   c.Credentials.Password,
		TOTPSecret: c.Credentials.TOTPSecret,
	}
}

// Window returns the configured equity session window.
func (c *Config) Window() calendar.Window {
	return calendar.Window{
		PreOpen:   c.Market.PreOpen,
		Open:      c.Market.Open,
		Close:     c.Market.Close,
		PostOpen:  c.Market.PostOpen,
		PostClose: c.Market.PostClose,
	}
}

// Calendars builds the per-exchange calendars: built-in holidays plus the
// configured list and holiday file.
func (c *Config) Calendars() (*calendar.Registry, error) {
	holidays := calendar.DefaultHolidays()
	extra, err := calendar.ParseHolidays(c.Market.Holidays)
	if err != nil {
		return nil, err
	}
	holidays = append(holidays, extra...)
	if c.Market.HolidayFile != "" {
		fromFile, err := calendar.LoadHolidayFile(c.Market.HolidayFile)
		if err != nil {
			return nil, err
		}
		holidays = append(holidays, fromFile...)
	}
	reg := calendar.DefaultRegistry(holidays)
	equity := calendar.New(c.Window(), holidays)
	for _, ex := range []models.Exchange{models.NSE, models.BSE, models.NFO, models.BFO} {
		reg.Set(ex, equity)
	}
	return reg, nil
}
