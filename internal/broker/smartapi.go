package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"angelone-bridge/internal/auth"
	"angelone-bridge/internal/convert"
	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/logging"
)

// DefaultBaseURL is the SmartAPI REST endpoint.
const DefaultBaseURL = "https://apiconnect.angelbroking.com"

const (
	routeLogin     = "/rest/auth/angelbroking/user/v1/loginByPassword"
	routeRefresh   = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	routeLogout    = "/rest/secure/angelbroking/user/v1/logout"
	routeCandles   = "/rest/secure/angelbroking/historical/v1/getCandleData"
	routeLTP       = "/rest/secure/angelbroking/order/v1/getLtpData"
	routePlace     = "/rest/secure/angelbroking/order/v1/placeOrder"
	routeModify    = "/rest/secure/angelbroking/order/v1/modifyOrder"
	routeCancel    = "/rest/secure/angelbroking/order/v1/cancelOrder"
	routeOrderBook = "/rest/secure/angelbroking/order/v1/getOrderBook"
	routeTradeBook = "/rest/secure/angelbroking/order/v1/getTradeBook"
	routePositions = "/rest/secure/angelbroking/order/v1/getPosition"
	routeHoldings  = "/rest/secure/angelbroking/portfolio/v1/getHolding"
	routeFunds     = "/rest/secure/angelbroking/user/v1/getRMS"
)

// SmartAPIConfig holds the REST client settings.
type SmartAPIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"-"`
	ClientLocalIP  string        `mapstructure:"client_local_ip"`
	ClientPublicIP string        `mapstructure:"client_public_ip"`
	MACAddress     string        `mapstructure:"mac_address"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// DefaultSmartAPIConfig returns production defaults.
func DefaultSmartAPIConfig() SmartAPIConfig {
	return SmartAPIConfig{
		BaseURL:        DefaultBaseURL,
		ClientLocalIP:  "127.0.0.1",
		ClientPublicIP: "127.0.0.1",
		MACAddress:     "00:00:00:00:00:00",
		Timeout:        defaultTimeout,
		RatePerSecond:  3,
		Burst:          3,
	}
}

// SmartAPI is the REST wire client. It implements API and auth.LoginAPI.
type SmartAPI struct {
	cfg      SmartAPIConfig
	http     *http.Client
	throttle *Throttle
	logger   zerolog.Logger
}

// NewSmartAPI creates a client. A nil throttle gets one built from cfg.
func NewSmartAPI(cfg SmartAPIConfig, throttle *Throttle, logger zerolog.Logger) *SmartAPI {
	def := DefaultSmartAPIConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = def.ClientLocalIP
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = def.ClientPublicIP
	}
	if cfg.MACAddress == "" {
		cfg.MACAddress = def.MACAddress
	}
	if throttle == nil {
		throttle = NewThrottle(cfg.RatePerSecond, cfg.Burst, nil)
	}
	return &SmartAPI{
		cfg:      cfg,
		http:     &http.Client{},
		throttle: throttle,
		logger:   logging.WithComponent(logger, "smartapi"),
	}
}

// Throttle returns the client's shared rate limiter.
func (c *SmartAPI) Throttle() *Throttle { return c.throttle }

type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

type tokenData struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

func (t tokenData) tokens() auth.Tokens {
	return auth.Tokens{
		AccessToken:  strings.TrimPrefix(t.JWTToken, "Bearer "),
		RefreshToken: t.RefreshToken,
		FeedToken:    t.FeedToken,
	}
}

// Login exchanges credentials and a one-time code for session tokens.
func (c *SmartAPI) Login(ctx context.Context, clientCode, password, oneTimeCode string) (auth.Tokens, error) {
	body := map[string]string{"clientcode": clientCode, "password": password, "totp": oneTimeCode}
	var data tokenData
	if err := c.do(ctx, http.MethodPost, routeLogin, "", body, &data, errors.CodeAuthFailed); err != nil {
		return auth.Tokens{}, err
	}
	if data.JWTToken == "" {
		return auth.Tokens{}, errors.New(errors.CodeAuthFailed, "login reply carried no token", nil)
	}
	return data.tokens(), nil
}

// Refresh renews the session tokens.
func (c *SmartAPI) Refresh(ctx context.Context, accessToken, refreshToken string) (auth.Tokens, error) {
	body := map[string]string{"refreshToken": refreshToken}
	var data tokenData
	if err := c.do(ctx, http.MethodPost, routeRefresh, accessToken, body, &data, errors.CodeAuthSessionExpired); err != nil {
		return auth.Tokens{}, err
	}
	if data.JWTToken == "" {
		return auth.Tokens{}, errors.SessionExpiredError(fmt.Errorf("refresh reply carried no token"))
	}
	return data.tokens(), nil
}

// Logout ends the session on the broker side.
func (c *SmartAPI) Logout(ctx context.Context, accessToken, clientCode string) error {
	return c.do(ctx, http.MethodPost, routeLogout, accessToken, map[string]string{"clientcode": clientCode}, nil, errors.CodeAuthFailed)
}

// PlaceOrder submits an order and returns the broker order id.
func (c *SmartAPI) PlaceOrder(ctx context.Context, s *auth.Session, req convert.BrokerOrderRequest) (string, error) {
	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := c.do(ctx, http.MethodPost, routePlace, s.AccessToken, req, &data, errors.CodeOrderRejected); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", errors.OrderRejectedError("broker returned no order id")
	}
	return data.OrderID, nil
}

// ModifyOrder changes a working order.
func (c *SmartAPI) ModifyOrder(ctx context.Context, s *auth.Session, req convert.BrokerModifyRequest) error {
	return c.do(ctx, http.MethodPost, routeModify, s.AccessToken, req, nil, errors.CodeOrderRejected)
}

// CancelOrder cancels a working order.
func (c *SmartAPI) CancelOrder(ctx context.Context, s *auth.Session, variety, orderID string) error {
	body := map[string]string{"variety": variety, "orderid": orderID}
	return c.do(ctx, http.MethodPost, routeCancel, s.AccessToken, body, nil, errors.CodeOrderRejected)
}

// OrderBook lists the day's orders.
func (c *SmartAPI) OrderBook(ctx context.Context, s *auth.Session) ([]convert.BrokerOrder, error) {
	var rows []convert.BrokerOrder
	err := c.do(ctx, http.MethodGet, routeOrderBook, s.AccessToken, nil, &rows, errors.CodeDataUnavailable)
	return rows, err
}

// TradeBook lists the day's fills.
func (c *SmartAPI) TradeBook(ctx context.Context, s *auth.Session) ([]convert.BrokerTrade, error) {
	var rows []convert.BrokerTrade
	err := c.do(ctx, http.MethodGet, routeTradeBook, s.AccessToken, nil, &rows, errors.CodeDataUnavailable)
	return rows, err
}

// Positions lists open positions.
func (c *SmartAPI) Positions(ctx context.Context, s *auth.Session) ([]convert.BrokerPosition, error) {
	var rows []convert.BrokerPosition
	err := c.do(ctx, http.MethodGet, routePositions, s.AccessToken, nil, &rows, errors.CodeDataUnavailable)
	return rows, err
}

// Holdings lists delivery holdings.
func (c *SmartAPI) Holdings(ctx context.Context, s *auth.Session) ([]convert.BrokerHolding, error) {
	var rows []convert.BrokerHolding
	err := c.do(ctx, http.MethodGet, routeHoldings, s.AccessToken, nil, &rows, errors.CodeDataUnavailable)
	return rows, err
}

// Funds returns the margin summary.
func (c *SmartAPI) Funds(ctx context.Context, s *auth.Session) (convert.BrokerFunds, error) {
	var funds convert.BrokerFunds
	err := c.do(ctx, http.MethodGet, routeFunds, s.AccessToken, nil, &funds, errors.CodeDataUnavailable)
	return funds, err
}

// Candles fetches historical bars.
func (c *SmartAPI) Candles(ctx context.Context, s *auth.Session, req CandleRequest) ([]convert.BrokerCandle, error) {
	var rows []convert.BrokerCandle
	err := c.do(ctx, http.MethodPost, routeCandles, s.AccessToken, req, &rows, errors.CodeDataUnavailable)
	return rows, err
}

// LTP fetches the last traded price.
func (c *SmartAPI) LTP(ctx context.Context, s *auth.Session, req LTPRequest) (convert.BrokerLTP, error) {
	var ltp convert.BrokerLTP
	err := c.do(ctx, http.MethodPost, routeLTP, s.AccessToken, req, &ltp, errors.CodeDataUnavailable)
	return ltp, err
}

// do performs one round trip: throttle, send, classify, decode. It never retries.
func (c *SmartAPI) do(ctx context.Context, method, route, token string, body, out any, fallback errors.Code) (err error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return err
	}

	requestID := uuid.NewString()
	start := time.Now()
	defer func() {
		logging.LogAPICall(c.logger, requestID, method, route, time.Since(start), err)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", route, err)
		}
		reader = bytes.NewReader(payload)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.cfg.BaseURL+route, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", route, err)
	}
	c.setHeaders(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if callCtx.Err() == context.DeadlineExceeded {
			return errors.NetworkError(errors.CodeNetworkTimeout, err)
		}
		return errors.NetworkError(errors.CodeNetworkConnection, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp.Header.Get("Retry-After"))
		c.throttle.Cooldown(wait)
		return errors.RateLimitedError(wait)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.SessionExpiredError(fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return errors.NetworkError(errors.CodeNetworkServer, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.NetworkError(errors.CodeNetworkServer, fmt.Errorf("failed to decode %s reply: %w", route, err))
	}
	if !env.Status {
		e := errors.FromBroker(env.ErrorCode, env.Message, fallback)
		if e.Code == errors.CodeRateLimited {
			wait := retryAfter(resp.Header.Get("Retry-After"))
			c.throttle.Cooldown(wait)
			e.RetryAfter = wait
		}
		return e
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" || string(env.Data) == `""` {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.NetworkError(errors.CodeNetworkServer, fmt.Errorf("failed to decode %s data: %w", route, err))
	}
	return nil
}

func (c *SmartAPI) setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", c.cfg.ClientLocalIP)
	req.Header.Set("X-ClientPublicIP", c.cfg.ClientPublicIP)
	req.Header.Set("X-MACAddress", c.cfg.MACAddress)
	req.Header.Set("X-PrivateKey", c.cfg.APIKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// retryAfter parses a Retry-After header in seconds, defaulting to one second.
func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}

var (
	_ API           = (*SmartAPI)(nil)
	_ auth.LoginAPI = (*SmartAPI)(nil)
)
