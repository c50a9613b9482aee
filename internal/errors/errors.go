// Package errors provides the adapter's error taxonomy and the policy attached to each kind.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrCatalogNotLoaded = errors.New("instrument catalog not loaded")
	ErrHalted           = errors.New("trading halted")
	ErrStreamClosed     = errors.New("stream closed")
)

// Code is a namespaced error code such as "auth/failed".
type Code string

const (
	CodeConfigInvalid      Code = "config/invalid"
	CodeConfigCredentials  Code = "config/missing-credentials"
	CodeAuthFailed         Code = "auth/failed"
	CodeAuthInvalidOTP     Code = "auth/invalid-otp"
	CodeAuthSessionExpired Code = "auth/session-expired"
	CodeSymbolUnknown      Code = "symbol/unknown"
	CodeSymbolCatalog      Code = "symbol/catalog"
	CodeMarketClosed       Code = "market/closed"
	CodeDataUnavailable    Code = "market/no-data"
	CodeOrderInvalid       Code = "order/invalid"
	CodeOrderRejected      Code = "order/rejected"
	CodeOrderMargin        Code = "order/insufficient-margin"
	CodeOrderNotFound      Code = "order/not-found"
	CodeOrderState         Code = "order/invalid-state"
	CodeOrderHalted        Code = "order/halted"
	CodeRateLimited        Code = "rate/limited"
	CodeNetworkTimeout     Code = "network/timeout"
	CodeNetworkConnection  Code = "network/connection"
	CodeNetworkServer      Code = "network/server"
	CodeStreamDisconnected Code = "network/stream-disconnected"
	CodeCritical           Code = "internal/critical"
)

// Namespace returns the part of the code before the slash.
func (c Code) Namespace() string {
	ns, _, _ := strings.Cut(string(c), "/")
	return ns
}

// Error is the adapter's error payload: {code, message, details}.
type Error struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter time.Duration  `json:"-"`
	Err        error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so callers can compare against
// a bare &Error{Code: ...} template.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Message == ""
}

// New creates an Error.
func New(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// With returns e with an extra detail field set.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ConfigurationError names every missing or empty required field.
func ConfigurationError(missing []string) *Error {
	fields := append([]string(nil), missing...)
	sort.Strings(fields)
	return New(CodeConfigCredentials,
		fmt.Sprintf("missing required credential fields: %s", strings.Join(fields, ", ")), nil).
		With("missing", fields)
}

// AuthenticationError reports a login that could not be completed.
func AuthenticationError(attempts int, err error) *Error {
	return New(CodeAuthFailed, fmt.Sprintf("login failed after %d attempts", attempts), err).
		With("attempts", attempts)
}

// SessionExpiredError reports a session that could not be refreshed.
func SessionExpiredError(err error) *Error {
	return New(CodeAuthSessionExpired, "session expired", err)
}

// UnknownSymbolError reports a (symbol, exchange) pair missing from the catalog.
func UnknownSymbolError(symbol, exchange string) *Error {
	return New(CodeSymbolUnknown, fmt.Sprintf("unknown symbol %s on %s", symbol, exchange), nil).
		With("symbol", symbol).With("exchange", exchange)
}

// MarketClosedError refuses a live operation outside trading hours.
func MarketClosedError(exchange string, nextOpen time.Time) *Error {
	e := New(CodeMarketClosed, fmt.Sprintf("%s market is closed", exchange), nil).With("exchange", exchange)
	if !nextOpen.IsZero() {
		e.With("next_open", nextOpen.Format(time.RFC3339))
	}
	return e
}

// OrderRejectedError carries the broker's rejection reason.
func OrderRejectedError(reason string) *Error {
	return New(CodeOrderRejected, fmt.Sprintf("order rejected: %s", reason), nil).With("reason", reason)
}

// InvalidOrderError reports a request that failed local validation.
func InvalidOrderError(field, message string) *Error {
	return New(CodeOrderInvalid, fmt.Sprintf("%s: %s", field, message), nil).With("field", field)
}

// RateLimitedError asks the caller to suspend for after before retrying.
func RateLimitedError(after time.Duration) *Error {
	e := New(CodeRateLimited, "rate limit exceeded", nil)
	e.RetryAfter = after
	return e
}

// NetworkError wraps a transport failure.
func NetworkError(code Code, err error) *Error {
	return New(code, "network error", err)
}

// CriticalError wraps an error that must halt trading.
func CriticalError(err error) *Error {
	return New(CodeCritical, "critical error", err)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// RetryAfter returns the suspension requested by a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeRateLimited {
		return e.RetryAfter, true
	}
	return 0, false
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
