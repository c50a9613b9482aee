package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind is the classification of an error.
type Kind int

const (
	KindNone Kind = iota
	KindConfiguration
	KindAuthentication
	KindSessionExpired
	KindUnknownSymbol
	KindMarketClosed
	KindRateLimited
	KindNetwork
	KindOrderRejected
	KindInvalidRequest
	KindStreamDisconnect
	KindCanceled
	KindCritical
)

var kindNames = map[Kind]string{
	KindNone:             "none",
	KindConfiguration:    "configuration",
	KindAuthentication:   "authentication",
	KindSessionExpired:   "session-expired",
	KindUnknownSymbol:    "unknown-symbol",
	KindMarketClosed:     "market-closed",
	KindRateLimited:      "rate-limited",
	KindNetwork:          "network",
	KindOrderRejected:    "order-rejected",
	KindInvalidRequest:   "invalid-request",
	KindStreamDisconnect: "stream-disconnect",
	KindCanceled:         "canceled",
	KindCritical:         "critical",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Policy is what a caller does with an error of a given kind.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyFailFast
	PolicyRetryFreshCode
	PolicyRefreshAndRetry
	PolicyServeCached
	PolicySuspendAndRetry
	PolicyRetryBackoff
	PolicyReconnect
	PolicyHalt
)

var policyNames = map[Policy]string{
	PolicyNone:            "none",
	PolicyFailFast:        "fail-fast",
	PolicyRetryFreshCode:  "retry-fresh-code",
	PolicyRefreshAndRetry: "refresh-and-retry",
	PolicyServeCached:     "serve-cached",
	PolicySuspendAndRetry: "suspend-and-retry",
	PolicyRetryBackoff:    "retry-backoff",
	PolicyReconnect:       "reconnect",
	PolicyHalt:            "halt",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return "unknown"
}

// PolicyFor returns the handling policy for kind.
func PolicyFor(kind Kind) Policy {
	switch kind {
	case KindNone:
		return PolicyNone
	case KindConfiguration, KindUnknownSymbol, KindOrderRejected, KindInvalidRequest, KindCanceled:
		return PolicyFailFast
	case KindAuthentication:
		return PolicyRetryFreshCode
	case KindSessionExpired:
		return PolicyRefreshAndRetry
	case KindMarketClosed:
		return PolicyServeCached
	case KindRateLimited:
		return PolicySuspendAndRetry
	case KindNetwork:
		return PolicyRetryBackoff
	case KindStreamDisconnect:
		return PolicyReconnect
	default:
		return PolicyHalt
	}
}

var codeKinds = map[Code]Kind{
	CodeConfigInvalid:        KindConfiguration,
	CodeConfigCredentials:    KindConfiguration,
	CodeAuthFailed:           KindAuthentication,
	CodeAuthInvalidOTP:       KindAuthentication,
	CodeAuthSessionExpired:   KindSessionExpired,
	CodeSymbolUnknown:        KindUnknownSymbol,
	CodeSymbolCatalog:        KindInvalidRequest,
	CodeMarketClosed:         KindMarketClosed,
	CodeDataUnavailable:      KindInvalidRequest,
	CodeOrderInvalid:         KindInvalidRequest,
	CodeOrderRejected:        KindOrderRejected,
	CodeOrderMargin:          KindOrderRejected,
	CodeOrderNotFound:        KindInvalidRequest,
	CodeOrderState:           KindInvalidRequest,
	CodeOrderHalted:          KindInvalidRequest,
	CodeRateLimited:          KindRateLimited,
	CodeNetworkTimeout:       KindNetwork,
	CodeNetworkConnection:    KindNetwork,
	CodeNetworkServer:        KindNetwork,
	CodeStreamDisconnected:   KindStreamDisconnect,
	CodeCritical:             KindCritical,
}

// Classify maps any error onto a Kind. Errors that carry no recognizable
// signal are critical.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		if k, ok := codeKinds[e.Code]; ok {
			return k
		}
		return KindCritical
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	case errors.Is(err, ErrNotAuthenticated):
		return KindSessionExpired
	case errors.Is(err, ErrCatalogNotLoaded), errors.Is(err, ErrHalted):
		return KindInvalidRequest
	case errors.Is(err, ErrStreamClosed):
		return KindStreamDisconnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindCritical
}

// IsRetryable reports whether the operation that produced err may be repeated.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindRateLimited, KindSessionExpired:
		return true
	}
	return false
}

// IsCritical reports whether err must halt further trading.
func IsCritical(err error) bool {
	return Classify(err) == KindCritical || HasCode(err, CodeOrderMargin)
}

var messageCodes = []struct {
	pattern string
	code    Code
}{
	{"invalid totp", CodeAuthInvalidOTP},
	{"invalid credentials", CodeAuthFailed},
	{"invalid clientcode", CodeAuthFailed},
	{"invalid password", CodeAuthFailed},
	{"session expired", CodeAuthSessionExpired},
	{"invalid token", CodeAuthSessionExpired},
	{"token expired", CodeAuthSessionExpired},
	{"rate limit", CodeRateLimited},
	{"too many requests", CodeRateLimited},
	{"access denied because of exceeding access rate", CodeRateLimited},
	{"invalid symbol", CodeSymbolUnknown},
	{"insufficient margin", CodeOrderMargin},
	{"insufficient fund", CodeOrderMargin},
	{"invalid quantity", CodeOrderInvalid},
	{"market closed", CodeMarketClosed},
	{"market is closed", CodeMarketClosed},
	{"order not found", CodeOrderNotFound},
	{"order rejected", CodeOrderRejected},
	{"no data", CodeDataUnavailable},
	{"data not available", CodeDataUnavailable},
	{"invalid interval", CodeDataUnavailable},
	{"connection timeout", CodeNetworkTimeout},
	{"connection error", CodeNetworkConnection},
	{"server error", CodeNetworkServer},
	{"something went wrong", CodeNetworkServer},
}

var brokerCodes = map[string]Code{
	"AG8001": CodeAuthSessionExpired, // invalid token
	"AG8002": CodeAuthSessionExpired, // token expired
	"AG8003": CodeAuthSessionExpired, // token missing
	"AB8050": CodeAuthSessionExpired, // invalid refresh token
	"AB8051": CodeAuthSessionExpired, // refresh token expired
	"AB1050": CodeAuthInvalidOTP,
	"AB1004": CodeNetworkServer,
	"AB1007": CodeAuthFailed,
	"AB1000": CodeAuthFailed,
}

// FromBroker classifies a failed broker reply by its error code, then by its
// message. Replies that match nothing get fallback.
func FromBroker(errorCode, message string, fallback Code) *Error {
	code, ok := brokerCodes[strings.ToUpper(strings.TrimSpace(errorCode))]
	if !ok {
		lower := strings.ToLower(message)
		for _, m := range messageCodes {
			if strings.Contains(lower, m.pattern) {
				code, ok = m.code, true
				break
			}
		}
	}
	if !ok {
		code = fallback
	}
	if message == "" {
		message = "broker request failed"
	}
	e := New(code, message, nil)
	if errorCode != "" {
		e.With("broker_code", errorCode)
	}
	if code == CodeOrderRejected || code == CodeOrderMargin {
		e.With("reason", message)
	}
	return e
}
