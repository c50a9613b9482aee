package errors

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPolicyTable(t *testing.T) {
	cases := []struct {
		err    error
		kind   Kind
		policy Policy
	}{
		{ConfigurationError([]string{"api_key"}), KindConfiguration, PolicyFailFast},
		{AuthenticationError(3, fmt.Errorf("boom")), KindAuthentication, PolicyRetryFreshCode},
		{SessionExpiredError(nil), KindSessionExpired, PolicyRefreshAndRetry},
		{UnknownSymbolError("ZZZ", "NSE"), KindUnknownSymbol, PolicyFailFast},
		{MarketClosedError("NSE", time.Time{}), KindMarketClosed, PolicyServeCached},
		{RateLimitedError(time.Second), KindRateLimited, PolicySuspendAndRetry},
		{NetworkError(CodeNetworkTimeout, nil), KindNetwork, PolicyRetryBackoff},
		{OrderRejectedError("price band"), KindOrderRejected, PolicyFailFast},
		{New(CodeStreamDisconnected, "eof", nil), KindStreamDisconnect, PolicyReconnect},
		{fmt.Errorf("plain failure"), KindCritical, PolicyHalt},
		{context.Canceled, KindCanceled, PolicyFailFast},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), KindNetwork, PolicyRetryBackoff},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.kind {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.kind)
		}
		if got := PolicyFor(Classify(c.err)); got != c.policy {
			t.Errorf("PolicyFor(%v) = %s, want %s", c.err, got, c.policy)
		}
	}
}

func TestWrappedErrorKeepsCode(t *testing.T) {
	err := Wrapf(UnknownSymbolError("ABC", "NSE"), "resolve %s", "ABC")
	if CodeOf(err) != CodeSymbolUnknown {
		t.Fatalf("code = %q", CodeOf(err))
	}
	if !Is(err, &Error{Code: CodeSymbolUnknown}) {
		t.Error("errors.Is against a code template should match")
	}
	if Is(err, &Error{Code: CodeMarketClosed}) {
		t.Error("different code must not match")
	}
}

func TestFromBroker(t *testing.T) {
	cases := []struct {
		code, message string
		want          Code
	}{
		{"AG8002", "Token Expired", CodeAuthSessionExpired},
		{"", "Invalid TOTP", CodeAuthInvalidOTP},
		{"", "Access denied because of exceeding access rate", CodeRateLimited},
		{"", "Insufficient margin for this order", CodeOrderMargin},
		{"", "Market Closed", CodeMarketClosed},
		{"", "RMS:Rule: Check circuit limit", CodeOrderRejected},
	}
	for _, c := range cases {
		e := FromBroker(c.code, c.message, CodeOrderRejected)
		if e.Code != c.want {
			t.Errorf("FromBroker(%q, %q) = %s, want %s", c.code, c.message, e.Code, c.want)
		}
	}

	rejected := FromBroker("", "RMS:Rule: Check circuit limit", CodeOrderRejected)
	if rejected.Details["reason"] != "RMS:Rule: Check circuit limit" {
		t.Errorf("rejection reason not carried: %v", rejected.Details)
	}
	if !IsCritical(FromBroker("", "Insufficient margin", CodeCritical)) {
		t.Error("insufficient margin halts trading")
	}
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(Wrap(RateLimitedError(3*time.Second), "get positions"))
	if !ok || d != 3*time.Second {
		t.Fatalf("RetryAfter = %v, %v", d, ok)
	}
	if _, ok := RetryAfter(fmt.Errorf("x")); ok {
		t.Error("plain error has no retry-after")
	}
}

// Property: a configuration error names every missing field.
func TestProperty_ConfigurationErrorNamesEveryField(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	fields := []string{"api_key", "client_code", "password", "totp_secret"}
	properties.Property("message contains all missing fields", prop.ForAll(
		func(mask uint8) bool {
			var missing []string
			for i, f := range fields {
				if mask&(1<<i) != 0 {
					missing = append(missing, f)
				}
			}
			if len(missing) == 0 {
				return true
			}
			err := ConfigurationError(missing)
			for _, f := range missing {
				if !strings.Contains(err.Error(), f) {
					return false
				}
			}
			return Classify(err) == KindConfiguration
		},
		gen.UInt8Range(0, 15),
	))

	properties.TestingRun(t)
}
