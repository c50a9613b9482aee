package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"angelone-bridge/internal/errors"
	"angelone-bridge/pkg/utils"
)

// RFC 6238 seed "12345678901234567890" in base32.
const rfcSeed = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

type fakeLoginAPI struct {
	loginCalls   atomic.Int32
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32

	mu          sync.Mutex
	codes       []string
	loginErrs   []error
	refreshErr  error
	refreshWait time.Duration
}

func (f *fakeLoginAPI) Login(_ context.Context, clientCode, password, code string) (Tokens, error) {
	n := int(f.loginCalls.Add(1))
	f.mu.Lock()
	f.codes = append(f.codes, code)
	var err error
	if n <= len(f.loginErrs) {
		err = f.loginErrs[n-1]
	}
	f.mu.Unlock()
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:  fmt.Sprintf("jwt-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		FeedToken:    "feed",
	}, nil
}

func (f *fakeLoginAPI) Refresh(_ context.Context, access, refresh string) (Tokens, error) {
	n := f.refreshCalls.Add(1)
	if f.refreshWait > 0 {
		time.Sleep(f.refreshWait)
	}
	if f.refreshErr != nil {
		return Tokens{}, f.refreshErr
	}
	return Tokens{AccessToken: fmt.Sprintf("jwt-r%d", n), RefreshToken: refresh}, nil
}

func (f *fakeLoginAPI) Logout(context.Context, string, string) error {
	f.logoutCalls.Add(1)
	return nil
}

func testCreds() Credentials {
	return Credentials{APIKey: "key", ClientCode: "A123", Password: "1234", TOTPSecret: rfcSeed}
}

func TestGenerateOneTimeCodeRFCVectors(t *testing.T) {
	vectors := map[int64]string{
		59:         "287082",
		1111111109: "081804",
		1111111111: "050471",
		1234567890: "005924",
		2000000000: "279037",
	}
	for sec, want := range vectors {
		code, err := GenerateOneTimeCode(rfcSeed, utils.NewManualClock(time.Unix(sec, 0)))
		if err != nil {
			t.Fatalf("t=%d: %v", sec, err)
		}
		if code != want {
			t.Errorf("t=%d: code = %s, want %s", sec, code, want)
		}
	}
}

func TestGenerateOneTimeCodeRejectsBadSeed(t *testing.T) {
	_, err := GenerateOneTimeCode("not base32!", utils.NewManualClock(time.Unix(0, 0)))
	if errors.Classify(err) != errors.KindConfiguration {
		t.Fatalf("err = %v", err)
	}
}

// Property: codes are six digits, stable within a window and change across windows.
func TestProperty_OneTimeCodeWindows(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	properties.Property("same window same code", prop.ForAll(
		func(window int64, a, b int64) bool {
			base := window * OneTimeCodePeriod
			c1, err1 := GenerateOneTimeCode(rfcSeed, utils.NewManualClock(time.Unix(base+a, 0)))
			c2, err2 := GenerateOneTimeCode(rfcSeed, utils.NewManualClock(time.Unix(base+b, 0)))
			if err1 != nil || err2 != nil || len(c1) != 6 {
				return false
			}
			for _, r := range c1 {
				if r < '0' || r > '9' {
					return false
				}
			}
			return c1 == c2
		},
		gen.Int64Range(1, 100_000_000),
		gen.Int64Range(0, OneTimeCodePeriod-1),
		gen.Int64Range(0, OneTimeCodePeriod-1),
	))

	properties.TestingRun(t)
}

func TestOneTimeCodeDiffersAcrossWindows(t *testing.T) {
	// 1111111109 and 1111111111 fall in consecutive windows.
	a, _ := GenerateOneTimeCode(rfcSeed, utils.NewManualClock(time.Unix(1111111109, 0)))
	b, _ := GenerateOneTimeCode(rfcSeed, utils.NewManualClock(time.Unix(1111111111, 0)))
	if a == b {
		t.Fatalf("codes in different windows should differ: %s", a)
	}
}

// Property: every missing credential field is named.
func TestProperty_ValidateNamesMissingFields(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	properties.Property("missing fields are listed", prop.ForAll(
		func(mask int) bool {
			c := testCreds()
			var want []string
			if mask&1 != 0 {
				c.APIKey, want = "", append(want, "api_key")
			}
			if mask&2 != 0 {
				c.ClientCode, want = "  ", append(want, "client_code")
			}
			if mask&4 != 0 {
				c.Password, want = "", append(want, "password")
			}
			if mask&8 != 0 {
				c.TOTPSecret, want = "", append(want, "totp_secret")
			}
			err := c.Validate()
			if len(want) == 0 {
				return err == nil
			}
			if errors.Classify(err) != errors.KindConfiguration {
				return false
			}
			for _, f := range want {
				if !strings.Contains(err.Error(), f) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 15),
	))

	properties.TestingRun(t)
}

func TestLoginWithMissingCredentialsMakesNoCall(t *testing.T) {
	api := &fakeLoginAPI{}
	m := NewManager(Credentials{ClientCode: "A1"}, api)
	_, err := m.Login(context.Background())
	if errors.CodeOf(err) != errors.CodeConfigCredentials {
		t.Fatalf("err = %v", err)
	}
	if api.loginCalls.Load() != 0 {
		t.Fatal("no network call expected")
	}
}

func TestLoginRetriesWithBackoff(t *testing.T) {
	api := &fakeLoginAPI{loginErrs: []error{
		errors.NetworkError(errors.CodeNetworkTimeout, nil),
		errors.New(errors.CodeAuthInvalidOTP, "Invalid totp", nil),
	}}
	clock := utils.NewManualClock(time.Unix(1_700_000_000, 0))
	m := NewManager(testCreds(), api, WithClock(clock))

	sess, err := m.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.AccessToken != "jwt-3" || m.State() != StateActive {
		t.Fatalf("session %+v state %s", sess, m.State())
	}
	if got := clock.Sleeps(); len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Fatalf("sleeps = %v", got)
	}
	if len(api.codes) != 3 {
		t.Fatalf("codes generated = %d", len(api.codes))
	}
}

func TestLoginExhaustedAttemptsFails(t *testing.T) {
	boom := errors.New(errors.CodeAuthFailed, "Invalid credentials", nil)
	api := &fakeLoginAPI{loginErrs: []error{boom, boom, boom}}
	m := NewManager(testCreds(), api, WithClock(utils.NewManualClock(time.Unix(1_700_000_000, 0))))

	_, err := m.Login(context.Background())
	if errors.CodeOf(err) != errors.CodeAuthFailed || !strings.Contains(err.Error(), "3 attempts") {
		t.Fatalf("err = %v", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %s", m.State())
	}
	if _, ok := m.Session(); ok {
		t.Fatal("session must be cleared")
	}

	_, err = m.EnsureValidSession(context.Background())
	if errors.CodeOf(err) != errors.CodeAuthSessionExpired {
		t.Fatalf("FAILED must be terminal: %v", err)
	}
	if api.loginCalls.Load() != 3 {
		t.Fatalf("login calls = %d", api.loginCalls.Load())
	}
}

func TestEnsureValidSessionLogsInWhenUnauthenticated(t *testing.T) {
	api := &fakeLoginAPI{}
	m := NewManager(testCreds(), api, WithClock(utils.NewManualClock(time.Unix(1_700_000_000, 0))))
	sess, err := m.EnsureValidSession(context.Background())
	if err != nil || sess.FeedToken != "feed" {
		t.Fatalf("sess=%+v err=%v", sess, err)
	}
	if _, err := m.EnsureValidSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.loginCalls.Load() != 1 {
		t.Fatalf("login calls = %d", api.loginCalls.Load())
	}
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	api := &fakeLoginAPI{refreshWait: 50 * time.Millisecond}
	clock := utils.NewManualClock(time.Unix(1_700_000_000, 0))
	m := NewManager(testCreds(), api, WithClock(clock))
	if _, err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}

	// within the expiry margin
	clock.Advance(24*time.Hour - time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := m.EnsureValidSession(context.Background())
			errs[i] = err
			if s != nil {
				tokens[i] = s.AccessToken
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if n := api.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	if api.loginCalls.Load() != 1 {
		t.Fatalf("unexpected extra login")
	}
	for i := range tokens {
		if errs[i] != nil || tokens[i] != "jwt-r1" {
			t.Fatalf("caller %d: token=%q err=%v", i, tokens[i], errs[i])
		}
	}
	if s, _ := m.Session(); s.FeedToken != "feed" {
		t.Fatal("feed token should survive a refresh that does not return one")
	}
}

func TestRefreshFailureFallsBackToLogin(t *testing.T) {
	api := &fakeLoginAPI{refreshErr: errors.New(errors.CodeAuthSessionExpired, "Invalid refresh token", nil)}
	clock := utils.NewManualClock(time.Unix(1_700_000_000, 0))
	m := NewManager(testCreds(), api, WithClock(clock))
	if _, err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(25 * time.Hour)

	sess, err := m.EnsureValidSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.AccessToken != "jwt-2" {
		t.Fatalf("expected a fresh login, got %s", sess.AccessToken)
	}
}

func TestIrrecoverableRefreshClearsSession(t *testing.T) {
	boom := errors.New(errors.CodeAuthFailed, "Invalid credentials", nil)
	api := &fakeLoginAPI{
		loginErrs:  []error{nil, boom, boom, boom},
		refreshErr: errors.New(errors.CodeAuthSessionExpired, "Invalid refresh token", nil),
	}
	clock := utils.NewManualClock(time.Unix(1_700_000_000, 0))
	m := NewManager(testCreds(), api, WithClock(clock))
	if _, err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(25 * time.Hour)

	_, err := m.EnsureValidSession(context.Background())
	if errors.CodeOf(err) != errors.CodeAuthSessionExpired {
		t.Fatalf("err = %v", err)
	}
	if _, ok := m.Session(); ok || m.State() != StateFailed {
		t.Fatalf("session should be cleared, state %s", m.State())
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	api := &fakeLoginAPI{}
	m := NewManager(testCreds(), api, WithClock(utils.NewManualClock(time.Unix(1_700_000_000, 0))))
	sess, _ := m.Login(context.Background())

	m.Invalidate("some-older-token")
	if m.State() != StateActive {
		t.Fatal("stale token must not invalidate the session")
	}

	m.Invalidate(sess.AccessToken)
	if m.State() != StateExpired {
		t.Fatalf("state = %s", m.State())
	}
	next, err := m.EnsureValidSession(context.Background())
	if err != nil || next.AccessToken != "jwt-r1" {
		t.Fatalf("next=%+v err=%v", next, err)
	}
}

// Run with -race: readers and Invalidate share the installed session.
func TestInvalidateWhileSessionsAreRead(t *testing.T) {
	api := &fakeLoginAPI{}
	m := NewManager(testCreds(), api, WithClock(utils.NewManualClock(time.Unix(1_700_000_000, 0))))
	sess, err := m.Login(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	issued := sess.ExpiresAt

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := m.EnsureValidSession(context.Background()); err != nil {
				t.Errorf("EnsureValidSession: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if cur, ok := m.Session(); ok {
				m.Invalidate(cur.AccessToken)
			}
		}
	}()
	wg.Wait()

	if !sess.ExpiresAt.Equal(issued) {
		t.Errorf("a returned session changed after Invalidate: %v", sess.ExpiresAt)
	}
	if _, err := m.EnsureValidSession(context.Background()); err != nil {
		t.Fatalf("final EnsureValidSession: %v", err)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	api := &fakeLoginAPI{}
	var transitions []string
	m := NewManager(testCreds(), api,
		WithClock(utils.NewManualClock(time.Unix(1_700_000_000, 0))),
		WithStateObserver(func(from, to State) { transitions = append(transitions, to.String()) }),
	)
	if _, err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateUnauthenticated || api.logoutCalls.Load() != 1 {
		t.Fatalf("state %s logout calls %d", m.State(), api.logoutCalls.Load())
	}
	want := []string{"AUTHENTICATING", "ACTIVE", "UNAUTHENTICATED"}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions = %v", transitions)
	}
}
