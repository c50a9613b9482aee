package auth

import (
	"context"
	"time"
)

// State is the session lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateActive
	StateExpired
	StateRefreshing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActive:
		return "ACTIVE"
	case StateExpired:
		return "EXPIRED"
	case StateRefreshing:
		return "REFRESHING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Tokens is what the broker returns from login or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
}

// Session is a snapshot of the authenticated session. Callers receive copies;
// the Manager owns the original.
type Session struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	FeedToken    string    `json:"-"`
	ClientCode   string    `json:"client_code"`
	APIKey       string    `json:"-"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// LoginAPI is the broker side of authentication.
type LoginAPI interface {
	Login(ctx context.Context, clientCode, password, oneTimeCode string) (Tokens, error)
	Refresh(ctx context.Context, accessToken, refreshToken string) (Tokens, error)
	Logout(ctx context.Context, accessToken, clientCode string) error
}

// SessionSource hands out a valid session. Implemented by Manager.
type SessionSource interface {
	EnsureValidSession(ctx context.Context) (*Session, error)
	Invalidate(accessToken string)
}
