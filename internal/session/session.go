// Package session holds the operator's authenticated session.
//
// Tokens are issued by the external auth service. The session never verifies
// signatures; it only reads claims so callers can tell who is signed in and
// when the token stops being useful.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSession is returned when no token has been installed.
	ErrNoSession = errors.New("no active session")
	// ErrExpired is returned when the installed token is past its exp claim.
	ErrExpired = errors.New("session expired")
)

// Info describes the current session without exposing the token.
type Info struct {
	Active    bool      `json:"active"`
	UserID    string    `json:"user_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Session is safe for concurrent use. The zero value is an empty session.
type Session struct {
	mu        sync.RWMutex
	token     string
	userID    string
	expiresAt time.Time
	now       func() time.Time
}

// New returns an empty session.
func New() *Session {
	return &Session{now: time.Now}
}

// Init installs a bearer token, replacing any previous one.
func (s *Session) Init(token string) error {
	if token == "" {
		return fmt.Errorf("init session: %w", ErrNoSession)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("init session: malformed token: %w", err)
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		userID, _ = claims.GetSubject()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.userID = userID
	s.expiresAt = expiresAt
	return nil
}

// Clear drops the token. Called on logout and on authentication failure.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.userID = ""
	s.expiresAt = time.Time{}
}

// Token returns the bearer token for outbound requests.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return "", ErrNoSession
	}
	if !s.expiresAt.IsZero() && !s.clock().Before(s.expiresAt) {
		return "", ErrExpired
	}
	return s.token, nil
}

// Info reports the session state.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Active:    s.token != "",
		UserID:    s.userID,
		ExpiresAt: s.expiresAt,
	}
}

func (s *Session) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}
