package melcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/stzoran1/melcloud-bridge/internal/log"
)

// SessionRecord is the durable session state: the context key issued at
// login, its expiration (normalized to midnight of its calendar date)
// and the account's display-unit preference.
type SessionRecord struct {
	ContextKey    string
	Expiry        time.Time
	UseFahrenheit bool
}

// SessionStore persists session state across process restarts. The
// three fields are written independently; a crash between writes can
// leave the store partially updated, which the validity check absorbs
// by forcing a fresh login.
type SessionStore interface {
	LoadSession() (SessionRecord, error)
	SaveContextKey(key string) error
	SaveExpiry(t time.Time) error
	SaveUseFahrenheit(v bool) error
}

// session holds the in-memory login state. It is owned by the Client
// and mutated only on successful login.
type session struct {
	mu            sync.RWMutex
	contextKey    string
	expiry        time.Time
	useFahrenheit bool
	store         SessionStore
}

func newSession(store SessionStore) (*session, error) {
	s := &session{store: store}
	if store == nil {
		return s, nil
	}
	rec, err := store.LoadSession()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	s.contextKey = rec.ContextKey
	s.expiry = rec.Expiry
	s.useFahrenheit = rec.UseFahrenheit
	if rec.ContextKey != "" {
		log.Debug("Loaded persisted session, expiry %s", rec.Expiry.Format("2006-01-02"))
	}
	return s, nil
}

// isValid reports whether the session can be reused without a login
// exchange: token present and expiry strictly after today's midnight.
// The time of day is deliberately truncated, so a token expiring later
// today already counts as expired.
func (s *session) isValid(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.contextKey == "" || s.expiry.IsZero() {
		return false
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.expiry.After(midnight)
}

func (s *session) key() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contextKey
}

func (s *session) fahrenheit() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useFahrenheit
}

// update replaces the in-memory session and persists each field. The
// writes are independent, not transactional.
func (s *session) update(key string, expiry time.Time, useFahrenheit bool) error {
	s.mu.Lock()
	s.contextKey = key
	s.expiry = expiry
	s.useFahrenheit = useFahrenheit
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.SaveContextKey(key); err != nil {
		return fmt.Errorf("persist context key: %w", err)
	}
	if err := s.store.SaveExpiry(expiry); err != nil {
		return fmt.Errorf("persist expiry: %w", err)
	}
	if err := s.store.SaveUseFahrenheit(useFahrenheit); err != nil {
		return fmt.Errorf("persist preference: %w", err)
	}
	return nil
}

func (s *session) setFahrenheit(v bool) error {
	s.mu.Lock()
	s.useFahrenheit = v
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveUseFahrenheit(v); err != nil {
		return fmt.Errorf("persist preference: %w", err)
	}
	return nil
}

// midnightOf truncates a timestamp to 00:00:00 of its calendar date.
func midnightOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// parseExpiry parses the Expiry string from a login response. The
// remote emits local time with a variable number of fractional digits,
// e.g. "2022-06-09T10:40:24.27".
func parseExpiry(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		time.RFC3339Nano,
	}
	var err error
	for _, layout := range layouts {
		var t time.Time
		if t, err = time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse expiry %q: %w", s, err)
}

// Login ensures the client holds a valid session, performing the login
// exchange only when the current token is missing or expired. It is the
// system's single implicit retry: every device operation calls it, and
// it is a cheap no-op while the token remains valid.
func (c *Client) Login(ctx context.Context) error {
	if c.session.isValid(time.Now()) {
		log.Debug("Context key still valid, skipping login")
		return nil
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	// A concurrent caller may have completed the exchange while this
	// one waited; reuse the session it established.
	if c.session.isValid(time.Now()) {
		return nil
	}
	log.Info("No valid session, logging in to MELCloud")

	email, password := c.credentials()
	if email == "" || password == "" {
		return &AuthError{Reason: "credentials not set"}
	}

	body := loginRequest{
		AppVersion:       AppVersion,
		CaptchaChallenge: "",
		CaptchaResponse:  "",
		Email:            email,
		Language:         c.language,
		Password:         password,
		Persist:          "true",
	}

	raw, status, err := c.do(ctx, http.MethodPost, loginPath, body, nil, false)
	if err != nil {
		return &AuthError{Reason: "request failed", Err: err}
	}
	if status < 200 || status > 299 {
		return &AuthError{StatusCode: status, Reason: "unexpected status", Body: snippet(raw)}
	}

	var resp LoginResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &AuthError{StatusCode: status, Reason: "malformed response", Body: snippet(raw), Err: err}
	}
	if resp.LoginData == nil || resp.LoginData.ContextKey == "" {
		return &AuthError{StatusCode: status, Reason: "response lacks LoginData", Body: snippet(raw)}
	}

	expiry := time.Time{}
	if resp.LoginData.Expiry != "" {
		t, err := parseExpiry(resp.LoginData.Expiry)
		if err != nil {
			return &AuthError{StatusCode: status, Reason: "unparseable expiry", Body: snippet(raw), Err: err}
		}
		expiry = midnightOf(t)
	}

	if err := c.session.update(resp.LoginData.ContextKey, expiry, resp.LoginData.UseFahrenheit); err != nil {
		// The in-memory session is already current; losing a persisted
		// field only costs an extra login after the next restart.
		log.Warn("Failed to persist session: %v", err)
	}

	log.Info("Logged in to MELCloud, session valid until %s", expiry.Format("2006-01-02"))
	if c.onLogin != nil {
		c.onLogin()
	}
	return nil
}

// IsSessionValid reports whether the current session token is usable.
func (c *Client) IsSessionValid() bool {
	return c.session.isValid(time.Now())
}

// UseFahrenheit returns the account's persisted display-unit preference.
func (c *Client) UseFahrenheit() bool {
	return c.session.fahrenheit()
}
