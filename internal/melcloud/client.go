// Package melcloud implements a session-managed client for the MELCloud
// HVAC control API. All outbound calls are serialized through a single
// lock and identical reads within a short window are answered from an
// in-memory response cache, keeping traffic to the rate-limited remote
// API at a minimum.
package melcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stzoran1/melcloud-bridge/internal/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://app.melcloud.com/Mitsubishi.Wifi.Client"

	// AppVersion is the client-identification string the remote expects
	// in the login payload.
	AppVersion = "1.19.0.8"

	// Paths
	loginPath         = "/Login/ClientLogin"
	listDevicesPath   = "/User/ListDevices"
	getDevicePath     = "/Device/Get"
	setDevicePath     = "/Device/SetAta"
	updateOptionsPath = "/User/UpdateApplicationOptions"

	// contextKeyHeader carries the session token on authenticated calls.
	contextKeyHeader = "X-MitsContextKey"

	defaultTimeout = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	Email    string
	Password string
	Language int

	// CacheTTL bounds the response cache; zero means DefaultCacheTTL.
	CacheTTL time.Duration

	// Timeout bounds each transport call so a hung request cannot hold
	// the serialization lock indefinitely. Zero means 30s.
	Timeout time.Duration

	// RequestInterval throttles outbound calls; zero means one per
	// second with a small burst.
	RequestInterval time.Duration
	RequestBurst    int

	// OnLogin is invoked after each completed login exchange. Reused
	// sessions do not trigger it.
	OnLogin func()
}

// Client is a MELCloud API client. A single mutex serializes every
// outbound call, so at most one request is in flight per instance and
// cache lookups never race with cache population.
type Client struct {
	baseURL  string
	email    string
	password string
	language int

	http    *http.Client
	limiter *rate.Limiter
	session *session
	onLogin func()

	// loginMu admits one login exchange at a time; loginMu is always
	// taken before reqMu, never the other way around.
	loginMu sync.Mutex

	reqMu sync.Mutex
	cache *responseCache

	credMu sync.Mutex
}

// NewClient creates a client and loads any persisted session from the
// store before returning, so operations never race against a pending
// credential load. The store may be nil, in which case the session
// lives only in memory.
func NewClient(cfg Config, store SessionStore) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = time.Second
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 5
	}

	session, err := newSession(store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    cfg.Email,
		password: cfg.Password,
		language: cfg.Language,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Every(cfg.RequestInterval), cfg.RequestBurst),
		session:  session,
		onLogin:  cfg.OnLogin,
		cache:    newResponseCache(cfg.CacheTTL),
	}, nil
}

// SetCredentials replaces the account credentials used for login.
func (c *Client) SetCredentials(email, password string) {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	c.email = email
	c.password = password
}

func (c *Client) credentials() (email, password string) {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	return c.email, c.password
}

// HasCredentials reports whether login credentials are configured.
func (c *Client) HasCredentials() bool {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	return c.email != "" && c.password != ""
}

// Close stops the cache janitor.
func (c *Client) Close() {
	c.cache.close()
}

// authHeaders returns the session header for authenticated requests.
func (c *Client) authHeaders() map[string]string {
	return map[string]string{contextKeyHeader: c.session.key()}
}

// do performs one HTTP exchange against the remote API. The entire
// sequence — cache lookup, network call, cache population — runs under
// the request lock, which serializes all outbound traffic from this
// client and prevents duplicate concurrent calls for identical
// requests. Only calls marked cacheable (reads) consult the cache;
// successful writes flush it instead.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, cacheable bool) (json.RawMessage, int, error) {
	op := method + " " + path

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: marshal body: %w", op, err)
		}
	}

	url := c.baseURL + path

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	var fp string
	if cacheable {
		var err error
		fp, err = fingerprint(method, url, payload, headers)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", op, err)
		}
		if cached, ok := c.cache.get(fp); ok {
			log.Debug("Cache hit for %s", op)
			return cached, http.StatusOK, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, &TransportError{Op: op, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	log.Debug("%s -> %d (%d bytes)", op, resp.StatusCode, len(raw))

	// The remote occasionally answers an HTML error page with a 200.
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return nil, resp.StatusCode, &ProtocolError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Reason:     "HTML response where JSON expected",
			Body:       snippet(raw),
		}
	}
	if len(trimmed) > 0 && !json.Valid(trimmed) {
		return nil, resp.StatusCode, &TransportError{Op: op, Body: snippet(raw)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if cacheable {
			c.cache.put(fp, json.RawMessage(trimmed))
		} else {
			c.cache.flush()
		}
	}

	return json.RawMessage(trimmed), resp.StatusCode, nil
}

// get performs an authenticated, cached GET.
func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	raw, status, err := c.do(ctx, http.MethodGet, path, nil, c.authHeaders(), true)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &ProtocolError{
			Op:         http.MethodGet + " " + path,
			StatusCode: status,
			Reason:     "unexpected status",
			Body:       snippet(raw),
		}
	}
	return raw, nil
}

// post performs an authenticated, uncached POST and flushes the cache
// on success.
func (c *Client) post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	raw, status, err := c.do(ctx, http.MethodPost, path, body, c.authHeaders(), false)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &ProtocolError{
			Op:         http.MethodPost + " " + path,
			StatusCode: status,
			Reason:     "unexpected status",
			Body:       snippet(raw),
		}
	}
	return raw, nil
}
