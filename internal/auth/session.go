// Package auth owns authentication state for the remote backend: it supplies
// valid credentials to requests, detects expiry from fetch outcomes, and
// performs relogin.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/metrics"
)

// ErrAuthFatal is returned once the session is fatally broken: relogin failed
// twice, or a configured cookie was rejected in cookie-only mode.
var ErrAuthFatal = errors.New("auth: session fatally broken")

// State is the session lifecycle state.
type State int

// Session states. Expired is always followed by a relogin attempt; there is
// no terminal state while the run continues.
const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

// Mode selects how credentials are obtained.
type Mode string

// Authentication modes.
const (
	// ModeAuto prefers a configured cookie and falls back to credential
	// login when the cookie is absent or rejected.
	ModeAuto Mode = "auto"
	// ModeCookieOnly never performs credential login; a rejected cookie is
	// fatal.
	ModeCookieOnly Mode = "cookie_only"
	// ModeLoginOnly always performs credential login, even when a cookie is
	// configured.
	ModeLoginOnly Mode = "login_only"
)

// Detector decides whether a response is a login page (or an equivalent
// session-invalidating marker). The heuristic is backend policy, supplied by
// the extract package rather than hard-coded here.
type Detector func(body []byte, statusCode int, finalURL string) bool

// Config holds the credential material and relogin policy.
type Config struct {
	LoginURL      string
	CookieName    string
	Username      string
	Password      string
	SessionCookie string
	Mode          Mode
	// ReloginBackoff is the long pause after a failed relogin before the
	// single retry.
	ReloginBackoff time.Duration
	Timeout        time.Duration
}

// Manager is the session state machine. All mutation goes through it; the
// cookie value is never logged or exposed beyond Credentials.
type Manager struct {
	cfg    Config
	client *http.Client
	detect Detector
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	cookie      string
	cookieTried bool
	broken      bool
	inflight    chan struct{}
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewManager builds a Manager in the Unauthenticated state.
func NewManager(cfg Config, client *http.Client, detect Detector, logger *zap.Logger) *Manager {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "DigifactoryBO"
	}
	if cfg.ReloginBackoff <= 0 {
		cfg.ReloginBackoff = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		client: client,
		detect: detect,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// State reports the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credentials returns the Cookie header value for the current session. While
// the session is Unauthenticated or Expired it blocks until a relogin
// completes or fails fatally.
func (m *Manager) Credentials(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		if m.broken {
			m.mu.Unlock()
			return "", ErrAuthFatal
		}
		if m.state == StateAuthenticated {
			c := m.cookie
			m.mu.Unlock()
			return c, nil
		}
		done := m.inflight
		if done == nil {
			done = make(chan struct{})
			m.inflight = done
			go m.reloginLoop(done)
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("await credentials: %w", ctx.Err())
		case <-done:
		}
	}
}

// NoteResponse inspects a fetch outcome for session expiry. It transitions
// Authenticated to Expired when the detector fires and reports whether the
// response was an expiry signal.
func (m *Manager) NoteResponse(body []byte, statusCode int, finalURL string) bool {
	if m.detect == nil || !m.detect(body, statusCode, finalURL) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated {
		m.state = StateExpired
		m.logger.Warn("session expiry detected", zap.Int("status", statusCode))
	}
	return true
}

// reloginLoop drives one relogin cycle: attempt, long backoff, single retry,
// then fatally broken. Exactly one loop runs at a time.
func (m *Manager) reloginLoop(done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.inflight = nil
		m.mu.Unlock()
		close(done)
	}()

	ctx := context.Background()
	if err := m.relogin(ctx); err == nil {
		return
	} else if errors.Is(err, ErrAuthFatal) {
		return
	}

	m.logger.Warn("relogin failed, backing off before final attempt",
		zap.Duration("backoff", m.cfg.ReloginBackoff))
	if err := m.sleep(ctx, m.cfg.ReloginBackoff); err != nil {
		m.markBroken("relogin backoff interrupted")
		return
	}
	if err := m.relogin(ctx); err != nil {
		m.markBroken("relogin failed after backoff")
	}
}

// relogin performs one authentication handshake according to the mode.
func (m *Manager) relogin(ctx context.Context) error {
	m.mu.Lock()
	mode := m.cfg.Mode
	cookieTried := m.cookieTried
	m.mu.Unlock()

	switch mode {
	case ModeCookieOnly:
		if cookieTried {
			// The supplied cookie was already rejected once; cookie-only
			// mode has no fallback.
			m.markBroken("configured cookie rejected in cookie_only mode")
			metrics.IncRelogin("failed")
			return ErrAuthFatal
		}
		m.adoptCookie(m.cfg.SessionCookie)
		m.logger.Info("using configured session cookie", zap.String("mode", string(ModeCookieOnly)))
		return nil

	case ModeAuto:
		if m.cfg.SessionCookie != "" && !cookieTried {
			m.adoptCookie(m.cfg.SessionCookie)
			m.logger.Info("using configured session cookie")
			return nil
		}
		if m.cfg.Username == "" || m.cfg.Password == "" {
			m.markBroken("cookie rejected and no login credentials configured")
			metrics.IncRelogin("failed")
			return ErrAuthFatal
		}
		return m.login(ctx)

	case ModeLoginOnly:
		return m.login(ctx)
	}
	return fmt.Errorf("unknown auth mode %q", mode)
}

// login submits the credential form and extracts the session cookie.
func (m *Manager) login(ctx context.Context) error {
	form := url.Values{
		"username": {m.cfg.Username},
		"password": {m.cfg.Password},
	}
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.cfg.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	m.logger.Info("logging in", zap.String("username", m.cfg.Username))
	resp, err := m.client.Do(req)
	if err != nil {
		metrics.IncRelogin("failed")
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.IncRelogin("failed")
		return fmt.Errorf("login rejected: status %d", resp.StatusCode)
	}

	cookie := extractCookie(resp, m.cfg.CookieName)
	if cookie == "" {
		metrics.IncRelogin("failed")
		return fmt.Errorf("no %s cookie in login response", m.cfg.CookieName)
	}

	m.adoptCookie(cookie)
	m.logger.Info("login successful")
	return nil
}

// adoptCookie installs a cookie value and moves to Authenticated.
func (m *Manager) adoptCookie(value string) {
	header := value
	if !strings.Contains(header, "=") {
		header = m.cfg.CookieName + "=" + header
	}
	m.mu.Lock()
	m.cookie = header
	m.cookieTried = true
	m.state = StateAuthenticated
	m.mu.Unlock()
	metrics.IncRelogin("ok")
}

func (m *Manager) markBroken(reason string) {
	m.mu.Lock()
	m.broken = true
	m.mu.Unlock()
	m.logger.Error("session fatally broken", zap.String("reason", reason))
}

// extractCookie pulls the named cookie from the response, checking parsed
// cookies first and raw Set-Cookie headers as a fallback.
func extractCookie(resp *http.Response, name string) string {
	for _, c := range resp.Cookies() {
		if c.Name == name && c.Value != "" {
			return c.Value
		}
	}
	prefix := name + "="
	for _, h := range resp.Header.Values("Set-Cookie") {
		if idx := strings.Index(h, prefix); idx >= 0 {
			rest := h[idx+len(prefix):]
			if end := strings.IndexByte(rest, ';'); end >= 0 {
				rest = rest[:end]
			}
			if rest != "" {
				return rest
			}
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
