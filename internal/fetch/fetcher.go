// Package fetch issues logical page requests with rate limiting, session
// credentials, and retry with jittered backoff.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/auth"
	"github.com/mlevasseur/digicrawl/internal/metrics"
	"github.com/mlevasseur/digicrawl/internal/ratelimit"
	"github.com/mlevasseur/digicrawl/internal/scrape"
)

// ErrNotFound marks a 404: the identifier does not exist in the record space.
var ErrNotFound = errors.New("fetch: page not found")

// ErrSessionExpired marks a request that still looked like a login page after
// one relogin-and-retry cycle.
var ErrSessionExpired = errors.New("fetch: session expired after relogin retry")

// maxBodyBytes caps response reads; backend pages are far smaller.
const maxBodyBytes = 10 << 20

// Config controls the fetch client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Policy    RetryPolicy
}

// Client implements scrape.Fetcher against the authenticated backend.
type Client struct {
	http     *http.Client
	limiter  *ratelimit.Limiter
	sessions *auth.Manager
	cfg      Config
	logger   *zap.Logger

	// onAbuse receives each 403/429 occurrence for run-state accounting.
	onAbuse func(status int)
	sleep   func(ctx context.Context, d time.Duration) error
}

// New constructs a Client. The abuse callback may be nil.
func New(
	cfg Config,
	httpClient *http.Client,
	limiter *ratelimit.Limiter,
	sessions *auth.Manager,
	onAbuse func(status int),
	logger *zap.Logger,
) *Client {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:     httpClient,
		limiter:  limiter,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		onAbuse:  onAbuse,
		sleep:    sleepCtx,
	}
}

// Fetch retrieves one page. Transient failures are retried with backoff up to
// the policy's attempt budget; a login-page response triggers exactly one
// relogin-and-retry cycle before surfacing a session error for the task.
func (c *Client) Fetch(ctx context.Context, url string) (scrape.PageResult, error) {
	var (
		attempt      int
		reloginTried bool
		lastErr      error
		last         scrape.PageResult
	)
	for {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return scrape.PageResult{URL: url, Class: scrape.ClassError}, err
		}

		cookie, err := c.sessions.Credentials(ctx)
		if err != nil {
			return scrape.PageResult{URL: url, Class: scrape.ClassError},
				fmt.Errorf("credentials for %s: %w", url, err)
		}

		pr, err := c.do(ctx, url, cookie)
		if err != nil {
			metrics.IncFetch("other")
			lastErr = err
			last = scrape.PageResult{URL: url, Class: scrape.ClassError}
			if ctx.Err() != nil || attempt+1 >= c.cfg.Policy.MaxAttempts {
				return last, fmt.Errorf("fetch %s: %w", url, lastErr)
			}
			attempt++
			metrics.IncRetry()
			if err := c.sleep(ctx, c.cfg.Policy.Backoff(attempt-1)); err != nil {
				return last, err
			}
			continue
		}
		metrics.IncFetch(metrics.StatusClass(pr.StatusCode))

		if c.sessions.NoteResponse(pr.Body, pr.StatusCode, pr.FinalURL) {
			pr.Class = scrape.ClassLogin
			if reloginTried {
				return pr, ErrSessionExpired
			}
			reloginTried = true
			c.logger.Warn("login page detected, retrying after relogin", zap.String("url", url))
			continue
		}

		switch {
		case pr.StatusCode == http.StatusNotFound:
			pr.Class = scrape.ClassError
			return pr, ErrNotFound

		case Retryable(pr.StatusCode):
			if pr.StatusCode == http.StatusForbidden || pr.StatusCode == http.StatusTooManyRequests {
				metrics.IncAbuseSignal(fmt.Sprintf("%d", pr.StatusCode))
				if c.onAbuse != nil {
					c.onAbuse(pr.StatusCode)
				}
			}
			last = pr
			lastErr = fmt.Errorf("status %d", pr.StatusCode)
			if attempt+1 >= c.cfg.Policy.MaxAttempts {
				pr.Class = scrape.ClassError
				return pr, fmt.Errorf("fetch %s: giving up after %d attempts: %w",
					url, c.cfg.Policy.MaxAttempts, lastErr)
			}
			attempt++
			metrics.IncRetry()
			if err := c.sleep(ctx, c.cfg.Policy.Backoff(attempt-1)); err != nil {
				return pr, err
			}
			continue

		case pr.StatusCode >= 400:
			pr.Class = scrape.ClassError
			return pr, fmt.Errorf("fetch %s: non-retryable status %d", url, pr.StatusCode)

		default:
			pr.Class = scrape.ClassOK
			return pr, nil
		}
	}
}

// do performs a single HTTP round trip and materializes the PageResult.
func (c *Client) do(ctx context.Context, url, cookie string) (scrape.PageResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return scrape.PageResult{}, fmt.Errorf("build request: %w", err)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return scrape.PageResult{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return scrape.PageResult{}, fmt.Errorf("read body: %w", err)
	}

	sum := sha256.Sum256(body)
	return scrape.PageResult{
		URL:         url,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentHash: hex.EncodeToString(sum[:]),
		Bytes:       len(body),
		Body:        body,
		Duration:    time.Since(start),
	}, nil
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
