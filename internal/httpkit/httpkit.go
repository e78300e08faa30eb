// Package httpkit builds the HTTP clients skein uses to reach reasoning
// engines, embedding servers and MCP servers. Every client shares the
// same dial and TLS limits, identifies itself as skein, and can retry
// requests that never reached the server or that the server refused
// because it was overloaded.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/nugget/skein/internal/buildinfo"
)

// Transport limits.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	// DefaultResponseHeader bounds the wait for headers once the request
	// is written. Streaming bodies are not affected.
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5

	// MaxRetryAfter caps how long a Retry-After header can stall a
	// request.
	MaxRetryAfter = 10 * time.Second
)

// ClientOption configures NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	transport  *http.Transport
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the whole-request timeout. Zero disables it, which
// streaming clients need.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithTransport replaces the default transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithRetry retries up to count times, delay apart (scaled by attempt),
// when the connection could not be made or the server answered 429,
// 503 or 529. A Retry-After header overrides the delay, up to
// MaxRetryAfter. Requests with a body are retried only if GetBody can
// rewind it.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retries = count
		c.retryDelay = delay
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport returns a transport with skein's connection limits.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a client. The default timeout is 30s.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{timeout: 30 * time.Second}
	for _, o := range opts {
		o(cfg)
	}
	base := cfg.transport
	if base == nil {
		base = NewTransport()
	}

	var rt http.RoundTripper = &userAgentTransport{base: base, ua: buildinfo.UserAgent()}
	if cfg.retries > 0 {
		logger := cfg.logger
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		rt = &retryTransport{
			base:   rt,
			count:  cfg.retries,
			delay:  cfg.retryDelay,
			logger: logger,
			sleep:  sleepCtx,
		}
	}
	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

// userAgentTransport sets User-Agent when the request has none.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
	sleep  func(req *http.Request, d time.Duration) error
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.count && rewindable; attempt++ {
		wait, retry := t.backoff(resp, err, attempt)
		if !retry {
			break
		}
		t.logger.Debug("retrying request",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempt", attempt,
			"wait", wait,
			"reason", retryReason(resp, err),
		)
		if resp != nil {
			DrainAndClose(resp.Body, 1<<12)
		}
		if serr := t.sleep(req, wait); serr != nil {
			return nil, serr
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("rewind request body: %w", berr)
			}
			next.Body = body
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

// backoff decides whether the outcome of an attempt is worth retrying
// and how long to wait first.
func (t *retryTransport) backoff(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	wait := t.delay * time.Duration(attempt)
	if err != nil {
		return wait, isRetryableError(err)
	}
	if !retryableStatus(resp.StatusCode) {
		return 0, false
	}
	if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
		wait = min(d, MaxRetryAfter)
	}
	return wait, true
}

func retryReason(resp *http.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	return resp.Status
}

// retryableStatus reports statuses that mean the request was turned
// away before it was processed. 529 is Anthropic's overloaded status.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable || code == 529
}

// retryAfter parses a Retry-After value in seconds or as an HTTP date.
func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0), true
	}
	return 0, false
}

func sleepCtx(req *http.Request, d time.Duration) error {
	if d <= 0 {
		return req.Context().Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
		return nil
	}
}

// isRetryableError reports dial failures that happen before any byte
// reaches the server. ECONNRESET is excluded: the server may already
// have acted on the request.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection can go back to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for an error message and
// closes it. A nil rc yields "".
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1<<10)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
