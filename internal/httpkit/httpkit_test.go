package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("streaming timeout = %v, want 0", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()
	c := NewClient()

	get := func(ua string) string {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		resp, err := c.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return string(b)
	}

	if got := get(""); !strings.HasPrefix(got, "skein/") {
		t.Errorf("default User-Agent = %q, want skein/ prefix", got)
	}
	if got := get("mcp-client/1"); got != "mcp-client/1" {
		t.Errorf("explicit User-Agent overwritten: %q", got)
	}
}

func TestNewTransport_Limits(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout ||
		tr.ResponseHeaderTimeout != DefaultResponseHeader ||
		tr.IdleConnTimeout != DefaultIdleConnTimeout ||
		tr.MaxIdleConns != DefaultMaxIdleConns ||
		tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("transport = %+v", tr)
	}
}

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name string
		rc   io.ReadCloser
		want string
	}{
		{"nil", nil, ""},
		{"short", io.NopCloser(strings.NewReader("bad key")), "bad key"},
		{"truncated", io.NopCloser(strings.NewReader(strings.Repeat("x", 100))), "xxxxxxxxxx"},
	}
	for _, tt := range tests {
		if got := ReadErrorBody(tt.rc, 10); got != tt.want {
			t.Errorf("%s: ReadErrorBody = %q, want %q", tt.name, got, tt.want)
		}
	}

	got := ReadErrorBody(io.NopCloser(iotestErrReader{}), 10)
	if !strings.Contains(got, "failed to read") {
		t.Errorf("read error = %q", got)
	}
}

type iotestErrReader struct{}

func (iotestErrReader) Read([]byte) (int, error) { return 0, errors.New("reset") }

// scripted answers each round trip with the next outcome.
type scripted struct {
	outcomes []func() (*http.Response, error)
	calls    int
	bodies   []string
}

func (s *scripted) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(b))
	}
	i := min(s.calls, len(s.outcomes)-1)
	s.calls++
	return s.outcomes[i]()
}

func dialFailure() (*http.Response, error) {
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func status(code int, retryAfter string) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		h := http.Header{}
		if retryAfter != "" {
			h.Set("Retry-After", retryAfter)
		}
		return &http.Response{StatusCode: code, Status: http.StatusText(code), Header: h, Body: io.NopCloser(strings.NewReader("x"))}, nil
	}
}

func newRetry(base http.RoundTripper, count int) (*retryTransport, *[]time.Duration) {
	var waits []time.Duration
	return &retryTransport{
		base:   base,
		count:  count,
		delay:  100 * time.Millisecond,
		logger: slog.New(slog.DiscardHandler),
		sleep: func(_ *http.Request, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}, &waits
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		outcomes  []func() (*http.Response, error)
		wantCalls int
		wantCode  int
		wantWaits []time.Duration
	}{
		{
			name:      "dial failure then success",
			outcomes:  []func() (*http.Response, error){dialFailure, status(200, "")},
			wantCalls: 2, wantCode: 200,
			wantWaits: []time.Duration{100 * time.Millisecond},
		},
		{
			name:      "overloaded with retry-after",
			outcomes:  []func() (*http.Response, error){status(529, "2"), status(200, "")},
			wantCalls: 2, wantCode: 200,
			wantWaits: []time.Duration{2 * time.Second},
		},
		{
			name:      "retry-after is capped",
			outcomes:  []func() (*http.Response, error){status(429, "3600"), status(200, "")},
			wantCalls: 2, wantCode: 200,
			wantWaits: []time.Duration{MaxRetryAfter},
		},
		{
			name:      "linear backoff until exhausted",
			outcomes:  []func() (*http.Response, error){status(503, "")},
			wantCalls: 3, wantCode: 503,
			wantWaits: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
		},
		{
			name:      "server error is final",
			outcomes:  []func() (*http.Response, error){status(500, "")},
			wantCalls: 1, wantCode: 500,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &scripted{outcomes: tt.outcomes}
			rt, waits := newRetry(base, 2)
			req, _ := http.NewRequest(http.MethodGet, "http://engine.invalid/api/tags", nil)

			resp, err := rt.RoundTrip(req)
			if err != nil {
				t.Fatalf("RoundTrip: %v", err)
			}
			if resp.StatusCode != tt.wantCode || base.calls != tt.wantCalls {
				t.Errorf("status %d after %d calls, want %d after %d", resp.StatusCode, base.calls, tt.wantCode, tt.wantCalls)
			}
			if fmt.Sprint(*waits) != fmt.Sprint(tt.wantWaits) {
				t.Errorf("waits = %v, want %v", *waits, tt.wantWaits)
			}
		})
	}
}

func TestRetryTransport_NonRetryableError(t *testing.T) {
	base := &scripted{outcomes: []func() (*http.Response, error){
		func() (*http.Response, error) {
			return nil, &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
		},
	}}
	rt, _ := newRetry(base, 3)
	req, _ := http.NewRequest(http.MethodGet, "http://engine.invalid", nil)
	if _, err := rt.RoundTrip(req); err == nil || base.calls != 1 {
		t.Errorf("err = %v after %d calls, want one failed call", err, base.calls)
	}
}

func TestRetryTransport_RewindsBody(t *testing.T) {
	base := &scripted{outcomes: []func() (*http.Response, error){status(503, ""), status(200, "")}}
	rt, _ := newRetry(base, 2)
	req, _ := http.NewRequest(http.MethodPost, "http://mcp.invalid/mcp", strings.NewReader(`{"id":1}`))

	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatal(err)
	}
	if len(base.bodies) != 2 || base.bodies[1] != `{"id":1}` {
		t.Errorf("bodies = %q", base.bodies)
	}
}

func TestRetryTransport_UnrewindableBodyIsNotRetried(t *testing.T) {
	base := &scripted{outcomes: []func() (*http.Response, error){dialFailure, status(200, "")}}
	rt, _ := newRetry(base, 2)
	req, _ := http.NewRequest(http.MethodPost, "http://mcp.invalid/mcp", strings.NewReader("{}"))
	req.GetBody = nil

	if _, err := rt.RoundTrip(req); err == nil || base.calls != 1 {
		t.Errorf("err = %v after %d calls, want no retry", err, base.calls)
	}
}

func TestRetryTransport_StopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)

	_, err := NewClient(WithRetry(3, time.Second)).Do(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d calls, want 1", n)
	}
}

func TestRetryAfter(t *testing.T) {
	if d, ok := retryAfter("7"); !ok || d != 7*time.Second {
		t.Errorf("seconds: %v %v", d, ok)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if d, ok := retryAfter(future); !ok || d < 59*time.Minute {
		t.Errorf("date: %v %v", d, ok)
	}
	for _, v := range []string{"", "soon", "-1"} {
		if _, ok := retryAfter(v); ok {
			t.Errorf("retryAfter(%q) accepted", v)
		}
	}
}
