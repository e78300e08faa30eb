package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/skein/internal/httpkit"
)

const jsonrpcVersion = "2.0"

// sessionHeader carries the server-assigned session between requests.
const sessionHeader = "Mcp-Session-Id"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error returned by a server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// transport posts JSON-RPC messages to one endpoint.
type transport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.RWMutex
	session string
}

func newTransport(url string, headers map[string]string, logger *slog.Logger) *transport {
	return &transport{
		url:     url,
		headers: headers,
		client: httpkit.NewClient(
			httpkit.WithTimeout(60*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// call sends a request and decodes its response. A notification (id 0)
// returns nil on any 2xx status.
func (t *transport) call(ctx context.Context, req rpcRequest) (*rpcResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", req.Method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.session != "" {
		httpReq.Header.Set(sessionHeader, t.session)
	}
	t.mu.RUnlock()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", req.Method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.session = sid
		t.mu.Unlock()
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s: server returned %d: %s", req.Method, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	if req.ID == 0 {
		return nil, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Method, err)
	}
	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Method, err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return &out, nil
}
