// Package api serves the HTTP surface: message and alert ingestion,
// thread inspection, and a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/skein/internal/agent"
	"github.com/nugget/skein/internal/buildinfo"
	"github.com/nugget/skein/internal/events"
	"github.com/nugget/skein/internal/thread"
	"github.com/nugget/skein/internal/trigger"
	"github.com/nugget/skein/internal/wake"
)

// healthTimeout bounds the engine check behind /health.
const healthTimeout = 5 * time.Second

// Dispatcher accepts inbound work.
type Dispatcher interface {
	HandleMessage(ctx context.Context, req agent.MessageRequest) (*agent.Response, error)
	HandleAlert(ctx context.Context, a trigger.Alert) (*agent.AlertReceipt, error)
}

// Pinger reports whether the reasoning engine can be reached.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Wakes exposes the wake scheduler's view of pending jobs.
type Wakes interface {
	Get(ctx context.Context, handle string) (*wake.Job, error)
	Armed() int
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	addr       string
	dispatcher Dispatcher
	store      thread.Store
	bus        *events.Bus
	engine     Pinger
	wakes      Wakes
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(addr string, d Dispatcher, store thread.Store, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:       addr,
		dispatcher: d,
		store:      store,
		bus:        bus,
		logger:     logger.With("component", "api"),
	}
}

// SetEngine configures the engine checked by /health.
func (s *Server) SetEngine(p Pinger) {
	s.engine = p
}

// SetWakes configures the scheduler used to report pending wakes.
func (s *Server) SetWakes(w Wakes) {
	s.wakes = w
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/alerts", s.handleAlert)
	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withLogging(mux)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Message runs can take minutes; no WriteTimeout.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting API server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// statusFor maps dispatcher errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		admission *agent.AdmissionError
		timeout   *agent.TimeoutError
	)
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, thread.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrThreadClosed):
		return http.StatusConflict
	case errors.As(err, &admission):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, body := http.StatusOK, map[string]any{
		"status":      "healthy",
		"subscribers": s.bus.SubscriberCount(),
	}
	if s.wakes != nil {
		body["armed_wakes"] = s.wakes.Armed()
	}
	if s.engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.engine.Ping(ctx); err != nil {
			s.logger.Warn("engine unreachable", "error", err)
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["engine"] = err.Error()
		}
	}
	writeJSON(w, status, body, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

// messageResponse is the reply to POST /v1/messages.
type messageResponse struct {
	ThreadID string        `json:"thread_id"`
	Content  string        `json:"content"`
	Status   thread.Status `json:"status"`
	Model    string        `json:"model"`
	Version  int64         `json:"version"`
	Degraded bool          `json:"degraded,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req agent.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.dispatcher.HandleMessage(r.Context(), req)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("message run failed", "thread_id", req.ThreadID, "error", err)
		}
		s.errorResponse(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		ThreadID: resp.ThreadID,
		Content:  resp.Content,
		Status:   resp.Status,
		Model:    resp.Model,
		Version:  resp.Version,
		Degraded: resp.Degraded,
	}, s.logger)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	var a trigger.Alert
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if a.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "alert name is required")
		return
	}

	receipt, err := s.dispatcher.HandleAlert(r.Context(), a)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, receipt, s.logger)
}

// threadSummary is a thread without its transcript.
type threadSummary struct {
	ID           string        `json:"id"`
	Version      int64         `json:"version"`
	Status       thread.Status `json:"status"`
	Title        string        `json:"title,omitempty"`
	Source       string        `json:"source"`
	SourceID     string        `json:"source_id,omitempty"`
	MessageCount int           `json:"message_count"`
	WakeHandle   string        `json:"wake_handle,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	opts := thread.ListOptions{Status: thread.Status(r.URL.Query().Get("status"))}
	if opts.Status != "" && !opts.Status.Valid() {
		s.errorResponse(w, http.StatusBadRequest, "unknown status")
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}

	threads, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("list threads", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list threads failed")
		return
	}
	out := make([]threadSummary, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadSummary{
			ID:           t.ID,
			Version:      t.Version,
			Status:       t.Status,
			Title:        t.Title,
			Source:       t.Source,
			SourceID:     t.SourceID,
			MessageCount: len(t.Messages),
			WakeHandle:   t.WakeHandle,
			UpdatedAt:    t.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("get thread", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get thread failed")
		return
	}
	if t == nil {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, threadDetail{Thread: t, Wake: s.pendingWake(r.Context(), t)}, s.logger)
}

// threadDetail is a thread plus the scheduler's record of its wake.
type threadDetail struct {
	*thread.Thread
	Wake *wakeInfo `json:"wake,omitempty"`
}

type wakeInfo struct {
	Status wake.Status `json:"status"`
	FireAt time.Time   `json:"fire_at"`
}

// pendingWake looks up the job behind t's wake handle. Lookup failures
// only drop the field.
func (s *Server) pendingWake(ctx context.Context, t *thread.Thread) *wakeInfo {
	if s.wakes == nil || t.WakeHandle == "" {
		return nil
	}
	job, err := s.wakes.Get(ctx, t.WakeHandle)
	if err != nil {
		s.logger.Debug("wake lookup failed", "thread_id", t.ID, "handle", t.WakeHandle, "error", err)
		return nil
	}
	if job == nil {
		return nil
	}
	return &wakeInfo{Status: job.Status, FireAt: job.FireAt}
}
