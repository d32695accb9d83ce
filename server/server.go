// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Engine is the subset of *graph.Engine the server drives.
type Engine interface {
	StartOrResume(ctx context.Context, runID, input string) (graph.RunResult, error)
	Continue(ctx context.Context, runID, input string) (graph.RunResult, error)
	Resume(ctx context.Context, runID, ticketID string, response []byte) (graph.RunResult, error)
	Cancel(ctx context.Context, runID, reason string) (*graph.Run, error)
	Retry(ctx context.Context, runID string) (graph.RunResult, error)
	Inspect(ctx context.Context, runID string) (*graph.Run, error)
	History(ctx context.Context, runID string) ([]*graph.Run, error)
	List(ctx context.Context, q store.Query) ([]*graph.Run, error)
}

// Server serves the run API.
type Server struct {
	engine    Engine
	workflows map[string]Engine
	gatherer  prometheus.Gatherer
	ping     func(context.Context) error
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves gatherer's metrics at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck makes /healthz report ping failures as 503.
func WithHealthCheck(ping func(context.Context) error) Option {
	return func(s *Server) { s.ping = ping }
}

// WithWorkflow serves engine's run API under /workflows/{name}/runs, next
// to the primary engine's /runs.
func WithWorkflow(name string, engine Engine) Option {
	return func(s *Server) {
		if engine != nil {
			s.workflows[name] = engine
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Server for engine.
func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		workflows: map[string]Engine{},
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
//
//	POST /runs/{runID}          start or resume with {"input": "..."}
//	POST /runs/{runID}/continue new turn on a completed run, {"input": "..."}
//	POST /runs/{runID}/resume   {"ticket_id": "...", "response": {...}}
//	POST /runs/{runID}/cancel   {"reason": "..."}
//	POST /runs/{runID}/retry
//	GET  /runs/{runID}
//	GET  /runs/{runID}/history
//	GET  /runs?status=&limit=
//	...  /workflows/{name}/runs/... the same routes for each added workflow
//	GET  /healthz
//	GET  /metrics
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/runs", runAPI{Server: s, engine: s.engine}.routes)
	for name, engine := range s.workflows {
		r.Route("/workflows/"+name+"/runs", runAPI{Server: s, engine: engine}.routes)
	}
	return r
}

// runAPI serves the run routes of one engine.
type runAPI struct {
	*Server
	engine Engine
}

func (s runAPI) routes(r chi.Router) {
	r.Get("/", s.list)
	r.Route("/{runID}", func(r chi.Router) {
		r.Post("/", s.start)
		r.Get("/", s.inspect)
		r.Get("/history", s.history)
		r.Post("/continue", s.continueRun)
		r.Post("/resume", s.resume)
		r.Post("/cancel", s.cancel)
		r.Post("/retry", s.retry)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type startRequest struct {
	Input string `json:"input"`
}

type resumeRequest struct {
	TicketID string          `json:"ticket_id"`
	Response json.RawMessage `json:"response"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s runAPI) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.StartOrResume(r.Context(), chi.URLParam(r, "runID"), req.Input)
	s.respondResult(w, r, res, err)
}

func (s runAPI) continueRun(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.Continue(r.Context(), chi.URLParam(r, "runID"), req.Input)
	s.respondResult(w, r, res, err)
}

func (s runAPI) resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TicketID == "" {
		s.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", errors.New("ticket_id is required"))
		return
	}
	res, err := s.engine.Resume(r.Context(), chi.URLParam(r, "runID"), req.TicketID, req.Response)
	s.respondResult(w, r, res, err)
}

func (s runAPI) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "runID"), req.Reason)
	s.respond(w, r, run, err)
}

func (s runAPI) retry(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Retry(r.Context(), chi.URLParam(r, "runID"))
	s.respondResult(w, r, res, err)
}

func (s runAPI) inspect(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Inspect(r.Context(), chi.URLParam(r, "runID"))
	s.respond(w, r, run, err)
}

func (s runAPI) history(w http.ResponseWriter, r *http.Request) {
	runs, err := s.engine.History(r.Context(), chi.URLParam(r, "runID"))
	s.respond(w, r, runs, err)
}

func (s runAPI) list(w http.ResponseWriter, r *http.Request) {
	q := store.Query{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", errors.New("limit must be a non-negative integer"))
			return
		}
		q.Limit = n
	}
	runs, err := s.engine.List(r.Context(), q)
	s.respond(w, r, runs, err)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err)
		return false
	}
	return true
}

// respondResult writes an engine result. A run that failed inside a step is
// a successful call: the result carries the error detail.
func (s *Server) respondResult(w http.ResponseWriter, r *http.Request, res graph.RunResult, err error) {
	if err != nil && res.Outcome == graph.OutcomeFailed {
		s.logger.Info("run failed", "run_id", res.RunID, "error", err)
		err = nil
	}
	s.respond(w, r, res, err)
}

// respond writes v, or maps err to a status code.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		status, code := statusOf(err)
		s.writeError(w, r, status, code, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, graph.ErrTicketNotFound):
		return http.StatusNotFound, "TICKET_NOT_FOUND"
	case errors.Is(err, graph.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, graph.ErrInvalidResponse):
		return http.StatusUnprocessableEntity, "INVALID_RESPONSE"
	case errors.Is(err, graph.ErrRunNotSuspended):
		return http.StatusConflict, "RUN_NOT_SUSPENDED"
	case errors.Is(err, graph.ErrTicketMismatch):
		return http.StatusConflict, "TICKET_MISMATCH"
	case errors.Is(err, graph.ErrRunCancelled):
		return http.StatusConflict, "RUN_CANCELLED"
	case errors.Is(err, graph.ErrRunCompleted):
		return http.StatusConflict, "RUN_COMPLETED"
	case errors.Is(err, graph.ErrRunNotFailed):
		return http.StatusConflict, "RUN_NOT_FAILED"
	case errors.Is(err, graph.ErrRunNotCompleted):
		return http.StatusConflict, "RUN_NOT_COMPLETED"
	case errors.Is(err, graph.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	}
	var engErr *graph.EngineError
	if errors.As(err, &engErr) {
		return http.StatusBadRequest, engErr.Code
	}
	return http.StatusInternalServerError, graph.ErrorCode(err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"path", r.URL.Path,
		"status", status,
		"code", code,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
