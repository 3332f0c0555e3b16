// Package api implements the loopguard HTTP API.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/loopguard/internal/buildinfo"
	"github.com/nugget/loopguard/internal/connwatch"
	"github.com/nugget/loopguard/internal/events"
	"github.com/nugget/loopguard/internal/guardrails"
	"github.com/nugget/loopguard/internal/looptrace"
	"github.com/nugget/loopguard/internal/reasoning"
)

// maxBodyBytes bounds request bodies. Completion events and reviews
// are small JSON documents.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Guardrails is the loop lifecycle the API exposes.
// [*guardrails.Orchestrator] satisfies it.
type Guardrails interface {
	BeginLoop(ctx context.Context, opts guardrails.BeginOptions) (*looptrace.LoopTrace, error)
	SubmitReview(ctx context.Context, loopID string, r looptrace.Review) (looptrace.Review, error)
	ProcessCompletion(ctx context.Context, c guardrails.Completion) (*guardrails.CompletionResult, error)
	Trace(ctx context.Context, loopID string) (*looptrace.LoopTrace, error)
	Family(ctx context.Context, id string) (*guardrails.FamilyView, error)
}

// AuditReader reads the reasoning audit log.
type AuditReader interface {
	ForLoop(ctx context.Context, loopID string) ([]looptrace.ReasoningRecord, error)
	ForFamily(ctx context.Context, familyID string) ([]looptrace.ReasoningRecord, error)
}

// BiasStats reports the cross-family bias tally.
type BiasStats interface {
	GlobalBias(ctx context.Context) (map[string]int, error)
}

// HealthReporter reports dependency health for GET /health.
// [*connwatch.Manager] satisfies it.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	guard       Guardrails
	audit       AuditReader
	bias        BiasStats
	bus         *events.Bus
	health      HealthReporter
	metrics     http.Handler
	metricsPath string
	logger      *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, guard Guardrails, audit AuditReader, bias BiasStats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		guard:   guard,
		audit:   audit,
		bias:    bias,
		logger:  logger,
	}
}

// SetEventBus enables the GET /v1/events websocket stream.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetHealthReporter adds dependency status to GET /health.
func (s *Server) SetHealthReporter(h HealthReporter) {
	s.health = h
}

// SetMetricsHandler serves h at path, typically a Prometheus handler.
func (s *Server) SetMetricsHandler(path string, h http.Handler) {
	s.metricsPath = path
	s.metrics = h
}

// Handler returns the API's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Loop lifecycle
	mux.HandleFunc("POST /v1/loops", s.handleBeginLoop)
	mux.HandleFunc("PUT /v1/loops/{id}/review", s.handleSubmitReview)
	mux.HandleFunc("POST /v1/loops/{id}/complete", s.handleComplete)
	mux.HandleFunc("GET /v1/loops/{id}", s.handleGetTrace)
	mux.HandleFunc("GET /v1/loops/{id}/reasoning", s.handleLoopReasoning)

	// Family views
	mux.HandleFunc("GET /v1/families/{id}", s.handleGetFamily)
	mux.HandleFunc("GET /v1/families/{id}/report", s.handleFamilyReport)
	mux.HandleFunc("GET /v1/bias/stats", s.handleBiasStats)

	// Operational
	if s.bus != nil {
		mux.HandleFunc("GET /v1/events", s.handleEvents)
	}
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server is
// shut down.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	if ctx.Err() != nil {
		return nil
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "loopguard",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth answers 503 when a critical dependency is down. Any
// other unreachable dependency only marks the service degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}

	deps := s.health.Status()
	status := "healthy"
	for _, d := range deps {
		if !d.Ready {
			status = "degraded"
		}
	}
	if !s.health.Healthy() {
		status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{"status": status, "dependencies": deps}, s.logger)
}

// decodeBody decodes a JSON request body into v. An empty body leaves
// v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// BeginRequest is the body of POST /v1/loops.
type BeginRequest = guardrails.BeginOptions

func (s *Server) handleBeginLoop(w http.ResponseWriter, r *http.Request) {
	var req BeginRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	root, err := s.guard.BeginLoop(r.Context(), req)
	if err != nil {
		s.guardError(w, "begin loop", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/loops/"+root.LoopID)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, root, s.logger)
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var req looptrace.Review
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	stored, err := s.guard.SubmitReview(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.guardError(w, "submit review", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stored, s.logger)
}

// CompleteRequest is the body of POST /v1/loops/{id}/complete. The loop
// ID comes from the path.
type CompleteRequest struct {
	ReflectionStatus  string            `json:"reflection_status"`
	Persona           string            `json:"persona,omitempty"`
	OverrideFatigue   bool              `json:"override_fatigue,omitempty"`
	OverrideMaxReruns bool              `json:"override_max_reruns,omitempty"`
	OverrideBy        string            `json:"override_by,omitempty"`
	Review            *looptrace.Review `json:"review,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.guard.ProcessCompletion(r.Context(), guardrails.Completion{
		LoopID:            r.PathValue("id"),
		ReflectionStatus:  req.ReflectionStatus,
		Persona:           req.Persona,
		OverrideFatigue:   req.OverrideFatigue,
		OverrideMaxReruns: req.OverrideMaxReruns,
		OverrideBy:        req.OverrideBy,
		Review:            req.Review,
	})
	if err != nil {
		s.guardError(w, "complete loop", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	t, err := s.guard.Trace(r.Context(), r.PathValue("id"))
	if err != nil {
		s.guardError(w, "load trace", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, t, s.logger)
}

func (s *Server) handleLoopReasoning(w http.ResponseWriter, r *http.Request) {
	records, err := s.audit.ForLoop(r.Context(), r.PathValue("id"))
	if err != nil {
		s.guardError(w, "load reasoning", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"loop_id":   r.PathValue("id"),
		"reasoning": records,
	}, s.logger)
}

func (s *Server) handleGetFamily(w http.ResponseWriter, r *http.Request) {
	view, err := s.guard.Family(r.Context(), r.PathValue("id"))
	if err != nil {
		s.guardError(w, "load family", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, view, s.logger)
}

// handleFamilyReport renders a family's attempts and reasoning as
// Markdown, or as HTML with ?format=html.
func (s *Server) handleFamilyReport(w http.ResponseWriter, r *http.Request) {
	view, err := s.guard.Family(r.Context(), r.PathValue("id"))
	if err != nil {
		s.guardError(w, "load family", err)
		return
	}
	records, err := s.audit.ForFamily(r.Context(), view.Family.FamilyID)
	if err != nil {
		s.guardError(w, "load reasoning", err)
		return
	}

	md := reasoning.Report(view.Family, view.Traces, records)
	switch r.URL.Query().Get("format") {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, md)
	case "html":
		html, err := reasoning.ReportHTML(md)
		if err != nil {
			s.logger.Error("report render failed", "family_id", view.Family.FamilyID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "report render failed")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, html)
	default:
		s.errorResponse(w, http.StatusBadRequest, "format must be markdown or html")
	}
}

func (s *Server) handleBiasStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.bias.GlobalBias(r.Context())
	if err != nil {
		s.guardError(w, "load bias stats", err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tags":  counts,
		"total": total,
	}, s.logger)
}

// statusFor maps guardrail and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case guardrails.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, looptrace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, looptrace.ErrLoopExists), errors.Is(err, looptrace.ErrAlreadyRerun):
		return http.StatusConflict
	case errors.Is(err, guardrails.ErrContention):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// guardError writes err with its mapped status. Internal errors are
// logged and hidden from the client.
func (s *Server) guardError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err)
		msg = op + " failed"
	} else {
		s.logger.Debug(op+" rejected", "status", code, "error", err)
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	s.errorResponse(w, code, msg)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusConflict:
		return "conflict_error"
	case http.StatusServiceUnavailable:
		return "unavailable_error"
	default:
		return "server_error"
	}
}
