// Package httpapi is the HTTP transport for the orchestration engine:
// a chat endpoint that streams progress events over SSE, a WebSocket
// stream, provider health, Prometheus metrics, and a liveness probe.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-ai/kestrel/internal/config"
	"github.com/kestrel-ai/kestrel/internal/engine"
	"github.com/kestrel-ai/kestrel/internal/observability"
	"github.com/kestrel-ai/kestrel/internal/pool"
	"github.com/kestrel-ai/kestrel/internal/provider"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// agentRunner starts an agent run and streams its progress events. The
// channel is closed when the run reaches a terminal state.
type agentRunner interface {
	Run(ctx context.Context, req *engine.Request) (<-chan models.ProgressEvent, error)
}

// Server serves the public HTTP API.
type Server struct {
	config  config.ServerConfig
	engine  agentRunner
	pool    *pool.CredentialPool
	metrics *observability.Metrics
	logger  *observability.Logger
	tracer  *observability.Tracer

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the API handlers. metrics, logger, and tracer may be
// nil.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, p *pool.CredentialPool, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer) *Server {
	return &Server{
		config:  cfg,
		engine:  eng,
		pool:    p,
		metrics: metrics,
		logger:  logger,
		tracer:  tracer,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can mount it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat", s.instrument("/v1/chat", s.handleChat))
	mux.HandleFunc("/v1/providers/health", s.instrument("/v1/providers/health", s.handleProvidersHealth))
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Addr()

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		// WriteTimeout stays long; SSE and WebSocket responses are
		// open for the lifetime of an agent run.
		WriteTimeout: s.config.WriteTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(ctx, "http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(ctx, "http server listening", "addr", addr)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && s.logger != nil {
		s.logger.Warn(shutdownCtx, "http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.config.ShutdownTimeout > 0 {
		return s.config.ShutdownTimeout
	}
	return 5 * time.Second
}

// instrument opens a span and records request counts and latency per
// route.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.tracer != nil {
			spanCtx, span := s.tracer.TraceHTTPRequest(r.Context(), r.Method, path)
			defer span.End()
			r = r.WithContext(spanCtx)
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(sw.status), time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// chatRequest is the inbound body of POST /v1/chat.
type chatRequest struct {
	engine.Request
	Stream bool `json:"stream,omitempty"`
}

// chatResponse is the final answer returned when stream is false.
type chatResponse struct {
	RunID      string            `json:"run_id"`
	Content    string            `json:"content"`
	StopReason models.StopReason `json:"stop_reason"`
	Iterations int               `json:"iterations"`
	Usage      models.Usage      `json:"usage"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retriable bool   `json:"retriable,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", false)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), false)
		return
	}

	events, err := s.engine.Run(r.Context(), &req.Request)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), false)
		return
	}

	if req.Stream {
		s.streamSSE(w, r, events)
		return
	}
	s.respondFinal(w, r, events)
}

// streamSSE writes one SSE data frame per progress event. The stream
// ends when the run's event channel closes or the client disconnects.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan models.ProgressEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", false)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// respondFinal drains the run and returns its terminal event as a
// single JSON document.
func (s *Server) respondFinal(w http.ResponseWriter, r *http.Request, events <-chan models.ProgressEvent) {
	var (
		done  *models.DoneEventPayload
		fatal *models.ErrorEventPayload
		runID string
	)

	for ev := range events {
		if ev.RunID != "" {
			runID = ev.RunID
		}
		switch ev.Type {
		case models.EventAgentComplete:
			done = ev.Done
		case models.EventError:
			fatal = ev.Error
		}
	}

	if fatal != nil {
		status := http.StatusBadGateway
		if fatal.Retriable {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, fatal.Message, fatal.Retriable)
		return
	}
	if done == nil {
		writeError(w, http.StatusInternalServerError, "run ended without a terminal event", false)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		RunID:      runID,
		Content:    done.Content,
		StopReason: done.StopReason,
		Iterations: done.Iterations,
		Usage:      done.Usage,
	})
}

// handleProvidersHealth reports per-credential availability without
// consuming quota. Capability defaults to chat.
func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", false)
		return
	}

	capability := provider.CapabilityChat
	operation := "chat"
	switch r.URL.Query().Get("capability") {
	case "", string(provider.CapabilityChat):
	case string(provider.CapabilityImageGeneration):
		capability = provider.CapabilityImageGeneration
		operation = "image"
	case string(provider.CapabilityTranscription):
		capability = provider.CapabilityTranscription
		operation = "transcription"
	default:
		writeError(w, http.StatusBadRequest, "unknown capability", false)
		return
	}

	health := s.pool.Health(capability, operation)
	writeJSON(w, http.StatusOK, map[string]any{
		"capability": capability,
		"providers":  health,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string, retriable bool) {
	writeJSON(w, status, errorResponse{Error: message, Retriable: retriable})
}
