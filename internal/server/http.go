package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/artifact"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/config"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/history"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/metrics"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/pipeline"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/stream"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/synthesis"
)

const (
	serviceName    = "voice-turn-service"
	serviceVersion = "1.0.0"

	// StreamingHeader selects text-only replies; audio is then fetched from
	// /api/tts-stream
	StreamingHeader = "X-Use-Streaming"
)

// Pipeline runs chat turns. *pipeline.Orchestrator satisfies it.
type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	GetStats() pipeline.Stats
}

// Dependencies are the components the HTTP API serves
type Dependencies struct {
	Pipeline    Pipeline
	Synthesizer synthesis.Service
	History     history.Store
	Artifacts   artifact.Store
	Calls       *stream.Manager
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer // nil uses the default registry
}

// HTTPServer provides the conversation API plus monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	deps     Dependencies
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg *config.Config, deps Dependencies, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		deps:      deps,
		metrics:   deps.Metrics,
		startTime: time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// No write timeout: replies stream for as long as synthesis produces audio
	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.GetReadTimeoutDuration(),
		IdleTimeout:       cfg.HTTP.GetIdleTimeoutDuration(),
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Conversation API
	mux.HandleFunc("POST /api/chat", h.withMetrics("/api/chat", h.handleChat))
	mux.HandleFunc("POST /api/tts-stream", h.withMetrics("/api/tts-stream", h.handleTTSStream))
	mux.HandleFunc("GET /api/history/{session}", h.withMetrics("/api/history/{session}", h.handleGetHistory))
	mux.HandleFunc("DELETE /api/history/{session}", h.withMetrics("/api/history/{session}", h.handleClearHistory))
	mux.HandleFunc("GET /audio/{name}", h.withMetrics("/audio/{name}", h.handleAudio))

	// Websocket calls are long lived and tracked by the session metrics
	mux.HandleFunc("GET /ws/call", h.handleCall)

	// Monitoring
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush on the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Stop(shutdownCtx)
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// errorResponse is the JSON body of every API error
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := errorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"synthesis": map[string]interface{}{
			"status":   "configured",
			"provider": h.deps.Synthesizer.Name(),
		},
		"history": map[string]interface{}{
			"status":  "configured",
			"backend": h.config.History.Backend,
		},
		"artifacts": map[string]interface{}{
			"status":  "configured",
			"backend": h.config.Artifacts.Backend,
		},
	}
	if h.deps.Pipeline != nil {
		stats := h.deps.Pipeline.GetStats()
		components["pipeline"] = map[string]interface{}{
			"status":    "running",
			"processed": stats.Processed,
			"in_flight": stats.InFlight,
		}
	}
	if h.deps.Calls != nil {
		components["calls"] = map[string]interface{}{
			"status":       "running",
			"active_calls": h.deps.Calls.GetActiveSessionCount(),
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []stream.SessionInfo{}
	if h.deps.Calls != nil {
		sessions = h.deps.Calls.GetAllSessions()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.deps.Calls == nil {
		writeError(w, http.StatusNotFound, "Session not found", nil)
		return
	}
	session, exists := h.deps.Calls.GetSession(id)
	if !exists {
		writeError(w, http.StatusNotFound, "Session not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config

	// API keys and passwords are never exposed
	sanitizedConfig := map[string]interface{}{
		"audio": map[string]interface{}{
			"sample_rate": c.Audio.SampleRate,
			"channels":    c.Audio.Channels,
			"bit_depth":   c.Audio.BitDepth,
		},
		"vad": map[string]interface{}{
			"threshold_db":        c.VAD.ThresholdDB,
			"silence_duration_ms": c.VAD.SilenceDuration,
			"frame_size":          c.VAD.FrameSize,
			"sample_interval_ms":  c.VAD.SampleIntervalMs,
		},
		"transcription": map[string]interface{}{
			"provider": c.Transcription.Provider,
			"model":    c.Transcription.Model,
			"language": c.Transcription.Language,
			"timeout":  c.Transcription.Timeout,
		},
		"generation": map[string]interface{}{
			"provider": c.Generation.Provider,
			"model":    c.Generation.Model,
			"stream":   c.Generation.Stream,
			"timeout":  c.Generation.Timeout,
		},
		"synthesis": map[string]interface{}{
			"provider":      c.Synthesis.Provider,
			"voice_id":      c.Synthesis.VoiceID,
			"model":         c.Synthesis.Model,
			"output_format": c.Synthesis.OutputFormat,
		},
		"history": map[string]interface{}{
			"backend": c.History.Backend,
			"window":  c.History.Window,
		},
		"artifacts": map[string]interface{}{
			"backend": c.Artifacts.Backend,
		},
		"pipeline": map[string]interface{}{
			"max_retries":    c.Pipeline.MaxRetries,
			"speak_fallback": c.Pipeline.SpeakFallback,
			"default_mode":   c.Pipeline.DefaultMode,
		},
		"turn": map[string]interface{}{
			"resume_delay_ms":   c.Turn.ResumeDelay,
			"fallback_delay_ms": c.Turn.FallbackDelay,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.deps.Pipeline != nil {
		stats["pipeline"] = h.deps.Pipeline.GetStats()
	}
	if h.deps.Calls != nil {
		stats["calls"] = h.deps.Calls.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                         "API documentation",
			"POST /api/chat":                "Run one conversation turn from an uploaded recording",
			"POST /api/tts-stream":          "Stream synthesized speech for text",
			"GET /api/history/{session}":    "Get conversation history",
			"DELETE /api/history/{session}": "Clear conversation history",
			"GET /audio/{name}":             "Download a buffered reply",
			"GET /ws/call":                  "Websocket voice call",
			"GET /health":                   "Service health check",
			"GET /sessions":                 "List active calls",
			"GET /sessions/{id}":            "Get call details",
			"GET /stats":                    "Get service statistics",
			"GET /config":                   "Get service configuration",
			"GET /metrics":                  "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func (h *HTTPServer) checkOrigin(r *http.Request) bool {
	allowed := h.config.HTTP.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// handleCall upgrades to a websocket and runs a voice call on it
func (h *HTTPServer) handleCall(w http.ResponseWriter, r *http.Request) {
	if h.deps.Calls == nil {
		writeError(w, http.StatusServiceUnavailable, "Voice calls are not enabled", nil)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	err = h.deps.Calls.ServeConn(r.Context(), sessionID, conn)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Call ended with error",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
