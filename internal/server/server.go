// Package server exposes the chat pipeline over HTTP: a server-sent
// events endpoint for chat turns plus health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chattyhq/chatty/cache"
	"github.com/chattyhq/chatty/chat"
	"github.com/chattyhq/chatty/internal/metrics"
	"github.com/chattyhq/chatty/llm"
)

// Chatter processes one chat turn into an event stream.
type Chatter interface {
	Chat(ctx context.Context, req chat.Request) <-chan chat.StreamEvent
}

// HistoryLoader replays a session's prior turns.
type HistoryLoader interface {
	SessionMessages(ctx context.Context, sessionID string, limit int) ([]llm.Message, error)
}

// CacheStats reports cache occupancy for health and metrics.
type CacheStats interface {
	Stats() cache.Stats
}

// Config holds the listener settings.
type Config struct {
	Addr            string
	RatePerSecond   float64
	RateBurst       int
	// GlobalRatePerSecond caps the whole chat endpoint across all
	// clients; zero disables the shared limit.
	GlobalRatePerSecond float64
	GlobalBurst         int
	ReadTimeout         time.Duration
	ShutdownTimeout     time.Duration
	// RequestTimeout bounds a single chat turn end to end; zero means
	// no limit.
	RequestTimeout time.Duration
	// HistoryLimit bounds how many stored messages are replayed per
	// turn; zero means all.
	HistoryLimit int
}

// Server is the HTTP front end. History, cache stats, provider, and
// metrics are optional; nil disables the corresponding surface.
type Server struct {
	cfg      Config
	chatter  Chatter
	history  HistoryLoader
	cacheSt  CacheStats
	provider llm.Provider
	metrics  *metrics.Collector
	limiter  *ipLimiter
	logger   *zap.Logger

	httpServer *http.Server
	done       chan struct{}
}

// New assembles the server and its routes.
func New(cfg Config, chatter Chatter, history HistoryLoader, cacheSt CacheStats, provider llm.Provider, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	s := &Server{
		cfg:      cfg,
		chatter:  chatter,
		history:  history,
		cacheSt:  cacheSt,
		provider: provider,
		metrics:  collector,
		limiter:  newIPLimiter(cfg.RatePerSecond, cfg.RateBurst, cfg.GlobalRatePerSecond, cfg.GlobalBurst),
		logger:   logger,
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/chat", s.limiter.middleware(http.HandlerFunc(s.handleChat)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if collector != nil {
		mux.Handle("GET /metrics", s.metricsHandler())
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays zero: chat responses are long-lived SSE
		// streams.
	}
	return s
}

// Run serves until the context is canceled, then drains connections
// within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	go s.limiter.runCleanup(s.done)
	defer close(s.done)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server draining")
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the mux, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

type chatRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	var history []llm.Message
	if s.history != nil {
		var err error
		history, err = s.history.SessionMessages(ctx, req.SessionID, s.cfg.HistoryLimit)
		if err != nil {
			s.logger.Warn("session history unavailable",
				zap.String("session", req.SessionID),
				zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.chatter.Chat(ctx, chat.Request{
		SessionID: req.SessionID,
		Query:     req.Query,
		History:   history,
	})
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("event not serializable", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			s.logger.Debug("client disconnected", zap.String("session", req.SessionID))
			return
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status  string       `json:"status"`
		Model   string       `json:"model,omitempty"`
		Latency string       `json:"model_latency,omitempty"`
		Cache   *cache.Stats `json:"cache,omitempty"`
	}
	h := health{Status: "ok"}

	if s.provider != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		status, err := s.provider.HealthCheck(ctx)
		if err != nil || !status.Healthy {
			h.Status = "degraded"
		}
		h.Model = s.provider.Name()
		if status != nil {
			h.Latency = status.Latency.String()
		}
	}
	if s.cacheSt != nil {
		st := s.cacheSt.Stats()
		h.Cache = &st
	}

	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// metricsHandler refreshes the occupancy gauges before delegating to
// the scrape handler.
func (s *Server) metricsHandler() http.Handler {
	inner := s.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cacheSt != nil {
			st := s.cacheSt.Stats()
			s.metrics.CacheEntries.WithLabelValues(string(cache.TierGolden)).Set(float64(st.GoldenEntries))
			s.metrics.CacheEntries.WithLabelValues(string(cache.TierDynamic)).Set(float64(st.DynamicEntries))
		}
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
