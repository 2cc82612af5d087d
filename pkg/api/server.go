// Package api hosts the HTTP surface: the copilot query endpoint with SSE
// streaming, session administration, health and discovery, metrics, and a
// websocket event feed.
package api

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/config"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/logging"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/orchestrator"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/session"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/storage"
)

const serviceName = "openbb-app-builder-agent"

// Options wires the server's collaborators. Orchestrator and Sessions are
// required; History is optional and disables /v1/builds when nil.
type Options struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Store
	History      *storage.Store
	Hub          *Hub
	Log          *logging.Logger
	Version      string
}

// Server hosts the JSON/HTTP + SSE + WebSocket API.
type Server struct {
	cfg        *config.Config
	orch       *orchestrator.Orchestrator
	sessions   *session.Store
	history    *storage.Store
	hub        *Hub
	log        *logging.Logger
	version    string
	limiter    *clientLimiter
	httpServer *http.Server
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		cfg:      opts.Config,
		orch:     opts.Orchestrator,
		sessions: opts.Sessions,
		history:  opts.History,
		hub:      opts.Hub,
		log:      log,
		version:  opts.Version,
		limiter:  newClientLimiter(),
	}
}

// Handler builds the full route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.requestLogMiddleware)
	router.Use(s.rateLimitMiddleware)

	router.Get("/health", s.handleHealth)
	router.Get("/agents.json", s.handleAgentsJSON)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Post("/terminate", s.handleTerminate)
		r.Post("/clear-sessions", s.handleClearSessions)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/builds", s.handleListBuilds)
		r.Get("/events", s.handleEvents)
	})

	return router
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	// H2C keeps websocket upgrades working behind reverse proxies that
	// strip HTTP/1.1 upgrade headers.
	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Bind,
		Handler:           h2c.NewHandler(s.Handler(), h2s),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info(logging.CategoryServer, "listening", "", s.cfg.Server.Bind, nil)
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
