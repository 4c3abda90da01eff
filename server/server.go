// Package server exposes the placement and reward engine over HTTP. The
// surface is a thin JSON layer; all invariants live in native/matrix.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"hivematrix/native/matrix"
	"hivematrix/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
}

// Server hosts the engine API plus health and metrics endpoints.
type Server struct {
	cfg    Config
	engine *matrix.Engine
	store  *storage.Storage
	logger *slog.Logger
	now    func() time.Time
	router http.Handler
}

// New constructs the HTTP server around an engine and its storage.
func New(cfg Config, engine *matrix.Engine, store *storage.Storage, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, errEngineRequired
	}
	if store == nil {
		return nil, errStorageRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:    cfg,
		engine: engine,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	srv.router = srv.routes()
	return srv, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/members", s.handleRegisterMember)
		r.Post("/purchases", s.handlePurchase)
		r.Post("/sweep", s.handleSweep)
		r.Get("/members/{member}/slot", s.handleSlot)
		r.Get("/members/{member}/layers", s.handleLayers)
		r.Get("/members/{member}/team", s.handleTeam)
		r.Get("/rewards/{recipient}", s.handleRewards)
		r.Post("/rewards/{id}/claim", s.handleClaim)
	})

	return otelhttp.NewHandler(r, "matrixd.http")
}

// Handler returns the configured HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	httpSrv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
	return httpSrv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
