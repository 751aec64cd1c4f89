// Package rest exposes the miner's HTTP surface: allocation, challenge
// execution, inventory and termination.
package rest

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/polarmesh/veriduct/internal/allocator"
	"github.com/polarmesh/veriduct/internal/auth"
	"github.com/polarmesh/veriduct/internal/capacity"
	"github.com/polarmesh/veriduct/internal/challenge"
	"github.com/polarmesh/veriduct/internal/config"
	"github.com/polarmesh/veriduct/internal/sandbox"
	"github.com/polarmesh/veriduct/internal/state"
	"github.com/polarmesh/veriduct/internal/telemetry"
)

type Server struct {
	Router *chi.Mux

	minerID   string
	cfg       *config.Config
	pool      *capacity.Pool
	alloc     *allocator.Allocator
	manager   *sandbox.Manager
	executor  *challenge.Executor
	store     *state.Store
	auth      *auth.Manager
	telemetry telemetry.Service
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer wires the miner's HTTP surface. All dependencies are passed
// in explicitly; the server owns none of them.
func NewServer(cfg *config.Config, pool *capacity.Pool, alloc *allocator.Allocator, manager *sandbox.Manager, executor *challenge.Executor, store *state.Store, authMgr *auth.Manager, tel telemetry.Service) *Server {
	if tel == nil {
		tel = &telemetry.NoopService{}
	}
	s := &Server{
		minerID:   cfg.MinerID,
		cfg:       cfg,
		pool:      pool,
		alloc:     alloc,
		manager:   manager,
		executor:  executor,
		store:     store,
		auth:      authMgr,
		telemetry: tel,
		logger:    slog.Default().With("component", "rest"),
		startedAt: time.Now().UTC(),
	}
	s.Router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	proxies := parseCIDRs(s.cfg.HTTP.TrustedProxies, s.logger)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Get("/containers", s.handleListContainers)
	r.Get("/logs/{sandboxID}", s.handleLogs)

	// Mutating routes require the bearer token.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(s.auth))

		r.With(rateLimitByIP(s.cfg.HTTP.AllocateRatePerSec, s.cfg.HTTP.AllocateBurst, proxies)).
			Post("/allocate", s.handleAllocate)
		r.Put("/challenge/{sandboxID}", s.handleChallenge)
		r.Delete("/terminate/{sandboxID}", s.handleTerminate)
	})

	return r
}
