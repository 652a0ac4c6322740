// Package server assembles the gateway: the admission pipeline behind
// /api/* and the authenticated admin surface behind /admin/*.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tollgate/gateway/config"
	"tollgate/gateway/mandate"
	"tollgate/gateway/middleware"
	"tollgate/gateway/payment"
	"tollgate/gateway/policy"
	"tollgate/gateway/proxy"
	"tollgate/gateway/receipt"
	"tollgate/gateway/replay"
	"tollgate/gateway/routes"
)

// Options carries every dependency the server wires together. Tests
// substitute in-process fakes for the facilitator, oracle and
// upstreams through the packages these fields come from.
type Options struct {
	Config    config.Config
	Table     *routes.Table
	Replay    replay.Store
	Verifier  *mandate.Verifier
	Gate      *payment.Gate
	Checker   *policy.Checker
	Forwarder *proxy.Forwarder
	Receipts  *receipt.Store
	Signer    *receipt.Signer
	Limiter   *middleware.RateLimiter
	Obs       *middleware.Observability
	Prober    *routes.Prober
	Logger    *slog.Logger
	NowFn     func() time.Time
}

// Server is one gateway instance.
type Server struct {
	cfg       config.Config
	table     *routes.Table
	replay    replay.Store
	verifier  *mandate.Verifier
	gate      *payment.Gate
	checker   *policy.Checker
	forwarder *proxy.Forwarder
	receipts  *receipt.Store
	signer    *receipt.Signer
	limiter   *middleware.RateLimiter
	obs       *middleware.Observability
	prober    *routes.Prober
	logger    *slog.Logger
	nowFn     func() time.Time
	started   time.Time

	router chi.Router
}

// New wires the server and builds its router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.Obs == nil {
		opts.Obs = middleware.NewObservability("tollgate")
	}
	s := &Server{
		cfg:       opts.Config,
		table:     opts.Table,
		replay:    opts.Replay,
		verifier:  opts.Verifier,
		gate:      opts.Gate,
		checker:   opts.Checker,
		forwarder: opts.Forwarder,
		receipts:  opts.Receipts,
		signer:    opts.Signer,
		limiter:   opts.Limiter,
		obs:       opts.Obs,
		prober:    opts.Prober,
		logger:    opts.Logger,
		nowFn:     opts.NowFn,
		started:   opts.NowFn(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	if s.cfg.AdminEnabled() {
		r.Route("/admin", s.adminRoutes)
	}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/api", http.HandlerFunc(s.handleGateway))
	return r
}

// adminRoutes wires the authenticated admin surface. Not mounted at
// all when no admin key is configured.
func (s *Server) adminRoutes(ar chi.Router) {
	ar.Use(s.adminAuth)
	ar.Get("/health", s.handleHealth)
	ar.Get("/config", s.handleConfig)
	ar.Get("/metrics", s.obs.MetricsHandler().ServeHTTP)

	ar.Get("/routes", s.handleRoutesList)
	ar.Post("/routes", s.handleRouteCreate)
	ar.Put("/routes/{toolID}", s.handleRouteUpdate)
	ar.Delete("/routes/{toolID}", s.handleRouteDelete)
	ar.Post("/routes/import", s.handleRoutesImport)

	ar.Get("/receipts", s.handleReceiptsList)
	ar.Get("/receipts/stats", s.handleReceiptStats)
	ar.Get("/receipts/{requestID}", s.handleReceiptGet)

	ar.Get("/blacklist", s.handleBlacklistList)
	ar.Post("/blacklist", s.handleBlacklistAdd)
	ar.Delete("/blacklist/{addr}", s.handleBlacklistRemove)

	ar.Get("/spend/{mandateID}", s.handleSpend)
	ar.Get("/reputation/{agentID}", s.handleReputation)
}

// Handler exposes the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
