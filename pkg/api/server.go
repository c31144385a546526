package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/auth"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/gateway"
	"github.com/acnlabs/acn/pkg/health"
	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/metrics"
	"github.com/acnlabs/acn/pkg/payment"
	"github.com/acnlabs/acn/pkg/registry"
	"github.com/acnlabs/acn/pkg/router"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/tasks"
)

// Deps are the collaborating services the HTTP surface exposes. Payments
// is nil when no payment service is configured; the payment discovery
// endpoints then answer 502.
type Deps struct {
	Store     storage.Store
	Ephemeral storage.Ephemeral
	Auth      *auth.Service
	Registry  *registry.Service
	Gateway   *gateway.Gateway
	Router    *router.Router
	Tasks     *tasks.Service
	Payments  *payment.Client
	Recorder  *audit.Recorder
	Version   string
}

// Server is the HTTP front of a node: the REST surface under /api/v1, the
// websocket and ingress endpoints under /gateway, and the operator surface
// under /internal.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	eph      storage.Ephemeral
	auth     *auth.Service
	registry *registry.Service
	gateway  *gateway.Gateway
	router   *router.Router
	tasks    *tasks.Service
	payments *payment.Client
	recorder *audit.Recorder
	monitor  *health.Monitor
	version  string

	sendLimiter      *ipLimiters
	broadcastLimiter *ipLimiters

	httpServer *http.Server
	logger     zerolog.Logger
}

// New assembles the server and its dependency health monitor. Collaborator
// services get HTTP checkers only when their URLs are configured.
func New(cfg *config.Config, deps Deps) *Server {
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	monitor := health.NewMonitor(health.DefaultConfig())
	monitor.Register("storage", health.NewStoreChecker(deps.Store))
	if addr := databaseAddr(cfg.DatabaseURL); addr != "" {
		monitor.Register("database", health.NewTCPChecker(addr))
	}
	if cfg.WalletURL != "" {
		monitor.Register("wallet", health.NewHTTPChecker(cfg.WalletURL+"/health"))
	}
	if cfg.EscrowURL != "" {
		monitor.Register("escrow", health.NewHTTPChecker(cfg.EscrowURL+"/health"))
	}
	if cfg.PaymentURL != "" {
		monitor.Register("payment", health.NewHTTPChecker(cfg.PaymentURL+"/health"))
	}

	return &Server{
		cfg:              cfg,
		store:            deps.Store,
		eph:              deps.Ephemeral,
		auth:             deps.Auth,
		registry:         deps.Registry,
		gateway:          deps.Gateway,
		router:           deps.Router,
		tasks:            deps.Tasks,
		payments:         deps.Payments,
		recorder:         deps.Recorder,
		monitor:          monitor,
		version:          version,
		sendLimiter:      newIPLimiters(cfg.SendRateLimit),
		broadcastLimiter: newIPLimiters(cfg.BroadcastRateLimit),
		logger:           log.WithComponent("api"),
	}
}

// databaseAddr extracts the host:port to probe from a Postgres URL.
// Returns "" when no database is configured or the URL does not parse.
func databaseAddr(databaseURL string) string {
	if databaseURL == "" {
		return ""
	}
	u, err := url.Parse(databaseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() == "" {
		return u.Host + ":5432"
	}
	return u.Host
}

// Routes assembles the full route tree. Exported so tests can drive the
// handler stack through httptest without binding a port.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", headerInternalToken},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Route("/agents", s.agentRoutes)
		r.Route("/subnets", s.subnetRoutes)
		r.Route("/messages", s.messageRoutes)
		r.Route("/tasks", s.taskRoutes)
		r.Get("/dashboard", s.handleDashboard)
	})

	// Tunnel endpoints authenticate against the subnet's security schemes
	// inside the gateway, not against the bearer middleware.
	r.Route("/gateway", func(r chi.Router) {
		r.Get("/ws/{subnetID}/{agentID}", s.handleTunnel)
		r.Post("/a2a/{subnetID}/{agentID}", s.handleGatewayRPC)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireOperator)
		r.Handle("/metrics", metrics.Handler())
		r.Get("/dlq", s.handleListDLQ)
		r.Post("/dlq/retry", s.handleRetryDLQ)
		r.Post("/tasks/{taskID}/retry-payment", s.handleRetryPayment)
		r.Get("/audit", s.handleAuditQuery)
	})

	return r
}

// Start binds the listener and blocks until the server closes. The health
// monitor begins its check loop alongside.
func (s *Server) Start() error {
	s.monitor.Start()

	// No write timeout: the gateway websocket tunnels on this listener stay
	// open for the lifetime of the agent connection.
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Str("version", s.version).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and halts the health monitor.
func (s *Server) Stop(ctx context.Context) error {
	s.monitor.Stop()
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleHealth is the liveness probe: 200 whenever the process serves.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
	})
}

// handleReady reports readiness. Storage gets a live probe and gates the
// verdict. Collaborator services report their last monitored state without
// gating it, since the node degrades to pending-release and dead-letter
// paths while they are away.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	res := health.NewStoreChecker(s.store).Check(r.Context())
	if res.Healthy {
		checks["storage"] = "ok"
	} else {
		checks["storage"] = res.Message
		ready = false
		message = "storage not accessible"
	}

	for name, status := range s.monitor.Snapshot() {
		if name == "storage" {
			continue
		}
		if status.Healthy {
			checks[name] = "ok"
		} else {
			checks[name] = status.LastResult.Message
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, readyResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
		Message:   message,
	})
}
