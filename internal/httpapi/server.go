// Package httpapi exposes the control plane's wire surface: the node-facing
// mTLS endpoints (enroll, heartbeat, certificate renewal), the
// operator-facing tenant API (node listing and lifecycle, command dispatch),
// and the console websocket channel. It is a thin adapter layer -- every
// handler validates and translates, then delegates to the package that owns
// the actual behavior (enrollment, heartbeat, command, nodemgmt, consolehub).
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetward/control-plane/internal/command"
	"github.com/fleetward/control-plane/internal/consolehub"
	"github.com/fleetward/control-plane/internal/enrollment"
	"github.com/fleetward/control-plane/internal/heartbeat"
	"github.com/fleetward/control-plane/internal/nodemgmt"
	"github.com/fleetward/control-plane/internal/nodetransport"
	"github.com/fleetward/control-plane/internal/operatorauth"
	"github.com/fleetward/control-plane/internal/pki"
)

// Deps collects every service internal/httpapi routes requests to. Nil
// optional fields (OperatorAuth, Console) disable the route groups they
// back, so a node-agent-facing-only deployment doesn't need to wire
// operator auth.
type Deps struct {
	Enrollment   *enrollment.Coordinator
	Heartbeat    *heartbeat.Processor
	Certs        *pki.Service
	Nodes        *nodemgmt.Service
	Commands     *command.Dispatcher
	Console      *consolehub.Hub
	OperatorAuth *operatorauth.Service
	NodeQueue    *nodetransport.Queue

	Log             *slog.Logger
	MetricsGatherer prometheus.Gatherer
	ReadyCheck      func() error
	CookieSecure    bool
}

// Server wraps a chi router with the control plane's full route table.
type Server struct {
	Router *chi.Mux
	deps   Deps
}

// NewServer builds the router and mounts every route group. Callers are
// responsible for serving it over the appropriate listeners -- the
// node-facing surface requires client-certificate TLS, so a deployment
// typically runs two listeners (mTLS and plain/operator-auth) in front of
// the same Server.
func NewServer(deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(deps.Log))
	r.Use(requestMetrics)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))

	s := &Server{Router: r, deps: deps}
	s.mountOps()
	s.mountAgentRoutes()
	if deps.OperatorAuth != nil {
		s.mountOperatorAuthRoutes()
		s.mountTenantRoutes()
	}
	return s
}

// mountOps wires the unauthenticated operational endpoints.
func (s *Server) mountOps() {
	s.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.Router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.deps.ReadyCheck != nil {
			if err := s.deps.ReadyCheck(); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if s.deps.MetricsGatherer != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(s.deps.MetricsGatherer, promhttp.HandlerOpts{}))
	}
}

// mountAgentRoutes wires the node-facing surface. Every route here expects
// to be served behind mTLS; requireNodeCert rejects anything else.
func (s *Server) mountAgentRoutes() {
	s.Router.Post("/enroll", s.handleEnroll)

	s.Router.Group(func(r chi.Router) {
		r.Use(requireNodeCert(s.deps.Log))
		r.Get("/agents/ca-certificate", s.handleCACertificate)
		r.Post("/agents/{nodeId}/heartbeat", s.handleHeartbeat)
		r.Post("/agents/{nodeId}/certificates/renew", s.handleRenewCertificate)
		r.Get("/agents/{nodeId}/commands", s.handlePollCommands)
		r.Post("/agents/{nodeId}/commands/{commandId}/result", s.handleSubmitCommandResult)
	})
}

// mountOperatorAuthRoutes wires login/TOTP/logout -- the concrete surface
// behind the tenant API's "validated elsewhere" authentication claim.
func (s *Server) mountOperatorAuthRoutes() {
	s.Router.Post("/auth/login", s.handleLogin)
	s.Router.Post("/auth/totp/verify", s.handleVerifyTOTP)
	s.Router.Post("/auth/logout", s.handleLogout)
}

// mountTenantRoutes wires the operator-facing tenant API, gated by
// operatorauth.Middleware and scoped to {tenantId}.
func (s *Server) mountTenantRoutes() {
	s.Router.Route("/organizations/{tenantId}", func(r chi.Router) {
		r.Use(operatorauth.Middleware(s.deps.OperatorAuth))

		r.Get("/nodes", s.handleListNodes)
		r.Post("/nodes/{nodeId}/maintenance/enter", s.handleEnterMaintenance)
		r.Post("/nodes/{nodeId}/maintenance/exit", s.handleExitMaintenance)
		r.Delete("/nodes/{nodeId}", s.handleDecommissionNode)

		r.Post("/servers/{serverId}/commands", s.handleDispatchCommand)

		if s.deps.Console != nil {
			r.Get("/servers/{serverId}/console", s.handleConsoleWebsocket)
		}
	})
}
