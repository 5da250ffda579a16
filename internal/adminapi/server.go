// Package adminapi exposes the rolling restart orchestrator and cluster
// status over an HTTP admin surface.
package adminapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rollingrestartd/rollingrestartd/internal/brokerclient"
	"github.com/rollingrestartd/rollingrestartd/internal/clustervalidate"
	"github.com/rollingrestartd/rollingrestartd/internal/config"
	"github.com/rollingrestartd/rollingrestartd/internal/hostexec"
	"github.com/rollingrestartd/rollingrestartd/internal/observability"
	"github.com/rollingrestartd/rollingrestartd/internal/orchestrator"
	"github.com/rollingrestartd/rollingrestartd/internal/status"
)

// BrokerAPI is the subset of brokerclient.Client the admin handlers call
// directly, declared as an interface so tests can substitute a fake.
type BrokerAPI interface {
	GetNode(ctx context.Context, managementBase, nodeID string) (brokerclient.NodeInfo, error)
	GetConnectionCount(ctx context.Context, managementBase, nodeID string) (int, error)
	SetMaintenanceMode(ctx context.Context, managementBase, nodeID string, enabled bool, reason string) (brokerclient.MaintenanceAck, error)
}

// HostRunner is the subset of hostexec.Executor the admin handlers call directly.
type HostRunner interface {
	Execute(target hostexec.Target, command string, opts hostexec.Options) (string, error)
	Dial(target hostexec.Target) error
}

// Server wires the orchestrator, validator, broker client, and SSH executor
// into a chi-routed HTTP surface.
type Server struct {
	router chi.Router

	cfg       *config.Config
	broker    BrokerAPI
	host      HostRunner
	validator *clustervalidate.Validator
	orch      *orchestrator.RestartOrchestrator
	statusRep *status.StatusReporter
	metrics   *observability.PrometheusCollector
	logger    observability.Logger
	base      string
}

// NewServer builds a Server with all routes and middleware installed.
func NewServer(cfg *config.Config, broker BrokerAPI, host HostRunner, validator *clustervalidate.Validator, orch *orchestrator.RestartOrchestrator, metrics *observability.PrometheusCollector, logger observability.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		broker:    broker,
		host:      host,
		validator: validator,
		orch:      orch,
		statusRep: status.New(orch),
		metrics:   metrics,
		logger:    logger,
		base:      cfg.ManagementAPIBase,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	if s.router == nil {
		s.router = chi.NewRouter()
	}
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(chimw.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", s.metrics.Handler())
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(apiKeyAuth(s.cfg.APIKey, s.logger))

		r.Post("/rolling-restart/start", s.handleStart)
		r.Get("/rolling-restart/status", s.handleStatus)
		r.Post("/rolling-restart/cancel", s.handleCancel)
		r.Post("/rolling-restart/validate", s.handleValidate)
		r.Get("/rolling-restart/history", s.handleHistory)

		r.Get("/cluster/status", s.handleClusterStatus)
		r.Get("/cluster/health", s.handleClusterHealth)

		r.Put("/nodes/{id}/maintenance", s.handleNodeMaintenance)
		r.Post("/nodes/{id}/restart", s.handleNodeOp("restart"))
		r.Post("/nodes/{id}/stop", s.handleNodeOp("stop"))
		r.Post("/nodes/{id}/start", s.handleNodeOp("start"))
		r.Get("/nodes/{id}/probe", s.handleNodeProbe)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
