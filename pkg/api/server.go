package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flotillahq/flotilla/pkg/audit"
	"github.com/flotillahq/flotilla/pkg/cache"
	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/domain"
	"github.com/flotillahq/flotilla/pkg/engine"
	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/monitor"
	"github.com/flotillahq/flotilla/pkg/placement"
	"github.com/flotillahq/flotilla/pkg/probe"
)

// Server is the control plane's HTTP surface.
type Server struct {
	cfg        *config.Config
	inv        *inventory.Inventory
	eng        *engine.Engine
	placements *placement.Manager
	domains    *domain.Manager
	alerter    *monitor.Alerter
	auditor    *audit.Recorder
	prober     *probe.Prober
	cache      *cache.Cache

	httpServer *http.Server
}

// New wires the server. cache may be nil.
func New(cfg *config.Config, inv *inventory.Inventory, eng *engine.Engine, placements *placement.Manager, domains *domain.Manager, alerter *monitor.Alerter, auditor *audit.Recorder, prober *probe.Prober, metricCache *cache.Cache) *Server {
	return &Server{
		cfg:        cfg,
		inv:        inv,
		eng:        eng,
		placements: placements,
		domains:    domains,
		alerter:    alerter,
		auditor:    auditor,
		prober:     prober,
		cache:      metricCache,
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(s.measure)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/hosts", func(r chi.Router) {
			r.Get("/", s.listHosts)
			r.Post("/", s.addHost)
			r.Get("/{id}", s.getHost)
			r.Delete("/{id}", s.decommissionHost)
			r.Post("/{id}/probe", s.probeHost)
			r.Post("/{id}/status", s.setHostStatus)
			r.Get("/{id}/metrics", s.hostMetrics)
		})

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.submitTask)
			r.Get("/{id}", s.getTask)
			r.Post("/{id}/cancel", s.cancelTask)
		})

		r.Route("/placements", func(r chi.Router) {
			r.Get("/", s.listPlacements)
			r.Post("/", s.createPlacement)
			r.Get("/{id}", s.getPlacement)
			r.Post("/{id}/drain", s.drainPlacement)
			r.Post("/{id}/stop", s.stopPlacement)
			r.Post("/pick", s.pickPlacement)
			r.Post("/{id}/tenants", s.assignTenant)
			r.Delete("/{id}/tenants", s.releaseTenant)
		})

		r.Route("/domains", func(r chi.Router) {
			r.Get("/", s.listDomains)
			r.Post("/", s.createDomain)
			r.Get("/{id}", s.getDomain)
			r.Delete("/{id}", s.deleteDomain)
			r.Post("/{id}/verify", s.verifyDomain)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.listAlerts)
			r.Post("/{id}/ack", s.ackAlert)
			r.Post("/{id}/resolve", s.resolveAlert)
		})

		r.Post("/scan", s.submitScan)
		r.Get("/audit", s.listAudit)
		r.Get("/system/metrics", s.systemMetrics)
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("api").Info().Str("listen", s.cfg.Listen).Msg("api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
