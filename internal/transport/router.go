package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/haulflow/internal/command"
	"github.com/pitabwire/haulflow/internal/config"
	"github.com/pitabwire/haulflow/internal/observability"
	"github.com/pitabwire/haulflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Service            *command.Service
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Logger             *zap.Logger

	// Metrics instruments requests when set. MetricsHandler serves the
	// scrape endpoint; it defaults to the global registry.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "no route for "+r.URL.Path)
	})

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		metricsHandler := deps.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = observability.Handler()
		}
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, metricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	h := &handlers{svc: deps.Service}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		can := RequireCapability

		r.Route("/contracts", func(r chi.Router) {
			r.With(can(model.CapContractsManage)).Post("/", h.createContract)
			r.With(can(model.CapContractsRead)).Get("/", h.listContracts)

			r.Route("/{contractId}", func(r chi.Router) {
				r.With(can(model.CapContractsRead)).Get("/", h.getContract)
				r.With(can(model.CapContractsRead)).Get("/sequence", h.stageSequence)
				r.With(can(model.CapExecutionsRead)).Get("/board", h.board)

				r.With(can(model.CapContractsManage)).Post("/waypoints", h.addWaypoint)
				r.With(can(model.CapContractsManage)).Put("/waypoints", h.reorderWaypoints)
				r.With(can(model.CapContractsManage)).Put("/waypoints/{waypointId}", h.editWaypoint)
				r.With(can(model.CapContractsManage)).Delete("/waypoints/{waypointId}", h.removeWaypoint)

				r.With(can(model.CapAssignmentsManage)).Post("/assignments", h.addAssignment)
				r.With(can(model.CapAssignmentsManage)).Put("/assignments/{driverId}/vehicle", h.setVehicleForDriver)
				r.With(can(model.CapAssignmentsManage)).Delete("/assignments/{driverId}", h.removeAssignment)
				r.With(can(model.CapAssignmentsManage)).Post("/vehicles", h.addVehicle)
				r.With(can(model.CapAssignmentsManage)).Delete("/vehicles/{vehicleId}", h.removeVehicle)

				r.With(can(model.CapExecutionsCreate)).Post("/executions", h.createExecution)
				r.With(can(model.CapExecutionsRead)).Get("/executions", h.listExecutions)
			})
		})

		r.Route("/executions/{executionId}", func(r chi.Router) {
			r.With(can(model.CapExecutionsRead)).Get("/", h.getExecution)
			r.With(can(model.CapExecutionsManage)).Delete("/", h.deleteExecution)
			r.With(can(model.CapExecutionsManage)).Put("/cargo", h.setCargo)
			r.With(can(model.CapExecutionsMove)).Post("/move", h.moveByButton)
			r.With(can(model.CapExecutionsMove)).Post("/drag", h.moveByDrag)
			r.With(can(model.CapExecutionsMove)).Post("/capture", h.commitWithCapture)
			r.With(can(model.CapExecutionsManage)).Post("/reconcile", h.reconcile)
		})
	})

	return r
}
