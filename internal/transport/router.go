package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/bakehouse/internal/backend"
	"github.com/pitabwire/bakehouse/internal/config"
	"github.com/pitabwire/bakehouse/internal/definition"
	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/internal/social"
	"github.com/pitabwire/bakehouse/internal/workflow"
	"github.com/pitabwire/bakehouse/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config         *config.Config
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Authenticate   func(http.Handler) http.Handler
	Capabilities   model.CapabilityResolver
	Engine         *workflow.Engine
	Templates      *definition.Registry
	Renderer       social.ImageRenderer
	Backend        *backend.Service
	Readiness      observability.ReadinessChecks
	Now            func() time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(RequestLogging(logger))
	r.Use(MaxBodyBytes(deps.Config.Server.MaxBodyBytes))

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		mh := deps.MetricsHandler
		if mh == nil {
			mh = observability.Handler()
		}
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, mh)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(ResolveCapabilities(deps.Capabilities))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Get("/session", handleSession)

		if deps.Engine != nil && deps.Templates != nil {
			r.Group(func(r chi.Router) {
				r.Use(RequireCapability(model.CapWorkflowRead))
				r.Get("/production-templates", handleProductionTemplates(deps.Templates))
				r.Get("/workflows", handleWorkflowList(deps.Engine))
				r.Get("/workflows/{id}", handleWorkflowGet(deps.Engine, now))
				r.Get("/workflows/{id}/events", handleWorkflowEvents(deps.Engine))
			})
			r.Group(func(r chi.Router) {
				r.Use(RequireCapability(model.CapWorkflowWrite))
				r.Post("/workflows", handleWorkflowCreate(deps.Engine))
				r.Delete("/workflows/{id}", handleWorkflowDelete(deps.Engine))
				registerWorkflowOps(r, deps.Engine, now)
			})
		}

		if deps.Renderer != nil && deps.Templates != nil {
			r.Group(func(r chi.Router) {
				r.Use(RequireCapability(model.CapSocialRender))
				r.Get("/social/templates", handleSocialTemplates(deps.Templates))
				r.Post("/social/validate", handleSocialValidate(deps.Templates, deps.Renderer))
				r.Post("/social/render", handleSocialRender(deps.Templates, deps.Renderer))
			})
		}

		if deps.Backend != nil {
			r.Group(func(r chi.Router) {
				r.Use(RequireCapability(model.CapBackendRead))
				r.Get("/products", handleProducts(deps.Backend))
				r.Get("/orders", handleOrders(deps.Backend, now))
				r.Get("/calendar", handleCalendar(deps.Backend, now))
				r.Get("/dashboard", handleDashboard(deps.Backend, now))
			})
		}
	})

	return r
}
