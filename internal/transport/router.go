package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// TableCatalog lists the mounted table definitions.
type TableCatalog interface {
	AllTables() []model.TableDefinition
	GetTable(tableID string) (model.TableDefinition, bool)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Tables       *table.Manager
	Catalog      TableCatalog

	// Metrics is optional; when nil request metrics are not recorded.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
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

	r.Use(Recovery(logger))
	r.Use(middleware.RealIP)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/api/tables", func(r chi.Router) {
			r.Get("/", handleListTables(deps.Catalog))
			r.Route("/{tableId}", func(r chi.Router) {
				r.Get("/", handleDescribeTable(deps.Catalog))
				r.Get("/view", handleView(deps.Tables))
				r.Delete("/session", handleReleaseSession(deps.Tables))

				r.Post("/load", handleLoad(deps.Tables))
				r.Post("/sort", handleSort(deps.Tables))
				r.Post("/page", handlePage(deps.Tables))
				r.Post("/page-size", handlePageSize(deps.Tables))
				r.Post("/filters", handleFilters(deps.Tables))
				r.Delete("/notices/{noticeId}", handleDismissNotice(deps.Tables))

				r.Post("/drag/start", handleDragStart(deps.Tables))
				r.Post("/drag/move", handleDragMove(deps.Tables))
				r.Post("/drag/over", handleDragOver(deps.Tables))
				r.Post("/drag/drop", handleDragDrop(deps.Tables))
				r.Post("/drag/cancel", handleDragCancel(deps.Tables))

				r.Post("/keyboard/pickup", handleKeyboardPickUp(deps.Tables))
				r.Post("/keyboard/move", handleKeyboardMove(deps.Tables))
				r.Post("/keyboard/drop", handleKeyboardDrop(deps.Tables))
			})
		})
	})

	return r
}
