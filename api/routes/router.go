package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/vehiclehealth-backend/api/controllers"
	"github.com/angelmondragon/vehiclehealth-backend/api/middleware"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/config"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

// RouterParams wire the HTTP surface. RemoteDB and Sync are nil when remote
// sync is disabled; Gatherer defaults to the prometheus default registry.
type RouterParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	LocalDB     db.Pinger
	RemoteDB    db.Pinger
	Diagnostics controllers.DiagnosticsService
	Sync        controllers.SyncTrigger
	Gatherer    prometheus.Gatherer
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, params.LocalDB, params.RemoteDB))
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Owner(logg))

		r.Route("/vehicles/{vehicleId}", func(r chi.Router) {
			r.Post("/diagnostics", controllers.CaptureDiagnostic(params.Diagnostics, cfg.Media.MaxBytes(), logg))
			r.Get("/diagnostics", controllers.ListVehicleDiagnostics(params.Diagnostics, logg))
			r.Get("/diagnostics/stream", controllers.StreamDiagnostics(params.Diagnostics, logg))
			r.Post("/maintenance", controllers.RecordMaintenance(params.Diagnostics, logg))
			r.Get("/maintenance", controllers.ListMaintenance(params.Diagnostics, logg))
		})

		r.Get("/diagnostics/stream", controllers.StreamDiagnostics(params.Diagnostics, logg))
		r.Get("/diagnostics/{diagnosticId}", controllers.GetDiagnostic(params.Diagnostics, logg))
		r.Post("/diagnostics/{diagnosticId}/consent", controllers.GrantDiagnosticConsent(params.Diagnostics, logg))

		r.Post("/sync/trigger", controllers.TriggerSync(params.Sync, logg))
	})

	return r
}
