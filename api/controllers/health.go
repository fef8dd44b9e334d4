package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/vehiclehealth-backend/api/responses"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/config"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

const readyCheckTimeout = 2 * time.Second

const envHeader = "X-VehicleHealth-Env"

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady fails only when the local store is unreachable. The remote
// store is reported but never gates readiness since captures work offline.
func HealthReady(cfg *config.Config, logg *logger.Logger, local db.Pinger, remote db.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()

		checks := map[string]string{"local_store": "ok"}
		status := http.StatusOK
		if err := local.Ping(ctx); err != nil {
			logg.WarnErr(ctx, "local store ping failed", err)
			checks["local_store"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
		if remote == nil {
			checks["remote_store"] = "disabled"
		} else if err := remote.Ping(ctx); err != nil {
			logg.WarnErr(ctx, "remote store ping failed", err)
			checks["remote_store"] = "unavailable"
		} else {
			checks["remote_store"] = "ok"
		}

		payload := map[string]any{"status": "ready", "checks": checks}
		if status != http.StatusOK {
			payload["status"] = "not_ready"
		}
		responses.WriteSuccessStatus(w, status, payload)
	}
}
