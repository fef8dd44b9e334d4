package controllers

import (
	"net/http"

	"github.com/angelmondragon/vehiclehealth-backend/api/responses"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

// SyncTrigger starts an immediate sync cycle.
type SyncTrigger interface {
	Trigger()
}

// TriggerSync signals that the network is available. The cycle runs in the
// background; the response only acknowledges the signal.
func TriggerSync(trigger SyncTrigger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if trigger == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("remote sync"))
			return
		}
		trigger.Trigger()
		logg.Info(r.Context(), "sync triggered")
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
	}
}
