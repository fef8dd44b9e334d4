package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/api/responses"
	"github.com/angelmondragon/vehiclehealth-backend/api/validators"
	"github.com/angelmondragon/vehiclehealth-backend/internal/maintenance"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

type maintenanceView struct {
	ID               uuid.UUID `json:"id"`
	VehicleID        uuid.UUID `json:"vehicle_id"`
	ServiceType      string    `json:"service_type"`
	ServiceDate      time.Time `json:"service_date"`
	MileageAtService int       `json:"mileage_at_service"`
	Notes            *string   `json:"notes,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func newMaintenanceView(e *models.MaintenanceEvent) maintenanceView {
	return maintenanceView{
		ID:               e.ID,
		VehicleID:        e.VehicleID,
		ServiceType:      e.ServiceType,
		ServiceDate:      e.ServiceDate,
		MileageAtService: e.MileageAtService,
		Notes:            e.Notes,
		CreatedAt:        e.CreatedAt,
	}
}

// RecordMaintenance appends a service event to a vehicle's ledger.
func RecordMaintenance(svc DiagnosticsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("diagnostics service"))
			return
		}
		ownerID, err := ownerFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		vehicleID, err := uuidParam(r, "vehicleId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var input maintenance.EventInput
		if err := validators.DecodeJSONBody(r, &input); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		input.ServiceType = validators.SanitizeString(input.ServiceType, 64)

		event, err := svc.RecordMaintenance(r.Context(), ownerID, vehicleID, input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newMaintenanceView(event))
	}
}

// ListMaintenance returns a vehicle's service history.
func ListMaintenance(svc DiagnosticsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("diagnostics service"))
			return
		}
		ownerID, err := ownerFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		vehicleID, err := uuidParam(r, "vehicleId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		events, err := svc.ListMaintenance(r.Context(), ownerID, vehicleID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]maintenanceView, 0, len(events))
		for i := range events {
			out = append(out, newMaintenanceView(&events[i]))
		}
		responses.WriteSuccess(w, map[string]any{"events": out})
	}
}
