package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/api/middleware"
	"github.com/angelmondragon/vehiclehealth-backend/api/validators"
	"github.com/angelmondragon/vehiclehealth-backend/internal/diagnostics"
	"github.com/angelmondragon/vehiclehealth-backend/internal/maintenance"
	"github.com/angelmondragon/vehiclehealth-backend/internal/records"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
)

// DiagnosticsService is the facade the HTTP layer drives.
type DiagnosticsService interface {
	Capture(ctx context.Context, input diagnostics.CaptureInput) (diagnostics.View, error)
	Get(ctx context.Context, ownerID, id uuid.UUID) (diagnostics.View, error)
	ListForVehicle(ctx context.Context, ownerID, vehicleID uuid.UUID, limit int) ([]diagnostics.View, error)
	GrantConsent(ctx context.Context, ownerID, id uuid.UUID) (diagnostics.View, error)
	Subscribe(ctx context.Context, ownerID uuid.UUID, vehicleID *uuid.UUID) (<-chan records.Change, func())
	RecordMaintenance(ctx context.Context, ownerID, vehicleID uuid.UUID, input maintenance.EventInput) (*models.MaintenanceEvent, error)
	ListMaintenance(ctx context.Context, ownerID, vehicleID uuid.UUID) ([]models.MaintenanceEvent, error)
}

func ownerFrom(r *http.Request) (uuid.UUID, error) {
	ownerID, ok := middleware.OwnerIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "owner context missing")
	}
	return ownerID, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	return validators.ParseUUID(chi.URLParam(r, name), name)
}

func serviceUnavailable(name string) error {
	return pkgerrors.New(pkgerrors.CodeDependency, name+" unavailable")
}
