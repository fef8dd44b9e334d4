package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

type ledgerRepository interface {
	Create(ctx context.Context, event *models.MaintenanceEvent) (*models.MaintenanceEvent, error)
	ListForVehicle(ctx context.Context, ownerID, vehicleID uuid.UUID, asOf time.Time) ([]models.MaintenanceEvent, error)
}

// MileageSource yields odometer readings from prior diagnostics.
type MileageSource interface {
	MileageReadings(ctx context.Context, ownerID, vehicleID uuid.UUID) ([]types.MileageReading, error)
}

// EventInput is one service event to append to the ledger.
type EventInput struct {
	ServiceType      string    `json:"service_type" validate:"required,max=64"`
	ServiceDate      time.Time `json:"service_date" validate:"required"`
	MileageAtService int       `json:"mileage_at_service" validate:"gte=0"`
	Notes            *string   `json:"notes,omitempty" validate:"omitempty,max=1024"`
}

// Ledger is the read-mostly maintenance history used by scoring.
type Ledger struct {
	repo     ledgerRepository
	mileage  MileageSource
	validate *validator.Validate
	now      func() time.Time
}

// NewLedger builds a ledger. mileage may be nil when prior diagnostics should
// not contribute to the mileage trend.
func NewLedger(repo ledgerRepository, mileage MileageSource, now func() time.Time) (*Ledger, error) {
	if repo == nil {
		return nil, fmt.Errorf("maintenance repository required")
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{repo: repo, mileage: mileage, validate: validator.New(), now: now}, nil
}

// Record appends a service event for a vehicle.
func (l *Ledger) Record(ctx context.Context, ownerID, vehicleID uuid.UUID, input EventInput) (*models.MaintenanceEvent, error) {
	if ownerID == uuid.Nil || vehicleID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner and vehicle required")
	}
	input.ServiceType = strings.ToLower(strings.TrimSpace(input.ServiceType))
	if err := l.validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid maintenance event")
	}
	serviceDate := input.ServiceDate.UTC().Truncate(time.Microsecond)
	if serviceDate.After(l.now().UTC()) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "service_date cannot be in the future")
	}

	event := &models.MaintenanceEvent{
		ID:               uuid.New(),
		OwnerID:          ownerID,
		VehicleID:        vehicleID,
		ServiceType:      input.ServiceType,
		ServiceDate:      serviceDate,
		MileageAtService: input.MileageAtService,
		Notes:            input.Notes,
	}
	created, err := l.repo.Create(ctx, event)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist maintenance event")
	}
	return created, nil
}

// List returns the full ledger for a vehicle, oldest first.
func (l *Ledger) List(ctx context.Context, ownerID, vehicleID uuid.UUID) ([]models.MaintenanceEvent, error) {
	events, err := l.repo.ListForVehicle(ctx, ownerID, vehicleID, time.Time{})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list maintenance events")
	}
	return events, nil
}

// BuildContext assembles the scoring input for a capture at asOf: ledger
// events up to asOf and a mileage history merged from the ledger and prior
// diagnostics, ordered by time.
func (l *Ledger) BuildContext(ctx context.Context, ownerID, vehicleID uuid.UUID, asOf time.Time) (types.MaintenanceContext, error) {
	mctx := types.MaintenanceContext{AsOf: asOf.UTC()}

	events, err := l.repo.ListForVehicle(ctx, ownerID, vehicleID, asOf)
	if err != nil {
		return mctx, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load maintenance ledger")
	}
	for _, ev := range events {
		mctx.Events = append(mctx.Events, types.MaintenanceEvent{
			Type:             ev.ServiceType,
			Date:             ev.ServiceDate,
			MileageAtService: ev.MileageAtService,
		})
		mctx.MileageHistory = append(mctx.MileageHistory, types.MileageReading{
			RecordedAt: ev.ServiceDate,
			Mileage:    ev.MileageAtService,
		})
	}

	if l.mileage != nil {
		readings, err := l.mileage.MileageReadings(ctx, ownerID, vehicleID)
		if err != nil {
			return mctx, err
		}
		for _, reading := range readings {
			if reading.RecordedAt.After(asOf) {
				continue
			}
			mctx.MileageHistory = append(mctx.MileageHistory, reading)
		}
	}

	sort.SliceStable(mctx.MileageHistory, func(i, j int) bool {
		return mctx.MileageHistory[i].RecordedAt.Before(mctx.MileageHistory[j].RecordedAt)
	})
	return mctx, nil
}
