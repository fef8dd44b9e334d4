package maintenance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
)

// Repository exposes maintenance ledger persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a ledger repository bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create persists a service event.
func (r *Repository) Create(ctx context.Context, event *models.MaintenanceEvent) (*models.MaintenanceEvent, error) {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

// ListForVehicle returns service events dated on or before asOf, oldest first.
// A zero asOf returns the full ledger.
func (r *Repository) ListForVehicle(ctx context.Context, ownerID, vehicleID uuid.UUID, asOf time.Time) ([]models.MaintenanceEvent, error) {
	query := r.db.WithContext(ctx).Where("owner_id = ? AND vehicle_id = ?", ownerID, vehicleID)
	if !asOf.IsZero() {
		query = query.Where("service_date <= ?", asOf.UTC())
	}
	var events []models.MaintenanceEvent
	if err := query.Order("service_date").Order("id").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
