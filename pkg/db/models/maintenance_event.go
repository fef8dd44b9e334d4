package models

import (
	"time"

	"github.com/google/uuid"
)

// MaintenanceEvent is one service ledger entry for a vehicle.
type MaintenanceEvent struct {
	ID               uuid.UUID `gorm:"column:id;primaryKey"`
	OwnerID          uuid.UUID `gorm:"column:owner_id;not null"`
	VehicleID        uuid.UUID `gorm:"column:vehicle_id;not null"`
	ServiceType      string    `gorm:"column:service_type;not null"`
	ServiceDate      time.Time `gorm:"column:service_date;not null"`
	MileageAtService int       `gorm:"column:mileage_at_service;not null"`
	Notes            *string   `gorm:"column:notes"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (MaintenanceEvent) TableName() string { return "maintenance_events" }
