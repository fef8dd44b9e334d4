package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

// DiagnosticRecord is the local source of truth for one captured diagnostic.
type DiagnosticRecord struct {
	ID              uuid.UUID            `gorm:"column:id;primaryKey"`
	OwnerID         uuid.UUID            `gorm:"column:owner_id;not null"`
	VehicleID       uuid.UUID            `gorm:"column:vehicle_id;not null"`
	Modality        enums.Modality       `gorm:"column:modality;not null"`
	CapturedAt      time.Time            `gorm:"column:captured_at;not null"`
	LocalModifiedAt time.Time            `gorm:"column:local_modified_at;not null"`
	Mileage         *int                 `gorm:"column:mileage"`
	RawAnalysis     types.AnalysisResult `gorm:"column:raw_analysis;serializer:json;not null"`
	Score           types.ScoreResult    `gorm:"column:score;serializer:json;not null"`
	FinalScore      int                  `gorm:"column:final_score;not null"`
	Urgency         enums.Urgency        `gorm:"column:urgency;not null"`
	Media           types.MediaRef       `gorm:"column:media;serializer:json;not null"`
	ConsentGiven    bool                 `gorm:"column:consent_given;not null;default:false"`
	SyncState       enums.SyncState      `gorm:"column:sync_state;not null"`
	SyncAttempts    int                  `gorm:"column:sync_attempts;not null;default:0"`
	NextAttemptAt   *time.Time           `gorm:"column:next_attempt_at"`
	LastSyncError   *string              `gorm:"column:last_sync_error"`
	SyncedAt        *time.Time           `gorm:"column:synced_at"`
	EverSynced      bool                 `gorm:"column:ever_synced;not null;default:false"`
	ExpiresAt       time.Time            `gorm:"column:expires_at;not null"`
	CreatedAt       time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (DiagnosticRecord) TableName() string { return "diagnostic_records" }

// PendingSync reports whether the record still has work for the uploader.
func (r DiagnosticRecord) PendingSync() bool {
	return r.SyncState.Uploadable()
}

// Expired reports whether the retention window has elapsed at now.
func (r DiagnosticRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
