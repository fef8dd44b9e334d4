package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

// RemoteDiagnostic is the row shape of the remote structured store.
// UpdatedAt is written by the uploader, never by the database. ServerSeq is
// assigned by the store on every accepted write and orders the pull feed.
type RemoteDiagnostic struct {
	ID           uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	OwnerID      uuid.UUID            `gorm:"column:owner_id;type:uuid;not null"`
	VehicleID    uuid.UUID            `gorm:"column:vehicle_id;type:uuid;not null"`
	Modality     enums.Modality       `gorm:"column:modality;not null"`
	CapturedAt   time.Time            `gorm:"column:captured_at;not null"`
	UpdatedAt    time.Time            `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	ExpiresAt    time.Time            `gorm:"column:expires_at;not null"`
	Mileage      *int                 `gorm:"column:mileage"`
	RawAnalysis  types.AnalysisResult `gorm:"column:raw_analysis;type:jsonb;serializer:json;not null"`
	Score        types.ScoreResult    `gorm:"column:score;type:jsonb;serializer:json;not null"`
	ConsentGiven bool                 `gorm:"column:consent_given;not null"`
	MediaObject  string               `gorm:"column:media_object;not null;default:''"`
	MediaURL     string               `gorm:"column:media_url;not null;default:''"`
	MediaHash    string               `gorm:"column:media_hash;not null;default:''"`
	MediaMime    string               `gorm:"column:media_mime;not null;default:''"`
	MediaSize    int64                `gorm:"column:media_size;not null;default:0"`
	ServerSeq    int64                `gorm:"column:server_seq;->;not null;default:0"`
}

func (RemoteDiagnostic) TableName() string { return "remote_diagnostics" }
