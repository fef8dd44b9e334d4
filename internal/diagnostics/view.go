package diagnostics

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

// MediaView is the client-facing part of a media reference. Local paths are
// never exposed.
type MediaView struct {
	ContentHash string `json:"content_hash,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	RemoteURL   string `json:"remote_url,omitempty"`
}

// View is a diagnostic as shown to the owner.
type View struct {
	ID              uuid.UUID            `json:"id"`
	OwnerID         uuid.UUID            `json:"owner_id"`
	VehicleID       uuid.UUID            `json:"vehicle_id"`
	Modality        enums.Modality       `json:"modality"`
	CapturedAt      time.Time            `json:"captured_at"`
	LocalModifiedAt time.Time            `json:"local_modified_at"`
	ExpiresAt       time.Time            `json:"expires_at"`
	Mileage         *int                 `json:"mileage,omitempty"`
	Analysis        types.AnalysisResult `json:"analysis"`
	Score           types.ScoreResult    `json:"score"`
	Media           *MediaView           `json:"media,omitempty"`
	ConsentGiven    bool                 `json:"consent_given"`
	SyncState       enums.SyncState      `json:"sync_state"`
	PendingSync     bool                 `json:"pending_sync"`
	SyncedAt        *time.Time           `json:"synced_at,omitempty"`
	LastSyncError   *string              `json:"last_sync_error,omitempty"`
}

// NewView projects a stored record.
func NewView(rec *models.DiagnosticRecord) View {
	v := View{
		ID:              rec.ID,
		OwnerID:         rec.OwnerID,
		VehicleID:       rec.VehicleID,
		Modality:        rec.Modality,
		CapturedAt:      rec.CapturedAt,
		LocalModifiedAt: rec.LocalModifiedAt,
		ExpiresAt:       rec.ExpiresAt,
		Mileage:         rec.Mileage,
		Analysis:        rec.RawAnalysis,
		Score:           rec.Score,
		ConsentGiven:    rec.ConsentGiven,
		SyncState:       rec.SyncState,
		PendingSync:     rec.PendingSync(),
		SyncedAt:        rec.SyncedAt,
		LastSyncError:   rec.LastSyncError,
	}
	if rec.Media.ContentHash != "" || rec.Media.RemoteURL != "" {
		v.Media = &MediaView{
			ContentHash: rec.Media.ContentHash,
			MimeType:    rec.Media.MimeType,
			SizeBytes:   rec.Media.SizeBytes,
			RemoteURL:   rec.Media.RemoteURL,
		}
	}
	return v
}
