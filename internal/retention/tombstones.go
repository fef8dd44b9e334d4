package retention

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/vehiclehealth-backend/internal/media"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
)

// Tombstones persists pending remote deletions for swept records.
type Tombstones struct {
	db *db.Client
}

// NewTombstones builds the tombstone repository.
func NewTombstones(db *db.Client) *Tombstones {
	return &Tombstones{db: db}
}

// InsertWithTx records a pending remote deletion inside tx. Re-sweeping the
// same id keeps the original request.
func (r *Tombstones) InsertWithTx(tx *gorm.DB, row *models.RemoteDeletion) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

// Enqueue records a remote deletion outside a sweep, e.g. for a record that
// was retired while its upload was in flight.
func (r *Tombstones) Enqueue(ctx context.Context, row models.RemoteDeletion) error {
	return r.InsertWithTx(r.db.DB().WithContext(ctx), &row)
}

// ListDue returns tombstones oldest first.
func (r *Tombstones) ListDue(ctx context.Context, limit int) ([]models.RemoteDeletion, error) {
	var rows []models.RemoteDeletion
	err := r.db.DB().WithContext(ctx).
		Order("requested_at").
		Order("record_id").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Resolve drops the tombstone once the remote side confirmed the deletion.
func (r *Tombstones) Resolve(ctx context.Context, recordID uuid.UUID) error {
	return r.db.DB().WithContext(ctx).Where("record_id = ?", recordID).Delete(&models.RemoteDeletion{}).Error
}

// MarkFailed bumps the attempt counter and stores the last error.
func (r *Tombstones) MarkFailed(ctx context.Context, recordID uuid.UUID, cause string) error {
	return r.db.DB().WithContext(ctx).
		Model(&models.RemoteDeletion{}).
		Where("record_id = ?", recordID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause,
		}).Error
}

// Count reports outstanding tombstones.
func (r *Tombstones) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.DB().WithContext(ctx).Model(&models.RemoteDeletion{}).Count(&n).Error
	return n, err
}

func tombstoneFor(rec *models.DiagnosticRecord, mediaPrefix string, at time.Time) *models.RemoteDeletion {
	object := rec.Media.RemoteObject
	if object == "" && rec.Media.HasLocalFile() && rec.ConsentGiven {
		object = media.ObjectKey(mediaPrefix, rec.OwnerID, rec.ID)
	}
	return &models.RemoteDeletion{
		RecordID:     rec.ID,
		OwnerID:      rec.OwnerID,
		RemoteObject: object,
		RequestedAt:  at,
	}
}
