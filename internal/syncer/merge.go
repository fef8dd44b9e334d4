package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/internal/records"
	"github.com/angelmondragon/vehiclehealth-backend/internal/remote"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/metrics"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

// PullReport counts what one Pull did.
type PullReport struct {
	Seen    int
	Applied int
}

// Pull pages through remote rows for owner written after its checkpoint and
// merges each one. The cursor follows the remote store's write order, not
// the uploader's timestamps, so a device that uploads late is still seen.
// The checkpoint advances after every fully merged page; a local failure
// stops the pull so the page is seen again next time.
func (c *Coordinator) Pull(ctx context.Context, ownerID uuid.UUID) (PullReport, error) {
	var report PullReport
	ctx = c.logg.WithOwnerID(ctx, ownerID.String())

	cp, err := c.store.Checkpoint(ctx, ownerID)
	if err != nil {
		return report, err
	}
	var cursor remote.Cursor
	if cp != nil {
		cursor.Seq = cp.LastRemoteSeq
	}

	for {
		callCtx, cancel := context.WithTimeout(ctx, c.networkTimeout)
		rows, err := c.remote.ListSince(callCtx, ownerID, cursor, c.pullPageSize)
		cancel()
		if err != nil {
			return report, err
		}
		if len(rows) == 0 {
			return report, nil
		}
		var last models.RemoteDiagnostic
		for i := range rows {
			result, err := c.MergeRemote(ctx, rows[i])
			if err != nil {
				return report, fmt.Errorf("merge remote record %s: %w", rows[i].ID, err)
			}
			report.Seen++
			if result == metrics.MergeInserted || result == metrics.MergeOverwritten {
				report.Applied++
			}
			last = rows[i]
		}
		cursor = remote.Cursor{Seq: last.ServerSeq}
		lastID := last.ID
		if err := c.store.SaveCheckpoint(ctx, models.SyncCheckpoint{
			OwnerID:             ownerID,
			LastRemoteSeq:       last.ServerSeq,
			LastRemoteUpdatedAt: last.UpdatedAt,
			LastRemoteID:        &lastID,
		}); err != nil {
			return report, err
		}
		if len(rows) < c.pullPageSize {
			return report, nil
		}
	}
}

// MergeRemote reconciles one remote row with the local copy. The copy with
// the later modification time wins wholesale; equal times change nothing.
// Merging the same row twice leaves the store as merging it once.
func (c *Coordinator) MergeRemote(ctx context.Context, row models.RemoteDiagnostic) (string, error) {
	ctx = c.logg.WithRecordID(ctx, row.ID.String())
	now := c.clock()
	if !now.Before(row.ExpiresAt) || !row.ConsentGiven {
		c.metrics.IncMerge(metrics.MergeSkipped)
		return metrics.MergeSkipped, nil
	}
	remoteAt := records.Normalize(row.UpdatedAt)

	var (
		result      = metrics.MergeUnchanged
		staleMedia  types.MediaRef
		dropOldFile bool
	)
	_, _, err := c.store.ApplyRemote(ctx, row.ID, func(local *models.DiagnosticRecord) (records.RemoteDecision, error) {
		if local == nil {
			result = metrics.MergeInserted
			return records.RemoteDecision{Next: fromRemote(row, now)}, nil
		}
		if local.OwnerID != row.OwnerID || local.VehicleID != row.VehicleID {
			result = metrics.MergeSkipped
			return records.RemoteDecision{}, nil
		}
		switch {
		case remoteAt.After(local.LocalModifiedAt):
			next := fromRemote(row, now)
			next.CreatedAt = local.CreatedAt
			next.EverSynced = true
			if local.Media.HasLocalFile() {
				if local.Media.ContentHash == row.MediaHash {
					next.Media.LocalPath = local.Media.LocalPath
				} else {
					staleMedia = local.Media
					dropOldFile = true
				}
			}
			result = metrics.MergeOverwritten
			return records.RemoteDecision{Next: next}, nil
		case remoteAt.Equal(local.LocalModifiedAt):
			// Same version on both sides. An upload that landed remotely but
			// never committed locally is completed here.
			if local.SyncState.Uploadable() && local.ConsentGiven {
				next := *local
				next.SyncState = enums.SyncStateSynced
				next.SyncedAt = &now
				next.SyncAttempts = 0
				next.NextAttemptAt = nil
				next.LastSyncError = nil
				next.Media.RemoteObject = row.MediaObject
				next.Media.RemoteURL = row.MediaURL
				next.Media.UploadedHash = row.MediaHash
				return records.RemoteDecision{Next: &next}, nil
			}
			return records.RemoteDecision{}, nil
		default:
			result = metrics.MergeKeptLocal
			if local.ConsentGiven && local.SyncState != enums.SyncStatePendingUpload {
				next := *local
				next.SyncState = enums.SyncStatePendingUpload
				return records.RemoteDecision{Next: &next}, nil
			}
			return records.RemoteDecision{}, nil
		}
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeExpired) {
			c.logg.Warn(ctx, "remote row refers to a retired record, skipping")
			c.metrics.IncMerge(metrics.MergeSkipped)
			return metrics.MergeSkipped, nil
		}
		return "", err
	}
	if result == metrics.MergeSkipped {
		c.logg.Warn(ctx, "remote row does not match local owner, skipping")
	}
	if dropOldFile {
		if err := c.media.Delete(staleMedia); err != nil {
			c.logg.WarnErr(ctx, "remove superseded local media", err)
		}
	}
	if result == metrics.MergeKeptLocal {
		c.signal()
	}
	c.metrics.IncMerge(result)
	return result, nil
}

func fromRemote(row models.RemoteDiagnostic, now time.Time) *models.DiagnosticRecord {
	synced := now
	rec := &models.DiagnosticRecord{
		ID:              row.ID,
		OwnerID:         row.OwnerID,
		VehicleID:       row.VehicleID,
		Modality:        row.Modality,
		CapturedAt:      row.CapturedAt,
		LocalModifiedAt: row.UpdatedAt,
		RawAnalysis:     row.RawAnalysis,
		Score:           row.Score.Clone(),
		Media: types.MediaRef{
			ContentHash:  row.MediaHash,
			MimeType:     row.MediaMime,
			SizeBytes:    row.MediaSize,
			RemoteObject: row.MediaObject,
			RemoteURL:    row.MediaURL,
			UploadedHash: row.MediaHash,
		},
		ConsentGiven: row.ConsentGiven,
		SyncState:    enums.SyncStateSynced,
		SyncedAt:     &synced,
		EverSynced:   true,
		ExpiresAt:    row.ExpiresAt,
	}
	if row.Mileage != nil {
		m := *row.Mileage
		rec.Mileage = &m
	}
	return rec
}
