package syncer

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/vehiclehealth-backend/internal/media"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/metrics"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

// Outcome is the result of a single UploadRecord call.
type Outcome string

const (
	OutcomeSynced  Outcome = "synced"
	OutcomeFailed  Outcome = "failed"
	OutcomeStale   Outcome = "stale"
	OutcomeSkipped Outcome = "skipped"
)

const mediaContentType = "application/zstd"

// UploadRecord pushes one record to the remote stores, retrying transient
// failures with backoff. Success marks it Synced; exhausting the attempt
// budget marks it SyncFailed with a deferred next attempt. A record already
// being uploaded by any coordinator sharing the local store is skipped.
func (c *Coordinator) UploadRecord(ctx context.Context, id uuid.UUID) (Outcome, error) {
	ctx = c.logg.WithRecordID(ctx, id.String())
	claimed, err := c.claim(ctx, id)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !claimed {
		c.logg.Debug(ctx, "record upload held by another worker")
		return OutcomeSkipped, nil
	}
	defer c.release(ctx, id)

	rec, err := c.store.Get(ctx, id)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}
	if rec.Expired(c.clock()) {
		return OutcomeSkipped, nil
	}
	if !rec.ConsentGiven {
		return OutcomeSkipped, pkgerrors.New(pkgerrors.CodeConsentViolation, "record without consent cannot be uploaded")
	}
	if !rec.SyncState.Uploadable() {
		return OutcomeSkipped, nil
	}
	if rec.SyncState == enums.SyncStateSyncFailed {
		rec, err = c.store.Transition(ctx, id, func(r *models.DiagnosticRecord) error {
			r.SyncState = enums.SyncStatePendingUpload
			return nil
		})
		if err != nil {
			return c.skipGone(err)
		}
	}

	ref := rec.Media
	var (
		lastErr  error
		attempts int
		backoff  time.Duration
	)
	for attempts < c.maxAttempts {
		attempts++
		var retry bool
		ref, retry, lastErr = c.pushOnce(ctx, rec, ref)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return OutcomeSkipped, ctx.Err()
		}
		if pkgerrors.IsCode(lastErr, pkgerrors.CodeConflict) {
			// The remote copy is newer; the pull leg merges it.
			c.metrics.IncUpload(metrics.UploadStale)
			c.logg.Info(ctx, "remote copy newer than local, deferring to merge")
			return OutcomeStale, nil
		}
		if !retry {
			break
		}
		if attempts < c.maxAttempts {
			c.metrics.IncUpload(metrics.UploadRetrying)
			c.logg.WarnErr(c.logg.WithField(ctx, "attempt", attempts), "upload attempt failed, retrying", lastErr)
			backoff = nextBackoff(backoff, c.baseBackoff, c.maxBackoff)
			if err := sleep(ctx, c.jitter(backoff)); err != nil {
				return OutcomeSkipped, err
			}
		}
	}

	if lastErr != nil {
		return c.markFailed(ctx, rec, ref, attempts, lastErr)
	}
	return c.markSynced(ctx, rec, ref)
}

// pushOnce runs one attempt. The returned ref carries the remote object once
// the media leg succeeds so a retry of the structured leg skips re-uploading.
func (c *Coordinator) pushOnce(ctx context.Context, rec *models.DiagnosticRecord, ref types.MediaRef) (types.MediaRef, bool, error) {
	if ref.HasLocalFile() && !ref.UploadCurrent() {
		data, err := c.media.Load(ref)
		if err != nil {
			return ref, false, err
		}
		payload := c.media.Compress(data)
		key := media.ObjectKey(c.mediaPrefix, rec.OwnerID, rec.ID)

		callCtx, cancel := context.WithTimeout(ctx, c.networkTimeout)
		obj, err := c.objects.Put(callCtx, key, mediaContentType, payload)
		cancel()
		if err != nil {
			return ref, pkgerrors.IsRetryable(err), err
		}
		if obj.MD5 != "" {
			sum := md5.Sum(payload)
			expected := base64.StdEncoding.EncodeToString(sum[:])
			if obj.MD5 != expected {
				c.metrics.IncUpload(metrics.UploadIntegrity)
				c.discardObject(ctx, key)
				return ref, true, pkgerrors.Integrity(expected, obj.MD5)
			}
		}
		ref.RemoteObject = obj.Key
		ref.RemoteURL = obj.URL
		ref.UploadedHash = ref.ContentHash
	}

	callCtx, cancel := context.WithTimeout(ctx, c.networkTimeout)
	defer cancel()
	if err := c.remote.Upsert(callCtx, toRemote(rec, ref)); err != nil {
		return ref, pkgerrors.IsRetryable(err), err
	}
	return ref, false, nil
}

func (c *Coordinator) discardObject(ctx context.Context, key string) {
	callCtx, cancel := context.WithTimeout(ctx, c.networkTimeout)
	defer cancel()
	if err := c.objects.Delete(callCtx, key); err != nil {
		c.logg.WarnErr(c.logg.WithField(ctx, "object", key), "discard corrupt media object", err)
	}
}

func (c *Coordinator) markSynced(ctx context.Context, snapshot *models.DiagnosticRecord, ref types.MediaRef) (Outcome, error) {
	committed := false
	_, err := c.store.Transition(ctx, snapshot.ID, func(r *models.DiagnosticRecord) error {
		// Edited while in flight; the newer content goes out next cycle.
		if !r.LocalModifiedAt.Equal(snapshot.LocalModifiedAt) || !r.SyncState.Uploadable() {
			return nil
		}
		now := c.clock()
		r.SyncState = enums.SyncStateSynced
		r.SyncedAt = &now
		r.SyncAttempts = 0
		r.NextAttemptAt = nil
		r.LastSyncError = nil
		r.Media.RemoteObject = ref.RemoteObject
		r.Media.RemoteURL = ref.RemoteURL
		r.Media.UploadedHash = ref.UploadedHash
		committed = true
		return nil
	})
	if err != nil {
		if gone(err) {
			c.retract(ctx, snapshot, ref)
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}
	if !committed {
		c.metrics.IncUpload(metrics.UploadStale)
		return OutcomeStale, nil
	}
	c.metrics.IncUpload(metrics.UploadSynced)
	c.logg.Info(ctx, "record synced")
	return OutcomeSynced, nil
}

func (c *Coordinator) markFailed(ctx context.Context, snapshot *models.DiagnosticRecord, ref types.MediaRef, attempts int, cause error) (Outcome, error) {
	_, err := c.store.Transition(ctx, snapshot.ID, func(r *models.DiagnosticRecord) error {
		if r.SyncState != enums.SyncStatePendingUpload {
			return nil
		}
		msg := cause.Error()
		next := c.clock().Add(c.retryDelay)
		r.SyncState = enums.SyncStateSyncFailed
		r.SyncAttempts += attempts
		r.LastSyncError = &msg
		r.NextAttemptAt = &next
		return nil
	})
	if err != nil {
		if gone(err) {
			// A media object may have landed before the structured leg failed.
			c.retract(ctx, snapshot, ref)
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}
	c.metrics.IncUpload(metrics.UploadFailed)
	c.logg.WarnErr(c.logg.WithField(ctx, "attempts", attempts), "upload failed", cause)
	return OutcomeFailed, nil
}

// skipGone treats a record that expired or vanished mid-upload as skipped.
func (c *Coordinator) skipGone(err error) (Outcome, error) {
	if gone(err) {
		return OutcomeSkipped, nil
	}
	return OutcomeSkipped, err
}

func gone(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeExpired) || pkgerrors.IsCode(err, pkgerrors.CodeNotFound)
}

// retract removes what an upload pushed for a record that expired or was
// swept while the upload was in flight. The sweeper may already have
// flushed its tombstone, so nothing else would delete these copies. When the
// cleanup fails it is queued as a remote deletion.
func (c *Coordinator) retract(ctx context.Context, snapshot *models.DiagnosticRecord, ref types.MediaRef) {
	ctx = context.WithoutCancel(ctx)
	object := ref.RemoteObject
	if object == "" && ref.HasLocalFile() {
		object = media.ObjectKey(c.mediaPrefix, snapshot.OwnerID, snapshot.ID)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.networkTimeout)
	defer cancel()
	var errs error
	if object != "" {
		errs = multierr.Append(errs, c.objects.Delete(callCtx, object))
	}
	errs = multierr.Append(errs, c.remote.Delete(callCtx, snapshot.ID))
	if errs == nil {
		c.metrics.IncUpload(metrics.UploadRetracted)
		c.logg.Info(ctx, "retracted upload of retired record")
		return
	}

	c.logg.Error(ctx, "retract upload of retired record", errs)
	if c.retirements == nil {
		return
	}
	err := c.retirements.Enqueue(ctx, models.RemoteDeletion{
		RecordID:     snapshot.ID,
		OwnerID:      snapshot.OwnerID,
		RemoteObject: object,
		RequestedAt:  c.clock(),
	})
	if err != nil {
		c.logg.Error(ctx, "queue remote deletion for retired record", err)
	}
}

func toRemote(rec *models.DiagnosticRecord, ref types.MediaRef) models.RemoteDiagnostic {
	row := models.RemoteDiagnostic{
		ID:           rec.ID,
		OwnerID:      rec.OwnerID,
		VehicleID:    rec.VehicleID,
		Modality:     rec.Modality,
		CapturedAt:   rec.CapturedAt,
		UpdatedAt:    rec.LocalModifiedAt,
		ExpiresAt:    rec.ExpiresAt,
		RawAnalysis:  rec.RawAnalysis,
		Score:        rec.Score,
		ConsentGiven: rec.ConsentGiven,
		MediaObject:  ref.RemoteObject,
		MediaURL:     ref.RemoteURL,
		MediaHash:    ref.ContentHash,
		MediaMime:    ref.MimeType,
		MediaSize:    ref.SizeBytes,
	}
	if rec.Mileage != nil {
		m := *rec.Mileage
		row.Mileage = &m
	}
	return row
}
