package records

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/db"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

const defaultListLimit = 100

// StoreParams configure the record store.
type StoreParams struct {
	DB               *db.Client
	Logger           *logger.Logger
	Now              func() time.Time
	SubscriberBuffer int
}

// Store is the durable local source of truth for diagnostic records. Writes
// to one id are serialised by a per-record lock taken before the transaction.
type Store struct {
	db    *db.Client
	logg  *logger.Logger
	now   func() time.Time
	locks *keyedMutex
	hub   *hub
}

// NewStore builds a record store over the local database.
func NewStore(params StoreParams) (*Store, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:    params.DB,
		logg:  params.Logger,
		now:   now,
		locks: newKeyedMutex(),
		hub:   newHub(params.SubscriberBuffer),
	}, nil
}

// Normalize pins timestamps to UTC microseconds so they survive storage round
// trips on both SQLite and Postgres unchanged.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

func (s *Store) clock() time.Time {
	return Normalize(s.now())
}

// nextModifiedAt keeps localModifiedAt strictly increasing per record even
// when the wall clock stalls or steps back.
func (s *Store) nextModifiedAt(prev time.Time) time.Time {
	next := s.clock()
	if !next.After(prev) {
		next = prev.Add(time.Microsecond)
	}
	return next
}

// Lock exposes the per-record lock for callers that must sequence work
// around a record without holding a transaction.
func (s *Store) Lock(id uuid.UUID) func() {
	return s.locks.Lock(id)
}

// Create persists a new record. The row is durable when Create returns.
func (s *Store) Create(ctx context.Context, rec *models.DiagnosticRecord) error {
	if rec == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "record required")
	}
	if rec.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "record id required")
	}
	rec.CapturedAt = Normalize(rec.CapturedAt)
	rec.ExpiresAt = Normalize(rec.ExpiresAt)
	if rec.LocalModifiedAt.IsZero() {
		rec.LocalModifiedAt = s.clock()
	}
	rec.LocalModifiedAt = Normalize(rec.LocalModifiedAt)
	if rec.SyncState == "" {
		rec.SyncState = enums.SyncStateLocal
	}
	syncDerivedColumns(rec)
	if err := checkInvariants(rec); err != nil {
		return err
	}

	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var tombstones int64
		if err := tx.Model(&models.RemoteDeletion{}).Where("record_id = ?", rec.ID).Count(&tombstones).Error; err != nil {
			return err
		}
		if tombstones > 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "record id was already retired")
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "record id already exists")
		}
		if pkgerrors.As(err) != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create record")
	}

	s.publish(ctx, Change{Kind: enums.ChangeCreated, RecordID: rec.ID, OwnerID: rec.OwnerID, VehicleID: rec.VehicleID, Record: rec})
	return nil
}

// Get loads one record.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.DiagnosticRecord, error) {
	var rec models.DiagnosticRecord
	if err := s.db.DB().WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "load record")
	}
	return &rec, nil
}

// Update applies a content mutation. localModifiedAt advances.
func (s *Store) Update(ctx context.Context, id uuid.UUID, fn func(rec *models.DiagnosticRecord) error) (*models.DiagnosticRecord, error) {
	return s.mutate(ctx, id, true, fn)
}

// Transition applies sync bookkeeping (state, attempts, remote refs) without
// advancing localModifiedAt.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, fn func(rec *models.DiagnosticRecord) error) (*models.DiagnosticRecord, error) {
	return s.mutate(ctx, id, false, fn)
}

func (s *Store) mutate(ctx context.Context, id uuid.UUID, content bool, fn func(rec *models.DiagnosticRecord) error) (*models.DiagnosticRecord, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var updated models.DiagnosticRecord
	changed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var current models.DiagnosticRecord
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			return notFoundOr(err, "load record")
		}
		if current.Expired(s.clock()) || current.SyncState == enums.SyncStateExpired {
			return pkgerrors.New(pkgerrors.CodeExpired, "record expired").WithDetails(map[string]any{
				"record_id":  id.String(),
				"expires_at": current.ExpiresAt,
			})
		}

		before := current
		before.Score = current.Score.Clone()
		next := current
		next.Score = current.Score.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		if err := checkImmutable(&before, &next); err != nil {
			return err
		}
		if !before.SyncState.CanTransition(next.SyncState) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "sync state transition disallowed").WithDetails(map[string]any{
				"from": before.SyncState,
				"to":   next.SyncState,
			})
		}
		next.LocalModifiedAt = before.LocalModifiedAt
		normalizeSyncTimes(&next)
		syncDerivedColumns(&next)
		if err := checkInvariants(&next); err != nil {
			return err
		}
		if reflect.DeepEqual(before, next) {
			updated = next
			return nil
		}
		if content {
			next.LocalModifiedAt = s.nextModifiedAt(before.LocalModifiedAt)
		}
		if err := tx.Save(&next).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save record")
		}
		changed = true
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, Change{Kind: enums.ChangeUpdated, RecordID: updated.ID, OwnerID: updated.OwnerID, VehicleID: updated.VehicleID, Record: &updated})
	}
	return &updated, nil
}

// RemoteDecision is what a merge callback returns for one remote copy.
type RemoteDecision struct {
	// Next replaces (or creates) the local row when non-nil.
	Next *models.DiagnosticRecord
}

// ApplyRemote runs resolve under the record lock with the current local copy
// (nil when absent) and persists its decision. Ids that were retired by the
// retention sweeper are never recreated.
func (s *Store) ApplyRemote(ctx context.Context, id uuid.UUID, resolve func(local *models.DiagnosticRecord) (RemoteDecision, error)) (*models.DiagnosticRecord, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var (
		result  *models.DiagnosticRecord
		created bool
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var tombstones int64
		if err := tx.Model(&models.RemoteDeletion{}).Where("record_id = ?", id).Count(&tombstones).Error; err != nil {
			return err
		}
		if tombstones > 0 {
			return pkgerrors.New(pkgerrors.CodeExpired, "record was retired by retention")
		}

		var local *models.DiagnosticRecord
		var current models.DiagnosticRecord
		err := tx.First(&current, "id = ?", id).Error
		switch {
		case err == nil:
			if current.Expired(s.clock()) || current.SyncState == enums.SyncStateExpired {
				return pkgerrors.New(pkgerrors.CodeExpired, "record expired")
			}
			local = &current
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		var snapshot *models.DiagnosticRecord
		if local != nil {
			copied := *local
			copied.Score = local.Score.Clone()
			snapshot = &copied
		}
		decision, err := resolve(snapshot)
		if err != nil {
			return err
		}
		if decision.Next == nil {
			return nil
		}

		next := decision.Next
		if next.ID != id {
			return pkgerrors.New(pkgerrors.CodeValidation, "remote decision changed record id")
		}
		next.CapturedAt = Normalize(next.CapturedAt)
		next.ExpiresAt = Normalize(next.ExpiresAt)
		next.LocalModifiedAt = Normalize(next.LocalModifiedAt)
		normalizeSyncTimes(next)
		syncDerivedColumns(next)
		if err := checkInvariants(next); err != nil {
			return err
		}
		if local == nil {
			if err := tx.Create(next).Error; err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert remote record")
			}
			created = true
		} else {
			if !local.SyncState.CanTransition(next.SyncState) {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "sync state transition disallowed")
			}
			next.CreatedAt = local.CreatedAt
			if err := tx.Save(next).Error; err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "overwrite record")
			}
		}
		result = next
		return nil
	})
	if err != nil {
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "apply remote record")
		}
		return nil, false, err
	}
	if result != nil {
		kind := enums.ChangeUpdated
		if created {
			kind = enums.ChangeCreated
		}
		s.publish(ctx, Change{Kind: kind, RecordID: result.ID, OwnerID: result.OwnerID, VehicleID: result.VehicleID, Record: result})
	}
	return result, created, nil
}

// Delete removes a record under its lock. beforeDelete runs in the same
// transaction and may write related rows (tombstones); returning an error
// keeps the record.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, beforeDelete func(tx *gorm.DB, rec *models.DiagnosticRecord) error) (*models.DiagnosticRecord, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var deleted models.DiagnosticRecord
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&deleted, "id = ?", id).Error; err != nil {
			return notFoundOr(err, "load record")
		}
		if beforeDelete != nil {
			if err := beforeDelete(tx, &deleted); err != nil {
				return err
			}
		}
		if err := tx.Where("record_id = ?", id).Delete(&models.UploadLease{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.DiagnosticRecord{}).Error
	})
	if err != nil {
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "delete record")
		}
		return nil, err
	}
	s.publish(ctx, Change{Kind: enums.ChangeDeleted, RecordID: deleted.ID, OwnerID: deleted.OwnerID, VehicleID: deleted.VehicleID})
	return &deleted, nil
}

// ClaimUpload takes the upload lease for id on behalf of holder until ttl
// from now. It reports false while another holder's lease is live, so every
// process sharing this store uploads a given record at most once at a time.
func (s *Store) ClaimUpload(ctx context.Context, id uuid.UUID, holder string, ttl time.Duration) (bool, error) {
	if holder == "" || ttl <= 0 {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "lease holder and ttl required")
	}
	now := s.clock()
	lease := models.UploadLease{RecordID: id, Holder: holder, ExpiresAt: now.Add(ttl)}
	res := s.db.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"holder", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "upload_leases.expires_at <= ?", Vars: []any{now}},
		}},
	}).Create(&lease)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "claim upload lease")
	}
	return res.RowsAffected == 1, nil
}

// ReleaseUpload drops holder's lease on id. Releasing a lease that was
// taken over or never held is a no-op.
func (s *Store) ReleaseUpload(ctx context.Context, id uuid.UUID, holder string) error {
	err := s.db.DB().WithContext(ctx).
		Where("record_id = ? AND holder = ?", id, holder).
		Delete(&models.UploadLease{}).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "release upload lease")
	}
	return nil
}

// ListByVehicle returns an owner's records for a vehicle, newest first.
func (s *Store) ListByVehicle(ctx context.Context, ownerID, vehicleID uuid.UUID, limit int) ([]models.DiagnosticRecord, error) {
	var out []models.DiagnosticRecord
	err := s.db.DB().WithContext(ctx).
		Where("owner_id = ? AND vehicle_id = ? AND expires_at > ?", ownerID, vehicleID, s.clock()).
		Order("captured_at DESC").
		Order("id").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list records")
	}
	return out, nil
}

// PendingQuery selects upload work.
type PendingQuery struct {
	OwnerID *uuid.UUID
	Limit   int
	// IncludeDeferred also returns SyncFailed records whose next attempt is
	// still in the future (manual trigger, network-available event).
	IncludeDeferred bool
}

// ListPendingUpload returns unexpired records awaiting upload, oldest change first.
func (s *Store) ListPendingUpload(ctx context.Context, q PendingQuery) ([]models.DiagnosticRecord, error) {
	now := s.clock()
	query := s.db.DB().WithContext(ctx).
		Where("consent_given = ?", true).
		Where("expires_at > ?", now)
	if q.OwnerID != nil {
		query = query.Where("owner_id = ?", *q.OwnerID)
	}
	if q.IncludeDeferred {
		query = query.Where("sync_state IN ?", []enums.SyncState{enums.SyncStatePendingUpload, enums.SyncStateSyncFailed})
	} else {
		query = query.Where(
			"sync_state = ? OR (sync_state = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))",
			enums.SyncStatePendingUpload, enums.SyncStateSyncFailed, now,
		)
	}

	var out []models.DiagnosticRecord
	if err := query.Order("local_modified_at").Order("id").Limit(normalizeLimit(q.Limit)).Find(&out).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list pending uploads")
	}
	return out, nil
}

// ListExpired returns records whose retention window has elapsed at now.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.DiagnosticRecord, error) {
	var out []models.DiagnosticRecord
	err := s.db.DB().WithContext(ctx).
		Where("expires_at <= ?", Normalize(now)).
		Order("expires_at").
		Order("id").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list expired records")
	}
	return out, nil
}

// CountByState reports record counts per sync state.
func (s *Store) CountByState(ctx context.Context) (map[enums.SyncState]int, error) {
	var rows []struct {
		SyncState enums.SyncState
		Count     int
	}
	if err := s.db.Raw(ctx,
		"SELECT sync_state, COUNT(*) AS count FROM diagnostic_records GROUP BY sync_state").Scan(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count records")
	}
	out := make(map[enums.SyncState]int, len(rows))
	for _, row := range rows {
		out[row.SyncState] = row.Count
	}
	return out, nil
}

// DistinctOwners lists owners with at least one consented record, the set the
// pull path reconciles.
func (s *Store) DistinctOwners(ctx context.Context) ([]uuid.UUID, error) {
	var owners []uuid.UUID
	err := s.db.DB().WithContext(ctx).Model(&models.DiagnosticRecord{}).
		Where("consent_given = ?", true).
		Distinct("owner_id").
		Order("owner_id").
		Pluck("owner_id", &owners).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list owners")
	}
	return owners, nil
}

// MileageReadings returns odometer readings from prior diagnostics of a vehicle.
func (s *Store) MileageReadings(ctx context.Context, ownerID, vehicleID uuid.UUID) ([]types.MileageReading, error) {
	var rows []models.DiagnosticRecord
	err := s.db.DB().WithContext(ctx).
		Select("captured_at", "mileage").
		Where("owner_id = ? AND vehicle_id = ? AND mileage IS NOT NULL", ownerID, vehicleID).
		Order("captured_at").
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load mileage readings")
	}
	out := make([]types.MileageReading, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.MileageReading{RecordedAt: row.CapturedAt, Mileage: *row.Mileage})
	}
	return out, nil
}

// Checkpoint returns the pull cursor for owner, or nil before the first pull.
func (s *Store) Checkpoint(ctx context.Context, ownerID uuid.UUID) (*models.SyncCheckpoint, error) {
	var cp models.SyncCheckpoint
	err := s.db.DB().WithContext(ctx).First(&cp, "owner_id = ?", ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load checkpoint")
	}
	return &cp, nil
}

// SaveCheckpoint advances the pull cursor; it never moves backwards.
func (s *Store) SaveCheckpoint(ctx context.Context, cp models.SyncCheckpoint) error {
	cp.LastRemoteUpdatedAt = Normalize(cp.LastRemoteUpdatedAt)
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var existing models.SyncCheckpoint
		err := tx.First(&existing, "owner_id = ?", cp.OwnerID).Error
		switch {
		case err == nil:
			if cp.LastRemoteSeq <= existing.LastRemoteSeq {
				return nil
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load checkpoint")
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_remote_seq", "last_remote_updated_at", "last_remote_id", "updated_at"}),
		}).Create(&cp).Error
	})
}

// Subscribe streams committed changes matching filter until ctx ends or the
// returned cancel func runs. Slow subscribers miss changes rather than
// stalling writers.
func (s *Store) Subscribe(ctx context.Context, filter Filter) (<-chan Change, func()) {
	return s.hub.subscribe(ctx, filter)
}

func (s *Store) publish(ctx context.Context, c Change) {
	if dropped := s.hub.publish(c); dropped > 0 {
		s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
			"record_id": c.RecordID.String(),
			"dropped":   dropped,
		}), "record change dropped for slow subscribers")
	}
}

func checkInvariants(rec *models.DiagnosticRecord) error {
	if rec.ExpiresAt.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "expires_at required")
	}
	if rec.OwnerID == uuid.Nil || rec.VehicleID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "owner and vehicle required")
	}
	if !rec.SyncState.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid sync state")
	}
	if !rec.ConsentGiven && rec.SyncState.RequiresConsent() {
		return pkgerrors.New(pkgerrors.CodeConsentViolation, "record without consent cannot enter an upload state").WithDetails(map[string]any{
			"record_id":  rec.ID.String(),
			"sync_state": rec.SyncState,
		})
	}
	return nil
}

func checkImmutable(before, after *models.DiagnosticRecord) error {
	switch {
	case before.ID != after.ID,
		before.OwnerID != after.OwnerID,
		before.VehicleID != after.VehicleID,
		!before.CapturedAt.Equal(after.CapturedAt),
		!before.ExpiresAt.Equal(after.ExpiresAt),
		before.Modality != after.Modality,
		!reflect.DeepEqual(before.RawAnalysis, after.RawAnalysis):
		return pkgerrors.New(pkgerrors.CodeValidation, "immutable record field modified")
	}
	return nil
}

func syncDerivedColumns(rec *models.DiagnosticRecord) {
	rec.FinalScore = rec.Score.FinalScore
	rec.Urgency = rec.Score.Urgency
	if rec.SyncState == enums.SyncStateSynced {
		rec.EverSynced = true
	}
}

func normalizeSyncTimes(rec *models.DiagnosticRecord) {
	if rec.NextAttemptAt != nil {
		t := Normalize(*rec.NextAttemptAt)
		rec.NextAttemptAt = &t
	}
	if rec.SyncedAt != nil {
		t := Normalize(*rec.SyncedAt)
		rec.SyncedAt = &t
	}
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "record not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
