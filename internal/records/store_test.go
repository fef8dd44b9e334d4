package records

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/dbtest"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: baseTime}
	store, err := NewStore(StoreParams{DB: dbtest.NewSQLite(t), Logger: logger.Nop(), Now: clock.Now})
	require.NoError(t, err)
	return store, clock
}

func newRecord(owner, vehicle uuid.UUID) *models.DiagnosticRecord {
	mileage := 42000
	return &models.DiagnosticRecord{
		ID:         uuid.New(),
		OwnerID:    owner,
		VehicleID:  vehicle,
		Modality:   enums.ModalityAudio,
		CapturedAt: baseTime,
		Mileage:    &mileage,
		RawAnalysis: types.AnalysisResult{
			Modality:  enums.ModalityAudio,
			Anomalies: []types.Anomaly{{Type: "belt_squeal", Confidence: 0.8, Severity: 2}},
		},
		Score: types.ScoreResult{
			FinalScore:      85,
			Urgency:         enums.UrgencyNone,
			Recommendations: []string{"Inspect serpentine belt"},
			Source:          enums.ScoreSourceLocal,
		},
		SyncState: enums.SyncStateLocal,
		ExpiresAt: baseTime.Add(7 * 24 * time.Hour),
	}
}

func TestNewStoreRequiresDependencies(t *testing.T) {
	_, err := NewStore(StoreParams{Logger: logger.Nop()})
	require.Error(t, err)
	_, err = NewStore(StoreParams{DB: dbtest.NewSQLite(t)})
	require.Error(t, err)
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())

	require.NoError(t, store.Create(context.Background(), rec))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, baseTime, got.LocalModifiedAt)
	assert.Equal(t, 85, got.FinalScore)
	assert.Equal(t, enums.UrgencyNone, got.Urgency)
	if diff := cmp.Diff(rec.RawAnalysis, got.RawAnalysis); diff != "" {
		t.Fatalf("raw analysis mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
}

func TestCreateDuplicateIDConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	require.NoError(t, store.Create(context.Background(), rec))

	dup := *rec
	err := store.Create(context.Background(), &dup)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func TestCreateRejectsUploadStateWithoutConsent(t *testing.T) {
	store, _ := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	rec.SyncState = enums.SyncStatePendingUpload

	err := store.Create(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConsentViolation, pkgerrors.CodeOf(err))
}

func TestGetMissingIsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), uuid.New())
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestUpdateAdvancesLocalModifiedAtMonotonically(t *testing.T) {
	store, _ := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	require.NoError(t, store.Create(context.Background(), rec))

	// Clock does not move; each mutation still needs a later timestamp.
	first, err := store.Update(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
		r.ConsentGiven = true
		return nil
	})
	require.NoError(t, err)
	second, err := store.Update(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
		r.Score.Recommendations = append(r.Score.Recommendations, "Check tensioner")
		return nil
	})
	require.NoError(t, err)

	assert.True(t, first.LocalModifiedAt.After(rec.LocalModifiedAt))
	assert.True(t, second.LocalModifiedAt.After(first.LocalModifiedAt))
}

func TestUpdateNoopKeepsTimestamp(t *testing.T) {
	store, clock := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	require.NoError(t, store.Create(context.Background(), rec))
	clock.Advance(time.Minute)

	got, err := store.Update(context.Background(), rec.ID, func(*models.DiagnosticRecord) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, baseTime, got.LocalModifiedAt)
}

func TestTransitionKeepsLocalModifiedAt(t *testing.T) {
	store, clock := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	rec.ConsentGiven = true
	require.NoError(t, store.Create(context.Background(), rec))
	clock.Advance(time.Minute)

	got, err := store.Transition(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
		r.SyncState = enums.SyncStatePendingUpload
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStatePendingUpload, got.SyncState)
	assert.Equal(t, baseTime, got.LocalModifiedAt)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	store, _ := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	rec.ConsentGiven = true
	require.NoError(t, store.Create(context.Background(), rec))

	_, err := store.Transition(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
		r.SyncState = enums.SyncStateSyncFailed
		return nil
	})
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(err))
}

func TestUpdateRejectsImmutableFields(t *testing.T) {
	store, _ := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	require.NoError(t, store.Create(context.Background(), rec))

	_, err := store.Update(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
		r.RawAnalysis.Stats.DurationSeconds = 99
		return nil
	})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	_, err = store.Update(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
		r.ExpiresAt = r.ExpiresAt.Add(time.Hour)
		return nil
	})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
}

func TestUpdateExpiredRecordFails(t *testing.T) {
	store, clock := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	require.NoError(t, store.Create(context.Background(), rec))
	clock.Advance(8 * 24 * time.Hour)

	_, err := store.Update(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
		r.ConsentGiven = true
		return nil
	})
	assert.Equal(t, pkgerrors.CodeExpired, pkgerrors.CodeOf(err))
}

func TestUpdateCallbackErrorRollsBack(t *testing.T) {
	store, _ := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	require.NoError(t, store.Create(context.Background(), rec))

	boom := pkgerrors.New(pkgerrors.CodeValidation, "boom")
	_, err := store.Update(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
		r.ConsentGiven = true
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, got.ConsentGiven)
}

func TestListPendingUploadHonoursBackoff(t *testing.T) {
	store, _ := newTestStore(t)
	owner := uuid.New()
	ctx := context.Background()

	pending := newRecord(owner, uuid.New())
	pending.ConsentGiven = true
	pending.SyncState = enums.SyncStatePendingUpload
	require.NoError(t, store.Create(ctx, pending))

	deferredAt := baseTime.Add(time.Hour)
	deferred := newRecord(owner, uuid.New())
	deferred.ConsentGiven = true
	deferred.SyncState = enums.SyncStateSyncFailed
	deferred.NextAttemptAt = &deferredAt
	deferred.LocalModifiedAt = baseTime.Add(-time.Minute)
	require.NoError(t, store.Create(ctx, deferred))

	local := newRecord(owner, uuid.New())
	require.NoError(t, store.Create(ctx, local))

	due, err := store.ListPendingUpload(ctx, PendingQuery{OwnerID: &owner})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, pending.ID, due[0].ID)

	forced, err := store.ListPendingUpload(ctx, PendingQuery{IncludeDeferred: true})
	require.NoError(t, err)
	require.Len(t, forced, 2)
	assert.Equal(t, deferred.ID, forced[0].ID, "oldest change first")
}

func TestListExpiredAndByVehicle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	owner, vehicle := uuid.New(), uuid.New()

	old := newRecord(owner, vehicle)
	old.ExpiresAt = baseTime.Add(time.Hour)
	require.NoError(t, store.Create(ctx, old))

	fresh := newRecord(owner, vehicle)
	fresh.CapturedAt = baseTime.Add(time.Minute)
	require.NoError(t, store.Create(ctx, fresh))

	expired, err := store.ListExpired(ctx, baseTime.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)

	listed, err := store.ListByVehicle(ctx, owner, vehicle, 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, fresh.ID, listed[0].ID)
}

func TestApplyRemoteInsertsAndRespectsTombstones(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	remote := newRecord(uuid.New(), uuid.New())
	remote.ConsentGiven = true
	remote.SyncState = enums.SyncStateSynced
	remote.LocalModifiedAt = baseTime.Add(-time.Hour)

	applied, created, err := store.ApplyRemote(ctx, remote.ID, func(local *models.DiagnosticRecord) (RemoteDecision, error) {
		assert.Nil(t, local)
		next := *remote
		return RemoteDecision{Next: &next}, nil
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, remote.LocalModifiedAt, applied.LocalModifiedAt)
	assert.True(t, applied.EverSynced)

	_, err = store.Delete(ctx, remote.ID, func(tx *gorm.DB, rec *models.DiagnosticRecord) error {
		return tx.Create(&models.RemoteDeletion{RecordID: rec.ID, OwnerID: rec.OwnerID, RequestedAt: baseTime}).Error
	})
	require.NoError(t, err)

	_, _, err = store.ApplyRemote(ctx, remote.ID, func(*models.DiagnosticRecord) (RemoteDecision, error) {
		t.Fatal("resolver must not run for a retired id")
		return RemoteDecision{}, nil
	})
	assert.Equal(t, pkgerrors.CodeExpired, pkgerrors.CodeOf(err))
}

func TestApplyRemoteKeepDecisionWritesNothing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	rec := newRecord(uuid.New(), uuid.New())
	require.NoError(t, store.Create(ctx, rec))

	applied, created, err := store.ApplyRemote(ctx, rec.ID, func(local *models.DiagnosticRecord) (RemoteDecision, error) {
		require.NotNil(t, local)
		return RemoteDecision{}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, applied)
	assert.False(t, created)
}

func TestSubscribeReceivesCommittedChanges(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	owner, vehicle := uuid.New(), uuid.New()

	changes, stop := store.Subscribe(ctx, Filter{OwnerID: owner, VehicleID: &vehicle})
	defer stop()

	other := newRecord(uuid.New(), uuid.New())
	require.NoError(t, store.Create(context.Background(), other))

	rec := newRecord(owner, vehicle)
	require.NoError(t, store.Create(context.Background(), rec))
	_, err := store.Update(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
		r.ConsentGiven = true
		return nil
	})
	require.NoError(t, err)
	_, err = store.Delete(context.Background(), rec.ID, nil)
	require.NoError(t, err)

	var kinds []enums.ChangeKind
	for i := 0; i < 3; i++ {
		select {
		case c := <-changes:
			assert.Equal(t, rec.ID, c.RecordID)
			kinds = append(kinds, c.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for change %d", i)
		}
	}
	assert.Equal(t, []enums.ChangeKind{enums.ChangeCreated, enums.ChangeUpdated, enums.ChangeDeleted}, kinds)
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	store, _ := newTestStore(t)
	changes, stop := store.Subscribe(context.Background(), Filter{})
	stop()
	stop()

	_, open := <-changes
	assert.False(t, open)
	assert.Equal(t, 0, store.hub.count())
}

func TestCheckpointNeverMovesBackwards(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	cp, err := store.Checkpoint(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, cp)

	id := uuid.New()
	require.NoError(t, store.SaveCheckpoint(ctx, models.SyncCheckpoint{OwnerID: owner, LastRemoteSeq: 7, LastRemoteUpdatedAt: baseTime, LastRemoteID: &id}))
	require.NoError(t, store.SaveCheckpoint(ctx, models.SyncCheckpoint{OwnerID: owner, LastRemoteSeq: 3, LastRemoteUpdatedAt: baseTime.Add(time.Hour)}))

	cp, err = store.Checkpoint(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(7), cp.LastRemoteSeq)
	assert.True(t, cp.LastRemoteUpdatedAt.Equal(baseTime))
	require.NotNil(t, cp.LastRemoteID)
	assert.Equal(t, id, *cp.LastRemoteID)
}

func TestClaimUploadExcludesOtherHolders(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	ok, err := store.ClaimUpload(ctx, id, "api", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimUpload(ctx, id, "cron-worker", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must block a second holder")

	// A holder that is already uploading may not re-enter either.
	ok, err = store.ClaimUpload(ctx, id, "api", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseUpload(ctx, id, "cron-worker"))
	ok, err = store.ClaimUpload(ctx, id, "cron-worker", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder must not free the lease")

	require.NoError(t, store.ReleaseUpload(ctx, id, "api"))
	ok, err = store.ClaimUpload(ctx, id, "cron-worker", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	ok, err = store.ClaimUpload(ctx, id, "api", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")
}

func TestClaimUploadRequiresHolderAndTTL(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.ClaimUpload(context.Background(), uuid.New(), "", time.Minute)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = store.ClaimUpload(context.Background(), uuid.New(), "api", 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestMileageReadingsAndOwners(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	owner, vehicle := uuid.New(), uuid.New()

	rec := newRecord(owner, vehicle)
	rec.ConsentGiven = true
	require.NoError(t, store.Create(ctx, rec))
	noMileage := newRecord(owner, vehicle)
	noMileage.Mileage = nil
	require.NoError(t, store.Create(ctx, noMileage))

	readings, err := store.MileageReadings(ctx, owner, vehicle)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 42000, readings[0].Mileage)

	owners, err := store.DistinctOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{owner}, owners)

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[enums.SyncStateLocal])
}

func TestConcurrentUpdatesSerialise(t *testing.T) {
	store, _ := newTestStore(t)
	rec := newRecord(uuid.New(), uuid.New())
	require.NoError(t, store.Create(context.Background(), rec))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(context.Background(), rec.ID, func(r *models.DiagnosticRecord) error {
				r.Score.Warnings = append(r.Score.Warnings, "w")
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.Score.Warnings, 8)
}
