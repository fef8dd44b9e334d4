// Package retention deletes expired diagnostics locally and remotely.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/vehiclehealth-backend/internal/records"
	"github.com/angelmondragon/vehiclehealth-backend/internal/remote"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/metrics"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

const (
	defaultBatchSize     = 200
	defaultRemoteTimeout = 10 * time.Second
	defaultStuckAfter    = 24 * time.Hour

	scopeLocal  = "local"
	scopeRemote = "remote"

	outcomeDeleted = "deleted"
	outcomeFailed  = "failed"
	outcomeStuck   = "stuck"
)

type recordStore interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.DiagnosticRecord, error)
	Delete(ctx context.Context, id uuid.UUID, beforeDelete func(tx *gorm.DB, rec *models.DiagnosticRecord) error) (*models.DiagnosticRecord, error)
}

type tombstoneStore interface {
	InsertWithTx(tx *gorm.DB, row *models.RemoteDeletion) error
	ListDue(ctx context.Context, limit int) ([]models.RemoteDeletion, error)
	Resolve(ctx context.Context, recordID uuid.UUID) error
	MarkFailed(ctx context.Context, recordID uuid.UUID, cause string) error
}

type mediaDeleter interface {
	Delete(ref types.MediaRef) error
}

// SweeperParams wire the sweeper.
type SweeperParams struct {
	Store         recordStore
	Tombstones    tombstoneStore
	Media         mediaDeleter
	Remote        remote.StructuredStore
	Objects       remote.ObjectStore
	Logger        *logger.Logger
	Metrics       *metrics.DiagnosticsMetrics
	BatchSize     int
	RemoteTimeout time.Duration
	// MediaPrefix is the object key prefix uploads use; it names the remote
	// object of a record swept before its upload recorded one.
	MediaPrefix string
	// StuckAfter is how far past expiry a record that still fails to delete
	// is reported as stuck rather than retried quietly.
	StuckAfter time.Duration
	Now        func() time.Time
}

// Sweeper enforces the retention window.
type Sweeper struct {
	store         recordStore
	tombstones    tombstoneStore
	media         mediaDeleter
	remote        remote.StructuredStore
	objects       remote.ObjectStore
	logg          *logger.Logger
	metrics       *metrics.DiagnosticsMetrics
	batchSize     int
	remoteTimeout time.Duration
	mediaPrefix   string
	stuckAfter    time.Duration
	now           func() time.Time
}

// NewSweeper validates params.
func NewSweeper(params SweeperParams) (*Sweeper, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("record store required")
	}
	if params.Tombstones == nil {
		return nil, fmt.Errorf("tombstone store required")
	}
	if params.Media == nil {
		return nil, fmt.Errorf("media store required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	timeout := params.RemoteTimeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	stuckAfter := params.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:         params.Store,
		tombstones:    params.Tombstones,
		media:         params.Media,
		remote:        params.Remote,
		objects:       params.Objects,
		logg:          params.Logger,
		metrics:       params.Metrics,
		batchSize:     batch,
		remoteTimeout: timeout,
		mediaPrefix:   params.MediaPrefix,
		stuckAfter:    stuckAfter,
		now:           now,
	}, nil
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Deleted    int
	Tombstoned int
	Failed     int
	// Stuck counts failures on records overdue by more than StuckAfter.
	Stuck int
}

// Sweep deletes every record whose expiry has passed. The media file is
// removed inside the row's delete transaction, so a record whose file cannot
// be removed stays and is retried next sweep. Per-record failures are
// collected and never stop the sweep; cancellation is honoured between
// records only.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		errs   error
	)
	now := s.now()
	for {
		expired, err := s.store.ListExpired(ctx, now, s.batchSize)
		if err != nil {
			return report, multierr.Append(errs, fmt.Errorf("list expired records: %w", err))
		}
		progressed := false
		for i := range expired {
			if err := ctx.Err(); err != nil {
				return report, multierr.Append(errs, err)
			}
			tombstoned, err := s.sweepOne(ctx, &expired[i], now)
			if err != nil {
				report.Failed++
				recCtx := s.logg.WithRecordID(ctx, expired[i].ID.String())
				if overdue := now.Sub(expired[i].ExpiresAt); overdue > s.stuckAfter {
					report.Stuck++
					s.metrics.IncSweep(scopeLocal, outcomeStuck)
					s.logg.Error(s.logg.WithField(recCtx, "overdue", overdue.String()), "expired record cannot be deleted", err)
				} else {
					s.metrics.IncSweep(scopeLocal, outcomeFailed)
					s.logg.WarnErr(recCtx, "retention delete failed", err)
				}
				errs = multierr.Append(errs, fmt.Errorf("sweep %s: %w", expired[i].ID, err))
				continue
			}
			progressed = true
			report.Deleted++
			if tombstoned {
				report.Tombstoned++
			}
			s.metrics.IncSweep(scopeLocal, outcomeDeleted)
		}
		if len(expired) < s.batchSize || !progressed {
			break
		}
	}

	if report.Deleted+report.Failed > 0 {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"deleted":    report.Deleted,
			"tombstoned": report.Tombstoned,
			"failed":     report.Failed,
			"stuck":      report.Stuck,
		}), "retention sweep complete")
	}
	return report, errs
}

func (s *Sweeper) sweepOne(ctx context.Context, rec *models.DiagnosticRecord, now time.Time) (bool, error) {
	tombstoned := false
	_, err := s.store.Delete(ctx, rec.ID, func(tx *gorm.DB, current *models.DiagnosticRecord) error {
		if !current.Expired(now) {
			return errNotExpired
		}
		// Any consented record may have an upload in flight that lands after
		// this delete, so its remote copies are always retired.
		if current.ConsentGiven || current.EverSynced || current.Media.RemoteObject != "" {
			if err := s.tombstones.InsertWithTx(tx, tombstoneFor(current, s.mediaPrefix, records.Normalize(now))); err != nil {
				return fmt.Errorf("write tombstone: %w", err)
			}
			tombstoned = true
		}
		if err := s.media.Delete(current.Media); err != nil {
			return fmt.Errorf("delete local media: %w", err)
		}
		return nil
	})
	return tombstoned, err
}

var errNotExpired = errors.New("record no longer expired")

// FlushReport summarises one remote deletion pass.
type FlushReport struct {
	Deleted int
	Failed  int
}

// FlushRemoteDeletions issues the pending remote deletions. A tombstone is
// dropped only after both the object and the structured row are gone.
func (s *Sweeper) FlushRemoteDeletions(ctx context.Context) (FlushReport, error) {
	var report FlushReport
	if s.remote == nil {
		return report, nil
	}
	due, err := s.tombstones.ListDue(ctx, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("list tombstones: %w", err)
	}
	var errs error
	for _, row := range due {
		if err := ctx.Err(); err != nil {
			return report, multierr.Append(errs, err)
		}
		recCtx := s.logg.WithRecordID(ctx, row.RecordID.String())
		if err := s.deleteRemote(recCtx, row); err != nil {
			report.Failed++
			s.metrics.IncSweep(scopeRemote, outcomeFailed)
			s.logg.WarnErr(s.logg.WithField(recCtx, "attempts", row.Attempts+1), "remote deletion failed", err)
			if markErr := s.tombstones.MarkFailed(ctx, row.RecordID, err.Error()); markErr != nil {
				errs = multierr.Append(errs, markErr)
			}
			continue
		}
		if err := s.tombstones.Resolve(ctx, row.RecordID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resolve tombstone %s: %w", row.RecordID, err))
			continue
		}
		report.Deleted++
		s.metrics.IncSweep(scopeRemote, outcomeDeleted)
	}
	return report, errs
}

func (s *Sweeper) deleteRemote(ctx context.Context, row models.RemoteDeletion) error {
	callCtx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	defer cancel()
	if row.RemoteObject != "" && s.objects != nil {
		if err := s.objects.Delete(callCtx, row.RemoteObject); err != nil {
			return err
		}
	}
	return s.remote.Delete(callCtx, row.RecordID)
}
