package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/metrics"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

// Enrichment outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeSkipped  = "skipped"
	OutcomeTimeout  = "timeout"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

const defaultTimeout = 20 * time.Second

type recordStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.DiagnosticRecord, error)
	Update(ctx context.Context, id uuid.UUID, fn func(rec *models.DiagnosticRecord) error) (*models.DiagnosticRecord, error)
}

type contextBuilder interface {
	BuildContext(ctx context.Context, ownerID, vehicleID uuid.UUID, asOf time.Time) (types.MaintenanceContext, error)
}

// EnricherParams wire the enricher.
type EnricherParams struct {
	Gateway       Gateway
	Store         recordStore
	Ledger        contextBuilder
	Logger        *logger.Logger
	Metrics       *metrics.DiagnosticsMetrics
	Timeout       time.Duration
	RatePerMinute int
	MaxConcurrent int
	Now           func() time.Time
}

// Enricher applies at most one enrichment per record. Every failure mode
// leaves the record exactly as it was.
type Enricher struct {
	gateway Gateway
	store   recordStore
	ledger  contextBuilder
	logg    *logger.Logger
	metrics *metrics.DiagnosticsMetrics
	timeout time.Duration
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	now     func() time.Time
}

// NewEnricher validates params and builds an enricher.
func NewEnricher(params EnricherParams) (*Enricher, error) {
	if params.Gateway == nil {
		return nil, fmt.Errorf("enrichment gateway required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("record store required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if params.RatePerMinute > 0 {
		limit = rate.Limit(float64(params.RatePerMinute) / 60)
	}
	concurrent := params.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 1
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Enricher{
		gateway: params.Gateway,
		store:   params.Store,
		ledger:  params.Ledger,
		logg:    params.Logger,
		metrics: params.Metrics,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, 1),
		sem:     semaphore.NewWeighted(int64(concurrent)),
		now:     now,
	}, nil
}

// Eligible reports whether rec should be sent for enrichment.
func Eligible(rec *models.DiagnosticRecord) bool {
	return rec != nil &&
		rec.ConsentGiven &&
		rec.SyncState == enums.SyncStateSynced &&
		rec.Score.Source != enums.ScoreSourceMerged
}

// Enrich annotates one record. It returns true when a merged score was
// stored. Gateway failures, timeouts and malformed responses are logged and
// reported as (false, nil); only local storage failures surface as errors.
func (e *Enricher) Enrich(ctx context.Context, recordID uuid.UUID) (bool, error) {
	ctx = e.logg.WithRecordID(ctx, recordID.String())

	rec, err := e.store.Get(ctx, recordID)
	if err != nil {
		return false, err
	}
	if !Eligible(rec) {
		e.metrics.IncEnrichment(OutcomeSkipped)
		return false, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return false, nil
	}
	defer e.sem.Release(1)
	if err := e.limiter.Wait(ctx); err != nil {
		return false, nil
	}

	req := Request{
		RecordID:  rec.ID,
		VehicleID: rec.VehicleID,
		Modality:  rec.Modality,
		Mileage:   rec.Mileage,
		Score:     rec.Score.Clone(),
	}
	if e.ledger != nil {
		mctx, err := e.ledger.BuildContext(ctx, rec.OwnerID, rec.VehicleID, rec.CapturedAt)
		if err != nil {
			e.logg.WarnErr(ctx, "enrichment: maintenance context unavailable", err)
		} else {
			req.Maintenance = mctx
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	ann, err := e.gateway.Enrich(callCtx, req)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil || timedOut {
		outcome := OutcomeFailed
		switch {
		case timedOut:
			outcome = OutcomeTimeout
		case pkgerrors.IsCode(err, pkgerrors.CodeValidation):
			outcome = OutcomeRejected
		}
		e.metrics.IncEnrichment(outcome)
		if err == nil {
			err = callCtx.Err()
		}
		e.logg.WarnErr(e.logg.WithField(ctx, "outcome", outcome), "enrichment not applied", err)
		return false, nil
	}

	applied := false
	_, err = e.store.Update(ctx, recordID, func(r *models.DiagnosticRecord) error {
		if r.Score.Source == enums.ScoreSourceMerged {
			return nil
		}
		r.Score = Merge(r.Score, ann, e.now())
		// The merged score is new content; it goes back up once more.
		if r.SyncState == enums.SyncStateSynced && r.ConsentGiven {
			r.SyncState = enums.SyncStatePendingUpload
		}
		applied = true
		return nil
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeExpired) || pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			e.logg.Warn(ctx, "enrichment: record expired before merge")
			e.metrics.IncEnrichment(OutcomeSkipped)
			return false, nil
		}
		return false, err
	}
	if applied {
		e.metrics.IncEnrichment(OutcomeApplied)
		e.logg.Info(ctx, "enrichment merged")
	} else {
		e.metrics.IncEnrichment(OutcomeSkipped)
	}
	return applied, nil
}
