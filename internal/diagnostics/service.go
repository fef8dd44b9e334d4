// Package diagnostics is the capture facade: it scores an analysis, persists
// the record and hands consented records to the sync coordinator.
package diagnostics

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/internal/maintenance"
	"github.com/angelmondragon/vehiclehealth-backend/internal/records"
	"github.com/angelmondragon/vehiclehealth-backend/internal/scoring"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/metrics"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

const defaultRetentionWindow = 7 * 24 * time.Hour

type recordStore interface {
	Create(ctx context.Context, rec *models.DiagnosticRecord) error
	Get(ctx context.Context, id uuid.UUID) (*models.DiagnosticRecord, error)
	Update(ctx context.Context, id uuid.UUID, fn func(rec *models.DiagnosticRecord) error) (*models.DiagnosticRecord, error)
	Transition(ctx context.Context, id uuid.UUID, fn func(rec *models.DiagnosticRecord) error) (*models.DiagnosticRecord, error)
	ListByVehicle(ctx context.Context, ownerID, vehicleID uuid.UUID, limit int) ([]models.DiagnosticRecord, error)
	Subscribe(ctx context.Context, filter records.Filter) (<-chan records.Change, func())
}

type scorer interface {
	Compute(analysis types.AnalysisResult, mctx types.MaintenanceContext, currentMileage *int) (types.ScoreResult, error)
}

type ledger interface {
	BuildContext(ctx context.Context, ownerID, vehicleID uuid.UUID, asOf time.Time) (types.MaintenanceContext, error)
	Record(ctx context.Context, ownerID, vehicleID uuid.UUID, input maintenance.EventInput) (*models.MaintenanceEvent, error)
	List(ctx context.Context, ownerID, vehicleID uuid.UUID) ([]models.MaintenanceEvent, error)
}

type mediaStore interface {
	Save(ctx context.Context, modality enums.Modality, ownerID, recordID uuid.UUID, fileName string, r io.Reader) (types.MediaRef, error)
	Delete(ref types.MediaRef) error
}

// Scheduler receives records that are ready for upload.
type Scheduler interface {
	Schedule(id uuid.UUID)
}

// ServiceParams wire the facade. Media and Scheduler are optional.
type ServiceParams struct {
	Store           recordStore
	Engine          scorer
	Ledger          ledger
	Media           mediaStore
	Scheduler       Scheduler
	Logger          *logger.Logger
	Metrics         *metrics.DiagnosticsMetrics
	RetentionWindow time.Duration
	Now             func() time.Time
}

// Service is the diagnostics facade.
type Service struct {
	store     recordStore
	engine    scorer
	ledger    ledger
	media     mediaStore
	scheduler Scheduler
	logg      *logger.Logger
	metrics   *metrics.DiagnosticsMetrics
	window    time.Duration
	now       func() time.Time
}

// NewService validates params.
func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("record store required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("scoring engine required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("maintenance ledger required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	window := params.RetentionWindow
	if window <= 0 {
		window = defaultRetentionWindow
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     params.Store,
		engine:    params.Engine,
		ledger:    params.Ledger,
		media:     params.Media,
		scheduler: params.Scheduler,
		logg:      params.Logger,
		metrics:   params.Metrics,
		window:    window,
		now:       now,
	}, nil
}

// CaptureInput is one classifier result plus its optional media.
type CaptureInput struct {
	OwnerID      uuid.UUID
	VehicleID    uuid.UUID
	Analysis     types.AnalysisResult
	Mileage      *int
	ConsentGiven bool
	// CapturedAt defaults to now. A future time, or one already past the
	// retention window, is rejected.
	CapturedAt time.Time
	Media      io.Reader
	MediaName  string
}

// Capture scores, persists and (with consent) queues a diagnostic. It
// returns once the record is durable; no network work happens here.
func (s *Service) Capture(ctx context.Context, input CaptureInput) (View, error) {
	if input.OwnerID == uuid.Nil || input.VehicleID == uuid.Nil {
		return View{}, pkgerrors.New(pkgerrors.CodeValidation, "owner and vehicle required")
	}
	if err := scoring.Validate(input.Analysis); err != nil {
		return View{}, err
	}
	now := records.Normalize(s.now())
	capturedAt := now
	if !input.CapturedAt.IsZero() {
		capturedAt = records.Normalize(input.CapturedAt)
		if capturedAt.After(now) {
			return View{}, pkgerrors.New(pkgerrors.CodeValidation, "captured_at cannot be in the future")
		}
		if !capturedAt.Add(s.window).After(now) {
			return View{}, pkgerrors.New(pkgerrors.CodeValidation, "captured_at is outside the retention window").WithDetails(map[string]any{
				"captured_at": capturedAt,
				"window":      s.window.String(),
			})
		}
	}

	mctx, err := s.ledger.BuildContext(ctx, input.OwnerID, input.VehicleID, capturedAt)
	if err != nil {
		return View{}, err
	}
	score, err := s.engine.Compute(input.Analysis, mctx, input.Mileage)
	if err != nil {
		return View{}, err
	}

	id := uuid.New()
	ctx = s.logg.WithRecordID(ctx, id.String())
	ctx = s.logg.WithVehicleID(ctx, input.VehicleID.String())

	var ref types.MediaRef
	if input.Media != nil {
		if s.media == nil {
			return View{}, pkgerrors.New(pkgerrors.CodeValidation, "media uploads are not enabled")
		}
		ref, err = s.media.Save(ctx, input.Analysis.Modality, input.OwnerID, id, input.MediaName, input.Media)
		if err != nil {
			return View{}, err
		}
	}

	rec := &models.DiagnosticRecord{
		ID:           id,
		OwnerID:      input.OwnerID,
		VehicleID:    input.VehicleID,
		Modality:     input.Analysis.Modality,
		CapturedAt:   capturedAt,
		Mileage:      input.Mileage,
		RawAnalysis:  input.Analysis,
		Score:        score,
		Media:        ref,
		ConsentGiven: input.ConsentGiven,
		SyncState:    enums.SyncStateLocal,
		ExpiresAt:    capturedAt.Add(s.window),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		if s.media != nil {
			if delErr := s.media.Delete(ref); delErr != nil {
				s.logg.WarnErr(ctx, "remove media of failed capture", delErr)
			}
		}
		return View{}, err
	}
	s.metrics.IncCapture(string(score.Urgency))
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"final_score": score.FinalScore,
		"urgency":     score.Urgency,
		"consent":     input.ConsentGiven,
	}), "diagnostic captured")

	if input.ConsentGiven {
		if queued, err := s.queue(ctx, id); err != nil {
			// The record is durable; the sync cycle or a later consent call
			// can still queue it.
			s.logg.WarnErr(ctx, "queue captured record for upload", err)
		} else {
			rec = queued
		}
	}
	return NewView(rec), nil
}

func (s *Service) queue(ctx context.Context, id uuid.UUID) (*models.DiagnosticRecord, error) {
	rec, err := s.store.Transition(ctx, id, func(r *models.DiagnosticRecord) error {
		if r.SyncState == enums.SyncStateLocal {
			r.SyncState = enums.SyncStatePendingUpload
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.scheduler != nil && rec.SyncState == enums.SyncStatePendingUpload {
		s.scheduler.Schedule(id)
	}
	return rec, nil
}

// Get returns one of the owner's diagnostics.
func (s *Service) Get(ctx context.Context, ownerID, id uuid.UUID) (View, error) {
	rec, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return View{}, err
	}
	return NewView(rec), nil
}

// ListForVehicle returns the owner's unexpired diagnostics for a vehicle,
// newest first.
func (s *Service) ListForVehicle(ctx context.Context, ownerID, vehicleID uuid.UUID, limit int) ([]View, error) {
	rows, err := s.store.ListByVehicle(ctx, ownerID, vehicleID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(rows))
	for i := range rows {
		out = append(out, NewView(&rows[i]))
	}
	return out, nil
}

// GrantConsent records the owner's upload consent and queues the record.
// Granting twice is a no-op.
func (s *Service) GrantConsent(ctx context.Context, ownerID, id uuid.UUID) (View, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return View{}, err
	}
	ctx = s.logg.WithRecordID(ctx, id.String())
	rec, err := s.store.Update(ctx, id, func(r *models.DiagnosticRecord) error {
		if r.ConsentGiven {
			return nil
		}
		r.ConsentGiven = true
		if r.SyncState == enums.SyncStateLocal {
			r.SyncState = enums.SyncStatePendingUpload
		}
		return nil
	})
	if err != nil {
		return View{}, err
	}
	if s.scheduler != nil && rec.SyncState == enums.SyncStatePendingUpload {
		s.scheduler.Schedule(id)
	}
	s.logg.Info(ctx, "upload consent granted")
	return NewView(rec), nil
}

// Subscribe streams changes to the owner's diagnostics, optionally for a
// single vehicle.
func (s *Service) Subscribe(ctx context.Context, ownerID uuid.UUID, vehicleID *uuid.UUID) (<-chan records.Change, func()) {
	return s.store.Subscribe(ctx, records.Filter{OwnerID: ownerID, VehicleID: vehicleID})
}

// RecordMaintenance appends a service event to the vehicle's ledger.
func (s *Service) RecordMaintenance(ctx context.Context, ownerID, vehicleID uuid.UUID, input maintenance.EventInput) (*models.MaintenanceEvent, error) {
	return s.ledger.Record(ctx, ownerID, vehicleID, input)
}

// ListMaintenance returns the vehicle's ledger.
func (s *Service) ListMaintenance(ctx context.Context, ownerID, vehicleID uuid.UUID) ([]models.MaintenanceEvent, error) {
	return s.ledger.List(ctx, ownerID, vehicleID)
}

func (s *Service) owned(ctx context.Context, ownerID, id uuid.UUID) (*models.DiagnosticRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "record not found")
	}
	if rec.Expired(s.now()) {
		return nil, pkgerrors.New(pkgerrors.CodeExpired, "record expired")
	}
	return rec, nil
}
