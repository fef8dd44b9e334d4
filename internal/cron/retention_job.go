package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/vehiclehealth-backend/internal/retention"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

type sweeper interface {
	Sweep(ctx context.Context) (retention.SweepReport, error)
	FlushRemoteDeletions(ctx context.Context) (retention.FlushReport, error)
}

type RetentionJobParams struct {
	Logger   *logger.Logger
	Sweeper  sweeper
	Interval time.Duration
}

// NewRetentionJob deletes expired diagnostics and then retries the pending
// remote deletions.
func NewRetentionJob(params RetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	return &retentionJob{logg: params.Logger, sweeper: params.Sweeper, every: params.Interval}, nil
}

type retentionJob struct {
	logg    *logger.Logger
	sweeper sweeper
	every   time.Duration
}

func (j *retentionJob) Name() string { return "retention-sweep" }

func (j *retentionJob) Every() time.Duration { return j.every }

func (j *retentionJob) Run(ctx context.Context) error {
	swept, sweepErr := j.sweeper.Sweep(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	flushed, flushErr := j.sweeper.FlushRemoteDeletions(ctx)

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"deleted":        swept.Deleted,
		"tombstoned":     swept.Tombstoned,
		"failed":         swept.Failed,
		"remote_deleted": flushed.Deleted,
		"remote_failed":  flushed.Failed,
	})
	j.logg.Info(logCtx, "retention sweep complete")

	// Remote deletion failures stay queued and are not a job failure.
	if flushErr != nil {
		j.logg.WarnErr(logCtx, "remote deletion pass incomplete", flushErr)
	}
	if sweepErr != nil {
		return fmt.Errorf("retention sweep: %d error(s): %w", len(multierr.Errors(sweepErr)), sweepErr)
	}
	return nil
}
