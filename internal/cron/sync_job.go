package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/vehiclehealth-backend/internal/syncer"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

type syncCycler interface {
	RunCycle(ctx context.Context, opts syncer.CycleOptions) (syncer.CycleReport, error)
}

type SyncJobParams struct {
	Logger      *logger.Logger
	Coordinator syncCycler
	Interval    time.Duration
	// IncludeDeferred retries SyncFailed records before their next attempt.
	IncludeDeferred bool
}

// NewSyncJob runs one upload and merge cycle per invocation.
func NewSyncJob(params SyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Coordinator == nil {
		return nil, fmt.Errorf("sync coordinator required")
	}
	return &syncJob{
		logg:  params.Logger,
		coord: params.Coordinator,
		every: params.Interval,
		opts:  syncer.CycleOptions{IncludeDeferred: params.IncludeDeferred},
	}, nil
}

type syncJob struct {
	logg  *logger.Logger
	coord syncCycler
	every time.Duration
	opts  syncer.CycleOptions
}

func (j *syncJob) Name() string { return "sync-cycle" }

func (j *syncJob) Every() time.Duration { return j.every }

func (j *syncJob) Run(ctx context.Context) error {
	report, err := j.coord.RunCycle(ctx, j.opts)
	if err != nil {
		return fmt.Errorf("sync cycle: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"uploaded": report.Uploaded,
		"failed":   report.Failed,
		"stale":    report.Stale,
		"merged":   report.Merged,
		"enriched": report.Enriched,
	}), "sync cycle complete")
	return nil
}
