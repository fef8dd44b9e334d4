// Package syncer reconciles the local record store with the remote stores:
// uploads pending records through a bounded worker pool and merges remote
// changes back with a last-writer-wins policy.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/vehiclehealth-backend/internal/records"
	"github.com/angelmondragon/vehiclehealth-backend/internal/remote"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/config"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/metrics"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

const (
	defaultInterval       = time.Minute
	defaultBatchSize      = 50
	defaultWorkers        = 4
	defaultMaxAttempts    = 3
	defaultBaseBackoff    = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultRetryDelay     = 5 * time.Minute
	defaultNetworkTimeout = 30 * time.Second
	defaultPullPageSize   = 100
	loopErrorBackoff      = 10 * time.Second
)

type recordStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.DiagnosticRecord, error)
	Transition(ctx context.Context, id uuid.UUID, fn func(rec *models.DiagnosticRecord) error) (*models.DiagnosticRecord, error)
	ApplyRemote(ctx context.Context, id uuid.UUID, resolve func(local *models.DiagnosticRecord) (records.RemoteDecision, error)) (*models.DiagnosticRecord, bool, error)
	ListPendingUpload(ctx context.Context, q records.PendingQuery) ([]models.DiagnosticRecord, error)
	DistinctOwners(ctx context.Context) ([]uuid.UUID, error)
	Checkpoint(ctx context.Context, ownerID uuid.UUID) (*models.SyncCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp models.SyncCheckpoint) error
	CountByState(ctx context.Context) (map[enums.SyncState]int, error)
	ClaimUpload(ctx context.Context, id uuid.UUID, holder string, ttl time.Duration) (bool, error)
	ReleaseUpload(ctx context.Context, id uuid.UUID, holder string) error
}

type mediaStore interface {
	Load(ref types.MediaRef) ([]byte, error)
	Compress(data []byte) []byte
	Delete(ref types.MediaRef) error
}

type enricher interface {
	Enrich(ctx context.Context, recordID uuid.UUID) (bool, error)
}

// retirementQueue takes remote deletions the coordinator could not finish
// itself; the retention sweeper flushes them.
type retirementQueue interface {
	Enqueue(ctx context.Context, row models.RemoteDeletion) error
}

// Params wire the coordinator.
type Params struct {
	Config      config.SyncConfig
	MediaPrefix string
	Store       recordStore
	Media       mediaStore
	Remote      remote.StructuredStore
	Objects     remote.ObjectStore
	// Enricher is optional; when set, records are enriched once after they
	// first reach Synced.
	Enricher enricher
	// Retirements receives remote deletions for records retired while
	// their upload was in flight, when the coordinator's own cleanup fails.
	Retirements retirementQueue
	Logger      *logger.Logger
	Metrics     *metrics.DiagnosticsMetrics
	Now         func() time.Time
	// Jitter perturbs retry delays; nil uses a random jitter window.
	Jitter func(time.Duration) time.Duration
}

// Coordinator drives upload and download/merge. All network work happens
// outside the record store's per-record lock.
type Coordinator struct {
	store       recordStore
	media       mediaStore
	remote      remote.StructuredStore
	objects     remote.ObjectStore
	enricher    enricher
	retirements retirementQueue
	logg        *logger.Logger
	metrics     *metrics.DiagnosticsMetrics
	now         func() time.Time
	jitter      func(time.Duration) time.Duration
	mediaPrefix string
	holder      string

	interval       time.Duration
	batchSize      int
	workers        int
	maxAttempts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	retryDelay     time.Duration
	networkTimeout time.Duration
	pullPageSize   int
	leaseTTL       time.Duration

	mu    sync.Mutex
	force bool
	wake  chan struct{}
}

// NewCoordinator validates params and applies defaults for unset tunables.
func NewCoordinator(params Params) (*Coordinator, error) {
	if params.Store == nil {
		return nil, errors.New("record store is required")
	}
	if params.Media == nil {
		return nil, errors.New("media store is required")
	}
	if params.Remote == nil {
		return nil, errors.New("remote store is required")
	}
	if params.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	cfg := params.Config
	now := params.Now
	if now == nil {
		now = time.Now
	}
	jitter := params.Jitter
	if jitter == nil {
		jitter = withJitter
	}
	c := &Coordinator{
		store:          params.Store,
		media:          params.Media,
		remote:         params.Remote,
		objects:        params.Objects,
		enricher:       params.Enricher,
		retirements:    params.Retirements,
		logg:           params.Logger,
		metrics:        params.Metrics,
		now:            now,
		jitter:         jitter,
		mediaPrefix:    params.MediaPrefix,
		holder:         uuid.NewString(),
		interval:       durationOr(cfg.Interval, defaultInterval),
		batchSize:      intOr(cfg.BatchSize, defaultBatchSize),
		workers:        intOr(cfg.Workers, defaultWorkers),
		maxAttempts:    intOr(cfg.MaxAttempts, defaultMaxAttempts),
		baseBackoff:    durationOr(cfg.BaseBackoff, defaultBaseBackoff),
		maxBackoff:     durationOr(cfg.MaxBackoff, defaultMaxBackoff),
		retryDelay:     durationOr(cfg.RetryDelay, defaultRetryDelay),
		networkTimeout: durationOr(cfg.NetworkTimeout, defaultNetworkTimeout),
		pullPageSize:   intOr(cfg.PullPageSize, defaultPullPageSize),
		wake:           make(chan struct{}, 1),
	}
	// Outlives the longest upload: every attempt's two network legs and
	// backoff, plus the bookkeeping and cleanup calls.
	c.leaseTTL = time.Duration(c.maxAttempts)*(2*c.networkTimeout+c.maxBackoff) + 2*c.networkTimeout
	return c, nil
}

// Schedule asks for an upload pass soon. It never blocks the caller.
func (c *Coordinator) Schedule(id uuid.UUID) {
	c.logg.Debug(c.logg.WithRecordID(context.Background(), id.String()), "sync scheduled")
	c.signal()
}

// Trigger starts a cycle that also retries SyncFailed records whose next
// attempt is still in the future, e.g. when the network comes back.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	c.force = true
	c.mu.Unlock()
	c.signal()
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) takeForce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	force := c.force
	c.force = false
	return force
}

// Run loops until ctx is cancelled, running a cycle every interval or when
// woken by Schedule or Trigger.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	backoff := time.Duration(0)
	for {
		report, err := c.RunCycle(ctx, CycleOptions{IncludeDeferred: c.takeForce()})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logg.Error(ctx, "sync cycle failed", err)
			backoff = nextBackoff(backoff, c.interval, loopErrorBackoff+c.interval)
			if err := sleep(ctx, c.jitter(backoff)); err != nil {
				return err
			}
			continue
		}
		backoff = 0
		if report.Uploaded+report.Failed+report.Merged > 0 {
			c.logg.Info(c.logg.WithFields(ctx, report.fields()), "sync cycle complete")
		}

		select {
		case <-ctx.Done():
			c.logg.Info(ctx, "sync coordinator context canceled")
			return ctx.Err()
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// CycleOptions tune a single cycle.
type CycleOptions struct {
	IncludeDeferred bool
}

// CycleReport summarises one cycle.
type CycleReport struct {
	Uploaded int
	Failed   int
	Stale    int
	Merged   int
	Enriched int
}

func (r CycleReport) fields() map[string]any {
	return map[string]any{
		"uploaded": r.Uploaded,
		"failed":   r.Failed,
		"stale":    r.Stale,
		"merged":   r.Merged,
		"enriched": r.Enriched,
	}
}

// RunCycle uploads one batch of pending records, then pulls every known
// owner. A failing record never stops the others.
func (c *Coordinator) RunCycle(ctx context.Context, opts CycleOptions) (CycleReport, error) {
	var report CycleReport

	pending, err := c.store.ListPendingUpload(ctx, records.PendingQuery{Limit: c.batchSize, IncludeDeferred: opts.IncludeDeferred})
	if err != nil {
		return report, fmt.Errorf("list pending uploads: %w", err)
	}

	var (
		mu     sync.Mutex
		synced []uuid.UUID
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, rec := range pending {
		id := rec.ID
		g.Go(func() error {
			outcome, err := c.UploadRecord(gctx, id)
			if err != nil && gctx.Err() == nil {
				c.logg.WarnErr(c.logg.WithRecordID(gctx, id.String()), "upload aborted", err)
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeSynced:
				report.Uploaded++
				synced = append(synced, id)
			case OutcomeFailed:
				report.Failed++
			case OutcomeStale:
				report.Stale++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	owners, err := c.store.DistinctOwners(ctx)
	if err != nil {
		return report, fmt.Errorf("list owners: %w", err)
	}
	for _, owner := range owners {
		pulled, err := c.Pull(ctx, owner)
		report.Merged += pulled.Applied
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			c.logg.WarnErr(c.logg.WithOwnerID(ctx, owner.String()), "pull failed", err)
		}
	}

	if c.enricher != nil {
		for _, id := range synced {
			applied, err := c.enricher.Enrich(ctx, id)
			if err != nil {
				c.logg.WarnErr(c.logg.WithRecordID(ctx, id.String()), "enrichment merge failed", err)
				continue
			}
			if applied {
				report.Enriched++
			}
		}
		if report.Enriched > 0 {
			c.signal()
		}
	}

	if counts, err := c.store.CountByState(ctx); err == nil {
		c.metrics.SetPending(counts[enums.SyncStatePendingUpload] + counts[enums.SyncStateSyncFailed])
	}
	return report, nil
}

// claim takes the record's upload lease in the local store, shared by every
// coordinator over the same database.
func (c *Coordinator) claim(ctx context.Context, id uuid.UUID) (bool, error) {
	return c.store.ClaimUpload(ctx, id, c.holder, c.leaseTTL)
}

func (c *Coordinator) release(ctx context.Context, id uuid.UUID) {
	if err := c.store.ReleaseUpload(context.WithoutCancel(ctx), id, c.holder); err != nil {
		c.logg.WarnErr(ctx, "release upload lease", err)
	}
}

func (c *Coordinator) clock() time.Time {
	return records.Normalize(c.now())
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
