package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/vehiclehealth-backend/internal/retention"
	"github.com/angelmondragon/vehiclehealth-backend/internal/syncer"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

type fakeSweeper struct {
	sweepErr error
	sweeps   int
	flushes  int
}

func (f *fakeSweeper) Sweep(context.Context) (retention.SweepReport, error) {
	f.sweeps++
	return retention.SweepReport{Deleted: 2}, f.sweepErr
}

func (f *fakeSweeper) FlushRemoteDeletions(context.Context) (retention.FlushReport, error) {
	f.flushes++
	return retention.FlushReport{Failed: 1}, errors.New("remote unavailable")
}

func TestRetentionJobRunsSweepThenFlush(t *testing.T) {
	sw := &fakeSweeper{}
	job, err := NewRetentionJob(RetentionJobParams{Logger: logger.Nop(), Sweeper: sw, Interval: 15 * time.Minute})
	if err != nil {
		t.Fatalf("NewRetentionJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("remote failures must not fail the job: %v", err)
	}
	if sw.sweeps != 1 || sw.flushes != 1 {
		t.Fatalf("expected one sweep and one flush, got %d/%d", sw.sweeps, sw.flushes)
	}
	if got := job.(Periodic).Every(); got != 15*time.Minute {
		t.Fatalf("unexpected cadence %s", got)
	}
}

func TestRetentionJobReportsSweepErrors(t *testing.T) {
	sw := &fakeSweeper{sweepErr: errors.New("disk busy")}
	job, err := NewRetentionJob(RetentionJobParams{Logger: logger.Nop(), Sweeper: sw})
	if err != nil {
		t.Fatalf("NewRetentionJob: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected sweep error")
	}
}

type fakeCycler struct {
	opts []syncer.CycleOptions
	err  error
}

func (f *fakeCycler) RunCycle(_ context.Context, opts syncer.CycleOptions) (syncer.CycleReport, error) {
	f.opts = append(f.opts, opts)
	return syncer.CycleReport{Uploaded: 1}, f.err
}

func TestSyncJobPassesOptions(t *testing.T) {
	cycler := &fakeCycler{}
	job, err := NewSyncJob(SyncJobParams{Logger: logger.Nop(), Coordinator: cycler, IncludeDeferred: true})
	if err != nil {
		t.Fatalf("NewSyncJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cycler.opts) != 1 || !cycler.opts[0].IncludeDeferred {
		t.Fatalf("unexpected cycle options %+v", cycler.opts)
	}

	cycler.err = errors.New("db locked")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestJobConstructorsValidate(t *testing.T) {
	if _, err := NewRetentionJob(RetentionJobParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected missing sweeper error")
	}
	if _, err := NewSyncJob(SyncJobParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected missing coordinator error")
	}
}

type memRedis struct {
	values map[string]string
}

func (m *memRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memRedis) ReleaseIfOwner(_ context.Context, key, owner string) (bool, error) {
	if m.values[key] != owner {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func TestRedisLockReleasesOnlyOwnKey(t *testing.T) {
	store := &memRedis{values: map[string]string{}}
	first, err := NewRedisLock(store, "vehiclehealth:lock:cron", 0)
	if err != nil {
		t.Fatalf("NewRedisLock: %v", err)
	}
	second, _ := NewRedisLock(store, "vehiclehealth:lock:cron", 0)

	ok, err := first.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, _ = second.Acquire(context.Background())
	if ok {
		t.Fatal("second acquire should fail")
	}
	if err := second.Release(context.Background()); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, held := store.values["vehiclehealth:lock:cron"]; !held {
		t.Fatal("non-owner release removed the lock")
	}
	if err := first.Release(context.Background()); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, held := store.values["vehiclehealth:lock:cron"]; held {
		t.Fatal("owner release left the lock")
	}
}
