package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

type fakeLock struct {
	acquired bool
	denied   bool
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.acquired || f.denied {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error { f.acquired = false; return nil }

type testJob struct {
	name  string
	err   error
	runs  int
	every time.Duration
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

type periodicJob struct {
	testJob
}

func (p *periodicJob) Every() time.Duration { return p.every }

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	service, err := NewService(ServiceParams{
		Logger:   logg,
		Registry: NewRegistry(success, failure),
		Lock:     &fakeLock{},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if success.runs != 1 {
		t.Fatalf("expected success job to run once, ran %d", success.runs)
	}
	if failure.runs != 1 {
		t.Fatalf("expected failure job to run once, ran %d", failure.runs)
	}
}

func TestServiceRunCycleSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "sweep"}
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: NewRegistry(job),
		Lock:     &fakeLock{denied: true},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("expected job to be skipped, ran %d", job.runs)
	}
}

func TestServiceHonoursJobCadence(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	every := &testJob{name: "every-tick"}
	slow := &periodicJob{testJob{name: "slow", every: 15 * time.Minute}}
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: NewRegistry(every, slow),
		Lock:     &LocalLock{},
		Interval: time.Minute,
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	for i := 0; i < 16; i++ {
		if err := service.runCycle(context.Background()); err != nil {
			t.Fatalf("run cycle: %v", err)
		}
		now = now.Add(time.Minute)
	}
	if every.runs != 16 {
		t.Fatalf("expected 16 runs of every-tick job, got %d", every.runs)
	}
	if slow.runs != 2 {
		t.Fatalf("expected slow job to run twice, got %d", slow.runs)
	}
}

func TestLocalLockIsExclusive(t *testing.T) {
	lock := &LocalLock{}
	ok, _ := lock.Acquire(context.Background())
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	ok, _ = lock.Acquire(context.Background())
	if ok {
		t.Fatal("second acquire should fail while held")
	}
	_ = lock.Release(context.Background())
	ok, _ = lock.Acquire(context.Background())
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
}
