package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/campusfeed/internal/jobs"
)

func TestScheduler_StartStop(t *testing.T) {
	e := newEnv(nil, nil)
	s := NewScheduler(SchedulerConfig{
		RebuildInterval: time.Hour,
		PruneInterval:   time.Hour,
		Logger:          discardLogger(),
	}, e.rebuilder, newPruner(e, 10))

	if s.IsRunning() {
		t.Error("scheduler should not be running before Start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("scheduler should be running after Start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}
	s.Stop()
}

func TestScheduler_RunsJobsOnTick(t *testing.T) {
	e := newEnv(nil, nil)
	e.dir.AddRecipient("sleeper", e.now.Add(-30*day))
	seedAged(t, e, "sleeper", 2, 100*day)

	s := NewScheduler(SchedulerConfig{
		RebuildInterval: 10 * time.Millisecond,
		PruneInterval:   10 * time.Millisecond,
		Logger:          discardLogger(),
	}, e.rebuilder, newPruner(e, 10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.reporter.total(jobs.JobTypeRetentionPrune+"/"+jobs.StatusSuccess) > 0 &&
			e.reporter.total(jobs.JobTypeInactiveRebuild+"/"+jobs.StatusSuccess) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if e.reporter.total(jobs.JobTypeRetentionPrune+"/"+jobs.StatusSuccess) == 0 {
		t.Error("prune job never ran")
	}
	if e.reporter.total(jobs.JobTypeInactiveRebuild+"/"+jobs.StatusSuccess) == 0 {
		t.Error("inactive rebuild never ran")
	}
}

func TestScheduler_NilJobsAreSkipped(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Logger: discardLogger()}, nil, nil)
	s.RebuildNow(context.Background())
	s.PruneNow(context.Background())
}
