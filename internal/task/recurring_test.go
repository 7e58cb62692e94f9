package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/concave/core/internal/kv"
)

func TestRecurringSweepEnqueuesDueScheduleAndAdvancesNextRun(t *testing.T) {
	store := kv.NewMemStore()
	defer store.Close()
	ctx := context.Background()
	sched := NewScheduler(store, "concave:tasks:", nil)

	def := &Definition{
		Name: "nightly-report",
		Handler: func(rc RunContext, input json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
		Retry: RetryPolicy{MaxAttempts: 1},
	}

	rs := NewRecurringScheduler(store, "concave:tasks:", sched, []*Definition{def}, nil)
	past := time.Now().Add(-time.Minute)
	if err := rs.Register(ctx, RecurringSchedule{
		ID:       "nightly-report-schedule",
		Name:     "nightly-report",
		Interval: time.Hour,
		NextRun:  past,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rs.sweepOnce(ctx)

	depth, err := sched.GetQueueDepth(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	total := 0
	for _, n := range depth {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected exactly one enqueued task after sweep, got depth=%#v", depth)
	}

	updated, found, err := rs.load(ctx, "nightly-report-schedule")
	if err != nil || !found {
		t.Fatalf("expected to reload schedule, found=%v err=%v", found, err)
	}
	if !updated.NextRun.After(past) {
		t.Fatalf("expected next run advanced past %s, got %s", past, updated.NextRun)
	}
	if updated.LastTaskID == "" {
		t.Fatal("expected last task id recorded")
	}
}

func TestRecurringSweepSkipsScheduleNotYetDue(t *testing.T) {
	store := kv.NewMemStore()
	defer store.Close()
	ctx := context.Background()
	sched := NewScheduler(store, "concave:tasks:", nil)

	def := &Definition{Name: "hourly", Handler: noopHandler, Retry: RetryPolicy{MaxAttempts: 1}}
	rs := NewRecurringScheduler(store, "concave:tasks:", sched, []*Definition{def}, nil)
	future := time.Now().Add(time.Hour)
	if err := rs.Register(ctx, RecurringSchedule{
		ID:       "hourly-schedule",
		Name:     "hourly",
		Interval: time.Hour,
		NextRun:  future,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rs.sweepOnce(ctx)

	depth, err := sched.GetQueueDepth(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for bucket, n := range depth {
		if n != 0 {
			t.Fatalf("expected no tasks enqueued before due time, bucket %s has %d", bucket, n)
		}
	}
}

func TestRecurringUnregisterStopsFutureEnqueues(t *testing.T) {
	store := kv.NewMemStore()
	defer store.Close()
	ctx := context.Background()
	sched := NewScheduler(store, "concave:tasks:", nil)

	def := &Definition{Name: "cleanup", Handler: noopHandler, Retry: RetryPolicy{MaxAttempts: 1}}
	rs := NewRecurringScheduler(store, "concave:tasks:", sched, []*Definition{def}, nil)
	past := time.Now().Add(-time.Minute)
	if err := rs.Register(ctx, RecurringSchedule{ID: "cleanup-schedule", Name: "cleanup", Interval: time.Minute, NextRun: past}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rs.Unregister(ctx, "cleanup-schedule"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rs.sweepOnce(ctx)

	depth, err := sched.GetQueueDepth(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for bucket, n := range depth {
		if n != 0 {
			t.Fatalf("expected unregistered schedule not to enqueue, bucket %s has %d", bucket, n)
		}
	}
}
