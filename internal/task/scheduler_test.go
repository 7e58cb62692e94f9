package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/concave/core/internal/kv"
)

func newTestScheduler(t *testing.T) (*Scheduler, kv.Store) {
	t.Helper()
	store := kv.NewMemStore()
	t.Cleanup(func() { _ = store.Close() })
	return NewScheduler(store, "concave:tasks:", nil), store
}

func noopHandler(rc RunContext, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

func TestScheduleAssignsQueueByPriorityBucket(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	def := &Definition{Name: "send-email", Handler: noopHandler, Priority: 80, Retry: RetryPolicy{MaxAttempts: 1}}
	id, err := sched.Enqueue(ctx, def, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	card, err := store.ZCard(ctx, "concave:tasks:queue:high")
	if err != nil || card != 1 {
		t.Fatalf("expected task queued in high bucket, card=%d err=%v", card, err)
	}

	loaded, err := sched.GetTask(ctx, id)
	if err != nil || loaded == nil {
		t.Fatalf("expected to load task %s, err=%v", id, err)
	}
	if loaded.Status != Scheduled {
		t.Fatalf("expected status scheduled, got %s", loaded.Status)
	}
}

func TestScheduleWithIdempotencyKeyReturnsExistingNonTerminalTask(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	def := &Definition{Name: "charge-card", Handler: noopHandler, Retry: RetryPolicy{MaxAttempts: 1}}
	first, err := sched.Schedule(ctx, def, nil, ScheduleOptions{IdempotencyKey: "order-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := sched.Schedule(ctx, def, nil, ScheduleOptions{IdempotencyKey: "order-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first != second {
		t.Fatalf("expected duplicate idempotency key to return same task id, got %s and %s", first, second)
	}
}

func TestScheduleWithIdempotencyKeyAfterCompletionCreatesNewTask(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	def := &Definition{Name: "charge-card", Handler: noopHandler, Retry: RetryPolicy{MaxAttempts: 1}}
	first, err := sched.Schedule(ctx, def, nil, ScheduleOptions{IdempotencyKey: "order-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, _ := sched.GetTask(ctx, first)
	loaded.CompletedAt = nil
	if err := moveStatus(ctx, store, sched.ks, loaded, Scheduled, Completed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := sched.Schedule(ctx, def, nil, ScheduleOptions{IdempotencyKey: "order-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh task id once the prior run completed")
	}
}

func TestCancelSucceedsForScheduledTask(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	def := &Definition{Name: "noop", Handler: noopHandler, Retry: RetryPolicy{MaxAttempts: 1}}
	id, err := sched.Enqueue(ctx, def, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := sched.Cancel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed, ok=%v err=%v", ok, err)
	}

	loaded, err := sched.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Fatal("expected task record removed after cancel")
	}
}

func TestCancelFailsForRunningTask(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	def := &Definition{Name: "noop", Handler: noopHandler, Retry: RetryPolicy{MaxAttempts: 1}}
	id, err := sched.Enqueue(ctx, def, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loaded, _ := sched.GetTask(ctx, id)
	if err := moveStatus(ctx, store, sched.ks, loaded, Scheduled, Running); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := sched.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected cancel of a running task to fail")
	}
}

func TestGetTasksFiltersByStatusAndNameSortedByCreatedAtDescending(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	emailDef := &Definition{Name: "send-email", Handler: noopHandler, Retry: RetryPolicy{MaxAttempts: 1}}
	smsDef := &Definition{Name: "send-sms", Handler: noopHandler, Retry: RetryPolicy{MaxAttempts: 1}}

	oldest, err := sched.Enqueue(ctx, emailDef, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	middle, err := sched.Enqueue(ctx, emailDef, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newest, err := sched.Enqueue(ctx, smsDef, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Space out CreatedAt so descending order is unambiguous; Enqueue uses
	// time.Now() for each call, but on a fast machine these can collide.
	bumpCreatedAt(t, ctx, store, sched.ks, oldest, -2*time.Minute)
	bumpCreatedAt(t, ctx, store, sched.ks, middle, -1*time.Minute)

	emailTasks, err := sched.GetTasks(ctx, TaskFilter{Status: Scheduled, Name: "send-email"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emailTasks) != 2 {
		t.Fatalf("expected 2 send-email tasks, got %d", len(emailTasks))
	}
	if emailTasks[0].ID != middle || emailTasks[1].ID != oldest {
		t.Fatalf("expected [middle, oldest] by CreatedAt descending, got [%s, %s]", emailTasks[0].ID, emailTasks[1].ID)
	}

	allTasks, err := sched.GetTasks(ctx, TaskFilter{Status: Scheduled})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(allTasks) != 3 {
		t.Fatalf("expected 3 scheduled tasks ignoring name, got %d", len(allTasks))
	}
	if allTasks[0].ID != newest {
		t.Fatalf("expected newest task first, got %s", allTasks[0].ID)
	}

	smsTasks, err := sched.GetTasks(ctx, TaskFilter{Status: Scheduled, Name: "send-sms"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(smsTasks) != 1 || smsTasks[0].ID != newest {
		t.Fatalf("expected only the send-sms task, got %#v", smsTasks)
	}
}

// bumpCreatedAt rewrites a persisted task's CreatedAt so ordering assertions
// don't depend on real clock skew between successive Enqueue calls in a test.
func bumpCreatedAt(t *testing.T, ctx context.Context, store kv.Store, ks keyspace, id string, delta time.Duration) {
	t.Helper()
	task, found, err := loadTask(ctx, store, ks, id)
	if err != nil || !found {
		t.Fatalf("expected to load task %s, found=%v err=%v", id, found, err)
	}
	task.CreatedAt = task.CreatedAt.Add(delta)
	if err := persistTask(ctx, store, ks, *task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetQueueDepthReportsAllBuckets(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	highDef := &Definition{Name: "high", Handler: noopHandler, Priority: 90, Retry: RetryPolicy{MaxAttempts: 1}}
	lowDef := &Definition{Name: "low", Handler: noopHandler, Priority: 10, Retry: RetryPolicy{MaxAttempts: 1}}
	if _, err := sched.Enqueue(ctx, highDef, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sched.Enqueue(ctx, lowDef, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	depth, err := sched.GetQueueDepth(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if depth["high"] != 1 || depth["low"] != 1 || depth["normal"] != 0 {
		t.Fatalf("unexpected queue depth: %#v", depth)
	}
}
