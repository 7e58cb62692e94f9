package task

import (
	"context"
	"testing"
	"time"

	"github.com/concave/core/internal/kv"
)

func TestDeadLetterAddThenListThenRetryIssuesNewID(t *testing.T) {
	store := kv.NewMemStore()
	defer store.Close()
	ctx := context.Background()
	dlq := NewDeadLetterQueue(store, "concave:tasks:", nil)

	dead := Task{
		ID:          "original-1",
		Name:        "cleanup",
		Status:      Dead,
		Attempt:     2,
		MaxAttempts: 2,
		LastError:   "disk full",
	}
	if err := dlq.Add(ctx, dead); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := dlq.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != "original-1" {
		t.Fatalf("expected one dead letter for original-1, got %#v", entries)
	}

	retried, err := dlq.Retry("original-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retried.ID == "original-1" {
		t.Fatal("expected retry to mint a fresh task id rather than reuse the dead one")
	}
	if retried.Attempt != 0 {
		t.Fatalf("expected fresh task to start at attempt 0, got %d", retried.Attempt)
	}
	if retried.Status != Scheduled {
		t.Fatalf("expected fresh task scheduled, got %s", retried.Status)
	}

	remaining, err := dlq.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected dead letter purged after retry, got %#v", remaining)
	}
}

func TestDeadLetterRetryAllContinuesPastIndividualFailures(t *testing.T) {
	store := kv.NewMemStore()
	defer store.Close()
	ctx := context.Background()
	dlq := NewDeadLetterQueue(store, "concave:tasks:", nil)

	for i := 0; i < 3; i++ {
		id := []string{"a", "b", "c"}[i]
		if err := dlq.Add(ctx, Task{ID: id, Name: "job", Status: Dead}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	count, err := dlq.RetryAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 tasks retried, got %d", count)
	}

	remaining, err := dlq.Count()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected dead-letter queue drained, got %d remaining", remaining)
	}
}

func TestDeadLetterGetReturnsTheStoredEntry(t *testing.T) {
	store := kv.NewMemStore()
	defer store.Close()
	ctx := context.Background()
	dlq := NewDeadLetterQueue(store, "concave:tasks:", nil)

	if err := dlq.Add(ctx, Task{ID: "x", Name: "job", Status: Dead, LastError: "boom"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, found, err := dlq.Get("x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || entry.TaskID != "x" || entry.LastError != "boom" {
		t.Fatalf("expected to find dead letter x, found=%v entry=%#v", found, entry)
	}

	_, found, err = dlq.Get("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected no entry for an unknown id")
	}
}

func TestDeadLetterPurgeRemovesOnlyEntriesOlderThanThreshold(t *testing.T) {
	store := kv.NewMemStore()
	defer store.Close()
	ctx := context.Background()
	dlq := NewDeadLetterQueue(store, "concave:tasks:", nil)

	now := time.Now()
	dlq.now = func() time.Time { return now }
	if err := dlq.Add(ctx, Task{ID: "stale", Name: "job", Status: Dead}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dlq.now = func() time.Time { return now.Add(time.Hour) }
	if err := dlq.Add(ctx, Task{ID: "fresh", Name: "job", Status: Dead}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	purged, err := dlq.Purge(30 * 60 * 1000) // 30 minutes
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected exactly one stale entry purged, got %d", purged)
	}

	if _, found, _ := dlq.Get("stale"); found {
		t.Fatal("expected the stale entry to be gone")
	}
	if _, found, _ := dlq.Get("fresh"); !found {
		t.Fatal("expected the fresh entry to survive the purge")
	}

	sched := NewScheduler(store, "concave:tasks:", nil)
	loaded, err := sched.GetTask(ctx, "stale")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Fatal("expected purge not to create a new task record")
	}
}
