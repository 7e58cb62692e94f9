// Package task implements the durable priority task scheduler and worker
// pool: leased claims with heartbeat, retry/backoff, idempotency, a
// dead-letter queue, and recurring schedules, all over a kv.Store.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// Status is a task's position in the state machine in §4.4.
type Status string

const (
	Pending   Status = "pending"
	Scheduled Status = "scheduled"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Dead      Status = "dead"
)

// Task is the durable record persisted for every unit of work.
type Task struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"createdAt"`
	ScheduledFor   time.Time       `json:"scheduledFor"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	WorkerID       string          `json:"workerId,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"maxAttempts"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	RecurringID    string          `json:"recurringId,omitempty"`
}

// IsTerminal reports whether the task can no longer transition.
func (t Task) IsTerminal() bool {
	return t.Status == Completed || t.Status == Dead
}

// RetryKind selects the backoff formula applied between attempts.
type RetryKind string

const (
	Exponential RetryKind = "exponential"
	Linear      RetryKind = "linear"
	Fixed       RetryKind = "fixed"
)

// RetryPolicy controls retry/backoff and which errors are retryable.
type RetryPolicy struct {
	Kind        RetryKind
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	// RetryOn decides whether err is retryable. Nil means always retry.
	RetryOn func(err error) bool
}

func (p RetryPolicy) allows(err error) bool {
	if p.RetryOn == nil {
		return true
	}
	return p.RetryOn(err)
}

// RunContext is passed to a task handler on every execution attempt.
type RunContext struct {
	context.Context
	TaskID      string
	Attempt     int
	ScheduledAt time.Time
	StartedAt   time.Time
	WorkerID    string
}

// Handler executes a task's work. It may return a result payload, or an
// error that the retry policy decides how to treat.
type Handler func(rc RunContext, input json.RawMessage) (json.RawMessage, error)

// Definition bundles a task type's handler with its scheduling policy.
type Definition struct {
	Name           string
	Handler        Handler
	Retry          RetryPolicy
	Timeout        time.Duration
	Priority       int
	MaxConcurrency int
	IdempotencyKey func(input json.RawMessage) string
}
