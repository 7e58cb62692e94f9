package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/concave/core/internal/task"
)

type stubReadiness struct {
	subscribers int
	uptime      time.Duration
	err         error
}

func (s *stubReadiness) SubscriberCount() int   { return s.subscribers }
func (s *stubReadiness) StartupError() error    { return s.err }
func (s *stubReadiness) Uptime() time.Duration  { return s.uptime }

type stubLimiter struct{ remaining int }

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubDeadLetters struct {
	entries []task.DeadLetterEntry
	retried []string
	err     error
}

func (s *stubDeadLetters) List() ([]task.DeadLetterEntry, error) { return s.entries, s.err }

func (s *stubDeadLetters) Retry(id string) (*task.Task, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.retried = append(s.retried, id)
	return &task.Task{ID: id + "-retry"}, nil
}

func (s *stubDeadLetters) RetryAll() (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return len(s.entries), nil
}

func (s *stubDeadLetters) Count() (int, error) { return len(s.entries), s.err }

func TestLivenessHandlerReportsAlive(t *testing.T) {
	h := NewHandlerSet(Options{})
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadinessHandlerReflectsStartupError(t *testing.T) {
	h := NewHandlerSet(Options{Readiness: &stubReadiness{err: errors.New("boom")}})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestQueueDepthHandlerReturnsBuckets(t *testing.T) {
	h := NewHandlerSet(Options{QueueDepth: func() map[string]int {
		return map[string]int{"high": 3, "low": 1}
	}})
	req := httptest.NewRequest(http.MethodGet, "/admin/tasks/queue-depth", nil)
	rec := httptest.NewRecorder()
	h.QueueDepthHandler()(rec, req)

	var depth map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &depth); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if depth["high"] != 3 || depth["low"] != 1 {
		t.Fatalf("unexpected depth payload: %#v", depth)
	}
}

func TestDeadLettersHandlerRequiresAuth(t *testing.T) {
	dl := &stubDeadLetters{entries: []task.DeadLetterEntry{{TaskID: "t1"}}}
	h := NewHandlerSet(Options{AdminToken: "secret", DeadLetters: dl})
	req := httptest.NewRequest(http.MethodGet, "/admin/tasks/dead-letters", nil)
	rec := httptest.NewRecorder()
	h.DeadLettersHandler()(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/tasks/dead-letters", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.DeadLettersHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestDeadLetterRetryHandlerRequeuesTask(t *testing.T) {
	dl := &stubDeadLetters{}
	h := NewHandlerSet(Options{AdminToken: "secret", DeadLetters: dl, RateLimiter: &stubLimiter{remaining: 1}})
	body, _ := json.Marshal(map[string]string{"task_id": "t1"})
	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/dead-letters/retry", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.DeadLetterRetryHandler()(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(dl.retried) != 1 || dl.retried[0] != "t1" {
		t.Fatalf("expected retry of t1, got %#v", dl.retried)
	}
}

func TestDeadLetterRetryHandlerRespectsRateLimit(t *testing.T) {
	dl := &stubDeadLetters{}
	h := NewHandlerSet(Options{AdminToken: "secret", DeadLetters: dl, RateLimiter: &stubLimiter{remaining: 0}})
	body, _ := json.Marshal(map[string]string{"task_id": "t1"})
	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/dead-letters/retry", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.DeadLetterRetryHandler()(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}
