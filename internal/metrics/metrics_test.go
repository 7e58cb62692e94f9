package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerServesRegisteredSeries(t *testing.T) {
	ChangelogCurrentSeq.Set(42)
	TaskQueueDepth.WithLabelValues("high").Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "concave_changelog_current_seq 42") {
		t.Fatalf("expected changelog seq gauge in output, got:\n%s", body)
	}
	if !strings.Contains(body, `concave_task_queue_depth{bucket="high"} 3`) {
		t.Fatalf("expected task queue depth gauge in output, got:\n%s", body)
	}
}

func TestTimerObservesElapsedDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(ChangelogAppendDuration)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "concave_changelog_append_duration_seconds_count") {
		t.Fatalf("expected append duration histogram count in output")
	}
}

func TestTimerObservesDurationVec(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDurationVec(TaskExecutionDuration, "rebuild-index")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `concave_task_execution_duration_seconds_count{name="rebuild-index"}`) {
		t.Fatalf("expected labeled task execution duration count in output")
	}
}
