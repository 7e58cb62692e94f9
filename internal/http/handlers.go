// Package httpapi exposes the core's operational HTTP surface: liveness,
// readiness, Prometheus metrics, and a small admin API over the task
// scheduler's dead-letter queue. The event stream itself is framed by
// internal/stream, not this package.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/concave/core/internal/logging"
	"github.com/concave/core/internal/metrics"
	"github.com/concave/core/internal/task"
)

// ReadinessProvider exposes core state required for readiness checks.
type ReadinessProvider interface {
	SubscriberCount() int
	StartupError() error
	Uptime() time.Duration
}

// QueueDepthFunc reports current task queue depth per priority bucket.
type QueueDepthFunc func() map[string]int

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// DeadLetterAdmin exposes the dead-letter operations the admin API drives.
type DeadLetterAdmin interface {
	List() ([]task.DeadLetterEntry, error)
	Retry(id string) (*task.Task, error)
	RetryAll() (int, error)
	Count() (int, error)
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	QueueDepth  QueueDepthFunc
	DeadLetters DeadLetterAdmin
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the core's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	queueDepth  QueueDepthFunc
	deadLetters DeadLetterAdmin
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		queueDepth:  opts.QueueDepth,
		deadLetters: opts.DeadLetters,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/admin/tasks/queue-depth", h.QueueDepthHandler())
	if h.deadLetters != nil {
		mux.HandleFunc("/admin/tasks/dead-letters", h.DeadLettersHandler())
		mux.HandleFunc("/admin/tasks/dead-letters/retry", h.DeadLetterRetryHandler())
		mux.HandleFunc("/admin/tasks/dead-letters/retry-all", h.DeadLetterRetryAllHandler())
	}
}

// LivenessHandler reports that the service is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including subscriber counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Subscribers   int     `json:"subscribers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Subscribers = h.readiness.SubscriberCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// QueueDepthHandler reports the current task queue depth per priority bucket.
func (h *HandlerSet) QueueDepthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth := map[string]int{}
		if h.queueDepth != nil {
			depth = h.queueDepth()
		}
		writeJSON(w, http.StatusOK, depth)
	}
}

// DeadLettersHandler lists dead-lettered tasks, gated by the admin token.
func (h *HandlerSet) DeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(logging.String("handler", "dead_letters"))
		if !h.authorise(r) {
			reqLogger.Warn("dead-letter listing denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		entries, err := h.deadLetters.List()
		if err != nil {
			reqLogger.Error("dead-letter listing failed", logging.Error(err))
			http.Error(w, "failed to list dead letters", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// DeadLetterRetryHandler clones a single dead-lettered task back onto the queue.
func (h *HandlerSet) DeadLetterRetryHandler() http.HandlerFunc {
	type request struct {
		TaskID string `json:"task_id"`
	}
	type response struct {
		Status string `json:"status"`
		TaskID string `json:"task_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(logging.String("handler", "dead_letter_retry"))
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("dead-letter retry denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.TaskID) == "" {
			http.Error(w, "task_id is required", http.StatusBadRequest)
			return
		}
		retried, err := h.deadLetters.Retry(req.TaskID)
		if err != nil {
			reqLogger.Error("dead-letter retry failed", logging.Error(err))
			http.Error(w, "failed to retry task", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", TaskID: retried.ID})
	}
}

// DeadLetterRetryAllHandler requeues every dead-lettered task.
func (h *HandlerSet) DeadLetterRetryAllHandler() http.HandlerFunc {
	type response struct {
		Status  string `json:"status"`
		Retried int    `json:"retried"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(logging.String("handler", "dead_letter_retry_all"))
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("dead-letter retry-all denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		count, err := h.deadLetters.RetryAll()
		if err != nil {
			reqLogger.Error("dead-letter retry-all failed", logging.Error(err))
			http.Error(w, "failed to retry tasks", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Retried: count})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
