package changelog

import (
	"sync"
	"time"

	"github.com/concave/core/internal/logging"
	"github.com/concave/core/internal/metrics"
)

// Changelog is the append-only log the subscription bus reads from. It wraps
// a Store and transparently degrades to an in-process MemStore if the
// configured durable backend fails, per the "KV/backend unavailable" soft
// failure mode: durability is lost for this process, correctness is not.
type Changelog struct {
	mu        sync.Mutex
	primary   Store
	fallback  Store
	degraded  bool
	logger    *logging.Logger
	maxEntries int
}

// New constructs a Changelog backed by primary (may be nil to start in
// memory-only mode).
func New(primary Store, maxEntries int, logger *logging.Logger) *Changelog {
	if logger == nil {
		logger = logging.L()
	}
	return &Changelog{
		primary:    primary,
		fallback:   NewMemStore(maxEntries),
		logger:     logger,
		maxEntries: maxEntries,
	}
}

func (c *Changelog) active() Store {
	if c.degraded || c.primary == nil {
		return c.fallback
	}
	return c.primary
}

func (c *Changelog) degrade(cause error) {
	if c.degraded {
		return
	}
	c.degraded = true
	c.logger.Warn("changelog degraded to in-process store", logging.Error(cause))
	metrics.ChangelogDegraded.Set(1)
}

// Append records a mutation and returns the entry with its assigned seq.
func (c *Changelog) Append(resource string, changeType ChangeType, objectID string, object, previousObject []byte) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{
		Resource:       resource,
		Type:           changeType,
		ObjectID:       objectID,
		Object:         object,
		PreviousObject: previousObject,
		Timestamp:      time.Now().UTC(),
	}

	timer := metrics.NewTimer()
	stored, err := c.active().Append(entry)
	if err != nil && !c.degraded && c.primary != nil {
		c.degrade(err)
		stored, err = c.fallback.Append(entry)
	}
	timer.ObserveDuration(metrics.ChangelogAppendDuration)
	if err == nil {
		metrics.ChangelogCurrentSeq.Set(float64(stored.Seq))
		metrics.ChangelogMinAvailableSeq.Set(float64(c.active().MinAvailableSeq()))
	}
	return stored, err
}

// GetSince returns all retained entries after since, in seq order.
func (c *Changelog) GetSince(since uint64) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active().GetSince(since)
}

// MinAvailableSeq reports the smallest retained sequence.
func (c *Changelog) MinAvailableSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active().MinAvailableSeq()
}

// CurrentSeq reports the largest assigned sequence.
func (c *Changelog) CurrentSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active().CurrentSeq()
}

// NeedsInvalidation reports whether a subscriber resuming from lastSeq has
// fallen behind the retained window and must be sent an invalidate directive
// instead of a catch-up replay.
func (c *Changelog) NeedsInvalidation(lastSeq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	min := c.active().MinAvailableSeq()
	return min > 0 && lastSeq < min
}

// Clear discards all retained entries, used in tests and administrative resets.
func (c *Changelog) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active().Clear()
}

// Close releases the underlying stores.
func (c *Changelog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary != nil {
		_ = c.primary.Close()
	}
	return c.fallback.Close()
}
