package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/concave/core/internal/changelog"
	"github.com/concave/core/internal/filter"
	"github.com/concave/core/internal/logging"
	"github.com/concave/core/internal/metrics"
	"github.com/google/uuid"
)

// Bus is the subscription bus: it owns handler sinks, subscription state,
// and the relevance/fan-out algorithm driving what each subscriber sees.
type Bus struct {
	mu            sync.Mutex
	handlers      map[string]*handler
	subscriptions map[string]*subscriptionState
	byResource    map[string]map[string]struct{} // resource -> subscriptionIds

	changelog *changelog.Changelog
	logger    *logging.Logger
	now       func() time.Time

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// subscriptionState bundles the public Subscription record with its compiled
// filters and serialized delivery queue.
type subscriptionState struct {
	sub         Subscription
	filter      filter.Filter
	scopeFilter filter.Filter
	mu          sync.Mutex

	deliverCh chan Event
	done      chan struct{}
}

// New constructs a Bus fanning out from cl. sweepInterval governs how often
// authorization expiry is checked; zero disables the sweeper.
func New(cl *changelog.Changelog, logger *logging.Logger, sweepInterval time.Duration) *Bus {
	if logger == nil {
		logger = logging.L()
	}
	b := &Bus{
		handlers:      make(map[string]*handler),
		subscriptions: make(map[string]*subscriptionState),
		byResource:    make(map[string]map[string]struct{}),
		changelog:     cl,
		logger:        logger,
		now:           time.Now,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go b.runAuthSweeper()
	}
	return b
}

// RegisterHandler attaches a sink under handlerID, replacing any previous
// sink for the same id (the reconnect case).
func (b *Bus) RegisterHandler(handlerID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[handlerID] = &handler{id: handlerID, sink: sink, connected: true}
}

// UnregisterHandler tears down the handler's sink and every subscription it
// owns. Safe to call even when the handler is already gone.
func (b *Bus) UnregisterHandler(handlerID string) {
	b.mu.Lock()
	h, ok := b.handlers[handlerID]
	if ok {
		delete(b.handlers, handlerID)
	}
	var toRemove []string
	for id, state := range b.subscriptions {
		if state.sub.HandlerID == handlerID {
			toRemove = append(toRemove, id)
		}
	}
	b.mu.Unlock()

	if ok && h.sink != nil {
		_ = h.sink.Close()
	}
	for _, id := range toRemove {
		b.RemoveSubscription(id)
	}
}

// CreateSubscriptionOptions configures a new subscription.
type CreateSubscriptionOptions struct {
	Resource          string
	FilterSource      string
	HandlerID         string
	AuthID            string
	ScopeFilterSource string
	AuthExpiresAt     *time.Time
}

// CreateSubscription compiles the filter(s) and registers a new subscription
// against the given resource.
func (b *Bus) CreateSubscription(opts CreateSubscriptionOptions) (string, error) {
	compiled, err := filter.Compile(opts.FilterSource)
	if err != nil {
		return "", fmt.Errorf("bus: compile filter: %w", err)
	}
	var scope filter.Filter
	if opts.ScopeFilterSource != "" {
		scope, err = filter.Compile(opts.ScopeFilterSource)
		if err != nil {
			return "", fmt.Errorf("bus: compile scope filter: %w", err)
		}
	}

	id := uuid.NewString()
	state := &subscriptionState{
		sub: Subscription{
			ID:                id,
			Resource:          opts.Resource,
			HandlerID:         opts.HandlerID,
			FilterSource:      opts.FilterSource,
			ScopeFilterSource: opts.ScopeFilterSource,
			AuthID:            opts.AuthID,
			AuthExpiresAt:     opts.AuthExpiresAt,
			CreatedAt:         b.now(),
			RelevantObjectIDs: make(map[string]struct{}),
		},
		filter:      compiled,
		scopeFilter: scope,
		deliverCh:   make(chan Event, 256),
		done:        make(chan struct{}),
	}

	b.mu.Lock()
	b.subscriptions[id] = state
	set, ok := b.byResource[opts.Resource]
	if !ok {
		set = make(map[string]struct{})
		b.byResource[opts.Resource] = set
	}
	set[id] = struct{}{}
	b.mu.Unlock()

	go b.runDelivery(state)

	b.deliver(state, Event{Type: Connected, Seq: b.currentSeq()})
	metrics.SubscriptionsActive.WithLabelValues(opts.Resource).Inc()
	return id, nil
}

// RemoveSubscription deletes a subscription, safe to call repeatedly.
func (b *Bus) RemoveSubscription(id string) {
	b.mu.Lock()
	state, ok := b.subscriptions[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscriptions, id)
	if set, ok := b.byResource[state.sub.Resource]; ok {
		delete(set, id)
	}
	b.mu.Unlock()

	close(state.done)
	metrics.SubscriptionsActive.WithLabelValues(state.sub.Resource).Dec()
}

func (b *Bus) currentSeq() uint64 {
	if b.changelog == nil {
		return 0
	}
	return b.changelog.CurrentSeq()
}

// matches combines the user filter with the authorization scope overlay by
// logical AND; a missing scope filter matches unconditionally.
func (s *subscriptionState) matches(fields map[string]any) bool {
	if !s.filter.Evaluate(fields) {
		return false
	}
	if s.scopeFilter == nil {
		return true
	}
	return s.scopeFilter.Evaluate(fields)
}

func objectID(fields map[string]any, idField string) string {
	if idField == "" {
		idField = "id"
	}
	if v, ok := fields[idField]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func toRaw(fields map[string]any) json.RawMessage {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return data
}
