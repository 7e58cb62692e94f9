package bus

import (
	"encoding/json"
	"fmt"

	"github.com/concave/core/internal/changelog"
	"github.com/concave/core/internal/metrics"
)

// ErrCatchupImpossible signals that the requested resume point has fallen
// behind the changelog's retention window; the caller must invalidate.
var ErrCatchupImpossible = fmt.Errorf("bus: catch-up impossible, log truncated past requested seq")

func (b *Bus) lookup(id string) (*subscriptionState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.subscriptions[id]
	return state, ok
}

func (b *Bus) subscriptionsForResource(resource string) []*subscriptionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.byResource[resource]
	states := make([]*subscriptionState, 0, len(ids))
	for id := range ids {
		if state, ok := b.subscriptions[id]; ok {
			states = append(states, state)
		}
	}
	return states
}

// SendExistingItems delivers the initial snapshot for a newly created
// subscription: each matching item becomes an `existing` event and its id is
// recorded as relevant.
func (b *Bus) SendExistingItems(id string, items []Item, idField string) error {
	state, ok := b.lookup(id)
	if !ok {
		return fmt.Errorf("bus: unknown subscription %q", id)
	}
	seq := b.currentSeq()
	for _, item := range items {
		if !state.matches(item.Fields) {
			continue
		}
		oid := objectID(item.Fields, idField)
		state.mu.Lock()
		state.sub.RelevantObjectIDs[oid] = struct{}{}
		state.mu.Unlock()

		raw := item.Raw
		if raw == nil {
			raw = toRaw(item.Fields)
		}
		b.deliver(state, Event{Type: Existing, Seq: seq, Object: raw, ObjectID: oid})
	}
	return nil
}

// PushInsertsToSubscriptions fans a batch of newly created objects out to
// every subscription on resource whose filter now matches.
func (b *Bus) PushInsertsToSubscriptions(resource string, items []Item, idField string) {
	seq := b.currentSeq()
	for _, state := range b.subscriptionsForResource(resource) {
		for _, item := range items {
			oid := objectID(item.Fields, idField)
			now := state.matches(item.Fields)
			evt := updateRelevance(state, oid, now)
			if evt == nil {
				continue
			}
			evt.Seq = seq
			raw := item.Raw
			if raw == nil {
				raw = toRaw(item.Fields)
			}
			evt.Object = raw
			b.deliver(state, *evt)
		}
	}
}

// PushUpdatesToSubscriptions fans an update batch out, applying the
// was/now relevance table per subscriber.
func (b *Bus) PushUpdatesToSubscriptions(resource string, items []Item, idField string) {
	seq := b.currentSeq()
	for _, state := range b.subscriptionsForResource(resource) {
		for _, item := range items {
			oid := objectID(item.Fields, idField)
			now := state.matches(item.Fields)
			evt := updateRelevance(state, oid, now)
			if evt == nil {
				continue
			}
			evt.Seq = seq
			if evt.Type != Removed {
				raw := item.Raw
				if raw == nil {
					raw = toRaw(item.Fields)
				}
				evt.Object = raw
			}
			b.deliver(state, *evt)
		}
	}
}

// PushDeletesToSubscriptions fans a delete batch out. An id not currently in
// a subscriber's relevant set is a no-op for that subscriber.
func (b *Bus) PushDeletesToSubscriptions(resource string, ids []string) {
	seq := b.currentSeq()
	for _, state := range b.subscriptionsForResource(resource) {
		for _, id := range ids {
			evt := updateRelevance(state, id, false)
			if evt == nil {
				continue
			}
			evt.Seq = seq
			b.deliver(state, *evt)
		}
	}
}

// ProcessChangelogEntries replays changelog entries into every subscription
// whose lastSeq is behind the entry's seq, applying the relevance table and
// advancing each subscription's lastSeq as it goes.
func (b *Bus) ProcessChangelogEntries(entries []changelog.Entry) {
	for _, entry := range entries {
		for _, state := range b.subscriptionsForResource(entry.Resource) {
			if evt := applyChangelogEntry(state, entry); evt != nil {
				b.deliver(state, *evt)
			}
		}
	}
}

// applyChangelogEntry updates relevance/lastSeq for one subscription against
// one changelog entry, under the subscription's own lock, and returns the
// event to emit (nil if nothing changed).
func applyChangelogEntry(state *subscriptionState, entry changelog.Entry) *Event {
	state.mu.Lock()
	if entry.Seq <= state.sub.LastSeq {
		state.mu.Unlock()
		return nil
	}
	state.sub.LastSeq = entry.Seq

	_, was := state.sub.RelevantObjectIDs[entry.ObjectID]
	var now bool
	var fields map[string]any
	if entry.Type != changelog.Delete {
		_ = json.Unmarshal(entry.Object, &fields)
		now = state.filter.Evaluate(fields)
		if now && state.scopeFilter != nil {
			now = state.scopeFilter.Evaluate(fields)
		}
	}

	var evt *Event
	switch {
	case !was && !now:
	case !was && now:
		state.sub.RelevantObjectIDs[entry.ObjectID] = struct{}{}
		evt = &Event{Type: Added, ObjectID: entry.ObjectID, Object: entry.Object}
	case was && now:
		evt = &Event{Type: Changed, ObjectID: entry.ObjectID, Object: entry.Object}
	default:
		delete(state.sub.RelevantObjectIDs, entry.ObjectID)
		evt = &Event{Type: Removed, ObjectID: entry.ObjectID}
	}
	state.mu.Unlock()

	if evt != nil {
		evt.Seq = entry.Seq
	}
	return evt
}

// GetCatchupEvents replays the changelog into one subscription's own
// relevance state on reconnect, returning the events it would have received
// live. ErrCatchupImpossible means the caller must invalidate instead.
func (b *Bus) GetCatchupEvents(id string, sinceSeq uint64) ([]Event, error) {
	state, ok := b.lookup(id)
	if !ok {
		return nil, fmt.Errorf("bus: unknown subscription %q", id)
	}
	if b.changelog != nil && b.changelog.NeedsInvalidation(sinceSeq) {
		metrics.CatchupInvalidationsTotal.Inc()
		return nil, ErrCatchupImpossible
	}
	if b.changelog == nil {
		return nil, nil
	}
	entries, err := b.changelog.GetSince(sinceSeq)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		if entry.Resource != state.sub.Resource {
			continue
		}
		if evt := applyChangelogEntry(state, entry); evt != nil {
			evt.SubscriptionID = state.sub.ID
			events = append(events, *evt)
		}
	}
	return events, nil
}
