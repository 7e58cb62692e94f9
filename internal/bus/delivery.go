package bus

import (
	"github.com/concave/core/internal/logging"
	"github.com/concave/core/internal/metrics"
)

// deliver enqueues event for state's single writer goroutine. It never
// blocks past the subscription being torn down.
func (b *Bus) deliver(state *subscriptionState, event Event) {
	event.SubscriptionID = state.sub.ID
	select {
	case state.deliverCh <- event:
	case <-state.done:
	}
}

// runDelivery is the single writer goroutine for a subscription: every event
// for this subscription is written to its sink in order, so a slow or failed
// sink never blocks or corrupts delivery to any other subscriber.
func (b *Bus) runDelivery(state *subscriptionState) {
	for {
		select {
		case event, ok := <-state.deliverCh:
			if !ok {
				return
			}
			b.writeEvent(state, event)
		case <-state.done:
			// Drain anything already enqueued (e.g. a final invalidate sent
			// in the same breath as teardown) before exiting.
			for {
				select {
				case event, ok := <-state.deliverCh:
					if !ok {
						return
					}
					b.writeEvent(state, event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) writeEvent(state *subscriptionState, event Event) {
	b.mu.Lock()
	h, ok := b.handlers[state.sub.HandlerID]
	b.mu.Unlock()
	if !ok || h.sink == nil {
		return
	}

	if err := h.sink.Send(event); err != nil {
		b.logger.Warn("subscription sink write failed, tearing down",
			logging.String("subscriptionId", state.sub.ID),
			logging.String("handlerId", state.sub.HandlerID),
			logging.Error(err))
		metrics.EventsDroppedTotal.WithLabelValues(state.sub.Resource).Inc()
		go b.UnregisterHandler(state.sub.HandlerID)
		return
	}
	metrics.EventsDeliveredTotal.WithLabelValues(state.sub.Resource, string(event.Type)).Inc()
}

// updateRelevance applies the was/now relevance table and returns the event
// to emit, or nil when nothing should be delivered.
func updateRelevance(state *subscriptionState, id string, now bool) *Event {
	state.mu.Lock()
	defer state.mu.Unlock()

	_, was := state.sub.RelevantObjectIDs[id]
	switch {
	case !was && !now:
		return nil
	case !was && now:
		state.sub.RelevantObjectIDs[id] = struct{}{}
		return &Event{Type: Added, ObjectID: id}
	case was && now:
		return &Event{Type: Changed, ObjectID: id}
	default: // was && !now
		delete(state.sub.RelevantObjectIDs, id)
		return &Event{Type: Removed, ObjectID: id}
	}
}
