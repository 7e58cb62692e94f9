package bus

import "time"

// runAuthSweeper periodically tears down subscriptions whose authExpiresAt
// has elapsed, emitting an invalidate event with reason "auth expired"
// before removal, per the authorization-freshness contract.
func (b *Bus) runAuthSweeper() {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.C:
			b.sweepExpiredAuth()
		}
	}
}

func (b *Bus) sweepExpiredAuth() {
	now := b.now()
	b.mu.Lock()
	var expired []*subscriptionState
	for _, state := range b.subscriptions {
		if state.sub.AuthExpiresAt != nil && now.After(*state.sub.AuthExpiresAt) {
			expired = append(expired, state)
		}
	}
	b.mu.Unlock()

	for _, state := range expired {
		b.deliver(state, Event{Type: Invalidate, Reason: "auth expired"})
		b.RemoveSubscription(state.sub.ID)
	}
}

// Close stops the authorization sweeper. Subscriptions and handlers are left
// for the caller to tear down explicitly.
func (b *Bus) Close() {
	b.sweepOnce.Do(func() { close(b.stopSweep) })
}
