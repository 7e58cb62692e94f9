package clientquery

import (
	"encoding/json"
	"testing"

	"github.com/concave/core/internal/bus"
)

// TestGhostPreventionDefersWhilePendingMutationExists is scenario S1: an
// optimistic create/update pair, followed by the server's confirmation and
// a catch-up "existing" event, must not clobber the unsynced local edit.
func TestGhostPreventionDefersWhilePendingMutationExists(t *testing.T) {
	e := newEngine(Options{Resource: "todos"}, nil, Callbacks{})

	optID := "opt_1"
	e.arena.insert(&cacheEntry{
		id:           optID,
		optimisticID: optID,
		fields:       encodeFields(map[string]any{"id": optID, "completed": false}),
		order:        e.arena.nextOrder(),
	})

	// mutate.update(opt_1, {completed: true}) — applied optimistically,
	// leaving a pending mutation marker since the request hasn't synced.
	entry, _ := e.arena.get(optID)
	entry.fields = encodeFields(mergeRelationAware(decodeFields(entry.fields), map[string]any{"completed": true}))
	e.arena.markPending(optID)

	assertSingleItem(t, e, optID, true)

	// Server confirms the create: added event carrying the optimistic id
	// metadata, object still reflects the pre-update value.
	e.applyEvent(bus.Event{
		Type:     bus.Added,
		ObjectID: "srv_1",
		Object:   json.RawMessage(`{"id":"srv_1","completed":false}`),
		Meta:     &bus.Meta{OptimisticID: optID},
	})
	assertSingleItem(t, e, optID, true)

	// Reconnect replay: an "existing" event for the same server id, no
	// optimisticId metadata this time — must resolve via the byServerID
	// index recorded above and still defer.
	e.applyEvent(bus.Event{
		Type:     bus.Existing,
		ObjectID: "srv_1",
		Object:   json.RawMessage(`{"id":"srv_1","completed":false}`),
	})
	assertSingleItem(t, e, optID, true)

	// The update finally syncs.
	e.arena.unmarkPending(optID)

	// Server emits the confirmed update.
	e.applyEvent(bus.Event{
		Type:     bus.Changed,
		ObjectID: "srv_1",
		Object:   json.RawMessage(`{"id":"srv_1","completed":true}`),
	})
	assertSingleItem(t, e, "srv_1", true)

	if _, stillOptimistic := e.arena.getByOptimisticID(optID); stillOptimistic {
		t.Fatalf("expected optimistic entry %q to be gone after replace", optID)
	}
}

// TestStrictModeIgnoresUnknownPushedIds covers §4.3: with a limit set, the
// resolved mode defaults to strict, so an added/changed event for an id the
// cache never loaded must be dropped rather than displacing a cached item.
func TestStrictModeIgnoresUnknownPushedIds(t *testing.T) {
	e := newEngine(Options{Resource: "todos", Limit: 1}, nil, Callbacks{})
	if e.opts.resolvedMode() != ModeStrict {
		t.Fatalf("expected Limit>0 to default to strict mode")
	}

	// Initial load: an "existing" event must populate the cache even
	// though the mode is strict.
	e.applyEvent(bus.Event{
		Type:     bus.Existing,
		ObjectID: "loaded-1",
		Object:   json.RawMessage(`{"id":"loaded-1","completed":false}`),
	})
	assertSingleItem(t, e, "loaded-1", false)

	// A push for an id never loaded into the cache must be ignored.
	e.applyEvent(bus.Event{
		Type:     bus.Added,
		ObjectID: "unknown-1",
		Object:   json.RawMessage(`{"id":"unknown-1","completed":false}`),
	})
	if _, ok := e.arena.get("unknown-1"); ok {
		t.Fatal("expected strict mode to ignore an added event for an unknown id")
	}
	assertSingleItem(t, e, "loaded-1", false)

	// A changed event for an id already in the cache still applies.
	e.applyEvent(bus.Event{
		Type:     bus.Changed,
		ObjectID: "loaded-1",
		Object:   json.RawMessage(`{"id":"loaded-1","completed":true}`),
	})
	assertSingleItem(t, e, "loaded-1", true)

	// A changed event for an id not in the cache is still ignored.
	e.applyEvent(bus.Event{
		Type:     bus.Changed,
		ObjectID: "unknown-2",
		Object:   json.RawMessage(`{"id":"unknown-2","completed":true}`),
	})
	if _, ok := e.arena.get("unknown-2"); ok {
		t.Fatal("expected strict mode to ignore a changed event for an unknown id")
	}
}

func assertSingleItem(t *testing.T, e *engine, wantID string, wantCompleted bool) {
	t.Helper()
	snap := e.snapshot()
	if len(snap.Items) != 1 {
		t.Fatalf("expected exactly one cached item, got %d: %v", len(snap.Items), snap.Items)
	}
	var obj map[string]any
	if err := json.Unmarshal(snap.Items[0], &obj); err != nil {
		t.Fatalf("decode snapshot item: %v", err)
	}
	if obj["id"] != wantID {
		t.Fatalf("expected id=%q, got %v", wantID, obj["id"])
	}
	if obj["completed"] != wantCompleted {
		t.Fatalf("expected completed=%v, got %v", wantCompleted, obj["completed"])
	}
}
