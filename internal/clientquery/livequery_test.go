package clientquery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/concave/core/internal/bus"
)

// fakeEventSource is an EventSource driven entirely by the test: it lets a
// test push events synchronously and never produces a background goroutine
// of its own, keeping the engine's interleaving deterministic.
type fakeEventSource struct {
	events chan bus.Event
	mu     sync.Mutex
	err    error
	closed chan struct{}
}

func newFakeEventSource() *fakeEventSource {
	return &fakeEventSource{
		events: make(chan bus.Event, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeEventSource) push(evt bus.Event) { f.events <- evt }

func (f *fakeEventSource) Events() <-chan bus.Event { return f.events }

func (f *fakeEventSource) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeEventSource) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// fakeClient is a ResourceClient whose Create/Update/Delete return
// immediately, recording every call for assertions.
type fakeClient struct {
	mu      sync.Mutex
	source  *fakeEventSource
	creates []json.RawMessage
	updates []json.RawMessage
	deletes []string
}

func (c *fakeClient) Subscribe(ctx context.Context, opts Options) (EventSource, error) {
	return c.source, nil
}

func (c *fakeClient) Create(ctx context.Context, resource string, object json.RawMessage, optimisticID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates = append(c.creates, object)
	return nil
}

func (c *fakeClient) Update(ctx context.Context, resource, id string, patch json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, patch)
	return nil
}

func (c *fakeClient) Delete(ctx context.Context, resource, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, id)
	return nil
}

func (c *fakeClient) LoadMore(ctx context.Context, resource, cursor string) ([]json.RawMessage, string, error) {
	return nil, "", nil
}

func TestLiveQueryCreateThenServerConfirms(t *testing.T) {
	source := newFakeEventSource()
	client := &fakeClient{source: source}

	ctx := context.Background()
	lq, err := CreateLiveQuery(ctx, client, Options{Resource: "todos"}, Callbacks{})
	if err != nil {
		t.Fatalf("CreateLiveQuery: %v", err)
	}
	defer lq.Destroy()

	source.push(bus.Event{Type: bus.Connected})

	var notified int32
	unsubscribe := lq.Subscribe(func() { notified++ })
	defer unsubscribe()

	optID, err := lq.Mutate().Create(ctx, map[string]any{"title": "write tests"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if optID == "" {
		t.Fatalf("expected a non-empty optimistic id")
	}

	snap := lq.GetSnapshot()
	if len(snap.Items) != 1 {
		t.Fatalf("expected one optimistic item, got %d", len(snap.Items))
	}

	source.push(bus.Event{
		Type:     bus.Added,
		ObjectID: "srv_42",
		Object:   json.RawMessage(`{"id":"srv_42","title":"write tests"}`),
		Meta:     &bus.Meta{OptimisticID: optID},
	})

	waitForSnapshot(t, lq, func(s Snapshot) bool {
		return len(s.Items) == 1 && jsonID(s.Items[0]) == "srv_42"
	})

	client.mu.Lock()
	numCreates := len(client.creates)
	client.mu.Unlock()
	if numCreates != 1 {
		t.Fatalf("expected exactly one Create call, got %d", numCreates)
	}
}

func TestLiveQueryUpdateAndDelete(t *testing.T) {
	source := newFakeEventSource()
	client := &fakeClient{source: source}

	ctx := context.Background()
	lq, err := CreateLiveQuery(ctx, client, Options{Resource: "todos"}, Callbacks{})
	if err != nil {
		t.Fatalf("CreateLiveQuery: %v", err)
	}
	defer lq.Destroy()

	source.push(bus.Event{
		Type:     bus.Existing,
		ObjectID: "a",
		Object:   json.RawMessage(`{"id":"a","completed":false}`),
	})

	waitForSnapshot(t, lq, func(s Snapshot) bool { return len(s.Items) == 1 })

	if err := lq.Mutate().Update(ctx, "a", map[string]any{"completed": true}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	waitForSnapshot(t, lq, func(s Snapshot) bool {
		return len(s.Items) == 1 && jsonField(s.Items[0], "completed") == true
	})

	if err := lq.Mutate().Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	waitForSnapshot(t, lq, func(s Snapshot) bool { return len(s.Items) == 0 })

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.updates) != 1 {
		t.Fatalf("expected exactly one Update call, got %d", len(client.updates))
	}
	if len(client.deletes) != 1 || client.deletes[0] != "a" {
		t.Fatalf("expected one Delete call for %q, got %v", "a", client.deletes)
	}
}

func TestLiveQueryDestroyRejectsFurtherMutations(t *testing.T) {
	source := newFakeEventSource()
	client := &fakeClient{source: source}

	ctx := context.Background()
	lq, err := CreateLiveQuery(ctx, client, Options{Resource: "todos"}, Callbacks{})
	if err != nil {
		t.Fatalf("CreateLiveQuery: %v", err)
	}
	lq.Destroy()

	if _, err := lq.Mutate().Create(ctx, map[string]any{"title": "too late"}); err != ErrDestroyed {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if err := lq.Mutate().Update(ctx, "a", map[string]any{"x": 1}); err != ErrDestroyed {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if err := lq.Mutate().Delete(ctx, "a"); err != ErrDestroyed {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func waitForSnapshot(t *testing.T, lq *LiveQuery, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		snap := lq.GetSnapshot()
		if pred(snap) {
			return snap
		}
		select {
		case <-tick.C:
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot condition, last snapshot: %+v", snap)
		}
	}
}

func jsonID(raw json.RawMessage) string {
	return jsonFieldString(raw, "id")
}

func jsonFieldString(raw json.RawMessage, field string) string {
	v := jsonField(raw, field)
	s, _ := v.(string)
	return s
}

func jsonField(raw json.RawMessage, field string) any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj[field]
}
