package clientquery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/concave/core/internal/bus"
)

var optimisticSeq int64

// newOptimisticID mints an id of the form optimistic_<unixnano>_<counter>,
// unique within the process without touching wall-clock precision enough
// to collide under concurrent callers.
func newOptimisticID() string {
	n := atomic.AddInt64(&optimisticSeq, 1)
	return fmt.Sprintf("optimistic_%d_%d", time.Now().UnixNano(), n)
}

// engine owns the cache and every piece of mutable state for one LiveQuery.
// It is only ever touched from its own run-loop goroutine (or, for the
// package's white-box tests, synchronously before the loop starts).
type engine struct {
	opts      Options
	client    ResourceClient
	callbacks Callbacks
	coord     Coordinator

	arena  *idArena
	status Status
	err    error

	listeners      map[int]func()
	nextListenerID int

	lastSnapshot *Snapshot
	dirty        bool

	cursor string

	cmds chan func(*engine)
}

func newEngine(opts Options, client ResourceClient, callbacks Callbacks) *engine {
	e := &engine{
		opts:      opts,
		client:    client,
		callbacks: callbacks,
		arena:     newIDArena(),
		status:    StatusLoading,
		listeners: make(map[int]func()),
		dirty:     true,
	}
	if callbacks.Coordinator != nil {
		e.coord = callbacks.Coordinator
	} else {
		e.coord = selfCoordinator{e: e}
	}
	return e
}

// run is the private run-loop goroutine: it owns the engine exclusively,
// opening the subscription and draining both the command channel (public
// method dispatch) and the event source (server pushes) until ctx is done.
func (e *engine) run(ctx context.Context, cmds chan func(*engine), done chan struct{}) {
	e.cmds = cmds
	defer close(done)

	source, err := e.client.Subscribe(ctx, e.opts)
	if err != nil {
		e.status = StatusError
		e.err = err
		e.markDirty()
	} else {
		defer source.Close()
	}

	var events <-chan bus.Event
	if source != nil {
		events = source.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case fn, ok := <-cmds:
			if !ok {
				return
			}
			fn(e)
		case evt, ok := <-events:
			if !ok {
				events = nil
				if source != nil {
					if err := source.Err(); err != nil {
						e.status = StatusReconnecting
						e.err = err
						e.markDirty()
					}
				}
				continue
			}
			e.applyEvent(evt)
		}
	}
}

func (e *engine) markDirty() { e.dirty = true }

func (e *engine) markDirtyAndNotify() {
	e.dirty = true
	for _, l := range e.listeners {
		l()
	}
}

func (e *engine) addListener(fn func()) int {
	id := e.nextListenerID
	e.nextListenerID++
	e.listeners[id] = fn
	return id
}

func (e *engine) removeListener(id int) {
	delete(e.listeners, id)
}

// applyEvent is the full server-event reconciliation dispatcher: ghost
// prevention on added/existing, relevance-consistent merge on changed,
// deletion on removed, and status transitions for connected/invalidate.
func (e *engine) applyEvent(evt bus.Event) {
	switch evt.Type {
	case bus.Connected:
		e.status = StatusLive
		e.err = nil
	case bus.Invalidate:
		e.status = StatusError
		e.err = fmt.Errorf("clientquery: invalidated: %s", evt.Reason)
		e.arena = newIDArena()
	case bus.Existing, bus.Added:
		e.applyUpsert(evt)
	case bus.Changed:
		e.applyUpsert(evt)
	case bus.Removed:
		e.applyRemoved(evt.ObjectID)
	}
	e.markDirtyAndNotify()
}

// applyUpsert handles existing/added/changed: it resolves whether the
// incoming server id corresponds to a cached optimistic entry (via the
// event's optimisticId metadata or a previously recorded mapping) and, if
// so, runs the ghost-prevention decision before touching the cache.
func (e *engine) applyUpsert(evt bus.Event) {
	serverID := evt.ObjectID
	newFields := decodeFields(evt.Object)
	if idv, ok := newFields[e.opts.idField()]; ok {
		if s, ok := idv.(string); ok && s != "" {
			serverID = s
		}
	}

	var optimistic *cacheEntry
	var found bool
	if evt.Meta != nil && evt.Meta.OptimisticID != "" {
		optimistic, found = e.arena.getByOptimisticID(evt.Meta.OptimisticID)
	}
	if !found {
		optimistic, found = e.arena.getByServerID(serverID)
	}

	switch decideGhost(found, found && e.coord.HasPendingMutationsForID(optimistic.id)) {
	case decisionDefer:
		optimistic.serverID = serverID
		e.arena.byServerID[serverID] = optimistic
		if optimistic.optimisticID != "" {
			e.arena.recordMapping(optimistic.optimisticID, serverID)
			e.coord.OnIDRemapped(optimistic.optimisticID, serverID)
		}
		return
	case decisionReplace:
		oldID := optimistic.optimisticID
		if optimistic.id != serverID {
			e.arena.remove(optimistic.id)
		}
		if oldID != "" {
			e.arena.recordMapping(oldID, serverID)
			e.coord.OnIDRemapped(oldID, serverID)
		}
		e.insertOrMerge(serverID, newFields, optimistic.order, optimistic.appended, optimistic.prepended)
		return
	case decisionIgnore:
		// §4.3 strict mode: only cached items appear. evt.Type == Existing
		// is the initial load itself populating the cache; Added/Changed
		// pushes for an id the cache has never seen are dropped.
		if e.opts.resolvedMode() == ModeStrict && evt.Type != bus.Existing {
			return
		}
		e.insertOrMergeFresh(serverID, newFields)
	}
}

func (e *engine) insertOrMergeFresh(id string, newFields map[string]any) {
	if existing, ok := e.arena.get(id); ok {
		e.insertOrMerge(id, newFields, existing.order, existing.appended, existing.prepended)
		return
	}
	e.insertOrMerge(id, newFields, e.arena.nextOrder(), false, false)
}

func (e *engine) insertOrMerge(id string, newFields map[string]any, order int, appended, prepended bool) {
	existing, ok := e.arena.get(id)
	merged := newFields
	if ok {
		merged = mergeRelationAware(decodeFields(existing.fields), newFields)
	}
	entry := &cacheEntry{
		id:        id,
		serverID:  id,
		fields:    encodeFields(merged),
		order:     order,
		appended:  appended,
		prepended: prepended,
	}
	if ok && existing.optimisticID != "" && existing.serverID == "" {
		entry.optimisticID = existing.optimisticID
	}
	e.arena.insert(entry)
}

func (e *engine) applyRemoved(id string) {
	resolved := e.arena.resolveID(id)
	if entry, ok := e.arena.getByServerID(resolved); ok {
		e.arena.remove(entry.id)
		return
	}
	e.arena.remove(id)
}

// snapshot materializes the cache per the configured view mode. A fresh
// Snapshot value is only built when the cache changed since the last call.
func (e *engine) snapshot() Snapshot {
	if !e.dirty && e.lastSnapshot != nil {
		return *e.lastSnapshot
	}
	entries := e.arena.all()

	switch e.opts.resolvedMode() {
	case ModeSorted:
		sortByField(entries, e.opts.OrderBy)
	case ModeAppend:
		sortByField(entries, e.opts.OrderBy)
		appendTail(&entries)
	case ModePrepend:
		prependHead(&entries)
	case ModeLive:
		sortByField(entries, e.opts.OrderBy)
	case ModeStrict:
		sortByField(entries, e.opts.OrderBy)
	}

	if e.opts.Limit > 0 && len(entries) > e.opts.Limit {
		entries = entries[:e.opts.Limit]
	}

	items := make([]json.RawMessage, 0, len(entries))
	for _, ent := range entries {
		items = append(items, ent.fields)
	}

	snap := Snapshot{Status: e.status, Err: e.err, Items: items}
	e.lastSnapshot = &snap
	e.dirty = false
	return snap
}

// appendTail reorders entries so base (sorted) items come first, followed
// by items arrived after the initial load, in arrival order.
func appendTail(entries *[]*cacheEntry) {
	var base, tail []*cacheEntry
	for _, e := range *entries {
		if e.appended {
			tail = append(tail, e)
		} else {
			base = append(base, e)
		}
	}
	sortByOrder(tail)
	*entries = append(base, tail...)
}

// prependHead orders newest-observed items first, then the rest by arrival.
func prependHead(entries *[]*cacheEntry) {
	var head, rest []*cacheEntry
	for _, e := range *entries {
		if e.prepended {
			head = append(head, e)
		} else {
			rest = append(rest, e)
		}
	}
	sortByOrderDesc(head)
	sortByOrder(rest)
	*entries = append(head, rest...)
}

func sortByOrder(entries []*cacheEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].order > entries[j].order; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

func sortByOrderDesc(entries []*cacheEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].order < entries[j].order; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

func (e *engine) refresh() {
	e.arena = newIDArena()
	e.status = StatusLoading
	e.markDirtyAndNotify()
}

func (e *engine) loadMore(ctx context.Context) error {
	items, next, err := e.client.LoadMore(ctx, e.opts.Resource, e.cursor)
	if err != nil {
		return err
	}
	e.cursor = next
	for _, raw := range items {
		fields := decodeFields(raw)
		id := fmt.Sprint(fields[e.opts.idField()])
		e.insertOrMergeFresh(id, fields)
	}
	e.markDirtyAndNotify()
	return nil
}

// mutateCreate coins an optimistic id, inserts the object, notifies
// listeners, then fires the server request off the engine goroutine.
func (e *engine) mutateCreate(ctx context.Context, fields map[string]any) (string, error) {
	id := newOptimisticID()
	withID := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		withID[k] = v
	}
	withID[e.opts.idField()] = id

	entry := &cacheEntry{
		id:           id,
		optimisticID: id,
		fields:       encodeFields(withID),
		order:        e.arena.nextOrder(),
		appended:     true,
	}
	e.arena.insert(entry)
	e.markDirtyAndNotify()

	client, resource := e.client, e.opts.Resource
	raw := entry.fields
	go func() {
		_ = client.Create(ctx, resource, raw, id)
	}()
	return id, nil
}

// mutateUpdate applies patch optimistically (relation-aware) to whichever
// entry currently owns id, marks a pending mutation against it, and fires
// the server request asynchronously.
func (e *engine) mutateUpdate(ctx context.Context, id string, patch map[string]any) error {
	targetID := e.arena.resolveID(id)
	entry, ok := e.arena.get(targetID)
	if !ok {
		entry, ok = e.arena.get(id)
		targetID = id
	}
	if !ok {
		return fmt.Errorf("clientquery: update: unknown id %q", id)
	}

	merged := mergeRelationAware(decodeFields(entry.fields), patch)
	entry.fields = encodeFields(merged)
	e.arena.markPending(entry.id)
	e.markDirtyAndNotify()

	client, resource, cmds := e.client, e.opts.Resource, e.cmds
	pendingID := entry.id
	patchRaw := encodeFields(patch)
	go func() {
		_ = client.Update(ctx, resource, targetID, patchRaw)
		cmds <- func(e2 *engine) {
			e2.arena.unmarkPending(pendingID)
			e2.markDirtyAndNotify()
		}
	}()
	return nil
}

func (e *engine) mutateDelete(ctx context.Context, id string) error {
	targetID := e.arena.resolveID(id)
	entry, ok := e.arena.get(targetID)
	if !ok {
		entry, ok = e.arena.get(id)
		targetID = id
	}
	if !ok {
		return fmt.Errorf("clientquery: delete: unknown id %q", id)
	}
	e.arena.remove(entry.id)
	e.markDirtyAndNotify()

	client, resource, cmds := e.client, e.opts.Resource, e.cmds
	go func() {
		_ = client.Delete(ctx, resource, targetID)
		cmds <- func(*engine) {}
	}()
	return nil
}
