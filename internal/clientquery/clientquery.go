// Package clientquery implements the client-side, offline-capable live
// query cache: a single-threaded reconciliation engine that consumes the
// bus's event stream and keeps a snapshot in sync through optimistic
// mutations, reconnects, and server events, per spec §4.3.
package clientquery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/concave/core/internal/bus"
)

// ViewMode selects how the cache is materialized into a snapshot.
type ViewMode string

const (
	ModeStrict  ViewMode = "strict"
	ModeSorted  ViewMode = "sorted"
	ModeAppend  ViewMode = "append"
	ModePrepend ViewMode = "prepend"
	ModeLive    ViewMode = "live"
)

// Status is the live query's connection state machine.
type Status string

const (
	StatusLoading      Status = "loading"
	StatusLive         Status = "live"
	StatusOffline      Status = "offline"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Options configures a live query.
type Options struct {
	Resource     string
	Filter       string
	Include      []string
	OrderBy      string
	Limit        int
	Mode         ViewMode // zero value selects the spec default for Limit
	IDField      string   // defaults to "id"
	SkipExisting bool
	KnownIDs     []string
}

func (o Options) idField() string {
	if o.IDField == "" {
		return "id"
	}
	return o.IDField
}

// resolvedMode applies the §4.3 default: strict when Limit is set, live
// otherwise, unless the caller named a mode explicitly.
func (o Options) resolvedMode() ViewMode {
	if o.Mode != "" {
		return o.Mode
	}
	if o.Limit > 0 {
		return ModeStrict
	}
	return ModeLive
}

// Callbacks carries the side-channel handlers the spec's §4.3 contract
// folds into the Coordinator in multi-query setups, exposed directly here
// for a single-query caller.
type Callbacks struct {
	OnAuthError func(err error)
	// Coordinator lets several LiveQuery instances share optimistic-id
	// and pending-mutation state. Nil uses the query's own engine.
	Coordinator Coordinator
}

// Snapshot is the materialized, referentially-stable view returned by
// GetSnapshot. A new Snapshot value is produced only when the underlying
// state actually changes.
type Snapshot struct {
	Status Status
	Err    error
	Items  []json.RawMessage
}

// ResourceClient is the transport surface a LiveQuery drives: the wire
// subscription plus the mutation requests a server endpoint accepts.
type ResourceClient interface {
	Subscribe(ctx context.Context, opts Options) (EventSource, error)
	Create(ctx context.Context, resource string, object json.RawMessage, optimisticID string) error
	Update(ctx context.Context, resource, id string, patch json.RawMessage) error
	Delete(ctx context.Context, resource, id string) error
	LoadMore(ctx context.Context, resource, cursor string) (items []json.RawMessage, nextCursor string, err error)
}

// EventSource yields bus.Event values from a live subscription stream.
// Implementations live in wire.go (text framing and WebSocket framing).
type EventSource interface {
	Events() <-chan bus.Event
	Err() error
	Close() error
}

// LiveQuery is the public handle returned by CreateLiveQuery. Every method
// is safe for concurrent use; internally they dispatch onto the engine's
// single run-loop goroutine so GetSnapshot is always consistent with the
// most recently delivered listener notification.
type LiveQuery struct {
	cmds   chan func(*engine)
	done   chan struct{}
	cancel context.CancelFunc
}

// Mutate bundles the optimistic mutation surface.
type Mutate struct {
	lq *LiveQuery
}

// CreateLiveQuery starts the run loop and opens the underlying subscription.
// The returned LiveQuery is immediately usable; GetSnapshot reports
// status=loading until the stream connects.
func CreateLiveQuery(ctx context.Context, client ResourceClient, opts Options, callbacks Callbacks) (*LiveQuery, error) {
	if opts.Resource == "" {
		return nil, fmt.Errorf("clientquery: Options.Resource is required")
	}
	runCtx, cancel := context.WithCancel(ctx)

	lq := &LiveQuery{
		cmds:   make(chan func(*engine), 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	e := newEngine(opts, client, callbacks)
	go e.run(runCtx, lq.cmds, lq.done)
	return lq, nil
}

// ErrDestroyed is returned by Mutate methods called after Destroy.
var ErrDestroyed = fmt.Errorf("clientquery: live query destroyed")

// dispatch runs fn on the engine goroutine and blocks until it returns,
// reporting whether fn actually ran (false once the query is destroyed).
func (lq *LiveQuery) dispatch(fn func(*engine)) bool {
	done := make(chan struct{})
	select {
	case lq.cmds <- func(e *engine) { fn(e); close(done) }:
	case <-lq.done:
		return false
	}
	select {
	case <-done:
		return true
	case <-lq.done:
		return false
	}
}

// GetSnapshot returns the current materialized view. Referentially stable:
// the same Snapshot is returned until the cache actually changes.
func (lq *LiveQuery) GetSnapshot() Snapshot {
	var snap Snapshot
	lq.dispatch(func(e *engine) { snap = e.snapshot() })
	return snap
}

// Subscribe registers listener to be called after every state change. It
// returns an unsubscribe function.
func (lq *LiveQuery) Subscribe(listener func()) func() {
	var id int
	lq.dispatch(func(e *engine) { id = e.addListener(listener) })
	return func() {
		lq.dispatch(func(e *engine) { e.removeListener(id) })
	}
}

// Refresh clears the cache and sets the status back to loading. It sends
// no request to the server; the cache refills only from events that arrive
// afterwards.
func (lq *LiveQuery) Refresh() {
	lq.dispatch(func(e *engine) { e.refresh() })
}

// LoadMore fetches the next page via the client's cursor and merges it in.
func (lq *LiveQuery) LoadMore(ctx context.Context) error {
	var err error
	if !lq.dispatch(func(e *engine) { err = e.loadMore(ctx) }) {
		return ErrDestroyed
	}
	return err
}

// Mutate exposes the optimistic create/update/delete surface.
func (lq *LiveQuery) Mutate() Mutate { return Mutate{lq: lq} }

// Destroy unsubscribes from the stream, clears listeners, and drops the
// cache. Subsequent Mutate calls return an error.
func (lq *LiveQuery) Destroy() {
	lq.cancel()
	<-lq.done
}

// Create coins an optimistic id, inserts the object under it, and issues
// the server request carrying that id as metadata.
func (m Mutate) Create(ctx context.Context, object map[string]any) (optimisticID string, err error) {
	if !m.lq.dispatch(func(e *engine) {
		optimisticID, err = e.mutateCreate(ctx, object)
	}) {
		return "", ErrDestroyed
	}
	return optimisticID, err
}

// Update applies patch optimistically to id (optimistic or server) and
// forwards the mutation request.
func (m Mutate) Update(ctx context.Context, id string, patch map[string]any) error {
	var err error
	if !m.lq.dispatch(func(e *engine) { err = e.mutateUpdate(ctx, id, patch) }) {
		return ErrDestroyed
	}
	return err
}

// Delete removes id from the cache optimistically and forwards the request.
func (m Mutate) Delete(ctx context.Context, id string) error {
	var err error
	if !m.lq.dispatch(func(e *engine) { err = e.mutateDelete(ctx, id) }) {
		return ErrDestroyed
	}
	return err
}
