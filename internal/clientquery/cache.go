package clientquery

import (
	"encoding/json"
	"sort"
	"strings"
)

// cacheEntry is one live object tracked by the engine, keyed by whichever id
// currently names it: an optimistic id coined by mutate.create, or the
// server id once assigned.
type cacheEntry struct {
	id           string // current lookup key: optimisticID or serverID
	optimisticID string // non-empty while an optimistic entry hasn't fully settled
	serverID     string // non-empty once the server has confirmed an id

	fields json.RawMessage
	order  int // arrival sequence, used for append/prepend positioning

	appended  bool
	prepended bool
}

// idArena is the entry-id arena: the primary cache keyed by current id, plus
// the secondary indices the ghost-prevention algorithm needs to find an
// entry by either its optimistic or server identity regardless of which one
// currently names it in the primary map.
type idArena struct {
	byID           map[string]*cacheEntry
	byOptimisticID map[string]*cacheEntry
	byServerID     map[string]*cacheEntry

	idMappings map[string]string // optimisticID -> serverID, populated on confirmation
	pending    map[string]int    // id -> count of in-flight mutations targeting it

	seq int // monotonically increasing arrival counter
}

func newIDArena() *idArena {
	return &idArena{
		byID:           make(map[string]*cacheEntry),
		byOptimisticID: make(map[string]*cacheEntry),
		byServerID:     make(map[string]*cacheEntry),
		idMappings:     make(map[string]string),
		pending:        make(map[string]int),
	}
}

func (a *idArena) nextOrder() int {
	a.seq++
	return a.seq
}

// insert adds or replaces the entry under its current id.
func (a *idArena) insert(e *cacheEntry) {
	a.byID[e.id] = e
	if e.optimisticID != "" {
		a.byOptimisticID[e.optimisticID] = e
	}
	if e.serverID != "" {
		a.byServerID[e.serverID] = e
	}
}

func (a *idArena) get(id string) (*cacheEntry, bool) {
	e, ok := a.byID[id]
	return e, ok
}

func (a *idArena) getByOptimisticID(id string) (*cacheEntry, bool) {
	e, ok := a.byOptimisticID[id]
	return e, ok
}

func (a *idArena) getByServerID(id string) (*cacheEntry, bool) {
	e, ok := a.byServerID[id]
	return e, ok
}

// resolveID follows an idMappings entry if id names an optimistic id that
// has since been confirmed, otherwise returns id unchanged.
func (a *idArena) resolveID(id string) string {
	if serverID, ok := a.idMappings[id]; ok {
		return serverID
	}
	return id
}

func (a *idArena) remove(id string) {
	e, ok := a.byID[id]
	if !ok {
		return
	}
	delete(a.byID, id)
	if e.optimisticID != "" {
		delete(a.byOptimisticID, e.optimisticID)
	}
	if e.serverID != "" {
		delete(a.byServerID, e.serverID)
	}
}

// rename moves e from its current primary key to newID, keeping the
// optimistic/server secondary entries intact so both lookups keep working.
func (a *idArena) rename(e *cacheEntry, newID string) {
	delete(a.byID, e.id)
	e.id = newID
	a.byID[newID] = e
}

func (a *idArena) markPending(id string)   { a.pending[id]++ }
func (a *idArena) unmarkPending(id string) {
	if a.pending[id] <= 1 {
		delete(a.pending, id)
		return
	}
	a.pending[id]--
}
func (a *idArena) hasPending(id string) bool { return a.pending[id] > 0 }

func (a *idArena) recordMapping(optimisticID, serverID string) {
	a.idMappings[optimisticID] = serverID
}

// all returns every entry, unordered.
func (a *idArena) all() []*cacheEntry {
	out := make([]*cacheEntry, 0, len(a.byID))
	for _, e := range a.byID {
		out = append(out, e)
	}
	return out
}

// sortByField orders entries by a top-level field name, ascending.
func sortByField(entries []*cacheEntry, field string) {
	sort.SliceStable(entries, func(i, j int) bool {
		return compareField(entries[i].fields, entries[j].fields, field) < 0
	})
}

func compareField(a, b json.RawMessage, field string) int {
	av, aok := fieldValue(a, field)
	bv, bok := fieldValue(b, field)
	if !aok || !bok {
		return 0
	}
	switch at := av.(type) {
	case float64:
		bt, ok := bv.(float64)
		if !ok {
			return 0
		}
		switch {
		case at < bt:
			return -1
		case at > bt:
			return 1
		default:
			return 0
		}
	case string:
		bt, ok := bv.(string)
		if !ok {
			return 0
		}
		return strings.Compare(at, bt)
	default:
		return 0
	}
}

func fieldValue(raw json.RawMessage, field string) (any, bool) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	v, ok := obj[field]
	return v, ok
}
