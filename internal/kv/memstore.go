package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

type memZSet map[string]float64

// MemStore is an in-process Store used when no external KV is configured, or
// as the core's degrade-to-local fallback when the KV backend is unreachable.
// It is safe for concurrent use.
type MemStore struct {
	mu sync.Mutex

	strings map[string]memEntry
	sets    map[string]map[string]struct{}
	zsets   map[string]memZSet
	hashes  map[string]map[string]string

	subsMu sync.Mutex
	subs   map[string]map[*memSubscription]struct{}

	stopReaper chan struct{}
}

// NewMemStore constructs an empty MemStore and starts its TTL reaper.
func NewMemStore() *MemStore {
	s := &MemStore{
		strings:    make(map[string]memEntry),
		sets:       make(map[string]map[string]struct{}),
		zsets:      make(map[string]memZSet),
		hashes:     make(map[string]map[string]string),
		subs:       make(map[string]map[*memSubscription]struct{}),
		stopReaper: make(chan struct{}),
	}
	go s.reapExpired()
	return s
}

func (s *MemStore) reapExpired() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopReaper:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, entry := range s.strings {
				if !entry.expires.IsZero() && now.After(entry.expires) {
					delete(s.strings, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the reaper goroutine and releases subscriptions.
func (s *MemStore) Close() error {
	close(s.stopReaper)
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, subscribers := range s.subs {
		for sub := range subscribers {
			close(sub.ch)
		}
	}
	s.subs = make(map[string]map[*memSubscription]struct{})
	return nil
}

func (s *MemStore) isLive(entry memEntry) bool {
	return entry.expires.IsZero() || time.Now().Before(entry.expires)
}

// Set implements Store.
func (s *MemStore) Set(_ context.Context, key, value string, opts SetOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, value, opts), nil
}

func (s *MemStore) setLocked(key, value string, opts SetOptions) bool {
	if opts.NX {
		if existing, ok := s.strings[key]; ok && s.isLive(existing) {
			return false
		}
	}
	var expires time.Time
	if opts.TTL > 0 {
		expires = time.Now().Add(opts.TTL)
	}
	s.strings[key] = memEntry{value: value, expires: expires}
	return true
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.strings[key]
	if !ok || !s.isLive(entry) {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Del implements Store.
func (s *MemStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delLocked(keys...)
	return nil
}

func (s *MemStore) delLocked(keys ...string) {
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.sets, key)
		delete(s.zsets, key)
		delete(s.hashes, key)
	}
}

// Expire implements Store.
func (s *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.strings[key]
	if !ok {
		return nil
	}
	if ttl <= 0 {
		entry.expires = time.Now()
	} else {
		entry.expires = time.Now().Add(ttl)
	}
	s.strings[key] = entry
	return nil
}

// SAdd implements Store.
func (s *MemStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saddLocked(key, members...)
	return nil
}

func (s *MemStore) saddLocked(key string, members ...string) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
}

// SRem implements Store.
func (s *MemStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sremLocked(key, members...)
	return nil
}

func (s *MemStore) sremLocked(key string, members ...string) {
	set, ok := s.sets[key]
	if !ok {
		return
	}
	for _, m := range members {
		delete(set, m)
	}
}

// SMembers implements Store.
func (s *MemStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// ZAdd implements Store.
func (s *MemStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zaddLocked(key, score, member)
	return nil
}

func (s *MemStore) zaddLocked(key string, score float64, member string) {
	zset, ok := s.zsets[key]
	if !ok {
		zset = make(memZSet)
		s.zsets[key] = zset
	}
	zset[member] = score
}

// ZRem implements Store.
func (s *MemStore) ZRem(_ context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zremLocked(key, member)
	return nil
}

func (s *MemStore) zremLocked(key string, member string) {
	if zset, ok := s.zsets[key]; ok {
		delete(zset, member)
	}
}

func sortedMembers(zset memZSet) []Member {
	members := make([]Member, 0, len(zset))
	for m, score := range zset {
		members = append(members, Member{Value: m, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score == members[j].Score {
			return members[i].Value < members[j].Value
		}
		return members[i].Score < members[j].Score
	})
	return members
}

// ZRange implements Store, returning members ordered by score with Redis-style
// negative indices counting from the end.
func (s *MemStore) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zset, ok := s.zsets[key]
	if !ok {
		return nil, nil
	}
	members := sortedMembers(zset)
	n := int64(len(members))
	start, stop = normalizeRange(start, stop, n)
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, members[i].Value)
	}
	return out, nil
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

// ZRangeByScore implements Store.
func (s *MemStore) ZRangeByScore(_ context.Context, key string, min, max float64, opts ZRangeByScoreOptions) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zset, ok := s.zsets[key]
	if !ok {
		return nil, nil
	}
	members := sortedMembers(zset)
	out := make([]Member, 0)
	for _, m := range members {
		if m.Score < min || m.Score > max {
			continue
		}
		out = append(out, m)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// ZCard implements Store.
func (s *MemStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

// HSet implements Store.
func (s *MemStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsetLocked(key, field, value)
	return nil
}

func (s *MemStore) hsetLocked(key, field, value string) {
	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string]string)
		s.hashes[key] = hash
	}
	hash[field] = value
}

// HMSet implements Store.
func (s *MemStore) HMSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string]string)
		s.hashes[key] = hash
	}
	for field, value := range fields {
		hash[field] = value
	}
	return nil
}

// HGetAll implements Store.
func (s *MemStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(hash))
	for k, v := range hash {
		out[k] = v
	}
	return out, nil
}

// Multi implements Store.
func (s *MemStore) Multi() Tx {
	return &memTx{store: s}
}

// Publish implements Store, fanning the message out to every local subscriber
// of channel. There is no cross-process delivery: this is the degraded
// single-process mode the bus falls back to when the KV is unavailable.
func (s *MemStore) Publish(_ context.Context, channel, message string) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs[channel] {
		select {
		case sub.ch <- message:
		default:
		}
	}
	return nil
}

type memSubscription struct {
	store   *MemStore
	channel string
	ch      chan string
}

func (m *memSubscription) Channel() <-chan string { return m.ch }

func (m *memSubscription) Close() error {
	m.store.subsMu.Lock()
	defer m.store.subsMu.Unlock()
	if subscribers, ok := m.store.subs[m.channel]; ok {
		if _, present := subscribers[m]; present {
			delete(subscribers, m)
			close(m.ch)
		}
	}
	return nil
}

// Subscribe implements Store.
func (s *MemStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	sub := &memSubscription{store: s, channel: channel, ch: make(chan string, 64)}
	if _, ok := s.subs[channel]; !ok {
		s.subs[channel] = make(map[*memSubscription]struct{})
	}
	s.subs[channel][sub] = struct{}{}
	return sub, nil
}

type txOp func(*MemStore)

type memTx struct {
	store *MemStore
	ops   []txOp
}

func (t *memTx) Set(key, value string, opts SetOptions) Tx {
	t.ops = append(t.ops, func(s *MemStore) { s.setLocked(key, value, opts) })
	return t
}

func (t *memTx) Del(keys ...string) Tx {
	t.ops = append(t.ops, func(s *MemStore) { s.delLocked(keys...) })
	return t
}

func (t *memTx) SAdd(key string, members ...string) Tx {
	t.ops = append(t.ops, func(s *MemStore) { s.saddLocked(key, members...) })
	return t
}

func (t *memTx) SRem(key string, members ...string) Tx {
	t.ops = append(t.ops, func(s *MemStore) { s.sremLocked(key, members...) })
	return t
}

func (t *memTx) ZAdd(key string, score float64, member string) Tx {
	t.ops = append(t.ops, func(s *MemStore) { s.zaddLocked(key, score, member) })
	return t
}

func (t *memTx) ZRem(key string, member string) Tx {
	t.ops = append(t.ops, func(s *MemStore) { s.zremLocked(key, member) })
	return t
}

func (t *memTx) HSet(key, field, value string) Tx {
	t.ops = append(t.ops, func(s *MemStore) { s.hsetLocked(key, field, value) })
	return t
}

// Exec applies every queued operation under a single lock, so other callers
// never observe a partially-applied transaction.
func (t *memTx) Exec(_ context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		op(t.store)
	}
	return nil
}
