package changelog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")

	metaKeyMinAvailableSeq = []byte("minAvailableSeq")
	metaKeyCurrentSeq      = []byte("currentSeq")
)

// BoltStore persists changelog entries to a bbolt file, surviving process
// restarts. Keys in the entries bucket are big-endian encoded sequence
// numbers so iteration order matches seq order.
type BoltStore struct {
	mu         sync.Mutex
	db         *bolt.DB
	maxEntries int
}

// NewBoltStore opens (creating if absent) a bbolt database at path.
func NewBoltStore(path string, maxEntries int) (*BoltStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("changelog: open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("changelog: init bolt buckets: %w", err)
	}
	return &BoltStore{db: db, maxEntries: maxEntries}, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func decodeSeqKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

// Append implements Store.
func (s *BoltStore) Append(entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		entries := tx.Bucket(bucketEntries)

		next := decodeUint64(meta.Get(metaKeyCurrentSeq)) + 1
		entry.Seq = next

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := entries.Put(seqKey(next), data); err != nil {
			return err
		}
		if err := meta.Put(metaKeyCurrentSeq, encodeUint64(next)); err != nil {
			return err
		}

		count := entries.Stats().KeyN
		if count > s.maxEntries {
			cursor := entries.Cursor()
			excess := count - s.maxEntries
			for k, _ := cursor.First(); k != nil && excess > 0; k, _ = cursor.Next() {
				pruned = append(pruned, decodeSeqKey(k))
				excess--
			}
			for _, seq := range pruned {
				if err := entries.Delete(seqKey(seq)); err != nil {
					return err
				}
			}
		}

		minSeq := decodeUint64(meta.Get(metaKeyMinAvailableSeq))
		if minKey, _ := entries.Cursor().First(); minKey != nil {
			minSeq = decodeSeqKey(minKey)
		} else {
			minSeq = next
		}
		return meta.Put(metaKeyMinAvailableSeq, encodeUint64(minSeq))
	})
	if err != nil {
		return Entry{}, fmt.Errorf("changelog: append: %w", err)
	}
	return entry, nil
}

// GetSince implements Store.
func (s *BoltStore) GetSince(since uint64) ([]Entry, error) {
	out := make([]Entry, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		cursor := entries.Cursor()
		start := seqKey(since + 1)
		for k, v := cursor.Seek(start); k != nil; k, v = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("changelog: get since: %w", err)
	}
	return out, nil
}

// MinAvailableSeq implements Store.
func (s *BoltStore) MinAvailableSeq() uint64 {
	var min uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		min = decodeUint64(tx.Bucket(bucketMeta).Get(metaKeyMinAvailableSeq))
		return nil
	})
	return min
}

// CurrentSeq implements Store.
func (s *BoltStore) CurrentSeq() uint64 {
	var current uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		current = decodeUint64(tx.Bucket(bucketMeta).Get(metaKeyCurrentSeq))
		return nil
	})
	return current
}

// Clear implements Store.
func (s *BoltStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketMeta); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketMeta)
		return err
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
