package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketWindows = []byte("rate_windows")

// BoltStore persists rate windows in a BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

type windowRecord struct {
	Stamps    []int64   `json:"stamps"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OpenBolt opens (and migrates) the BoltDB-backed window store.
func OpenBolt(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWindows)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func windowKey(scope, principal string) []byte {
	return []byte(scope + "|" + principal)
}

func (s *BoltStore) LoadWindow(_ context.Context, scope, principal string) ([]time.Time, error) {
	var stamps []time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWindows).Get(windowKey(scope, principal))
		if raw == nil {
			return nil
		}
		var rec windowRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		stamps = make([]time.Time, 0, len(rec.Stamps))
		for _, ns := range rec.Stamps {
			stamps = append(stamps, time.Unix(0, ns))
		}
		return nil
	})
	return stamps, err
}

// SaveWindow replaces the stored window. An empty window deletes the key.
func (s *BoltStore) SaveWindow(_ context.Context, scope, principal string, stamps []time.Time) error {
	key := windowKey(scope, principal)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWindows)
		if len(stamps) == 0 {
			return bucket.Delete(key)
		}
		rec := windowRecord{Stamps: make([]int64, 0, len(stamps)), UpdatedAt: time.Now().UTC()}
		for _, ts := range stamps {
			rec.Stamps = append(rec.Stamps, ts.UnixNano())
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
}
