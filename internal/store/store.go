// Package store provides the durable metadata store for driftfs objects.
//
// Records are kept in a single bbolt database keyed by handle. Per-volume
// live-object counts are derived state: rebuilt by one bucket scan when the
// store opens, then maintained incrementally under the store's write lock
// together with every put and delete.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when no record exists for a handle.
var ErrNotFound = errors.New("record not found")

var bucketObjects = []byte("objects")

// Store is the durable handle -> ObjectRecord table plus volume counters.
type Store struct {
	db *bolt.DB

	mu     sync.RWMutex
	counts map[string]int // volume -> live record count
}

// Open opens (or creates) the metadata database at path and rebuilds the
// per-volume counters from the existing records.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	s := &Store{
		db:     db,
		counts: make(map[string]int),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketObjects)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var rec ObjectRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record: %w", err)
			}
			s.counts[rec.Volume]++
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rebuild volume counters: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put durably persists a record and increments its volume's counter as one
// mutation. The record must not already exist; handles are never reused.
func (s *Store) Put(rec *ObjectRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b.Get([]byte(rec.Handle)) != nil {
			return fmt.Errorf("handle already recorded: %s", rec.Handle)
		}
		return b.Put([]byte(rec.Handle), data)
	})
	if err != nil {
		return fmt.Errorf("persist record: %w", err)
	}

	s.counts[rec.Volume]++
	return nil
}

// Get returns the record for a handle, or ErrNotFound.
func (s *Store) Get(handle string) (*ObjectRecord, error) {
	var rec *ObjectRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(handle))
		if data == nil {
			return ErrNotFound
		}
		rec = &ObjectRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	return rec, nil
}

// Delete removes the record for a handle and decrements its volume's counter
// as one mutation. Returns the removed record, or ErrNotFound.
func (s *Store) Delete(handle string) (*ObjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *ObjectRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		data := b.Get([]byte(handle))
		if data == nil {
			return ErrNotFound
		}
		rec = &ObjectRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		return b.Delete([]byte(handle))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delete record: %w", err)
	}

	if s.counts[rec.Volume] > 0 {
		s.counts[rec.Volume]--
	}
	return rec, nil
}

// Counts returns a snapshot of per-volume live record counts. Volumes with no
// records are absent from the map.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.counts))
	for vol, n := range s.counts {
		if n > 0 {
			out[vol] = n
		}
	}
	return out
}

// Len returns the total number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, n := range s.counts {
		total += n
	}
	return total
}

// ExpiredBefore returns all records whose expiry time has been reached at the
// given instant. The result is a consistent snapshot; the reaper re-checks
// each handle when it mutates.
func (s *Store) ExpiredBefore(now time.Time) ([]*ObjectRecord, error) {
	var expired []*ObjectRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(_, v []byte) error {
			var rec ObjectRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record: %w", err)
			}
			if rec.Expired(now) {
				expired = append(expired, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return expired, nil
}
