// Package idempotency remembers the reply sent for each command message so
// that a redelivered message is answered without running the command again.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "replies"

// ErrNotFound is returned when no reply is stored for a key
var ErrNotFound = errors.New("reply not found")

// Entry is a stored reply
type Entry struct {
	Key        string          `json:"key"`
	RoutingKey string          `json:"routing_key"`
	Reply      json.RawMessage `json:"reply"`
	StoredAt   time.Time       `json:"stored_at"`
}

// Store wraps a BoltDB file holding command replies
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create idempotency directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the reply stored for key
func (s *Store) Get(key string) (*Entry, error) {
	var e Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Save stores the reply for key unless one is already stored. It returns the
// entry that is kept and whether this call wrote it.
func (s *Store) Save(key, routingKey string, reply []byte, now time.Time) (*Entry, bool, error) {
	var result Entry
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		if existing := b.Get([]byte(key)); existing != nil {
			return json.Unmarshal(existing, &result)
		}

		result = Entry{
			Key:        key,
			RoutingKey: routingKey,
			Reply:      json.RawMessage(reply),
			StoredAt:   now.UTC(),
		}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		created = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

// Purge deletes replies stored before cutoff and returns how many were removed
func (s *Store) Purge(cutoff time.Time) (int, error) {
	var stale [][]byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		err := b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt reply %q: %w", k, err)
			}
			if e.StoredAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}
