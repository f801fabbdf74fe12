// Package tracking persists the latest processing outcome per file so
// reruns are idempotent.
package tracking

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/slipstream/slipstream/internal/pipeline"
)

const outcomeBucket = "outcomes"

// BoltStore implements pipeline.ProcessedStore on BoltDB. Writes are
// serialized by the database; within a write the record for the target
// identity resolves last-write-wins by timestamp, so concurrent writes
// for the same file converge on the latest outcome.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(outcomeBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// HasSucceeded reports whether the file's authoritative outcome is a
// success. Failed records stay eligible for a later run.
func (s *BoltStore) HasSucceeded(fileID string) (bool, error) {
	var done bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(outcomeBucket)).Get([]byte(fileID))
		if data == nil {
			return nil
		}
		var outcome pipeline.Outcome
		if err := json.Unmarshal(data, &outcome); err != nil {
			return fmt.Errorf("unmarshaling outcome: %w", err)
		}
		done = outcome.Status == pipeline.StatusSuccess
		return nil
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// Record stores the outcome for its file identity. An existing record
// with a later timestamp wins; stale writes are dropped.
func (s *BoltStore) Record(outcome pipeline.Outcome) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(outcomeBucket))

		if existing := bucket.Get([]byte(outcome.FileID)); existing != nil {
			var prior pipeline.Outcome
			if err := json.Unmarshal(existing, &prior); err == nil && prior.Timestamp.After(outcome.Timestamp) {
				return nil
			}
		}

		data, err := json.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("marshaling outcome: %w", err)
		}
		return bucket.Put([]byte(outcome.FileID), data)
	})
}

// History returns all recorded outcomes, oldest first.
func (s *BoltStore) History() ([]pipeline.Outcome, error) {
	outcomes := make([]pipeline.Outcome, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(outcomeBucket)).ForEach(func(k, v []byte) error {
			var outcome pipeline.Outcome
			if err := json.Unmarshal(v, &outcome); err != nil {
				return fmt.Errorf("unmarshaling outcome: %w", err)
			}
			outcomes = append(outcomes, outcome)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].Timestamp.Before(outcomes[j].Timestamp)
	})
	return outcomes, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
