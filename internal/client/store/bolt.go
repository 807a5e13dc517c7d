// Package store persists the client task queue in a local bolt database so
// tracked tasks survive process restarts.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"mealsnap/internal/client/queue"
)

var (
	bucketTasks = []byte("tasks")
	keySnapshot = []byte("snapshot")
)

// Bolt implements queue.Persistence on a single-file bolt database. The full
// task list is stored as one JSON document; the list is small (a handful of
// meals in flight) so per-task keys would buy nothing.
type Bolt struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ensure bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close releases the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Save overwrites the stored snapshot with the given task list.
func (b *Bolt) Save(tasks []queue.Task) error {
	raw, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("store: encode tasks: %w", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Put(keySnapshot, raw)
	})
	if err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	return nil
}

// Load returns the last saved task list, or an empty list for a fresh
// database.
func (b *Bolt) Load() ([]queue.Task, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketTasks).Get(keySnapshot); v != nil {
			raw = append(raw, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var tasks []queue.Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return tasks, nil
}
