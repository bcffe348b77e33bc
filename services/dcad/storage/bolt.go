package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketScheduleEntries = []byte("schedule_entries")

// BoltEntries keeps pending scheduler registrations in a local BoltDB file,
// for daemons whose plan database is shared or remote.
type BoltEntries struct {
	db *bolt.DB
}

// OpenBoltEntries opens (and migrates) the entry file at path.
func OpenBoltEntries(path string, options *bolt.Options) (*BoltEntries, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrPathRequired
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open schedule entry file: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketScheduleEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schedule entry file: %w", err)
	}
	return &BoltEntries{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (b *BoltEntries) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// SaveEntry persists a scheduler registration.
func (b *BoltEntries) SaveEntry(_ context.Context, entry ScheduleEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode schedule entry: %w", err)
	}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScheduleEntries).Put([]byte(entry.ID), encoded)
	}); err != nil {
		return fmt.Errorf("save schedule entry: %w", err)
	}
	return nil
}

// DeleteEntry removes a scheduler registration. Missing entries are ignored.
func (b *BoltEntries) DeleteEntry(_ context.Context, id string) error {
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScheduleEntries).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("delete schedule entry: %w", err)
	}
	return nil
}

// Entries returns every pending registration ordered by due time.
func (b *BoltEntries) Entries(_ context.Context) ([]ScheduleEntry, error) {
	var entries []ScheduleEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScheduleEntries).ForEach(func(k, v []byte) error {
			var entry ScheduleEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode schedule entry %s: %w", k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query schedule entries: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].DueTime.Equal(entries[j].DueTime) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].DueTime.Before(entries[j].DueTime)
	})
	return entries, nil
}
