package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketNotes = []byte("notesync")

const boltLockTimeout = time.Second

// BoltKV is the on-disk backend. Each SetAll runs in a single transaction so the
// collection and queue are replaced together or not at all.
type BoltKV struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the database file. It fails after a short wait when
// another process holds the file lock.
func OpenBolt(path string) (*BoltKV, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: boltLockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNotes); err != nil {
			return fmt.Errorf("failed to create notes bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltKV) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketNotes)
		if bucket == nil {
			return fmt.Errorf("notes bucket not found")
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		// raw is only valid inside the transaction.
		value, found = string(raw), true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

func (b *BoltKV) Set(key, value string) error {
	return b.SetAll(map[string]string{key: value})
}

func (b *BoltKV) SetAll(values map[string]string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketNotes)
		if bucket == nil {
			return fmt.Errorf("notes bucket not found")
		}
		for key, value := range values {
			if err := bucket.Put([]byte(key), []byte(value)); err != nil {
				return fmt.Errorf("failed to put %s: %w", key, err)
			}
		}
		return nil
	})
}
