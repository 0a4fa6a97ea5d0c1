package history

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const boltBucket = "rasc_history"

// BoltBackend keeps one JSON record per history key in a BoltDB bucket.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBolt opens (and creates if needed) the history database at path.
func OpenBolt(path string) (*BoltBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltBackend) Load(ctx context.Context) (map[string]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]Record)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket is missing")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode history for %s: %w", k, err)
			}
			out[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save replaces the bucket contents in a single transaction.
func (b *BoltBackend) Save(ctx context.Context, data map[string]Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(boltBucket)); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("clear history: %w", err)
		}
		bucket, err := tx.CreateBucket([]byte(boltBucket))
		if err != nil {
			return fmt.Errorf("create history bucket: %w", err)
		}
		for key, rec := range data {
			payload, err := json.Marshal(Record{
				StartLatencies:    nonNil(rec.StartLatencies),
				CompleteLatencies: nonNil(rec.CompleteLatencies),
			})
			if err != nil {
				return fmt.Errorf("encode history for %s: %w", key, err)
			}
			if err := bucket.Put([]byte(key), payload); err != nil {
				return fmt.Errorf("put history for %s: %w", key, err)
			}
		}
		return nil
	})
}
