package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hangar/pkg/types"
)

var (
	// Bucket names
	bucketWorkers = []byte("workers")
	bucketProxies = []byte("proxies")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkers, bucketProxies} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Keys are zero padded so bucket iteration follows worker order
func workerKey(id types.WorkerID) []byte {
	return []byte(fmt.Sprintf("%05d", int(id)))
}

func put(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func get(tx *bolt.Tx, bucket, key []byte, v any) error {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// Worker operations
func (s *BoltStore) SaveWorker(rec *types.WorkerRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketWorkers, workerKey(rec.ID), rec)
	})
}

func (s *BoltStore) GetWorker(id types.WorkerID) (*types.WorkerRecord, error) {
	var rec types.WorkerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketWorkers, workerKey(id), &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", id, err)
	}
	return &rec, nil
}

func (s *BoltStore) ListWorkers() ([]*types.WorkerRecord, error) {
	var recs []*types.WorkerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var rec types.WorkerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteWorker(id types.WorkerID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete(workerKey(id))
	})
}

// Proxy operations
func (s *BoltStore) SaveProxy(rec *types.ProxyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketProxies, workerKey(rec.WorkerID), rec)
	})
}

func (s *BoltStore) GetProxy(id types.WorkerID) (*types.ProxyRecord, error) {
	var rec types.ProxyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketProxies, workerKey(id), &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", id, err)
	}
	return &rec, nil
}

func (s *BoltStore) ListProxies() ([]*types.ProxyRecord, error) {
	var recs []*types.ProxyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxies).ForEach(func(k, v []byte) error {
			var rec types.ProxyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteProxy(id types.WorkerID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxies).Delete(workerKey(id))
	})
}
