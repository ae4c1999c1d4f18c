package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDeploys = []byte("deploys")
)

// ErrNotFound is returned when no record matches
var ErrNotFound = errors.New("record not found")

// BoltStore implements Store using BoltDB. Records live in one nested
// bucket per service, keyed by start time then ID, so a cursor walks them
// in chronological order.
type BoltStore struct {
	db *bolt.DB
}

// DefaultPath returns the history database location in the user's home
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".burrow", "history.db")
	}
	return filepath.Join(home, ".burrow", "history.db")
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDeploys); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketDeploys, err)
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

func deployKey(r *types.DeployRecord) []byte {
	key := make([]byte, 8, 8+len(r.ID))
	binary.BigEndian.PutUint64(key, uint64(r.StartedAt.UnixNano()))
	return append(key, r.ID...)
}

// RecordDeploy stores a deploy record under its service
func (s *BoltStore) RecordDeploy(record *types.DeployRecord) error {
	if record.ID == "" || record.Service == "" {
		return fmt.Errorf("deploy record needs an ID and a service")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketDeploys).CreateBucketIfNotExists([]byte(record.Service))
		if err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(deployKey(record), data)
	})
}

// ListDeploys returns a service's records, newest first
func (s *BoltStore) ListDeploys(service string, limit int) ([]*types.DeployRecord, error) {
	var records []*types.DeployRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeploys).Bucket([]byte(service))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var record types.DeployRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			if limit > 0 && len(records) == limit {
				break
			}
		}
		return nil
	})
	return records, err
}

// LatestDeploy returns the newest record of a service on host
func (s *BoltStore) LatestDeploy(service, host string) (*types.DeployRecord, error) {
	var found *types.DeployRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeploys).Bucket([]byte(service))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var record types.DeployRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.Host == host {
				found = &record
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotFound, service, host)
	}
	return found, nil
}
