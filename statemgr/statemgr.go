// Package statemgr persists small pieces of client state, such as circuit
// build time history, in a bbolt database. Values are cbor encoded.
package statemgr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	stateBucket    = "state"
	metadataBucket = "metadata"
	versionKey     = "version"
	stateVersion   = 1
)

// ErrNotFound is returned by Load for keys that were never stored.
var ErrNotFound = errors.New("statemgr: no such entry")

// Store is a bbolt-backed key/value state store.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the state database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("statemgr: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(stateBucket)); err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 8 || binary.BigEndian.Uint64(b) != stateVersion {
				return fmt.Errorf("statemgr: incompatible state version %x", b)
			}
			return nil
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], stateVersion)
		return meta.Put([]byte(versionKey), v[:])
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Load decodes the value stored under key into v.
func (s *Store) Load(key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(stateBucket)).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		if err := cbor.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("statemgr: decode %s: %w", key, err)
		}
		return nil
	})
}

// Store encodes v and saves it under key, replacing any previous value.
func (s *Store) Store(key string, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("statemgr: encode %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(stateBucket)).Put([]byte(key), raw)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(stateBucket)).Delete([]byte(key))
	})
}

// Keys returns the stored keys in order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(stateBucket)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
