// Copyright 2025 The NimbusFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package settings is the small embedded key/value store holding
// mount-scoped settings: the storage quota, used quota, the cache
// directory path, and the remote root. Backed by bbolt so values
// survive restarts independently of the relational metadata database.
package settings

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Keys consumed by the core.
const (
	KeyQuota       = "quota"
	KeyUsedQuota   = "usedquota"
	KeyFSCachePath = "fscachepath"
	KeyFSRoot      = "fsroot"
)

var bucketName = []byte("settings")

// Store is an open settings store. Safe for concurrent use; bbolt
// serializes writers internally.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the settings store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("settings: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("settings: creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetInt64 returns the numeric value for key, or 0 if unset.
func (s *Store) GetInt64(key string) (v int64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("settings: value for %q has length %d, want 8", key, len(raw))
		}
		v = int64(binary.LittleEndian.Uint64(raw))
		return nil
	})
	return v, err
}

// SetInt64 stores a numeric value for key.
func (s *Store) SetInt64(key string, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), buf[:])
	})
}

// GetString returns the string value for key, or "" if unset.
func (s *Store) GetString(key string) (v string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw != nil {
			v = string(raw)
		}
		return nil
	})
	return v, err
}

// SetString stores a string value for key.
func (s *Store) SetString(key, v string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(v))
	})
}
