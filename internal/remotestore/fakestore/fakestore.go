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

// Package fakestore is an in-memory remotestore.Store used by tests
// and by the local development mount mode.
package fakestore

import (
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"golang.org/x/net/context"
)

type key struct {
	fileID int64
	hash   uint64
}

// Store is an in-memory object store. The zero value is not usable;
// construct with New.
type Store struct {
	mu      sync.Mutex
	objects map[key][]byte
	nextID  int64
}

// New returns an empty fake store. Newly allocated file ids start at
// firstID.
func New(firstID int64) *Store {
	return &Store{
		objects: make(map[key][]byte),
		nextID:  firstID,
	}
}

// Seed installs an object revision directly, for test setup. Returns
// the content hash.
func (s *Store) Seed(fileID int64, content []byte) uint64 {
	h := contentHash(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key{fileID, h}] = append([]byte(nil), content...)
	if fileID >= s.nextID {
		s.nextID = fileID + 1
	}
	return h
}

func (s *Store) Stat(ctx context.Context, fileID int64, hash uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key{fileID, hash}]
	if !ok {
		return 0, fmt.Errorf("fakestore: no object (%d, %x)", fileID, hash)
	}
	return int64(len(obj)), nil
}

func (s *Store) ReadAt(ctx context.Context, fileID int64, hash uint64, p []byte, off int64) (int, error) {
	s.mu.Lock()
	obj, ok := s.objects[key{fileID, hash}]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fakestore: no object (%d, %x)", fileID, hash)
	}
	if off >= int64(len(obj)) {
		return 0, nil
	}
	n := copy(p, obj[off:])
	return n, nil
}

func (s *Store) Put(ctx context.Context, fileID int64, r io.Reader) (int64, uint64, int64, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("fakestore: reading upload: %w", err)
	}
	h := contentHash(content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if fileID == 0 {
		fileID = s.nextID
		s.nextID++
	}
	s.objects[key{fileID, h}] = content
	return fileID, h, int64(len(content)), nil
}

func contentHash(content []byte) uint64 {
	h := fnv.New64a()
	h.Write(content)
	return h.Sum64()
}
