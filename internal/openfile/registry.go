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

package openfile

import (
	"github.com/google/btree"
	"github.com/nimbusfs/nimbusfs/internal/fsid"
)

const registryBTreeDegree = 32

type entry struct {
	id     fsid.ID
	record *Record
}

func entryLess(a, b entry) bool {
	return a.id < b.id
}

// Registry is the ordered map fileid → open-file record. The
// global metadata lock (owned by the caller, e.g. the fs package)
// must be held for every structural method (Insert, Remove, FindOrCreate);
// once a record is obtained, callers acquire its own Mu before releasing
// the metadata lock's hold on the registry.
type Registry struct {
	tree *btree.BTreeG[entry]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tree: btree.NewG(registryBTreeDegree, entryLess)}
}

// Lookup returns the record for id, if any (find-exact, used for
// lookup-by-task with fileid = -taskid and for plain by-file-id lookup).
func (reg *Registry) Lookup(id fsid.ID) (*Record, bool) {
	e, ok := reg.tree.Get(entry{id: id})
	if !ok {
		return nil, false
	}
	return e.record, true
}

// LookupByTaskID is Lookup(fsid.FromTaskID(taskID)).
func (reg *Registry) LookupByTaskID(taskID int64) (*Record, bool) {
	return reg.Lookup(fsid.FromTaskID(taskID))
}

// Insert adds r to the registry. Panics if a record for the same id
// already exists; the registry maps each live id to exactly one
// record, which callers preserve by never calling Insert without a
// Lookup under the same metadata-lock hold.
func (reg *Registry) Insert(r *Record) {
	if _, exists := reg.tree.Get(entry{id: r.FileID}); exists {
		panic("openfile: registry already contains a record for " + r.FileID.String())
	}
	reg.tree.ReplaceOrInsert(entry{id: r.FileID, record: r})
}

// FindOrCreate returns the existing record for id if present;
// otherwise it constructs one with create and inserts it, all as one
// registry operation while the caller still holds the metadata lock.
func (reg *Registry) FindOrCreate(id fsid.ID, create func() *Record) (r *Record, created bool) {
	if e, ok := reg.tree.Get(entry{id: id}); ok {
		return e.record, false
	}
	r = create()
	reg.tree.ReplaceOrInsert(entry{id: r.FileID, record: r})
	return r, true
}

// Remove removes the record for id. Callers must only call this after
// the record's refcnt has reached zero.
func (reg *Registry) Remove(id fsid.ID) {
	reg.tree.Delete(entry{id: id})
}

// Rekey moves the record currently stored under oldID to newID,
// without constructing a new record. Used by upload completion
// (update_openfile promotes a pending record to its new committed
// fileid) and by the clean→modified promotion of a committed record
// to its new pending id.
func (reg *Registry) Rekey(oldID, newID fsid.ID) bool {
	e, ok := reg.tree.Get(entry{id: oldID})
	if !ok {
		return false
	}
	reg.tree.Delete(entry{id: oldID})
	e.id = newID
	reg.tree.ReplaceOrInsert(e)
	return true
}

// Len returns the number of open records. Exposed for tests.
func (reg *Registry) Len() int {
	return reg.tree.Len()
}
