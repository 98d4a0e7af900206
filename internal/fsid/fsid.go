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

// Package fsid implements the signed file/folder id convention: a
// positive id names a row committed to the metadata database, a
// negative id names a pending task (the task id is -id).
package fsid

import "fmt"

// ID is a file or folder identifier using the signed convention:
// positive values are committed rows, negative values are pending
// tasks, and zero is the root folder (treated as committed).
type ID int64

// Kind distinguishes the two variants an ID can carry.
type Kind int

const (
	Committed Kind = iota
	Pending
)

// Kind reports whether id names a committed row or a pending task.
func (id ID) Kind() Kind {
	if id < 0 {
		return Pending
	}
	return Committed
}

// IsPending reports whether id names a pending task.
func (id ID) IsPending() bool {
	return id < 0
}

// TaskID returns the task id for a pending ID. Panics if id is committed.
func (id ID) TaskID() int64 {
	if !id.IsPending() {
		panic(fmt.Sprintf("fsid: TaskID called on committed id %d", int64(id)))
	}
	return -int64(id)
}

// FromTaskID builds the pending ID for a given task id. taskID must be
// positive.
func FromTaskID(taskID int64) ID {
	if taskID <= 0 {
		panic(fmt.Sprintf("fsid: FromTaskID requires taskID > 0, got %d", taskID))
	}
	return ID(-taskID)
}

// CommittedID returns the committed id. Panics if id is pending.
func (id ID) CommittedID() int64 {
	if id.IsPending() {
		panic(fmt.Sprintf("fsid: CommittedID called on pending id %d", int64(id)))
	}
	return int64(id)
}

// Hex returns the fixed-width hexadecimal encoding of the unsigned
// magnitude of id, used to name cache files on disk
// (hex(-fileid)+'d'/'i' for pending ids per the cache directory layout).
func (id ID) Hex() string {
	mag := int64(id)
	if mag < 0 {
		mag = -mag
	}
	return fmt.Sprintf("%016x", uint64(mag))
}

// DataFileName returns the cache data file name for id.
func (id ID) DataFileName() string {
	return id.Hex() + "d"
}

// IndexFileName returns the cache index file name for id.
func (id ID) IndexFileName() string {
	return id.Hex() + "i"
}

func (id ID) String() string {
	if id.IsPending() {
		return fmt.Sprintf("task:%d", id.TaskID())
	}
	return fmt.Sprintf("file:%d", id.CommittedID())
}
