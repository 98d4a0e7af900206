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

// Package openfile implements the open-file record and registry:
// the in-memory representation of a logical file
// that may simultaneously exist as a committed remote object, a
// pending task, and a sparse local cache.
package openfile

import (
	"fmt"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/nimbusfs/nimbusfs/internal/fsid"
	"github.com/nimbusfs/nimbusfs/internal/interval"
	"github.com/nimbusfs/nimbusfs/internal/sparsefile"
)

// speedResetWindow is how far behind currentsec must fall before the
// read-speed estimator resets instead of smoothing.
const speedResetWindow = 10

// Record is one open-file record. Every mutable field is guarded
// by Mu; callers acquire Mu after obtaining the record from a
// Registry while the registry's lock is still held.
type Record struct {
	// Mu is the per-record lock. Guards every
	// mutable field below, including the interval tree and cache file
	// handles held inside Store.
	Mu syncutil.InvariantMutex

	// FileID is the record's current signed id. Mutated only under both
	// the registry's structural lock and Mu (promotion on upload
	// completion and the clean→modified promotion, see Registry.Rekey).
	FileID fsid.ID

	RemoteFileID int64 // positive id of the underlying remote file, 0 for newfile
	Hash         uint64

	InitialSize int64
	CurrentSize int64

	WriteID int64

	NewFile    bool
	Modified   bool
	Uploading  bool

	RefCnt       int
	RunningReads int

	Store *sparsefile.Store

	CurrentFolderID fsid.ID
	CurrentName     string

	// Read-speed estimator state.
	currentSec    int64
	bytesThisSec  int64
	currentSpeed  int64

	clock timeutil.Clock
}

// New constructs a record in the clean state (an open of an existing
// remote file) or, if newFile is set, the initial modified state for
// a brand-new local file.
func New(clock timeutil.Clock, id fsid.ID, cacheDir string, newFile bool) *Record {
	r := &Record{
		FileID:  id,
		NewFile: newFile,
		clock:   clock,
		Store:   &sparsefile.Store{CacheDir: cacheDir},
	}
	if newFile {
		r.Modified = true
	}
	r.Mu = syncutil.NewInvariantMutex(r.CheckInvariants)
	return r
}

// IncRef increments the reference count.
func (r *Record) IncRef() {
	r.RefCnt++
}

// DecRef decrements the reference count. Returns true if it reached
// zero, in which case the caller must remove
// the record and close its cache files.
func (r *Record) DecRef() bool {
	if r.RefCnt <= 0 {
		panic(fmt.Sprintf("openfile: DecRef on record %s with refcnt %d", r.FileID, r.RefCnt))
	}
	r.RefCnt--
	return r.RefCnt == 0
}

// IncRefAndReaders pins the record across a blocking read, letting
// the upload path detect active readers.
func (r *Record) IncRefAndReaders() {
	r.RefCnt++
	r.RunningReads++
}

// DecRefAndReaders is the matching release. Returns true if refcnt
// reached zero.
func (r *Record) DecRefAndReaders() bool {
	if r.RunningReads <= 0 {
		panic(fmt.Sprintf("openfile: DecRefAndReaders on record %s with runningreads %d", r.FileID, r.RunningReads))
	}
	r.RunningReads--
	return r.DecRef()
}

// NoteRead updates the read-speed estimator for a read of size bytes.
func (r *Record) NoteRead(size int64) {
	t := r.clock.Now().Unix()

	switch {
	case t == r.currentSec:
		r.bytesThisSec += size
		if r.bytesThisSec > r.currentSpeed {
			r.currentSpeed = r.bytesThisSec
		}
		return
	case r.currentSec < t-speedResetWindow:
		r.currentSpeed = size
	case r.currentSpeed == 0:
		r.currentSpeed = r.bytesThisSec
	default:
		r.currentSpeed = (r.bytesThisSec/(t-r.currentSec) + 3*r.currentSpeed) / 4
	}

	r.currentSec = t
	r.bytesThisSec = size
}

// CurrentSpeed returns the current read-speed estimate, consumed by
// the page cache for read-ahead decisions.
func (r *Record) CurrentSpeed() int64 {
	return r.currentSpeed
}

// ResetEstimator clears the read-speed estimator. Called when
// reopening an existing modified file, so a stale rate from the
// previous open cannot inflate read-ahead.
func (r *Record) ResetEstimator() {
	r.currentSec = 0
	r.bytesThisSec = 0
	r.currentSpeed = 0
}

// BeginWrite bumps writeid (every write bumps it, including zero-byte
// writes and writes during an active upload) and returns the new
// value. If an upload is in flight, the worker notices the mismatch
// at completion time and discards its result.
func (r *Record) BeginWrite() int64 {
	r.WriteID++
	return r.WriteID
}

// TransitionToModified performs the clean→modified promotion once the
// caller has added the corresponding task and obtained its fileid.
// It does not itself acquire any lock; the caller holds both the
// metadata lock and Mu.
func (r *Record) TransitionToModified(newFileID fsid.ID) {
	r.FileID = newFileID
	r.Modified = true
}

// Intervals returns the record's in-memory interval index, or nil for
// a record that has never been opened for write.
func (r *Record) Intervals() *interval.Index {
	if r.Store == nil {
		return nil
	}
	return r.Store.Intervals
}

// CheckInvariants panics if the record's state is inconsistent.
// Wired into Mu, so it runs on every lock/unlock cycle when
// syncutil invariant checking is enabled.
func (r *Record) CheckInvariants() {
	// A modified non-new record must have its index file open.
	if r.Modified && !r.NewFile && (r.Store == nil || r.Store.IndexFile == nil) {
		panic("openfile: modified non-new record has no open index file")
	}

	// The interval index always equals the union of the records in
	// the index file: Store only mutates Intervals via WriteRecord,
	// which keeps the two in lock-step. Not re-verified here to avoid
	// re-reading the index file on every invariant check.

	// currentsize covers the highest written range end.
	if r.Modified && r.Store != nil && r.Store.Intervals != nil {
		ranges := r.Store.Intervals.Ranges()
		if len(ranges) > 0 {
			highest := ranges[len(ranges)-1].End
			if r.CurrentSize < highest {
				panic(fmt.Sprintf("openfile: currentsize %d < highest write end %d", r.CurrentSize, highest))
			}
		}
	}
}
