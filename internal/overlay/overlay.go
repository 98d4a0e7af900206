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

// Package overlay implements the task-overlay merger: for each
// folder, it merges committed rows from the metadata database with a
// folder-local overlay of pending mkdir/creat/rmdir/unlink tasks to
// produce the effective directory view. Modeled on the committed
// listing + ordered local-modification overlay pattern used for GCS
// directory listings in gcsproxy.ListingProxy, adapted from a
// time-ordered container/list to name-ordered google/btree sets.
package overlay

import (
	"github.com/google/btree"
	"github.com/nimbusfs/nimbusfs/internal/fsid"
)

const btreeDegree = 32

// Mkdir is a pending directory creation.
type Mkdir struct {
	Name     string
	FolderID fsid.ID // negative: fileid = -taskid
}

// Creat is a pending file creation or modification: identified by a
// pending fileid, a newfile flag, and for a modified-existing file
// the base fileid/hash it was opened from. A Creat with a committed
// FileID represents an existing file moved here by a pending rename,
// with no local content changes.
type Creat struct {
	Name       string
	FileID     fsid.ID
	NewFile    bool
	BaseFileID int64 // 0 for a wholly new file
	BaseHash   uint64
}

func mkdirLess(a, b Mkdir) bool { return a.Name < b.Name }
func creatLess(a, b Creat) bool { return a.Name < b.Name }

type nameEntry struct{ name string }

func nameLess(a, b nameEntry) bool { return a.name < b.name }

// Folder is the overlay attached to one folder id: pending
// creations keyed by name, plus deletion tombstones.
type Folder struct {
	mkdirs            *btree.BTreeG[Mkdir]
	creats            *btree.BTreeG[Creat]
	rmdirTombstones   *btree.BTreeG[nameEntry]
	unlinkTombstones  *btree.BTreeG[nameEntry]
}

// NewFolder returns an empty overlay for one folder.
func NewFolder() *Folder {
	return &Folder{
		mkdirs:           btree.NewG(btreeDegree, mkdirLess),
		creats:           btree.NewG(btreeDegree, creatLess),
		rmdirTombstones:  btree.NewG(btreeDegree, nameLess),
		unlinkTombstones: btree.NewG(btreeDegree, nameLess),
	}
}

func (f *Folder) AddMkdir(m Mkdir)   { f.mkdirs.ReplaceOrInsert(m) }
func (f *Folder) AddCreat(c Creat)   { f.creats.ReplaceOrInsert(c) }
func (f *Folder) RemoveMkdir(name string) {
	f.mkdirs.Delete(Mkdir{Name: name})
}
func (f *Folder) RemoveCreat(name string) {
	f.creats.Delete(Creat{Name: name})
}
func (f *Folder) AddRmdirTombstone(name string)  { f.rmdirTombstones.ReplaceOrInsert(nameEntry{name}) }
func (f *Folder) AddUnlinkTombstone(name string) { f.unlinkTombstones.ReplaceOrInsert(nameEntry{name}) }
func (f *Folder) RemoveRmdirTombstone(name string) {
	f.rmdirTombstones.Delete(nameEntry{name})
}
func (f *Folder) RemoveUnlinkTombstone(name string) {
	f.unlinkTombstones.Delete(nameEntry{name})
}

func (f *Folder) hasRmdirTombstone(name string) bool {
	return f.rmdirTombstones.Has(nameEntry{name})
}

func (f *Folder) hasUnlinkTombstone(name string) bool {
	return f.unlinkTombstones.Has(nameEntry{name})
}

func (f *Folder) mkdir(name string) (Mkdir, bool) {
	return f.mkdirs.Get(Mkdir{Name: name})
}

func (f *Folder) creat(name string) (Creat, bool) {
	return f.creats.Get(Creat{Name: name})
}

// GetMkdir returns the pending mkdir for name, if any.
func (f *Folder) GetMkdir(name string) (Mkdir, bool) { return f.mkdir(name) }

// GetCreat returns the pending creat for name, if any.
func (f *Folder) GetCreat(name string) (Creat, bool) { return f.creat(name) }

// HasRmdirTombstone reports whether name carries a pending rmdir.
func (f *Folder) HasRmdirTombstone(name string) bool { return f.hasRmdirTombstone(name) }

// HasUnlinkTombstone reports whether name carries a pending unlink.
func (f *Folder) HasUnlinkTombstone(name string) bool { return f.hasUnlinkTombstone(name) }

// Empty reports whether the overlay holds no pending entries at all.
func (f *Folder) Empty() bool {
	return f.mkdirs.Len() == 0 && f.creats.Len() == 0 &&
		f.rmdirTombstones.Len() == 0 && f.unlinkTombstones.Len() == 0
}

// CommittedFolder is a committed subfolder row as read from the
// metadata database.
type CommittedFolder struct {
	Name string
	ID   int64
}

// CommittedFile is a committed file row as read from the metadata
// database.
type CommittedFile struct {
	Name string
	ID   int64
	Size int64
	Hash uint64
}

// EntryKind distinguishes a merged directory entry's origin.
type EntryKind int

const (
	// KindCommittedFolder is an unmodified committed subfolder.
	KindCommittedFolder EntryKind = iota
	// KindCommittedFile is an unmodified committed file.
	KindCommittedFile
	// KindMkdir is a pending directory creation.
	KindMkdir
	// KindCreat is a pending file creation or modification.
	KindCreat
)

// Entry is one merged directory entry, the output of Readdir/Getattr.
type Entry struct {
	Name string
	Kind EntryKind

	CommittedFolder CommittedFolder
	CommittedFile   CommittedFile
	Mkdir           Mkdir
	Creat           Creat
}

// Readdir merges committed rows with the overlay to produce the effective view
// of a folder: committed subfolders and files, minus tombstoned or
// mkdir-shadowed names, plus every pending mkdir and creat. Order is
// not significant to callers (readdir emits them after "." and "..").
func Readdir(ov *Folder, committedFolders []CommittedFolder, committedFiles []CommittedFile) []Entry {
	var out []Entry

	for _, cf := range committedFolders {
		if ov.hasRmdirTombstone(cf.Name) {
			continue
		}
		if _, shadowed := ov.mkdir(cf.Name); shadowed {
			// The mkdir wins and is emitted in the pending-mkdir pass below.
			continue
		}
		out = append(out, Entry{Name: cf.Name, Kind: KindCommittedFolder, CommittedFolder: cf})
	}

	for _, cfile := range committedFiles {
		// The creat wins even over a coexisting tombstone: the
		// tombstone suppresses the committed row, the creat supplies
		// the replacement.
		if c, shadowed := ov.creat(cfile.Name); shadowed {
			out = append(out, Entry{Name: cfile.Name, Kind: KindCreat, Creat: c})
			continue
		}
		if ov.hasUnlinkTombstone(cfile.Name) {
			continue
		}
		out = append(out, Entry{Name: cfile.Name, Kind: KindCommittedFile, CommittedFile: cfile})
	}

	ov.mkdirs.Ascend(func(m Mkdir) bool {
		out = append(out, Entry{Name: m.Name, Kind: KindMkdir, Mkdir: m})
		return true
	})
	ov.creats.Ascend(func(c Creat) bool {
		// Already emitted above if it shadows a committed file; only
		// emit here when there is no committed row of that name.
		for _, cfile := range committedFiles {
			if cfile.Name == c.Name {
				return true
			}
		}
		out = append(out, Entry{Name: c.Name, Kind: KindCreat, Creat: c})
		return true
	})

	return out
}

// Getattr resolves a single name within a folder using the same
// precedence rule as Readdir: overlay > tombstone > committed row.
// When a tombstone and an overlay entry coexist
// for the same name, the tombstone suppresses the
// committed row, and the mkdir or creat (if any) supplies the result.
func Getattr(ov *Folder, name string, committedFolder *CommittedFolder, committedFile *CommittedFile) (Entry, bool) {
	if m, ok := ov.mkdir(name); ok {
		return Entry{Name: name, Kind: KindMkdir, Mkdir: m}, true
	}
	if c, ok := ov.creat(name); ok {
		return Entry{Name: name, Kind: KindCreat, Creat: c}, true
	}
	if ov.hasRmdirTombstone(name) || ov.hasUnlinkTombstone(name) {
		return Entry{}, false
	}
	if committedFolder != nil {
		return Entry{Name: name, Kind: KindCommittedFolder, CommittedFolder: *committedFolder}, true
	}
	if committedFile != nil {
		return Entry{Name: name, Kind: KindCommittedFile, CommittedFile: *committedFile}, true
	}
	return Entry{}, false
}
