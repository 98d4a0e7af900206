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

// Package fs implements the filesystem operations over the open-file
// layer: name resolution through the task overlays, the sparse write
// path, flush/upload hand-off, and the completion callbacks the
// upload workers drive back into the core.
package fs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/nimbusfs/nimbusfs/internal/fserrors"
	"github.com/nimbusfs/nimbusfs/internal/fsid"
	"github.com/nimbusfs/nimbusfs/internal/logger"
	"github.com/nimbusfs/nimbusfs/internal/metadb"
	"github.com/nimbusfs/nimbusfs/internal/openfile"
	"github.com/nimbusfs/nimbusfs/internal/overlay"
	"github.com/nimbusfs/nimbusfs/internal/pagecache"
	"github.com/nimbusfs/nimbusfs/internal/perms"
	"github.com/nimbusfs/nimbusfs/internal/remotestore"
	"github.com/nimbusfs/nimbusfs/internal/settings"
	"github.com/nimbusfs/nimbusfs/internal/sparsefile"
	"golang.org/x/net/context"
)

// Reported filesystem characteristics.
const (
	BlockSize    = 4096
	MaxWriteSize = 256 << 10
	NameMax      = 1024
)

// ServerConfig carries the collaborators the core consumes.
type ServerConfig struct {
	// A clock for modification times and the read-speed estimator.
	Clock timeutil.Clock

	MetaDB   *metadb.DB
	Settings *settings.Store
	Remote   remotestore.Store

	// Directory holding the per-pending-file cache file pairs. If
	// empty, the fscachepath setting is used.
	CacheDir string

	// Called when a flush makes a task READY. Normally the upload
	// pool's Wake.
	UploadWake func()
}

// Attrs is the stat result for one name.
type Attrs struct {
	Dir   bool
	Size  int64
	Ctime time.Time
	Mtime time.Time
}

// Dirent is one readdir entry, after "." and "..".
type Dirent struct {
	Name string
	Dir  bool
}

// StatFS reports the filesystem-wide characteristics derived from the
// quota settings.
type StatFS struct {
	BlockSize   uint32
	Blocks      uint64
	BlocksFree  uint64
	BlocksAvail uint64
	NameMax     uint32
}

// FileSystem is the core. One instance per mount.
//
// Lock ordering is always mu before any record's per-file lock. The
// clean-to-modified transition in WriteAt is the one path that needs
// mu while already holding a record lock; it drops the record lock,
// takes mu, retakes the record lock, and rechecks.
type FileSystem struct {
	clock      timeutil.Clock
	db         *metadb.DB
	settings   *settings.Store
	cache      *pagecache.Cache
	cacheDir   string
	wakeUpload func()

	// mu is the global metadata lock: guards the registry, the
	// overlays, the handle table, and multi-step metadata traversals.
	mu syncutil.InvariantMutex

	registry *openfile.Registry
	overlays map[fsid.ID]*overlay.Folder

	handles    map[uint64]*openfile.Record
	nextHandle uint64
}

// New builds a FileSystem and rebuilds the overlays from the live
// rows in the task table.
func New(cfg *ServerConfig) (*FileSystem, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		var err error
		if cacheDir, err = cfg.Settings.GetString(settings.KeyFSCachePath); err != nil {
			return nil, err
		}
	}
	if cacheDir == "" {
		return nil, errors.New("fs: no cache directory configured")
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("fs: creating cache dir: %w", err)
	}

	fs := &FileSystem{
		clock:      cfg.Clock,
		db:         cfg.MetaDB,
		settings:   cfg.Settings,
		cache:      &pagecache.Cache{Remote: cfg.Remote},
		cacheDir:   cacheDir,
		wakeUpload: cfg.UploadWake,
		registry:   openfile.NewRegistry(),
		overlays:   make(map[fsid.ID]*overlay.Folder),
		handles:    make(map[uint64]*openfile.Record),
	}
	if fs.wakeUpload == nil {
		fs.wakeUpload = func() {}
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	if err := fs.rebuildOverlays(); err != nil {
		return nil, err
	}
	return fs, nil
}

// rebuildOverlays replays the live task rows into the in-memory
// overlays, so a restart resumes with the same effective view.
func (fs *FileSystem) rebuildOverlays() error {
	tasks, err := fs.db.PendingTasks()
	if err != nil {
		return fmt.Errorf("fs: loading tasks: %w", err)
	}
	for _, t := range tasks {
		folder := fs.overlay(fsid.ID(t.FolderID))
		switch t.Type {
		case metadb.TaskMkdir:
			folder.AddMkdir(overlay.Mkdir{Name: t.Text1, FolderID: fsid.FromTaskID(t.ID)})
		case metadb.TaskRmdir:
			folder.AddRmdirTombstone(t.Text1)
		case metadb.TaskCreat, metadb.TaskModify:
			folder.AddCreat(overlay.Creat{
				Name:       t.Text1,
				FileID:     fsid.FromTaskID(t.ID),
				NewFile:    t.FileID == 0,
				BaseFileID: t.FileID,
				BaseHash:   uint64(t.Int2),
			})
		case metadb.TaskUnlink:
			folder.AddUnlinkTombstone(t.Text1)
		case metadb.TaskRenameFile:
			fs.overlay(fsid.ID(t.SFolderID)).AddUnlinkTombstone(t.Text1)
			folder.AddCreat(overlay.Creat{Name: t.Text2, FileID: fsid.ID(t.FileID)})
		case metadb.TaskRenameFolder:
			fs.overlay(fsid.ID(t.SFolderID)).AddRmdirTombstone(t.Text1)
			folder.AddMkdir(overlay.Mkdir{Name: t.Text2, FolderID: fsid.ID(t.FileID)})
		}
	}
	return nil
}

// checkInvariants runs on every mu cycle when invariant checking is
// enabled.
func (fs *FileSystem) checkInvariants() {
	for h, rec := range fs.handles {
		if rec.RefCnt <= 0 {
			panic(fmt.Sprintf("fs: handle %d references record %s with refcnt %d", h, rec.FileID, rec.RefCnt))
		}
	}
}

// overlay returns (creating on demand) the overlay for folderID.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) overlay(folderID fsid.ID) *overlay.Folder {
	f, ok := fs.overlays[folderID]
	if !ok {
		f = overlay.NewFolder()
		fs.overlays[folderID] = f
	}
	return f
}

////////////////////////////////////////////////////////////////////////
// Name resolution
////////////////////////////////////////////////////////////////////////

// splitPath returns the cleaned component list of an absolute path.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// lookupFolder resolves one folder component inside parent, applying
// the overlay precedence: mkdir wins, then tombstone, then the
// committed row.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) lookupFolder(parent fsid.ID, name string) (fsid.ID, bool) {
	ov := fs.overlay(parent)
	if m, ok := ov.GetMkdir(name); ok {
		return m.FolderID, true
	}
	if ov.HasRmdirTombstone(name) {
		return 0, false
	}
	if parent.IsPending() {
		// A pending folder has no committed children.
		return 0, false
	}
	row, err := fs.db.FolderByName(parent.CommittedID(), name)
	if err != nil {
		return 0, false
	}
	return fsid.ID(row.ID), true
}

// resolveDir resolves path to a folder id. Path must name a folder.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) resolveDir(path string) (fsid.ID, error) {
	cur := fsid.ID(0)
	for _, comp := range splitPath(path) {
		next, ok := fs.lookupFolder(cur, comp)
		if !ok {
			return 0, fserrors.NotFound(path)
		}
		cur = next
	}
	return cur, nil
}

// resolve resolves path to its parent folder id and basename.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) resolve(path string) (parent fsid.ID, name string, err error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return 0, "", fserrors.NotFound(path)
	}
	cur := fsid.ID(0)
	for _, comp := range comps[:len(comps)-1] {
		next, ok := fs.lookupFolder(cur, comp)
		if !ok {
			return 0, "", fserrors.NotFound(path)
		}
		cur = next
	}
	return cur, comps[len(comps)-1], nil
}

// folderPerms returns the capability mask of folderID. Pending
// folders are wholly local and grant everything.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) folderPerms(folderID fsid.ID) uint32 {
	if folderID.IsPending() {
		return perms.All
	}
	row, err := fs.db.FolderByID(folderID.CommittedID())
	if err != nil {
		return 0
	}
	return row.Permissions
}

// lookupEntry applies the single-name precedence of the overlay
// merger to (parent, name).
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) lookupEntry(parent fsid.ID, name string) (overlay.Entry, bool) {
	var committedFolder *overlay.CommittedFolder
	var committedFile *overlay.CommittedFile
	if !parent.IsPending() {
		if row, err := fs.db.FolderByName(parent.CommittedID(), name); err == nil {
			committedFolder = &overlay.CommittedFolder{Name: row.Name, ID: row.ID}
		}
		if row, err := fs.db.FileByName(parent.CommittedID(), name); err == nil {
			committedFile = &overlay.CommittedFile{Name: row.Name, ID: row.ID, Size: row.Size, Hash: row.Hash}
		}
	}
	return overlay.Getattr(fs.overlay(parent), name, committedFolder, committedFile)
}

////////////////////////////////////////////////////////////////////////
// Metadata operations
////////////////////////////////////////////////////////////////////////

// Getattr stats a path.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Getattr(ctx context.Context, path string) (Attrs, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(splitPath(path)) == 0 {
		root, err := fs.db.FolderByID(0)
		if err != nil {
			return Attrs{}, fserrors.IOError(err)
		}
		return Attrs{Dir: true, Ctime: time.Unix(root.Ctime, 0), Mtime: time.Unix(root.Mtime, 0)}, nil
	}

	parent, name, err := fs.resolve(path)
	if err != nil {
		return Attrs{}, err
	}
	entry, ok := fs.lookupEntry(parent, name)
	if !ok {
		return Attrs{}, fserrors.NotFound(path)
	}
	return fs.entryAttrs(entry)
}

// entryAttrs derives Attrs from a merged entry.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) entryAttrs(entry overlay.Entry) (Attrs, error) {
	switch entry.Kind {
	case overlay.KindCommittedFolder:
		row, err := fs.db.FolderByID(entry.CommittedFolder.ID)
		if err != nil {
			return Attrs{}, fserrors.IOError(err)
		}
		return Attrs{Dir: true, Ctime: time.Unix(row.Ctime, 0), Mtime: time.Unix(row.Mtime, 0)}, nil

	case overlay.KindMkdir:
		if !entry.Mkdir.FolderID.IsPending() {
			row, err := fs.db.FolderByID(entry.Mkdir.FolderID.CommittedID())
			if err != nil {
				return Attrs{}, fserrors.IOError(err)
			}
			return Attrs{Dir: true, Ctime: time.Unix(row.Ctime, 0), Mtime: time.Unix(row.Mtime, 0)}, nil
		}
		now := fs.clock.Now()
		return Attrs{Dir: true, Ctime: now, Mtime: now}, nil

	case overlay.KindCommittedFile:
		row, err := fs.db.FileByID(entry.CommittedFile.ID)
		if err != nil {
			return Attrs{}, fserrors.IOError(err)
		}
		return Attrs{Size: row.Size, Ctime: time.Unix(row.Ctime, 0), Mtime: time.Unix(row.Mtime, 0)}, nil

	case overlay.KindCreat:
		size, ctime, mtime, err := overlay.StatCreat(entry.Creat, fs.cacheDir, func(fileID int64) (int64, time.Time, time.Time, error) {
			row, err := fs.db.FileByID(fileID)
			if err != nil {
				return 0, time.Time{}, time.Time{}, err
			}
			return row.Size, time.Unix(row.Ctime, 0), time.Unix(row.Mtime, 0), nil
		})
		if err != nil {
			return Attrs{}, fserrors.IOError(err)
		}
		return Attrs{Size: size, Ctime: ctime, Mtime: mtime}, nil
	}
	return Attrs{}, fserrors.NotFound(entry.Name)
}

// Readdir lists a folder's merged view. The returned entries follow
// "." and "..", which the kernel-facing layer emits itself.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Readdir(ctx context.Context, path string) ([]Dirent, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	folderID, err := fs.resolveDir(path)
	if err != nil {
		return nil, err
	}

	var committedFolders []overlay.CommittedFolder
	var committedFiles []overlay.CommittedFile
	if !folderID.IsPending() {
		folders, err := fs.db.FoldersIn(folderID.CommittedID())
		if err != nil {
			return nil, fserrors.IOError(err)
		}
		for _, row := range folders {
			committedFolders = append(committedFolders, overlay.CommittedFolder{Name: row.Name, ID: row.ID})
		}
		files, err := fs.db.FilesIn(folderID.CommittedID())
		if err != nil {
			return nil, fserrors.IOError(err)
		}
		for _, row := range files {
			committedFiles = append(committedFiles, overlay.CommittedFile{Name: row.Name, ID: row.ID, Size: row.Size, Hash: row.Hash})
		}
	}

	merged := overlay.Readdir(fs.overlay(folderID), committedFolders, committedFiles)
	out := make([]Dirent, 0, len(merged))
	for _, e := range merged {
		out = append(out, Dirent{
			Name: e.Name,
			Dir:  e.Kind == overlay.KindCommittedFolder || e.Kind == overlay.KindMkdir,
		})
	}
	return out, nil
}

// StatFS derives the filesystem characteristics from the quota
// settings.
func (fs *FileSystem) StatFS(ctx context.Context) (StatFS, error) {
	quota, err := fs.settings.GetInt64(settings.KeyQuota)
	if err != nil {
		return StatFS{}, fserrors.IOError(err)
	}
	used, err := fs.settings.GetInt64(settings.KeyUsedQuota)
	if err != nil {
		return StatFS{}, fserrors.IOError(err)
	}
	free := quota - used
	if free < 0 {
		free = 0
	}
	return StatFS{
		BlockSize:   BlockSize,
		Blocks:      uint64(quota / BlockSize),
		BlocksFree:  uint64(free / BlockSize),
		BlocksAvail: uint64(free / BlockSize),
		NameMax:     NameMax,
	}, nil
}

////////////////////////////////////////////////////////////////////////
// Open, create, release
////////////////////////////////////////////////////////////////////////

// newHandleLocked allocates an opaque handle for rec.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) newHandleLocked(rec *openfile.Record) uint64 {
	fs.nextHandle++
	h := fs.nextHandle
	fs.handles[h] = rec
	return h
}

// lookupHandle returns the record behind h.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) lookupHandle(h uint64) (*openfile.Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.handles[h]
	if !ok {
		return nil, syscall.EBADF
	}
	return rec, nil
}

// Open opens an existing file and returns an opaque handle.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Open(ctx context.Context, path string, flags int) (uint64, error) {
	writeRequested := flags&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_TRUNC) != 0
	truncate := flags&os.O_TRUNC != 0

	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.resolve(path)
	if err != nil {
		return 0, err
	}
	if writeRequested && !perms.Can(fs.folderPerms(parent), perms.Modify) {
		return 0, fserrors.ErrPermission
	}

	entry, ok := fs.lookupEntry(parent, name)
	if !ok {
		return 0, fserrors.NotFound(path)
	}

	switch entry.Kind {
	case overlay.KindCommittedFolder, overlay.KindMkdir:
		return 0, syscall.EISDIR

	case overlay.KindCommittedFile:
		rec, err := fs.openCommittedLocked(entry.CommittedFile.ID, parent, name)
		if err != nil {
			return 0, err
		}
		return fs.newHandleLocked(rec), nil

	case overlay.KindCreat:
		if !entry.Creat.FileID.IsPending() {
			// A committed file moved here by a pending rename.
			rec, err := fs.openCommittedLocked(entry.Creat.FileID.CommittedID(), parent, name)
			if err != nil {
				return 0, err
			}
			return fs.newHandleLocked(rec), nil
		}
		rec, err := fs.openPendingLocked(entry.Creat, parent, name, truncate)
		if err != nil {
			return 0, err
		}
		return fs.newHandleLocked(rec), nil
	}
	return 0, fserrors.NotFound(path)
}

// openCommittedLocked finds or creates the clean record for a
// committed file.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) openCommittedLocked(fileID int64, parent fsid.ID, name string) (*openfile.Record, error) {
	row, err := fs.db.FileByID(fileID)
	if err != nil {
		return nil, fserrors.IOError(err)
	}

	id := fsid.ID(row.ID)
	rec, created := fs.registry.FindOrCreate(id, func() *openfile.Record {
		return openfile.New(fs.clock, id, fs.cacheDir, false)
	})
	if created {
		rec.RemoteFileID = row.ID
		rec.Hash = row.Hash
		rec.InitialSize = row.Size
		rec.CurrentSize = row.Size
		rec.CurrentFolderID = parent
		rec.CurrentName = name
	}
	rec.Mu.Lock()
	rec.IncRef()
	rec.Mu.Unlock()
	return rec, nil
}

// openPendingLocked finds or creates the record for a pending creat:
// either a wholly new file, or a pending modification of an existing
// base revision.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) openPendingLocked(c overlay.Creat, parent fsid.ID, name string, truncate bool) (*openfile.Record, error) {
	rec, created := fs.registry.FindOrCreate(c.FileID, func() *openfile.Record {
		return openfile.New(fs.clock, c.FileID, fs.cacheDir, c.NewFile)
	})
	if created {
		rec.CurrentFolderID = parent
		rec.CurrentName = name

		if c.NewFile {
			size, err := rec.Store.OpenForWrite(c.FileID, true, truncate, 0)
			if err != nil {
				fs.registry.Remove(c.FileID)
				return nil, fserrors.IOError(err)
			}
			rec.CurrentSize = size
		} else {
			task, err := fs.db.TaskByID(c.FileID.TaskID())
			if err != nil {
				fs.registry.Remove(c.FileID)
				return nil, fserrors.IOError(err)
			}
			baseSize, err := fs.db.RevisionSize(task.FileID, uint64(task.Int2))
			if err != nil {
				fs.registry.Remove(c.FileID)
				return nil, fserrors.IOError(err)
			}
			rec.RemoteFileID = task.FileID
			rec.Hash = uint64(task.Int2)
			rec.WriteID = task.Int1
			rec.InitialSize = baseSize

			size, err := rec.Store.OpenForWrite(c.FileID, false, false, baseSize)
			if err != nil {
				fs.registry.Remove(c.FileID)
				return nil, fserrors.IOError(err)
			}
			rec.Modified = true
			rec.CurrentSize = max(size, baseSize)
			rec.ResetEstimator()
		}
	}
	rec.Mu.Lock()
	rec.IncRef()
	rec.Mu.Unlock()
	return rec, nil
}

// Create creates a new file and returns an opaque handle.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Create(ctx context.Context, path string, mode os.FileMode) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.resolve(path)
	if err != nil {
		return 0, err
	}
	if !perms.Can(fs.folderPerms(parent), perms.Create) {
		return 0, fserrors.ErrPermission
	}
	if _, exists := fs.lookupEntry(parent, name); exists {
		return 0, syscall.EEXIST
	}

	taskID, err := fs.db.InsertTask(metadb.TaskRow{
		Type:     metadb.TaskCreat,
		Status:   metadb.StatusPending,
		FolderID: int64(parent),
		Text1:    name,
	})
	if err != nil {
		return 0, fserrors.IOError(err)
	}
	id := fsid.FromTaskID(taskID)
	ov := fs.overlay(parent)
	ov.AddCreat(overlay.Creat{Name: name, FileID: id, NewFile: true})

	rec := openfile.New(fs.clock, id, fs.cacheDir, true)
	rec.CurrentFolderID = parent
	rec.CurrentName = name
	if _, err := rec.Store.OpenForWrite(id, true, true, 0); err != nil {
		// Roll back the overlay entry and task just added.
		ov.RemoveCreat(name)
		if derr := fs.db.DeleteTask(taskID); derr != nil {
			logger.Errorf("fs: rolling back create task %d: %v", taskID, derr)
		}
		return 0, fserrors.IOError(err)
	}
	fs.registry.Insert(rec)
	rec.Mu.Lock()
	rec.IncRef()
	rec.Mu.Unlock()
	return fs.newHandleLocked(rec), nil
}

// Release drops the handle's reference; the last reference destroys
// the record and closes its cache files.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Release(ctx context.Context, h uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.handles[h]
	if !ok {
		return syscall.EBADF
	}
	delete(fs.handles, h)

	rec.Mu.Lock()
	last := rec.DecRef()
	rec.Mu.Unlock()
	if last {
		fs.registry.Remove(rec.FileID)
		if err := rec.Store.Close(); err != nil {
			logger.Warnf("fs: closing cache files for %s: %v", rec.FileID, err)
		}
		// Cache files stay on disk while the task is live; the upload
		// path reads them from the cache directory by task id.
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Read and write
////////////////////////////////////////////////////////////////////////

// ReadAt reads from an open handle.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) ReadAt(ctx context.Context, h uint64, p []byte, off int64) (int, error) {
	rec, err := fs.lookupHandle(h)
	if err != nil {
		return 0, err
	}

	rec.Mu.Lock()
	newFile := rec.NewFile
	modified := rec.Modified
	if newFile {
		defer rec.Mu.Unlock()
		rec.NoteRead(int64(len(p)))
		if off >= rec.CurrentSize {
			return 0, nil
		}
		if off+int64(len(p)) > rec.CurrentSize {
			p = p[:rec.CurrentSize-off]
		}
		n, err := rec.Store.ReadAt(p, off)
		if err != nil && n == 0 {
			return 0, fserrors.IOError(err)
		}
		return n, nil
	}
	rec.Mu.Unlock()

	if modified {
		return fs.cache.ReadModified(ctx, rec, p, off)
	}
	return fs.cache.ReadUnmodified(ctx, rec, p, off)
}

// WriteAt writes to an open handle. A write to a clean file promotes
// it to modified first, which requires the metadata lock: the record
// lock is dropped, both locks are taken in order, and the flags are
// rechecked since a concurrent writer may have won the race.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) WriteAt(ctx context.Context, h uint64, p []byte, off int64) (int, error) {
	rec, err := fs.lookupHandle(h)
	if err != nil {
		return 0, err
	}

	rec.Mu.Lock()
	rec.BeginWrite()
	if rec.Uploading {
		// The worker observes the writeid mismatch at completion and
		// discards its result.
		logger.Debugf("fs: write to %s supersedes in-flight upload", rec.FileID)
	}
	if len(p) == 0 {
		rec.Mu.Unlock()
		return 0, nil
	}

	if !rec.NewFile && !rec.Modified {
		rec.Mu.Unlock()
		fs.mu.Lock()
		rec.Mu.Lock()
		if !rec.NewFile && !rec.Modified {
			if err := fs.promoteLocked(rec); err != nil {
				rec.Mu.Unlock()
				fs.mu.Unlock()
				return 0, err
			}
		}
		fs.mu.Unlock()
	}
	defer rec.Mu.Unlock()

	n, err := rec.Store.WriteRecord(rec.NewFile, p, off)
	if err != nil {
		return n, fserrors.IOError(err)
	}
	if end := off + int64(n); end > rec.CurrentSize {
		rec.CurrentSize = end
	}
	return n, nil
}

// promoteLocked performs the clean-to-modified transition: adds the
// modified-file task, adopts its pending id, opens the cache files,
// and truncates the data file to the base size.
// LOCKS_REQUIRED(fs.mu, rec.Mu)
func (fs *FileSystem) promoteLocked(rec *openfile.Record) error {
	taskID, err := fs.db.InsertTask(metadb.TaskRow{
		Type:     metadb.TaskModify,
		Status:   metadb.StatusPending,
		FolderID: int64(rec.CurrentFolderID),
		FileID:   rec.RemoteFileID,
		Text1:    rec.CurrentName,
		Int1:     rec.WriteID,
		Int2:     int64(rec.Hash),
	})
	if err != nil {
		return fserrors.IOError(err)
	}
	newID := fsid.FromTaskID(taskID)

	fs.overlay(rec.CurrentFolderID).AddCreat(overlay.Creat{
		Name:       rec.CurrentName,
		FileID:     newID,
		NewFile:    false,
		BaseFileID: rec.RemoteFileID,
		BaseHash:   rec.Hash,
	})
	fs.registry.Rekey(rec.FileID, newID)
	rec.FileID = newID

	if _, err := rec.Store.OpenForWrite(newID, false, false, rec.InitialSize); err != nil {
		return fserrors.IOError(err)
	}
	if err := rec.Store.Truncate(rec.InitialSize); err != nil {
		return fserrors.IOError(err)
	}
	rec.CurrentSize = rec.InitialSize
	rec.Modified = true
	rec.Store.IndexOff = 0
	return nil
}

// Flush hands a modified file to the upload queue: the task row flips
// to READY with the latest writeid, and the workers are woken. A file
// already uploading just records the newer writeid.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Flush(ctx context.Context, h uint64) error {
	rec, err := fs.lookupHandle(h)
	if err != nil {
		return err
	}

	rec.Mu.Lock()
	modified := rec.Modified
	uploading := rec.Uploading
	writeID := rec.WriteID
	id := rec.FileID
	rec.Mu.Unlock()

	if !modified || !id.IsPending() {
		return nil
	}
	taskID := id.TaskID()

	if !uploading {
		affected, err := fs.db.MarkTaskReady(taskID, writeID)
		if err != nil {
			return fserrors.IOError(err)
		}
		if affected {
			fs.wakeUpload()
			return nil
		}
	}
	if err := fs.db.BumpTaskWriteID(taskID, writeID); err != nil {
		return fserrors.IOError(err)
	}
	return nil
}

// Fsync makes the cache files and the metadata store durable.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Fsync(ctx context.Context, h uint64) error {
	rec, err := fs.lookupHandle(h)
	if err != nil {
		return err
	}

	rec.Mu.Lock()
	if rec.Modified {
		if err := rec.Store.Fsync(); err != nil {
			rec.Mu.Unlock()
			return fserrors.IOError(err)
		}
	}
	rec.Mu.Unlock()

	if err := fs.db.Sync(); err != nil {
		return fserrors.IOError(err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory mutation
////////////////////////////////////////////////////////////////////////

// Mkdir adds a pending directory creation.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Mkdir(ctx context.Context, path string, mode os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if !perms.Can(fs.folderPerms(parent), perms.Create) {
		return fserrors.ErrPermission
	}
	if _, exists := fs.lookupEntry(parent, name); exists {
		return syscall.EEXIST
	}

	taskID, err := fs.db.InsertTask(metadb.TaskRow{
		Type:     metadb.TaskMkdir,
		Status:   metadb.StatusPending,
		FolderID: int64(parent),
		Text1:    name,
	})
	if err != nil {
		return fserrors.IOError(err)
	}
	fs.overlay(parent).AddMkdir(overlay.Mkdir{Name: name, FolderID: fsid.FromTaskID(taskID)})
	return nil
}

// Rmdir removes a directory: a pending mkdir is cancelled outright, a
// committed folder gets a tombstone plus a pending rmdir task.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Rmdir(ctx context.Context, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if !perms.Can(fs.folderPerms(parent), perms.Delete) {
		return fserrors.ErrPermission
	}

	ov := fs.overlay(parent)
	if m, ok := ov.GetMkdir(name); ok {
		ov.RemoveMkdir(name)
		if m.FolderID.IsPending() {
			if err := fs.db.DeleteTask(m.FolderID.TaskID()); err != nil {
				return fserrors.IOError(err)
			}
			return nil
		}
		// A committed folder moved here by a pending rename: the move
		// tombstoned the original; removing it now needs its own task.
		if _, err := fs.db.InsertTask(metadb.TaskRow{
			Type:     metadb.TaskRmdir,
			Status:   metadb.StatusPending,
			FolderID: int64(parent),
			FileID:   m.FolderID.CommittedID(),
			Text1:    name,
		}); err != nil {
			return fserrors.IOError(err)
		}
		return nil
	}

	if parent.IsPending() {
		return fserrors.NotFound(path)
	}
	row, err := fs.db.FolderByName(parent.CommittedID(), name)
	if err != nil || ov.HasRmdirTombstone(name) {
		return fserrors.NotFound(path)
	}

	if _, err := fs.db.InsertTask(metadb.TaskRow{
		Type:     metadb.TaskRmdir,
		Status:   metadb.StatusPending,
		FolderID: int64(parent),
		FileID:   row.ID,
		Text1:    name,
	}); err != nil {
		return fserrors.IOError(err)
	}
	ov.AddRmdirTombstone(name)
	return nil
}

// Unlink removes a file: a pending creat is cancelled (task deleted,
// cache files removed), a committed file gets a tombstone plus a
// pending unlink task.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Unlink(ctx context.Context, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if !perms.Can(fs.folderPerms(parent), perms.Delete) {
		return fserrors.ErrPermission
	}

	ov := fs.overlay(parent)
	if c, ok := ov.GetCreat(name); ok {
		ov.RemoveCreat(name)
		if c.FileID.IsPending() {
			if err := fs.db.DeleteTask(c.FileID.TaskID()); err != nil {
				return fserrors.IOError(err)
			}
			if err := sparsefile.Remove(fs.cacheDir, c.FileID); err != nil {
				logger.Warnf("fs: removing cache files for %s: %v", c.FileID, err)
			}
			// A pending modification of an existing base leaves the
			// committed row behind; unlinking the name must suppress
			// it too.
			if c.BaseFileID != 0 {
				if _, err := fs.db.InsertTask(metadb.TaskRow{
					Type:     metadb.TaskUnlink,
					Status:   metadb.StatusPending,
					FolderID: int64(parent),
					FileID:   c.BaseFileID,
					Text1:    name,
				}); err != nil {
					return fserrors.IOError(err)
				}
				ov.AddUnlinkTombstone(name)
			}
			return nil
		}
		// A committed file moved here by a pending rename.
		if _, err := fs.db.InsertTask(metadb.TaskRow{
			Type:     metadb.TaskUnlink,
			Status:   metadb.StatusPending,
			FolderID: int64(parent),
			FileID:   c.FileID.CommittedID(),
			Text1:    name,
		}); err != nil {
			return fserrors.IOError(err)
		}
		return nil
	}

	if parent.IsPending() {
		return fserrors.NotFound(path)
	}
	row, err := fs.db.FileByName(parent.CommittedID(), name)
	if err != nil || ov.HasUnlinkTombstone(name) {
		return fserrors.NotFound(path)
	}

	if _, err := fs.db.InsertTask(metadb.TaskRow{
		Type:     metadb.TaskUnlink,
		Status:   metadb.StatusPending,
		FolderID: int64(parent),
		FileID:   row.ID,
		Text1:    name,
	}); err != nil {
		return fserrors.IOError(err)
	}
	ov.AddUnlinkTombstone(name)
	return nil
}

// Rename moves a file or folder. The effective destination accounts
// for the overlay: renaming onto an existing folder (pending or
// committed) moves the source into it under its own name. Intra-folder
// renames need MODIFY; cross-folder renames need DELETE at the source
// and CREATE at the destination.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Rename(ctx context.Context, oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	srcParent, srcName, err := fs.resolve(oldPath)
	if err != nil {
		return err
	}
	dstParent, dstName, err := fs.resolve(newPath)
	if err != nil {
		return err
	}

	// Renaming onto a folder means "move into that folder".
	if folderID, ok := fs.lookupFolder(dstParent, dstName); ok {
		dstParent = folderID
		dstName = srcName
	}

	if srcParent == dstParent {
		if !perms.Can(fs.folderPerms(srcParent), perms.Modify) {
			return fserrors.ErrPermission
		}
	} else {
		if !perms.Can(fs.folderPerms(srcParent), perms.Delete) {
			return fserrors.ErrPermission
		}
		if !perms.Can(fs.folderPerms(dstParent), perms.Create) {
			return fserrors.ErrPermission
		}
	}

	srcEntry, ok := fs.lookupEntry(srcParent, srcName)
	if !ok {
		return fserrors.NotFound(oldPath)
	}

	switch srcEntry.Kind {
	case overlay.KindCommittedFolder, overlay.KindMkdir:
		return fs.renameFolderLocked(srcEntry, srcParent, srcName, dstParent, dstName)
	default:
		return fs.renameFileLocked(srcEntry, srcParent, srcName, dstParent, dstName)
	}
}

// suppressDestLocked clears whatever currently occupies the
// destination name so the moved entry replaces it.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) suppressDestLocked(dstParent fsid.ID, dstName string) {
	ov := fs.overlay(dstParent)
	if c, ok := ov.GetCreat(dstName); ok {
		ov.RemoveCreat(dstName)
		if c.FileID.IsPending() {
			if err := fs.db.DeleteTask(c.FileID.TaskID()); err != nil {
				logger.Warnf("fs: deleting replaced task %d: %v", c.FileID.TaskID(), err)
			}
		}
	}
	if !dstParent.IsPending() {
		if _, err := fs.db.FileByName(dstParent.CommittedID(), dstName); err == nil {
			ov.AddUnlinkTombstone(dstName)
		}
	}
}

// renameFileLocked dispatches a file rename on the overlay.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) renameFileLocked(srcEntry overlay.Entry, srcParent fsid.ID, srcName string, dstParent fsid.ID, dstName string) error {
	fs.suppressDestLocked(dstParent, dstName)
	srcOv := fs.overlay(srcParent)
	dstOv := fs.overlay(dstParent)

	if srcEntry.Kind == overlay.KindCreat {
		c := srcEntry.Creat
		srcOv.RemoveCreat(srcName)
		c.Name = dstName
		dstOv.AddCreat(c)

		if c.FileID.IsPending() {
			if err := fs.db.RetargetTask(c.FileID.TaskID(), int64(dstParent), dstName); err != nil {
				return fserrors.IOError(err)
			}
			fs.renameOpenFileLocked(c.FileID, dstParent, dstName)
		} else {
			// Entry placed here by an earlier rename of a committed
			// file; keep the original source tombstone and retarget.
			srcOv.AddUnlinkTombstone(srcName)
			fs.renameOpenFileLocked(c.FileID, dstParent, dstName)
		}
		return nil
	}

	// Committed file: tombstone at the source, moved entry at the
	// destination, and a pending rename task tying them together.
	row := srcEntry.CommittedFile
	if _, err := fs.db.InsertTask(metadb.TaskRow{
		Type:      metadb.TaskRenameFile,
		Status:    metadb.StatusPending,
		FolderID:  int64(dstParent),
		SFolderID: int64(srcParent),
		FileID:    row.ID,
		Text1:     srcName,
		Text2:     dstName,
	}); err != nil {
		return fserrors.IOError(err)
	}
	srcOv.AddUnlinkTombstone(srcName)
	dstOv.AddCreat(overlay.Creat{Name: dstName, FileID: fsid.ID(row.ID)})
	fs.renameOpenFileLocked(fsid.ID(row.ID), dstParent, dstName)
	return nil
}

// renameFolderLocked dispatches a folder rename on the overlay.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) renameFolderLocked(srcEntry overlay.Entry, srcParent fsid.ID, srcName string, dstParent fsid.ID, dstName string) error {
	srcOv := fs.overlay(srcParent)
	dstOv := fs.overlay(dstParent)

	if srcEntry.Kind == overlay.KindMkdir {
		m := srcEntry.Mkdir
		srcOv.RemoveMkdir(srcName)
		m.Name = dstName
		dstOv.AddMkdir(m)

		if m.FolderID.IsPending() {
			if err := fs.db.RetargetTask(m.FolderID.TaskID(), int64(dstParent), dstName); err != nil {
				return fserrors.IOError(err)
			}
		} else {
			srcOv.AddRmdirTombstone(srcName)
		}
		return nil
	}

	row := srcEntry.CommittedFolder
	if _, err := fs.db.InsertTask(metadb.TaskRow{
		Type:      metadb.TaskRenameFolder,
		Status:    metadb.StatusPending,
		FolderID:  int64(dstParent),
		SFolderID: int64(srcParent),
		FileID:    row.ID,
		Text1:     srcName,
		Text2:     dstName,
	}); err != nil {
		return fserrors.IOError(err)
	}
	srcOv.AddRmdirTombstone(srcName)
	dstOv.AddMkdir(overlay.Mkdir{Name: dstName, FolderID: fsid.ID(row.ID)})
	return nil
}

////////////////////////////////////////////////////////////////////////
// Upload worker callbacks
////////////////////////////////////////////////////////////////////////

// UploadingOpenFile marks the record for taskID as uploading.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) UploadingOpenFile(taskID int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.registry.LookupByTaskID(taskID)
	if !ok {
		return
	}
	rec.Mu.Lock()
	rec.Uploading = true
	rec.Mu.Unlock()
}

// UpdateOpenFile reports an upload completion into the core. If the
// record's writeid still matches the writeid the upload was launched
// against, the record is promoted to the committed identity and its
// cache files are closed; otherwise the result is discarded (a newer
// write supersedes it) and only the uploading flag is cleared.
// Returns 0 on promotion, -1 when superseded.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) UpdateOpenFile(taskID, writeID, newFileID int64, hash uint64, size int64) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.registry.LookupByTaskID(taskID)
	if !ok {
		// Nobody has it open; the task row's writeid was authoritative.
		return 0
	}

	rec.Mu.Lock()
	defer rec.Mu.Unlock()

	if rec.WriteID != writeID {
		rec.Uploading = false
		return -1
	}

	fs.registry.Rekey(rec.FileID, fsid.ID(newFileID))
	rec.FileID = fsid.ID(newFileID)
	rec.RemoteFileID = newFileID
	rec.Hash = hash
	rec.Modified = false
	rec.NewFile = false
	rec.Uploading = false
	rec.InitialSize = size
	rec.CurrentSize = size
	if err := rec.Store.Close(); err != nil {
		logger.Warnf("fs: closing cache files after upload of task %d: %v", taskID, err)
	}
	return 0
}

// GetFileWriteID returns the writeid an upload of taskID must match:
// the open record's if one exists, else the task row's, else -1.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) GetFileWriteID(taskID int64) int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if rec, ok := fs.registry.LookupByTaskID(taskID); ok {
		rec.Mu.Lock()
		defer rec.Mu.Unlock()
		return rec.WriteID
	}
	task, err := fs.db.TaskByID(taskID)
	if err != nil {
		return -1
	}
	return task.Int1
}

// renameOpenFileLocked updates an open record's folder handle and
// name in place, if one exists. Returns 1 if found, 0 otherwise.
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) renameOpenFileLocked(fileID fsid.ID, newFolderID fsid.ID, newName string) int {
	rec, ok := fs.registry.Lookup(fileID)
	if !ok {
		return 0
	}
	rec.Mu.Lock()
	rec.CurrentFolderID = newFolderID
	rec.CurrentName = newName
	rec.Mu.Unlock()
	return 1
}

// RenameOpenFile is the exported form for collaborators that hold no
// locks.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) RenameOpenFile(fileID fsid.ID, newFolderID fsid.ID, newName string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.renameOpenFileLocked(fileID, newFolderID, newName)
}

// CommitUpload finalizes a promoted task: the committed file row and
// revision are written, the overlay entry is cleared, the task is
// deleted, and the cache files are removed unless a still-modified
// record owns them.
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) CommitUpload(taskID, newFileID int64, hash uint64, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	task, err := fs.db.TaskByID(taskID)
	if err != nil {
		return fserrors.IOError(err)
	}

	now := fs.clock.Now().Unix()
	if err := fs.db.UpsertFile(metadb.FileRow{
		ID:       newFileID,
		ParentID: task.FolderID,
		Name:     task.Text1,
		Size:     size,
		Hash:     hash,
		Ctime:    now,
		Mtime:    now,
	}); err != nil {
		return fserrors.IOError(err)
	}
	if err := fs.db.InsertRevision(newFileID, hash, size); err != nil {
		return fserrors.IOError(err)
	}
	fs.overlay(fsid.ID(task.FolderID)).RemoveCreat(task.Text1)
	if err := fs.db.DeleteTask(taskID); err != nil {
		return fserrors.IOError(err)
	}

	id := fsid.FromTaskID(taskID)
	if _, stillOpen := fs.registry.Lookup(id); !stillOpen {
		if err := sparsefile.Remove(fs.cacheDir, id); err != nil {
			logger.Warnf("fs: removing cache files for task %d: %v", taskID, err)
		}
	}
	return nil
}
