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

// The kernel-facing binding: adapts the path-based operation layer to
// the inode-oriented FUSE protocol. Inode numbers are minted per path
// and forgotten when the kernel drops them; everything else delegates
// to FileSystem.
package fs

import (
	"os"
	"path"
	"sync"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nimbusfs/nimbusfs/internal/fserrors"
	"golang.org/x/net/context"
)

// attrCacheTTL is how long the kernel may cache attributes and
// entries. Kept short: the overlay can change underneath the kernel
// when background uploads commit.
const attrCacheTTL = 0

// NewServer wraps core in a fuse.Server ready for fuse.Mount.
func NewServer(core *FileSystem) fuse.Server {
	srv := &fuseServer{
		core:      core,
		inodes:    map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		paths:     map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		nextInode: fuseops.RootInodeID + 1,
		dirs:      make(map[fuseops.HandleID][]fuseutil.Dirent),
	}
	return fuseutil.NewFileSystemServer(srv)
}

type fuseServer struct {
	fuseutil.NotImplementedFileSystem

	core *FileSystem

	mu        sync.Mutex
	inodes    map[fuseops.InodeID]string
	paths     map[string]fuseops.InodeID
	nextInode fuseops.InodeID
	dirs      map[fuseops.HandleID][]fuseutil.Dirent
	nextDirFH fuseops.HandleID
}

// errno converts a core error to the error the FUSE library reports.
func errno(err error) error {
	if err == nil {
		return nil
	}
	return fserrors.Errno(err)
}

// internPath returns (minting if needed) the inode id for p.
func (s *fuseServer) internPath(p string) fuseops.InodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.paths[p]; ok {
		return id
	}
	id := s.nextInode
	s.nextInode++
	s.paths[p] = id
	s.inodes[id] = p
	return id
}

func (s *fuseServer) pathOf(id fuseops.InodeID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.inodes[id]
	return p, ok
}

func (s *fuseServer) dropPath(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.paths[p]; ok {
		delete(s.paths, p)
		delete(s.inodes, id)
	}
}

func inodeAttributes(a Attrs) fuseops.InodeAttributes {
	mode := os.FileMode(0o644)
	nlink := uint32(1)
	if a.Dir {
		mode = os.ModeDir | 0o755
		nlink = 2
	}
	return fuseops.InodeAttributes{
		Size:  uint64(a.Size),
		Nlink: nlink,
		Mode:  mode,
		Ctime: a.Ctime,
		Mtime: a.Mtime,
		Atime: a.Mtime,
		Uid:   uint32(os.Getuid()),
		Gid:   uint32(os.Getgid()),
	}
}

func (s *fuseServer) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st, err := s.core.StatFS(ctx)
	if err != nil {
		return errno(err)
	}
	op.BlockSize = st.BlockSize
	op.Blocks = st.Blocks
	op.BlocksFree = st.BlocksFree
	op.BlocksAvailable = st.BlocksAvail
	op.IoSize = MaxWriteSize
	return nil
}

func (s *fuseServer) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := s.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)

	attrs, err := s.core.Getattr(ctx, childPath)
	if err != nil {
		return errno(err)
	}

	op.Entry.Child = s.internPath(childPath)
	op.Entry.Attributes = inodeAttributes(attrs)
	op.Entry.AttributesExpiration = s.core.clock.Now().Add(attrCacheTTL)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (s *fuseServer) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, ok := s.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attrs, err := s.core.Getattr(ctx, p)
	if err != nil {
		return errno(err)
	}
	op.Attributes = inodeAttributes(attrs)
	op.AttributesExpiration = s.core.clock.Now().Add(attrCacheTTL)
	return nil
}

// SetInodeAttributes accepts chmod/chown/utimens-style changes and
// reports success without effect.
func (s *fuseServer) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	p, ok := s.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attrs, err := s.core.Getattr(ctx, p)
	if err != nil {
		return errno(err)
	}
	op.Attributes = inodeAttributes(attrs)
	op.AttributesExpiration = s.core.clock.Now().Add(attrCacheTTL)
	return nil
}

func (s *fuseServer) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	if op.Inode == fuseops.RootInodeID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.inodes[op.Inode]; ok {
		delete(s.inodes, op.Inode)
		delete(s.paths, p)
	}
	return nil
}

func (s *fuseServer) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := s.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	if err := s.core.Mkdir(ctx, childPath, op.Mode); err != nil {
		return errno(err)
	}

	attrs, err := s.core.Getattr(ctx, childPath)
	if err != nil {
		return errno(err)
	}
	op.Entry.Child = s.internPath(childPath)
	op.Entry.Attributes = inodeAttributes(attrs)
	return nil
}

func (s *fuseServer) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := s.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)

	h, err := s.core.Create(ctx, childPath, op.Mode)
	if err != nil {
		return errno(err)
	}
	op.Handle = fuseops.HandleID(h)

	attrs, err := s.core.Getattr(ctx, childPath)
	if err != nil {
		return errno(err)
	}
	op.Entry.Child = s.internPath(childPath)
	op.Entry.Attributes = inodeAttributes(attrs)
	return nil
}

func (s *fuseServer) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := s.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	if err := s.core.Rmdir(ctx, childPath); err != nil {
		return errno(err)
	}
	s.dropPath(childPath)
	return nil
}

func (s *fuseServer) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := s.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	if err := s.core.Unlink(ctx, childPath); err != nil {
		return errno(err)
	}
	s.dropPath(childPath)
	return nil
}

func (s *fuseServer) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := s.pathOf(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := s.pathOf(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	oldPath := path.Join(oldParent, op.OldName)
	newPath := path.Join(newParent, op.NewName)
	if err := s.core.Rename(ctx, oldPath, newPath); err != nil {
		return errno(err)
	}
	s.dropPath(oldPath)
	s.dropPath(newPath)
	return nil
}

func (s *fuseServer) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	p, ok := s.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	entries, err := s.core.Readdir(ctx, p)
	if err != nil {
		return errno(err)
	}

	dirents := make([]fuseutil.Dirent, 0, len(entries)+2)
	dirents = append(dirents,
		fuseutil.Dirent{Offset: 1, Inode: op.Inode, Name: ".", Type: fuseutil.DT_Directory},
		fuseutil.Dirent{Offset: 2, Inode: op.Inode, Name: "..", Type: fuseutil.DT_Directory},
	)
	for i, e := range entries {
		t := fuseutil.DT_File
		if e.Dir {
			t = fuseutil.DT_Directory
		}
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 3),
			Inode:  s.internPath(path.Join(p, e.Name)),
			Name:   e.Name,
			Type:   t,
		})
	}

	s.mu.Lock()
	s.nextDirFH++
	op.Handle = s.nextDirFH
	s.dirs[op.Handle] = dirents
	s.mu.Unlock()
	return nil
}

func (s *fuseServer) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	s.mu.Lock()
	dirents, ok := s.dirs[op.Handle]
	s.mu.Unlock()
	if !ok {
		return fuse.EINVAL
	}

	for _, d := range dirents {
		if d.Offset <= op.Offset {
			continue
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (s *fuseServer) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	s.mu.Lock()
	delete(s.dirs, op.Handle)
	s.mu.Unlock()
	return nil
}

func (s *fuseServer) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	p, ok := s.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	h, err := s.core.Open(ctx, p, int(op.OpenFlags))
	if err != nil {
		return errno(err)
	}
	op.Handle = fuseops.HandleID(h)
	// The overlay can change between opens; don't let the kernel keep
	// stale pages.
	op.KeepPageCache = false
	return nil
}

func (s *fuseServer) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, err := s.core.ReadAt(ctx, uint64(op.Handle), op.Dst, op.Offset)
	op.BytesRead = n
	return errno(err)
}

func (s *fuseServer) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	_, err := s.core.WriteAt(ctx, uint64(op.Handle), op.Data, op.Offset)
	return errno(err)
}

func (s *fuseServer) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return errno(s.core.Flush(ctx, uint64(op.Handle)))
}

func (s *fuseServer) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return errno(s.core.Fsync(ctx, uint64(op.Handle)))
}

func (s *fuseServer) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return errno(s.core.Release(ctx, uint64(op.Handle)))
}
