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

package fs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/nimbusfs/nimbusfs/internal/fsid"
	"github.com/nimbusfs/nimbusfs/internal/interval"
	"github.com/nimbusfs/nimbusfs/internal/metadb"
	"github.com/nimbusfs/nimbusfs/internal/perms"
	"github.com/nimbusfs/nimbusfs/internal/remotestore/fakestore"
	"github.com/nimbusfs/nimbusfs/internal/settings"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/net/context"
)

type FSTest struct {
	suite.Suite

	ctx      context.Context
	clock    timeutil.SimulatedClock
	db       *metadb.DB
	settings *settings.Store
	store    *fakestore.Store
	cacheDir string
	fs       *FileSystem
	woken    int
}

func TestFSSuite(t *testing.T) {
	suite.Run(t, new(FSTest))
}

func (t *FSTest) SetupTest() {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2016, 3, 1, 12, 0, 0, 0, time.UTC))
	t.woken = 0

	dir := t.T().TempDir()
	db, err := metadb.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t.T(), err)
	t.db = db

	st, err := settings.Open(filepath.Join(dir, "settings.db"))
	require.NoError(t.T(), err)
	t.settings = st
	require.NoError(t.T(), st.SetInt64(settings.KeyQuota, 1<<30))
	require.NoError(t.T(), st.SetInt64(settings.KeyUsedQuota, 1<<20))

	t.store = fakestore.New(1000)
	t.cacheDir = t.T().TempDir()

	fs, err := New(&ServerConfig{
		Clock:      &t.clock,
		MetaDB:     db,
		Settings:   st,
		Remote:     t.store,
		CacheDir:   t.cacheDir,
		UploadWake: func() { t.woken++ },
	})
	require.NoError(t.T(), err)
	t.fs = fs
}

func (t *FSTest) TearDownTest() {
	t.db.Close()
	t.settings.Close()
}

// seedCommittedFile installs a committed file both in the remote
// store and the metadata database, with a matching revision row.
func (t *FSTest) seedCommittedFile(parent int64, name string, content []byte, id int64) uint64 {
	hash := t.store.Seed(id, content)
	now := t.clock.Now().Unix()
	require.NoError(t.T(), t.db.UpsertFile(metadb.FileRow{
		ID: id, ParentID: parent, Name: name,
		Size: int64(len(content)), Hash: hash, Ctime: now, Mtime: now,
	}))
	require.NoError(t.T(), t.db.InsertRevision(id, hash, int64(len(content))))
	return hash
}

func (t *FSTest) names(entries []Dirent) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

// taskIDFor returns the task behind the open handle's pending id.
func (t *FSTest) taskIDFor(h uint64) int64 {
	rec, err := t.fs.lookupHandle(h)
	require.NoError(t.T(), err)
	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	require.True(t.T(), rec.FileID.IsPending())
	return rec.FileID.TaskID()
}

func (t *FSTest) TestCreateWriteRead() {
	h, err := t.fs.Create(t.ctx, "/a", 0o644)
	require.NoError(t.T(), err)

	n, err := t.fs.WriteAt(t.ctx, h, []byte("hello"), 0)
	require.NoError(t.T(), err)
	require.Equal(t.T(), 5, n)

	p := make([]byte, 5)
	n, err = t.fs.ReadAt(t.ctx, h, p, 0)
	require.NoError(t.T(), err)
	require.Equal(t.T(), 5, n)
	require.Equal(t.T(), "hello", string(p))

	attrs, err := t.fs.Getattr(t.ctx, "/a")
	require.NoError(t.T(), err)
	require.Equal(t.T(), int64(5), attrs.Size)
	require.False(t.T(), attrs.Dir)

	entries, err := t.fs.Readdir(t.ctx, "/")
	require.NoError(t.T(), err)
	require.Contains(t.T(), t.names(entries), "a")

	require.NoError(t.T(), t.fs.Release(t.ctx, h))
}

func (t *FSTest) TestModifyExistingFile() {
	content := make([]byte, 100)
	for i := range content {
		content[i] = 'x'
	}
	t.seedCommittedFile(0, "b", content, 101)

	h, err := t.fs.Open(t.ctx, "/b", os.O_RDWR)
	require.NoError(t.T(), err)

	n, err := t.fs.WriteAt(t.ctx, h, []byte("Y"), 50)
	require.NoError(t.T(), err)
	require.Equal(t.T(), 1, n)

	p := make([]byte, 3)
	n, err = t.fs.ReadAt(t.ctx, h, p, 49)
	require.NoError(t.T(), err)
	require.Equal(t.T(), 3, n)
	require.Equal(t.T(), "xYx", string(p))

	taskID := t.taskIDFor(h)
	require.NoError(t.T(), t.fs.Flush(t.ctx, h))

	task, err := t.db.TaskByID(taskID)
	require.NoError(t.T(), err)
	require.Equal(t.T(), metadb.StatusReady, task.Status)
	require.Equal(t.T(), int64(1), task.Int1)
	require.Equal(t.T(), 1, t.woken)

	require.NoError(t.T(), t.fs.Release(t.ctx, h))
}

func (t *FSTest) TestRenameWithOverlay() {
	t.seedCommittedFile(0, "b", []byte("content"), 101)

	require.NoError(t.T(), t.fs.Mkdir(t.ctx, "/d", 0o755))
	require.NoError(t.T(), t.fs.Rename(t.ctx, "/b", "/d/b"))

	_, err := t.fs.Getattr(t.ctx, "/d/b")
	require.NoError(t.T(), err)

	_, err = t.fs.Getattr(t.ctx, "/b")
	require.Error(t.T(), err)

	rootEntries, err := t.fs.Readdir(t.ctx, "/")
	require.NoError(t.T(), err)
	require.NotContains(t.T(), t.names(rootEntries), "b")
	require.Contains(t.T(), t.names(rootEntries), "d")

	dEntries, err := t.fs.Readdir(t.ctx, "/d")
	require.NoError(t.T(), err)
	require.Contains(t.T(), t.names(dEntries), "b")
}

func (t *FSTest) TestWriteRacesUploadCompletion() {
	content := make([]byte, 10)
	t.seedCommittedFile(0, "c", content, 102)

	h, err := t.fs.Open(t.ctx, "/c", os.O_RDWR)
	require.NoError(t.T(), err)

	_, err = t.fs.WriteAt(t.ctx, h, []byte("A"), 0)
	require.NoError(t.T(), err)
	taskID := t.taskIDFor(h)
	launchedAt := t.fs.GetFileWriteID(taskID)

	t.fs.UploadingOpenFile(taskID)

	// A concurrent write bumps the writeid while the upload is in
	// flight.
	_, err = t.fs.WriteAt(t.ctx, h, []byte("B"), 1)
	require.NoError(t.T(), err)

	ret := t.fs.UpdateOpenFile(taskID, launchedAt, 999, 0xbeef, 10)
	require.Equal(t.T(), -1, ret)

	rec, err := t.fs.lookupHandle(h)
	require.NoError(t.T(), err)
	rec.Mu.Lock()
	require.True(t.T(), rec.Modified)
	require.False(t.T(), rec.Uploading)
	require.True(t.T(), rec.FileID.IsPending())
	rec.Mu.Unlock()

	require.NoError(t.T(), t.fs.Release(t.ctx, h))
}

func (t *FSTest) TestUploadCompletionPromotes() {
	t.seedCommittedFile(0, "c", make([]byte, 10), 102)

	h, err := t.fs.Open(t.ctx, "/c", os.O_RDWR)
	require.NoError(t.T(), err)
	_, err = t.fs.WriteAt(t.ctx, h, []byte("A"), 0)
	require.NoError(t.T(), err)
	taskID := t.taskIDFor(h)

	t.fs.UploadingOpenFile(taskID)
	ret := t.fs.UpdateOpenFile(taskID, t.fs.GetFileWriteID(taskID), 999, 0xbeef, 10)
	require.Equal(t.T(), 0, ret)

	rec, err := t.fs.lookupHandle(h)
	require.NoError(t.T(), err)
	rec.Mu.Lock()
	require.False(t.T(), rec.Modified)
	require.False(t.T(), rec.Uploading)
	require.Equal(t.T(), fsid.ID(999), rec.FileID)
	require.Equal(t.T(), int64(10), rec.CurrentSize)
	rec.Mu.Unlock()

	require.NoError(t.T(), t.fs.CommitUpload(taskID, 999, 0xbeef, 10))
	row, err := t.db.FileByID(999)
	require.NoError(t.T(), err)
	require.Equal(t.T(), "c", row.Name)

	require.NoError(t.T(), t.fs.Release(t.ctx, h))
}

func (t *FSTest) TestReopenModifiedFile() {
	content := make([]byte, 100)
	t.seedCommittedFile(0, "b", content, 101)

	h, err := t.fs.Open(t.ctx, "/b", os.O_RDWR)
	require.NoError(t.T(), err)
	_, err = t.fs.WriteAt(t.ctx, h, []byte("abcd"), 10)
	require.NoError(t.T(), err)
	_, err = t.fs.WriteAt(t.ctx, h, []byte("efghi"), 60)
	require.NoError(t.T(), err)
	require.NoError(t.T(), t.fs.Release(t.ctx, h))

	h2, err := t.fs.Open(t.ctx, "/b", os.O_RDWR)
	require.NoError(t.T(), err)
	rec, err := t.fs.lookupHandle(h2)
	require.NoError(t.T(), err)

	rec.Mu.Lock()
	require.Equal(t.T(), []interval.Range{{Start: 10, End: 14}, {Start: 60, End: 65}}, rec.Intervals().Ranges())
	require.Equal(t.T(), 2, rec.Store.IndexOff)
	require.Equal(t.T(), int64(100), rec.InitialSize)
	require.True(t.T(), rec.Modified)
	rec.Mu.Unlock()

	require.NoError(t.T(), t.fs.Release(t.ctx, h2))
}

func (t *FSTest) TestPermissionDenial() {
	_, err := t.db.InsertFolder(metadb.FolderRow{
		ParentID: 0, Name: "x", Permissions: perms.Read, Ctime: 1, Mtime: 1,
	})
	require.NoError(t.T(), err)

	_, err = t.fs.Create(t.ctx, "/x/y", 0o644)
	require.ErrorContains(t.T(), err, "permission denied")

	// No overlay entry and no task row were left behind.
	entries, err := t.fs.Readdir(t.ctx, "/x")
	require.NoError(t.T(), err)
	require.Empty(t.T(), entries)
	tasks, err := t.db.PendingTasks()
	require.NoError(t.T(), err)
	require.Empty(t.T(), tasks)
}

func (t *FSTest) TestZeroByteWriteBumpsWriteID() {
	t.seedCommittedFile(0, "b", make([]byte, 10), 101)

	h, err := t.fs.Open(t.ctx, "/b", os.O_RDWR)
	require.NoError(t.T(), err)
	rec, err := t.fs.lookupHandle(h)
	require.NoError(t.T(), err)

	n, err := t.fs.WriteAt(t.ctx, h, nil, 0)
	require.NoError(t.T(), err)
	require.Zero(t.T(), n)

	rec.Mu.Lock()
	require.Equal(t.T(), int64(1), rec.WriteID)
	// A zero-byte write is a no-op otherwise: no promotion happened.
	require.False(t.T(), rec.Modified)
	rec.Mu.Unlock()

	require.NoError(t.T(), t.fs.Release(t.ctx, h))
}

func (t *FSTest) TestWriteAtInitialSizeExtends() {
	t.seedCommittedFile(0, "b", []byte("0123456789"), 101)

	h, err := t.fs.Open(t.ctx, "/b", os.O_RDWR)
	require.NoError(t.T(), err)

	_, err = t.fs.WriteAt(t.ctx, h, []byte("xy"), 10)
	require.NoError(t.T(), err)

	rec, err := t.fs.lookupHandle(h)
	require.NoError(t.T(), err)
	rec.Mu.Lock()
	require.Equal(t.T(), int64(12), rec.CurrentSize)
	rec.Mu.Unlock()

	require.NoError(t.T(), t.fs.Release(t.ctx, h))
}

func (t *FSTest) TestWriteBeyondSizeLeavesHoleUncovered() {
	t.seedCommittedFile(0, "b", []byte("0123456789"), 101)

	h, err := t.fs.Open(t.ctx, "/b", os.O_RDWR)
	require.NoError(t.T(), err)

	_, err = t.fs.WriteAt(t.ctx, h, []byte("zz"), 50)
	require.NoError(t.T(), err)

	rec, err := t.fs.lookupHandle(h)
	require.NoError(t.T(), err)
	rec.Mu.Lock()
	require.Equal(t.T(), int64(52), rec.CurrentSize)
	require.False(t.T(), rec.Intervals().Covers(20))
	require.True(t.T(), rec.Intervals().Covers(50))
	rec.Mu.Unlock()

	require.NoError(t.T(), t.fs.Release(t.ctx, h))
}

func (t *FSTest) TestRegistryIsAFunction() {
	t.seedCommittedFile(0, "b", make([]byte, 10), 101)

	h1, err := t.fs.Open(t.ctx, "/b", 0)
	require.NoError(t.T(), err)
	h2, err := t.fs.Open(t.ctx, "/b", 0)
	require.NoError(t.T(), err)

	r1, err := t.fs.lookupHandle(h1)
	require.NoError(t.T(), err)
	r2, err := t.fs.lookupHandle(h2)
	require.NoError(t.T(), err)
	require.Same(t.T(), r1, r2)
	require.Equal(t.T(), 1, t.fs.registry.Len())

	require.NoError(t.T(), t.fs.Release(t.ctx, h1))
	require.Equal(t.T(), 1, t.fs.registry.Len())
	require.NoError(t.T(), t.fs.Release(t.ctx, h2))
	require.Equal(t.T(), 0, t.fs.registry.Len())
}

func (t *FSTest) TestMkdirRmdirRoundTrip() {
	require.NoError(t.T(), t.fs.Mkdir(t.ctx, "/d", 0o755))

	attrs, err := t.fs.Getattr(t.ctx, "/d")
	require.NoError(t.T(), err)
	require.True(t.T(), attrs.Dir)

	require.NoError(t.T(), t.fs.Rmdir(t.ctx, "/d"))

	_, err = t.fs.Getattr(t.ctx, "/d")
	require.Error(t.T(), err)
	tasks, err := t.db.PendingTasks()
	require.NoError(t.T(), err)
	require.Empty(t.T(), tasks)
}

func (t *FSTest) TestUnlinkCommittedFile() {
	t.seedCommittedFile(0, "b", []byte("data"), 101)

	require.NoError(t.T(), t.fs.Unlink(t.ctx, "/b"))

	_, err := t.fs.Getattr(t.ctx, "/b")
	require.Error(t.T(), err)
	entries, err := t.fs.Readdir(t.ctx, "/")
	require.NoError(t.T(), err)
	require.NotContains(t.T(), t.names(entries), "b")
}

func (t *FSTest) TestStatFS() {
	st, err := t.fs.StatFS(t.ctx)

	require.NoError(t.T(), err)
	require.EqualValues(t.T(), BlockSize, st.BlockSize)
	require.EqualValues(t.T(), (1<<30)/BlockSize, st.Blocks)
	require.EqualValues(t.T(), ((1<<30)-(1<<20))/BlockSize, st.BlocksFree)
	require.EqualValues(t.T(), NameMax, st.NameMax)
}

func (t *FSTest) TestOverlaysSurviveRestart() {
	require.NoError(t.T(), t.fs.Mkdir(t.ctx, "/d", 0o755))
	h, err := t.fs.Create(t.ctx, "/f", 0o644)
	require.NoError(t.T(), err)
	_, err = t.fs.WriteAt(t.ctx, h, []byte("x"), 0)
	require.NoError(t.T(), err)
	require.NoError(t.T(), t.fs.Release(t.ctx, h))

	fs2, err := New(&ServerConfig{
		Clock:    &t.clock,
		MetaDB:   t.db,
		Settings: t.settings,
		Remote:   t.store,
		CacheDir: t.cacheDir,
	})
	require.NoError(t.T(), err)

	entries, err := fs2.Readdir(t.ctx, "/")
	require.NoError(t.T(), err)
	require.ElementsMatch(t.T(), []string{"d", "f"}, t.names(entries))
}
