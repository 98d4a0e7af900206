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

package overlay

import (
	"os"
	"testing"
	"time"

	"github.com/nimbusfs/nimbusfs/internal/fsid"
	"github.com/nimbusfs/nimbusfs/internal/interval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type OverlayTest struct {
	suite.Suite
}

func TestOverlaySuite(t *testing.T) {
	suite.Run(t, new(OverlayTest))
}

func (t *OverlayTest) TestReaddirMergesCommittedAndPending() {
	ov := NewFolder()
	ov.AddMkdir(Mkdir{Name: "d", FolderID: fsid.FromTaskID(1)})
	ov.AddCreat(Creat{Name: "newfile", FileID: fsid.FromTaskID(2), NewFile: true})

	entries := Readdir(ov,
		[]CommittedFolder{{Name: "existingdir", ID: 10}},
		[]CommittedFile{{Name: "existingfile", ID: 20}})

	names := entryNames(entries)
	assert.ElementsMatch(t.T(), []string{"existingdir", "existingfile", "d", "newfile"}, names)
}

// A committed folder shadowed by a pending mkdir is suppressed in
// favor of the mkdir.
func (t *OverlayTest) TestReaddirMkdirShadowsCommittedFolder() {
	ov := NewFolder()
	ov.AddMkdir(Mkdir{Name: "b", FolderID: fsid.FromTaskID(1)})

	entries := Readdir(ov, []CommittedFolder{{Name: "b", ID: 10}}, nil)

	require.Len(t.T(), entries, 1)
	assert.Equal(t.T(), KindMkdir, entries[0].Kind)
}

func (t *OverlayTest) TestReaddirRmdirTombstoneSuppressesCommittedFolder() {
	ov := NewFolder()
	ov.AddRmdirTombstone("gone")

	entries := Readdir(ov, []CommittedFolder{{Name: "gone", ID: 10}}, nil)

	assert.Empty(t.T(), entries)
}

func (t *OverlayTest) TestReaddirUnlinkTombstoneSuppressesCommittedFile() {
	ov := NewFolder()
	ov.AddUnlinkTombstone("gone")

	entries := Readdir(ov, nil, []CommittedFile{{Name: "gone", ID: 20}})

	assert.Empty(t.T(), entries)
}

// TestReaddirCreatShadowsCommittedFile: a creat with the
// same name as a committed file substitutes the creat's metadata.
func (t *OverlayTest) TestReaddirCreatShadowsCommittedFile() {
	ov := NewFolder()
	ov.AddCreat(Creat{Name: "b", FileID: fsid.FromTaskID(3), BaseFileID: 20})

	entries := Readdir(ov, nil, []CommittedFile{{Name: "b", ID: 20, Size: 100}})

	require.Len(t.T(), entries, 1)
	assert.Equal(t.T(), KindCreat, entries[0].Kind)
	assert.Equal(t.T(), fsid.FromTaskID(3), entries[0].Creat.FileID)
}

func (t *OverlayTest) TestGetattrTombstoneSuppressesCommittedRow() {
	ov := NewFolder()
	ov.AddUnlinkTombstone("b")
	cf := CommittedFile{Name: "b", ID: 20}

	_, found := Getattr(ov, "b", nil, &cf)

	assert.False(t.T(), found)
}

// TestGetattrMkdirWinsOverRmdirTombstone: when both a tombstone and
// an overlay entry exist for the same name, the mkdir supplies the
// row.
func (t *OverlayTest) TestGetattrMkdirWinsOverRmdirTombstone() {
	ov := NewFolder()
	ov.AddRmdirTombstone("d")
	ov.AddMkdir(Mkdir{Name: "d", FolderID: fsid.FromTaskID(5)})

	entry, found := Getattr(ov, "d", nil, nil)

	require.True(t.T(), found)
	assert.Equal(t.T(), KindMkdir, entry.Kind)
}

func (t *OverlayTest) TestGetattrFallsBackToCommittedRow() {
	ov := NewFolder()
	cf := CommittedFolder{Name: "d", ID: 9}

	entry, found := Getattr(ov, "d", &cf, nil)

	require.True(t.T(), found)
	assert.Equal(t.T(), KindCommittedFolder, entry.Kind)
}

func (t *OverlayTest) TestGetattrNotFound() {
	ov := NewFolder()

	_, found := Getattr(ov, "nope", nil, nil)

	assert.False(t.T(), found)
}

func entryNames(entries []Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

func (t *OverlayTest) TestStatCreatMovedExistingFileUsesDB() {
	called := false
	lookup := func(fileID int64) (int64, time.Time, time.Time, error) {
		called = true
		assert.EqualValues(t.T(), 42, fileID)
		return 100, time.Unix(1, 0), time.Unix(2, 0), nil
	}

	size, ctime, mtime, err := StatCreat(Creat{Name: "b", FileID: fsid.ID(42)}, t.T().TempDir(), lookup)

	require.NoError(t.T(), err)
	assert.True(t.T(), called)
	assert.Equal(t.T(), int64(100), size)
	assert.Equal(t.T(), time.Unix(1, 0), ctime)
	assert.Equal(t.T(), time.Unix(2, 0), mtime)
}

func (t *OverlayTest) TestStatCreatNewFileUsesDataFileSize() {
	dir := t.T().TempDir()
	id := fsid.FromTaskID(7)
	require.NoError(t.T(), os.WriteFile(dir+"/"+id.DataFileName(), []byte("hello"), 0o600))

	size, _, _, err := StatCreat(Creat{Name: "b", FileID: id, NewFile: true}, dir, nil)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), int64(5), size)
}

func (t *OverlayTest) TestStatCreatModifiedFileReportsMaxOfDataSizeAndCopyFromOriginal() {
	dir := t.T().TempDir()
	id := fsid.FromTaskID(8)
	require.NoError(t.T(), os.WriteFile(dir+"/"+id.DataFileName(), []byte("hi"), 0o600))

	idxf, err := os.Create(dir + "/" + id.IndexFileName())
	require.NoError(t.T(), err)
	require.NoError(t.T(), interval.WriteHeader(idxf, 500))
	require.NoError(t.T(), idxf.Close())

	size, _, _, err := StatCreat(Creat{Name: "b", FileID: id, NewFile: false}, dir, nil)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), int64(500), size)
}
