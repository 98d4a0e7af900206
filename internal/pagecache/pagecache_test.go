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

package pagecache

import (
	"bytes"
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/nimbusfs/nimbusfs/internal/fsid"
	"github.com/nimbusfs/nimbusfs/internal/openfile"
	"github.com/nimbusfs/nimbusfs/internal/remotestore/fakestore"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/net/context"
)

type PageCacheTest struct {
	suite.Suite

	ctx    context.Context
	store  *fakestore.Store
	cache  *Cache
	clock  timeutil.SimulatedClock
	cacheD string
}

func TestPageCacheSuite(t *testing.T) {
	suite.Run(t, new(PageCacheTest))
}

func (t *PageCacheTest) SetupTest() {
	t.ctx = context.Background()
	t.store = fakestore.New(1000)
	t.cache = &Cache{Remote: t.store}
	t.cacheD = t.T().TempDir()
}

// makeCleanRecord opens a record over a seeded remote object.
func (t *PageCacheTest) makeCleanRecord(fileID int64, content []byte) *openfile.Record {
	hash := t.store.Seed(fileID, content)
	rec := openfile.New(&t.clock, fsid.ID(fileID), t.cacheD, false)
	rec.RemoteFileID = fileID
	rec.Hash = hash
	rec.InitialSize = int64(len(content))
	rec.CurrentSize = int64(len(content))
	rec.IncRef()
	return rec
}

func (t *PageCacheTest) TestReadUnmodified() {
	rec := t.makeCleanRecord(7, []byte("hello, world"))

	p := make([]byte, 5)
	n, err := t.cache.ReadUnmodified(t.ctx, rec, p, 7)

	require.NoError(t.T(), err)
	require.Equal(t.T(), 5, n)
	require.Equal(t.T(), "world", string(p))
}

func (t *PageCacheTest) TestReadUnmodifiedClampsToSize() {
	rec := t.makeCleanRecord(7, []byte("abc"))

	p := make([]byte, 10)
	n, err := t.cache.ReadUnmodified(t.ctx, rec, p, 1)

	require.NoError(t.T(), err)
	require.Equal(t.T(), 2, n)
	require.Equal(t.T(), "bc", string(p[:n]))
}

func (t *PageCacheTest) TestReadUnmodifiedPastEOF() {
	rec := t.makeCleanRecord(7, []byte("abc"))

	n, err := t.cache.ReadUnmodified(t.ctx, rec, make([]byte, 4), 3)

	require.NoError(t.T(), err)
	require.Zero(t.T(), n)
}

func (t *PageCacheTest) TestReadModifiedStitchesLocalAndRemote() {
	base := bytes.Repeat([]byte("x"), 100)
	rec := t.makeCleanRecord(9, base)

	// Promote to modified and write a single byte at offset 50.
	_, err := rec.Store.OpenForWrite(rec.FileID, false, false, rec.InitialSize)
	require.NoError(t.T(), err)
	require.NoError(t.T(), rec.Store.Truncate(rec.InitialSize))
	rec.Modified = true
	_, err = rec.Store.WriteRecord(false, []byte("Y"), 50)
	require.NoError(t.T(), err)

	p := make([]byte, 3)
	n, err := t.cache.ReadModified(t.ctx, rec, p, 49)

	require.NoError(t.T(), err)
	require.Equal(t.T(), 3, n)
	require.Equal(t.T(), "xYx", string(p))
}

func (t *PageCacheTest) TestReadModifiedZeroFillsBeyondBase() {
	base := []byte("abcd")
	rec := t.makeCleanRecord(11, base)

	_, err := rec.Store.OpenForWrite(rec.FileID, false, false, rec.InitialSize)
	require.NoError(t.T(), err)
	rec.Modified = true
	_, err = rec.Store.WriteRecord(false, []byte("ZZ"), 8)
	require.NoError(t.T(), err)
	rec.CurrentSize = 10

	p := make([]byte, 10)
	n, err := t.cache.ReadModified(t.ctx, rec, p, 0)

	require.NoError(t.T(), err)
	require.Equal(t.T(), 10, n)
	require.Equal(t.T(), "abcd\x00\x00\x00\x00ZZ", string(p))
}

func (t *PageCacheTest) TestReadsPinTheRecord() {
	rec := t.makeCleanRecord(7, []byte("abc"))
	before := rec.RefCnt

	_, err := t.cache.ReadUnmodified(t.ctx, rec, make([]byte, 3), 0)

	require.NoError(t.T(), err)
	require.Equal(t.T(), before, rec.RefCnt)
	require.Zero(t.T(), rec.RunningReads)
}
