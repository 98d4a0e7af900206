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

// Package pagecache serves reads for open files whose content is
// partly or wholly remote. The modified variant stitches together
// locally-authoritative ranges from the sparse data file with base
// revision content from the remote store; the unmodified variant is a
// plain remote read. Caching and read-ahead policy live behind the
// remote store and are out of scope here; what this package owns is
// the borrow discipline: each entry point takes the record's lock
// itself, pins the record with IncRefAndReaders across blocking
// remote I/O, and feeds the read-speed estimator.
package pagecache

import (
	"fmt"
	"io"

	"github.com/nimbusfs/nimbusfs/internal/interval"
	"github.com/nimbusfs/nimbusfs/internal/openfile"
	"github.com/nimbusfs/nimbusfs/internal/remotestore"
	"golang.org/x/net/context"
)

// Cache reads file content through the remote store. Callers must
// hold their own reference on the record (an open handle or an upload
// pin) for the duration of the call, so the internal reader pin can
// never be the last reference.
type Cache struct {
	Remote remotestore.Store
}

// ReadUnmodified serves a read from a clean record: all content comes
// from the base revision in the remote store.
func (c *Cache) ReadUnmodified(ctx context.Context, rec *openfile.Record, p []byte, off int64) (int, error) {
	rec.Mu.Lock()
	rec.NoteRead(int64(len(p)))
	size := rec.CurrentSize
	if off >= size {
		rec.Mu.Unlock()
		return 0, nil
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
	}
	remoteID, hash := rec.RemoteFileID, rec.Hash
	rec.IncRefAndReaders()
	rec.Mu.Unlock()

	n, err := c.Remote.ReadAt(ctx, remoteID, hash, p, off)

	rec.Mu.Lock()
	rec.DecRefAndReaders()
	rec.Mu.Unlock()

	if err != nil {
		return n, fmt.Errorf("pagecache: remote read: %w", err)
	}
	return n, nil
}

// segment is one piece of a modified read's plan: either a locally
// authoritative range served from the data file, or a gap served from
// the base revision.
type segment struct {
	local      bool
	start, end int64
}

// ReadModified serves a read from a modified record. Ranges recorded
// in the interval index come from the sparse data file; everything
// else comes from the base revision. Local ranges are read under the
// record lock (the data file handle is guarded by it); remote ranges
// are read with the lock dropped and the record pinned.
func (c *Cache) ReadModified(ctx context.Context, rec *openfile.Record, p []byte, off int64) (int, error) {
	rec.Mu.Lock()
	rec.NoteRead(int64(len(p)))
	size := rec.CurrentSize
	if off >= size {
		rec.Mu.Unlock()
		return 0, nil
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
	}
	end := off + int64(len(p))

	var segs []segment
	cur := off
	rec.Intervals().Intersecting(off, end, func(r interval.Range) bool {
		s, e := max(r.Start, cur), min(r.End, end)
		if s > cur {
			segs = append(segs, segment{local: false, start: cur, end: s})
		}
		segs = append(segs, segment{local: true, start: s, end: e})
		cur = e
		return true
	})
	if cur < end {
		segs = append(segs, segment{local: false, start: cur, end: end})
	}

	for _, s := range segs {
		if !s.local {
			continue
		}
		buf := p[s.start-off : s.end-off]
		if _, err := rec.Store.ReadAt(buf, s.start); err != nil && err != io.EOF {
			rec.Mu.Unlock()
			return 0, fmt.Errorf("pagecache: data file read: %w", err)
		}
	}

	remoteID, hash := rec.RemoteFileID, rec.Hash
	rec.IncRefAndReaders()
	rec.Mu.Unlock()

	var readErr error
	for _, s := range segs {
		if s.local {
			continue
		}
		buf := p[s.start-off : s.end-off]
		n, err := c.Remote.ReadAt(ctx, remoteID, hash, buf, s.start)
		if err != nil {
			readErr = fmt.Errorf("pagecache: remote read: %w", err)
			break
		}
		// The base revision may be shorter than the extended logical
		// size; the remainder of the gap reads as zeros.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}

	rec.Mu.Lock()
	rec.DecRefAndReaders()
	rec.Mu.Unlock()

	if readErr != nil {
		return 0, readErr
	}
	return len(p), nil
}
