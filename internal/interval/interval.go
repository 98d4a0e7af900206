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

// Package interval implements the half-open byte-range index used to
// track which parts of a modified file's data file are locally
// authoritative.
package interval

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/btree"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

func (r Range) Len() int64 { return r.End - r.Start }

func less(a, b Range) bool {
	return a.Start < b.Start
}

const btreeDegree = 32

// Index is an ordered set of disjoint half-open ranges. The zero value
// is not usable; construct with New. Not safe for concurrent use — the
// owning open-file record's per-file lock guards it.
type Index struct {
	tree *btree.BTreeG[Range]
}

// New returns an empty interval index.
func New() *Index {
	return &Index{tree: btree.NewG(btreeDegree, less)}
}

// predecessor returns the range with the greatest Start that is < at,
// if any.
func (ix *Index) predecessor(at int64) (Range, bool) {
	var found Range
	ok := false
	ix.tree.AscendLessThan(Range{Start: at}, func(r Range) bool {
		found = r
		ok = true
		return true
	})
	return found, ok
}

// Insert unions [start, start+length) into the index, coalescing with
// overlapping or adjacent neighbours.
func (ix *Index) Insert(start, length int64) {
	if length <= 0 {
		return
	}
	newStart, newEnd := start, start+length

	if pred, ok := ix.predecessor(newStart); ok && pred.End >= newStart {
		ix.tree.Delete(pred)
		if pred.Start < newStart {
			newStart = pred.Start
		}
		if pred.End > newEnd {
			newEnd = pred.End
		}
	}

	var toDelete []Range
	ix.tree.AscendGreaterOrEqual(Range{Start: newStart}, func(r Range) bool {
		if r.Start > newEnd {
			return false
		}
		toDelete = append(toDelete, r)
		return true
	})
	for _, r := range toDelete {
		ix.tree.Delete(r)
		if r.End > newEnd {
			newEnd = r.End
		}
	}

	ix.tree.ReplaceOrInsert(Range{Start: newStart, End: newEnd})
}

// Covers reports whether offset falls within some recorded range.
func (ix *Index) Covers(offset int64) bool {
	if pred, ok := ix.predecessor(offset + 1); ok {
		return pred.Start <= offset && offset < pred.End
	}
	return false
}

// Intersecting calls fn, in ascending order of Start, for every range
// that intersects [start, end). Stops early if fn returns false.
func (ix *Index) Intersecting(start, end int64, fn func(Range) bool) {
	if pred, ok := ix.predecessor(start); ok && pred.End > start {
		if !fn(pred) {
			return
		}
	}
	ix.tree.AscendRange(Range{Start: start}, Range{Start: end}, func(r Range) bool {
		return fn(r)
	})
}

// Len returns the number of disjoint ranges currently recorded.
func (ix *Index) Len() int {
	return ix.tree.Len()
}

// Ranges returns every disjoint range in ascending order. Intended for
// tests and equality comparisons.
func (ix *Index) Ranges() []Range {
	out := make([]Range, 0, ix.tree.Len())
	ix.tree.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Equal reports whether ix and other contain the same set of ranges.
func (ix *Index) Equal(other *Index) bool {
	a, b := ix.Ranges(), other.Ranges()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const (
	// HeaderSize is the on-disk size, in bytes, of the index file header.
	HeaderSize = 8
	// RecordSize is the on-disk size, in bytes, of one index record.
	RecordSize = 16
	// minBatchRecords is the minimum number of records read per batch
	// while loading an index file.
	minBatchRecords = 512
)

// LoadFromIndexFile reads the header and every record from f, inserting
// each range into a fresh Index. It returns the index, the
// copyfromoriginal header value, and the number of records read
// (callers use this to set indexoff). A file shorter than HeaderSize
// is treated as empty (copyfromoriginal=0, 0 records). Any other
// malformed length, or a short read, is an I/O error.
func LoadFromIndexFile(f interface {
	io.ReaderAt
	Stat() (os.FileInfo, error)
}) (ix *Index, copyFromOriginal int64, count int, err error) {
	ix = New()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("interval: stat index file: %w", err)
	}
	size := fi.Size()
	if size < HeaderSize {
		return ix, 0, 0, nil
	}

	var headerBuf [HeaderSize]byte
	if _, err := f.ReadAt(headerBuf[:], 0); err != nil {
		return nil, 0, 0, fmt.Errorf("interval: reading index header: %w", err)
	}
	copyFromOriginal = int64(binary.LittleEndian.Uint64(headerBuf[:]))

	remaining := size - HeaderSize
	if remaining%RecordSize != 0 {
		return nil, 0, 0, fmt.Errorf("interval: index file size %d is not a whole number of records", size)
	}

	total := int(remaining / RecordSize)
	buf := make([]byte, minBatchRecords*RecordSize)
	off := int64(HeaderSize)
	read := 0
	for read < total {
		batch := total - read
		if batch > minBatchRecords {
			batch = minBatchRecords
		}
		chunk := buf[:batch*RecordSize]
		if _, err := f.ReadAt(chunk, off); err != nil {
			return nil, 0, 0, fmt.Errorf("interval: short read loading index records: %w", err)
		}
		for i := 0; i < batch; i++ {
			rec := chunk[i*RecordSize : (i+1)*RecordSize]
			o := int64(binary.LittleEndian.Uint64(rec[0:8]))
			l := int64(binary.LittleEndian.Uint64(rec[8:16]))
			ix.Insert(o, l)
		}
		read += batch
		off += int64(batch * RecordSize)
	}

	return ix, copyFromOriginal, total, nil
}

// AppendRecord writes the {offset, length} record at file offset
// HeaderSize + index*RecordSize.
func AppendRecord(f io.WriterAt, index int, offset, length int64) error {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(offset))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(length))
	at := int64(HeaderSize) + int64(index)*RecordSize
	_, err := f.WriteAt(buf[:], at)
	return err
}

// WriteHeader writes the copyfromoriginal header field at offset 0.
func WriteHeader(f io.WriterAt, copyFromOriginal int64) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(copyFromOriginal))
	_, err := f.WriteAt(buf[:], 0)
	return err
}
