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

// Package sparsefile implements the data-file + index-file pair that
// backs a modified open-file record: a sparse data file holding
// the locally-authoritative bytes, and an append-only index file
// recording which ranges those are.
package sparsefile

import (
	"fmt"
	"os"

	"github.com/nimbusfs/nimbusfs/internal/fsid"
	"github.com/nimbusfs/nimbusfs/internal/interval"
)

// Store holds the two open cache file handles and the in-memory
// interval index for one modified open-file record. Callers
// synchronize access with the owning record's per-file lock; Store
// itself does no locking.
type Store struct {
	CacheDir string

	DataFile  *os.File
	IndexFile *os.File // nil for a new file (no index file needed)

	Intervals *interval.Index
	IndexOff  int // count of records already written to the index file
}

// OpenForWrite opens (or reopens) the cache files backing id for
// writing. newFile suppresses the index file and reports the data
// file as authoritative in full. truncate requests O_TRUNC on the
// data file (used by create() and by open() with O_TRUNC). For a
// non-new file being opened for the first time, the index file header
// is written with copyFromOriginal; on reopen, the interval tree and
// indexOff are loaded from the existing index file instead.
//
// Returns the current size of the data file after opening (and after
// any truncation), which callers use to set currentsize.
func (s *Store) OpenForWrite(id fsid.ID, newFile, truncate bool, copyFromOriginal int64) (currentSize int64, err error) {
	dataFlags := os.O_RDWR | os.O_CREATE
	if truncate {
		dataFlags |= os.O_TRUNC
	}

	dataPath := s.CacheDir + string(os.PathSeparator) + id.DataFileName()
	df, err := os.OpenFile(dataPath, dataFlags, 0o600)
	if err != nil {
		return 0, fmt.Errorf("sparsefile: opening data file: %w", err)
	}
	s.DataFile = df

	fi, err := df.Stat()
	if err != nil {
		return 0, fmt.Errorf("sparsefile: stat data file: %w", err)
	}
	currentSize = fi.Size()

	if newFile {
		s.Intervals = interval.New()
		s.IndexOff = 0
		return currentSize, nil
	}

	indexPath := s.CacheDir + string(os.PathSeparator) + id.IndexFileName()
	firstTime := false
	if _, statErr := os.Stat(indexPath); os.IsNotExist(statErr) {
		firstTime = true
	}

	idxf, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return 0, fmt.Errorf("sparsefile: opening index file: %w", err)
	}
	s.IndexFile = idxf

	if firstTime {
		if err := interval.WriteHeader(idxf, copyFromOriginal); err != nil {
			return 0, fmt.Errorf("sparsefile: writing index header: %w", err)
		}
		s.Intervals = interval.New()
		s.IndexOff = 0
		return currentSize, nil
	}

	ix, _, count, err := interval.LoadFromIndexFile(idxf)
	if err != nil {
		return 0, fmt.Errorf("sparsefile: loading index file: %w", err)
	}
	s.Intervals = ix
	s.IndexOff = count
	return currentSize, nil
}

// WriteRecord performs one atomic write-record operation: it
// writes buf to the data file at offset, appends a matching record to
// the index file (skipped for a new file, which has none), and
// inserts the written range into the interval index. The index record
// is written before the caller is told the write succeeded: a failure
// writing the data file is reported before any index mutation is
// attempted, and a failure appending the index record leaves the
// interval index unchanged, so the range is simply not authoritative.
func (s *Store) WriteRecord(newFile bool, buf []byte, offset int64) (n int, err error) {
	n, err = s.DataFile.WriteAt(buf, offset)
	if err != nil {
		return n, fmt.Errorf("sparsefile: writing data file: %w", err)
	}

	if !newFile {
		ioff := s.IndexOff
		if err := interval.AppendRecord(s.IndexFile, ioff, offset, int64(n)); err != nil {
			return n, fmt.Errorf("sparsefile: appending index record: %w", err)
		}
		s.IndexOff = ioff + 1
	}

	s.Intervals.Insert(offset, int64(n))
	return n, nil
}

// Truncate truncates the data file to n bytes, used by write's
// clean→modified transition (seek-and-truncate to initialsize).
// O_TRUNC on create()/open() is handled by OpenForWrite instead.
func (s *Store) Truncate(n int64) error {
	if err := s.DataFile.Truncate(n); err != nil {
		return fmt.Errorf("sparsefile: truncating data file: %w", err)
	}
	return nil
}

// Fsync fsyncs the data file and, if open, the index file.
func (s *Store) Fsync() error {
	if err := s.DataFile.Sync(); err != nil {
		return fmt.Errorf("sparsefile: fsync data file: %w", err)
	}
	if s.IndexFile != nil {
		if err := s.IndexFile.Sync(); err != nil {
			return fmt.Errorf("sparsefile: fsync index file: %w", err)
		}
	}
	return nil
}

// Close closes both cache file handles. Safe to call with either or
// both nil.
func (s *Store) Close() error {
	var firstErr error
	if s.DataFile != nil {
		if err := s.DataFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.DataFile = nil
	}
	if s.IndexFile != nil {
		if err := s.IndexFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.IndexFile = nil
	}
	return firstErr
}

// ReadAt reads directly from the data file. Used for newfile records,
// where the data file is authoritative in full.
func (s *Store) ReadAt(buf []byte, offset int64) (int, error) {
	return s.DataFile.ReadAt(buf, offset)
}

// Remove deletes both cache files for id from dir. Used by housekeeping
// once a record's cache files are no longer needed.
func Remove(dir string, id fsid.ID) error {
	var firstErr error
	if err := os.Remove(dir + string(os.PathSeparator) + id.DataFileName()); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	if err := os.Remove(dir + string(os.PathSeparator) + id.IndexFileName()); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
