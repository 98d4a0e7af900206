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
	"fmt"
	"os"
	"time"

	"github.com/nimbusfs/nimbusfs/internal/interval"
)

// CommittedLookup resolves the size/ctime/mtime of a committed file
// row by id, used to stat a creat that names a moved-but-unmodified
// existing file.
type CommittedLookup func(fileID int64) (size int64, ctime, mtime time.Time, err error)

// StatCreat derives the (size, ctime, mtime) to report for a pending
// creat entry: a
// moved-existing-file creat (FileID ≥ 0) is stated from the metadata
// DB; a wholly new or locally modified creat (FileID < 0) is stated
// from its cache data file, with the logical size reported as
// max(file_size, copyfromoriginal) for non-new files.
func StatCreat(c Creat, cacheDir string, lookup CommittedLookup) (size int64, ctime, mtime time.Time, err error) {
	if !c.FileID.IsPending() {
		return lookup(c.FileID.CommittedID())
	}

	dataPath := cacheDir + string(os.PathSeparator) + c.FileID.DataFileName()
	fi, err := os.Stat(dataPath)
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("overlay: stat data file for %s: %w", c.Name, err)
	}
	size = fi.Size()
	ctime = fi.ModTime()
	mtime = fi.ModTime()

	if c.NewFile {
		return size, ctime, mtime, nil
	}

	indexPath := cacheDir + string(os.PathSeparator) + c.FileID.IndexFileName()
	idxf, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return size, ctime, mtime, nil
		}
		return 0, time.Time{}, time.Time{}, fmt.Errorf("overlay: opening index file for %s: %w", c.Name, err)
	}
	defer idxf.Close()

	_, copyFromOriginal, _, err := interval.LoadFromIndexFile(idxf)
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("overlay: reading index header for %s: %w", c.Name, err)
	}
	if copyFromOriginal > size {
		size = copyFromOriginal
	}

	return size, ctime, mtime, nil
}
