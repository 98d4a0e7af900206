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

// Package remotestore defines the minimal interface the filesystem
// core needs from the remote object store. Objects are immutable and
// identified by (fileid, hash); a re-upload of a file yields a fresh
// revision with a new hash.
package remotestore

import (
	"io"

	"golang.org/x/net/context"
)

// Store is the remote object store.
type Store interface {
	// Stat returns the size of the (fileID, hash) revision.
	Stat(ctx context.Context, fileID int64, hash uint64) (size int64, err error)

	// ReadAt reads from the (fileID, hash) revision at offset off.
	// Semantics follow io.ReaderAt, except a read extending past the
	// end of the object returns the available prefix with err == nil.
	ReadAt(ctx context.Context, fileID int64, hash uint64, p []byte, off int64) (n int, err error)

	// Put uploads a new revision read from r. For a wholly new file
	// pass fileID 0 and a fresh id is allocated; for a re-upload pass
	// the existing id. Returns the object's identity after commit.
	Put(ctx context.Context, fileID int64, r io.Reader) (newFileID int64, hash uint64, size int64, err error)
}
