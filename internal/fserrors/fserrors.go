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

// Package fserrors defines the error taxonomy surfaced by the
// filesystem core and its mapping to system error numbers.
package fserrors

import (
	"errors"
	"fmt"
	"syscall"
)

// Sentinel errors for the externally visible taxonomy. Callers test
// with errors.Is; the kernel-facing layer converts with Errno.
var (
	// ErrNotFound: path resolution failed; no overlay or committed
	// entry matches. Maps to ENOENT.
	ErrNotFound = errors.New("no such file or directory")

	// ErrPermission: the folder permission mask lacks the bit required
	// for the operation. Maps to EACCES.
	ErrPermission = errors.New("permission denied")

	// ErrIO: a failure reading or writing the cache files, index file,
	// or metadata sync. Maps to EIO.
	ErrIO = errors.New("input/output error")
)

// IOError wraps err into the ErrIO taxonomy while preserving the
// underlying cause for logging.
func IOError(err error) error {
	return fmt.Errorf("%w: %v", ErrIO, err)
}

// NotFound wraps a path into the ErrNotFound taxonomy.
func NotFound(path string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Errno maps err to the errno handed back to the kernel. An error
// that wraps a syscall.Errno passes that errno through; any other
// error outside the taxonomy maps to EIO, since every such error
// reaching the dispatch boundary is some flavor of local I/O failure.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrPermission):
		return syscall.EACCES
	default:
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return errno
		}
		return syscall.EIO
	}
}
