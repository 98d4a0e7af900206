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

package fserrors

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrno(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"not_found", NotFound("/a/b"), syscall.ENOENT},
		{"permission", fmt.Errorf("create: %w", ErrPermission), syscall.EACCES},
		{"io", IOError(errors.New("disk on fire")), syscall.EIO},
		{"raw_errno_passes_through", syscall.ENOSPC, syscall.ENOSPC},
		{"unknown_defaults_to_eio", errors.New("mystery"), syscall.EIO},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Errno(tc.err))
		})
	}
}

func TestIOErrorPreservesCause(t *testing.T) {
	cause := errors.New("short write")

	err := IOError(cause)

	assert.True(t, errors.Is(err, ErrIO))
	assert.Contains(t, err.Error(), "short write")
}
