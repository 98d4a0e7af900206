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

// Package perms defines the coarse folder capability mask checked by
// the filesystem operations.
package perms

// Permission bits carried on each folder row.
const (
	Read   = 1 << 0
	Modify = 1 << 1
	Create = 1 << 2
	Delete = 1 << 3

	All = Read | Modify | Create | Delete
)

// Can reports whether mask grants every bit in want.
func Can(mask, want uint32) bool {
	return mask&want == want
}
