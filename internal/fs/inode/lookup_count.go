// Copyright 2025 Google LLC
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

package inode

import (
	"fmt"

	"github.com/jacobsa/fuse/fuseops"
)

// A helper struct for implementing reference counts. An inode is referenced
// by the kernel's lookups and by open handles, and may be evicted only when
// both drop to zero. The only value added is some paranoid panics. External
// synchronization is required.
//
// May be embedded within a larger struct. Use Init to initialize.
type refCount struct {
	id        fuseops.InodeID
	lookups   uint64
	handles   uint64
	destroyed bool
}

func (rc *refCount) Init(id fuseops.InodeID) {
	rc.id = id
}

func (rc *refCount) checkLive() {
	if rc.destroyed {
		panic(fmt.Sprintf("Inode %v has already been destroyed", rc.id))
	}
}

func (rc *refCount) IncLookup() {
	rc.checkLive()
	rc.lookups++
}

func (rc *refCount) IncHandle() {
	rc.checkLive()
	rc.handles++
}

// DecLookup drops n lookups and reports whether the inode became
// unreferenced.
func (rc *refCount) DecLookup(n uint64) (destroy bool) {
	rc.checkLive()

	// Make sure n is in range.
	if n > rc.lookups {
		panic(fmt.Sprintf(
			"n is greater than lookup count: %v vs. %v",
			n,
			rc.lookups))
	}

	rc.lookups -= n
	return rc.settle()
}

func (rc *refCount) DecHandle() (destroy bool) {
	rc.checkLive()
	if rc.handles == 0 {
		panic(fmt.Sprintf("Inode %v has no open handles", rc.id))
	}

	rc.handles--
	return rc.settle()
}

func (rc *refCount) settle() (destroy bool) {
	destroy = rc.lookups == 0 && rc.handles == 0
	rc.destroyed = destroy
	return
}
