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
	"sync"

	"github.com/drivefuse/drivefuse/internal/locker"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/fuse/fuseops"
)

type Inode interface {
	// All methods below require the lock to be held unless otherwise documented.
	sync.Locker

	// Return the ID assigned to the inode.
	//
	// Does not require the lock to be held.
	ID() fuseops.InodeID

	// Return the identity of the remote item backing the inode. It never
	// changes, even when the item is renamed or moved.
	//
	// Does not require the lock to be held.
	RemoteID() remote.ItemID

	// Does not require the lock to be held.
	Kind() remote.Kind

	// Return the remote item as last observed.
	Item() remote.Item

	// Record a newer observation of the remote item.
	SetItem(item remote.Item)

	// Return the parent directory and the name within it. The parent is a
	// back-reference resolved through the inode table, not an ownership edge.
	Parent() (parent fuseops.InodeID, name string)

	SetParent(parent fuseops.InodeID, name string)

	// Clean up any local resources used by the inode, putting it into an
	// indeterminate state where no method should be called except Unlock.
	//
	// Errors are for logging purposes only.
	Destroy() (err error)
}

// baseInode holds what every inode kind has.
type baseInode struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	id       fuseops.InodeID
	remoteID remote.ItemID
	kind     remote.Kind

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Locker

	// INVARIANT: item.ID == remoteID
	//
	// GUARDED_BY(mu)
	item remote.Item

	// GUARDED_BY(mu)
	parent fuseops.InodeID
	name   string
}

func (b *baseInode) init(
	id fuseops.InodeID,
	item remote.Item,
	parent fuseops.InodeID,
	name string,
	checkInvariants func()) {
	b.id = id
	b.remoteID = item.ID
	b.kind = item.Kind
	b.item = item
	b.parent = parent
	b.name = name
	b.mu = locker.New(string(item.ID), checkInvariants)
}

// LOCKS_REQUIRED(b.mu)
func (b *baseInode) checkInvariants() {
	if b.item.ID != b.remoteID {
		panic("remote identity of inode " + string(b.remoteID) + " changed to " + string(b.item.ID))
	}
}

func (b *baseInode) Lock() {
	b.mu.Lock()
}

func (b *baseInode) Unlock() {
	b.mu.Unlock()
}

func (b *baseInode) ID() fuseops.InodeID {
	return b.id
}

func (b *baseInode) RemoteID() remote.ItemID {
	return b.remoteID
}

func (b *baseInode) Kind() remote.Kind {
	return b.kind
}

// LOCKS_REQUIRED(b.mu)
func (b *baseInode) Item() remote.Item {
	return b.item
}

// LOCKS_REQUIRED(b.mu)
func (b *baseInode) SetItem(item remote.Item) {
	if item.ID != b.remoteID {
		return
	}
	b.item = item
}

// LOCKS_REQUIRED(b.mu)
func (b *baseInode) Parent() (fuseops.InodeID, string) {
	return b.parent, b.name
}

// LOCKS_REQUIRED(b.mu)
func (b *baseInode) SetParent(parent fuseops.InodeID, name string) {
	b.parent = parent
	b.name = name
}
