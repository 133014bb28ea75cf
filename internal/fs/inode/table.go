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

	"github.com/drivefuse/drivefuse/internal/cache/readcache"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
)

// ReaderFactory creates the reader of the committed content of a file.
type ReaderFactory func(id remote.ItemID) *readcache.Reader

type record struct {
	in   Inode
	refs refCount
}

// Table assigns inode IDs to remote items and tracks how the kernel and open
// handles reference them. Each remote item has at most one live inode, and
// IDs are never reused within a mount.
//
// The table lock is a leaf: it is never held while acquiring an inode lock.
type Table struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	newReader ReaderFactory

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The next ID to hand out.
	//
	// INVARIANT: For all keys k in records, k < nextID
	//
	// GUARDED_BY(mu)
	nextID fuseops.InodeID

	// INVARIANT: records[fuseops.RootInodeID] is the root
	// INVARIANT: For all v in records except the root, v.refs is not destroyed
	//
	// GUARDED_BY(mu)
	records map[fuseops.InodeID]*record

	// The live inode of each remote item, except for released ones.
	//
	// INVARIANT: For all k, v in byItem, records[v].in.RemoteID() == k
	//
	// GUARDED_BY(mu)
	byItem map[remote.ItemID]fuseops.InodeID
}

// NewTable creates a table holding only the root, backed by the given
// remote directory.
func NewTable(root remote.Item, newReader ReaderFactory) *Table {
	t := &Table{
		newReader: newReader,
		nextID:    fuseops.RootInodeID + 1,
		records:   make(map[fuseops.InodeID]*record),
		byItem:    make(map[remote.ItemID]fuseops.InodeID),
	}

	rootInode := NewDirInode(fuseops.RootInodeID, root, fuseops.RootInodeID, "")
	r := &record{in: rootInode}
	r.refs.Init(fuseops.RootInodeID)

	// Pin the root.
	r.refs.IncLookup()
	t.records[fuseops.RootInodeID] = r
	t.byItem[root.ID] = fuseops.RootInodeID

	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

// LOCKS_REQUIRED(t.mu)
func (t *Table) checkInvariants() {
	root, ok := t.records[fuseops.RootInodeID]
	if !ok {
		panic("root inode missing")
	}
	if _, ok := root.in.(*DirInode); !ok {
		panic(fmt.Sprintf("root inode is %T", root.in))
	}

	for id, r := range t.records {
		if id >= t.nextID {
			panic(fmt.Sprintf("inode %d not below next ID %d", id, t.nextID))
		}
		if r.in.ID() != id {
			panic(fmt.Sprintf("inode %d recorded under %d", r.in.ID(), id))
		}
		if r.refs.destroyed {
			panic(fmt.Sprintf("inode %d is destroyed but still recorded", id))
		}
	}

	for itemID, id := range t.byItem {
		r, ok := t.records[id]
		if !ok {
			panic(fmt.Sprintf("item %q maps to missing inode %d", itemID, id))
		}
		if r.in.RemoteID() != itemID {
			panic(fmt.Sprintf("item %q maps to inode %d of %q", itemID, id, r.in.RemoteID()))
		}
	}
}

// CheckInvariants panics if the table is inconsistent.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) CheckInvariants() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkInvariants()
}

// Root returns the root directory.
func (t *Table) Root() *DirInode {
	return t.DirInodeOrDie(fuseops.RootInodeID)
}

// Get returns the inode with the given ID, if it is live.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Get(id fuseops.InodeID) (Inode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return nil, false
	}
	return r.in, true
}

// InodeOrDie returns the inode with the given ID, panicking with a helpful
// error message if it doesn't exist. The kernel only names inodes it holds a
// reference to, so a miss is a bug.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) InodeOrDie(id fuseops.InodeID) Inode {
	in, ok := t.Get(id)
	if !ok {
		panic(fmt.Sprintf("inode %d doesn't exist", id))
	}
	return in
}

// DirInodeOrDie returns the directory inode with the given ID, panicking if
// it doesn't exist or is the wrong type.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) DirInodeOrDie(id fuseops.InodeID) *DirInode {
	tmp := t.InodeOrDie(id)
	in, ok := tmp.(*DirInode)
	if !ok {
		panic(fmt.Sprintf("inode %d is %T, wanted *inode.DirInode", id, tmp))
	}
	return in
}

// FileInodeOrDie returns the file inode with the given ID, panicking if it
// doesn't exist or is the wrong type.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) FileInodeOrDie(id fuseops.InodeID) *FileInode {
	tmp := t.InodeOrDie(id)
	in, ok := tmp.(*FileInode)
	if !ok {
		panic(fmt.Sprintf("inode %d is %T, wanted *inode.FileInode", id, tmp))
	}
	return in
}

// ByItem returns the live inode of a remote item, if any.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) ByItem(itemID remote.ItemID) (Inode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byItem[itemID]
	if !ok {
		return nil, false
	}
	return t.records[id].in, true
}

// Allocate returns the inode of the remote item, creating it under parent
// and name if the item has none, and counts one lookup against it. created
// reports whether the inode is new; an existing inode keeps its item, parent
// and name, which the caller updates under the inode lock.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Allocate(
	item remote.Item,
	parent fuseops.InodeID,
	name string) (in Inode, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byItem[item.ID]; ok {
		r := t.records[id]
		if r.in.Kind() == item.Kind {
			r.refs.IncLookup()
			return r.in, false
		}

		// The remote reused an identity for another kind of item. Give it a
		// fresh inode and let the stale one drain.
		delete(t.byItem, item.ID)
	}

	id := t.nextID
	t.nextID++

	switch item.Kind {
	case remote.KindDirectory:
		in = NewDirInode(id, item, parent, name)
	default:
		in = NewFileInode(id, item, parent, name, t.newReader(item.ID))
	}

	r := &record{in: in}
	r.refs.Init(id)
	r.refs.IncLookup()
	t.records[id] = r
	t.byItem[item.ID] = id
	return in, true
}

// evictLocked forgets a record whose references dropped to zero.
//
// LOCKS_REQUIRED(t.mu)
func (t *Table) evictLocked(id fuseops.InodeID, r *record) Inode {
	delete(t.records, id)
	if cur, ok := t.byItem[r.in.RemoteID()]; ok && cur == id {
		delete(t.byItem, r.in.RemoteID())
	}
	return r.in
}

// Forget drops n lookups of the inode. If that leaves it unreferenced, it is
// removed from the table and returned so the caller can erase its cache
// entries and destroy it. The root is never evicted.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Forget(id fuseops.InodeID, n uint64) (evicted Inode) {
	if id == fuseops.RootInodeID {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		panic(fmt.Sprintf("forget of unknown inode %d", id))
	}
	if r.refs.DecLookup(n) {
		return t.evictLocked(id, r)
	}
	return nil
}

// AcquireHandle counts an open handle against the inode, keeping it live
// until the matching ReleaseHandle even if the kernel forgets it.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) AcquireHandle(id fuseops.InodeID) Inode {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		panic(fmt.Sprintf("inode %d doesn't exist", id))
	}
	r.refs.IncHandle()
	return r.in
}

// ReleaseHandle drops an open handle. Like Forget, it returns the inode if
// that left it unreferenced.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) ReleaseHandle(id fuseops.InodeID) (evicted Inode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		panic(fmt.Sprintf("release of a handle of unknown inode %d", id))
	}
	// The root holds a lookup that is never forgotten.
	if r.refs.DecHandle() {
		return t.evictLocked(id, r)
	}
	return nil
}

// Release detaches the inode from its remote item after the item was
// deleted or replaced. The inode stays live for the kernel's outstanding
// references, but later lookups of the item get a fresh inode.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Release(id fuseops.InodeID) {
	if id == fuseops.RootInodeID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return
	}
	if cur, ok := t.byItem[r.in.RemoteID()]; ok && cur == id {
		delete(t.byItem, r.in.RemoteID())
	}
}

// Len returns the number of live inodes, including the root.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Inodes returns a snapshot of the live inodes.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Inodes() []Inode {
	t.mu.Lock()
	defer t.mu.Unlock()

	inodes := make([]Inode, 0, len(t.records))
	for _, r := range t.records {
		inodes = append(inodes, r.in)
	}
	return inodes
}
