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

package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/drivefuse/drivefuse/internal/cache/metadata"
	"github.com/drivefuse/drivefuse/internal/fs/inode"
	"github.com/drivefuse/drivefuse/internal/locker"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// ListFunc returns the current children of a directory.
type ListFunc func(ctx context.Context) ([]metadata.Child, error)

// DirHandle is the state required for reading from directories.
type DirHandle struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	in *inode.DirInode

	/////////////////////////
	// Mutable state
	/////////////////////////

	Mu sync.Locker

	// A snapshot of the entries in the directory, taken the first time we
	// need one so that later mutations do not shift offsets mid-enumeration.
	//
	// INVARIANT: For each i, entries[i].Offset == i + 1
	//
	// GUARDED_BY(Mu)
	entries []fuseutil.Dirent

	// Has entries yet been populated?
	//
	// INVARIANT: If !entriesValid, then len(entries) == 0
	//
	// GUARDED_BY(Mu)
	entriesValid bool
}

// NewDirHandle creates a directory handle that obtains listings for the
// supplied inode.
func NewDirHandle(in *inode.DirInode) (dh *DirHandle) {
	dh = &DirHandle{
		in: in,
	}

	dh.Mu = locker.New(fmt.Sprintf("DH.%d", in.ID()), dh.checkInvariants)
	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (dh *DirHandle) checkInvariants() {
	// INVARIANT: For each i, entries[i].Offset == i + 1
	for i, e := range dh.entries {
		if e.Offset != fuseops.DirOffset(i+1) {
			panic(fmt.Sprintf("Unexpected offset %v at index %d", e.Offset, i))
		}
	}

	// INVARIANT: If !entriesValid, then len(entries) == 0
	if !dh.entriesValid && len(dh.entries) != 0 {
		panic("Unexpected non-empty entries slice")
	}
}

// Dirents converts children, in listing order, to directory entries with
// their offset fields filled in.
func Dirents(children []metadata.Child) []fuseutil.Dirent {
	entries := make([]fuseutil.Dirent, 0, len(children))
	for i, c := range children {
		typ := fuseutil.DT_File
		if c.Item.Kind == remote.KindDirectory {
			typ = fuseutil.DT_Directory
		}

		// Return a bogus inode ID for each entry, but not the root inode ID.
		// Readdir does not count as a lookup, so the kernel never forgets an
		// ID minted here; it looks the name up before using it.
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.RootInodeID + 1,
			Name:   c.Name,
			Type:   typ,
		})
	}
	return entries
}

// LOCKS_REQUIRED(dh.Mu)
func (dh *DirHandle) ensureEntries(ctx context.Context, list ListFunc) (err error) {
	children, err := list(ctx)
	if err != nil {
		err = fmt.Errorf("list: %w", err)
		return
	}

	dh.entries = Dirents(children)
	dh.entriesValid = true
	return
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Inode returns the directory the handle reads.
func (dh *DirHandle) Inode() *inode.DirInode {
	return dh.in
}

// ReadDir handles a request to read from the directory, without responding.
//
// Special case: we assume that a zero offset indicates that rewinddir has been
// called (since fuse gives us no way to intercept and know for sure), and
// start the listing process over again.
//
// LOCKS_REQUIRED(dh.Mu)
func (dh *DirHandle) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp,
	list ListFunc) (err error) {
	// If the request is for offset zero, we assume that either this is the first
	// call or rewinddir has been called. Reset state.
	if op.Offset == 0 {
		dh.entries = nil
		dh.entriesValid = false
	}

	if !dh.entriesValid {
		err = dh.ensureEntries(ctx, list)
		if err != nil {
			return
		}
	}

	// Is the offset past the end of what we have buffered? If so, this must be
	// an invalid seekdir according to posix.
	index := int(op.Offset)
	if index > len(dh.entries) {
		err = fuse.EINVAL
		return
	}

	// We copy out entries until we run out of entries or space.
	for i := index; i < len(dh.entries); i++ {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dh.entries[i])
		if n == 0 {
			break
		}

		op.BytesRead += n
	}

	return
}
