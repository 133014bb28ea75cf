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
	"context"
	"time"

	"github.com/drivefuse/drivefuse/internal/bufferedwrites"
	"github.com/drivefuse/drivefuse/internal/cache/readcache"
	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/fuse/fuseops"
)

// FileInode is a regular file. At most one handle at a time may write to it;
// that handle's writes go to a BufferedWriteHandler owned by the inode, so
// that every handle reads its own writes.
type FileInode struct {
	baseInode

	/////////////////////////
	// Dependencies
	/////////////////////////

	// Reads the committed content, i.e. the version named by item.ETag.
	//
	// GUARDED_BY(mu)
	committed *readcache.Reader

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The writer of the file, or nil.
	//
	// INVARIANT: writer == nil implies writerHandle == 0
	//
	// GUARDED_BY(mu)
	writer       *bufferedwrites.BufferedWriteHandler
	writerHandle fuseops.HandleID

	// Set once the file has been unlinked or replaced by a rename.
	//
	// GUARDED_BY(mu)
	unlinked bool
}

var _ Inode = &FileInode{}

// NewFileInode creates an inode for the file item, named name within parent.
// committed serves reads of the committed content to the writer.
func NewFileInode(
	id fuseops.InodeID,
	item remote.Item,
	parent fuseops.InodeID,
	name string,
	committed *readcache.Reader) (f *FileInode) {
	f = &FileInode{committed: committed}
	f.init(id, item, parent, name, f.checkInvariants)
	return
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) checkInvariants() {
	f.baseInode.checkInvariants()
	if f.writer == nil && f.writerHandle != 0 {
		panic("writer handle without a writer")
	}
}

// SetItem records a newer observation of the file. While a writer exists the
// committed content it builds on must not move, so only the name and
// location are taken.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) SetItem(item remote.Item) {
	if item.ID != f.remoteID {
		return
	}
	if f.writer != nil {
		f.item.ParentID = item.ParentID
		f.item.Name = item.Name
		return
	}
	f.item = item
}

// SetCommitted records the item produced by committing the writer's
// content.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) SetCommitted(item remote.Item) {
	if item.ID != f.remoteID {
		return
	}
	f.item = item
}

// ReadCommitted reads the committed content. It is the base of the writer.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) ReadCommitted(ctx context.Context, p []byte, off int64) (int, error) {
	return f.committed.ReadAt(ctx, f.item.ETag, int64(f.item.Size), p, off)
}

// Writer returns the writer of the file and the handle that owns it, or nil.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Writer() (*bufferedwrites.BufferedWriteHandler, fuseops.HandleID) {
	return f.writer, f.writerHandle
}

// SetWriter installs w as the writer, owned by handle h.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) SetWriter(w *bufferedwrites.BufferedWriteHandler, h fuseops.HandleID) {
	f.writer = w
	f.writerHandle = h
}

// ClearWriter drops the writer. The caller has synced or cancelled it.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) ClearWriter() {
	f.writer = nil
	f.writerHandle = 0
}

// Size returns the size of the content as seen by readers, including any
// buffered writes.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Size() uint64 {
	if f.writer != nil {
		return uint64(f.writer.WriteFileInfo().TotalSize)
	}
	return f.item.Size
}

// Mtime returns the modification time as seen by readers.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Mtime() time.Time {
	if f.writer != nil {
		return f.writer.WriteFileInfo().Mtime
	}
	return f.item.Mtime
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) Unlinked() bool {
	return f.unlinked
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) MarkUnlinked() {
	f.unlinked = true
}

func (f *FileInode) Destroy() (err error) {
	if f.writer != nil {
		if lost := f.writer.Cancel(context.Background()); lost > 0 {
			logger.Warnf("Discarding %d bytes written to %q", lost, f.remoteID)
		}
		f.ClearWriter()
	}
	f.committed.Invalidate()
	return
}
