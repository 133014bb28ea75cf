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
	"github.com/drivefuse/drivefuse/internal/cache/readcache"
	"github.com/drivefuse/drivefuse/internal/fs/inode"
	"github.com/drivefuse/drivefuse/internal/locker"
	"github.com/drivefuse/drivefuse/internal/util"
)

// AttrsFunc returns the current attributes of the handle's inode.
type AttrsFunc func(ctx context.Context) (metadata.Attributes, error)

type FileHandle struct {
	inode *inode.FileInode

	mu sync.Locker

	// A read cache of the committed content, owned by the handle.
	//
	// GUARDED_BY(mu)
	reader *readcache.Reader

	// openMode is used to store the mode in which the file is opened.
	openMode util.OpenMode
}

// NewFileHandle returns a handle on in that serves reads of committed
// content through reader.
func NewFileHandle(in *inode.FileInode, reader *readcache.Reader, openMode util.OpenMode) (fh *FileHandle) {
	fh = &FileHandle{
		inode:    in,
		reader:   reader,
		openMode: openMode,
	}

	fh.mu = locker.New(fmt.Sprintf("FH.%d", in.ID()), fh.checkInvariants)
	return
}

func (fh *FileHandle) checkInvariants() {
	fh.reader.CheckInvariants()
}

// Lock the handle, e.g. to serialize reads through its cache.
func (fh *FileHandle) Lock() {
	fh.mu.Lock()
}

func (fh *FileHandle) Unlock() {
	fh.mu.Unlock()
}

// Destroy any resources associated with the handle, which must not be used
// again.
//
// LOCKS_REQUIRED(fh)
func (fh *FileHandle) Destroy() {
	fh.reader.Invalidate()
}

// Inode returns the inode backing this handle.
func (fh *FileHandle) Inode() *inode.FileInode {
	return fh.inode
}

func (fh *FileHandle) OpenMode() util.OpenMode {
	return fh.openMode
}

// Read fills dst from offset. While the inode has a writer, the read is
// served by the writer so that unflushed bytes are visible; otherwise it goes
// through the handle's read cache, validated against the current
// attributes.
//
// LOCKS_REQUIRED(fh)
// LOCKS_EXCLUDED(fh.inode)
func (fh *FileHandle) Read(
	ctx context.Context,
	dst []byte,
	offset int64,
	attrs AttrsFunc) (n int, err error) {
	fh.inode.Lock()
	if w, _ := fh.inode.Writer(); w != nil {
		defer fh.inode.Unlock()
		n, err = w.ReadAt(ctx, dst, offset)
		if err != nil {
			err = fmt.Errorf("read buffered content: %w", err)
		}
		return
	}
	fh.inode.Unlock()

	a, err := attrs(ctx)
	if err != nil {
		err = fmt.Errorf("get attributes: %w", err)
		return
	}

	n, err = fh.reader.ReadAt(ctx, a.ETag, int64(a.Size), dst, offset)
	return
}
