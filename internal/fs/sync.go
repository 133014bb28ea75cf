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

package fs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drivefuse/drivefuse/internal/cache/metadata"
	"github.com/drivefuse/drivefuse/internal/fs/inode"
	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/remote"
)

// syncer reconciles the caches with the remote change feed, periodically
// and on demand. Local changes that are not committed yet win over remote
// ones: dirty attributes and names with pending mutations are left alone.
type syncer struct {
	fs       *fileSystem
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	// Serializes passes over the feed.
	mu sync.Mutex

	// The position in the change feed. Empty until the first pass.
	//
	// GUARDED_BY(mu)
	cursor string
}

func newSyncer(fs *fileSystem, interval time.Duration) *syncer {
	return &syncer{
		fs:       fs,
		interval: interval,
	}
}

func (s *syncer) start() {
	if s.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)
}

func (s *syncer) stop() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *syncer) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("Polling remote changes: %v", err)
			}
		}
	}
}

// refresh drains the change feed from the last cursor.
func (s *syncer) refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		cs, err := s.fs.client.Changes(ctx, s.cursor)
		if err != nil {
			return fmt.Errorf("Changes: %w", err)
		}

		if cs.Reset {
			logger.Infof("Change feed restarted; dropping cached metadata")
			s.fs.attrs.InvalidateAll()
			s.fs.dirs.InvalidateAll()
		}

		for _, c := range cs.Changes {
			s.apply(c)
		}

		s.cursor = cs.Cursor
		if !cs.More {
			return nil
		}
	}
}

// dirOf returns the inode of a directory item, if it has one.
func (s *syncer) dirOf(id remote.ItemID) (*inode.DirInode, bool) {
	if id == "" {
		return nil, false
	}
	in, ok := s.fs.inodes.ByItem(id)
	if !ok {
		return nil, false
	}
	d, ok := in.(*inode.DirInode)
	return d, ok
}

func (s *syncer) apply(c remote.Change) {
	if c.Deleted {
		s.applyRemove(c.Item)
		return
	}
	s.applyUpsert(c.Item)
}

func (s *syncer) applyRemove(item remote.Item) {
	fs := s.fs
	logger.Tracef("Remote removed %q", item.ID)

	if d, ok := s.dirOf(item.ParentID); ok {
		fs.dirs.ApplyRemoteRemove(d.ID(), item.ID)
	}

	in, ok := fs.inodes.ByItem(item.ID)
	if !ok {
		return
	}

	in.Lock()
	parent, _ := in.Parent()
	in.Unlock()
	fs.dirs.ApplyRemoteRemove(parent, item.ID)

	switch typed := in.(type) {
	case *inode.DirInode:
		fs.dirs.Invalidate(typed.ID())

	case *inode.FileInode:
		typed.Lock()
		w, _ := typed.Writer()
		if w != nil {
			// The pending writes recreate the content on commit.
			typed.Unlock()
			logger.Warnf("%q was removed remotely while open for writing", item.ID)
			return
		}
		typed.MarkUnlinked()
		typed.Unlock()
	}

	fs.attrs.Invalidate(in.ID())
	fs.inodes.Release(in.ID())
}

func (s *syncer) applyUpsert(item remote.Item) {
	fs := s.fs
	logger.Tracef("Remote changed %q (%q in %q)", item.ID, item.Name, item.ParentID)

	newParent, parentKnown := s.dirOf(item.ParentID)

	if in, ok := fs.inodes.ByItem(item.ID); ok && in.Kind() == item.Kind {
		in.Lock()
		oldParent, oldName := in.Parent()
		in.SetItem(item)
		if parentKnown {
			in.SetParent(newParent.ID(), item.Name)
		}
		in.Unlock()

		// Moved out of a directory we know of.
		if !parentKnown || oldParent != newParent.ID() {
			fs.dirs.ApplyRemoteRemove(oldParent, item.ID)
		} else if oldName != item.Name {
			logger.Tracef("%q renamed from %q to %q", item.ID, oldName, item.Name)
		}

		fs.attrs.Invalidate(in.ID())
		if d, ok := in.(*inode.DirInode); ok && !fs.dirs.Revalidate(d.ID(), item.CTag) {
			fs.dirs.Invalidate(d.ID())
		}
	}

	if parentKnown {
		fs.dirs.ApplyRemoteUpsert(newParent.ID(), metadata.Child{Name: item.Name, Item: item})
	}
}
