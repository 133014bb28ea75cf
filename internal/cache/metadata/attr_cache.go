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

// Package metadata holds the attribute and directory caches that sit between
// the file system and the remote drive.
package metadata

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/singleflight"
)

// Attributes are the cached remote attributes of one inode.
type Attributes struct {
	Size  uint64
	Mtime time.Time
	Kind  remote.Kind
	ETag  string
}

// AttributesFromItem extracts the cached attributes of a remote item.
func AttributesFromItem(item *remote.Item) Attributes {
	return Attributes{
		Size:  item.Size,
		Mtime: item.Mtime,
		Kind:  item.Kind,
		ETag:  item.ETag,
	}
}

// FetchFunc fetches the current remote state of one item.
type FetchFunc func(ctx context.Context) (*remote.Item, error)

type attrEntry struct {
	attrs Attributes

	// False until the entry holds attributes, and after invalidation.
	valid bool

	expiration time.Time

	// Set by a local write that the remote has not acknowledged. While set,
	// attrs is authoritative and never replaced by remote state.
	dirty bool

	// Bumped on every change of the entry. A fetch installs its result only if
	// the generation it started from is still current.
	generation uint64
}

// AttrCache caches attributes per inode with a TTL. Concurrent misses for the
// same inode share one remote fetch. The internal lock is never held across
// a fetch.
type AttrCache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	ttl time.Duration

	/////////////////////////
	// Mutable state
	/////////////////////////

	fetches singleflight.Group

	mu sync.Mutex

	// GUARDED_BY(mu)
	entries map[fuseops.InodeID]*attrEntry
}

// NewAttrCache creates an empty cache whose entries live for ttl.
func NewAttrCache(clock timeutil.Clock, ttl time.Duration) *AttrCache {
	return &AttrCache{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[fuseops.InodeID]*attrEntry),
	}
}

// LOCKS_REQUIRED(c.mu)
func (c *AttrCache) entryLocked(id fuseops.InodeID) *attrEntry {
	e, ok := c.entries[id]
	if !ok {
		e = &attrEntry{}
		c.entries[id] = e
	}
	return e
}

// LOCKS_REQUIRED(c.mu)
func (c *AttrCache) freshLocked(e *attrEntry) bool {
	return e.valid && (e.dirty || c.clock.Now().Before(e.expiration))
}

// Get returns the attributes of id. A fresh or dirty entry is served
// directly; otherwise fetch is called, its result installed with a new
// expiry, and returned. Callers that miss while a fetch for id is in flight
// wait for that fetch instead of issuing their own.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) Get(ctx context.Context, id fuseops.InodeID, fetch FetchFunc) (Attributes, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && c.freshLocked(e) {
		attrs := e.attrs
		c.mu.Unlock()
		return attrs, nil
	}
	c.mu.Unlock()

	v, err, _ := c.fetches.Do(strconv.FormatUint(uint64(id), 10), func() (interface{}, error) {
		c.mu.Lock()
		e := c.entryLocked(id)
		if c.freshLocked(e) {
			// Installed between our miss and this flight.
			attrs := e.attrs
			c.mu.Unlock()
			return attrs, nil
		}
		gen := e.generation
		c.mu.Unlock()

		// The fetch is shared, so one caller giving up must not fail the others.
		item, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		attrs := AttributesFromItem(item)

		c.mu.Lock()
		defer c.mu.Unlock()
		cur, ok := c.entries[id]
		switch {
		case ok && cur.dirty:
			return cur.attrs, nil
		case ok && cur == e && cur.generation == gen:
			cur.attrs = attrs
			cur.valid = true
			cur.expiration = c.clock.Now().Add(c.ttl)
			cur.generation++
		}
		return attrs, nil
	})
	if err != nil {
		return Attributes{}, err
	}
	return v.(Attributes), nil
}

// Peek returns the cached attributes of id without fetching, expired or not.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) Peek(id fuseops.InodeID) (attrs Attributes, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[id]
	if !found || !e.valid {
		return
	}
	return e.attrs, true
}

// Insert installs attributes learned from the remote, e.g. from a listing.
// Dirty entries are left alone.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) Insert(id fuseops.InodeID, attrs Attributes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(id)
	if e.dirty {
		return
	}
	e.attrs = attrs
	e.valid = true
	e.expiration = c.clock.Now().Add(c.ttl)
	e.generation++
}

// MarkDirty makes attrs authoritative for id until Acknowledge is called.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) MarkDirty(id fuseops.InodeID, attrs Attributes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(id)
	e.attrs = attrs
	e.valid = true
	e.dirty = true
	e.generation++
}

// Acknowledge installs the attributes the remote reported for a committed
// write and clears the dirty flag.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) Acknowledge(id fuseops.InodeID, attrs Attributes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(id)
	e.attrs = attrs
	e.valid = true
	e.dirty = false
	e.expiration = c.clock.Now().Add(c.ttl)
	e.generation++
}

// ClearDirty drops the dirty flag and the attributes it protected, so that
// the next Get fetches remote state.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) ClearDirty(id fuseops.InodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.dirty = false
		e.valid = false
		e.generation++
	}
}

// IsDirty reports whether id has unacknowledged local changes.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) IsDirty(id fuseops.InodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.dirty
}

// Invalidate forces the next Get of id to fetch, unless the entry is dirty.
// It reports whether the entry was invalidated.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) Invalidate(id fuseops.InodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return true
	}
	if e.dirty {
		return false
	}
	e.valid = false
	e.generation++
	return true
}

// InvalidateAll invalidates every entry that is not dirty.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if !e.dirty {
			e.valid = false
			e.generation++
		}
	}
}

// Erase drops everything known about id, dirty or not.
//
// LOCKS_EXCLUDED(c.mu)
func (c *AttrCache) Erase(id fuseops.InodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
