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

package metadata

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/drivefuse/drivefuse/internal/cache/lru"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/singleflight"
)

// Child is one entry of a directory listing, with the remote item as it was
// when the entry was recorded.
type Child struct {
	Name string
	Item remote.Item
}

// LookupResult says how much a directory listing knows about a name.
type LookupResult int

const (
	// The listing is unknown or expired; the name must be resolved remotely.
	LookupUnknown LookupResult = iota

	// The name is present.
	LookupFound

	// The listing is complete and fresh and does not contain the name.
	LookupNotFound
)

// Mutation is an optimistic change of one name in one directory, applied to
// the cache before the remote has confirmed it. Every Mutation must end in
// exactly one call of Confirm or Rollback.
type Mutation struct {
	dir  fuseops.InodeID
	name string

	// Child the name maps to after the mutation, nil for a removal.
	child *Child

	// Child the name mapped to before the mutation, nil if absent.
	prev *Child

	// False when no listing of dir was cached at the time of the mutation, so
	// that prev says nothing.
	prevKnown bool
}

type listing struct {
	// Children in insertion order.
	//
	// INVARIANT: names are unique
	// INVARIANT: index[entries[i].Name] == i for all i
	entries []Child
	index   map[string]int

	complete   bool
	expiration time.Time

	// Change token of the directory when the listing was populated.
	cTag string
}

func newListing() *listing {
	return &listing{index: make(map[string]int)}
}

// Size implements lru.ValueType; the LRU bounds the number of listings.
func (l *listing) Size() uint64 { return 1 }

func (l *listing) set(c Child) {
	if i, ok := l.index[c.Name]; ok {
		l.entries[i] = c
		return
	}
	l.index[c.Name] = len(l.entries)
	l.entries = append(l.entries, c)
}

func (l *listing) remove(name string) {
	i, ok := l.index[name]
	if !ok {
		return
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	delete(l.index, name)
	for j := i; j < len(l.entries); j++ {
		l.index[l.entries[j].Name] = j
	}
}

func (l *listing) get(name string) (Child, bool) {
	i, ok := l.index[name]
	if !ok {
		return Child{}, false
	}
	return l.entries[i], true
}

func (l *listing) snapshot() []Child {
	return append([]Child(nil), l.entries...)
}

// DirCache caches directory listings. Listings are populated lazily by a full
// paginated enumeration, bounded in number by an LRU, and overlaid with the
// optimistic mutations still awaiting remote confirmation. A name with a
// pending mutation keeps its local state until that mutation resolves, even
// across re-enumeration or eviction.
type DirCache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	client remote.Client
	clock  timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	ttl time.Duration

	/////////////////////////
	// Mutable state
	/////////////////////////

	fills singleflight.Group

	// LOCK ORDERING: mu, then the lock inside listings.
	mu sync.Mutex

	// Values are *listing.
	//
	// GUARDED_BY(mu)
	listings *lru.Cache[fuseops.InodeID]

	// Pending mutations per directory and name, oldest first.
	//
	// GUARDED_BY(mu)
	pending map[fuseops.InodeID]map[string][]*Mutation

	// Bumped whenever a directory's listing is dropped, so that an enumeration
	// that started earlier does not install a stale result.
	//
	// GUARDED_BY(mu)
	generations map[fuseops.InodeID]uint64

	// Bumped by InvalidateAll and Erase.
	//
	// GUARDED_BY(mu)
	epoch uint64
}

// NewDirCache creates a cache holding at most maxDirs listings, each fresh
// for ttl.
func NewDirCache(
	client remote.Client,
	clock timeutil.Clock,
	ttl time.Duration,
	maxDirs int) *DirCache {
	if maxDirs <= 0 {
		maxDirs = 1
	}
	return &DirCache{
		client:      client,
		clock:       clock,
		ttl:         ttl,
		listings:    lru.NewCache[fuseops.InodeID](uint64(maxDirs)),
		pending:     make(map[fuseops.InodeID]map[string][]*Mutation),
		generations: make(map[fuseops.InodeID]uint64),
	}
}

// LOCKS_REQUIRED(dc.mu)
func (dc *DirCache) listingLocked(dir fuseops.InodeID) *listing {
	v := dc.listings.LookUp(dir)
	if v == nil {
		return nil
	}
	return v.(*listing)
}

// LOCKS_REQUIRED(dc.mu)
func (dc *DirCache) freshLocked(l *listing) bool {
	return l != nil && l.complete && dc.clock.Now().Before(l.expiration)
}

// LOCKS_REQUIRED(dc.mu)
func (dc *DirCache) isPendingLocked(dir fuseops.InodeID, name string) bool {
	return len(dc.pending[dir][name]) > 0
}

// overlayLocked applies the newest pending mutation of every name to l.
//
// LOCKS_REQUIRED(dc.mu)
func (dc *DirCache) overlayLocked(dir fuseops.InodeID, l *listing) {
	for name, ms := range dc.pending[dir] {
		if len(ms) == 0 {
			continue
		}
		if top := ms[len(ms)-1]; top.child != nil {
			l.set(*top.child)
		} else {
			l.remove(name)
		}
	}
}

// List returns the children of dir, enumerating them remotely if the cached
// listing is missing or expired. Pages are merged into one listing before it
// is marked complete. cTag is the directory's current change token, if known.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) List(ctx context.Context, dir fuseops.InodeID, itemID remote.ItemID, cTag string) ([]Child, error) {
	dc.mu.Lock()
	if l := dc.listingLocked(dir); dc.freshLocked(l) {
		children := l.snapshot()
		dc.mu.Unlock()
		return children, nil
	}
	dc.mu.Unlock()

	v, err, _ := dc.fills.Do(strconv.FormatUint(uint64(dir), 10), func() (interface{}, error) {
		return dc.fill(context.WithoutCancel(ctx), dir, itemID, cTag)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Child), nil
}

// fill enumerates dir remotely and installs the result.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) fill(ctx context.Context, dir fuseops.InodeID, itemID remote.ItemID, cTag string) ([]Child, error) {
	dc.mu.Lock()
	if l := dc.listingLocked(dir); dc.freshLocked(l) {
		children := l.snapshot()
		dc.mu.Unlock()
		return children, nil
	}
	gen, epoch := dc.generations[dir], dc.epoch
	dc.mu.Unlock()

	var items []*remote.Item
	var token string
	for {
		page, next, err := dc.client.ListChildren(ctx, itemID, token)
		if err != nil {
			return nil, fmt.Errorf("ListChildren(%q): %w", itemID, err)
		}
		items = append(items, page...)
		if next == "" {
			break
		}
		token = next
	}

	l := newListing()
	for _, item := range items {
		l.set(Child{Name: item.Name, Item: *item})
	}
	l.complete = true
	l.cTag = cTag

	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.overlayLocked(dir, l)
	if dc.generations[dir] == gen && dc.epoch == epoch {
		l.expiration = dc.clock.Now().Add(dc.ttl)
		_, _ = dc.listings.Insert(dir, l)
	}
	return l.snapshot(), nil
}

// LookUp consults the cached listing of dir for name. Pending mutations are
// authoritative for their names.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) LookUp(dir fuseops.InodeID, name string) (Child, LookupResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if ms := dc.pending[dir][name]; len(ms) > 0 {
		if top := ms[len(ms)-1]; top.child != nil {
			return *top.child, LookupFound
		}
		return Child{}, LookupNotFound
	}

	l := dc.listingLocked(dir)
	if !dc.freshLocked(l) {
		return Child{}, LookupUnknown
	}
	if c, ok := l.get(name); ok {
		return c, LookupFound
	}
	return Child{}, LookupNotFound
}

// LOCKS_REQUIRED(dc.mu)
func (dc *DirCache) pushLocked(dir fuseops.InodeID, name string, child *Child) *Mutation {
	m := &Mutation{dir: dir, name: name, child: child}
	ms := dc.pending[dir][name]
	if len(ms) > 0 {
		top := ms[len(ms)-1]
		m.prev, m.prevKnown = top.child, top.prevKnown
	} else if l := dc.listingLocked(dir); l != nil {
		m.prevKnown = true
		if c, ok := l.get(name); ok {
			m.prev = &c
		}
	}

	if dc.pending[dir] == nil {
		dc.pending[dir] = make(map[string][]*Mutation)
	}
	dc.pending[dir][name] = append(ms, m)

	if l := dc.listingLocked(dir); l != nil {
		if child != nil {
			l.set(*child)
		} else {
			l.remove(name)
		}
	}
	return m
}

// InsertChild optimistically maps child.Name to child in dir.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) InsertChild(dir fuseops.InodeID, child Child) *Mutation {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	c := child
	return dc.pushLocked(dir, child.Name, &c)
}

// RemoveChild optimistically removes name from dir.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) RemoveChild(dir fuseops.InodeID, name string) *Mutation {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.pushLocked(dir, name, nil)
}

// LOCKS_REQUIRED(dc.mu)
func (dc *DirCache) popLocked(m *Mutation) (idx int, ms []*Mutation) {
	ms = dc.pending[m.dir][m.name]
	idx = -1
	for i, x := range ms {
		if x == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("mutation of %q in %d resolved twice", m.name, m.dir))
	}

	rest := append(ms[:idx:idx], ms[idx+1:]...)
	if len(rest) == 0 {
		delete(dc.pending[m.dir], m.name)
		if len(dc.pending[m.dir]) == 0 {
			delete(dc.pending, m.dir)
		}
	} else {
		dc.pending[m.dir][m.name] = rest
	}
	return idx, rest
}

// Confirm records that the remote accepted m. The cached state of its name
// stays as it is.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) Confirm(m *Mutation) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	idx, rest := dc.popLocked(m)
	if idx < len(rest) {
		// A later mutation of the name now starts from m's outcome.
		rest[idx].prev, rest[idx].prevKnown = m.child, true
	}
}

// ConfirmChild records that the remote accepted m and produced child, which
// replaces the provisional entry m inserted.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) ConfirmChild(m *Mutation, child Child) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	c := child
	m.child = &c
	idx, rest := dc.popLocked(m)
	if idx < len(rest) {
		rest[idx].prev, rest[idx].prevKnown = m.child, true
		return
	}
	if l := dc.listingLocked(m.dir); l != nil {
		l.set(c)
	}
}

// Rollback undoes m after the remote rejected it.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) Rollback(m *Mutation) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	idx, rest := dc.popLocked(m)
	if idx < len(rest) {
		// A later mutation still owns the name; it now starts from m's origin.
		rest[idx].prev, rest[idx].prevKnown = m.prev, m.prevKnown
		return
	}

	l := dc.listingLocked(m.dir)
	if l == nil {
		return
	}
	if !m.prevKnown {
		// The listing was enumerated after the mutation and hides what the
		// name held before it.
		dc.listings.Erase(m.dir)
		dc.generations[m.dir]++
		return
	}
	if m.prev != nil {
		l.set(*m.prev)
	} else {
		l.remove(m.name)
	}
}

// ApplyRemoteUpsert records a child reported by the remote change feed. Any
// other name in dir for the same item is removed, since the item was renamed.
// Names with pending mutations are skipped. It reports whether the listing
// changed.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) ApplyRemoteUpsert(dir fuseops.InodeID, child Child) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	l := dc.listingLocked(dir)
	if l == nil {
		return false
	}
	changed := false
	for _, c := range l.snapshot() {
		if c.Item.ID == child.Item.ID && c.Name != child.Name && !dc.isPendingLocked(dir, c.Name) {
			l.remove(c.Name)
			changed = true
		}
	}
	if dc.isPendingLocked(dir, child.Name) {
		return changed
	}
	if cur, ok := l.get(child.Name); !ok || cur != child {
		l.set(child)
		changed = true
	}
	return changed
}

// ApplyRemoteRemove drops the entry of dir for the given item, unless its
// name has a pending mutation. It reports whether the listing changed.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) ApplyRemoteRemove(dir fuseops.InodeID, itemID remote.ItemID) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	l := dc.listingLocked(dir)
	if l == nil {
		return false
	}
	for _, c := range l.snapshot() {
		if c.Item.ID == itemID && !dc.isPendingLocked(dir, c.Name) {
			l.remove(c.Name)
			return true
		}
	}
	return false
}

// UpdateItem refreshes the recorded item of the entry for item.Name when the
// entry refers to the same remote item and has no pending mutation.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) UpdateItem(dir fuseops.InodeID, item *remote.Item) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	l := dc.listingLocked(dir)
	if l == nil || dc.isPendingLocked(dir, item.Name) {
		return
	}
	if c, ok := l.get(item.Name); ok && c.Item.ID == item.ID {
		l.set(Child{Name: item.Name, Item: *item})
	}
}

// Revalidate extends the life of dir's listing when cTag matches the token
// it was populated with, and reports whether it did.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) Revalidate(dir fuseops.InodeID, cTag string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	l := dc.listingLocked(dir)
	if l == nil || !l.complete || cTag == "" || l.cTag != cTag {
		return false
	}
	l.expiration = dc.clock.Now().Add(dc.ttl)
	return true
}

// Invalidate drops the listing of dir so that the next List re-enumerates
// it. Pending mutations survive.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) Invalidate(dir fuseops.InodeID) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.listings.Erase(dir)
	dc.generations[dir]++
}

// InvalidateAll drops every listing.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) InvalidateAll() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.listings.EraseIf(func(fuseops.InodeID, lru.ValueType) bool { return true })
	dc.epoch++
}

// Erase forgets dir entirely, e.g. when its inode is destroyed. Its
// generation goes too; the epoch bump keeps a fill that started earlier from
// installing its result.
//
// LOCKS_EXCLUDED(dc.mu)
func (dc *DirCache) Erase(dir fuseops.InodeID) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.listings.Erase(dir)
	delete(dc.generations, dir)
	dc.epoch++
}
