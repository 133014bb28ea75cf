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
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/drivefuse/drivefuse/internal/bufferedwrites"
	"github.com/drivefuse/drivefuse/internal/cache/metadata"
	"github.com/drivefuse/drivefuse/internal/cache/readcache"
	"github.com/drivefuse/drivefuse/internal/fs/handle"
	"github.com/drivefuse/drivefuse/internal/fs/inode"
	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/monitor"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/drivefuse/drivefuse/internal/util"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

type ServerConfig struct {
	// A clock used for cache expiration and for the mtimes of buffered
	// writes.
	CacheClock timeutil.Clock

	// The remote drive to expose.
	Client remote.Client

	MetricHandle monitor.MetricHandle

	// Fail every mutating operation with EROFS, without touching the remote.
	ReadOnly bool

	// The UID and GID that owns all inodes in the file system.
	Uid uint32
	Gid uint32

	// Permissions bits to use for files and directories. No bits outside of
	// os.ModePerm may be set.
	FilePerms os.FileMode
	DirPerms  os.FileMode

	// How long attributes are cached, both here and by the kernel.
	AttrCacheTTL time.Duration

	// How long directory listings are cached, and how many.
	DirCacheTTL   time.Duration
	MaxCachedDirs int

	// Minimum size of a range fetch, and the per-handle budget of cached
	// ranges.
	ReadAhead       int64
	ReadCacheBudget uint64

	Write bufferedwrites.HandlerConfig

	// Retries of transient failures of metadata reads and range fetches.
	RetryPolicy remote.RetryPolicy

	// Interval of the background poll of the remote change feed. Zero
	// disables it; Refresh still works on demand.
	SyncInterval time.Duration

	// Let mutating ops finish when the kernel interrupts them.
	IgnoreInterrupts bool

	// Log every op with its result.
	DebugFS bool
}

// NewFileSystem creates the file system, fetching the root of the drive.
func NewFileSystem(ctx context.Context, cfg *ServerConfig) (fuseutil.FileSystem, error) {
	// Check permissions bits.
	if cfg.FilePerms&^os.ModePerm != 0 {
		return nil, fmt.Errorf("illegal file perms: %v", cfg.FilePerms)
	}

	if cfg.DirPerms&^os.ModePerm != 0 {
		return nil, fmt.Errorf("illegal dir perms: %v", cfg.DirPerms)
	}

	clock := cfg.CacheClock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	mh := cfg.MetricHandle
	if mh == nil {
		mh = monitor.NewNoopMetrics()
	}

	var root *remote.Item
	err := remote.Retry(ctx, cfg.RetryPolicy, "Root", func(ctx context.Context) (err error) {
		root, err = cfg.Client.Root(ctx)
		return
	})
	if err != nil {
		return nil, fmt.Errorf("fetch root: %w", err)
	}

	fs := &fileSystem{
		clock:           clock,
		client:          cfg.Client,
		metricHandle:    mh,
		attrs:           metadata.NewAttrCache(clock, cfg.AttrCacheTTL),
		dirs:            metadata.NewDirCache(cfg.Client, clock, cfg.DirCacheTTL, cfg.MaxCachedDirs),
		readOnly:        cfg.ReadOnly,
		uid:             cfg.Uid,
		gid:             cfg.Gid,
		fileMode:        cfg.FilePerms,
		dirMode:         cfg.DirPerms | os.ModeDir,
		attrTTL:         cfg.AttrCacheTTL,
		readAhead:       cfg.ReadAhead,
		readCacheBudget: cfg.ReadCacheBudget,
		writeConfig:     cfg.Write,
		retryPolicy:     cfg.RetryPolicy,
		handles:         make(map[fuseops.HandleID]interface{}),
		nextHandleID:    1,
	}
	fs.inodes = inode.NewTable(*root, fs.newReader)
	fs.attrs.Insert(fuseops.RootInodeID, metadata.AttributesFromItem(root))
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	// Position the change feed, so that the first poll sees what changed
	// since the mount.
	fs.syncer = newSyncer(fs, cfg.SyncInterval)
	if err := fs.syncer.refresh(ctx); err != nil {
		logger.Warnf("Change feed unavailable, relying on cache expiry: %v", err)
	}
	fs.syncer.start()

	return fs, nil
}

////////////////////////////////////////////////////////////////////////
// fileSystem type
////////////////////////////////////////////////////////////////////////

// LOCK ORDERING
//
// Let FS be the file system lock and T the inode table lock. Define a strict
// partial order < as follows:
//
//  1. For any inode lock I, I < FS and I < T.
//  2. For any handle lock H and inode lock I, H < I.
//
// We follow the rule "acquire A then B only if A < B".
//
// In other words:
//
//  *  Don't hold multiple handle locks at the same time.
//  *  Don't hold multiple inode locks at the same time.
//  *  Don't acquire inode locks before handle locks.
//  *  Don't acquire file system or table locks before either.
//
// The locks inside the attribute and directory caches are leaves, held only
// inside their methods. No network call is made while holding FS or T.
//
// The intuition is that we hold inode and handle locks for long-running
// operations, and we don't want to block the entire file system on those.

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock        timeutil.Clock
	client       remote.Client
	metricHandle monitor.MetricHandle
	attrs        *metadata.AttrCache
	dirs         *metadata.DirCache
	inodes       *inode.Table
	syncer       *syncer

	/////////////////////////
	// Constant data
	/////////////////////////

	readOnly bool

	// The user and group owning everything in the file system.
	uid uint32
	gid uint32

	// Mode bits for all inodes.
	fileMode os.FileMode
	dirMode  os.FileMode

	attrTTL         time.Duration
	readAhead       int64
	readCacheBudget uint64
	writeConfig     bufferedwrites.HandlerConfig
	retryPolicy     remote.RetryPolicy

	destroyOnce sync.Once

	/////////////////////////
	// Mutable state
	/////////////////////////

	// A lock protecting the state of the file system struct itself (distinct
	// from per-inode locks). Make sure to see the notes on lock ordering above.
	mu syncutil.InvariantMutex

	// The collection of live handles, keyed by handle ID.
	//
	// INVARIANT: All values are of type *handle.DirHandle or *handle.FileHandle
	//
	// GUARDED_BY(mu)
	handles map[fuseops.HandleID]interface{}

	// The next handle ID to hand out. We assume that this will never overflow.
	// Zero is never used.
	//
	// INVARIANT: For all keys k in handles, 0 < k < nextHandleID
	//
	// GUARDED_BY(mu)
	nextHandleID fuseops.HandleID

	// The last quota reported by the remote, for statfs.
	//
	// GUARDED_BY(mu)
	quota           *remote.Quota
	quotaExpiration time.Time
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) checkInvariants() {
	// INVARIANT: All values are of type *handle.DirHandle or *handle.FileHandle
	// INVARIANT: For all keys k in handles, 0 < k < nextHandleID
	for id, h := range fs.handles {
		switch h.(type) {
		case *handle.DirHandle:
		case *handle.FileHandle:
		default:
			panic(fmt.Sprintf("Unexpected handle type: %T", h))
		}

		if id == 0 || id >= fs.nextHandleID {
			panic(fmt.Sprintf("Illegal handle ID: %v", id))
		}
	}
}

func (fs *fileSystem) newReader(id remote.ItemID) *readcache.Reader {
	return readcache.NewReader(fs.client, fs.retryPolicy, id, fs.readAhead, fs.readCacheBudget)
}

// fetchFunc fetches the current state of a remote item.
func (fs *fileSystem) fetchFunc(id remote.ItemID) metadata.FetchFunc {
	return func(ctx context.Context) (item *remote.Item, err error) {
		err = remote.Retry(ctx, fs.retryPolicy, "GetItem", func(ctx context.Context) (err error) {
			item, err = fs.client.GetItem(ctx, id)
			return
		})
		return
	}
}

// attrsFunc returns the cached attributes of in, fetching them if needed.
func (fs *fileSystem) attrsFunc(in inode.Inode) handle.AttrsFunc {
	return func(ctx context.Context) (metadata.Attributes, error) {
		return fs.attrs.Get(ctx, in.ID(), fs.fetchFunc(in.RemoteID()))
	}
}

// LOCKS_EXCLUDED(in)
func (fs *fileSystem) getAttributes(
	ctx context.Context,
	in inode.Inode) (
	attr fuseops.InodeAttributes,
	expiration time.Time,
	err error) {
	a, err := fs.attrs.Get(ctx, in.ID(), fs.fetchFunc(in.RemoteID()))
	if err != nil {
		return
	}

	attr = fuseops.InodeAttributes{
		Size:   a.Size,
		Nlink:  1,
		Uid:    fs.uid,
		Gid:    fs.gid,
		Atime:  a.Mtime,
		Mtime:  a.Mtime,
		Ctime:  a.Mtime,
		Crtime: a.Mtime,
	}

	switch typed := in.(type) {
	case *inode.DirInode:
		attr.Mode = fs.dirMode
	case *inode.FileInode:
		attr.Mode = fs.fileMode
		typed.Lock()
		if typed.Unlinked() {
			attr.Nlink = 0
		}
		typed.Unlock()
	}

	// Set up the expiration time.
	if fs.attrTTL > 0 {
		expiration = fs.clock.Now().Add(fs.attrTTL)
	}

	return
}

// listChildren returns the children of d in listing order.
//
// LOCKS_EXCLUDED(d)
func (fs *fileSystem) listChildren(ctx context.Context, d *inode.DirInode) ([]metadata.Child, error) {
	d.Lock()
	item := d.Item()
	d.Unlock()

	return fs.dirs.List(ctx, d.ID(), item.ID, item.CTag)
}

// lookUpChild resolves name within parent, through the directory cache.
//
// LOCKS_EXCLUDED(parent)
func (fs *fileSystem) lookUpChild(
	ctx context.Context,
	parent *inode.DirInode,
	name string) (child metadata.Child, err error) {
	c, res := fs.dirs.LookUp(parent.ID(), name)
	switch res {
	case metadata.LookupFound:
		// A provisional entry of a create still in flight has no identity yet.
		if c.Item.ID == "" {
			err = fuse.ENOENT
			return
		}
		child = c
		return

	case metadata.LookupNotFound:
		err = fuse.ENOENT
		return
	}

	children, err := fs.listChildren(ctx, parent)
	if err != nil {
		err = fmt.Errorf("list %q: %w", name, err)
		return
	}

	for _, c := range children {
		if c.Name == name && c.Item.ID != "" {
			child = c
			return
		}
	}

	err = fuse.ENOENT
	return
}

// allocate returns the inode for a child of parent and counts a lookup
// against it, which the caller must hand to the kernel or forget.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) allocate(c metadata.Child, parent fuseops.InodeID) inode.Inode {
	in, created := fs.inodes.Allocate(c.Item, parent, c.Name)
	if !created {
		in.Lock()
		in.SetItem(c.Item)
		in.SetParent(parent, c.Name)
		in.Unlock()
	}

	fs.attrs.Insert(in.ID(), metadata.AttributesFromItem(&c.Item))
	return in
}

// fillEntry fills e for a freshly allocated inode. On failure the lookup
// counted by allocate is given back.
func (fs *fileSystem) fillEntry(
	ctx context.Context,
	in inode.Inode,
	e *fuseops.ChildInodeEntry) (err error) {
	e.Child = in.ID()
	e.Attributes, e.AttributesExpiration, err = fs.getAttributes(ctx, in)
	if err != nil {
		fs.forget(in.ID(), 1)
		err = fmt.Errorf("getAttributes: %w", err)
	}

	return
}

// forget drops n lookups of the inode and disposes of it if it became
// unreferenced.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) forget(id fuseops.InodeID, n uint64) {
	if evicted := fs.inodes.Forget(id, n); evicted != nil {
		fs.dispose(evicted)
	}
}

// dispose erases everything cached for an evicted inode and destroys it.
//
// LOCKS_EXCLUDED(in)
func (fs *fileSystem) dispose(in inode.Inode) {
	fs.attrs.Erase(in.ID())
	if _, ok := in.(*inode.DirInode); ok {
		fs.dirs.Erase(in.ID())
	}

	in.Lock()
	if err := in.Destroy(); err != nil {
		logger.Warnf("Destroying inode %d: %v", in.ID(), err)
	}
	in.Unlock()
}

// markDirty makes the attributes of a file with buffered writes
// authoritative until the writes are committed.
//
// LOCKS_REQUIRED(f)
func (fs *fileSystem) markDirty(f *inode.FileInode) {
	fs.attrs.MarkDirty(f.ID(), metadata.Attributes{
		Size:  f.Size(),
		Mtime: f.Mtime(),
		Kind:  remote.KindFile,
		ETag:  f.Item().ETag,
	})
}

// commitHook returns the function installed on the writers of f. It runs
// under the inode lock, from inside the writer.
func (fs *fileSystem) commitHook(f *inode.FileInode) func(item *remote.Item) {
	return func(item *remote.Item) {
		f.SetCommitted(*item)
		fs.attrs.Acknowledge(f.ID(), metadata.AttributesFromItem(item))

		parent, _ := f.Parent()
		fs.dirs.UpdateItem(parent, item)
		logger.Debugf("Committed %q: %d bytes, etag %q", item.ID, item.Size, item.ETag)
	}
}

func (fs *fileSystem) onTransition(id remote.ItemID) bufferedwrites.TransitionFunc {
	return func(from, to bufferedwrites.SessionState) {
		logger.Tracef("Upload session of %q: %v -> %v", id, from, to)
		fs.metricHandle.UploadSessionTransition(context.Background(), to.String())
	}
}

// newWriter creates a write handler over the committed content of f.
//
// LOCKS_REQUIRED(f)
func (fs *fileSystem) newWriter(f *inode.FileInode) *bufferedwrites.BufferedWriteHandler {
	w := bufferedwrites.NewBWHandler(
		fs.client,
		f.RemoteID(),
		int64(f.Item().Size),
		f.ReadCommitted,
		fs.writeConfig,
		fs.onTransition(f.RemoteID()),
		fs.clock)
	w.SetCommitHook(fs.commitHook(f))
	return w
}

// refreshItem brings the content identity of f up to date with attributes
// fetched beforehand, unless local changes are pending.
//
// LOCKS_REQUIRED(f)
func (fs *fileSystem) refreshItem(f *inode.FileInode, a metadata.Attributes) {
	if w, _ := f.Writer(); w != nil || fs.attrs.IsDirty(f.ID()) {
		return
	}

	item := f.Item()
	item.Size = a.Size
	item.Mtime = a.Mtime
	item.ETag = a.ETag
	f.SetItem(item)
}

// attachWriter makes handle h the writer of f. A writer with uncommitted
// changes stays with its handle until they are committed; a clean one
// passes to h.
//
// LOCKS_REQUIRED(f)
func (fs *fileSystem) attachWriter(f *inode.FileInode, h fuseops.HandleID) error {
	w, owner := f.Writer()
	switch {
	case w == nil:
		f.SetWriter(fs.newWriter(f), h)
	case owner == h:
	case w.Dirty():
		logger.Debugf("File %q has uncommitted writes through handle %d", f.RemoteID(), owner)
		return syscall.EBUSY
	default:
		f.SetWriter(w, h)
	}
	return nil
}

// releaseWriter commits the writer of f and drops it. Bytes that could not
// be committed are reported and abandoned.
//
// LOCKS_REQUIRED(f)
func (fs *fileSystem) releaseWriter(ctx context.Context, f *inode.FileInode) {
	w, _ := f.Writer()
	if w == nil {
		return
	}
	defer f.ClearWriter()

	if f.Unlinked() {
		w.Cancel(ctx)
		fs.attrs.ClearDirty(f.ID())
		return
	}

	if _, err := w.Sync(ctx); err != nil {
		lost := w.Cancel(ctx)
		logger.Errorf("Closing %q: could not commit writes, %d bytes lost: %v", f.RemoteID(), lost, err)
		fs.metricHandle.UploadBytesLost(ctx, lost)
		fs.attrs.ClearDirty(f.ID())
	}
}

// syncFile commits the buffered writes of f, if any. On failure the dirty
// attributes stay authoritative so that the caller may retry.
//
// LOCKS_REQUIRED(f)
func (fs *fileSystem) syncFile(ctx context.Context, f *inode.FileInode) error {
	w, _ := f.Writer()
	if w == nil || f.Unlinked() {
		return nil
	}

	if _, err := w.Sync(ctx); err != nil {
		fs.markDirty(f)
		return fmt.Errorf("sync %q: %w", f.RemoteID(), err)
	}

	return nil
}

// reserveHandleID hands out a fresh handle ID.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) reserveHandleID() fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := fs.nextHandleID
	fs.nextHandleID++
	return id
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) registerHandle(id fuseops.HandleID, h interface{}) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.handles[id] = h
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) fileHandle(id fuseops.HandleID) (*handle.FileHandle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fh, ok := fs.handles[id].(*handle.FileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return fh, nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) dirHandle(id fuseops.HandleID) (*handle.DirHandle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dh, ok := fs.handles[id].(*handle.DirHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return dh, nil
}

// checkName normalizes a name received from the kernel.
func checkName(name string) (string, error) {
	if !util.IsValidName(name) {
		return "", fuse.EINVAL
	}
	return util.NormalizeName(name), nil
}

// provisionalChild is the entry of a child being created, before the remote
// has assigned it an identity.
func provisionalChild(parent remote.ItemID, name string, kind remote.Kind, now time.Time) metadata.Child {
	return metadata.Child{
		Name: name,
		Item: remote.Item{
			ParentID: parent,
			Name:     name,
			Kind:     kind,
			Mtime:    now,
		},
	}
}

// createChild creates a file or directory in parent. The directory cache
// shows the child before the remote confirms it and forgets it again if the
// remote refuses. The create fails with EEXIST when the name exists
// remotely, whatever the cache says.
//
// LOCKS_EXCLUDED(parent)
func (fs *fileSystem) createChild(
	ctx context.Context,
	parent *inode.DirInode,
	name string,
	kind remote.Kind) (in inode.Inode, err error) {
	parent.Lock()
	parentItem := parent.Item()
	parent.Unlock()

	m := fs.dirs.InsertChild(parent.ID(), provisionalChild(parentItem.ID, name, kind, fs.clock.Now()))
	item, err := fs.client.CreateItem(ctx, parentItem.ID, name, kind)
	if err != nil {
		fs.dirs.Rollback(m)
		if remote.IsConflict(err) {
			err = fuse.EEXIST
			return
		}
		err = fmt.Errorf("CreateItem: %w", err)
		return
	}

	c := metadata.Child{Name: item.Name, Item: *item}
	fs.dirs.ConfirmChild(m, c)
	in = fs.allocate(c, parent.ID())
	return
}

// removeChild deletes a child of parent, optimistically removing it from
// the directory cache first.
//
// LOCKS_EXCLUDED(parent)
func (fs *fileSystem) removeChild(
	ctx context.Context,
	parent *inode.DirInode,
	c metadata.Child) error {
	m := fs.dirs.RemoveChild(parent.ID(), c.Name)
	if err := fs.client.DeleteItem(ctx, c.Item.ID); err != nil && !remote.IsNotFound(err) {
		fs.dirs.Rollback(m)
		return fmt.Errorf("DeleteItem: %w", err)
	}
	fs.dirs.Confirm(m)

	in, ok := fs.inodes.ByItem(c.Item.ID)
	if !ok {
		return nil
	}

	switch typed := in.(type) {
	case *inode.FileInode:
		typed.Lock()
		typed.MarkUnlinked()
		typed.Unlock()
	case *inode.DirInode:
		fs.dirs.Invalidate(typed.ID())
	}
	fs.inodes.Release(in.ID())
	return nil
}

// isEmpty reports whether the directory c has no children.
func (fs *fileSystem) isEmpty(ctx context.Context, c metadata.Child) (bool, error) {
	if in, ok := fs.inodes.ByItem(c.Item.ID); ok {
		if d, ok := in.(*inode.DirInode); ok {
			children, err := fs.listChildren(ctx, d)
			if err != nil {
				return false, err
			}
			return len(children) == 0, nil
		}
	}

	items, _, err := fs.client.ListChildren(ctx, c.Item.ID, "")
	if err != nil {
		return false, fmt.Errorf("ListChildren: %w", err)
	}
	return len(items) == 0, nil
}

// Refresh reconciles the caches with the remote change feed now.
func (fs *fileSystem) Refresh(ctx context.Context) error {
	return fs.syncer.refresh(ctx)
}

////////////////////////////////////////////////////////////////////////
// FileSystem methods
////////////////////////////////////////////////////////////////////////

// Destroy stops the background sync and cancels every pending upload. Bytes
// that were not committed are lost; they are counted and logged.
func (fs *fileSystem) Destroy() {
	fs.destroyOnce.Do(func() {
		fs.syncer.stop()

		ctx := context.Background()
		for _, in := range fs.inodes.Inodes() {
			f, ok := in.(*inode.FileInode)
			if !ok {
				continue
			}

			f.Lock()
			if w, _ := f.Writer(); w != nil {
				if lost := w.Cancel(ctx); lost > 0 {
					logger.Warnf("Unmounting with %d uncommitted bytes of %q; they are lost", lost, f.RemoteID())
					fs.metricHandle.UploadBytesLost(ctx, lost)
				}
				fs.attrs.ClearDirty(f.ID())
				f.ClearWriter()
			}
			f.Unlock()
		}
	})
}

func (fs *fileSystem) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) (err error) {
	// Use 2^17 as the block size because that is the largest that OS X will
	// pass on.
	op.BlockSize = 1 << 17

	// Similarly with inodes, which the remote does not count.
	op.Inodes = 1 << 50
	op.InodesFree = op.Inodes

	// Prefer large transfers. This is the largest value that OS X will
	// faithfully pass on, according to fuseops/ops.go.
	op.IoSize = 1 << 20

	q := fs.cachedQuota(ctx)
	if q == nil || q.Total == 0 {
		// Simulate a large amount of free space so that the Finder doesn't
		// refuse to copy in files.
		op.Blocks = 1 << 33
		op.BlocksFree = op.Blocks
		op.BlocksAvailable = op.Blocks
		return
	}

	op.Blocks = q.Total / uint64(op.BlockSize)
	op.BlocksFree = q.Remaining / uint64(op.BlockSize)
	op.BlocksAvailable = op.BlocksFree
	return
}

// cachedQuota returns the account quota, fetching it at most once per
// attribute TTL. It returns nil if the remote can not report it.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) cachedQuota(ctx context.Context) *remote.Quota {
	fs.mu.Lock()
	if fs.quota != nil && fs.clock.Now().Before(fs.quotaExpiration) {
		q := fs.quota
		fs.mu.Unlock()
		return q
	}
	fs.mu.Unlock()

	q, err := fs.client.Quota(ctx)
	if err != nil {
		logger.Debugf("Quota unavailable, reporting defaults: %v", err)
		return nil
	}

	fs.mu.Lock()
	fs.quota = q
	fs.quotaExpiration = fs.clock.Now().Add(fs.attrTTL)
	fs.mu.Unlock()
	return q
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) (err error) {
	// Find the parent directory in question.
	parent := fs.inodes.DirInodeOrDie(op.Parent)

	name, err := checkName(op.Name)
	if err != nil {
		return
	}

	c, err := fs.lookUpChild(ctx, parent, name)
	if err != nil {
		return
	}

	child := fs.allocate(c, parent.ID())
	err = fs.fillEntry(ctx, child, &op.Entry)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) (err error) {
	in := fs.inodes.InodeOrDie(op.Inode)

	op.Attributes, op.AttributesExpiration, err = fs.getAttributes(ctx, in)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) (err error) {
	if fs.readOnly && (op.Size != nil || op.Mtime != nil || op.Mode != nil) {
		err = syscall.EROFS
		return
	}

	in := fs.inodes.InodeOrDie(op.Inode)
	file, isFile := in.(*inode.FileInode)

	if isFile && (op.Size != nil || op.Mtime != nil) {
		err = fs.setFileAttributes(ctx, file, op.Size, op.Mtime)
		if err != nil {
			return
		}
	} else if op.Size != nil {
		err = syscall.EISDIR
		return
	}

	// We silently ignore updates to mode and atime.

	// Fill in the response.
	op.Attributes, op.AttributesExpiration, err = fs.getAttributes(ctx, in)
	if err != nil {
		err = fmt.Errorf("getAttributes: %w", err)
	}
	return
}

// setFileAttributes truncates f and sets its mtime. A truncate of a file
// nobody writes is committed at once; everything else goes to the writer.
// Without a writer the mtime is not stored, since the remote keeps its own.
//
// LOCKS_EXCLUDED(f)
func (fs *fileSystem) setFileAttributes(
	ctx context.Context,
	f *inode.FileInode,
	size *uint64,
	mtime *time.Time) (err error) {
	var a metadata.Attributes
	if size != nil {
		a, err = fs.attrs.Get(ctx, f.ID(), fs.fetchFunc(f.RemoteID()))
		if err != nil {
			err = fmt.Errorf("getAttributes: %w", err)
			return
		}
	}

	f.Lock()
	defer f.Unlock()

	w, _ := f.Writer()
	if size != nil {
		if w == nil {
			fs.refreshItem(f, a)
			err = fs.truncateCommitted(ctx, f, int64(*size))
			if err != nil {
				return
			}
		} else {
			err = w.Truncate(ctx, int64(*size))
			fs.markDirty(f)
			if err != nil {
				err = fmt.Errorf("Truncate: %w", err)
				return
			}
		}
	}

	if mtime != nil && w != nil {
		w.SetMtime(*mtime)
		fs.markDirty(f)
	}

	return
}

// truncateCommitted sets the size of a file with no writer by committing a
// new version right away.
//
// LOCKS_REQUIRED(f)
func (fs *fileSystem) truncateCommitted(ctx context.Context, f *inode.FileInode, size int64) error {
	if f.Unlinked() || uint64(size) == f.Item().Size {
		return nil
	}

	w := fs.newWriter(f)
	if err := w.Truncate(ctx, size); err != nil {
		return fmt.Errorf("Truncate: %w", err)
	}
	if _, err := w.Sync(ctx); err != nil {
		w.Cancel(ctx)
		return fmt.Errorf("Truncate: %w", err)
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) (err error) {
	fs.forget(op.Inode, op.N)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) BatchForget(
	ctx context.Context,
	op *fuseops.BatchForgetOp) (err error) {
	for _, e := range op.Entries {
		fs.forget(e.Inode, e.N)
	}
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) (err error) {
	if fs.readOnly {
		err = syscall.EROFS
		return
	}

	parent := fs.inodes.DirInodeOrDie(op.Parent)
	name, err := checkName(op.Name)
	if err != nil {
		return
	}

	child, err := fs.createChild(ctx, parent, name, remote.KindDirectory)
	if err != nil {
		return
	}

	err = fs.fillEntry(ctx, child, &op.Entry)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) (err error) {
	if fs.readOnly {
		err = syscall.EROFS
		return
	}

	parent := fs.inodes.DirInodeOrDie(op.Parent)
	name, err := checkName(op.Name)
	if err != nil {
		return
	}

	child, err := fs.createChild(ctx, parent, name, remote.KindFile)
	if err != nil {
		return
	}

	err = fs.fillEntry(ctx, child, &op.Entry)
	if err != nil {
		return
	}

	// The new handle is the writer of the file.
	f := child.(*inode.FileInode)
	handleID := fs.reserveHandleID()
	fs.inodes.AcquireHandle(f.ID())

	f.Lock()
	err = fs.attachWriter(f, handleID)
	f.Unlock()
	if err != nil {
		if evicted := fs.inodes.ReleaseHandle(f.ID()); evicted != nil {
			fs.dispose(evicted)
		}
		return
	}

	fs.registerHandle(handleID, handle.NewFileHandle(f, fs.newReader(f.RemoteID()), util.NewOpenMode(util.ReadWrite, 0)))
	op.Handle = handleID
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) (err error) {
	if fs.readOnly {
		err = syscall.EROFS
		return
	}

	parent := fs.inodes.DirInodeOrDie(op.Parent)
	name, err := checkName(op.Name)
	if err != nil {
		return
	}

	c, err := fs.lookUpChild(ctx, parent, name)
	if err != nil {
		return
	}
	if c.Item.Kind != remote.KindDirectory {
		err = fuse.ENOTDIR
		return
	}

	// The remote deletes directories recursively, so emptiness is checked
	// here.
	empty, err := fs.isEmpty(ctx, c)
	if err != nil {
		return
	}
	if !empty {
		err = fuse.ENOTEMPTY
		return
	}

	err = fs.removeChild(ctx, parent, c)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) (err error) {
	if fs.readOnly {
		err = syscall.EROFS
		return
	}

	parent := fs.inodes.DirInodeOrDie(op.Parent)
	name, err := checkName(op.Name)
	if err != nil {
		return
	}

	c, err := fs.lookUpChild(ctx, parent, name)
	if err != nil {
		return
	}
	if c.Item.Kind == remote.KindDirectory {
		err = syscall.EISDIR
		return
	}

	err = fs.removeChild(ctx, parent, c)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) (err error) {
	if fs.readOnly {
		err = syscall.EROFS
		return
	}

	oldParent := fs.inodes.DirInodeOrDie(op.OldParent)
	newParent := fs.inodes.DirInodeOrDie(op.NewParent)

	oldName, err := checkName(op.OldName)
	if err != nil {
		return
	}
	newName, err := checkName(op.NewName)
	if err != nil {
		return
	}

	src, err := fs.lookUpChild(ctx, oldParent, oldName)
	if err != nil {
		return
	}

	// The remote refuses to overwrite, so an existing target is deleted
	// first, with the checks rename(2) makes.
	target, err := fs.lookUpChild(ctx, newParent, newName)
	switch {
	case err == nil:
		if target.Item.ID == src.Item.ID {
			return nil
		}
		err = fs.replaceTarget(ctx, newParent, src, target)
		if err != nil {
			return
		}
	case err == fuse.ENOENT:
		err = nil
	default:
		return
	}

	newParent.Lock()
	newParentItem := newParent.Item()
	newParent.Unlock()

	moved := src.Item
	moved.Name = newName
	moved.ParentID = newParentItem.ID

	// Show the rename at once; undo it if the remote refuses.
	rm := fs.dirs.RemoveChild(oldParent.ID(), oldName)
	ins := fs.dirs.InsertChild(newParent.ID(), metadata.Child{Name: newName, Item: moved})

	item, err := fs.client.RenameItem(ctx, src.Item.ID, newParentItem.ID, newName)
	if err != nil {
		fs.dirs.Rollback(ins)
		fs.dirs.Rollback(rm)
		err = fmt.Errorf("RenameItem: %w", err)
		return
	}

	fs.dirs.ConfirmChild(ins, metadata.Child{Name: newName, Item: *item})
	fs.dirs.Confirm(rm)

	if in, ok := fs.inodes.ByItem(item.ID); ok {
		in.Lock()
		in.SetItem(*item)
		in.SetParent(newParent.ID(), newName)
		in.Unlock()
		fs.attrs.Insert(in.ID(), metadata.AttributesFromItem(item))
	}

	return
}

// replaceTarget deletes the existing target of a rename.
//
// LOCKS_EXCLUDED(dir)
func (fs *fileSystem) replaceTarget(
	ctx context.Context,
	dir *inode.DirInode,
	src metadata.Child,
	target metadata.Child) error {
	srcIsDir := src.Item.Kind == remote.KindDirectory
	targetIsDir := target.Item.Kind == remote.KindDirectory

	switch {
	case targetIsDir && !srcIsDir:
		return syscall.EISDIR
	case !targetIsDir && srcIsDir:
		return fuse.ENOTDIR
	case targetIsDir:
		empty, err := fs.isEmpty(ctx, target)
		if err != nil {
			return err
		}
		if !empty {
			return fuse.ENOTEMPTY
		}
	}

	return fs.removeChild(ctx, dir, target)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) (err error) {
	in := fs.inodes.DirInodeOrDie(op.Inode)
	fs.inodes.AcquireHandle(in.ID())

	handleID := fs.reserveHandleID()
	fs.registerHandle(handleID, handle.NewDirHandle(in))
	op.Handle = handleID

	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) (err error) {
	// Find the handle.
	dh, err := fs.dirHandle(op.Handle)
	if err != nil {
		return
	}

	dh.Mu.Lock()
	defer dh.Mu.Unlock()

	// Serve the request.
	err = dh.ReadDir(ctx, op, func(ctx context.Context) ([]metadata.Child, error) {
		return fs.listChildren(ctx, dh.Inode())
	})

	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) (err error) {
	fs.mu.Lock()
	dh, ok := fs.handles[op.Handle].(*handle.DirHandle)
	if ok {
		delete(fs.handles, op.Handle)
	}
	fs.mu.Unlock()

	if !ok {
		logger.Warnf("ReleaseDirHandle: unknown directory handle %d", op.Handle)
		err = fuse.EINVAL
		return
	}

	if evicted := fs.inodes.ReleaseHandle(dh.Inode().ID()); evicted != nil {
		fs.dispose(evicted)
	}

	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) (err error) {
	in := fs.inodes.FileInodeOrDie(op.Inode)
	openMode := util.FileOpenMode(util.KernelOpenFlags(op.OpenFlags))

	if openMode.CanWrite() && fs.readOnly {
		err = syscall.EROFS
		return
	}

	handleID := fs.reserveHandleID()
	fs.inodes.AcquireHandle(in.ID())

	if openMode.CanWrite() {
		err = fs.openForWrite(ctx, in, handleID)
		if err != nil {
			if evicted := fs.inodes.ReleaseHandle(in.ID()); evicted != nil {
				fs.dispose(evicted)
			}
			return
		}
	}

	fs.registerHandle(handleID, handle.NewFileHandle(in, fs.newReader(in.RemoteID()), openMode))
	op.Handle = handleID

	// The remote item may change under an inode, so the page cache is not
	// kept from open to open.
	op.KeepPageCache = false

	return
}

// openForWrite makes h the writer of f, based on the committed content as
// the attribute cache knows it.
//
// LOCKS_EXCLUDED(f)
func (fs *fileSystem) openForWrite(ctx context.Context, f *inode.FileInode, h fuseops.HandleID) error {
	a, err := fs.attrs.Get(ctx, f.ID(), fs.fetchFunc(f.RemoteID()))
	if err != nil {
		return fmt.Errorf("getAttributes: %w", err)
	}

	f.Lock()
	defer f.Unlock()

	fs.refreshItem(f, a)
	return fs.attachWriter(f, h)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) (err error) {
	// Find the handle and lock it.
	fh, err := fs.fileHandle(op.Handle)
	if err != nil {
		return
	}

	fh.Lock()
	defer fh.Unlock()

	// Serve the read.
	op.BytesRead, err = fh.Read(ctx, op.Dst, op.Offset, fs.attrsFunc(fh.Inode()))

	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) (err error) {
	fh, err := fs.fileHandle(op.Handle)
	if err != nil {
		return
	}
	if !fh.OpenMode().CanWrite() {
		err = syscall.EBADF
		return
	}

	f := fh.Inode()
	f.Lock()
	defer f.Unlock()

	// Another write handle may have taken over the writer, or committed and
	// dropped it.
	if _, owner := f.Writer(); owner != op.Handle {
		if err = fs.attachWriter(f, op.Handle); err != nil {
			return
		}
	}
	w, _ := f.Writer()

	// Serve the request.
	err = w.Write(ctx, op.Data, op.Offset)
	fs.markDirty(f)
	if err != nil {
		err = fmt.Errorf("Write: %w", err)
	}

	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) (err error) {
	f := fs.inodes.FileInodeOrDie(op.Inode)

	f.Lock()
	defer f.Unlock()

	err = fs.syncFile(ctx, f)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) (err error) {
	f := fs.inodes.FileInodeOrDie(op.Inode)

	f.Lock()
	defer f.Unlock()

	// Only the writer's own close commits; readers closing do not.
	if _, owner := f.Writer(); owner != op.Handle {
		return
	}

	err = fs.syncFile(ctx, f)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) (err error) {
	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*handle.FileHandle)
	if ok {
		delete(fs.handles, op.Handle)
	}
	fs.mu.Unlock()

	if !ok {
		logger.Warnf("ReleaseFileHandle: unknown file handle %d", op.Handle)
		err = fuse.EINVAL
		return
	}

	fh.Lock()
	fh.Destroy()
	fh.Unlock()

	// The handle is gone only once its writes are committed or reported
	// lost.
	f := fh.Inode()
	f.Lock()
	if _, owner := f.Writer(); owner == op.Handle {
		fs.releaseWriter(context.WithoutCancel(ctx), f)
	}
	f.Unlock()

	if evicted := fs.inodes.ReleaseHandle(f.ID()); evicted != nil {
		fs.dispose(evicted)
	}

	return
}
