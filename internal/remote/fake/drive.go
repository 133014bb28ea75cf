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

// Package fake provides an in-memory remote drive for tests. It keeps every
// item in memory, records a change feed, and lets tests inject failures and
// observe how many calls each operation received.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
)

// Method names accepted by CallCount and FailNext.
const (
	MethodRoot               = "Root"
	MethodGetItem            = "GetItem"
	MethodListChildren       = "ListChildren"
	MethodReadRange          = "ReadRange"
	MethodCreateItem         = "CreateItem"
	MethodDeleteItem         = "DeleteItem"
	MethodRenameItem         = "RenameItem"
	MethodOpenUploadSession  = "OpenUploadSession"
	MethodUploadChunk        = "UploadChunk"
	MethodQueryUploadSession = "QueryUploadSession"
	MethodFinalizeSession    = "FinalizeSession"
	MethodCancelSession      = "CancelUploadSession"
	MethodChanges            = "Changes"
	MethodQuota              = "Quota"
)

type node struct {
	item     remote.Item
	content  []byte
	children map[string]remote.ItemID
}

type session struct {
	target    remote.ItemID
	data      []byte
	cancelled bool
	done      bool
}

// chunkFault makes the next UploadChunk accept only a prefix of its data and
// then fail.
type chunkFault struct {
	accept int
	err    error
}

// Drive is an in-memory remote.Client.
type Drive struct {
	clock timeutil.Clock

	mu sync.Mutex

	// GUARDED_BY(mu)
	nodes        map[remote.ItemID]*node
	rootID       remote.ItemID
	sessions     map[string]*session
	changes      []remote.Change
	calls        map[string]int
	faults       map[string][]error
	chunk        []chunkFault
	pageSize     int
	quota        remote.Quota
	noQuery      bool
	requireTotal bool
	gates        map[string]chan struct{}
}

var _ remote.Client = (*Drive)(nil)

// NewDrive returns an empty drive holding only a root directory.
func NewDrive(clock timeutil.Clock) *Drive {
	d := &Drive{
		clock:    clock,
		nodes:    make(map[remote.ItemID]*node),
		sessions: make(map[string]*session),
		calls:    make(map[string]int),
		faults:   make(map[string][]error),
		gates:    make(map[string]chan struct{}),
		pageSize: 100,
		quota:    remote.Quota{Total: 1 << 40},
	}
	root := &node{
		item: remote.Item{
			ID:    remote.ItemID("root"),
			Name:  "root",
			Kind:  remote.KindDirectory,
			Mtime: clock.Now(),
			ETag:  uuid.NewString(),
			CTag:  uuid.NewString(),
		},
		children: make(map[string]remote.ItemID),
	}
	d.rootID = root.item.ID
	d.nodes[root.item.ID] = root
	return d
}

////////////////////////////////////////////////////////////////////////
// Test hooks
////////////////////////////////////////////////////////////////////////

// RootID returns the id of the root directory.
func (d *Drive) RootID() remote.ItemID {
	return d.rootID
}

// CallCount returns how many times method has been called.
func (d *Drive) CallCount(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (d *Drive) TotalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.calls {
		total += n
	}
	return total
}

// ResetCallCounts forgets all recorded calls.
func (d *Drive) ResetCallCounts() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = make(map[string]int)
}

// FailNext makes the next call of method fail with err. Calls queue up.
func (d *Drive) FailNext(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[method] = append(d.faults[method], err)
}

// FailNextChunk makes the next UploadChunk commit only the first accept bytes
// of its data and then fail with err.
func (d *Drive) FailNextChunk(accept int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunk = append(d.chunk, chunkFault{accept: accept, err: err})
}

// Block makes calls of method wait until the returned function is called.
// The call is counted before it blocks.
func (d *Drive) Block(method string) (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.gates[method] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.gates, method)
			d.mu.Unlock()
			close(ch)
		})
	}
}

// SetPageSize sets how many children ListChildren returns per page.
func (d *Drive) SetPageSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pageSize = n
}

// SetQuota sets the values returned by Quota.
func (d *Drive) SetQuota(q remote.Quota) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quota = q
}

// DisableSessionQuery makes QueryUploadSession return ErrNotSupported.
func (d *Drive) DisableSessionQuery() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noQuery = true
}

// RequireTotalSize makes UploadChunk return ErrNotSupported for chunks whose
// total size is not yet known.
func (d *Drive) RequireTotalSize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requireTotal = true
}

// AddFile creates a file behind the back of any client, as another device
// would.
func (d *Drive) AddFile(parent remote.ItemID, name string, content []byte) (*remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.createLocked(parent, name, remote.KindFile)
	if err != nil {
		return nil, err
	}
	n.content = append([]byte(nil), content...)
	n.item.Size = uint64(len(content))
	d.recordLocked(n, false)
	item := n.item
	return &item, nil
}

// AddDir creates a directory behind the back of any client.
func (d *Drive) AddDir(parent remote.ItemID, name string) (*remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.createLocked(parent, name, remote.KindDirectory)
	if err != nil {
		return nil, err
	}
	item := n.item
	return &item, nil
}

// SetContent replaces the content of a file behind the back of any client.
func (d *Drive) SetContent(id remote.ItemID, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return &remote.NotFoundError{Err: fmt.Errorf("item %q", id)}
	}
	d.replaceContentLocked(n, content)
	return nil
}

// Remove deletes an item behind the back of any client.
func (d *Drive) Remove(id remote.ItemID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteLocked(id)
}

// Content returns a copy of the content of a file.
func (d *Drive) Content(id remote.ItemID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return nil, &remote.NotFoundError{Err: fmt.Errorf("item %q", id)}
	}
	return append([]byte(nil), n.content...), nil
}

// Child returns the child of parent with the given name.
func (d *Drive) Child(parent remote.ItemID, name string) (*remote.Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.nodes[parent]
	if !ok {
		return nil, false
	}
	id, ok := p.children[name]
	if !ok {
		return nil, false
	}
	item := d.nodes[id].item
	return &item, true
}

// ActiveSessions returns the number of sessions neither finished nor
// cancelled.
func (d *Drive) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sessions {
		if !s.cancelled && !s.done {
			n++
		}
	}
	return n
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// enter records a call of method, waits on its gate, and pops an injected
// fault.
//
// LOCKS_EXCLUDED(d.mu)
func (d *Drive) enter(ctx context.Context, method string) error {
	d.mu.Lock()
	d.calls[method]++
	gate := d.gates[method]
	var err error
	if q := d.faults[method]; len(q) > 0 {
		err = q[0]
		d.faults[method] = q[1:]
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// LOCKS_REQUIRED(d.mu)
func (d *Drive) createLocked(parent remote.ItemID, name string, kind remote.Kind) (*node, error) {
	p, ok := d.nodes[parent]
	if !ok || p.item.Kind != remote.KindDirectory {
		return nil, &remote.NotFoundError{Err: fmt.Errorf("parent %q", parent)}
	}
	if _, ok := p.children[name]; ok {
		return nil, &remote.ConflictError{Err: fmt.Errorf("%q already exists", name)}
	}

	n := &node{
		item: remote.Item{
			ID:       remote.ItemID(uuid.NewString()),
			ParentID: parent,
			Name:     name,
			Kind:     kind,
			Mtime:    d.clock.Now(),
			ETag:     uuid.NewString(),
			CTag:     uuid.NewString(),
		},
	}
	if kind == remote.KindDirectory {
		n.children = make(map[string]remote.ItemID)
	}
	d.nodes[n.item.ID] = n
	p.children[name] = n.item.ID
	d.touchDirLocked(p)
	d.recordLocked(n, false)
	return n, nil
}

// LOCKS_REQUIRED(d.mu)
func (d *Drive) deleteLocked(id remote.ItemID) error {
	n, ok := d.nodes[id]
	if !ok || id == d.rootID {
		return &remote.NotFoundError{Err: fmt.Errorf("item %q", id)}
	}
	for _, child := range n.children {
		if err := d.deleteLocked(child); err != nil {
			return err
		}
	}
	if p, ok := d.nodes[n.item.ParentID]; ok {
		delete(p.children, n.item.Name)
		d.touchDirLocked(p)
	}
	delete(d.nodes, id)
	d.recordLocked(n, true)
	return nil
}

// LOCKS_REQUIRED(d.mu)
func (d *Drive) replaceContentLocked(n *node, content []byte) {
	n.content = append([]byte(nil), content...)
	n.item.Size = uint64(len(content))
	n.item.Mtime = d.clock.Now()
	n.item.ETag = uuid.NewString()
	n.item.CTag = uuid.NewString()
	d.recordLocked(n, false)
}

// LOCKS_REQUIRED(d.mu)
func (d *Drive) touchDirLocked(p *node) {
	p.item.CTag = uuid.NewString()
	p.item.ETag = uuid.NewString()
	p.item.Mtime = d.clock.Now()
}

// LOCKS_REQUIRED(d.mu)
func (d *Drive) recordLocked(n *node, deleted bool) {
	d.changes = append(d.changes, remote.Change{Item: n.item, Deleted: deleted})
}

// LOCKS_REQUIRED(d.mu)
func (d *Drive) itemLocked(id remote.ItemID) (*node, error) {
	n, ok := d.nodes[id]
	if !ok {
		return nil, &remote.NotFoundError{Err: fmt.Errorf("item %q", id)}
	}
	return n, nil
}

////////////////////////////////////////////////////////////////////////
// remote.Client
////////////////////////////////////////////////////////////////////////

func (d *Drive) Root(ctx context.Context) (*remote.Item, error) {
	if err := d.enter(ctx, MethodRoot); err != nil {
		return nil, err
	}
	return d.GetItemNoCount(d.rootID)
}

// GetItemNoCount returns an item without recording a call.
func (d *Drive) GetItemNoCount(id remote.ItemID) (*remote.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.itemLocked(id)
	if err != nil {
		return nil, err
	}
	item := n.item
	return &item, nil
}

func (d *Drive) GetItem(ctx context.Context, id remote.ItemID) (*remote.Item, error) {
	if err := d.enter(ctx, MethodGetItem); err != nil {
		return nil, err
	}
	return d.GetItemNoCount(id)
}

func (d *Drive) ListChildren(ctx context.Context, id remote.ItemID, pageToken string) ([]*remote.Item, string, error) {
	if err := d.enter(ctx, MethodListChildren); err != nil {
		return nil, "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.itemLocked(id)
	if err != nil {
		return nil, "", err
	}
	if n.item.Kind != remote.KindDirectory {
		return nil, "", &remote.InvalidArgumentError{Err: fmt.Errorf("%q is not a directory", id)}
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	start := 0
	if pageToken != "" {
		if start, err = strconv.Atoi(pageToken); err != nil {
			return nil, "", &remote.InvalidArgumentError{Err: fmt.Errorf("page token %q", pageToken)}
		}
	}
	end := min(start+d.pageSize, len(names))

	var items []*remote.Item
	for _, name := range names[start:end] {
		item := d.nodes[n.children[name]].item
		items = append(items, &item)
	}
	next := ""
	if end < len(names) {
		next = strconv.Itoa(end)
	}
	return items, next, nil
}

func (d *Drive) ReadRange(ctx context.Context, id remote.ItemID, offset int64, length int64) ([]byte, error) {
	if err := d.enter(ctx, MethodReadRange); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.itemLocked(id)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, &remote.InvalidArgumentError{Err: fmt.Errorf("range %d+%d", offset, length)}
	}
	if offset >= int64(len(n.content)) {
		return nil, nil
	}
	end := min(offset+length, int64(len(n.content)))
	return append([]byte(nil), n.content[offset:end]...), nil
}

func (d *Drive) CreateItem(ctx context.Context, parent remote.ItemID, name string, kind remote.Kind) (*remote.Item, error) {
	if err := d.enter(ctx, MethodCreateItem); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.createLocked(parent, name, kind)
	if err != nil {
		return nil, err
	}
	item := n.item
	return &item, nil
}

func (d *Drive) DeleteItem(ctx context.Context, id remote.ItemID) error {
	if err := d.enter(ctx, MethodDeleteItem); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteLocked(id)
}

func (d *Drive) RenameItem(ctx context.Context, id remote.ItemID, newParent remote.ItemID, newName string) (*remote.Item, error) {
	if err := d.enter(ctx, MethodRenameItem); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.itemLocked(id)
	if err != nil {
		return nil, err
	}
	np, err := d.itemLocked(newParent)
	if err != nil {
		return nil, err
	}
	if existing, ok := np.children[newName]; ok && existing != id {
		return nil, &remote.ConflictError{Err: fmt.Errorf("%q already exists", newName)}
	}

	op := d.nodes[n.item.ParentID]
	delete(op.children, n.item.Name)
	d.touchDirLocked(op)
	np.children[newName] = id
	d.touchDirLocked(np)
	n.item.ParentID = newParent
	n.item.Name = newName
	n.item.ETag = uuid.NewString()
	d.recordLocked(n, false)

	item := n.item
	return &item, nil
}

func (d *Drive) OpenUploadSession(ctx context.Context, target remote.UploadTarget) (*remote.UploadSession, error) {
	if err := d.enter(ctx, MethodOpenUploadSession); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := target.ItemID
	if id == "" {
		n, err := d.createLocked(target.ParentID, target.Name, remote.KindFile)
		if err != nil {
			return nil, err
		}
		id = n.item.ID
	} else if _, err := d.itemLocked(id); err != nil {
		return nil, err
	}

	url := "https://upload.example/" + uuid.NewString()
	d.sessions[url] = &session{target: id}
	return &remote.UploadSession{
		URL:        url,
		Target:     remote.UploadTarget{ItemID: id},
		Expiration: d.clock.Now().Add(24 * time.Hour),
	}, nil
}

// LOCKS_REQUIRED(d.mu)
func (d *Drive) sessionLocked(s *remote.UploadSession) (*session, error) {
	fs, ok := d.sessions[s.URL]
	if !ok || fs.cancelled {
		return nil, &remote.NotFoundError{Err: fmt.Errorf("upload session %q", s.URL)}
	}
	return fs, nil
}

// LOCKS_REQUIRED(d.mu)
func (d *Drive) completeLocked(s *remote.UploadSession, fs *session) (*remote.Item, error) {
	n, err := d.itemLocked(fs.target)
	if err != nil {
		return nil, err
	}
	d.replaceContentLocked(n, fs.data)
	fs.done = true
	item := n.item
	s.Result = &item
	return &item, nil
}

func (d *Drive) UploadChunk(ctx context.Context, s *remote.UploadSession, offset int64, data []byte, totalSize int64) (int64, error) {
	if err := d.enter(ctx, MethodUploadChunk); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	fs, err := d.sessionLocked(s)
	if err != nil {
		return 0, err
	}
	committed := int64(len(fs.data))
	if d.requireTotal && totalSize < 0 {
		return committed, remote.ErrNotSupported
	}
	if offset > committed {
		return committed, &remote.InvalidArgumentError{Err: fmt.Errorf("chunk at %d leaves a gap after %d", offset, committed)}
	}
	// Bytes before the committed offset were already accepted.
	if skip := committed - offset; skip >= int64(len(data)) {
		data = nil
	} else {
		data = data[skip:]
	}

	var fault *chunkFault
	if len(d.chunk) > 0 {
		fault = &d.chunk[0]
		d.chunk = d.chunk[1:]
		data = data[:min(fault.accept, len(data))]
	}
	fs.data = append(fs.data, data...)
	committed = int64(len(fs.data))
	if fault != nil {
		return committed, fault.err
	}

	if totalSize >= 0 && committed == totalSize {
		if _, err := d.completeLocked(s, fs); err != nil {
			return committed, err
		}
	}
	return committed, nil
}

func (d *Drive) QueryUploadSession(ctx context.Context, s *remote.UploadSession) (int64, error) {
	if err := d.enter(ctx, MethodQueryUploadSession); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noQuery {
		return 0, remote.ErrNotSupported
	}
	fs, err := d.sessionLocked(s)
	if err != nil {
		return 0, err
	}
	return int64(len(fs.data)), nil
}

func (d *Drive) FinalizeSession(ctx context.Context, s *remote.UploadSession, totalSize int64) (*remote.Item, error) {
	if err := d.enter(ctx, MethodFinalizeSession); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s.Result != nil {
		item := *s.Result
		return &item, nil
	}
	fs, err := d.sessionLocked(s)
	if err != nil {
		return nil, err
	}
	if int64(len(fs.data)) != totalSize {
		return nil, &remote.InvalidArgumentError{Err: fmt.Errorf("finalize at %d with %d bytes committed", totalSize, len(fs.data))}
	}
	return d.completeLocked(s, fs)
}

func (d *Drive) CancelUploadSession(ctx context.Context, s *remote.UploadSession) error {
	if err := d.enter(ctx, MethodCancelSession); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	fs, ok := d.sessions[s.URL]
	if !ok {
		return &remote.NotFoundError{Err: errors.New("unknown upload session")}
	}
	fs.cancelled = true
	return nil
}

func (d *Drive) Changes(ctx context.Context, cursor string) (*remote.ChangeSet, error) {
	if err := d.enter(ctx, MethodChanges); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	current := strconv.Itoa(len(d.changes))
	if cursor == "" {
		return &remote.ChangeSet{Cursor: current}, nil
	}
	pos, err := strconv.Atoi(cursor)
	if err != nil || pos > len(d.changes) {
		return &remote.ChangeSet{Cursor: current, Reset: true}, nil
	}

	end := min(pos+d.pageSize, len(d.changes))
	cs := &remote.ChangeSet{
		Changes: append([]remote.Change(nil), d.changes[pos:end]...),
		Cursor:  strconv.Itoa(end),
		More:    end < len(d.changes),
	}
	return cs, nil
}

func (d *Drive) Quota(ctx context.Context) (*remote.Quota, error) {
	if err := d.enter(ctx, MethodQuota); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.quota
	if q.Remaining == 0 && q.Total >= q.Used {
		q.Remaining = q.Total - q.Used
	}
	return &q, nil
}
