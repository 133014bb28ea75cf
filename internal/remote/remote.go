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

// Package remote defines the boundary between the file system and the remote
// drive: the items it stores, the operations the file system issues against
// it, and the errors those operations fail with.
package remote

import (
	"context"
	"time"
)

// ItemID is the identifier the remote drive assigns to an item. It is stable
// across renames and moves.
type ItemID string

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Item is the metadata of one remote file or directory.
type Item struct {
	ID       ItemID
	ParentID ItemID
	Name     string
	Kind     Kind
	Size     uint64
	Mtime    time.Time

	// ETag changes whenever the item's content or metadata changes.
	ETag string

	// CTag changes whenever the item's content changes. For directories it
	// changes when the set of children changes.
	CTag string
}

// UploadTarget names the item an upload session replaces. Either ItemID is
// set, or ParentID and Name name a new file.
type UploadTarget struct {
	ItemID   ItemID
	ParentID ItemID
	Name     string
}

// UploadSession is the remote side of a resumable upload.
type UploadSession struct {
	// URL accepts the chunks of this session.
	URL        string
	Target     UploadTarget
	Expiration time.Time

	// Result is set by the client once the last chunk has been accepted and
	// the remote has created the new version of the item.
	Result *Item
}

// Change is one entry of the remote change feed.
type Change struct {
	Item    Item
	Deleted bool
}

// ChangeSet is one page of the change feed.
type ChangeSet struct {
	Changes []Change

	// Cursor resumes the feed after this page.
	Cursor string

	// Reset is set when the cursor passed in was no longer valid and the
	// feed restarted from the current state; every cached entry must be
	// treated as stale.
	Reset bool

	// More is set when further pages are immediately available.
	More bool
}

// Quota describes the storage of the account.
type Quota struct {
	Total     uint64
	Used      uint64
	Remaining uint64
}

// Client issues operations against the remote drive. Implementations must be
// safe for concurrent use. Errors are of the types in errors.go.
type Client interface {
	// Root returns the root directory of the drive.
	Root(ctx context.Context) (*Item, error)

	GetItem(ctx context.Context, id ItemID) (*Item, error)

	// ListChildren returns one page of the children of a directory. An empty
	// pageToken starts the enumeration; an empty next token ends it.
	ListChildren(ctx context.Context, id ItemID, pageToken string) (items []*Item, next string, err error)

	// ReadRange returns up to length bytes at offset. Fewer bytes are returned
	// only at the end of the item.
	ReadRange(ctx context.Context, id ItemID, offset int64, length int64) ([]byte, error)

	// CreateItem creates an empty file or a directory. It fails with a
	// *ConflictError when the name already exists remotely.
	CreateItem(ctx context.Context, parent ItemID, name string, kind Kind) (*Item, error)

	DeleteItem(ctx context.Context, id ItemID) error

	RenameItem(ctx context.Context, id ItemID, newParent ItemID, newName string) (*Item, error)

	OpenUploadSession(ctx context.Context, target UploadTarget) (*UploadSession, error)

	// UploadChunk sends data at offset and returns the number of bytes the
	// remote has committed contiguously from the start. totalSize is -1 while
	// the final size is unknown; remotes that need the total with every chunk
	// return ErrNotSupported for such chunks.
	UploadChunk(ctx context.Context, s *UploadSession, offset int64, data []byte, totalSize int64) (committed int64, err error)

	// QueryUploadSession returns the committed offset of a session, or
	// ErrNotSupported when the remote can not report it.
	QueryUploadSession(ctx context.Context, s *UploadSession) (committed int64, err error)

	// FinalizeSession completes a session whose bytes have all been
	// committed and returns the new version of the item.
	FinalizeSession(ctx context.Context, s *UploadSession, totalSize int64) (*Item, error)

	CancelUploadSession(ctx context.Context, s *UploadSession) error

	// Changes returns the changes since cursor. An empty cursor returns the
	// current cursor and no changes.
	Changes(ctx context.Context, cursor string) (*ChangeSet, error)

	Quota(ctx context.Context) (*Quota, error)
}
