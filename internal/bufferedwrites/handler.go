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

package bufferedwrites

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/timeutil"
)

// Note: all calls come from the file inode with its lock held, so there is
// no locking here.

// HandlerConfig holds the tunables of a BufferedWriteHandler.
type HandlerConfig struct {
	// Size of upload chunks. Every chunk but the last is a multiple of it.
	ChunkSize int64

	// Pending bytes at which whole chunks are uploaded ahead of a sync.
	FlushThreshold int64

	RetryPolicy remote.RetryPolicy
}

// BufferedWriteHandler buffers the writes to one file and uploads them
// through at most one UploadSession at a time.
//
// Large files are uploaded incrementally: once the buffered bytes reach the
// flush threshold, the whole chunks below the current size are uploaded
// with the total left open and held aside until the session commits. A sync uploads the
// rest with the now known total and finalizes. Because a session replaces
// the whole item, a write or truncate below the uploaded offset first
// commits the session.
type BufferedWriteHandler struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	client       remote.Client
	base         BaseReader
	onTransition TransitionFunc
	clock        timeutil.Clock

	// Called with each committed item, including commits forced by a write
	// or truncate below the uploaded offset.
	onCommit func(item *remote.Item)

	/////////////////////////
	// Constant data
	/////////////////////////

	itemID remote.ItemID
	config HandlerConfig

	/////////////////////////
	// Mutable state
	/////////////////////////

	buf *WriteBuffer

	// The session holding drained bytes, or nil.
	session *UploadSession

	// Stores the mtime value updated by kernel as part of setInodeAttributes
	// call.
	mtime time.Time

	// Set once the remote refused a chunk without the total size. Writes are
	// then buffered until a sync.
	aheadUnsupported bool
}

// WriteFileInfo is used as part of serving file inode attributes.
type WriteFileInfo struct {
	TotalSize int64
	Mtime     time.Time
}

// NewBWHandler creates a handler for the item itemID whose committed content
// has baseSize bytes and is read through base.
func NewBWHandler(
	client remote.Client,
	itemID remote.ItemID,
	baseSize int64,
	base BaseReader,
	config HandlerConfig,
	onTransition TransitionFunc,
	clock timeutil.Clock) *BufferedWriteHandler {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 10 << 20
	}
	return &BufferedWriteHandler{
		client:       client,
		base:         base,
		onTransition: onTransition,
		clock:        clock,
		itemID:       itemID,
		config:       config,
		buf:          NewWriteBuffer(baseSize),
		mtime:        clock.Now(),
	}
}

// SetCommitHook installs f to be called with every item the handler
// commits.
func (wh *BufferedWriteHandler) SetCommitHook(f func(item *remote.Item)) {
	wh.onCommit = f
}

// Dirty reports whether there are changes not yet committed.
func (wh *BufferedWriteHandler) Dirty() bool {
	return wh.buf.Modified() || wh.session != nil
}

// SessionState returns the state of the current session, if any.
func (wh *BufferedWriteHandler) SessionState() (SessionState, bool) {
	if wh.session == nil {
		return 0, false
	}
	return wh.session.State(), true
}

// SetMtime stores the mtime with the handler.
func (wh *BufferedWriteHandler) SetMtime(mtime time.Time) {
	wh.mtime = mtime
}

// WriteFileInfo returns the size of the content described by the buffer and
// the mtime.
func (wh *BufferedWriteHandler) WriteFileInfo() WriteFileInfo {
	return WriteFileInfo{
		TotalSize: wh.buf.Size(),
		Mtime:     wh.mtime,
	}
}

// PendingBytes returns the number of buffered bytes not yet uploaded.
func (wh *BufferedWriteHandler) PendingBytes() int64 {
	return wh.buf.PendingBytes()
}

// drainedBelow reports whether off falls in the range handed to the session.
func (wh *BufferedWriteHandler) drainedBelow(off int64) bool {
	return wh.session != nil && off < wh.session.Committed()
}

// Write writes data at offset. It may commit the current session first, or
// upload whole chunks ahead when the buffer reaches the flush threshold.
func (wh *BufferedWriteHandler) Write(ctx context.Context, data []byte, offset int64) error {
	if wh.drainedBelow(offset) {
		if _, err := wh.Sync(ctx); err != nil {
			return err
		}
	}
	if err := wh.buf.Write(offset, data); err != nil {
		return err
	}
	wh.mtime = wh.clock.Now()

	if wh.config.FlushThreshold > 0 && !wh.aheadUnsupported && wh.buf.PendingBytes() >= wh.config.FlushThreshold {
		return wh.flushAhead(ctx)
	}
	return nil
}

// Truncate sets the file size to size.
func (wh *BufferedWriteHandler) Truncate(ctx context.Context, size int64) error {
	if wh.drainedBelow(size) {
		if _, err := wh.Sync(ctx); err != nil {
			return err
		}
	}
	if err := wh.buf.Truncate(size); err != nil {
		return err
	}
	wh.mtime = wh.clock.Now()
	return nil
}

// ReadAt reads the content as written so far, including bytes already
// uploaded ahead.
func (wh *BufferedWriteHandler) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return wh.buf.ReadAt(ctx, p, offset, wh.base)
}

func (wh *BufferedWriteHandler) openSession(ctx context.Context) error {
	if wh.session != nil {
		return nil
	}
	s := NewUploadSession(wh.client, wh.config.RetryPolicy, remote.UploadTarget{ItemID: wh.itemID}, wh.onTransition)
	wh.session = s
	if err := s.Open(ctx); err != nil {
		wh.session = nil
		return err
	}
	return nil
}

// sessionFailed forgets a failed session. The bytes it held return to the
// buffer so that the next sync uploads them again in a new session.
func (wh *BufferedWriteHandler) sessionFailed(err error) error {
	if held := wh.buf.HeldBytes(); held > 0 {
		logger.Warnf("Upload of %q failed; %d bytes uploaded ahead will be sent again: %v", wh.itemID, held, err)
	}
	wh.session = nil
	wh.buf.ResetDrain()
	if use, ok := err.(*UploadSessionError); ok {
		return use
	}
	return &UploadSessionError{Op: "upload", Err: err}
}

// uploadRange submits the content in [from, to) in chunks.
func (wh *BufferedWriteHandler) uploadRange(ctx context.Context, from, to int64, totalSize int64) error {
	chunk := make([]byte, wh.config.ChunkSize)
	for off := from; off < to; {
		n := min(wh.config.ChunkSize, to-off)
		p := chunk[:n]
		filled, err := wh.buf.ReadAt(ctx, p, off, wh.base)
		if err != nil {
			return fmt.Errorf("read content at %d: %w", off, err)
		}
		if int64(filled) != n {
			return fmt.Errorf("short content read at %d: %d of %d bytes", off, filled, n)
		}
		if err := wh.session.Upload(ctx, p, off, totalSize); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// flushAhead uploads the whole chunks strictly below the current size and
// holds them aside in the buffer. At least one byte always stays behind for
// the final chunk, which carries the total size.
func (wh *BufferedWriteHandler) flushAhead(ctx context.Context) error {
	size := wh.buf.Size()
	if size == 0 {
		return nil
	}
	upTo := ((size - 1) / wh.config.ChunkSize) * wh.config.ChunkSize
	from := int64(0)
	if wh.session != nil {
		from = wh.session.Committed()
	}
	if upTo <= from {
		return nil
	}

	if err := wh.openSession(ctx); err != nil {
		return wh.sessionFailed(err)
	}
	if err := wh.session.BeginFlush(); err != nil {
		return err
	}
	if err := wh.uploadRange(ctx, from, upTo, -1); err != nil {
		wh.session.Cancel(ctx)
		err = wh.sessionFailed(err)
		if errors.Is(err, remote.ErrNotSupported) {
			logger.Infof("Remote needs the total size of %q up front; buffering until sync", wh.itemID)
			wh.aheadUnsupported = true
			return nil
		}
		return err
	}
	if err := wh.session.EndFlush(); err != nil {
		return err
	}
	wh.buf.Drain(upTo)
	logger.Debugf("Uploaded %d bytes of %q ahead of sync", upTo-from, wh.itemID)
	return nil
}

// Sync uploads everything not yet committed and finalizes the item. It
// returns the committed item, or nil if there was nothing to commit. On
// failure the buffer keeps all of its bytes, including those the failed
// session held, for a retry.
func (wh *BufferedWriteHandler) Sync(ctx context.Context) (*remote.Item, error) {
	if !wh.Dirty() {
		return nil, nil
	}
	size := wh.buf.Size()

	if err := wh.openSession(ctx); err != nil {
		return nil, wh.sessionFailed(err)
	}
	s := wh.session
	if err := s.BeginFlush(); err != nil {
		return nil, err
	}
	if err := wh.uploadRange(ctx, s.Committed(), size, size); err != nil {
		s.Cancel(ctx)
		return nil, wh.sessionFailed(err)
	}
	item, err := s.Finalize(ctx, size)
	if err != nil {
		return nil, wh.sessionFailed(err)
	}

	wh.session = nil
	wh.buf.Reset(int64(item.Size))
	if wh.onCommit != nil {
		wh.onCommit(item)
	}
	return item, nil
}

// Cancel abandons any session and the buffered bytes, e.g. on unmount or
// unlink. It returns how many written bytes were never committed.
func (wh *BufferedWriteHandler) Cancel(ctx context.Context) (lost int64) {
	if !wh.Dirty() {
		return 0
	}
	lost = wh.buf.PendingBytes() + wh.buf.HeldBytes()
	if wh.session != nil {
		wh.session.Cancel(ctx)
		wh.session = nil
	}
	return lost
}
