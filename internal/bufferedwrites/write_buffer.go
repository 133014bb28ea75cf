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

// Package bufferedwrites accumulates writes to one file and drives the
// chunked upload session that replaces the remote content.
package bufferedwrites

import (
	"context"
	"fmt"
	"sort"

	"github.com/drivefuse/drivefuse/internal/remote"
)

// BaseReader reads the content a file had before any buffered write, i.e.
// the committed remote content. It may return fewer bytes than asked for at
// the end of that content.
type BaseReader func(ctx context.Context, p []byte, off int64) (int, error)

// A pending byte range.
type span struct {
	off  int64
	data []byte
}

func (s span) end() int64 { return s.off + int64(len(s.data)) }

// WriteBuffer tracks the bytes written to a file but not yet committed. The
// content it describes is the base content in [0, baseLimit), overlaid with
// the pending spans, zero-filled up to size.
//
// External synchronization is required.
type WriteBuffer struct {
	// Pending ranges.
	//
	// INVARIANT: sorted by off
	// INVARIANT: for consecutive s, t: s.end() < t.off (disjoint and not adjacent)
	// INVARIANT: each span ends at or before size
	// INVARIANT: no span starts below drained
	spans []span

	// Sum of the span lengths.
	pending int64

	// Logical size of the file.
	size int64

	// Bytes below baseLimit that no span covers come from the base.
	//
	// INVARIANT: baseLimit <= size
	baseLimit int64

	// Bytes below drained were handed to an upload session. Writes below it
	// are refused until the session commits or fails.
	drained int64

	// Pending ranges below drained, kept until the session holding them
	// commits so that a failed session can be replayed.
	//
	// INVARIANT: sorted by off, disjoint
	// INVARIANT: each range ends at or before drained
	held []span

	// Sum of the held range lengths.
	heldBytes int64

	// Set by any write or truncate since the last Reset.
	modified bool
}

// NewWriteBuffer returns a clean buffer over base content of baseSize bytes.
func NewWriteBuffer(baseSize int64) *WriteBuffer {
	return &WriteBuffer{size: baseSize, baseLimit: baseSize}
}

// CheckInvariants panics if an invariant is violated.
func (b *WriteBuffer) CheckInvariants() {
	var total int64
	for i, s := range b.spans {
		if len(s.data) == 0 {
			panic(fmt.Sprintf("empty span at %d", s.off))
		}
		if i > 0 && b.spans[i-1].end() >= s.off {
			panic(fmt.Sprintf("span at %d touches its predecessor", s.off))
		}
		if s.end() > b.size {
			panic(fmt.Sprintf("span [%d, %d) beyond size %d", s.off, s.end(), b.size))
		}
		if s.off < b.drained {
			panic(fmt.Sprintf("span at %d below drained offset %d", s.off, b.drained))
		}
		total += int64(len(s.data))
	}
	if total != b.pending {
		panic(fmt.Sprintf("pending %d, spans hold %d", b.pending, total))
	}
	if b.baseLimit > b.size {
		panic(fmt.Sprintf("baseLimit %d beyond size %d", b.baseLimit, b.size))
	}

	total = 0
	for i, s := range b.held {
		if i > 0 && b.held[i-1].end() > s.off {
			panic(fmt.Sprintf("held span at %d overlaps its predecessor", s.off))
		}
		if s.end() > b.drained {
			panic(fmt.Sprintf("held span [%d, %d) beyond drained offset %d", s.off, s.end(), b.drained))
		}
		total += int64(len(s.data))
	}
	if total != b.heldBytes {
		panic(fmt.Sprintf("heldBytes %d, held spans hold %d", b.heldBytes, total))
	}
}

// Size returns the logical file size.
func (b *WriteBuffer) Size() int64 { return b.size }

// PendingBytes returns the number of buffered bytes not yet handed to an
// upload session.
func (b *WriteBuffer) PendingBytes() int64 { return b.pending }

// HeldBytes returns the number of bytes handed to an upload session that
// are kept until it commits.
func (b *WriteBuffer) HeldBytes() int64 { return b.heldBytes }

// Modified reports whether the buffer describes content different from the
// base.
func (b *WriteBuffer) Modified() bool { return b.modified }

// Write records data at off, coalescing it with touching or overlapping
// pending ranges.
func (b *WriteBuffer) Write(off int64, data []byte) error {
	if off < 0 {
		return &remote.InvalidArgumentError{Err: fmt.Errorf("write at negative offset %d", off)}
	}
	if off < b.drained {
		return fmt.Errorf("write at %d below drained offset %d", off, b.drained)
	}
	if len(data) == 0 {
		return nil
	}
	end := off + int64(len(data))

	// spans[lo:hi] touch or overlap [off, end).
	lo := sort.Search(len(b.spans), func(i int) bool { return b.spans[i].end() >= off })
	hi := lo
	for hi < len(b.spans) && b.spans[hi].off <= end {
		hi++
	}

	start, stop := off, end
	if lo < hi {
		start = min(start, b.spans[lo].off)
		stop = max(stop, b.spans[hi-1].end())
	}
	merged := make([]byte, stop-start)
	for _, s := range b.spans[lo:hi] {
		copy(merged[s.off-start:], s.data)
		b.pending -= int64(len(s.data))
	}
	copy(merged[off-start:], data)
	b.pending += int64(len(merged))

	b.spans = append(b.spans[:lo], append([]span{{off: start, data: merged}}, b.spans[hi:]...)...)
	b.size = max(b.size, end)
	b.modified = true
	return nil
}

// Truncate sets the logical size to n, dropping pending bytes beyond it.
func (b *WriteBuffer) Truncate(n int64) error {
	if n < 0 {
		return &remote.InvalidArgumentError{Err: fmt.Errorf("truncate to negative size %d", n)}
	}
	if n < b.drained {
		return fmt.Errorf("truncate to %d below drained offset %d", n, b.drained)
	}
	if n == b.size {
		return nil
	}

	kept := b.spans[:0]
	for _, s := range b.spans {
		switch {
		case s.off >= n:
			b.pending -= int64(len(s.data))
		case s.end() > n:
			b.pending -= s.end() - n
			s.data = s.data[:n-s.off]
			kept = append(kept, s)
		default:
			kept = append(kept, s)
		}
	}
	b.spans = kept
	b.size = n
	b.baseLimit = min(b.baseLimit, n)
	b.modified = true
	return nil
}

// ReadAt fills p with the content at off and returns how many bytes were
// filled, which is short only at the end of the content.
func (b *WriteBuffer) ReadAt(ctx context.Context, p []byte, off int64, base BaseReader) (int, error) {
	if off < 0 {
		return 0, &remote.InvalidArgumentError{Err: fmt.Errorf("read at negative offset %d", off)}
	}
	if off >= b.size {
		return 0, nil
	}
	p = p[:min(int64(len(p)), b.size-off)]
	end := off + int64(len(p))

	// Base content, then zeros.
	filled := 0
	if off < b.baseLimit {
		want := min(end, b.baseLimit) - off
		n, err := base(ctx, p[:want], off)
		if err != nil {
			return 0, err
		}
		filled = n
	}
	clear(p[filled:])

	// Pending bytes on top.
	overlay(p, off, b.held)
	overlay(p, off, b.spans)
	return len(p), nil
}

// overlay copies the parts of spans that fall within [off, off+len(p)) into
// p. spans must be sorted by offset.
func overlay(p []byte, off int64, spans []span) {
	end := off + int64(len(p))
	i := sort.Search(len(spans), func(i int) bool { return spans[i].end() > off })
	for ; i < len(spans) && spans[i].off < end; i++ {
		s := spans[i]
		from := max(s.off, off)
		to := min(s.end(), end)
		copy(p[from-off:to-off], s.data[from-s.off:to-s.off])
	}
}

// Drain moves pending bytes below upTo to the held set after they were
// handed to an upload session. Later writes below upTo are refused until
// ResetDrain or Reset.
func (b *WriteBuffer) Drain(upTo int64) {
	kept := b.spans[:0]
	for _, s := range b.spans {
		if s.off >= upTo {
			kept = append(kept, s)
			continue
		}
		cut := min(s.end(), upTo) - s.off
		b.hold(span{off: s.off, data: s.data[:cut]})
		b.pending -= cut
		if cut < int64(len(s.data)) {
			kept = append(kept, span{off: upTo, data: s.data[cut:]})
		}
	}
	b.spans = kept
	b.drained = max(b.drained, upTo)
}

// Held ranges are drained in increasing offset order, so appending keeps
// them sorted.
func (b *WriteBuffer) hold(s span) {
	b.held = append(b.held, s)
	b.heldBytes += int64(len(s.data))
}

// ResetDrain re-admits writes below the drained offset after the session
// holding the drained bytes failed. The held bytes become pending again, to
// be handed to the next session.
func (b *WriteBuffer) ResetDrain() {
	held := b.held
	b.held = nil
	b.heldBytes = 0
	b.drained = 0
	for _, s := range held {
		// Cannot fail: s.off >= 0 and the drained offset is now zero.
		_ = b.Write(s.off, s.data)
	}
}

// Reset makes the buffer clean over a new base of baseSize bytes, after a
// commit.
func (b *WriteBuffer) Reset(baseSize int64) {
	b.spans = nil
	b.pending = 0
	b.size = baseSize
	b.baseLimit = baseSize
	b.drained = 0
	b.held = nil
	b.heldBytes = 0
	b.modified = false
}
