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

// Package readcache buffers byte ranges of one remote file for one open
// handle, so that short sequential or random reads do not each cost a remote
// round trip.
package readcache

import (
	"context"
	"fmt"
	"sort"

	"github.com/drivefuse/drivefuse/internal/cache/lru"
	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/remote"
)

// A resident byte range.
type chunk struct {
	offset int64
	data   []byte
}

func (c *chunk) Size() uint64 { return uint64(len(c.data)) }

func (c *chunk) end() int64 { return c.offset + int64(len(c.data)) }

// Reader serves reads of one remote item through an LRU of fetched ranges
// bounded by a byte budget. Ranges are tagged with the item's ETag and
// dropped when a read names a different one.
//
// External synchronization is required.
type Reader struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	client remote.Client
	policy remote.RetryPolicy

	/////////////////////////
	// Constant data
	/////////////////////////

	itemID    remote.ItemID
	readAhead int64
	budget    uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	etag string

	// Resident ranges, keyed by offset.
	ranges *lru.Cache[int64]

	// Offsets of resident ranges, sorted.
	//
	// INVARIANT: offsets holds exactly the keys of ranges
	// INVARIANT: resident ranges do not overlap
	offsets []int64
	byOff   map[int64]*chunk
}

// NewReader creates a reader for itemID that fetches at least readAhead bytes
// per miss and keeps at most budget bytes resident.
func NewReader(
	client remote.Client,
	policy remote.RetryPolicy,
	itemID remote.ItemID,
	readAhead int64,
	budget uint64) *Reader {
	if budget == 0 {
		budget = 1
	}
	return &Reader{
		client:    client,
		policy:    policy,
		itemID:    itemID,
		readAhead: readAhead,
		budget:    budget,
		ranges:    lru.NewCache[int64](budget),
		byOff:     make(map[int64]*chunk),
	}
}

// CheckInvariants panics if the index and the LRU disagree.
func (r *Reader) CheckInvariants() {
	if len(r.offsets) != r.ranges.Len() || len(r.offsets) != len(r.byOff) {
		panic(fmt.Sprintf("%d offsets, %d ranges, %d indexed", len(r.offsets), r.ranges.Len(), len(r.byOff)))
	}
	for i, off := range r.offsets {
		c, ok := r.byOff[off]
		if !ok {
			panic(fmt.Sprintf("offset %d not indexed", off))
		}
		if i > 0 && r.byOff[r.offsets[i-1]].end() > c.offset {
			panic(fmt.Sprintf("range at %d overlaps its predecessor", off))
		}
	}
}

// Invalidate drops every resident range.
func (r *Reader) Invalidate() {
	r.ranges.EraseIf(func(int64, lru.ValueType) bool { return true })
	r.offsets = nil
	r.byOff = make(map[int64]*chunk)
}

// ResidentBytes returns the number of bytes held.
func (r *Reader) ResidentBytes() uint64 {
	return r.ranges.Size()
}

func (r *Reader) forget(c *chunk) {
	delete(r.byOff, c.offset)
	i := sort.Search(len(r.offsets), func(i int) bool { return r.offsets[i] >= c.offset })
	if i < len(r.offsets) && r.offsets[i] == c.offset {
		r.offsets = append(r.offsets[:i], r.offsets[i+1:]...)
	}
}

// find returns the resident range containing offset, if any, and the start
// of the next resident range after offset, or -1.
func (r *Reader) find(offset int64) (c *chunk, next int64) {
	i := sort.Search(len(r.offsets), func(i int) bool { return r.offsets[i] > offset })
	next = -1
	if i < len(r.offsets) {
		next = r.offsets[i]
	}
	if i == 0 {
		return nil, next
	}
	prev := r.byOff[r.offsets[i-1]]
	if offset < prev.end() {
		// Mark it recently used.
		r.ranges.LookUp(prev.offset)
		return prev, next
	}
	return nil, next
}

func (r *Reader) insert(c *chunk) {
	evicted, err := r.ranges.Insert(c.offset, c)
	if err != nil {
		// Larger than the whole budget; serve it uncached.
		return
	}
	for _, v := range evicted {
		r.forget(v.(*chunk))
	}
	r.byOff[c.offset] = c
	i := sort.Search(len(r.offsets), func(i int) bool { return r.offsets[i] >= c.offset })
	r.offsets = append(r.offsets, 0)
	copy(r.offsets[i+1:], r.offsets[i:])
	r.offsets[i] = c.offset
}

// fetch reads the range [offset, offset+length) remotely, retrying transient
// failures.
func (r *Reader) fetch(ctx context.Context, offset int64, length int64) (data []byte, err error) {
	err = remote.Retry(ctx, r.policy, "ReadRange", func(ctx context.Context) error {
		var ferr error
		data, ferr = r.client.ReadRange(ctx, r.itemID, offset, length)
		return ferr
	})
	return
}

// ReadAt fills dst from offset of the item whose current ETag and size are
// given. It returns fewer bytes than len(dst) only at the end of the item,
// and never an error for reading past it.
func (r *Reader) ReadAt(ctx context.Context, etag string, size int64, dst []byte, offset int64) (n int, err error) {
	if offset < 0 {
		return 0, &remote.InvalidArgumentError{Err: fmt.Errorf("negative offset %d", offset)}
	}
	if etag != r.etag {
		if r.etag != "" {
			logger.Tracef("Read cache of %q: ETag changed, dropping %d bytes", r.itemID, r.ResidentBytes())
		}
		r.Invalidate()
		r.etag = etag
	}

	for n < len(dst) && offset < size {
		c, next := r.find(offset)
		if c != nil {
			copied := copy(dst[n:], c.data[offset-c.offset:])
			n += copied
			offset += int64(copied)
			continue
		}

		want := int64(len(dst) - n)
		length := max(want, r.readAhead)
		length = min(length, size-offset)
		if next >= 0 && offset+length > next && next-offset >= want {
			// Do not refetch bytes that are already resident.
			length = next - offset
		}
		data, ferr := r.fetch(ctx, offset, length)
		if ferr != nil {
			return n, fmt.Errorf("fetch %d bytes at %d of %q: %w", length, offset, r.itemID, ferr)
		}
		if len(data) == 0 {
			// The remote item is shorter than the size we were told.
			break
		}

		fetched := &chunk{offset: offset, data: data}
		if next >= 0 && fetched.end() > next {
			// Keep ranges disjoint by dropping the resident successors we overlap.
			for _, off := range append([]int64(nil), r.offsets...) {
				if off >= offset && off < fetched.end() {
					r.forget(r.byOff[off])
					r.ranges.Erase(off)
				}
			}
		}
		r.insert(fetched)

		copied := copy(dst[n:], data)
		n += copied
		offset += int64(copied)
	}
	return n, nil
}
