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

package metadata_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drivefuse/drivefuse/internal/cache/metadata"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const ttl = time.Second

type AttrCacheTest struct {
	suite.Suite
	ctx     context.Context
	clock   timeutil.SimulatedClock
	cache   *metadata.AttrCache
	fetches atomic.Int32
	item    remote.Item
}

func TestAttrCacheSuite(t *testing.T) {
	suite.Run(t, new(AttrCacheTest))
}

func (t *AttrCacheTest) SetupTest() {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	t.cache = metadata.NewAttrCache(&t.clock, ttl)
	t.fetches.Store(0)
	t.item = remote.Item{ID: "a", Size: 3, ETag: "e1", Mtime: t.clock.Now()}
}

func (t *AttrCacheTest) fetch(ctx context.Context) (*remote.Item, error) {
	t.fetches.Add(1)
	item := t.item
	return &item, nil
}

func (t *AttrCacheTest) TestMissFetchesAndCaches() {
	attrs, err := t.cache.Get(t.ctx, 2, t.fetch)
	require.NoError(t.T(), err)
	_, err = t.cache.Get(t.ctx, 2, t.fetch)
	require.NoError(t.T(), err)

	assert.Equal(t.T(), uint64(3), attrs.Size)
	assert.Equal(t.T(), "e1", attrs.ETag)
	assert.EqualValues(t.T(), 1, t.fetches.Load())
}

func (t *AttrCacheTest) TestExpiredEntryIsRefetched() {
	_, err := t.cache.Get(t.ctx, 2, t.fetch)
	require.NoError(t.T(), err)
	t.item.Size = 10
	t.clock.AdvanceTime(ttl + time.Millisecond)

	attrs, err := t.cache.Get(t.ctx, 2, t.fetch)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(10), attrs.Size)
	assert.EqualValues(t.T(), 2, t.fetches.Load())
}

func (t *AttrCacheTest) TestInvalidateForcesFetch() {
	_, err := t.cache.Get(t.ctx, 2, t.fetch)
	require.NoError(t.T(), err)

	assert.True(t.T(), t.cache.Invalidate(2))
	_, err = t.cache.Get(t.ctx, 2, t.fetch)

	require.NoError(t.T(), err)
	assert.EqualValues(t.T(), 2, t.fetches.Load())
}

func (t *AttrCacheTest) TestConcurrentMissesShareOneFetch() {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := func(ctx context.Context) (*remote.Item, error) {
		started <- struct{}{}
		<-release
		return t.fetch(ctx)
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]metadata.Attributes, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attrs, err := t.cache.Get(t.ctx, 2, blocking)
			assert.NoError(t.T(), err)
			results[i] = attrs
		}(i)
	}
	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t.T(), 1, t.fetches.Load())
	for _, r := range results {
		assert.Equal(t.T(), uint64(3), r.Size)
	}
}

func (t *AttrCacheTest) TestDirtyEntryWinsOverExpiryAndRefresh() {
	dirty := metadata.Attributes{Size: 42, Kind: remote.KindFile}
	t.cache.MarkDirty(2, dirty)
	t.clock.AdvanceTime(time.Hour)

	attrs, err := t.cache.Get(t.ctx, 2, t.fetch)
	require.NoError(t.T(), err)
	assert.False(t.T(), t.cache.Invalidate(2))
	t.cache.Insert(2, metadata.AttributesFromItem(&t.item))
	t.cache.InvalidateAll()
	after, err := t.cache.Get(t.ctx, 2, t.fetch)
	require.NoError(t.T(), err)

	assert.Equal(t.T(), uint64(42), attrs.Size)
	assert.Equal(t.T(), uint64(42), after.Size)
	assert.True(t.T(), t.cache.IsDirty(2))
	assert.EqualValues(t.T(), 0, t.fetches.Load())
}

func (t *AttrCacheTest) TestFetchDoesNotOverwriteConcurrentMarkDirty() {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := func(ctx context.Context) (*remote.Item, error) {
		close(started)
		<-release
		return t.fetch(ctx)
	}
	done := make(chan metadata.Attributes)
	go func() {
		attrs, _ := t.cache.Get(t.ctx, 2, blocking)
		done <- attrs
	}()
	<-started

	t.cache.MarkDirty(2, metadata.Attributes{Size: 7})
	close(release)
	got := <-done
	cached, ok := t.cache.Peek(2)

	assert.Equal(t.T(), uint64(7), got.Size)
	require.True(t.T(), ok)
	assert.Equal(t.T(), uint64(7), cached.Size)
}

func (t *AttrCacheTest) TestStaleFetchIsNotInstalledAfterInvalidate() {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := func(ctx context.Context) (*remote.Item, error) {
		close(started)
		<-release
		return t.fetch(ctx)
	}
	done := make(chan struct{})
	go func() {
		_, _ = t.cache.Get(t.ctx, 2, blocking)
		close(done)
	}()
	<-started

	t.cache.Erase(2)
	close(release)
	<-done
	_, ok := t.cache.Peek(2)

	assert.False(t.T(), ok)
}

func (t *AttrCacheTest) TestAcknowledgeClearsDirty() {
	t.cache.MarkDirty(2, metadata.Attributes{Size: 5})

	t.cache.Acknowledge(2, metadata.Attributes{Size: 5, ETag: "e2"})

	assert.False(t.T(), t.cache.IsDirty(2))
	attrs, err := t.cache.Get(t.ctx, 2, t.fetch)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "e2", attrs.ETag)
	assert.EqualValues(t.T(), 0, t.fetches.Load())
}

func (t *AttrCacheTest) TestClearDirtyForcesFetch() {
	t.cache.MarkDirty(2, metadata.Attributes{Size: 5})

	t.cache.ClearDirty(2)
	attrs, err := t.cache.Get(t.ctx, 2, t.fetch)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(3), attrs.Size)
}

func (t *AttrCacheTest) TestFetchErrorIsReturnedAndNotCached() {
	failing := func(ctx context.Context) (*remote.Item, error) {
		return nil, &remote.NotFoundError{Err: errors.New("gone")}
	}

	_, err := t.cache.Get(t.ctx, fuseops.InodeID(9), failing)

	assert.True(t.T(), remote.IsNotFound(err))
	_, ok := t.cache.Peek(9)
	assert.False(t.T(), ok)
}
