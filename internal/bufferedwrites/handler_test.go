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
	"testing"
	"time"

	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/drivefuse/drivefuse/internal/remote/fake"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	chunkSize      = 4
	flushThreshold = 8
)

type BufferedWriteHandlerTest struct {
	suite.Suite
	ctx         context.Context
	clock       *timeutil.SimulatedClock
	drive       *fake.Drive
	item        *remote.Item
	wh          *BufferedWriteHandler
	transitions []SessionState
}

func TestBufferedWriteHandlerSuite(t *testing.T) {
	suite.Run(t, new(BufferedWriteHandlerTest))
}

func (t *BufferedWriteHandlerTest) SetupTest() {
	t.ctx = context.Background()
	t.clock = &timeutil.SimulatedClock{}
	t.clock.SetTime(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	t.drive = fake.NewDrive(t.clock)
	t.transitions = nil
	t.useItem("old")
}

// useItem points the handler at a fresh file with the given content.
func (t *BufferedWriteHandlerTest) useItem(content string) {
	var err error
	t.item, err = t.drive.AddFile(t.drive.RootID(), "f"+content, []byte(content))
	require.NoError(t.T(), err)
	config := HandlerConfig{
		ChunkSize:      chunkSize,
		FlushThreshold: flushThreshold,
		RetryPolicy:    testPolicy(),
	}
	t.wh = NewBWHandler(t.drive, t.item.ID, int64(len(content)), t.readRemote, config, func(from, to SessionState) {
		t.transitions = append(t.transitions, to)
	}, t.clock)
	t.drive.ResetCallCounts()
}

func (t *BufferedWriteHandlerTest) readRemote(ctx context.Context, p []byte, off int64) (int, error) {
	data, err := t.drive.Content(t.item.ID)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(data)) {
		return 0, nil
	}
	return copy(p, data[off:]), nil
}

func (t *BufferedWriteHandlerTest) remoteContent() string {
	data, err := t.drive.Content(t.item.ID)
	require.NoError(t.T(), err)
	return string(data)
}

func (t *BufferedWriteHandlerTest) localContent() string {
	p := make([]byte, t.wh.WriteFileInfo().TotalSize)
	n, err := t.wh.ReadAt(t.ctx, p, 0)
	require.NoError(t.T(), err)
	return string(p[:n])
}

func (t *BufferedWriteHandlerTest) TestCleanHandlerSyncsNothing() {
	item, err := t.wh.Sync(t.ctx)

	require.NoError(t.T(), err)
	assert.Nil(t.T(), item)
	assert.False(t.T(), t.wh.Dirty())
	assert.Equal(t.T(), 0, t.drive.TotalCalls())
}

func (t *BufferedWriteHandlerTest) TestSyncCommitsAppend() {
	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("new"), 3))
	assert.True(t.T(), t.wh.Dirty())

	item, err := t.wh.Sync(t.ctx)

	require.NoError(t.T(), err)
	require.NotNil(t.T(), item)
	assert.Equal(t.T(), uint64(6), item.Size)
	assert.Equal(t.T(), "oldnew", t.remoteContent())
	assert.False(t.T(), t.wh.Dirty())
	assert.Equal(t.T(), []SessionState{SessionActive, SessionFlushing, SessionCommitted}, t.transitions)
	_, ok := t.wh.SessionState()
	assert.False(t.T(), ok)
}

func (t *BufferedWriteHandlerTest) TestReadYourWritesWithoutNetworkWrites() {
	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("Z"), 1))

	assert.Equal(t.T(), "oZd", t.localContent())
	assert.Equal(t.T(), 0, t.drive.CallCount(fake.MethodOpenUploadSession))
	assert.Equal(t.T(), 0, t.drive.CallCount(fake.MethodUploadChunk))
	assert.Equal(t.T(), "old", t.remoteContent())
}

func (t *BufferedWriteHandlerTest) TestThresholdUploadsWholeChunksAhead() {
	t.useItem("")

	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("0123456789"), 0))

	state, ok := t.wh.SessionState()
	require.True(t.T(), ok)
	assert.Equal(t.T(), SessionActive, state)
	assert.Equal(t.T(), int64(2), t.wh.PendingBytes())
	assert.Equal(t.T(), 2, t.drive.CallCount(fake.MethodUploadChunk))
	assert.Equal(t.T(), "", t.remoteContent())

	// Reads of uploaded bytes are served locally, without a commit.
	assert.Equal(t.T(), "0123456789", t.localContent())
	assert.Equal(t.T(), "", t.remoteContent())

	item, err := t.wh.Sync(t.ctx)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(10), item.Size)
	assert.Equal(t.T(), "0123456789", t.remoteContent())
	assert.Equal(t.T(), 3, t.drive.CallCount(fake.MethodUploadChunk))
	assert.Equal(t.T(), 1, t.drive.CallCount(fake.MethodOpenUploadSession))
}

func (t *BufferedWriteHandlerTest) TestWriteBelowUploadedOffsetCommitsFirst() {
	t.useItem("")
	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("0123456789"), 0))

	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("X"), 0))

	assert.Equal(t.T(), "0123456789", t.remoteContent())
	assert.Equal(t.T(), "X123456789", t.localContent())
	_, err := t.wh.Sync(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "X123456789", t.remoteContent())
}

func (t *BufferedWriteHandlerTest) TestCommitHookSeesForcedCommit() {
	t.useItem("")
	var committed []uint64
	t.wh.SetCommitHook(func(item *remote.Item) {
		committed = append(committed, item.Size)
	})
	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("0123456789"), 0))

	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("X"), 0))
	assert.Equal(t.T(), []uint64{10}, committed)

	_, err := t.wh.Sync(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), []uint64{10, 10}, committed)
}

func (t *BufferedWriteHandlerTest) TestFailedSyncKeepsBuffer() {
	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("new"), 3))
	t.drive.FailNext(fake.MethodUploadChunk, &remote.QuotaExceededError{Err: errors.New("507")})

	_, err := t.wh.Sync(t.ctx)

	var use *UploadSessionError
	require.True(t.T(), errors.As(err, &use))
	assert.True(t.T(), t.wh.Dirty())
	assert.Equal(t.T(), "oldnew", t.localContent())
	assert.Equal(t.T(), "old", t.remoteContent())
	assert.Equal(t.T(), 0, t.drive.ActiveSessions())

	_, err = t.wh.Sync(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "oldnew", t.remoteContent())
}

func (t *BufferedWriteHandlerTest) TestRetryAfterFailedSyncResendsUploadedAheadBytes() {
	t.useItem("")
	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("0123456789abcdef"), 0))
	require.Equal(t.T(), int64(4), t.wh.PendingBytes())
	t.drive.FailNext(fake.MethodUploadChunk, &remote.PermissionError{Err: errors.New("403")})

	_, err := t.wh.Sync(t.ctx)

	var use *UploadSessionError
	require.True(t.T(), errors.As(err, &use))
	_, ok := t.wh.SessionState()
	assert.False(t.T(), ok)
	assert.True(t.T(), t.wh.Dirty())
	assert.Equal(t.T(), "0123456789abcdef", t.localContent())
	assert.Equal(t.T(), "", t.remoteContent())

	item, err := t.wh.Sync(t.ctx)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(16), item.Size)
	assert.Equal(t.T(), "0123456789abcdef", t.remoteContent())
	assert.Equal(t.T(), "0123456789abcdef", t.localContent())
	assert.Equal(t.T(), 2, t.drive.CallCount(fake.MethodOpenUploadSession))
	assert.Equal(t.T(), 0, t.drive.ActiveSessions())
}

func (t *BufferedWriteHandlerTest) TestFailedFlushAheadKeepsBytes() {
	t.useItem("")
	t.drive.FailNext(fake.MethodUploadChunk, &remote.PermissionError{Err: errors.New("403")})

	err := t.wh.Write(t.ctx, []byte("0123456789"), 0)

	require.Error(t.T(), err)
	assert.Equal(t.T(), "0123456789", t.localContent())
	item, err := t.wh.Sync(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(10), item.Size)
	assert.Equal(t.T(), "0123456789", t.remoteContent())
}

func (t *BufferedWriteHandlerTest) TestRemoteNeedingTotalSizeBuffersUntilSync() {
	t.useItem("")
	t.drive.RequireTotalSize()

	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("0123456789"), 0))
	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("abcdef"), 10))

	assert.Equal(t.T(), int64(16), t.wh.PendingBytes())
	assert.Equal(t.T(), 1, t.drive.CallCount(fake.MethodOpenUploadSession))
	assert.Equal(t.T(), 0, t.drive.ActiveSessions())

	item, err := t.wh.Sync(t.ctx)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(16), item.Size)
	assert.Equal(t.T(), "0123456789abcdef", t.remoteContent())
}

func (t *BufferedWriteHandlerTest) TestCancelReportsLostBytes() {
	t.useItem("")
	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("0123456789"), 0))

	lost := t.wh.Cancel(t.ctx)

	assert.Equal(t.T(), int64(10), lost)
	assert.Equal(t.T(), 0, t.drive.ActiveSessions())
	assert.Equal(t.T(), "", t.remoteContent())
	assert.Equal(t.T(), SessionCancelled, t.transitions[len(t.transitions)-1])
}

func (t *BufferedWriteHandlerTest) TestCancelCleanHandler() {
	assert.Equal(t.T(), int64(0), t.wh.Cancel(t.ctx))
}

func (t *BufferedWriteHandlerTest) TestTruncateToZero() {
	require.NoError(t.T(), t.wh.Truncate(t.ctx, 0))

	item, err := t.wh.Sync(t.ctx)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(0), item.Size)
	assert.Equal(t.T(), "", t.remoteContent())
}

func (t *BufferedWriteHandlerTest) TestMtimeFollowsWritesAndSetMtime() {
	start := t.clock.Now()
	t.clock.AdvanceTime(time.Minute)

	require.NoError(t.T(), t.wh.Write(t.ctx, []byte("x"), 0))
	assert.Equal(t.T(), start.Add(time.Minute), t.wh.WriteFileInfo().Mtime)

	set := start.Add(-time.Hour)
	t.wh.SetMtime(set)
	assert.Equal(t.T(), set, t.wh.WriteFileInfo().Mtime)
	assert.Equal(t.T(), int64(3), t.wh.WriteFileInfo().TotalSize)
}

func (t *BufferedWriteHandlerTest) TestNegativeOffsetIsInvalid() {
	err := t.wh.Write(t.ctx, []byte("x"), -1)

	var iae *remote.InvalidArgumentError
	assert.True(t.T(), errors.As(err, &iae))
}
