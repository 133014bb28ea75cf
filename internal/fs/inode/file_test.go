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

package inode_test

import (
	"context"
	"testing"
	"time"

	"github.com/drivefuse/drivefuse/internal/bufferedwrites"
	"github.com/drivefuse/drivefuse/internal/cache/readcache"
	"github.com/drivefuse/drivefuse/internal/fs/inode"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/drivefuse/drivefuse/internal/remote/fake"
	"github.com/jacobsa/fuse/fuseops"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
)

func TestFile(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const fileInodeID = 17

type FileTest struct {
	ctx   context.Context
	clock timeutil.SimulatedClock
	drive *fake.Drive
	item  *remote.Item

	in *inode.FileInode
}

var _ SetUpInterface = &FileTest{}
var _ TearDownInterface = &FileTest{}

func init() { RegisterTestSuite(&FileTest{}) }

func (t *FileTest) SetUp(ti *TestInfo) {
	t.ctx = ti.Ctx
	t.clock.SetTime(time.Date(2025, 4, 5, 2, 15, 0, 0, time.Local))
	t.drive = fake.NewDrive(&t.clock)

	var err error
	t.item, err = t.drive.AddFile(t.drive.RootID(), "taco", []byte("taco"))
	AssertEq(nil, err)

	reader := readcache.NewReader(t.drive, remote.RetryPolicy{}, t.item.ID, 0, 1<<20)
	t.in = inode.NewFileInode(fileInodeID, *t.item, fuseops.RootInodeID, "taco", reader)
	t.in.Lock()
}

func (t *FileTest) TearDown() {
	t.in.Unlock()
}

func (t *FileTest) attachWriter() *bufferedwrites.BufferedWriteHandler {
	w := bufferedwrites.NewBWHandler(
		t.drive,
		t.in.RemoteID(),
		int64(t.in.Item().Size),
		t.in.ReadCommitted,
		bufferedwrites.HandlerConfig{ChunkSize: 4},
		nil,
		&t.clock)
	t.in.SetWriter(w, 3)
	return w
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *FileTest) ID() {
	ExpectEq(fileInodeID, t.in.ID())
	ExpectEq(t.item.ID, t.in.RemoteID())
	ExpectEq(remote.KindFile, t.in.Kind())
}

func (t *FileTest) ReadCommitted() {
	buf := make([]byte, 10)
	n, err := t.in.ReadCommitted(t.ctx, buf, 1)

	AssertEq(nil, err)
	ExpectEq("aco", string(buf[:n]))
}

func (t *FileTest) SizeFollowsWriter() {
	ExpectEq(4, t.in.Size())

	w := t.attachWriter()
	AssertEq(nil, w.Write(t.ctx, []byte("s!"), 4))

	ExpectEq(6, t.in.Size())
	ExpectThat(t.in.Mtime(), timeutil.TimeEq(t.clock.Now()))

	writer, h := t.in.Writer()
	ExpectEq(w, writer)
	ExpectEq(3, h)
}

func (t *FileTest) SetItemKeepsContentWhileWriting() {
	t.attachWriter()

	newer := *t.item
	newer.ETag = "other"
	newer.Size = 100
	newer.Name = "burrito"
	t.in.SetItem(newer)

	ExpectEq(t.item.ETag, t.in.Item().ETag)
	ExpectEq(t.item.Size, t.in.Item().Size)
	ExpectEq("burrito", t.in.Item().Name)

	t.in.SetCommitted(newer)
	ExpectEq("other", t.in.Item().ETag)
}

func (t *FileTest) SetItemIgnoresOtherIdentity() {
	other := *t.item
	other.ID = "someone-else"
	other.Size = 100
	t.in.SetItem(other)

	ExpectEq(t.item.Size, t.in.Item().Size)
}

func (t *FileTest) ClearWriter() {
	t.attachWriter()
	t.in.ClearWriter()

	w, h := t.in.Writer()
	ExpectEq(nil, w)
	ExpectEq(0, h)
	ExpectEq(4, t.in.Size())
}

func (t *FileTest) DestroyCancelsWriter() {
	w := t.attachWriter()
	AssertEq(nil, w.Write(t.ctx, []byte("s"), 4))

	AssertEq(nil, t.in.Destroy())

	writer, _ := t.in.Writer()
	ExpectEq(nil, writer)

	content, err := t.drive.Content(t.item.ID)
	AssertEq(nil, err)
	ExpectEq("taco", string(content))
}

func (t *FileTest) Unlinked() {
	ExpectFalse(t.in.Unlinked())
	t.in.MarkUnlinked()
	ExpectTrue(t.in.Unlinked())
}
