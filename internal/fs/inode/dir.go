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

package inode

import (
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/fuse/fuseops"
)

// DirInode is a directory. Its children live in the directory cache, keyed
// by the inode ID.
type DirInode struct {
	baseInode
}

var _ Inode = &DirInode{}

// NewDirInode creates an inode for the directory item, named name within
// parent. The root has itself as parent.
func NewDirInode(
	id fuseops.InodeID,
	item remote.Item,
	parent fuseops.InodeID,
	name string) (d *DirInode) {
	d = &DirInode{}
	d.init(id, item, parent, name, d.checkInvariants)
	return
}

// CTag returns the change token of the directory's children as last
// observed.
//
// LOCKS_REQUIRED(d)
func (d *DirInode) CTag() string {
	return d.item.CTag
}

func (d *DirInode) Destroy() (err error) {
	return
}
