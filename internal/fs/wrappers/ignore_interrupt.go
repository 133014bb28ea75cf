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

package wrappers

import (
	"context"
	"slices"

	"github.com/drivefuse/drivefuse/internal/monitor"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// Add a fuseop to this list if it needs to ignore interrupts. These are the
// ops that change remote state, plus the ones that commit buffered writes.
var fsOpsIgnoringInterrupts = []string{
	monitor.OpSetInodeAttributes,
	monitor.OpMkDir,
	monitor.OpCreateFile,
	monitor.OpRmDir,
	monitor.OpRename,
	monitor.OpUnlink,
	monitor.OpWriteFile,
	monitor.OpSyncFile,
	monitor.OpFlushFile,
}

type ignoreInterrupt struct {
	fuseutil.FileSystem
}

// WithIgnoreInterrupt wraps a FileSystem so that the listed ops run to
// completion even when the kernel interrupts them.
func WithIgnoreInterrupt(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	return &ignoreInterrupt{
		FileSystem: wrapped,
	}
}

func (fs *ignoreInterrupt) invokeWrapped(ctx context.Context, opName string, w wrappedCall) error {
	if slices.Contains(fsOpsIgnoringInterrupts, opName) {
		ctx = context.WithoutCancel(ctx)
	}

	return w(ctx)
}

func (fs *ignoreInterrupt) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return fs.invokeWrapped(ctx, monitor.OpSetInodeAttributes, func(ctx context.Context) error { return fs.FileSystem.SetInodeAttributes(ctx, op) })
}

func (fs *ignoreInterrupt) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	return fs.invokeWrapped(ctx, monitor.OpMkDir, func(ctx context.Context) error { return fs.FileSystem.MkDir(ctx, op) })
}

func (fs *ignoreInterrupt) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpCreateFile, func(ctx context.Context) error { return fs.FileSystem.CreateFile(ctx, op) })
}

func (fs *ignoreInterrupt) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.invokeWrapped(ctx, monitor.OpRmDir, func(ctx context.Context) error { return fs.FileSystem.RmDir(ctx, op) })
}

func (fs *ignoreInterrupt) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return fs.invokeWrapped(ctx, monitor.OpRename, func(ctx context.Context) error { return fs.FileSystem.Rename(ctx, op) })
}

func (fs *ignoreInterrupt) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.invokeWrapped(ctx, monitor.OpUnlink, func(ctx context.Context) error { return fs.FileSystem.Unlink(ctx, op) })
}

func (fs *ignoreInterrupt) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpWriteFile, func(ctx context.Context) error { return fs.FileSystem.WriteFile(ctx, op) })
}

func (fs *ignoreInterrupt) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpSyncFile, func(ctx context.Context) error { return fs.FileSystem.SyncFile(ctx, op) })
}

func (fs *ignoreInterrupt) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpFlushFile, func(ctx context.Context) error { return fs.FileSystem.FlushFile(ctx, op) })
}
