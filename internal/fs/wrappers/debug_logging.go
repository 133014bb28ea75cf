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
	"log"
	"log/slog"

	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// WithDebugLogging wraps a FileSystem, logging the debug messages for the
// file system's input and errors
func WithDebugLogging(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	return &debugLogging{
		FileSystem: wrapped,
		logger:     logger.NewLegacyLogger(slog.LevelDebug, "debug_fs: "),
	}
}

type debugLogging struct {
	fuseutil.FileSystem
	logger *log.Logger
}

func (fs *debugLogging) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) error {
	err := fs.FileSystem.StatFS(ctx, op)
	fs.logger.Printf("StatFS(): %v", err)
	return err
}

func (fs *debugLogging) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) error {
	err := fs.FileSystem.LookUpInode(ctx, op)
	fs.logger.Printf("LookUpInode(%v, %q): %v", op.Parent, op.Name, err)
	return err
}

func (fs *debugLogging) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) error {
	err := fs.FileSystem.GetInodeAttributes(ctx, op)
	fs.logger.Printf("GetInodeAttributes(%v): %v", op.Inode, err)
	return err
}

func (fs *debugLogging) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) error {
	err := fs.FileSystem.SetInodeAttributes(ctx, op)
	fs.logger.Printf("SetInodeAttributes(%v): %v", op.Inode, err)
	return err
}

func (fs *debugLogging) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) error {
	err := fs.FileSystem.ForgetInode(ctx, op)
	fs.logger.Printf("ForgetInode(%v, %v): %v", op.Inode, op.N, err)
	return err
}

func (fs *debugLogging) BatchForget(
	ctx context.Context,
	op *fuseops.BatchForgetOp) error {
	err := fs.FileSystem.BatchForget(ctx, op)
	fs.logger.Printf("BatchForget(%d entries): %v", len(op.Entries), err)
	return err
}

func (fs *debugLogging) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) error {
	err := fs.FileSystem.MkDir(ctx, op)
	fs.logger.Printf("MkDir(%v, %q): %v", op.Parent, op.Name, err)
	return err
}

func (fs *debugLogging) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) error {
	err := fs.FileSystem.CreateFile(ctx, op)
	fs.logger.Printf("CreateFile(%v, %q): %v", op.Parent, op.Name, err)
	return err
}

func (fs *debugLogging) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) error {
	err := fs.FileSystem.Rename(ctx, op)
	fs.logger.Printf("Rename(%v, %q, %v, %q): %v", op.OldParent, op.OldName, op.NewParent, op.NewName, err)
	return err
}

func (fs *debugLogging) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) error {
	err := fs.FileSystem.RmDir(ctx, op)
	fs.logger.Printf("RmDir(%v, %q): %v", op.Parent, op.Name, err)
	return err
}

func (fs *debugLogging) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) error {
	err := fs.FileSystem.Unlink(ctx, op)
	fs.logger.Printf("Unlink(%v, %q): %v", op.Parent, op.Name, err)
	return err
}

func (fs *debugLogging) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) error {
	err := fs.FileSystem.OpenDir(ctx, op)
	fs.logger.Printf("OpenDir(%v): %v", op.Inode, err)
	return err
}

func (fs *debugLogging) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) error {
	err := fs.FileSystem.ReadDir(ctx, op)
	fs.logger.Printf("ReadDir(%v, %v): %v", op.Inode, op.Offset, err)
	return err
}

func (fs *debugLogging) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) error {
	err := fs.FileSystem.ReleaseDirHandle(ctx, op)
	fs.logger.Printf("ReleaseDirHandle(%v): %v", op.Handle, err)
	return err
}

func (fs *debugLogging) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) error {
	err := fs.FileSystem.OpenFile(ctx, op)
	fs.logger.Printf("OpenFile(%v): %v", op.Inode, err)
	return err
}

func (fs *debugLogging) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) error {
	err := fs.FileSystem.ReadFile(ctx, op)
	fs.logger.Printf("ReadFile(%v, %v, %v): %v", op.Inode, op.Offset, op.Size, err)
	return err
}

func (fs *debugLogging) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) error {
	err := fs.FileSystem.WriteFile(ctx, op)
	fs.logger.Printf("WriteFile(%v, %v, %d bytes): %v", op.Inode, op.Offset, len(op.Data), err)
	return err
}

func (fs *debugLogging) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) error {
	err := fs.FileSystem.SyncFile(ctx, op)
	fs.logger.Printf("SyncFile(%v): %v", op.Inode, err)
	return err
}

func (fs *debugLogging) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) error {
	err := fs.FileSystem.FlushFile(ctx, op)
	fs.logger.Printf("FlushFile(%v): %v", op.Inode, err)
	return err
}

func (fs *debugLogging) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) error {
	err := fs.FileSystem.ReleaseFileHandle(ctx, op)
	fs.logger.Printf("ReleaseFileHandle(%v): %v", op.Handle, err)
	return err
}
