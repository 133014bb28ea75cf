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
	"errors"
	"syscall"

	"github.com/drivefuse/drivefuse/internal/bufferedwrites"
	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// DefaultFSError is returned for errors with no better errno.
const DefaultFSError = syscall.EIO

func errno(err error) error {
	if err == nil {
		return nil
	}

	// Use existing FS errno
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	if errors.Is(err, context.Canceled) {
		return syscall.EINTR
	}

	// A failed upload is an I/O error whatever the remote said.
	var uploadErr *bufferedwrites.UploadSessionError
	if errors.As(err, &uploadErr) {
		return syscall.EIO
	}

	// Translate remote errors into an FS errno
	var notFound *remote.NotFoundError
	var permission *remote.PermissionError
	var conflict *remote.ConflictError
	var quota *remote.QuotaExceededError
	var invalid *remote.InvalidArgumentError
	switch {
	case errors.As(err, &notFound):
		return syscall.ENOENT
	case errors.As(err, &permission):
		return syscall.EACCES
	case errors.As(err, &conflict):
		return syscall.EEXIST
	case errors.As(err, &quota):
		return syscall.ENOSPC
	case errors.As(err, &invalid):
		return syscall.EINVAL
	case errors.Is(err, remote.ErrNotSupported):
		return syscall.ENOTSUP
	}

	// Unknown errors, transient failures that outlived their retries among
	// them.
	return DefaultFSError
}

// WithErrorMapping wraps a FileSystem, processing the returned errors, and
// mapping them into syscall.Errno that can be understood by FUSE. Errors
// that are not errnos already are logged with their chain before they are
// flattened.
func WithErrorMapping(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	return &errorMapping{FileSystem: wrapped}
}

// errorMapping forwards the ops it does not serve to the wrapped file
// system unchanged.
type errorMapping struct {
	fuseutil.FileSystem
}

func (fs *errorMapping) mapError(opName string, err error) error {
	mapped := errno(err)
	if mapped != nil && !errors.Is(err, mapped) {
		logger.Errorf("%s: %v", opName, err)
	}
	return mapped
}

func (fs *errorMapping) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) error {
	err := fs.FileSystem.StatFS(ctx, op)
	return fs.mapError("StatFS", err)
}

func (fs *errorMapping) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) error {
	err := fs.FileSystem.LookUpInode(ctx, op)
	return fs.mapError("LookUpInode", err)
}

func (fs *errorMapping) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) error {
	err := fs.FileSystem.GetInodeAttributes(ctx, op)
	return fs.mapError("GetInodeAttributes", err)
}

func (fs *errorMapping) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) error {
	err := fs.FileSystem.SetInodeAttributes(ctx, op)
	return fs.mapError("SetInodeAttributes", err)
}

func (fs *errorMapping) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) error {
	err := fs.FileSystem.ForgetInode(ctx, op)
	return fs.mapError("ForgetInode", err)
}

func (fs *errorMapping) BatchForget(
	ctx context.Context,
	op *fuseops.BatchForgetOp) error {
	err := fs.FileSystem.BatchForget(ctx, op)
	return fs.mapError("BatchForget", err)
}

func (fs *errorMapping) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) error {
	err := fs.FileSystem.MkDir(ctx, op)
	return fs.mapError("MkDir", err)
}

func (fs *errorMapping) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) error {
	err := fs.FileSystem.CreateFile(ctx, op)
	return fs.mapError("CreateFile", err)
}

func (fs *errorMapping) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) error {
	err := fs.FileSystem.Rename(ctx, op)
	return fs.mapError("Rename", err)
}

func (fs *errorMapping) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) error {
	err := fs.FileSystem.RmDir(ctx, op)
	return fs.mapError("RmDir", err)
}

func (fs *errorMapping) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) error {
	err := fs.FileSystem.Unlink(ctx, op)
	return fs.mapError("Unlink", err)
}

func (fs *errorMapping) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) error {
	err := fs.FileSystem.OpenDir(ctx, op)
	return fs.mapError("OpenDir", err)
}

func (fs *errorMapping) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) error {
	err := fs.FileSystem.ReadDir(ctx, op)
	return fs.mapError("ReadDir", err)
}

func (fs *errorMapping) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) error {
	err := fs.FileSystem.ReleaseDirHandle(ctx, op)
	return fs.mapError("ReleaseDirHandle", err)
}

func (fs *errorMapping) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) error {
	err := fs.FileSystem.OpenFile(ctx, op)
	return fs.mapError("OpenFile", err)
}

func (fs *errorMapping) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) error {
	err := fs.FileSystem.ReadFile(ctx, op)
	return fs.mapError("ReadFile", err)
}

func (fs *errorMapping) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) error {
	err := fs.FileSystem.WriteFile(ctx, op)
	return fs.mapError("WriteFile", err)
}

func (fs *errorMapping) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) error {
	err := fs.FileSystem.SyncFile(ctx, op)
	return fs.mapError("SyncFile", err)
}

func (fs *errorMapping) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) error {
	err := fs.FileSystem.FlushFile(ctx, op)
	return fs.mapError("FlushFile", err)
}

func (fs *errorMapping) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) error {
	err := fs.FileSystem.ReleaseFileHandle(ctx, op)
	return fs.mapError("ReleaseFileHandle", err)
}
