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
	"time"

	"github.com/drivefuse/drivefuse/internal/monitor"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// categorize maps an error to an error category.
// This keeps the cardinality of the error label low.
func categorize(err error) string {
	if err == nil {
		return ""
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		errno = DefaultFSError
	}
	switch errno {
	case syscall.ENOENT:
		return monitor.ErrCategoryNotFound

	case syscall.EACCES,
		syscall.EPERM:
		return monitor.ErrCategoryPermission

	case syscall.EROFS:
		return monitor.ErrCategoryReadOnly

	case syscall.EEXIST:
		return monitor.ErrCategoryExists

	case syscall.EBUSY,
		syscall.ETXTBSY:
		return monitor.ErrCategoryBusy

	case syscall.ENOTEMPTY:
		return monitor.ErrCategoryNotEmpty

	case syscall.ENOSPC,
		syscall.EDQUOT:
		return monitor.ErrCategoryNoSpace

	case syscall.EINVAL,
		syscall.EBADF,
		syscall.EISDIR,
		syscall.ENOTDIR,
		syscall.ENAMETOOLONG:
		return monitor.ErrCategoryInvalid

	case syscall.ECANCELED,
		syscall.EINTR:
		return monitor.ErrCategoryInterrupted

	case syscall.EIO:
		return monitor.ErrCategoryIO
	}
	return monitor.ErrCategoryOther
}

// Records file system operation count, failed operation count and the operation latency.
func recordOp(ctx context.Context, metricHandle monitor.MetricHandle, method string, start time.Time, fsErr error) {
	metricHandle.OpsCount(ctx, 1, method)

	// Recording opErrorCount.
	if fsErr != nil {
		metricHandle.OpsErrorCount(ctx, 1, method, categorize(fsErr))
	}
	metricHandle.OpsLatency(ctx, time.Since(start), method)
}

// WithMonitoring takes a FileSystem, returns a FileSystem with monitoring
// on the counts of requests per op.
func WithMonitoring(fs fuseutil.FileSystem, metricHandle monitor.MetricHandle) fuseutil.FileSystem {
	return &monitoring{
		FileSystem:   fs,
		metricHandle: metricHandle,
	}
}

type monitoring struct {
	fuseutil.FileSystem
	metricHandle monitor.MetricHandle
}

type wrappedCall func(ctx context.Context) error

func (fs *monitoring) invokeWrapped(ctx context.Context, opName string, w wrappedCall) error {
	startTime := time.Now()
	err := w(ctx)
	recordOp(ctx, fs.metricHandle, opName, startTime, err)
	return err
}

func (fs *monitoring) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return fs.invokeWrapped(ctx, monitor.OpStatFS, func(ctx context.Context) error { return fs.FileSystem.StatFS(ctx, op) })
}

func (fs *monitoring) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	return fs.invokeWrapped(ctx, monitor.OpLookUpInode, func(ctx context.Context) error { return fs.FileSystem.LookUpInode(ctx, op) })
}

func (fs *monitoring) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	return fs.invokeWrapped(ctx, monitor.OpGetInodeAttributes, func(ctx context.Context) error { return fs.FileSystem.GetInodeAttributes(ctx, op) })
}

func (fs *monitoring) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return fs.invokeWrapped(ctx, monitor.OpSetInodeAttributes, func(ctx context.Context) error { return fs.FileSystem.SetInodeAttributes(ctx, op) })
}

func (fs *monitoring) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return fs.invokeWrapped(ctx, monitor.OpForgetInode, func(ctx context.Context) error { return fs.FileSystem.ForgetInode(ctx, op) })
}

func (fs *monitoring) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	return fs.invokeWrapped(ctx, monitor.OpBatchForget, func(ctx context.Context) error { return fs.FileSystem.BatchForget(ctx, op) })
}

func (fs *monitoring) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	return fs.invokeWrapped(ctx, monitor.OpMkDir, func(ctx context.Context) error { return fs.FileSystem.MkDir(ctx, op) })
}

func (fs *monitoring) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpCreateFile, func(ctx context.Context) error { return fs.FileSystem.CreateFile(ctx, op) })
}

func (fs *monitoring) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return fs.invokeWrapped(ctx, monitor.OpRename, func(ctx context.Context) error { return fs.FileSystem.Rename(ctx, op) })
}

func (fs *monitoring) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.invokeWrapped(ctx, monitor.OpRmDir, func(ctx context.Context) error { return fs.FileSystem.RmDir(ctx, op) })
}

func (fs *monitoring) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.invokeWrapped(ctx, monitor.OpUnlink, func(ctx context.Context) error { return fs.FileSystem.Unlink(ctx, op) })
}

func (fs *monitoring) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return fs.invokeWrapped(ctx, monitor.OpOpenDir, func(ctx context.Context) error { return fs.FileSystem.OpenDir(ctx, op) })
}

func (fs *monitoring) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	return fs.invokeWrapped(ctx, monitor.OpReadDir, func(ctx context.Context) error { return fs.FileSystem.ReadDir(ctx, op) })
}

func (fs *monitoring) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return fs.invokeWrapped(ctx, monitor.OpReleaseDirHandle, func(ctx context.Context) error { return fs.FileSystem.ReleaseDirHandle(ctx, op) })
}

func (fs *monitoring) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpOpenFile, func(ctx context.Context) error { return fs.FileSystem.OpenFile(ctx, op) })
}

func (fs *monitoring) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpReadFile, func(ctx context.Context) error { return fs.FileSystem.ReadFile(ctx, op) })
}

func (fs *monitoring) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpWriteFile, func(ctx context.Context) error { return fs.FileSystem.WriteFile(ctx, op) })
}

func (fs *monitoring) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpSyncFile, func(ctx context.Context) error { return fs.FileSystem.SyncFile(ctx, op) })
}

func (fs *monitoring) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return fs.invokeWrapped(ctx, monitor.OpFlushFile, func(ctx context.Context) error { return fs.FileSystem.FlushFile(ctx, op) })
}

func (fs *monitoring) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return fs.invokeWrapped(ctx, monitor.OpReleaseFileHandle, func(ctx context.Context) error { return fs.FileSystem.ReleaseFileHandle(ctx, op) })
}
