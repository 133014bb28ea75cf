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

package monitor

// File system operation names.
const (
	OpStatFS             = "StatFS"
	OpLookUpInode        = "LookUpInode"
	OpGetInodeAttributes = "GetInodeAttributes"
	OpSetInodeAttributes = "SetInodeAttributes"
	OpForgetInode        = "ForgetInode"
	OpBatchForget        = "BatchForget"
	OpMkDir              = "MkDir"
	OpCreateFile         = "CreateFile"
	OpRename             = "Rename"
	OpRmDir              = "RmDir"
	OpUnlink             = "Unlink"
	OpOpenDir            = "OpenDir"
	OpReadDir            = "ReadDir"
	OpReleaseDirHandle   = "ReleaseDirHandle"
	OpOpenFile           = "OpenFile"
	OpReadFile           = "ReadFile"
	OpWriteFile          = "WriteFile"
	OpSyncFile           = "SyncFile"
	OpFlushFile          = "FlushFile"
	OpReleaseFileHandle  = "ReleaseFileHandle"
	OpOther              = "Other"
)

// Error categories keep the cardinality of the error metric low.
const (
	ErrCategoryNotFound    = "not found"
	ErrCategoryPermission  = "permission"
	ErrCategoryReadOnly    = "read only"
	ErrCategoryExists      = "exists"
	ErrCategoryBusy        = "busy"
	ErrCategoryNotEmpty    = "not empty"
	ErrCategoryNoSpace     = "no space"
	ErrCategoryInvalid     = "invalid argument"
	ErrCategoryInterrupted = "interrupted"
	ErrCategoryIO          = "input/output error"
	ErrCategoryOther       = "other"
)
