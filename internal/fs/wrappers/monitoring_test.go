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
	"fmt"
	"syscall"
	"testing"

	"github.com/drivefuse/drivefuse/internal/monitor"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestCategorize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		fsErr       error
		expectedCat string
	}{
		{
			fsErr:       fmt.Errorf("some random error"),
			expectedCat: monitor.ErrCategoryIO,
		},
		{
			fsErr:       syscall.ENOENT,
			expectedCat: monitor.ErrCategoryNotFound,
		},
		{
			fsErr:       syscall.EACCES,
			expectedCat: monitor.ErrCategoryPermission,
		},
		{
			fsErr:       syscall.EROFS,
			expectedCat: monitor.ErrCategoryReadOnly,
		},
		{
			fsErr:       syscall.EEXIST,
			expectedCat: monitor.ErrCategoryExists,
		},
		{
			fsErr:       syscall.EBUSY,
			expectedCat: monitor.ErrCategoryBusy,
		},
		{
			fsErr:       syscall.ENOTEMPTY,
			expectedCat: monitor.ErrCategoryNotEmpty,
		},
		{
			fsErr:       syscall.ENOSPC,
			expectedCat: monitor.ErrCategoryNoSpace,
		},
		{
			fsErr:       syscall.EISDIR,
			expectedCat: monitor.ErrCategoryInvalid,
		},
		{
			fsErr:       syscall.EINTR,
			expectedCat: monitor.ErrCategoryInterrupted,
		},
		{
			fsErr:       syscall.ENOSYS,
			expectedCat: monitor.ErrCategoryOther,
		},
	}

	for idx, tc := range tests {
		tc := tc
		t.Run(fmt.Sprintf("categorize - case: %d", idx), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.expectedCat, categorize(tc.fsErr))
		})
	}
}

func TestMonitoringRecordsSuccessfulOp(t *testing.T) {
	mh := new(monitor.MockMetricHandle)
	mh.On("OpsCount", mock.Anything, int64(1), monitor.OpLookUpInode).Return()
	mh.On("OpsLatency", mock.Anything, mock.Anything, monitor.OpLookUpInode).Return()
	fs := WithMonitoring(&failingFS{}, mh)

	err := fs.LookUpInode(context.Background(), &fuseops.LookUpInodeOp{})

	assert.NoError(t, err)
	mh.AssertExpectations(t)
	mh.AssertNotCalled(t, "OpsErrorCount", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMonitoringRecordsFailedOp(t *testing.T) {
	mh := new(monitor.MockMetricHandle)
	mh.On("OpsCount", mock.Anything, int64(1), monitor.OpLookUpInode).Return()
	mh.On("OpsLatency", mock.Anything, mock.Anything, monitor.OpLookUpInode).Return()
	mh.On("OpsErrorCount", mock.Anything, int64(1), monitor.OpLookUpInode, monitor.ErrCategoryNotFound).Return()
	fs := WithMonitoring(&failingFS{err: syscall.ENOENT}, mh)

	err := fs.LookUpInode(context.Background(), &fuseops.LookUpInodeOp{})

	assert.Equal(t, syscall.ENOENT, err)
	mh.AssertExpectations(t)
}
