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

import (
	"context"
	"testing"

	"github.com/drivefuse/drivefuse/internal/remote/fake"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMonitoringClientRecordsRequests(t *testing.T) {
	ctx := context.Background()
	drive := fake.NewDrive(timeutil.RealClock())
	item, err := drive.AddFile(drive.RootID(), "a", []byte("hello"))
	require.NoError(t, err)
	mh := new(MockMetricHandle)
	mh.On("RemoteRequestCount", mock.Anything, int64(1), "GetItem").Return()
	mh.On("RemoteRequestLatency", mock.Anything, mock.Anything, "GetItem").Return()
	mh.On("RemoteRequestCount", mock.Anything, int64(1), "ReadRange").Return()
	mh.On("RemoteRequestLatency", mock.Anything, mock.Anything, "ReadRange").Return()
	mh.On("RemoteReadBytesCount", mock.Anything, int64(3)).Return()
	c := NewMonitoringClient(drive, mh)

	got, err := c.GetItem(ctx, item.ID)
	require.NoError(t, err)
	data, err := c.ReadRange(ctx, item.ID, 1, 3)
	require.NoError(t, err)

	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, "ell", string(data))
	mh.AssertExpectations(t)
}

func TestMonitoringClientRecordsFailedRequests(t *testing.T) {
	ctx := context.Background()
	drive := fake.NewDrive(timeutil.RealClock())
	mh := new(MockMetricHandle)
	mh.On("RemoteRequestCount", mock.Anything, int64(1), "ReadRange").Return()
	mh.On("RemoteRequestLatency", mock.Anything, mock.Anything, "ReadRange").Return()
	c := NewMonitoringClient(drive, mh)

	_, err := c.ReadRange(ctx, "missing", 0, 1)

	assert.Error(t, err)
	mh.AssertExpectations(t)
	mh.AssertNotCalled(t, "RemoteReadBytesCount", mock.Anything, mock.Anything)
}
