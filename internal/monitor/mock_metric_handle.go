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
	"time"

	"github.com/stretchr/testify/mock"
)

type MockMetricHandle struct {
	mock.Mock
}

func (m *MockMetricHandle) OpsCount(ctx context.Context, inc int64, fsOp string) {
	m.Called(ctx, inc, fsOp)
}

func (m *MockMetricHandle) OpsLatency(ctx context.Context, latency time.Duration, fsOp string) {
	m.Called(ctx, latency, fsOp)
}

func (m *MockMetricHandle) OpsErrorCount(ctx context.Context, inc int64, fsOp string, category string) {
	m.Called(ctx, inc, fsOp, category)
}

func (m *MockMetricHandle) RemoteRequestCount(ctx context.Context, inc int64, method string) {
	m.Called(ctx, inc, method)
}

func (m *MockMetricHandle) RemoteRequestLatency(ctx context.Context, latency time.Duration, method string) {
	m.Called(ctx, latency, method)
}

func (m *MockMetricHandle) RemoteReadBytesCount(ctx context.Context, inc int64) {
	m.Called(ctx, inc)
}

func (m *MockMetricHandle) UploadSessionTransition(ctx context.Context, to string) {
	m.Called(ctx, to)
}

func (m *MockMetricHandle) UploadBytesLost(ctx context.Context, inc int64) {
	m.Called(ctx, inc)
}
