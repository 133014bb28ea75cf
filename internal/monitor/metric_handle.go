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

// Package monitor records metrics for the file system and the remote drive,
// and exports them to Prometheus if enabled.
package monitor

import (
	"context"
	"errors"
	"time"
)

type ShutdownFn func(ctx context.Context) error

// JoinShutdownFunc combines the provided shutdown functions into a single function.
func JoinShutdownFunc(shutdownFns ...ShutdownFn) ShutdownFn {
	return func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFns {
			if fn == nil {
				continue
			}
			err = errors.Join(err, fn(ctx))
		}
		return err
	}
}

type OpsMetricHandle interface {
	OpsCount(ctx context.Context, inc int64, fsOp string)
	OpsLatency(ctx context.Context, latency time.Duration, fsOp string)
	OpsErrorCount(ctx context.Context, inc int64, fsOp string, category string)
}

type RemoteMetricHandle interface {
	RemoteRequestCount(ctx context.Context, inc int64, method string)
	RemoteRequestLatency(ctx context.Context, latency time.Duration, method string)
	RemoteReadBytesCount(ctx context.Context, inc int64)
}

type UploadMetricHandle interface {
	// UploadSessionTransition counts upload sessions entering state to.
	UploadSessionTransition(ctx context.Context, to string)
	UploadBytesLost(ctx context.Context, inc int64)
}

type MetricHandle interface {
	OpsMetricHandle
	RemoteMetricHandle
	UploadMetricHandle
}
