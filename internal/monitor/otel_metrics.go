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
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// Attribute Keys
	// fsOpKey specifies the FS operation like LookUpInode, ReadFile etc.
	fsOpKey = attribute.Key("fs_op")
	// fsErrCategoryKey specifies the error category. The intention is to reduce the cardinality of FSError by grouping errors together.
	fsErrCategoryKey = attribute.Key("fs_error_category")
	// remoteMethodKey specifies the name of the remote drive method.
	remoteMethodKey = attribute.Key("remote_method")
	// sessionStateKey specifies the state an upload session entered.
	sessionStateKey = attribute.Key("session_state")

	fsOpsOptionCache,
	fsOpsErrorCategoryOptionCache,
	remoteMethodOptionCache,
	sessionStateOptionCache sync.Map
)

type fsOpsErrorCategory struct {
	fsOp, category string
}

func loadOrStoreAttrOption[K comparable](mp *sync.Map, key K, attrSetGenFunc func() attribute.Set) metric.MeasurementOption {
	attrSet, ok := mp.Load(key)
	if ok {
		return attrSet.(metric.MeasurementOption)
	}
	v, _ := mp.LoadOrStore(key, metric.WithAttributeSet(attrSetGenFunc()))
	return v.(metric.MeasurementOption)
}

func fsOpsAttrOption(fsOp string) metric.MeasurementOption {
	return loadOrStoreAttrOption(&fsOpsOptionCache, fsOp,
		func() attribute.Set {
			return attribute.NewSet(fsOpKey.String(fsOp))
		})
}

func fsOpsErrorCategoryAttrOption(attr fsOpsErrorCategory) metric.MeasurementOption {
	return loadOrStoreAttrOption(&fsOpsErrorCategoryOptionCache, attr,
		func() attribute.Set {
			return attribute.NewSet(fsOpKey.String(attr.fsOp), fsErrCategoryKey.String(attr.category))
		})
}

func remoteMethodAttrOption(method string) metric.MeasurementOption {
	return loadOrStoreAttrOption(&remoteMethodOptionCache, method,
		func() attribute.Set {
			return attribute.NewSet(remoteMethodKey.String(method))
		})
}

func sessionStateAttrOption(state string) metric.MeasurementOption {
	return loadOrStoreAttrOption(&sessionStateOptionCache, state,
		func() attribute.Set {
			return attribute.NewSet(sessionStateKey.String(state))
		})
}

// otelMetrics maintains the list of all metrics computed by the file system.
type otelMetrics struct {
	fsOpsCount      metric.Int64Counter
	fsOpsErrorCount metric.Int64Counter
	fsOpsLatency    metric.Float64Histogram

	remoteRequestCount   metric.Int64Counter
	remoteRequestLatency metric.Float64Histogram
	remoteReadBytesCount metric.Int64Counter

	uploadSessionTransitions metric.Int64Counter
	uploadBytesLost          metric.Int64Counter
}

func (o *otelMetrics) OpsCount(ctx context.Context, inc int64, fsOp string) {
	o.fsOpsCount.Add(ctx, inc, fsOpsAttrOption(fsOp))
}

func (o *otelMetrics) OpsLatency(ctx context.Context, latency time.Duration, fsOp string) {
	o.fsOpsLatency.Record(ctx, float64(latency.Microseconds()), fsOpsAttrOption(fsOp))
}

func (o *otelMetrics) OpsErrorCount(ctx context.Context, inc int64, fsOp string, category string) {
	o.fsOpsErrorCount.Add(ctx, inc, fsOpsErrorCategoryAttrOption(fsOpsErrorCategory{fsOp: fsOp, category: category}))
}

func (o *otelMetrics) RemoteRequestCount(ctx context.Context, inc int64, method string) {
	o.remoteRequestCount.Add(ctx, inc, remoteMethodAttrOption(method))
}

func (o *otelMetrics) RemoteRequestLatency(ctx context.Context, latency time.Duration, method string) {
	o.remoteRequestLatency.Record(ctx, float64(latency.Milliseconds()), remoteMethodAttrOption(method))
}

func (o *otelMetrics) RemoteReadBytesCount(ctx context.Context, inc int64) {
	o.remoteReadBytesCount.Add(ctx, inc)
}

func (o *otelMetrics) UploadSessionTransition(ctx context.Context, to string) {
	o.uploadSessionTransitions.Add(ctx, 1, sessionStateAttrOption(to))
}

func (o *otelMetrics) UploadBytesLost(ctx context.Context, inc int64) {
	o.uploadBytesLost.Add(ctx, inc)
}

// NewOTelMetrics creates the instruments on the global meter provider, which
// SetupOTelMetricExporters configures.
func NewOTelMetrics() (MetricHandle, error) {
	fsOpsMeter := otel.Meter("fs_op")
	remoteMeter := otel.Meter("remote")
	uploadMeter := otel.Meter("upload")

	fsOpsCount, err1 := fsOpsMeter.Int64Counter("fs/ops_count",
		metric.WithDescription("The cumulative number of ops processed by the file system."))
	fsOpsErrorCount, err2 := fsOpsMeter.Int64Counter("fs/ops_error_count",
		metric.WithDescription("The cumulative number of errors generated by file system operations."))
	fsOpsLatency, err3 := fsOpsMeter.Float64Histogram("fs/ops_latency",
		metric.WithDescription("The cumulative distribution of file system operation latencies"), metric.WithUnit("us"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 50000, 100000))
	remoteRequestCount, err4 := remoteMeter.Int64Counter("remote/request_count",
		metric.WithDescription("The cumulative number of requests sent to the remote drive."))
	remoteRequestLatency, err5 := remoteMeter.Float64Histogram("remote/request_latencies",
		metric.WithDescription("The cumulative distribution of the remote drive request latencies."), metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000, 60000))
	remoteReadBytesCount, err6 := remoteMeter.Int64Counter("remote/read_bytes_count",
		metric.WithDescription("The cumulative number of bytes read from remote items."), metric.WithUnit("By"))
	uploadSessionTransitions, err7 := uploadMeter.Int64Counter("upload/session_transitions",
		metric.WithDescription("The cumulative number of upload sessions entering each state."))
	uploadBytesLost, err8 := uploadMeter.Int64Counter("upload/bytes_lost",
		metric.WithDescription("The cumulative number of written bytes discarded without being committed."), metric.WithUnit("By"))

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7, err8); err != nil {
		return nil, err
	}
	return &otelMetrics{
		fsOpsCount:               fsOpsCount,
		fsOpsErrorCount:          fsOpsErrorCount,
		fsOpsLatency:             fsOpsLatency,
		remoteRequestCount:       remoteRequestCount,
		remoteRequestLatency:     remoteRequestLatency,
		remoteReadBytesCount:     remoteReadBytesCount,
		uploadSessionTransitions: uploadSessionTransitions,
		uploadBytesLost:          uploadBytesLost,
	}, nil
}
