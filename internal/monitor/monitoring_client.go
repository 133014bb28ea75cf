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

	"github.com/drivefuse/drivefuse/internal/remote"
)

// recordRequest records a request and its latency.
func recordRequest(ctx context.Context, metricHandle MetricHandle, method string, start time.Time) {
	metricHandle.RemoteRequestCount(ctx, 1, method)
	metricHandle.RemoteRequestLatency(ctx, time.Since(start), method)
}

// NewMonitoringClient returns a remote.Client that exports metrics for
// monitoring.
func NewMonitoringClient(c remote.Client, m MetricHandle) remote.Client {
	return &monitoringClient{
		wrapped:      c,
		metricHandle: m,
	}
}

type monitoringClient struct {
	wrapped      remote.Client
	metricHandle MetricHandle
}

func (mc *monitoringClient) Root(ctx context.Context) (*remote.Item, error) {
	startTime := time.Now()
	item, err := mc.wrapped.Root(ctx)
	recordRequest(ctx, mc.metricHandle, "Root", startTime)
	return item, err
}

func (mc *monitoringClient) GetItem(ctx context.Context, id remote.ItemID) (*remote.Item, error) {
	startTime := time.Now()
	item, err := mc.wrapped.GetItem(ctx, id)
	recordRequest(ctx, mc.metricHandle, "GetItem", startTime)
	return item, err
}

func (mc *monitoringClient) ListChildren(ctx context.Context, id remote.ItemID, pageToken string) ([]*remote.Item, string, error) {
	startTime := time.Now()
	items, next, err := mc.wrapped.ListChildren(ctx, id, pageToken)
	recordRequest(ctx, mc.metricHandle, "ListChildren", startTime)
	return items, next, err
}

func (mc *monitoringClient) ReadRange(ctx context.Context, id remote.ItemID, offset int64, length int64) ([]byte, error) {
	startTime := time.Now()
	data, err := mc.wrapped.ReadRange(ctx, id, offset, length)
	recordRequest(ctx, mc.metricHandle, "ReadRange", startTime)
	if err == nil {
		mc.metricHandle.RemoteReadBytesCount(ctx, int64(len(data)))
	}
	return data, err
}

func (mc *monitoringClient) CreateItem(ctx context.Context, parent remote.ItemID, name string, kind remote.Kind) (*remote.Item, error) {
	startTime := time.Now()
	item, err := mc.wrapped.CreateItem(ctx, parent, name, kind)
	recordRequest(ctx, mc.metricHandle, "CreateItem", startTime)
	return item, err
}

func (mc *monitoringClient) DeleteItem(ctx context.Context, id remote.ItemID) error {
	startTime := time.Now()
	err := mc.wrapped.DeleteItem(ctx, id)
	recordRequest(ctx, mc.metricHandle, "DeleteItem", startTime)
	return err
}

func (mc *monitoringClient) RenameItem(ctx context.Context, id remote.ItemID, newParent remote.ItemID, newName string) (*remote.Item, error) {
	startTime := time.Now()
	item, err := mc.wrapped.RenameItem(ctx, id, newParent, newName)
	recordRequest(ctx, mc.metricHandle, "RenameItem", startTime)
	return item, err
}

func (mc *monitoringClient) OpenUploadSession(ctx context.Context, target remote.UploadTarget) (*remote.UploadSession, error) {
	startTime := time.Now()
	s, err := mc.wrapped.OpenUploadSession(ctx, target)
	recordRequest(ctx, mc.metricHandle, "OpenUploadSession", startTime)
	return s, err
}

func (mc *monitoringClient) UploadChunk(ctx context.Context, s *remote.UploadSession, offset int64, data []byte, totalSize int64) (int64, error) {
	startTime := time.Now()
	committed, err := mc.wrapped.UploadChunk(ctx, s, offset, data, totalSize)
	recordRequest(ctx, mc.metricHandle, "UploadChunk", startTime)
	return committed, err
}

func (mc *monitoringClient) QueryUploadSession(ctx context.Context, s *remote.UploadSession) (int64, error) {
	startTime := time.Now()
	committed, err := mc.wrapped.QueryUploadSession(ctx, s)
	recordRequest(ctx, mc.metricHandle, "QueryUploadSession", startTime)
	return committed, err
}

func (mc *monitoringClient) FinalizeSession(ctx context.Context, s *remote.UploadSession, totalSize int64) (*remote.Item, error) {
	startTime := time.Now()
	item, err := mc.wrapped.FinalizeSession(ctx, s, totalSize)
	recordRequest(ctx, mc.metricHandle, "FinalizeSession", startTime)
	return item, err
}

func (mc *monitoringClient) CancelUploadSession(ctx context.Context, s *remote.UploadSession) error {
	startTime := time.Now()
	err := mc.wrapped.CancelUploadSession(ctx, s)
	recordRequest(ctx, mc.metricHandle, "CancelUploadSession", startTime)
	return err
}

func (mc *monitoringClient) Changes(ctx context.Context, cursor string) (*remote.ChangeSet, error) {
	startTime := time.Now()
	cs, err := mc.wrapped.Changes(ctx, cursor)
	recordRequest(ctx, mc.metricHandle, "Changes", startTime)
	return cs, err
}

func (mc *monitoringClient) Quota(ctx context.Context) (*remote.Quota, error) {
	startTime := time.Now()
	q, err := mc.wrapped.Quota(ctx)
	recordRequest(ctx, mc.metricHandle, "Quota", startTime)
	return q, err
}
