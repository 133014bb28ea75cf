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

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ClientTest struct {
	suite.Suite
	ctx    context.Context
	mux    *http.ServeMux
	server *httptest.Server
	client *Client
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTest))
}

func (t *ClientTest) SetupTest() {
	t.ctx = context.Background()
	t.mux = http.NewServeMux()
	t.server = httptest.NewServer(t.mux)
	t.client = NewClient(t.server.Client(), t.server.URL+"/v1.0/")
}

func (t *ClientTest) TearDownTest() {
	t.server.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (t *ClientTest) TestGetItemConvertsMetadata() {
	t.mux.HandleFunc("/v1.0/me/drive/items/abc", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t.T(), r.Header.Get("client-request-id"))
		fmt.Fprint(w, `{"id":"abc","name":"café","size":5,"eTag":"e1","cTag":"c1",
			"lastModifiedDateTime":"2025-01-02T03:04:05Z","parentReference":{"id":"root"},"file":{}}`)
	})

	item, err := t.client.GetItem(t.ctx, "abc")

	require.NoError(t.T(), err)
	assert.Equal(t.T(), remote.ItemID("abc"), item.ID)
	assert.Equal(t.T(), "café", item.Name)
	assert.Equal(t.T(), remote.KindFile, item.Kind)
	assert.Equal(t.T(), uint64(5), item.Size)
	assert.Equal(t.T(), remote.ItemID("root"), item.ParentID)
	assert.Equal(t.T(), "e1", item.ETag)
}

func (t *ClientTest) TestStatusMapping() {
	testCases := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, remote.IsNotFound},
		{http.StatusConflict, remote.IsConflict},
		{http.StatusTooManyRequests, remote.IsTransient},
		{http.StatusServiceUnavailable, remote.IsTransient},
		{http.StatusForbidden, func(err error) bool { var pe *remote.PermissionError; return errors.As(err, &pe) }},
		{http.StatusInsufficientStorage, func(err error) bool { var qe *remote.QuotaExceededError; return errors.As(err, &qe) }},
	}

	for _, tc := range testCases {
		status := tc.status
		t.mux.HandleFunc(fmt.Sprintf("/v1.0/me/drive/items/s%d", status), func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, status, map[string]interface{}{"error": map[string]string{"code": "x", "message": "y"}})
		})

		_, err := t.client.GetItem(t.ctx, remote.ItemID(fmt.Sprintf("s%d", status)))

		assert.True(t.T(), tc.check(err), "status %d: %v", status, err)
	}
}

func (t *ClientTest) TestListChildrenFollowsNextLink() {
	t.mux.HandleFunc("/v1.0/me/drive/items/dir/children", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"value":[{"id":"2","name":"b","folder":{"childCount":0}}]}`)
			return
		}
		fmt.Fprintf(w, `{"value":[{"id":"1","name":"a","file":{}}],"@odata.nextLink":"%s/v1.0/me/drive/items/dir/children?page=2"}`, t.server.URL)
	})

	first, next, err := t.client.ListChildren(t.ctx, "dir", "")
	require.NoError(t.T(), err)
	second, last, err := t.client.ListChildren(t.ctx, "dir", next)
	require.NoError(t.T(), err)

	require.Len(t.T(), first, 1)
	require.Len(t.T(), second, 1)
	assert.Equal(t.T(), "a", first[0].Name)
	assert.Equal(t.T(), remote.KindDirectory, second[0].Kind)
	assert.Empty(t.T(), last)
}

func (t *ClientTest) TestReadRangeSendsRangeHeader() {
	t.mux.HandleFunc("/v1.0/me/drive/items/f/content", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Range") {
		case "bytes=2-4":
			w.WriteHeader(http.StatusPartialContent)
			fmt.Fprint(w, "llo")
		default:
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		}
	})

	data, err := t.client.ReadRange(t.ctx, "f", 2, 3)
	require.NoError(t.T(), err)
	past, err := t.client.ReadRange(t.ctx, "f", 100, 3)
	require.NoError(t.T(), err)

	assert.Equal(t.T(), "llo", string(data))
	assert.Empty(t.T(), past)
}

func (t *ClientTest) TestCreateDirectoryFailsOnConflict() {
	t.mux.HandleFunc("/v1.0/me/drive/items/root/children", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t.T(), json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t.T(), "fail", body[conflictBehaviorKey])
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": map[string]string{"code": "nameAlreadyExists"}})
	})

	_, err := t.client.CreateItem(t.ctx, "root", "a", remote.KindDirectory)

	assert.True(t.T(), remote.IsConflict(err))
}

func (t *ClientTest) TestUploadSessionChunks() {
	var ranges []string
	t.mux.HandleFunc("/v1.0/me/drive/items/f/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"uploadUrl": t.server.URL + "/upload/1"})
	})
	t.mux.HandleFunc("/upload/1", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t.T(), r.Header.Get("Authorization"))
		ranges = append(ranges, r.Header.Get("Content-Range"))
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Range") == "bytes 0-2/5" {
			assert.Equal(t.T(), "hel", string(body))
			writeJSON(w, http.StatusAccepted, map[string]interface{}{"nextExpectedRanges": []string{"3-"}})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"id": "f", "name": "f", "size": 5, "eTag": "e2", "file": map[string]string{}})
	})

	s, err := t.client.OpenUploadSession(t.ctx, remote.UploadTarget{ItemID: "f"})
	require.NoError(t.T(), err)
	committed, err := t.client.UploadChunk(t.ctx, s, 0, []byte("hel"), 5)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), int64(3), committed)
	committed, err = t.client.UploadChunk(t.ctx, s, 3, []byte("lo"), 5)
	require.NoError(t.T(), err)
	item, err := t.client.FinalizeSession(t.ctx, s, 5)
	require.NoError(t.T(), err)

	assert.Equal(t.T(), int64(5), committed)
	assert.Equal(t.T(), "e2", item.ETag)
	assert.Equal(t.T(), []string{"bytes 0-2/5", "bytes 3-4/5"}, ranges)
}

func (t *ClientTest) TestUploadChunkNeedsTotalSize() {
	t.mux.HandleFunc("/upload/2", func(w http.ResponseWriter, r *http.Request) {
		assert.Fail(t.T(), "unexpected request", r.Header.Get("Content-Range"))
	})
	s := &remote.UploadSession{URL: t.server.URL + "/upload/2"}

	committed, err := t.client.UploadChunk(t.ctx, s, 4, []byte("taco"), -1)

	assert.ErrorIs(t.T(), err, remote.ErrNotSupported)
	assert.Equal(t.T(), int64(4), committed)
}

func (t *ClientTest) TestEmptyUploadSurvivesFailedSessionCleanup() {
	t.mux.HandleFunc("/v1.0/me/drive/items/f/content", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t.T(), http.MethodPut, r.Method)
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "f", "name": "f", "size": 0, "eTag": "e3", "file": map[string]string{}})
	})
	t.mux.HandleFunc("/upload/3", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": map[string]string{"code": "generalException"}})
	})
	s := &remote.UploadSession{URL: t.server.URL + "/upload/3", Target: remote.UploadTarget{ItemID: "f"}}

	item, err := t.client.FinalizeSession(t.ctx, s, 0)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), "e3", item.ETag)
	assert.Equal(t.T(), uint64(0), item.Size)
}

func (t *ClientTest) TestQueryUploadSession() {
	t.mux.HandleFunc("/upload/q", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"nextExpectedRanges": []string{"26-"}})
	})

	committed, err := t.client.QueryUploadSession(t.ctx, &remote.UploadSession{URL: t.server.URL + "/upload/q"})

	require.NoError(t.T(), err)
	assert.Equal(t.T(), int64(26), committed)
}

func (t *ClientTest) TestChanges() {
	t.mux.HandleFunc("/v1.0/me/drive/root/delta", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("token") {
		case "latest":
			fmt.Fprintf(w, `{"value":[],"@odata.deltaLink":"%s/v1.0/me/drive/root/delta?token=t1"}`, t.server.URL)
		case "t1":
			fmt.Fprintf(w, `{"value":[{"id":"x","name":"gone","deleted":{},"parentReference":{"id":"root"}}],"@odata.deltaLink":"%s/v1.0/me/drive/root/delta?token=t2"}`, t.server.URL)
		default:
			w.WriteHeader(http.StatusGone)
		}
	})

	start, err := t.client.Changes(t.ctx, "")
	require.NoError(t.T(), err)
	cs, err := t.client.Changes(t.ctx, start.Cursor)
	require.NoError(t.T(), err)
	expired, err := t.client.Changes(t.ctx, t.server.URL+"/v1.0/me/drive/root/delta?token=old")
	require.NoError(t.T(), err)

	require.Len(t.T(), cs.Changes, 1)
	assert.True(t.T(), cs.Changes[0].Deleted)
	assert.Equal(t.T(), remote.ItemID("root"), cs.Changes[0].Item.ParentID)
	assert.False(t.T(), cs.More)
	assert.True(t.T(), expired.Reset)
}

func (t *ClientTest) TestQuota() {
	t.mux.HandleFunc("/v1.0/me/drive", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"quota":{"total":100,"used":40,"remaining":60}}`)
	})

	q, err := t.client.Quota(t.ctx)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), remote.Quota{Total: 100, Used: 40, Remaining: 60}, *q)
}
