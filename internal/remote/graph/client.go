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

// Package graph implements remote.Client over the Microsoft Graph drive API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/drivefuse/drivefuse/internal/util"
	"github.com/google/uuid"
)

const (
	conflictBehaviorKey = "@microsoft.graph.conflictBehavior"
	childrenPageSize    = 200
)

type reference struct {
	ID string `json:"id,omitempty"`
}

type facet struct{}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type driveItem struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Size                 uint64       `json:"size"`
	ETag                 string       `json:"eTag"`
	CTag                 string       `json:"cTag"`
	LastModifiedDateTime time.Time    `json:"lastModifiedDateTime"`
	ParentReference      *reference   `json:"parentReference,omitempty"`
	Folder               *folderFacet `json:"folder,omitempty"`
	File                 *facet       `json:"file,omitempty"`
	Root                 *facet       `json:"root,omitempty"`
	Deleted              *facet       `json:"deleted,omitempty"`
}

type itemPage struct {
	Value     []driveItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

type uploadSessionResponse struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
}

type driveResponse struct {
	Quota struct {
		Total     uint64 `json:"total"`
		Used      uint64 `json:"used"`
		Remaining uint64 `json:"remaining"`
	} `json:"quota"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to one drive through the Graph REST API.
type Client struct {
	// Authenticated client for API calls.
	http *http.Client

	// Client for upload URLs, which carry their own credentials and must not
	// receive the bearer token.
	upload *http.Client

	endpoint string
}

var _ remote.Client = (*Client)(nil)

// NewClient returns a client for the signed-in user's drive. httpClient must
// attach credentials, e.g. one built by oauth2.NewClient.
func NewClient(httpClient *http.Client, endpoint string) *Client {
	return &Client{
		http:     httpClient,
		upload:   &http.Client{Timeout: httpClient.Timeout},
		endpoint: strings.TrimSuffix(endpoint, "/"),
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (c *Client) itemURL(id remote.ItemID, suffix string) string {
	return fmt.Sprintf("%s/me/drive/items/%s%s", c.endpoint, url.PathEscape(string(id)), suffix)
}

func (c *Client) childPathURL(parent remote.ItemID, name string, suffix string) string {
	return fmt.Sprintf("%s/me/drive/items/%s:/%s:%s", c.endpoint, url.PathEscape(string(parent)), url.PathEscape(name), suffix)
}

func toItem(di *driveItem) *remote.Item {
	item := &remote.Item{
		ID:    remote.ItemID(di.ID),
		Name:  util.NormalizeName(di.Name),
		Kind:  remote.KindFile,
		Size:  di.Size,
		Mtime: di.LastModifiedDateTime,
		ETag:  di.ETag,
		CTag:  di.CTag,
	}
	if di.Folder != nil || di.Root != nil {
		item.Kind = remote.KindDirectory
	}
	if di.ParentReference != nil {
		item.ParentID = remote.ItemID(di.ParentReference.ID)
	}
	return item
}

// statusError carries the HTTP status of a failed response inside the
// remote error types.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

// statusCode returns the HTTP status behind err, or 0.
func statusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

// classify converts a failed response into the remote error taxonomy.
func classify(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er errorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &er) == nil && er.Error.Code != "" {
		msg = er.Error.Code + ": " + er.Error.Message
	}
	err := &statusError{
		code: resp.StatusCode,
		msg:  fmt.Sprintf("%s %s: %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status, msg),
	}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return &remote.NotFoundError{Err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &remote.PermissionError{Err: err}
	case http.StatusConflict, http.StatusPreconditionFailed:
		return &remote.ConflictError{Err: err}
	case http.StatusInsufficientStorage:
		return &remote.QuotaExceededError{Err: err}
	case http.StatusBadRequest, http.StatusRequestedRangeNotSatisfiable:
		return &remote.InvalidArgumentError{Err: err}
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return &remote.TransientError{Err: err}
	}
	if resp.StatusCode >= 500 {
		return &remote.TransientError{Err: err}
	}
	return err
}

// send issues a request and returns the response when its status is 2xx.
// Transport failures are transient.
func (c *Client) send(ctx context.Context, hc *http.Client, method string, rawURL string, body []byte, header http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, &remote.InvalidArgumentError{Err: err}
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("client-request-id", uuid.NewString())
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &remote.TransientError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, classify(resp)
	}
	return resp, nil
}

// do sends a request with an optional JSON body and decodes a JSON response
// into out, when out is non-nil.
func (c *Client) do(ctx context.Context, method string, rawURL string, in interface{}, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
	}
	resp, err := c.send(ctx, c.http, method, rawURL, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &remote.TransientError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// parseNextExpected returns the start of the first expected range, e.g. 26
// for ["26-"].
func parseNextExpected(ranges []string) (int64, error) {
	if len(ranges) == 0 {
		return 0, errors.New("no expected ranges in upload session")
	}
	var start int64
	if _, err := fmt.Sscanf(strings.SplitN(ranges[0], "-", 2)[0], "%d", &start); err != nil {
		return 0, fmt.Errorf("parse expected range %q: %w", ranges[0], err)
	}
	return start, nil
}

////////////////////////////////////////////////////////////////////////
// remote.Client
////////////////////////////////////////////////////////////////////////

func (c *Client) Root(ctx context.Context) (*remote.Item, error) {
	var di driveItem
	if err := c.do(ctx, http.MethodGet, c.endpoint+"/me/drive/root", nil, &di); err != nil {
		return nil, err
	}
	return toItem(&di), nil
}

func (c *Client) GetItem(ctx context.Context, id remote.ItemID) (*remote.Item, error) {
	var di driveItem
	if err := c.do(ctx, http.MethodGet, c.itemURL(id, ""), nil, &di); err != nil {
		return nil, err
	}
	return toItem(&di), nil
}

func (c *Client) ListChildren(ctx context.Context, id remote.ItemID, pageToken string) ([]*remote.Item, string, error) {
	u := pageToken
	if u == "" {
		u = c.itemURL(id, fmt.Sprintf("/children?$top=%d", childrenPageSize))
	}
	var page itemPage
	if err := c.do(ctx, http.MethodGet, u, nil, &page); err != nil {
		return nil, "", err
	}
	items := make([]*remote.Item, 0, len(page.Value))
	for i := range page.Value {
		items = append(items, toItem(&page.Value[i]))
	}
	return items, page.NextLink, nil
}

func (c *Client) ReadRange(ctx context.Context, id remote.ItemID, offset int64, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	resp, err := c.send(ctx, c.http, http.MethodGet, c.itemURL(id, "/content"), nil, header)
	if err != nil {
		if statusCode(err) == http.StatusRequestedRangeNotSatisfiable {
			// Range starts past the end of the item.
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPartialContent {
		data, err := io.ReadAll(io.LimitReader(resp.Body, length))
		if err != nil {
			return nil, &remote.TransientError{Err: err}
		}
		return data, nil
	}

	// The server ignored the range and sent the whole item.
	if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, &remote.TransientError{Err: err}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, &remote.TransientError{Err: err}
	}
	return data, nil
}

func (c *Client) CreateItem(ctx context.Context, parent remote.ItemID, name string, kind remote.Kind) (*remote.Item, error) {
	var di driveItem
	if kind == remote.KindDirectory {
		req := map[string]interface{}{
			"name":              name,
			"folder":            map[string]interface{}{},
			conflictBehaviorKey: "fail",
		}
		if err := c.do(ctx, http.MethodPost, c.itemURL(parent, "/children"), req, &di); err != nil {
			return nil, err
		}
		return toItem(&di), nil
	}

	u := c.childPathURL(parent, name, "/content?"+url.QueryEscape(conflictBehaviorKey)+"=fail")
	resp, err := c.send(ctx, c.http, http.MethodPut, u, []byte{}, http.Header{"Content-Type": {"application/octet-stream"}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := decode(resp, &di); err != nil {
		return nil, err
	}
	return toItem(&di), nil
}

func (c *Client) DeleteItem(ctx context.Context, id remote.ItemID) error {
	return c.do(ctx, http.MethodDelete, c.itemURL(id, ""), nil, nil)
}

func (c *Client) RenameItem(ctx context.Context, id remote.ItemID, newParent remote.ItemID, newName string) (*remote.Item, error) {
	req := map[string]interface{}{
		"name":            newName,
		"parentReference": reference{ID: string(newParent)},
	}
	var di driveItem
	if err := c.do(ctx, http.MethodPatch, c.itemURL(id, ""), req, &di); err != nil {
		return nil, err
	}
	return toItem(&di), nil
}

func (c *Client) OpenUploadSession(ctx context.Context, target remote.UploadTarget) (*remote.UploadSession, error) {
	u := c.itemURL(target.ItemID, "/createUploadSession")
	if target.ItemID == "" {
		u = c.childPathURL(target.ParentID, target.Name, "/createUploadSession")
	}
	req := map[string]interface{}{
		"item": map[string]interface{}{conflictBehaviorKey: "replace"},
	}
	var resp uploadSessionResponse
	if err := c.do(ctx, http.MethodPost, u, req, &resp); err != nil {
		return nil, err
	}
	return &remote.UploadSession{
		URL:        resp.UploadURL,
		Target:     target,
		Expiration: resp.ExpirationDateTime,
	}, nil
}

func (c *Client) UploadChunk(ctx context.Context, s *remote.UploadSession, offset int64, data []byte, totalSize int64) (int64, error) {
	if len(data) == 0 {
		return offset, nil
	}
	// Upload sessions take the total size with every fragment.
	if totalSize < 0 {
		return offset, remote.ErrNotSupported
	}
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(data))-1, totalSize))

	resp, err := c.send(ctx, c.upload, http.MethodPut, s.URL, data, header)
	if err != nil {
		return offset, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var di driveItem
		if err := decode(resp, &di); err != nil {
			return offset, err
		}
		s.Result = toItem(&di)
		return offset + int64(len(data)), nil
	default:
		var us uploadSessionResponse
		if err := decode(resp, &us); err != nil {
			return offset, err
		}
		if len(us.NextExpectedRanges) == 0 {
			return offset + int64(len(data)), nil
		}
		return parseNextExpected(us.NextExpectedRanges)
	}
}

func (c *Client) QueryUploadSession(ctx context.Context, s *remote.UploadSession) (int64, error) {
	resp, err := c.send(ctx, c.upload, http.MethodGet, s.URL, nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var us uploadSessionResponse
	if err := decode(resp, &us); err != nil {
		return 0, err
	}
	return parseNextExpected(us.NextExpectedRanges)
}

func (c *Client) FinalizeSession(ctx context.Context, s *remote.UploadSession, totalSize int64) (*remote.Item, error) {
	if s.Result != nil {
		return s.Result, nil
	}
	if totalSize != 0 {
		return nil, &remote.InvalidArgumentError{Err: fmt.Errorf("upload session for %q has not received its last chunk", s.Target.ItemID)}
	}

	// Upload sessions can not carry empty content; replace it directly and
	// drop the session.
	u := c.itemURL(s.Target.ItemID, "/content")
	if s.Target.ItemID == "" {
		u = c.childPathURL(s.Target.ParentID, s.Target.Name, "/content")
	}
	resp, err := c.send(ctx, c.http, http.MethodPut, u, []byte{}, http.Header{"Content-Type": {"application/octet-stream"}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var di driveItem
	if err := decode(resp, &di); err != nil {
		return nil, err
	}
	s.Result = toItem(&di)
	if err := c.CancelUploadSession(ctx, s); err != nil {
		logger.Warnf("Dropping the upload session of %q after an empty upload: %v", s.Target.ItemID, err)
	}
	return s.Result, nil
}

func (c *Client) CancelUploadSession(ctx context.Context, s *remote.UploadSession) error {
	resp, err := c.send(ctx, c.upload, http.MethodDelete, s.URL, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) Changes(ctx context.Context, cursor string) (*remote.ChangeSet, error) {
	u := cursor
	if u == "" {
		u = c.endpoint + "/me/drive/root/delta?token=latest"
	}
	var page itemPage
	err := c.do(ctx, http.MethodGet, u, nil, &page)
	if statusCode(err) == http.StatusGone && cursor != "" {
		// 410 Gone: the delta token expired and a full resync is needed.
		return &remote.ChangeSet{Reset: true}, nil
	}
	if err != nil {
		return nil, err
	}

	cs := &remote.ChangeSet{Cursor: page.DeltaLink}
	if page.NextLink != "" {
		cs.Cursor = page.NextLink
		cs.More = true
	}
	if cursor == "" {
		// token=latest only returns the cursor.
		return cs, nil
	}
	for i := range page.Value {
		di := &page.Value[i]
		cs.Changes = append(cs.Changes, remote.Change{Item: *toItem(di), Deleted: di.Deleted != nil})
	}
	return cs, nil
}

func (c *Client) Quota(ctx context.Context) (*remote.Quota, error) {
	var dr driveResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint+"/me/drive", nil, &dr); err != nil {
		return nil, err
	}
	return &remote.Quota{
		Total:     dr.Quota.Total,
		Used:      dr.Quota.Used,
		Remaining: dr.Quota.Remaining,
	}, nil
}
