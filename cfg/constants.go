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

package cfg

import (
	"math"
	"time"
)

const (
	// DefaultEndpoint is the Microsoft Graph v1.0 root.
	DefaultEndpoint = "https://graph.microsoft.com/v1.0"

	// DefaultReadOnlyTTLSecs is the attribute and listing TTL of read-only
	// mounts, where only remote changes can make an entry stale.
	DefaultReadOnlyTTLSecs = 5

	// DefaultReadWriteTTLSecs is the TTL of read-write mounts.
	DefaultReadWriteTTLSecs = 1

	// UploadChunkAlignmentKb is the granularity the remote requires for all
	// upload-session chunks except the last one.
	UploadChunkAlignmentKb = 320

	AttrTTLConfigKey = "metadata-cache.attr-ttl-secs"
	DirTTLConfigKey  = "metadata-cache.dir-ttl-secs"

	// MaxSupportedTTLInSeconds represents maximum multiple of seconds representable by time.Duration.
	MaxSupportedTTLInSeconds = math.MaxInt64 / int64(time.Second)
)
