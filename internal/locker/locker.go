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

package locker

import (
	"sync"
	"time"
)

var (
	gEnableInvariantsCheck bool
	gEnableDebugMessages   bool
)

// holdWarningThreshold is how long a debugged lock may be held before a
// warning with the holder's stack is logged.
const holdWarningThreshold = 5 * time.Second

// EnableInvariantsCheck makes lockers created afterwards run their invariant
// check on every lock and unlock.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
}

// EnableDebugMessages makes lockers created afterwards report locks that are
// held suspiciously long.
func EnableDebugMessages() {
	gEnableDebugMessages = true
}

// New returns a plain mutex, wrapped with invariant checking and hold-time
// debugging when those are enabled.
func New(name string, check func()) sync.Locker {
	return NewRW(name, check)
}
