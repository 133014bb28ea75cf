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

package bufferedwrites

import (
	"errors"
	"fmt"
)

// UploadSessionError reports a failed or cancelled upload.
type UploadSessionError struct {
	Op  string
	Err error
}

func (e *UploadSessionError) Error() string {
	return fmt.Sprintf("bufferedwrites.UploadSessionError: %s: %v", e.Op, e.Err)
}

func (e *UploadSessionError) Unwrap() error { return e.Err }

// ErrInvalidTransition is wrapped by errors for calls not allowed in the
// current session state.
var ErrInvalidTransition = errors.New("invalid upload session transition")

// ErrSessionCancelled is the cause of UploadSessionErrors for cancelled
// sessions.
var ErrSessionCancelled = errors.New("upload session cancelled")
