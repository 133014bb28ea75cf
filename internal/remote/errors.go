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

package remote

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotSupported is returned for optional operations the remote does not
// implement.
var ErrNotSupported = errors.New("operation not supported by the remote")

// A *NotFoundError value is an error that indicates an item does not exist.
type NotFoundError struct {
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote.NotFoundError: %v", e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// A *PermissionError value is an error that indicates the remote refused the
// operation for the current credentials.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("remote.PermissionError: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// A *ConflictError value is an error that indicates the name already exists,
// or that the item changed under a conditional request.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote.ConflictError: %v", e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// A *QuotaExceededError value is an error that indicates the account has no
// space left.
type QuotaExceededError struct {
	Err error
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("remote.QuotaExceededError: %v", e.Err)
}

func (e *QuotaExceededError) Unwrap() error { return e.Err }

// An *InvalidArgumentError value is an error that indicates a bad offset,
// size or name.
type InvalidArgumentError struct {
	Err error
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("remote.InvalidArgumentError: %v", e.Err)
}

func (e *InvalidArgumentError) Unwrap() error { return e.Err }

// A *TransientError value is an error that may succeed when retried:
// timeouts, throttling, and server-side failures.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("remote.TransientError: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsTransient reports whether err is worth retrying. Context cancellation is
// never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}
