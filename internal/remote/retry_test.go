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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type RetryTest struct {
	suite.Suite
	policy RetryPolicy
}

func TestRetrySuite(t *testing.T) {
	suite.Run(t, new(RetryTest))
}

func (t *RetryTest) SetupTest() {
	t.policy = RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func (t *RetryTest) TestSucceedsAfterTransientFailures() {
	calls := 0

	err := Retry(context.Background(), t.policy, "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("503")}
		}
		return nil
	})

	assert.NoError(t.T(), err)
	assert.Equal(t.T(), 3, calls)
}

func (t *RetryTest) TestGivesUpAfterMaxAttempts() {
	calls := 0

	err := Retry(context.Background(), t.policy, "op", func(context.Context) error {
		calls++
		return &TransientError{Err: errors.New("timeout")}
	})

	assert.True(t.T(), IsTransient(err))
	assert.Equal(t.T(), 3, calls)
}

func (t *RetryTest) TestPermanentErrorIsNotRetried() {
	calls := 0

	err := Retry(context.Background(), t.policy, "op", func(context.Context) error {
		calls++
		return &QuotaExceededError{Err: errors.New("507")}
	})

	var qe *QuotaExceededError
	assert.True(t.T(), errors.As(err, &qe))
	assert.Equal(t.T(), 1, calls)
}

func (t *RetryTest) TestCancelledContextStopsRetrying() {
	ctx, cancel := context.WithCancel(context.Background())
	t.policy.Initial = time.Hour
	t.policy.Max = time.Hour
	calls := 0

	err := Retry(ctx, t.policy, "op", func(context.Context) error {
		calls++
		cancel()
		return &TransientError{Err: errors.New("reset")}
	})

	assert.ErrorIs(t.T(), err, context.Canceled)
	assert.Equal(t.T(), 1, calls)
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("GetItem: %w", &NotFoundError{Err: errors.New("404")})

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.True(t, IsConflict(&ConflictError{Err: errors.New("409")}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
	assert.Contains(t, wrapped.Error(), "remote.NotFoundError: 404")
}
