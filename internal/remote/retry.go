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
	"fmt"
	"time"

	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/googleapis/gax-go/v2"
)

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single call.
	MaxAttempts int

	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetryPolicy is used where no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
	}
}

func (p RetryPolicy) backoff() *gax.Backoff {
	return &gax.Backoff{
		Initial:    p.Initial,
		Max:        p.Max,
		Multiplier: p.Multiplier,
	}
}

// Retry calls fn until it succeeds, fails with a non-transient error, or the
// attempts of the policy are used up. The last error is returned wrapped, so
// its type is preserved.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	bo := p.backoff()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempt, err)
		}

		pause := bo.Pause()
		logger.Debugf("%s: attempt %d failed, retrying in %v: %v", op, attempt, pause, err)
		if err := gax.Sleep(ctx, pause); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}
