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

package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// ChooseLimiterCapacity picks a token bucket capacity that keeps the
// observed rate within a small factor of rateHz over any window of the given
// length.
//
// A full bucket can be drained at the start of a window and then refilled
// throughout it, so the rate seen over the window is bounded by
// rateHz + capacity/window. Choosing capacity = rateHz*window/50 keeps the
// excess at two percent.
func ChooseLimiterCapacity(
	rateHz float64,
	window time.Duration) (capacity uint64, err error) {
	// Check that the input is reasonable.
	if !(rateHz > 0) || rateHz >= math.MaxFloat64 {
		err = fmt.Errorf("Illegal rate: %f", rateHz)
		return
	}

	if window <= 0 {
		err = fmt.Errorf("Illegal window: %v", window)
		return
	}

	capacityFloat := math.Floor(window.Seconds() * rateHz / 50)
	if capacityFloat < 1 || capacityFloat > math.MaxInt32 {
		err = fmt.Errorf(
			"Can't use a token bucket to limit to %f Hz over a window of %v (result is a capacity of %f)",
			rateHz,
			window,
			capacityFloat)
		return
	}

	capacity = uint64(capacityFloat)
	return
}
