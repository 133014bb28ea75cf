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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drivefuse/drivefuse/internal/logger"
)

// RWLocker is the lock type of every inode and handle.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NewRW returns a RW locker, wrapped with invariant checking and hold-time
// reporting when those are enabled.
func NewRW(name string, check func()) RWLocker {
	var l RWLocker = &sync.RWMutex{}

	if gEnableInvariantsCheck {
		l = &rwChecker{
			locker: l,
			check:  check,
		}
	}

	if gEnableDebugMessages {
		l = &rwDebugger{
			locker: l,
			name:   name,
		}
	}

	return l
}

// rwChecker runs check after every acquisition and before every release, so
// the invariants hold whenever the lock changes hands.
type rwChecker struct {
	locker RWLocker
	check  func()
}

func (c *rwChecker) Lock() {
	c.locker.Lock()
	c.check()
}

func (c *rwChecker) Unlock() {
	c.check()
	c.locker.Unlock()
}

func (c *rwChecker) RLock() {
	c.locker.RLock()
	c.check()
}

func (c *rwChecker) RUnlock() {
	c.check()
	c.locker.RUnlock()
}

// rwDebugger warns while the write lock is held past holdWarningThreshold,
// naming the holder's stack. Readers are only counted: the stack of each of
// several concurrent readers is not kept, but a reader span that outlives the
// threshold is reported when the last reader leaves.
type rwDebugger struct {
	locker RWLocker
	name   string

	// GUARDED_BY(locker) in write mode
	holder string
	since  time.Time
	timer  *time.Timer

	readers      atomic.Int32
	readersSince atomic.Int64
}

func holderStack() string {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false /* all */)
	return string(buf[:n])
}

func (d *rwDebugger) Lock() {
	d.locker.Lock()

	d.holder = holderStack()
	d.since = time.Now()
	holder := d.holder
	d.timer = time.AfterFunc(holdWarningThreshold, func() {
		logger.Warnf("debug_mutex: lock %q held for more than %v by: %v", d.name, holdWarningThreshold, holder)
	})
}

func (d *rwDebugger) Unlock() {
	d.timer.Stop()
	if held := time.Since(d.since); held > holdWarningThreshold {
		logger.Warnf("debug_mutex: lock %q released after %v", d.name, held)
	}
	d.holder = ""
	d.timer = nil

	d.locker.Unlock()
}

func (d *rwDebugger) RLock() {
	d.locker.RLock()

	if d.readers.Add(1) == 1 {
		d.readersSince.Store(time.Now().UnixNano())
	}
}

func (d *rwDebugger) RUnlock() {
	if d.readers.Add(-1) == 0 {
		since := time.Unix(0, d.readersSince.Load())
		if held := time.Since(since); held > holdWarningThreshold {
			logger.Warnf("debug_mutex: readers held lock %q for %v", d.name, held)
		}
	}

	d.locker.RUnlock()
}
