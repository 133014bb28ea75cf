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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRW_ChecksInvariantsWhenEnabled(t *testing.T) {
	saved := gEnableInvariantsCheck
	defer func() { gEnableInvariantsCheck = saved }()
	EnableInvariantsCheck()
	calls := 0

	l := NewRW("test", func() { calls++ })
	l.Lock()
	l.Unlock()
	l.RLock()
	l.RUnlock()

	assert.Equal(t, 4, calls)
}

func TestNew_PlainMutexByDefault(t *testing.T) {
	saved := gEnableInvariantsCheck
	defer func() { gEnableInvariantsCheck = saved }()
	gEnableInvariantsCheck = false
	calls := 0

	l := New("test", func() { calls++ })
	l.Lock()
	l.Unlock()

	assert.Equal(t, 0, calls)
}

func TestDebugger_LockUnlock(t *testing.T) {
	saved := gEnableDebugMessages
	defer func() { gEnableDebugMessages = saved }()
	EnableDebugMessages()

	l := NewRW("test", func() {})
	l.Lock()
	_, ok := l.(*rwDebugger)
	l.Unlock()

	assert.True(t, ok)
}

func TestDebugger_CountsReaders(t *testing.T) {
	d := &rwDebugger{locker: &sync.RWMutex{}, name: "test"}

	d.RLock()
	d.RLock()
	assert.Equal(t, int32(2), d.readers.Load())
	assert.NotZero(t, d.readersSince.Load())
	d.RUnlock()
	d.RUnlock()

	assert.Equal(t, int32(0), d.readers.Load())
}

func TestDebugger_LockRecordsHolder(t *testing.T) {
	d := &rwDebugger{locker: &sync.RWMutex{}, name: "test"}

	d.Lock()
	assert.Contains(t, d.holder, "TestDebugger_LockRecordsHolder")
	d.Unlock()

	assert.Empty(t, d.holder)
	assert.Nil(t, d.timer)
}
