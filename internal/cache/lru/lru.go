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

// Package lru provides a size-bounded least-recently-used cache shared by the
// read cache and the directory listing cache.
package lru

import (
	"container/list"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Predefined error message returned by the Cache.
const InvalidEntrySizeErrorMsg = "size of the entry is more than the cache's maxSize"
const InvalidEntryErrorMsg = "nil values are not supported"

// Cache is a LRU cache for any lru.ValueType indexed by keys of type K.
type Cache[K comparable] struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// INVARIANT: maxSize > 0
	maxSize uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Sum of entry.Value.Size() of all the entries in the cache.
	currentSize uint64

	// List of cache entries, with least recently used at the tail.
	//
	// INVARIANT: currentSize <= maxSize
	// INVARIANT: Each element is of type entry[K]
	entries list.List

	// Index of elements by key.
	//
	// INVARIANT: For each k, v: v.Value.(entry[K]).Key == k
	// INVARIANT: Contains all and only the elements of entries
	index map[K]*list.Element

	// All public methods of this Cache uses this mutex while accessing/updating
	// Cache's data.
	mu sync.Mutex
}

type ValueType interface {
	Size() uint64
}

type entry[K comparable] struct {
	Key   K
	Value ValueType
}

// NewCache initializes a cache with the supplied maxSize, which must be
// greater than zero.
func NewCache[K comparable](maxSize uint64) *Cache[K] {
	return &Cache[K]{
		maxSize: maxSize,
		index:   make(map[K]*list.Element),
	}
}

// CheckInvariants panic if any internal invariants have been violated.
// The careful user can arrange to call this at crucial moments.
func (c *Cache[K]) CheckInvariants() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// INVARIANT: maxSize > 0
	if !(c.maxSize > 0) {
		panic(fmt.Sprintf("Invalid maxSize: %v", c.maxSize))
	}

	// INVARIANT: currentSize <= maxSize
	if !(c.currentSize <= c.maxSize) {
		panic(fmt.Sprintf("CurrentSize %v over maxSize %v", c.currentSize, c.maxSize))
	}

	// INVARIANT: Each element is of type entry[K]
	var sum uint64
	for e := c.entries.Front(); e != nil; e = e.Next() {
		switch v := e.Value.(type) {
		case entry[K]:
			sum += v.Value.Size()
		default:
			panic(fmt.Sprintf("Unexpected element type: %v", reflect.TypeOf(e.Value)))
		}
	}
	if sum != c.currentSize {
		panic(fmt.Sprintf("CurrentSize %v does not match entries total %v", c.currentSize, sum))
	}

	// INVARIANT: For each k, v: v.Value.(entry[K]).Key == k
	// INVARIANT: Contains all and only the elements of entries
	if c.entries.Len() != len(c.index) {
		panic(fmt.Sprintf(
			"Length mismatch: %v vs. %v",
			c.entries.Len(),
			len(c.index)))
	}

	for e := c.entries.Front(); e != nil; e = e.Next() {
		if c.index[e.Value.(entry[K]).Key] != e {
			panic(fmt.Sprintf("Mismatch for key %v", e.Value.(entry[K]).Key))
		}
	}
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache[K]) remove(e *list.Element) ValueType {
	ent := e.Value.(entry[K])
	c.currentSize -= ent.Value.Size()
	c.entries.Remove(e)
	delete(c.index, ent.Key)
	return ent.Value
}

////////////////////////////////////////////////////////////////////////
// Cache interface
////////////////////////////////////////////////////////////////////////

// Insert the supplied value into the cache, overwriting any previous entry for
// the given key. The value must be non-nil.
// Also returns a slice of ValueType evicted by the new inserted entry.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache[K]) Insert(
	key K,
	value ValueType) ([]ValueType, error) {
	if value == nil {
		return nil, errors.New(InvalidEntryErrorMsg)
	}

	if value.Size() > c.maxSize {
		return nil, errors.New(InvalidEntrySizeErrorMsg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if ok {
		// Update an entry if already exist.
		c.currentSize -= e.Value.(entry[K]).Value.Size()
		c.currentSize += value.Size()
		e.Value = entry[K]{key, value}
		c.entries.MoveToFront(e)
	} else {
		e := c.entries.PushFront(entry[K]{key, value})
		c.index[key] = e
		c.currentSize += value.Size()
	}

	var evictedValues []ValueType
	// Evict until we're at or below maxSize.
	for c.currentSize > c.maxSize {
		evictedValues = append(evictedValues, c.remove(c.entries.Back()))
	}

	return evictedValues, nil
}

// Erase any entry for the supplied key, also returns the value of erased key.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache[K]) Erase(key K) (value ValueType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		return
	}
	return c.remove(e)
}

// EraseIf erases every entry for which pred returns true and returns the
// erased values.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache[K]) EraseIf(pred func(key K, value ValueType) bool) (erased []ValueType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.entries.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(entry[K])
		if pred(ent.Key, ent.Value) {
			erased = append(erased, c.remove(e))
		}
		e = next
	}
	return
}

// LookUp a previously-inserted value for the given key. Return nil if no
// value is present.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache[K]) LookUp(key K) (value ValueType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Consult the index.
	e, ok := c.index[key]
	if !ok {
		return
	}
	// This is now the most recently used entry.
	c.entries.MoveToFront(e)

	return e.Value.(entry[K]).Value
}

// LookUpWithoutChangingOrder returns the value for key without marking it as
// recently used.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache[K]) LookUpWithoutChangingOrder(key K) (value ValueType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		return
	}
	return e.Value.(entry[K]).Value
}

// Len returns the number of entries.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Size returns the sum of the sizes of all entries.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache[K]) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}
