/*
 * Copyright 2024-present Open Networking Foundation
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package swupg

import (
	"github.com/cevaris/ordered_map"
)

// pageTracker holds the blocks of a page that arrived ahead of the next expected offset,
// keyed by offset in arrival order
type pageTracker struct {
	blocks *ordered_map.OrderedMap
}

func newPageTracker() *pageTracker {
	return &pageTracker{blocks: ordered_map.NewOrderedMap()}
}

// hold stores a block, false if a block for aOffset is already held
func (pt *pageTracker) hold(aOffset uint32, aData []byte) bool {
	if _, exists := pt.blocks.Get(aOffset); exists {
		return false
	}
	data := make([]byte, len(aData))
	copy(data, aData)
	pt.blocks.Set(aOffset, data)
	return true
}

// take removes and returns the block held for aOffset
func (pt *pageTracker) take(aOffset uint32) ([]byte, bool) {
	value, exists := pt.blocks.Get(aOffset)
	if !exists {
		return nil, false
	}
	pt.blocks.Delete(aOffset)
	return value.([]byte), true
}

// dropBelow discards blocks that start before aOffset, they can't be written anymore
func (pt *pageTracker) dropBelow(aOffset uint32) {
	var stale []uint32
	iter := pt.blocks.IterFunc()
	for kv, ok := iter(); ok; kv, ok = iter() {
		if offset := kv.Key.(uint32); offset < aOffset {
			stale = append(stale, offset)
		}
	}
	for _, offset := range stale {
		_, _ = pt.take(offset)
	}
}

func (pt *pageTracker) reset() {
	pt.blocks = ordered_map.NewOrderedMap()
}
