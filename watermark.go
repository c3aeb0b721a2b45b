// Copyright 2025 The Windrose Authors.
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

package windrose

import (
	"math"
	"sync"
)

// minWatermark is the watermark of a partition that has not observed any event yet.
const minWatermark = int64(math.MinInt64)

/*
watermarkTracker estimates event-time progress. Each active partition contributes
`maxEventTimeSeen - allowedLateness`; the global watermark is the minimum over all
active partitions, so a single stalled partition stalls all window closures. That is
intentional: the watermark advances only from observed events, never from the wall
clock, and a silent partition must never cause windows to close under it.

Both per-partition and global watermarks are monotonically non-decreasing.
*/
type watermarkTracker struct {
	mu       sync.Mutex
	lateness int64
	maxSeen  map[int32]int64
	global   int64
	advanced chan struct{}
}

func newWatermarkTracker(latenessMillis int64) *watermarkTracker {
	return &watermarkTracker{
		lateness: latenessMillis,
		maxSeen:  make(map[int32]int64),
		global:   math.MinInt64,
		advanced: make(chan struct{}, 1),
	}
}

// activate registers a partition. Until it observes an event its watermark is -inf,
// holding the global watermark down.
func (wt *watermarkTracker) activate(partition int32) {
	wt.mu.Lock()
	if _, ok := wt.maxSeen[partition]; !ok {
		wt.maxSeen[partition] = math.MinInt64
	}
	wt.mu.Unlock()
}

// deactivate removes a partition (ownership moved away on rebalance). The global
// watermark may advance as a result but never regresses.
func (wt *watermarkTracker) deactivate(partition int32) {
	wt.mu.Lock()
	delete(wt.maxSeen, partition)
	wt.recomputeLocked()
	wt.mu.Unlock()
}

// observe folds an event time into the partition's high-water mark and returns true
// if the global watermark advanced.
func (wt *watermarkTracker) observe(partition int32, eventTime int64) bool {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if max, ok := wt.maxSeen[partition]; !ok || eventTime > max {
		wt.maxSeen[partition] = eventTime
		if wt.recomputeLocked() {
			select {
			case wt.advanced <- struct{}{}:
			default:
			}
			return true
		}
	}
	return false
}

func (wt *watermarkTracker) recomputeLocked() bool {
	min := int64(math.MaxInt64)
	for _, max := range wt.maxSeen {
		pw := max
		if pw != math.MinInt64 {
			pw -= wt.lateness
		}
		if pw < min {
			min = pw
		}
	}
	if len(wt.maxSeen) == 0 || min == math.MaxInt64 {
		return false
	}
	if min > wt.global {
		wt.global = min
		return true
	}
	return false
}

// globalWatermark returns the engine's assertion that no more events with event time
// below this value will arrive, barring the late-data policy.
func (wt *watermarkTracker) globalWatermark() int64 {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.global
}

// isLate reports whether an event time has fallen behind the current global watermark.
func (wt *watermarkTracker) isLate(eventTime int64) bool {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.global != math.MinInt64 && eventTime < wt.global
}

// restore seeds the global watermark floor from a recovered checkpoint.
func (wt *watermarkTracker) restore(watermark int64) {
	wt.mu.Lock()
	if watermark > wt.global {
		wt.global = watermark
	}
	wt.mu.Unlock()
}

/*
lag is the watermark-lag diagnostic: the distance between the most advanced
partition's watermark and the global (slowest) one. A persistently growing lag means
one partition is stalled and is holding every window open. Surfaced as a metric, not
treated as fatal.
*/
func (wt *watermarkTracker) lag() int64 {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	newest := int64(math.MinInt64)
	for _, max := range wt.maxSeen {
		if max > newest {
			newest = max
		}
	}
	if newest == math.MinInt64 || wt.global == math.MinInt64 {
		return 0
	}
	return (newest - wt.lateness) - wt.global
}
