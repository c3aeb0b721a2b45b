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
	"context"
	"sync"

	"golang.org/x/time/rate"
)

/*
backpressureController bounds in-flight state. When the open (window, key) entry
count exceeds the configured ceiling, partition workers stop pulling from the log
(the offset cursor stops advancing) until a checkpoint completes and closed windows
have been evicted. This bounds state growth when a stalled partition's watermark
holds every window open.

The pause itself lives in the worker loop, which must keep servicing checkpoint
barriers while paused; the controller only answers "over the ceiling?", paces
re-checks via a rate limiter, and broadcasts release signals.
*/
type backpressureController struct {
	ceiling int64
	open    func() int64
	limiter *rate.Limiter

	mu      sync.Mutex
	release chan struct{}
}

func newBackpressureController(ceiling int64, open func() int64) *backpressureController {
	return &backpressureController{
		ceiling: ceiling,
		open:    open,
		limiter: rate.NewLimiter(rate.Limit(20), 1),
		release: make(chan struct{}),
	}
}

func (bp *backpressureController) overCeiling() bool {
	return bp.ceiling > 0 && bp.open() > bp.ceiling
}

// pace rate-limits ceiling re-checks so a herd of paused workers does not spin on a
// ceiling that is draining slowly.
func (bp *backpressureController) pace(ctx context.Context) error {
	return bp.limiter.Wait(ctx)
}

// releaseChan returns the current broadcast channel. It is closed (and replaced) on
// every signal; a paused worker re-checks the ceiling when it fires.
func (bp *backpressureController) releaseChan() <-chan struct{} {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.release
}

func (bp *backpressureController) signal() {
	bp.mu.Lock()
	close(bp.release)
	bp.release = make(chan struct{})
	bp.mu.Unlock()
}

// checkpointComplete wakes paused workers after a checkpoint becomes durable.
func (bp *backpressureController) checkpointComplete() {
	bp.signal()
}

// evicted wakes paused workers after the emitter has evicted closed windows.
func (bp *backpressureController) evicted(count int) {
	if count > 0 {
		bp.signal()
	}
}
