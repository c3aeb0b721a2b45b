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
	"sync"

	"github.com/windrose-streams/windrose/kit"
)

const noOffset = int64(-1)

/*
offsetCursor is the per-partition read-position bookkeeping. `read` tracks the last
offset handed to the pipeline; `committed` tracks the offsets recorded in the latest
durable checkpoint. A partition resumes at committed+1, so events between the last
commit and a crash are re-read (at-least-once).

Partition reassignment invalidates the local cursor for that partition; the new owner
resumes from the checkpointed offset, never from any in-memory position.
*/
type offsetCursor struct {
	mu        sync.Mutex
	read      map[int32]int64
	committed map[int32]int64
}

func newOffsetCursor() *offsetCursor {
	return &offsetCursor{
		read:      make(map[int32]int64),
		committed: make(map[int32]int64),
	}
}

// advance records the last read (not necessarily committed) offset.
func (oc *offsetCursor) advance(partition int32, offset int64) {
	oc.mu.Lock()
	if cur, ok := oc.read[partition]; !ok || offset > cur {
		oc.read[partition] = offset
	}
	oc.mu.Unlock()
}

// lastRead returns the highest offset handed to the pipeline, or noOffset.
func (oc *offsetCursor) lastRead(partition int32) int64 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if offset, ok := oc.read[partition]; ok {
		return offset
	}
	return noOffset
}

// committedOffset returns the offset recorded in the latest durable checkpoint,
// or noOffset if the partition has never been checkpointed.
func (oc *offsetCursor) committedOffset(partition int32) int64 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if offset, ok := oc.committed[partition]; ok {
		return offset
	}
	return noOffset
}

// resumeOffset is the position a (re)starting worker seeks to: committed+1.
func (oc *offsetCursor) resumeOffset(partition int32) int64 {
	return oc.committedOffset(partition) + 1
}

// snapshotRead returns a copy of the read positions for inclusion in a checkpoint.
// Only valid at the checkpoint barrier, when all workers are quiesced.
func (oc *offsetCursor) snapshotRead() map[int32]int64 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return kit.CopyMap(oc.read)
}

// markCommitted replaces the committed view after a checkpoint becomes durable.
func (oc *offsetCursor) markCommitted(offsets map[int32]int64) {
	oc.mu.Lock()
	oc.committed = kit.CopyMap(offsets)
	oc.mu.Unlock()
}

// restore seeds both views from a recovered checkpoint.
func (oc *offsetCursor) restore(offsets map[int32]int64) {
	oc.mu.Lock()
	oc.read = kit.CopyMap(offsets)
	oc.committed = kit.CopyMap(offsets)
	oc.mu.Unlock()
}

// invalidate drops the in-memory read position for a revoked partition.
func (oc *offsetCursor) invalidate(partition int32) {
	oc.mu.Lock()
	delete(oc.read, partition)
	oc.mu.Unlock()
}
