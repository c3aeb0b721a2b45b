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

import "testing"

func TestOffsetCursorResume(t *testing.T) {
	oc := newOffsetCursor()
	if got := oc.resumeOffset(0); got != 0 {
		t.Errorf("fresh partition should resume at 0, got %d", got)
	}
	oc.advance(0, 10)
	oc.advance(0, 11)
	oc.advance(0, 5) // duplicate delivery must not move the cursor backwards
	if got := oc.lastRead(0); got != 11 {
		t.Errorf("expected lastRead 11, got %d", got)
	}
	if got := oc.resumeOffset(0); got != 0 {
		t.Errorf("nothing committed, resume should still be 0, got %d", got)
	}

	oc.markCommitted(oc.snapshotRead())
	if got := oc.committedOffset(0); got != 11 {
		t.Errorf("expected committed 11, got %d", got)
	}
	if got := oc.resumeOffset(0); got != 12 {
		t.Errorf("expected resume at committed+1 = 12, got %d", got)
	}
}

func TestOffsetCursorRestore(t *testing.T) {
	oc := newOffsetCursor()
	oc.restore(map[int32]int64{0: 100, 1: 200})
	if got := oc.resumeOffset(0); got != 101 {
		t.Errorf("expected resume 101, got %d", got)
	}
	if got := oc.resumeOffset(1); got != 201 {
		t.Errorf("expected resume 201, got %d", got)
	}
	if got := oc.lastRead(0); got != 100 {
		t.Errorf("expected lastRead 100, got %d", got)
	}
}

func TestOffsetCursorInvalidate(t *testing.T) {
	oc := newOffsetCursor()
	oc.advance(3, 50)
	oc.invalidate(3)
	if got := oc.lastRead(3); got != noOffset {
		t.Errorf("expected noOffset after invalidation, got %d", got)
	}
	// committed survives invalidation; the checkpoint is the durable record
	oc.markCommitted(map[int32]int64{3: 40})
	oc.invalidate(3)
	if got := oc.resumeOffset(3); got != 41 {
		t.Errorf("expected resume 41 from committed offset, got %d", got)
	}
}

func TestOffsetCursorSnapshotIsolated(t *testing.T) {
	oc := newOffsetCursor()
	oc.advance(0, 7)
	snap := oc.snapshotRead()
	oc.advance(0, 8)
	if snap[0] != 7 {
		t.Errorf("snapshot should be isolated from later advances, got %d", snap[0])
	}
}
