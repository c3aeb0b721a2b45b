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
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

/*
Aggregator defines the accumulator operations for one engine. Merge must be
associative and commutative: windows are finalized order-independently and replays
after recovery re-merge events in arbitrary cross-partition order. Combine folds two
accumulators into one; it is used when two open session windows become bridged by a
late-arriving event. Finalize converts an accumulator to the opaque result bytes
handed to the sink; it must not mutate the accumulator.
*/
type Aggregator[A any] interface {
	Merge(acc A, e Event) A
	Combine(a, b A) A
	Finalize(acc A) []byte
}

// windowEntry is one (window, group key) accumulator. Owned exclusively by its shard;
// no other component mutates it.
type windowEntry[A any] struct {
	win         Window
	key         []byte
	acc         A
	lastUpdated int64
	merges      int64
	// emitted marks an entry whose final result has been produced but which is
	// retained under EmitUpdate for late corrections.
	emitted bool
	// dirty marks an emitted entry that has absorbed a late event since emission.
	dirty bool
	// oversized marks an entry past MaxAccumulatorBytes awaiting a partial emission.
	oversized bool
}

func entryLess[A any](a, b *windowEntry[A]) bool {
	return a.win.Start < b.win.Start
}

// keyState is the per-group-key window index, ordered by window start time so that
// session bridge lookups are a tree probe rather than a linear scan.
type keyState[A any] struct {
	windows *btree.BTreeG[*windowEntry[A]]
}

type stateShard[A any] struct {
	mu   sync.Mutex
	keys map[string]*keyState[A]
}

/*
aggregationState holds (window, group key) -> accumulator. Entries are partitioned by
hash of the group key across independently locked shards, so merges for distinct keys
proceed concurrently while merges for the same key are strictly serialized.

Shard selection mirrors the usual power-of-two trick: shards = 2 << exponent and the
shard index is xxhash(key) & (shards-1).
*/
type aggregationState[A any] struct {
	shards   []*stateShard[A]
	mask     uint64
	agg      Aggregator[A]
	codec    Codec[A]
	assigner windowAssigner
	sizeOf   func(A) int
	maxBytes int
	entries  atomic.Int64
}

func newAggregationState[A any](exponent int, agg Aggregator[A], codec Codec[A], assigner windowAssigner, sizeOf func(A) int, maxBytes int) *aggregationState[A] {
	count := 2 << exponent
	shards := make([]*stateShard[A], count)
	for i := range shards {
		shards[i] = &stateShard[A]{keys: make(map[string]*keyState[A])}
	}
	return &aggregationState[A]{
		shards:   shards,
		mask:     uint64(count - 1),
		agg:      agg,
		codec:    codec,
		assigner: assigner,
		sizeOf:   sizeOf,
		maxBytes: maxBytes,
	}
}

func (st *aggregationState[A]) shardFor(key []byte) *stateShard[A] {
	return st.shards[xxhash.Sum64(key)&st.mask]
}

func (st *aggregationState[A]) keyStateLocked(shard *stateShard[A], key []byte) *keyState[A] {
	ks, ok := shard.keys[string(key)]
	if !ok {
		ks = &keyState[A]{windows: btree.NewG(16, entryLess[A])}
		shard.keys[string(key)] = ks
	}
	return ks
}

// errAccumulatorOverflow is returned from update paths when an accumulator passes
// MaxAccumulatorBytes under FailOnOverflow.
var errAccumulatorOverflow = fmt.Errorf("accumulator exceeded MaxAccumulatorBytes")

func (st *aggregationState[A]) mergeLocked(entry *windowEntry[A], e Event) bool {
	entry.acc = st.agg.Merge(entry.acc, e)
	entry.merges++
	if e.EventTime > entry.lastUpdated {
		entry.lastUpdated = e.EventTime
	}
	if entry.emitted {
		entry.dirty = true
	}
	if st.maxBytes > 0 && st.sizeOf != nil && st.sizeOf(entry.acc) > st.maxBytes {
		entry.oversized = true
		return true
	}
	return false
}

// update looks up or creates the accumulator for an aligned (tumbling/sliding)
// window and applies Merge. Returns whether the accumulator overflowed.
func (st *aggregationState[A]) update(win Window, e Event) (overflow bool) {
	shard := st.shardFor(e.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ks := st.keyStateLocked(shard, e.Key)
	probe := &windowEntry[A]{win: win}
	entry, ok := ks.windows.Get(probe)
	if !ok {
		entry = &windowEntry[A]{win: win, key: append([]byte(nil), e.Key...)}
		ks.windows.ReplaceOrInsert(entry)
		st.entries.Add(1)
	}
	return st.mergeLocked(entry, e)
}

/*
updateSession resolves the session window for the event: an open window for the key
with start-gap <= t <= end+gap is extended to cover the event; if the extension makes
two open sessions bridgeable they are merged (interval union, accumulators folded via
Combine); otherwise a new window [t, t+gap) opens.
*/
func (st *aggregationState[A]) updateSession(e Event) (overflow bool) {
	shard := st.shardFor(e.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ks := st.keyStateLocked(shard, e.Key)

	entry := st.bridgeableEntryLocked(ks, e.EventTime)
	if entry == nil {
		entry = &windowEntry[A]{
			win: Window{Start: e.EventTime, End: e.EventTime + st.assigner.gap},
			key: append([]byte(nil), e.Key...),
		}
		ks.windows.ReplaceOrInsert(entry)
		st.entries.Add(1)
		return st.mergeLocked(entry, e)
	}

	// boundary mutation changes the btree sort key
	ks.windows.Delete(entry)
	entry.win = st.assigner.extend(entry.win, e.EventTime)
	overflow = st.mergeLocked(entry, e)

	// the extension may have bridged an adjacent session on either side
	for {
		neighbor := st.bridgedNeighborLocked(ks, entry)
		if neighbor == nil {
			break
		}
		ks.windows.Delete(neighbor)
		entry.win = union(entry.win, neighbor.win)
		entry.acc = st.agg.Combine(entry.acc, neighbor.acc)
		entry.merges += neighbor.merges
		if neighbor.lastUpdated > entry.lastUpdated {
			entry.lastUpdated = neighbor.lastUpdated
		}
		entry.dirty = entry.dirty || neighbor.dirty || neighbor.emitted
		entry.emitted = entry.emitted && neighbor.emitted
		st.entries.Add(-1)
	}
	ks.windows.ReplaceOrInsert(entry)
	return overflow
}

func (st *aggregationState[A]) bridgeableEntryLocked(ks *keyState[A], t int64) *windowEntry[A] {
	var found *windowEntry[A]
	probe := &windowEntry[A]{win: Window{Start: t + st.assigner.gap}}
	ks.windows.DescendLessOrEqual(probe, func(entry *windowEntry[A]) bool {
		if st.assigner.bridgeable(entry.win, t) {
			found = entry
		}
		return false
	})
	if found != nil {
		return found
	}
	ks.windows.AscendGreaterOrEqual(probe, func(entry *windowEntry[A]) bool {
		if st.assigner.bridgeable(entry.win, t) {
			found = entry
		}
		return false
	})
	return found
}

func (st *aggregationState[A]) bridgedNeighborLocked(ks *keyState[A], entry *windowEntry[A]) *windowEntry[A] {
	var neighbor *windowEntry[A]
	ks.windows.DescendLessOrEqual(&windowEntry[A]{win: entry.win}, func(other *windowEntry[A]) bool {
		if other == entry {
			return true
		}
		if other.win.End+st.assigner.gap >= entry.win.Start {
			neighbor = other
		}
		return false
	})
	if neighbor != nil {
		return neighbor
	}
	ks.windows.AscendGreaterOrEqual(&windowEntry[A]{win: entry.win}, func(other *windowEntry[A]) bool {
		if other == entry {
			return true
		}
		if entry.win.End+st.assigner.gap >= other.win.Start {
			neighbor = other
		}
		return false
	})
	return neighbor
}

/*
lateUpdate merges a late event into entries that still exist, without creating new
ones: the EmitUpdate path. Returns whether any merge happened; a false return means
the entry was already evicted and the event must be counted as dropped.
*/
func (st *aggregationState[A]) lateUpdate(windows []Window, e Event) (merged bool, overflow bool) {
	if st.assigner.kind == SessionKind {
		shard := st.shardFor(e.Key)
		shard.mu.Lock()
		defer shard.mu.Unlock()
		ks, ok := shard.keys[string(e.Key)]
		if !ok {
			return false, false
		}
		entry := st.bridgeableEntryLocked(ks, e.EventTime)
		if entry == nil {
			return false, false
		}
		if entry.emitted {
			// bounds are frozen once a result exists for them: the correction must
			// land under the same (window, key) as the record it replaces
			overflow = st.mergeLocked(entry, e)
			return true, overflow
		}
		ks.windows.Delete(entry)
		entry.win = st.assigner.extend(entry.win, e.EventTime)
		overflow = st.mergeLocked(entry, e)
		ks.windows.ReplaceOrInsert(entry)
		return true, overflow
	}
	shard := st.shardFor(e.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ks, ok := shard.keys[string(e.Key)]
	if !ok {
		return false, false
	}
	for _, win := range windows {
		if entry, ok := ks.windows.Get(&windowEntry[A]{win: win}); ok {
			merged = true
			if st.mergeLocked(entry, e) {
				overflow = true
			}
		}
	}
	return merged, overflow
}

// evict removes a finalized entry.
func (st *aggregationState[A]) evict(win Window, key []byte) bool {
	shard := st.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ks, ok := shard.keys[string(key)]
	if !ok {
		return false
	}
	if _, ok := ks.windows.Delete(&windowEntry[A]{win: win}); ok {
		st.entries.Add(-1)
		if ks.windows.Len() == 0 {
			delete(shard.keys, string(key))
		}
		return true
	}
	return false
}

// openEntries is the aggregate open (window, key) count, consumed by the
// backpressure controller.
func (st *aggregationState[A]) openEntries() int64 {
	return st.entries.Load()
}

type snapshotEntry struct {
	Window      Window `json:"window"`
	Key         []byte `json:"key"`
	Acc         []byte `json:"acc"`
	LastUpdated int64  `json:"last_updated"`
	Merges      int64  `json:"merges"`
	Emitted     bool   `json:"emitted,omitempty"`
	Dirty       bool   `json:"dirty,omitempty"`
	Oversized   bool   `json:"oversized,omitempty"`
}

type stateSnapshot struct {
	Entries []snapshotEntry `json:"entries"`
}

// snapshot serializes the whole store. Only called at the checkpoint barrier, when
// all workers and the emitter are quiesced.
func (st *aggregationState[A]) snapshot() ([]byte, error) {
	snap := stateSnapshot{}
	var buf bytes.Buffer
	var encodeErr error
	for _, shard := range st.shards {
		shard.mu.Lock()
		for _, ks := range shard.keys {
			ks.windows.Ascend(func(entry *windowEntry[A]) bool {
				buf.Reset()
				if err := st.codec.Encode(&buf, entry.acc); err != nil {
					encodeErr = err
					return false
				}
				snap.Entries = append(snap.Entries, snapshotEntry{
					Window:      entry.win,
					Key:         entry.key,
					Acc:         append([]byte(nil), buf.Bytes()...),
					LastUpdated: entry.lastUpdated,
					Merges:      entry.merges,
					Emitted:     entry.emitted,
					Dirty:       entry.dirty,
					Oversized:   entry.oversized,
				})
				return true
			})
		}
		shard.mu.Unlock()
		if encodeErr != nil {
			return nil, encodeErr
		}
	}
	return defaultJson.Marshal(snap)
}

// restore replaces the in-memory state wholesale from a checkpoint snapshot.
func (st *aggregationState[A]) restore(data []byte) error {
	var snap stateSnapshot
	if err := defaultJson.Unmarshal(data, &snap); err != nil {
		return err
	}
	for _, shard := range st.shards {
		shard.mu.Lock()
		shard.keys = make(map[string]*keyState[A])
		shard.mu.Unlock()
	}
	st.entries.Store(0)
	for _, se := range snap.Entries {
		acc, err := st.codec.Decode(se.Acc)
		if err != nil {
			return fmt.Errorf("undecodable accumulator for window %v: %w", se.Window, err)
		}
		shard := st.shardFor(se.Key)
		shard.mu.Lock()
		ks := st.keyStateLocked(shard, se.Key)
		ks.windows.ReplaceOrInsert(&windowEntry[A]{
			win:         se.Window,
			key:         se.Key,
			acc:         acc,
			lastUpdated: se.LastUpdated,
			merges:      se.Merges,
			emitted:     se.Emitted,
			dirty:       se.Dirty,
			oversized:   se.Oversized,
		})
		st.entries.Add(1)
		shard.mu.Unlock()
	}
	return nil
}

// pendingEmit is a finalized result collected by a sweep, emitted outside shard locks.
type pendingEmit struct {
	win    Window
	key    []byte
	result []byte
	update bool
}

/*
sweep advances every entry against the current global watermark and returns the
records due for emission:

  - an un-emitted window whose close condition is met (end+lateness <= wm for
    tumbling/sliding, end+gap <= wm for session) is finalized; under DropLate it is
    evicted immediately, under EmitUpdate it is retained and flagged emitted
  - an emitted entry that absorbed a late event re-emits a corrected result
  - an oversized entry emits a partial result and its accumulator resets
  - an emitted entry past end + lateness + grace is evicted

latenessMillis and graceMillis are pre-converted from the engine config; closeSlack
is gap for sessions and lateness for aligned windows.
*/
func (st *aggregationState[A]) sweep(wm int64, policy LatePolicy, latenessMillis, graceMillis int64) (emits []pendingEmit, evicted int) {
	closeSlack := latenessMillis
	if st.assigner.kind == SessionKind {
		closeSlack = st.assigner.gap
	}
	for _, shard := range st.shards {
		shard.mu.Lock()
		for keyStr, ks := range shard.keys {
			var remove []*windowEntry[A]
			ks.windows.Ascend(func(entry *windowEntry[A]) bool {
				if entry.oversized {
					emits = append(emits, pendingEmit{
						win:    entry.win,
						key:    entry.key,
						result: st.agg.Finalize(entry.acc),
						update: entry.emitted,
					})
					var zero A
					entry.acc = zero
					entry.merges = 0
					entry.oversized = false
					entry.dirty = false
					// a result now exists for this window; anything further is a
					// correction of it
					entry.emitted = true
					return true
				}
				if !entry.emitted && entry.win.End+closeSlack <= wm {
					emits = append(emits, pendingEmit{
						win:    entry.win,
						key:    entry.key,
						result: st.agg.Finalize(entry.acc),
					})
					if policy == DropLate {
						remove = append(remove, entry)
					} else {
						entry.emitted = true
						entry.dirty = false
					}
					return true
				}
				if entry.emitted && entry.dirty {
					emits = append(emits, pendingEmit{
						win:    entry.win,
						key:    entry.key,
						result: st.agg.Finalize(entry.acc),
						update: true,
					})
					entry.dirty = false
				}
				if entry.emitted && entry.win.End+closeSlack+graceMillis <= wm {
					remove = append(remove, entry)
				}
				return true
			})
			for _, entry := range remove {
				ks.windows.Delete(entry)
				st.entries.Add(-1)
				evicted++
			}
			if ks.windows.Len() == 0 {
				delete(shard.keys, keyStr)
			}
		}
		shard.mu.Unlock()
	}
	return emits, evicted
}
