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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/windrose-streams/windrose/kit"
)

const memoryPollWait = 50 * time.Millisecond

// InMemorySource is a Source backed by per-partition slices. Offsets are slice
// indexes, so a Seek below the current length replays retained records. Useful for
// tests and the simulator; records are never evicted.
type InMemorySource struct {
	mu         sync.Mutex
	partitions map[int32][]SourceRecord
	positions  map[int32]int64
	appended   chan struct{}
	closed     bool
}

func NewInMemorySource(partitions ...int32) *InMemorySource {
	s := &InMemorySource{
		partitions: make(map[int32][]SourceRecord),
		positions:  make(map[int32]int64),
		appended:   make(chan struct{}),
	}
	for _, p := range partitions {
		s.partitions[p] = nil
	}
	return s
}

// Produce appends a record to a partition and returns its offset.
func (s *InMemorySource) Produce(partition int32, eventTime int64, key, payload []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := int64(len(s.partitions[partition]))
	s.partitions[partition] = append(s.partitions[partition], SourceRecord{
		Partition: partition,
		Offset:    offset,
		Timestamp: time.UnixMilli(eventTime),
		Key:       key,
		Value:     payload,
	})
	close(s.appended)
	s.appended = make(chan struct{})
	return offset
}

func (s *InMemorySource) Partitions(ctx context.Context) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kit.MapKeysToSlice(s.partitions), nil
}

func (s *InMemorySource) Seek(partition int32, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	s.positions[partition] = offset
}

func (s *InMemorySource) Poll(ctx context.Context, partition int32, max int) ([]SourceRecord, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, io.EOF
	}
	records := s.pendingLocked(partition, max)
	appended := s.appended
	s.mu.Unlock()
	if len(records) > 0 {
		return records, nil
	}
	select {
	case <-appended:
	case <-time.After(memoryPollWait):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	return s.pendingLocked(partition, max), nil
}

func (s *InMemorySource) pendingLocked(partition int32, max int) []SourceRecord {
	pos := s.positions[partition]
	records := s.partitions[partition]
	if pos >= int64(len(records)) {
		return nil
	}
	end := pos + int64(max)
	if end > int64(len(records)) {
		end = int64(len(records))
	}
	batch := make([]SourceRecord, end-pos)
	copy(batch, records[pos:end])
	s.positions[partition] = end
	return batch
}

func (s *InMemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// CollectorSink retains every emitted record, keyed by upsert key so later
// re-emissions overwrite earlier ones the way an idempotent downstream store would.
type CollectorSink struct {
	mu      sync.Mutex
	byKey   map[string]SinkRecord
	history []SinkRecord
	// FailFirst makes the next n Emit calls fail, for retry tests.
	FailFirst int
}

func NewCollectorSink() *CollectorSink {
	return &CollectorSink{byKey: make(map[string]SinkRecord)}
}

func (c *CollectorSink) Emit(ctx context.Context, record SinkRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailFirst > 0 {
		c.FailFirst--
		return fmt.Errorf("sink unavailable")
	}
	c.byKey[record.UpsertKey()] = record
	c.history = append(c.history, record)
	return nil
}

func (c *CollectorSink) Close() error {
	return nil
}

// Results returns the latest record per upsert key.
func (c *CollectorSink) Results() map[string]SinkRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return kit.CopyMap(c.byKey)
}

// History returns every emission in order, including superseded updates.
func (c *CollectorSink) History() []SinkRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SinkRecord, len(c.history))
	copy(out, c.history)
	return out
}

// MemoryCheckpointStore keeps checkpoints in process memory. For tests; a crash
// loses them, which is exactly what recovery tests exploit by handing the same
// store to a second engine.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[int64]*Checkpoint
	writes      int
	// FailWrites makes the next n Write calls fail.
	FailWrites int
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[int64]*Checkpoint)}
}

func (m *MemoryCheckpointStore) Write(cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites > 0 {
		m.FailWrites--
		return fmt.Errorf("checkpoint store unavailable")
	}
	clone := *cp
	clone.Offsets = kit.CopyMap(cp.Offsets)
	m.checkpoints[cp.ID] = &clone
	m.writes++
	return nil
}

func (m *MemoryCheckpointStore) Latest() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Checkpoint
	for _, cp := range m.checkpoints {
		if latest == nil || cp.ID > latest.ID {
			latest = cp
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	clone.Offsets = kit.CopyMap(latest.Offsets)
	return &clone, nil
}

func (m *MemoryCheckpointStore) Prune(keepID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.checkpoints {
		if id < keepID {
			delete(m.checkpoints, id)
		}
	}
	return nil
}

// Writes reports how many checkpoints have been written, failed attempts excluded.
func (m *MemoryCheckpointStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
