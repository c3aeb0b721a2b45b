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
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const MergeOperation = "Merge"
const CheckpointOperation = "Checkpoint"
const EmitOperation = "Emit"
const RestoreOperation = "Restore"

// MetricsHandler receives one Metric per measured operation. Invoked inline; keep it cheap.
type MetricsHandler func(Metric)

type Metric struct {
	StartTime time.Time
	EndTime   time.Time
	Count     int
	Bytes     int
	Partition int32
	Operation string
}

func (m Metric) Duration() time.Duration {
	return m.EndTime.Sub(m.StartTime)
}

/*
engineStats is the diagnostic surface: monotone counters for the documented
diagnostic signals (late events, dead letters, truncated accumulators) plus HDR
histograms for merge latency and checkpoint duration. Histograms are guarded by a
mutex; hdrhistogram is not safe for concurrent writes.
*/
type engineStats struct {
	lateEvents     atomic.Int64
	deadLetters    atomic.Int64
	truncations    atomic.Int64
	eventsIn       atomic.Int64
	recordsOut     atomic.Int64
	checkpoints    atomic.Int64
	backpressureOn atomic.Int64

	mu           sync.Mutex
	mergeMicros  *hdrhistogram.Histogram
	checkpointMs *hdrhistogram.Histogram
}

func newEngineStats() *engineStats {
	return &engineStats{
		// 1us..1m at 3 significant figures
		mergeMicros: hdrhistogram.New(1, 60_000_000, 3),
		// 1ms..10m
		checkpointMs: hdrhistogram.New(1, 600_000, 3),
	}
}

func (s *engineStats) recordMerge(d time.Duration) {
	s.mu.Lock()
	_ = s.mergeMicros.RecordValue(d.Microseconds())
	s.mu.Unlock()
}

func (s *engineStats) recordCheckpoint(d time.Duration) {
	s.checkpoints.Add(1)
	s.mu.Lock()
	_ = s.checkpointMs.RecordValue(d.Milliseconds())
	s.mu.Unlock()
}

// EngineStats is a point-in-time copy of the engine diagnostics.
type EngineStats struct {
	EventsIn            int64
	RecordsOut          int64
	LateEvents          int64
	DeadLetters         int64
	TruncatedAccums     int64
	Checkpoints         int64
	BackpressurePauses  int64
	OpenWindows         int64
	WatermarkLagMillis  int64
	MergeP50Micros      int64
	MergeP99Micros      int64
	CheckpointP99Millis int64
}

func (s *engineStats) collect(openWindows, watermarkLag int64) EngineStats {
	s.mu.Lock()
	mergeP50 := s.mergeMicros.ValueAtQuantile(50)
	mergeP99 := s.mergeMicros.ValueAtQuantile(99)
	cpP99 := s.checkpointMs.ValueAtQuantile(99)
	s.mu.Unlock()
	return EngineStats{
		EventsIn:            s.eventsIn.Load(),
		RecordsOut:          s.recordsOut.Load(),
		LateEvents:          s.lateEvents.Load(),
		DeadLetters:         s.deadLetters.Load(),
		TruncatedAccums:     s.truncations.Load(),
		Checkpoints:         s.checkpoints.Load(),
		BackpressurePauses:  s.backpressureOn.Load(),
		OpenWindows:         openWindows,
		WatermarkLagMillis:  watermarkLag,
		MergeP50Micros:      mergeP50,
		MergeP99Micros:      mergeP99,
		CheckpointP99Millis: cpP99,
	}
}
