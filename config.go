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

import "time"

type WindowKind int

const (
	TumblingKind WindowKind = iota
	SlidingKind
	SessionKind
)

// WindowSpec is the configured window policy. Fixed for the engine's lifetime.
type WindowSpec struct {
	Kind  WindowKind
	Size  time.Duration
	Slide time.Duration
	Gap   time.Duration
}

// TumblingWindows produces fixed, non-overlapping windows of the given size.
func TumblingWindows(size time.Duration) WindowSpec {
	return WindowSpec{Kind: TumblingKind, Size: size}
}

// SlidingWindows produces fixed, overlapping windows: every `slide` a new window of
// length `size` opens, so an event belongs to size/slide windows.
func SlidingWindows(size, slide time.Duration) WindowSpec {
	return WindowSpec{Kind: SlidingKind, Size: size, Slide: slide}
}

// SessionWindows produces per-key activity windows that close after `gap` of
// inactivity. Session boundaries are mutable until the window is closed.
func SessionWindows(gap time.Duration) WindowSpec {
	return WindowSpec{Kind: SessionKind, Gap: gap}
}

func (ws WindowSpec) validate() {
	switch ws.Kind {
	case TumblingKind:
		if ws.Size <= 0 {
			panic("WindowSpec.Size must be positive for tumbling windows")
		}
	case SlidingKind:
		if ws.Size <= 0 {
			panic("WindowSpec.Size must be positive for sliding windows")
		}
		if ws.Slide <= 0 || ws.Slide > ws.Size {
			panic("WindowSpec.Slide must be in (0, Size] for sliding windows")
		}
	case SessionKind:
		if ws.Gap <= 0 {
			panic("WindowSpec.Gap must be positive for session windows")
		}
	default:
		panic("unknown WindowSpec.Kind")
	}
}

// LatePolicy controls what happens to an event whose event time is behind the
// global watermark on arrival.
type LatePolicy int

const (
	// DropLate discards late events. They are counted in the late-events diagnostic.
	DropLate LatePolicy = iota
	// EmitUpdate merges late events into their (possibly already emitted) windows and
	// re-emits a corrected record. The sink must treat such records as replacements
	// for the previous record with the same (window_start, window_end, group_key).
	EmitUpdate
)

// OverflowPolicy controls what happens when a single accumulator outgrows
// MaxAccumulatorBytes.
type OverflowPolicy int

const (
	// TruncateState emits a partial result for the oversized entry, resets its
	// accumulator and counts the truncation in diagnostics.
	TruncateState OverflowPolicy = iota
	// FailOnOverflow halts the engine.
	FailOnOverflow
)

type EngineConfig struct {
	// Windows is the window policy. Required.
	Windows WindowSpec
	// AllowedLateness is subtracted from each partition's max observed event time to
	// form that partition's watermark. Events older than the global watermark are late.
	AllowedLateness time.Duration
	// LatePolicy selects the late-data path. Defaults to DropLate.
	LatePolicy LatePolicy
	// UpdateGrace only applies under EmitUpdate: an emitted window's accumulator is
	// retained until the watermark passes window end + AllowedLateness + UpdateGrace,
	// so a late event inside that horizon re-emits a corrected result. Beyond it the
	// event is dropped and counted late. Defaults to AllowedLateness.
	UpdateGrace time.Duration
	// CheckpointInterval is the wall-clock cadence of the consistent-cut snapshot.
	CheckpointInterval time.Duration
	// CheckpointMinEvents additionally triggers a checkpoint once this many events
	// have been processed since the previous one. 0 disables the count trigger.
	CheckpointMinEvents int64
	// CheckpointRetries is the number of retries after a failed checkpoint write
	// before the engine halts.
	CheckpointRetries int
	// BackpressureCeiling is the maximum number of open (window, key) entries before
	// partition reads pause. Reads resume once a checkpoint completes and closed
	// windows have been evicted. 0 disables backpressure.
	BackpressureCeiling int
	// MaxAccumulatorBytes bounds a single accumulator's estimated size. Requires
	// SizeOf on the Engine to be effective. 0 disables the bound.
	MaxAccumulatorBytes int
	// OverflowPolicy selects the oversized-accumulator behavior.
	OverflowPolicy OverflowPolicy
	// ShardExponent controls state store sharding: shards = 2 << ShardExponent.
	ShardExponent int
	// PollBatchSize is the max records requested per Source.Poll.
	PollBatchSize int
	// EmitterInterval bounds how long the emitter waits between closure scans when no
	// watermark advance notification arrives.
	EmitterInterval time.Duration
	// Metrics receives per-operation measurements. Optional.
	Metrics MetricsHandler
}

const DefaultAllowedLateness = 10 * time.Second
const DefaultCheckpointInterval = 30 * time.Second
const DefaultCheckpointRetries = 5
const DefaultShardExponent = 4
const DefaultPollBatchSize = 1000
const DefaultEmitterInterval = time.Second

func (cfg EngineConfig) validate() EngineConfig {
	cfg.Windows.validate()
	if cfg.AllowedLateness < 0 {
		panic("EngineConfig.AllowedLateness is negative")
	}
	if cfg.AllowedLateness == 0 {
		cfg.AllowedLateness = DefaultAllowedLateness
	}
	if cfg.UpdateGrace == 0 {
		cfg.UpdateGrace = cfg.AllowedLateness
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.CheckpointRetries <= 0 {
		cfg.CheckpointRetries = DefaultCheckpointRetries
	}
	if cfg.ShardExponent <= 0 {
		cfg.ShardExponent = DefaultShardExponent
	}
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = DefaultPollBatchSize
	}
	if cfg.EmitterInterval <= 0 {
		cfg.EmitterInterval = DefaultEmitterInterval
	}
	return cfg
}
