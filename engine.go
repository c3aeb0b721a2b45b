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
	"sync/atomic"
	"time"

	"github.com/windrose-streams/windrose/kit"

	"github.com/google/uuid"
)

/*
Engine is the windowed aggregation pipeline: one worker task per owned log
partition, a dedicated checkpoint-coordination task performing the periodic global
consistent cut, and an emitter task publishing closed windows. Workers never block
on each other except at the checkpoint barrier.

A is the accumulator type; Merge/Combine/Finalize semantics are supplied by the
Aggregator and the accumulator codec serializes A into checkpoint snapshots.
*/
type Engine[A any] struct {
	config      EngineConfig
	source      Source
	sink        Sink
	checkpoints CheckpointStore
	decoder     EventDecoder
	assigner    windowAssigner

	state        *aggregationState[A]
	cursor       *offsetCursor
	watermarks   *watermarkTracker
	backpressure *backpressureController
	emitter      *outputEmitter[A]
	stats        *engineStats

	deadLetters  DeadLetterHandler
	sinkErrors   SinkErrorHandler
	sourceErrors SourceErrorHandler

	runStatus        kit.RunStatus
	checkpointStatus kit.RunStatus
	coordinatorDone  chan struct{}

	mu      sync.Mutex
	workers map[int32]*partitionWorker[A]
	running bool

	lastCheckpointID      atomic.Int64
	eventsSinceCheckpoint atomic.Int64
	countTrigger          chan struct{}

	latenessMillis int64
	graceMillis    int64

	haltOnce sync.Once
	haltErr  atomic.Value

	instanceID string
}

/*
NewEngine builds an engine. `accCodec` serializes accumulators into checkpoint
snapshots; `decoder` turns raw source records into events (failures go to the
dead-letter path). The config is validated and defaulted here; an invalid WindowSpec
panics, matching the fail-fast construction style of the rest of the configuration.

Optional hooks (dead letter, sink/source error handlers, accumulator sizing) are set
with the With* methods before Start.
*/
func NewEngine[A any](source Source, sink Sink, checkpoints CheckpointStore, agg Aggregator[A], accCodec Codec[A], decoder EventDecoder, config EngineConfig) *Engine[A] {
	config = config.validate()
	assigner := newWindowAssigner(config.Windows)
	e := &Engine[A]{
		config:          config,
		source:          source,
		sink:            sink,
		checkpoints:     checkpoints,
		decoder:         decoder,
		assigner:        assigner,
		cursor:          newOffsetCursor(),
		watermarks:      newWatermarkTracker(config.AllowedLateness.Milliseconds()),
		stats:           newEngineStats(),
		deadLetters:     DefaultDeadLetterHandler,
		sinkErrors:      DefaultSinkErrorHandler,
		sourceErrors:    DefaultSourceErrorHandler,
		runStatus:       kit.NewRunStatus(nil),
		coordinatorDone: make(chan struct{}),
		workers:         make(map[int32]*partitionWorker[A]),
		countTrigger:    make(chan struct{}, 1),
		latenessMillis:  config.AllowedLateness.Milliseconds(),
		graceMillis:     config.UpdateGrace.Milliseconds(),
		instanceID:      uuid.NewString(),
	}
	e.checkpointStatus = e.runStatus.Fork()
	e.state = newAggregationState(config.ShardExponent, agg, accCodec, assigner, nil, config.MaxAccumulatorBytes)
	e.backpressure = newBackpressureController(int64(config.BackpressureCeiling), e.state.openEntries)
	e.emitter = newOutputEmitter(e)
	return e
}

// WithDeadLetterHandler replaces the default (log and drop) dead-letter handler.
func (e *Engine[A]) WithDeadLetterHandler(h DeadLetterHandler) *Engine[A] {
	e.deadLetters = h
	return e
}

func (e *Engine[A]) WithSinkErrorHandler(h SinkErrorHandler) *Engine[A] {
	e.sinkErrors = h
	return e
}

func (e *Engine[A]) WithSourceErrorHandler(h SourceErrorHandler) *Engine[A] {
	e.sourceErrors = h
	return e
}

// WithAccumulatorSizer supplies the estimator backing MaxAccumulatorBytes. Without
// it the oversized-accumulator policy is inert.
func (e *Engine[A]) WithAccumulatorSizer(sizeOf func(A) int) *Engine[A] {
	e.state.sizeOf = sizeOf
	return e
}

/*
Start recovers from the latest durable checkpoint (if any), spawns one worker per
currently owned partition, and begins the checkpoint and emission loops. On
recovery, every partition resumes from its checkpointed offset and replays events
since that offset through the full pipeline exactly as on first pass; the sink's
idempotent upsert keys absorb the resulting re-emissions.
*/
func (e *Engine[A]) Start(ctx context.Context) error {
	if err := e.recover(); err != nil {
		return err
	}
	partitions, err := e.source.Partitions(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	e.emitter.start()
	for _, partition := range partitions {
		e.AssignPartition(partition)
	}
	go func() {
		defer close(e.coordinatorDone)
		e.checkpointLoop()
	}()
	log.Infof("engine %s started with %d partitions, checkpoint %d", e.instanceID, len(partitions), e.lastCheckpointID.Load())
	return nil
}

func (e *Engine[A]) recover() error {
	start := time.Now()
	cp, err := e.checkpoints.Latest()
	if err != nil {
		return err
	}
	if cp == nil {
		return nil
	}
	if err := e.state.restore(cp.State); err != nil {
		return err
	}
	e.cursor.restore(cp.Offsets)
	e.watermarks.restore(cp.Watermark)
	e.lastCheckpointID.Store(cp.ID)
	e.emitMetric(Metric{
		StartTime: start,
		EndTime:   time.Now(),
		Count:     len(cp.Offsets),
		Bytes:     len(cp.State),
		Operation: RestoreOperation,
	})
	log.Infof("recovered from checkpoint %d: %d partitions, watermark %d, %d open entries", cp.ID, len(cp.Offsets), cp.Watermark, e.state.openEntries())
	return nil
}

/*
AssignPartition starts a worker for a newly owned partition. The worker resumes from
the checkpointed offset, never from any in-memory position, so ownership handed over
by a consumer-group rebalance always re-reads the uncommitted tail (at-least-once).
*/
func (e *Engine[A]) AssignPartition(partition int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workers[partition]; ok {
		return
	}
	e.watermarks.activate(partition)
	e.workers[partition] = newPartitionWorker(e, partition)
}

// RevokePartition halts the worker for a partition whose ownership moved away and
// invalidates all local state for it.
func (e *Engine[A]) RevokePartition(partition int32) {
	e.mu.Lock()
	w, ok := e.workers[partition]
	delete(e.workers, partition)
	e.mu.Unlock()
	if !ok {
		return
	}
	w.halt()
	<-w.stopped
	e.cursor.invalidate(partition)
	e.watermarks.deactivate(partition)
	log.Infof("partition %d revoked", partition)
}

func (e *Engine[A]) removeWorker(partition int32) {
	e.mu.Lock()
	delete(e.workers, partition)
	e.mu.Unlock()
}

func (e *Engine[A]) noteEvents(count int64) {
	if e.config.CheckpointMinEvents <= 0 {
		return
	}
	if e.eventsSinceCheckpoint.Add(count) >= e.config.CheckpointMinEvents {
		select {
		case e.countTrigger <- struct{}{}:
		default:
		}
	}
}

/*
Stop shuts down gracefully: workers stop pulling and drain their in-flight merges,
the emitter and coordinator wind down, one final checkpoint captures the quiesced
state, and the source and sink are closed. The final checkpoint is safe to resume
from. An abrupt crash instead relies solely on the last durable checkpoint.
*/
func (e *Engine[A]) Stop() error {
	e.mu.Lock()
	wasRunning := e.running
	e.running = false
	workers := kit.MapValuesToSlice(e.workers)
	e.mu.Unlock()
	if !wasRunning {
		return e.Err()
	}

	for _, w := range workers {
		w.halt()
	}
	for _, w := range workers {
		<-w.stopped
	}
	e.checkpointStatus.Halt()
	<-e.coordinatorDone
	e.emitter.runStatus.Halt()
	<-e.emitter.stopped

	err := e.finalCheckpoint()
	if err != nil {
		log.Errorf("final checkpoint failed: %v", err)
	}
	e.runStatus.Halt()
	if closeErr := e.source.Close(); closeErr != nil {
		log.Warnf("source close: %v", closeErr)
	}
	if closeErr := e.sink.Close(); closeErr != nil {
		log.Warnf("sink close: %v", closeErr)
	}
	if err != nil {
		return err
	}
	return e.Err()
}

// finalCheckpoint snapshots after everything is quiesced; no barrier is needed.
func (e *Engine[A]) finalCheckpoint() error {
	start := time.Now()
	state, err := e.state.snapshot()
	if err != nil {
		return err
	}
	cp := &Checkpoint{
		ID:        e.lastCheckpointID.Load() + 1,
		Offsets:   e.cursor.snapshotRead(),
		Watermark: e.watermarks.globalWatermark(),
		State:     state,
		Taken:     time.Now().UTC(),
	}
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		if err = e.checkpoints.Write(cp); err == nil {
			break
		}
		if attempt >= e.config.CheckpointRetries {
			return err
		}
		log.Warnf("final checkpoint write attempt %d failed: %v", attempt+1, err)
		time.Sleep(backoff)
		backoff *= 2
	}
	e.lastCheckpointID.Store(cp.ID)
	e.cursor.markCommitted(cp.Offsets)
	e.checkpoints.Prune(cp.ID)
	e.stats.recordCheckpoint(time.Since(start))
	log.Infof("final checkpoint %d durable", cp.ID)
	return nil
}

// halt stops everything immediately. The recorded error is surfaced by Err; the
// last durable checkpoint remains the recovery source.
func (e *Engine[A]) halt(err error) {
	e.haltOnce.Do(func() {
		if err != nil {
			e.haltErr.Store(err)
		}
		log.Errorf("engine %s halting: %v", e.instanceID, err)
		e.runStatus.Halt()
	})
}

// Err returns the fatal error that halted the engine, if any.
func (e *Engine[A]) Err() error {
	if err, ok := e.haltErr.Load().(error); ok {
		return err
	}
	return nil
}

// Done is closed when the engine has halted, fatally or via Stop.
func (e *Engine[A]) Done() <-chan struct{} {
	return e.runStatus.Done()
}

// Stats returns a point-in-time copy of the engine diagnostics.
func (e *Engine[A]) Stats() EngineStats {
	return e.stats.collect(e.state.openEntries(), e.watermarks.lag())
}

// Watermark returns the current global watermark in Unix milliseconds.
func (e *Engine[A]) Watermark() int64 {
	return e.watermarks.globalWatermark()
}

func (e *Engine[A]) emitMetric(m Metric) {
	if e.config.Metrics != nil {
		e.config.Metrics(m)
	}
}
