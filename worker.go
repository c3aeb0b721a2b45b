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
	"errors"
	"time"

	"github.com/windrose-streams/windrose/kit"
)

/*
partitionWorker consumes one log partition in offset order. Within a partition,
events are processed strictly in log order; across partitions no ordering exists,
which is why Merge must be order-independent.

A worker blocks only (a) waiting for new events from its partition, (b) at the
checkpoint barrier, and (c) when paused by the backpressure controller. In the
latter two states it keeps servicing barriers so the consistent cut never deadlocks.
*/
type partitionWorker[A any] struct {
	engine      *Engine[A]
	partition   int32
	runStatus   kit.RunStatus
	barrierChan chan *barrier
	stopped     chan struct{}
	nextOffset  int64
	windowBuf   []Window
}

func newPartitionWorker[A any](e *Engine[A], partition int32) *partitionWorker[A] {
	w := &partitionWorker[A]{
		engine:      e,
		partition:   partition,
		runStatus:   e.runStatus.Fork(),
		barrierChan: make(chan *barrier, 1),
		stopped:     make(chan struct{}),
		windowBuf:   make([]Window, 0, 4),
	}
	go w.work()
	return w
}

type sincer struct {
	then time.Time
}

func (s sincer) String() string {
	return time.Since(s.then).String()
}

func (w *partitionWorker[A]) work() {
	e := w.engine
	elapsed := sincer{time.Now()}
	defer close(w.stopped)
	defer w.drainBarrier()
	defer e.removeWorker(w.partition)

	w.nextOffset = e.cursor.resumeOffset(w.partition)
	e.source.Seek(w.partition, w.nextOffset)
	log.Debugf("partition worker %d activated, resuming at offset %d in %v", w.partition, w.nextOffset, elapsed)

	fetchFailures := 0
	for w.runStatus.Running() {
		if !w.checkBarrier() {
			return
		}
		if !w.pauseForBackpressure() {
			return
		}
		records, err := e.source.Poll(w.runStatus.Ctx(), w.partition, e.config.PollBatchSize)
		if err != nil {
			if !w.runStatus.Running() || errors.Is(err, w.runStatus.Err()) {
				return
			}
			fetchFailures++
			if fetchFailures <= sourceRetryLimit {
				log.Warnf("poll failed for partition %d (attempt %d): %v", w.partition, fetchFailures, err)
				w.sleep(time.Duration(fetchFailures) * sourceRetryBackoff)
				continue
			}
			switch e.sourceErrors(w.partition, err) {
			case CompleteAndContinue:
				fetchFailures = 0
				continue
			case FatallyExit:
				e.halt(err)
				return
			default:
				return // FailPartition
			}
		}
		fetchFailures = 0
		if len(records) > 0 {
			batchStart := time.Now()
			for _, record := range records {
				if !w.runStatus.Running() {
					return
				}
				w.processRecord(record)
			}
			e.emitMetric(Metric{
				StartTime: batchStart,
				EndTime:   time.Now(),
				Count:     len(records),
				Partition: w.partition,
				Operation: MergeOperation,
			})
			e.noteEvents(int64(len(records)))
		}
	}
}

const sourceRetryLimit = 5
const sourceRetryBackoff = 200 * time.Millisecond

func (w *partitionWorker[A]) processRecord(record SourceRecord) {
	e := w.engine
	if record.Offset < w.nextOffset {
		return // stale replay below our resume point
	}
	record.Partition = w.partition
	event, err := e.decoder(record)
	if err != nil {
		e.stats.deadLetters.Add(1)
		e.deadLetters(record, err)
		w.consumed(record.Offset)
		return
	}
	event.Partition = w.partition
	event.Offset = record.Offset
	e.stats.eventsIn.Add(1)

	if e.watermarks.isLate(event.EventTime) {
		e.stats.lateEvents.Add(1)
		if e.config.LatePolicy == EmitUpdate {
			w.windowBuf = e.assigner.assign(event.EventTime, w.windowBuf)
			merged, overflow := e.state.lateUpdate(w.windowBuf, event)
			if !merged {
				log.Tracef("late event for partition %d offset %d beyond update horizon, dropped", w.partition, record.Offset)
			}
			if overflow && !w.handleOverflow() {
				return
			}
		}
		w.consumed(record.Offset)
		return
	}

	start := time.Now()
	overflow := false
	if e.assigner.kind == SessionKind {
		overflow = e.state.updateSession(event)
	} else {
		w.windowBuf = e.assigner.assign(event.EventTime, w.windowBuf)
		for _, win := range w.windowBuf {
			if e.state.update(win, event) {
				overflow = true
			}
		}
	}
	e.stats.recordMerge(time.Since(start))
	// observe after the merge so the emitter can never close this event's window
	// out from under it
	e.watermarks.observe(w.partition, event.EventTime)
	if overflow && !w.handleOverflow() {
		return
	}
	w.consumed(record.Offset)
}

func (w *partitionWorker[A]) handleOverflow() bool {
	e := w.engine
	if e.config.OverflowPolicy == FailOnOverflow {
		e.halt(errAccumulatorOverflow)
		return false
	}
	e.stats.truncations.Add(1)
	log.Warnf("accumulator for partition %d exceeded MaxAccumulatorBytes, a partial result will be emitted", w.partition)
	return true
}

func (w *partitionWorker[A]) consumed(offset int64) {
	w.engine.cursor.advance(w.partition, offset)
	w.nextOffset = offset + 1
}

// checkBarrier services a pending checkpoint barrier. Returns false when the worker
// halted while parked at the barrier.
func (w *partitionWorker[A]) checkBarrier() bool {
	select {
	case bar := <-w.barrierChan:
		return w.ackBarrier(bar)
	default:
		return true
	}
}

func (w *partitionWorker[A]) ackBarrier(bar *barrier) bool {
	bar.ready.Done()
	select {
	case <-bar.resume:
		return true
	case <-w.runStatus.Done():
		return false
	}
}

// pauseForBackpressure parks the worker while the state ceiling is exceeded,
// continuing to answer barriers so the releasing checkpoint can actually happen.
func (w *partitionWorker[A]) pauseForBackpressure() bool {
	e := w.engine
	paused := false
	for e.backpressure.overCeiling() {
		if !paused {
			paused = true
			e.stats.backpressureOn.Add(1)
			log.Warnf("backpressure engaged on partition %d: %d open windows over ceiling %d", w.partition, e.state.openEntries(), e.config.BackpressureCeiling)
		}
		if err := e.backpressure.pace(w.runStatus.Ctx()); err != nil {
			return false
		}
		select {
		case bar := <-w.barrierChan:
			if !w.ackBarrier(bar) {
				return false
			}
		case <-e.backpressure.releaseChan():
		case <-w.runStatus.Done():
			return false
		}
	}
	if paused {
		log.Infof("backpressure released on partition %d: %d open windows", w.partition, e.state.openEntries())
	}
	return true
}

func (w *partitionWorker[A]) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.runStatus.Done():
	}
}

// drainBarrier acknowledges a barrier that arrived while this worker was exiting, so
// the coordinator never waits on a dead participant. An exiting worker performs no
// further merges, so acking without pausing keeps the cut consistent.
func (w *partitionWorker[A]) drainBarrier() {
	select {
	case bar := <-w.barrierChan:
		bar.ready.Done()
	default:
	}
}

func (w *partitionWorker[A]) halt() {
	w.runStatus.Halt()
}
