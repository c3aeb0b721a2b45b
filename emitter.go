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
	"time"

	"github.com/windrose-streams/windrose/kit"
)

/*
outputEmitter finalizes and publishes closed windows. It wakes on every global
watermark advance (coalesced) and on a fallback ticker, sweeps the state store for
entries whose close condition is met, and hands the finalized records to the sink
stamped with the latest durable checkpoint id.

The emitter participates in the checkpoint barrier: it never finalizes or evicts
while a snapshot is being taken, which keeps the cut auditable.
*/
type outputEmitter[A any] struct {
	engine      *Engine[A]
	runStatus   kit.RunStatus
	barrierChan chan *barrier
	stopped     chan struct{}
}

func newOutputEmitter[A any](e *Engine[A]) *outputEmitter[A] {
	em := &outputEmitter[A]{
		engine:      e,
		runStatus:   e.runStatus.Fork(),
		barrierChan: make(chan *barrier, 1),
		stopped:     make(chan struct{}),
	}
	return em
}

func (em *outputEmitter[A]) start() {
	go em.run()
}

func (em *outputEmitter[A]) run() {
	e := em.engine
	ticker := time.NewTicker(e.config.EmitterInterval)
	defer ticker.Stop()
	defer close(em.stopped)
	for {
		select {
		case bar := <-em.barrierChan:
			bar.ready.Done()
			select {
			case <-bar.resume:
			case <-em.runStatus.Done():
				return
			}
		case <-e.watermarks.advanced:
			em.sweepAndEmit()
		case <-ticker.C:
			em.sweepAndEmit()
		case <-em.runStatus.Done():
			// drain a barrier that raced with shutdown so the coordinator never
			// waits on a dead participant
			select {
			case bar := <-em.barrierChan:
				bar.ready.Done()
			default:
			}
			return
		}
	}
}

func (em *outputEmitter[A]) sweepAndEmit() {
	e := em.engine
	wm := e.watermarks.globalWatermark()
	if wm == minWatermark {
		return
	}
	start := time.Now()
	emits, evicted := e.state.sweep(wm, e.config.LatePolicy, e.latenessMillis, e.graceMillis)
	checkpointID := e.lastCheckpointID.Load()
	for _, p := range emits {
		record := SinkRecord{
			WindowStart:  p.win.Start,
			WindowEnd:    p.win.End,
			Key:          p.key,
			Result:       p.result,
			CheckpointID: checkpointID,
			Update:       p.update,
		}
		if !em.emit(record) {
			return
		}
	}
	if len(emits) > 0 {
		e.stats.recordsOut.Add(int64(len(emits)))
		e.emitMetric(Metric{
			StartTime: start,
			EndTime:   time.Now(),
			Count:     len(emits),
			Operation: EmitOperation,
		})
		log.Debugf("emitted %d records, evicted %d entries at watermark %d", len(emits), evicted, wm)
	}
	e.backpressure.evicted(evicted)
}

// emit delivers one record, retrying transient sink errors. Returns false when the
// engine is halting.
func (em *outputEmitter[A]) emit(record SinkRecord) bool {
	e := em.engine
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = e.sink.Emit(em.runStatus.Ctx(), record); err == nil {
			return true
		}
		if !em.runStatus.Running() {
			return false
		}
		log.Warnf("sink emit attempt %d failed for window %d-%d: %v", attempt+1, record.WindowStart, record.WindowEnd, err)
		select {
		case <-time.After(backoff):
		case <-em.runStatus.Done():
			return false
		}
		backoff *= 2
	}
	if e.sinkErrors(record, err) == FatallyExit {
		e.halt(err)
		return false
	}
	return true
}
