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
	"time"
)

/*
Checkpoint is a durable consistent cut of the pipeline: the read offsets every worker
had fully processed, the global watermark at that instant, and the serialized
aggregation state. Immutable once written; the newest durable checkpoint is the sole
recovery source.
*/
type Checkpoint struct {
	ID        int64           `json:"id"`
	Offsets   map[int32]int64 `json:"offsets"`
	Watermark int64           `json:"watermark"`
	State     []byte          `json:"state"`
	Taken     time.Time       `json:"taken"`
}

// CheckpointStore is a durable location holding checkpoints keyed by monotonically
// increasing id. Write must be atomic: either the whole checkpoint becomes visible
// or none of it does.
type CheckpointStore interface {
	Write(cp *Checkpoint) error
	// Latest returns the newest complete checkpoint, or (nil, nil) if none exists.
	Latest() (*Checkpoint, error)
	// Prune removes checkpoints with id < keepID. Best effort.
	Prune(keepID int64) error
}

/*
barrier is the rendezvous for the consistent cut. The coordinator hands one to every
participant (each partition worker and the emitter); a participant acknowledges at its
next safe point via ready.Done() and then blocks until resume closes. The snapshot is
taken only once every participant has acknowledged, so every worker's recorded offset
reflects fully merged events and nothing mutates the store mid-snapshot.
*/
type barrier struct {
	ready  *sync.WaitGroup
	resume chan struct{}
}

func newBarrier(participants int) *barrier {
	wg := &sync.WaitGroup{}
	wg.Add(participants)
	return &barrier{ready: wg, resume: make(chan struct{})}
}

// checkpointLoop runs the periodic consistent cut until halted. countTrigger fires
// when CheckpointMinEvents have been processed since the previous cut.
func (e *Engine[A]) checkpointLoop() {
	rs := e.checkpointStatus
	ticker := time.NewTicker(e.config.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-e.countTrigger:
		case <-rs.Done():
			return
		}
		if err := e.runCheckpoint(); err != nil {
			e.halt(err)
			return
		}
	}
}

/*
runCheckpoint performs one consistent cut: quiesce all participants at the barrier,
snapshot {offsets, watermark, state}, write the checkpoint durably with a bounded
retry budget, then resume. A write failure beyond the budget is returned to the
caller and halts the engine: resuming without a valid checkpoint risks loss or
duplication beyond the documented at-least-once bounds.
*/
func (e *Engine[A]) runCheckpoint() error {
	start := time.Now()
	bar, released := e.pauseAll()
	if bar == nil {
		return nil // shutting down
	}
	defer released()

	cp := &Checkpoint{
		ID:        e.lastCheckpointID.Load() + 1,
		Offsets:   e.cursor.snapshotRead(),
		Watermark: e.watermarks.globalWatermark(),
		Taken:     time.Now().UTC(),
	}
	state, err := e.state.snapshot()
	if err != nil {
		return err
	}
	cp.State = state

	if err = e.writeWithRetry(cp); err != nil {
		return err
	}

	e.cursor.markCommitted(cp.Offsets)
	e.lastCheckpointID.Store(cp.ID)
	e.eventsSinceCheckpoint.Store(0)
	if err := e.checkpoints.Prune(cp.ID); err != nil {
		log.Warnf("failed to prune checkpoints older than %d: %v", cp.ID, err)
	}
	e.stats.recordCheckpoint(time.Since(start))
	e.backpressure.checkpointComplete()
	e.emitMetric(Metric{
		StartTime: start,
		EndTime:   time.Now(),
		Count:     len(cp.Offsets),
		Bytes:     len(cp.State),
		Operation: CheckpointOperation,
	})
	log.Debugf("checkpoint %d durable, %d partitions, %d state bytes in %v", cp.ID, len(cp.Offsets), len(cp.State), time.Since(start))
	return nil
}

func (e *Engine[A]) writeWithRetry(cp *Checkpoint) error {
	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= e.config.CheckpointRetries; attempt++ {
		if err = e.checkpoints.Write(cp); err == nil {
			return nil
		}
		log.Warnf("checkpoint %d write attempt %d failed: %v", cp.ID, attempt+1, err)
		select {
		case <-time.After(backoff):
		case <-e.checkpointStatus.Done():
			return err
		}
		backoff *= 2
	}
	return err
}

/*
pauseAll distributes a barrier to every registered participant and waits for all of
them to reach their safe point. The returned release func resumes them. Participant
channels are buffered, so an exiting worker can drain a pending barrier after
deregistering and the coordinator never blocks on a dead participant.
*/
func (e *Engine[A]) pauseAll() (*barrier, func()) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, nil
	}
	targets := make([]chan *barrier, 0, len(e.workers)+1)
	for _, w := range e.workers {
		targets = append(targets, w.barrierChan)
	}
	targets = append(targets, e.emitter.barrierChan)
	bar := newBarrier(len(targets))
	for _, ch := range targets {
		ch <- bar
	}
	e.mu.Unlock()

	bar.ready.Wait()
	return bar, func() { close(bar.resume) }
}
