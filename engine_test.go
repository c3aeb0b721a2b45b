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
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(windows WindowSpec) EngineConfig {
	return EngineConfig{
		Windows:            windows,
		AllowedLateness:    time.Second,
		CheckpointInterval: 50 * time.Millisecond,
		EmitterInterval:    10 * time.Millisecond,
	}
}

func countEngine(source Source, sink Sink, checkpoints CheckpointStore, config EngineConfig) *Engine[int64] {
	return NewEngine[int64](source, sink, checkpoints, CountAggregator{}, Int64Codec, PassthroughDecoder, config)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const sec = int64(1000)

func TestEngineTumblingCounts(t *testing.T) {
	source := NewInMemorySource(0, 1)
	sink := NewCollectorSink()
	engine := countEngine(source, sink, NewMemoryCheckpointStore(), testConfig(TumblingWindows(time.Minute)))
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	source.Produce(0, 10*sec, []byte("k1"), nil)
	source.Produce(1, 20*sec, []byte("k2"), nil)
	source.Produce(0, 30*sec, []byte("k1"), nil)
	source.Produce(0, 59*sec, []byte("k2"), nil)

	// both partitions must pass end+lateness before [0,60s) closes
	source.Produce(0, 120*sec, []byte("k1"), nil)
	source.Produce(1, 120*sec, []byte("k1"), nil)

	waitFor(t, "window [0,60s) results", func() bool {
		return len(sink.Results()) >= 2
	})
	results := sink.Results()
	if r, ok := results[fmt.Sprintf("0:%d:k1", 60*sec)]; !ok || string(r.Result) != "2" {
		t.Errorf("expected k1 count 2 in [0,60s), got %+v", r)
	}
	if r, ok := results[fmt.Sprintf("0:%d:k2", 60*sec)]; !ok || string(r.Result) != "2" {
		t.Errorf("expected k2 count 2 in [0,60s), got %+v", r)
	}
	if stats := engine.Stats(); stats.EventsIn != 6 {
		t.Errorf("expected 6 events in, got %d", stats.EventsIn)
	}
}

func TestEngineNoEarlyFinalize(t *testing.T) {
	source := NewInMemorySource(0, 1)
	sink := NewCollectorSink()
	engine := countEngine(source, sink, NewMemoryCheckpointStore(), testConfig(TumblingWindows(time.Minute)))
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	source.Produce(0, 10*sec, []byte("k1"), nil)
	source.Produce(0, 120*sec, []byte("k1"), nil)
	// partition 1 is silent: the global watermark stays at -inf and nothing may
	// close no matter how far partition 0 has advanced
	time.Sleep(150 * time.Millisecond)
	if n := len(sink.Results()); n != 0 {
		t.Fatalf("window closed while a partition was silent: %d results", n)
	}

	source.Produce(1, 120*sec, []byte("k2"), nil)
	waitFor(t, "results after both partitions advanced", func() bool {
		return len(sink.Results()) >= 1
	})
}

func TestEngineDropLate(t *testing.T) {
	config := testConfig(TumblingWindows(time.Minute))
	config.AllowedLateness = 10 * time.Second
	source := NewInMemorySource(0)
	sink := NewCollectorSink()
	engine := countEngine(source, sink, NewMemoryCheckpointStore(), config)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	source.Produce(0, 50*sec, []byte("k1"), nil)
	source.Produce(0, 80*sec, []byte("k1"), nil) // watermark 70s: closes [0,60s)
	waitFor(t, "first window", func() bool { return len(sink.Results()) >= 1 })

	// 55s is behind the 70s watermark: dropped, result unchanged
	source.Produce(0, 55*sec, []byte("k1"), nil)
	waitFor(t, "late event counted", func() bool {
		return engine.Stats().LateEvents == 1
	})
	key := fmt.Sprintf("0:%d:k1", 60*sec)
	if r := sink.Results()[key]; string(r.Result) != "1" {
		t.Errorf("late event mutated a closed window under DropLate: %s", r.Result)
	}
	for _, r := range sink.History() {
		if r.Update {
			t.Errorf("unexpected update record under DropLate: %+v", r)
		}
	}
}

func TestEngineEmitUpdate(t *testing.T) {
	config := testConfig(TumblingWindows(time.Minute))
	config.AllowedLateness = 10 * time.Second
	config.LatePolicy = EmitUpdate
	config.UpdateGrace = 10 * time.Minute
	source := NewInMemorySource(0)
	sink := NewCollectorSink()
	engine := countEngine(source, sink, NewMemoryCheckpointStore(), config)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	source.Produce(0, 50*sec, []byte("k1"), nil)
	source.Produce(0, 80*sec, []byte("k1"), nil)
	waitFor(t, "first window", func() bool { return len(sink.Results()) >= 1 })

	source.Produce(0, 55*sec, []byte("k1"), nil)
	key := fmt.Sprintf("0:%d:k1", 60*sec)
	waitFor(t, "corrected result", func() bool {
		return string(sink.Results()[key].Result) == "2"
	})
	r := sink.Results()[key]
	if !r.Update {
		t.Error("corrected record should be flagged as an update")
	}
	if engine.Stats().LateEvents != 1 {
		t.Errorf("late event should still be counted, got %d", engine.Stats().LateEvents)
	}
}

func TestEngineSessionWindows(t *testing.T) {
	config := testConfig(SessionWindows(30 * time.Second))
	source := NewInMemorySource(0)
	sink := NewCollectorSink()
	engine := countEngine(source, sink, NewMemoryCheckpointStore(), config)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	source.Produce(0, 0, []byte("u"), nil)
	source.Produce(0, 10*sec, []byte("u"), nil)
	source.Produce(0, 25*sec, []byte("u"), nil)
	source.Produce(0, 500*sec, []byte("u"), nil) // advances the watermark past end+gap

	waitFor(t, "closed session", func() bool { return len(sink.Results()) >= 1 })
	var session SinkRecord
	for _, r := range sink.Results() {
		session = r
	}
	if session.WindowStart != 0 || session.WindowEnd != 55*sec {
		t.Errorf("expected session [0,55s), got [%d,%d)", session.WindowStart, session.WindowEnd)
	}
	if string(session.Result) != "3" {
		t.Errorf("expected session count 3, got %s", session.Result)
	}
}

func TestEngineCheckpointAndRecovery(t *testing.T) {
	checkpoints := NewMemoryCheckpointStore()
	source := NewInMemorySource(0)
	sink := NewCollectorSink()
	config := testConfig(TumblingWindows(time.Minute))

	engine := countEngine(source, sink, checkpoints, config)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	source.Produce(0, 10*sec, []byte("k1"), nil)
	source.Produce(0, 30*sec, []byte("k1"), nil)
	waitFor(t, "a durable checkpoint covering both events", func() bool {
		cp, _ := checkpoints.Latest()
		return cp != nil && cp.Offsets[0] == 1
	})

	// crash: no graceful stop, no final checkpoint
	engine.halt(fmt.Errorf("simulated crash"))
	<-engine.Done()

	// events appended after the crash are picked up by the restarted engine
	source.Produce(0, 45*sec, []byte("k1"), nil)
	source.Produce(0, 120*sec, []byte("k2"), nil)

	restarted := countEngine(source, sink, checkpoints, config)
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer restarted.Stop()

	key := fmt.Sprintf("0:%d:k1", 60*sec)
	waitFor(t, "converged post-recovery result", func() bool {
		return string(sink.Results()[key].Result) == "3"
	})
}

func TestEngineRestartReplayConverges(t *testing.T) {
	// a crash right after events were merged but before any checkpoint covers them
	// forces a replay; the sink's upsert keys must make the replay invisible
	checkpoints := NewMemoryCheckpointStore()
	source := NewInMemorySource(0)
	sink := NewCollectorSink()
	config := testConfig(TumblingWindows(time.Minute))
	config.CheckpointInterval = time.Hour // no periodic checkpoint fires

	engine := countEngine(source, sink, checkpoints, config)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	source.Produce(0, 10*sec, []byte("k1"), nil)
	source.Produce(0, 30*sec, []byte("k1"), nil)
	waitFor(t, "events processed", func() bool {
		return engine.Stats().EventsIn == 2
	})
	engine.halt(fmt.Errorf("simulated crash"))
	<-engine.Done()

	restarted := countEngine(source, sink, checkpoints, config)
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer restarted.Stop()
	source.Produce(0, 120*sec, []byte("k2"), nil)

	key := fmt.Sprintf("0:%d:k1", 60*sec)
	waitFor(t, "replayed result", func() bool {
		return string(sink.Results()[key].Result) == "2"
	})
	if string(sink.Results()[key].Result) != "2" {
		t.Errorf("replay double-counted: %s", sink.Results()[key].Result)
	}
}

func TestEngineGracefulStopCheckpoints(t *testing.T) {
	checkpoints := NewMemoryCheckpointStore()
	source := NewInMemorySource(0)
	sink := NewCollectorSink()
	engine := countEngine(source, sink, checkpoints, testConfig(TumblingWindows(time.Minute)))
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	source.Produce(0, 10*sec, []byte("k1"), nil)
	waitFor(t, "event processed", func() bool { return engine.Stats().EventsIn == 1 })
	if err := engine.Stop(); err != nil {
		t.Fatal(err)
	}
	cp, err := checkpoints.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil {
		t.Fatal("graceful stop should leave a final checkpoint")
	}
	if cp.Offsets[0] != 0 {
		t.Errorf("final checkpoint should cover offset 0, got %d", cp.Offsets[0])
	}
}

func TestEngineDeadLetter(t *testing.T) {
	source := NewInMemorySource(0)
	sink := NewCollectorSink()
	var deadLettered atomic.Int64
	engine := countEngine(source, sink, NewMemoryCheckpointStore(), testConfig(TumblingWindows(time.Minute))).
		WithDeadLetterHandler(func(record SourceRecord, err error) {
			deadLettered.Add(1)
		})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	source.Produce(0, 10*sec, nil, nil) // keyless record fails PassthroughDecoder
	source.Produce(0, 20*sec, []byte("k1"), nil)

	waitFor(t, "dead letter", func() bool { return deadLettered.Load() == 1 })
	waitFor(t, "good event still processed", func() bool {
		return engine.Stats().EventsIn == 1
	})
	if engine.Stats().DeadLetters != 1 {
		t.Errorf("expected 1 dead letter in stats, got %d", engine.Stats().DeadLetters)
	}
}

func TestEngineSinkRetry(t *testing.T) {
	source := NewInMemorySource(0)
	sink := NewCollectorSink()
	sink.FailFirst = 2 // transient outage, recovered within the retry budget
	engine := countEngine(source, sink, NewMemoryCheckpointStore(), testConfig(TumblingWindows(time.Minute)))
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	source.Produce(0, 10*sec, []byte("k1"), nil)
	source.Produce(0, 120*sec, []byte("k1"), nil)
	waitFor(t, "result despite sink failures", func() bool {
		return len(sink.Results()) == 1
	})
	if err := engine.Err(); err != nil {
		t.Errorf("transient sink failure should not be fatal: %v", err)
	}
}

func TestEngineRevokePartition(t *testing.T) {
	source := NewInMemorySource(0, 1)
	sink := NewCollectorSink()
	engine := countEngine(source, sink, NewMemoryCheckpointStore(), testConfig(TumblingWindows(time.Minute)))
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	source.Produce(1, 10*sec, []byte("k"), nil)
	waitFor(t, "event processed", func() bool { return engine.Stats().EventsIn == 1 })

	engine.RevokePartition(1)
	// with partition 1 gone, partition 0 alone drives the watermark
	source.Produce(0, 120*sec, []byte("k"), nil)
	waitFor(t, "window closed after revocation", func() bool {
		return len(sink.Results()) >= 1
	})
}

func TestEngineEmitsOperationMetrics(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	config := testConfig(TumblingWindows(time.Minute))
	config.Metrics = func(m Metric) {
		mu.Lock()
		seen[m.Operation] += m.Count
		mu.Unlock()
	}
	source := NewInMemorySource(0)
	sink := NewCollectorSink()
	engine := countEngine(source, sink, NewMemoryCheckpointStore(), config)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	source.Produce(0, 10*sec, []byte("k"), nil)
	source.Produce(0, 30*sec, []byte("k"), nil)
	source.Produce(0, 120*sec, []byte("k"), nil)

	counted := func(op string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return seen[op] > 0
		}
	}
	waitFor(t, "merge metric", counted(MergeOperation))
	waitFor(t, "emit metric", counted(EmitOperation))
	waitFor(t, "checkpoint metric", counted(CheckpointOperation))

	mu.Lock()
	merged := seen[MergeOperation]
	mu.Unlock()
	if merged != 3 {
		t.Errorf("merge metric should count all 3 processed events, got %d", merged)
	}
}
