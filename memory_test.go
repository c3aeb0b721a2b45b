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
	"testing"
	"time"
)

func TestInMemorySourcePollAndSeek(t *testing.T) {
	source := NewInMemorySource(0)
	ctx := context.Background()

	source.Produce(0, 1000, []byte("a"), nil)
	source.Produce(0, 2000, []byte("b"), nil)
	records, err := source.Poll(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].Offset != 0 || records[1].Offset != 1 {
		t.Fatalf("unexpected batch %+v", records)
	}

	// an idle poll returns an empty batch after a bounded wait, it never hangs
	start := time.Now()
	records, err = source.Poll(ctx, 0, 10)
	if err != nil || len(records) != 0 {
		t.Fatalf("idle poll returned (%v, %v)", records, err)
	}
	if time.Since(start) > time.Second {
		t.Error("idle poll blocked too long")
	}

	// seeking below the head replays retained records
	source.Seek(0, 1)
	records, err = source.Poll(ctx, 0, 10)
	if err != nil || len(records) != 1 || string(records[0].Key) != "b" {
		t.Fatalf("unexpected replay %+v err %v", records, err)
	}
}

func TestInMemorySourcePollWakesOnProduce(t *testing.T) {
	source := NewInMemorySource(0)
	done := make(chan []SourceRecord, 1)
	go func() {
		records, _ := source.Poll(context.Background(), 0, 10)
		done <- records
	}()
	time.Sleep(10 * time.Millisecond)
	source.Produce(0, 1000, []byte("k"), nil)
	select {
	case records := <-done:
		if len(records) != 1 {
			t.Errorf("expected the produced record, got %+v", records)
		}
	case <-time.After(time.Second):
		t.Fatal("poll did not wake on produce")
	}
}

func TestCollectorSinkUpserts(t *testing.T) {
	sink := NewCollectorSink()
	ctx := context.Background()
	first := SinkRecord{WindowEnd: 60_000, Key: []byte("k"), Result: []byte("1")}
	second := SinkRecord{WindowEnd: 60_000, Key: []byte("k"), Result: []byte("2"), Update: true}
	sink.Emit(ctx, first)
	sink.Emit(ctx, second)

	results := sink.Results()
	if len(results) != 1 {
		t.Fatalf("upsert key collision expected, got %d results", len(results))
	}
	if string(results[first.UpsertKey()].Result) != "2" {
		t.Error("later emission should replace the earlier one")
	}
	if len(sink.History()) != 2 {
		t.Error("history should retain both emissions")
	}
}

func TestMemoryCheckpointStoreFailureInjection(t *testing.T) {
	store := NewMemoryCheckpointStore()
	store.FailWrites = 1
	if err := store.Write(testCheckpoint(1)); err == nil {
		t.Fatal("expected injected failure")
	}
	if err := store.Write(testCheckpoint(1)); err != nil {
		t.Fatal(err)
	}
	cp, err := store.Latest()
	if err != nil || cp == nil || cp.ID != 1 {
		t.Fatalf("unexpected latest (%v, %v)", cp, err)
	}
	// mutating the returned checkpoint must not corrupt the store
	cp.Offsets[0] = 999
	again, _ := store.Latest()
	if again.Offsets[0] == 999 {
		t.Error("store handed out its internal map")
	}
}
