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

package kafka

import (
	"fmt"
	"net"
	"testing"

	"github.com/windrose-streams/windrose"
)

func TestSimpleClusterConfig(t *testing.T) {
	cluster := SimpleCluster([]string{"127.0.0.1:9092", "127.0.0.1:9093"})
	opts, err := cluster.Config()
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 1 {
		t.Errorf("expected a single seed-brokers option, got %d", len(opts))
	}
}

func TestIsNetworkError(t *testing.T) {
	if isNetworkError(nil) {
		t.Error("nil is not a network error")
	}
	if isNetworkError(fmt.Errorf("boom")) {
		t.Error("a plain error is not a network error")
	}
	opErr := &net.OpError{Op: "dial", Err: fmt.Errorf("refused")}
	if !isNetworkError(opErr) {
		t.Error("net.OpError should be recognized")
	}
	if !isNetworkError(fmt.Errorf("wrapped: %w", opErr)) {
		t.Error("wrapped net.OpError should be recognized")
	}
}

func TestSourceBufferDemux(t *testing.T) {
	s := &Source{buffers: map[int32][]windrose.SourceRecord{
		0: {{Partition: 0, Offset: 0}, {Partition: 0, Offset: 1}, {Partition: 0, Offset: 2}},
		1: {{Partition: 1, Offset: 5}},
	}}
	batch := s.take(0, 2)
	if len(batch) != 2 || batch[0].Offset != 0 || batch[1].Offset != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	batch = s.take(0, 10)
	if len(batch) != 1 || batch[0].Offset != 2 {
		t.Fatalf("expected the remaining record, got %+v", batch)
	}
	if batch = s.take(0, 10); batch != nil {
		t.Fatalf("drained partition should yield nil, got %+v", batch)
	}
	if batch = s.take(1, 10); len(batch) != 1 || batch[0].Offset != 5 {
		t.Fatalf("partition 1 buffer disturbed: %+v", batch)
	}
}
