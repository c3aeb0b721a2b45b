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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testCheckpoint(id int64) *Checkpoint {
	return &Checkpoint{
		ID:        id,
		Offsets:   map[int32]int64{0: 10 * id, 1: 20 * id},
		Watermark: 1000 * id,
		State:     []byte(`{"entries":[]}`),
		Taken:     time.Now().UTC(),
	}
}

func TestFileCheckpointStoreRoundTrip(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cp, err := store.Latest(); err != nil || cp != nil {
		t.Fatalf("empty store should return (nil, nil), got (%v, %v)", cp, err)
	}

	for id := int64(1); id <= 3; id++ {
		if err := store.Write(testCheckpoint(id)); err != nil {
			t.Fatal(err)
		}
	}
	cp, err := store.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if cp.ID != 3 {
		t.Fatalf("expected latest id 3, got %d", cp.ID)
	}
	if cp.Offsets[0] != 30 || cp.Offsets[1] != 60 {
		t.Errorf("unexpected offsets: %v", cp.Offsets)
	}
	if cp.Watermark != 3000 {
		t.Errorf("unexpected watermark: %d", cp.Watermark)
	}
}

func TestFileCheckpointStorePrune(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileCheckpointStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	for id := int64(1); id <= 3; id++ {
		if err := store.Write(testCheckpoint(id)); err != nil {
			t.Fatal(err)
		}
	}
	// an orphaned temp file from an interrupted write gets cleaned up too
	orphan := filepath.Join(dir, "tmp-orphan")
	if err := os.WriteFile(orphan, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := store.Prune(3); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only the latest checkpoint to survive pruning, got %v", names)
	}
	cp, err := store.Latest()
	if err != nil || cp == nil || cp.ID != 3 {
		t.Fatalf("latest checkpoint lost by pruning: (%v, %v)", cp, err)
	}
}

func TestFileCheckpointStoreIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileCheckpointStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(testCheckpoint(7)); err != nil {
		t.Fatal(err)
	}
	cp, err := store.Latest()
	if err != nil || cp == nil || cp.ID != 7 {
		t.Fatalf("foreign files confused the store: (%v, %v)", cp, err)
	}
}
