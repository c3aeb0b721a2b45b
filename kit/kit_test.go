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

package kit

import (
	"context"
	"sort"
	"testing"
)

func TestRunStatusHaltPropagates(t *testing.T) {
	parent := NewRunStatus(nil)
	child := parent.Fork()
	grandchild := child.Fork()
	if !grandchild.Running() {
		t.Fatal("fresh RunStatus should be running")
	}
	parent.Halt()
	select {
	case <-grandchild.Done():
	default:
		t.Error("halting the root should halt every descendant")
	}
	if child.Running() || parent.Running() {
		t.Error("expected halted statuses")
	}
}

func TestRunStatusChildHaltIsLocal(t *testing.T) {
	parent := NewRunStatus(context.Background())
	child := parent.Fork()
	child.Halt()
	if !parent.Running() {
		t.Error("halting a child must not halt the parent")
	}
}

func TestCopyMapIsolation(t *testing.T) {
	m := map[int32]int64{1: 10, 2: 20}
	c := CopyMap(m)
	m[1] = 99
	if c[1] != 10 {
		t.Errorf("copy observed later mutation: %d", c[1])
	}
}

func TestMapSliceHelpers(t *testing.T) {
	m := map[string]int{"a": 1, "b": 2, "c": 3}
	keys := MapKeysToSlice(m)
	sort.Strings(keys)
	if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
		t.Errorf("unexpected keys %v", keys)
	}
	values := MapValuesToSlice(m)
	sort.Ints(values)
	if len(values) != 3 || values[0] != 1 || values[2] != 3 {
		t.Errorf("unexpected values %v", values)
	}
}

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 || Max(3, 5) != 5 {
		t.Error("Min/Max misbehaving on ints")
	}
	if Min(2.5, 1.5) != 1.5 || Max(-1, -2) != -1 {
		t.Error("Min/Max misbehaving on floats/negatives")
	}
}
