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
	"bytes"
	"testing"
)

func TestInt64Codec(t *testing.T) {
	var buf bytes.Buffer
	for _, v := range []int64{0, 1, -1, 1 << 40, -(1 << 40)} {
		buf.Reset()
		if err := Int64Codec.Encode(&buf, v); err != nil {
			t.Fatal(err)
		}
		got, err := Int64Codec.Decode(buf.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Errorf("round trip of %d produced %d", v, got)
		}
	}
	if _, err := Int64Codec.Decode([]byte{1, 2}); err == nil {
		t.Error("short input should fail to decode")
	}
}

func TestJsonCodec(t *testing.T) {
	codec := JsonCodec[AvgState]{}
	var buf bytes.Buffer
	if err := codec.Encode(&buf, AvgState{Sum: 12.5, Count: 4}); err != nil {
		t.Fatal(err)
	}
	got, err := codec.Decode(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got.Sum != 12.5 || got.Count != 4 {
		t.Errorf("unexpected round trip result %+v", got)
	}
	if _, err := codec.Decode([]byte(`{"sum": `)); err == nil {
		t.Error("truncated JSON should fail to decode")
	}
}

func TestStringCodec(t *testing.T) {
	var buf bytes.Buffer
	if err := StringCodec.Encode(&buf, "hello"); err != nil {
		t.Fatal(err)
	}
	got, err := StringCodec.Decode(buf.Bytes())
	if err != nil || got != "hello" {
		t.Errorf("round trip produced (%q, %v)", got, err)
	}
}
