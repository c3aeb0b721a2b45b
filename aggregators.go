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
	"strconv"

	"github.com/windrose-streams/windrose/kit"

	jsoniter "github.com/json-iterator/go"
)

// CountAggregator counts events per (window, key). The accumulator is the running
// count; results are its decimal encoding.
type CountAggregator struct{}

func (CountAggregator) Merge(acc int64, e Event) int64 {
	return acc + 1
}

func (CountAggregator) Combine(a, b int64) int64 {
	return a + b
}

func (CountAggregator) Finalize(acc int64) []byte {
	return strconv.AppendInt(nil, acc, 10)
}

// SumAggregator sums a numeric value extracted from each event. Events the
// extractor rejects contribute nothing.
type SumAggregator[N kit.Number] struct {
	Extract func(Event) (N, bool)
}

func (s SumAggregator[N]) Merge(acc N, e Event) N {
	if v, ok := s.Extract(e); ok {
		return acc + v
	}
	return acc
}

func (SumAggregator[N]) Combine(a, b N) N {
	return a + b
}

func (SumAggregator[N]) Finalize(acc N) []byte {
	return []byte(strconv.FormatFloat(float64(acc), 'g', -1, 64))
}

// AvgState carries the running sum and count for a mean. Keeping both components
// rather than the quotient is what makes merging associative.
type AvgState struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
}

// AvgAggregator computes the arithmetic mean of an extracted value.
type AvgAggregator struct {
	Extract func(Event) (float64, bool)
}

func (a AvgAggregator) Merge(acc AvgState, e Event) AvgState {
	if v, ok := a.Extract(e); ok {
		acc.Sum += v
		acc.Count++
	}
	return acc
}

func (AvgAggregator) Combine(x, y AvgState) AvgState {
	return AvgState{Sum: x.Sum + y.Sum, Count: x.Count + y.Count}
}

func (AvgAggregator) Finalize(acc AvgState) []byte {
	if acc.Count == 0 {
		return []byte("0")
	}
	return []byte(strconv.FormatFloat(acc.Sum/float64(acc.Count), 'g', -1, 64))
}

// JSONFieldExtractor pulls a numeric field out of a JSON event payload, for use
// with SumAggregator or AvgAggregator.
func JSONFieldExtractor(field string) func(Event) (float64, bool) {
	return func(e Event) (float64, bool) {
		it := defaultJson.BorrowIterator(e.Payload)
		defer defaultJson.ReturnIterator(it)
		var found bool
		var value float64
		it.ReadMapCB(func(iter *jsoniter.Iterator, key string) bool {
			if key == field {
				value = iter.ReadFloat64()
				found = true
				return true
			}
			iter.Skip()
			return true
		})
		if it.Error != nil {
			return 0, false
		}
		return value, found
	}
}
