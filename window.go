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

import "fmt"

// Window is a half-open event-time interval [Start, End), in Unix milliseconds.
// For session windows the boundaries are mutable until the window is closed.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (w Window) Contains(t int64) bool {
	return t >= w.Start && t < w.End
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d)", w.Start, w.End)
}

// windowAssigner maps an event time to its candidate windows. Session windows are
// stateful (they extend and merge) so their resolution lives in the state store;
// the assigner only seeds the initial [t, t+gap) interval.
type windowAssigner struct {
	kind  WindowKind
	size  int64
	slide int64
	gap   int64
}

func newWindowAssigner(ws WindowSpec) windowAssigner {
	return windowAssigner{
		kind:  ws.Kind,
		size:  ws.Size.Milliseconds(),
		slide: ws.Slide.Milliseconds(),
		gap:   ws.Gap.Milliseconds(),
	}
}

// floorDiv rounds toward negative infinity, so pre-epoch event times still land in
// the correct window.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

/*
assign computes the windows containing eventTime for aligned (tumbling/sliding) specs.
Assignment is left-closed right-open: an event exactly on a boundary belongs to the
window starting at that instant, never both.

For sliding windows the highest slide multiple not after eventTime anchors the newest
containing window; earlier containing windows follow by stepping the anchor back by
the slide.
*/
func (wa windowAssigner) assign(eventTime int64, windows []Window) []Window {
	windows = windows[:0]
	switch wa.kind {
	case TumblingKind:
		start := floorDiv(eventTime, wa.size) * wa.size
		windows = append(windows, Window{Start: start, End: start + wa.size})
	case SlidingKind:
		start := floorDiv(eventTime, wa.slide) * wa.slide
		end := start + wa.size
		for start <= eventTime && end > eventTime {
			windows = append(windows, Window{Start: start, End: end})
			start -= wa.slide
			end -= wa.slide
		}
	case SessionKind:
		windows = append(windows, Window{Start: eventTime, End: eventTime + wa.gap})
	}
	return windows
}

// bridgeable reports whether an event at time t belongs to (or extends) an open
// session window: start - gap <= t <= end + gap.
func (wa windowAssigner) bridgeable(w Window, t int64) bool {
	return w.Start-wa.gap <= t && t <= w.End+wa.gap
}

// extend grows a session window to cover an event at time t.
func (wa windowAssigner) extend(w Window, t int64) Window {
	if t < w.Start {
		w.Start = t
	}
	if t+wa.gap > w.End {
		w.End = t + wa.gap
	}
	return w
}

// union merges two bridged session windows into their covering interval.
func union(a, b Window) Window {
	if b.Start < a.Start {
		a.Start = b.Start
	}
	if b.End > a.End {
		a.End = b.End
	}
	return a
}
