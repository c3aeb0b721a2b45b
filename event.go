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
	"time"
)

// Event is a single decoded element of the partitioned log. Immutable once read.
// EventTime is in Unix milliseconds, as are all timestamps within the engine.
type Event struct {
	Partition int32
	Offset    int64
	EventTime int64
	Key       []byte
	Payload   []byte
}

// SourceRecord is a raw, undecoded record as read from the log.
type SourceRecord struct {
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
}

/*
Source is a partitioned, append-only, offset-addressable event source. Each partition
yields monotonically increasing integer offsets and supports seeking to an offset for
resumption. The engine drives one Poll loop per assigned partition; implementations
must support concurrent Poll calls for distinct partitions.
*/
type Source interface {
	// Partitions returns the partitions this process currently owns.
	Partitions(ctx context.Context) ([]int32, error)
	// Seek positions the read cursor for `partition`. The next Poll for that
	// partition returns records at `offset` or later.
	Seek(partition int32, offset int64)
	// Poll returns up to max records for the partition. When none are available it
	// must return an empty batch after a bounded wait rather than block
	// indefinitely; callers interleave polling with checkpoint coordination.
	Poll(ctx context.Context, partition int32, max int) ([]SourceRecord, error)
	Close() error
}

// SinkRecord is the unit of output. At-least-once delivery: sinks are expected to
// upsert by UpsertKey() so replays converge rather than double-count.
type SinkRecord struct {
	WindowStart  int64  `json:"window_start"`
	WindowEnd    int64  `json:"window_end"`
	Key          []byte `json:"group_key"`
	Result       []byte `json:"result"`
	CheckpointID int64  `json:"checkpoint_id"`
	// Update is true when this record replaces a previously emitted record for the
	// same (window_start, window_end, group_key), either a late-data correction or
	// a partial emission forced by state overflow.
	Update bool `json:"update,omitempty"`
}

// UpsertKey is the idempotency key a sink should de-duplicate on.
func (r SinkRecord) UpsertKey() string {
	return fmt.Sprintf("%d:%d:%s", r.WindowStart, r.WindowEnd, string(r.Key))
}

// Sink accepts finalized window records. Emit is invoked from the emitter task only,
// never concurrently.
type Sink interface {
	Emit(ctx context.Context, record SinkRecord) error
	Close() error
}

/*
EventDecoder converts a raw SourceRecord into an Event. Returning an error routes the
record to the dead-letter path; the pipeline continues and the state store is untouched.
The returned Event's Partition and Offset are assigned by the engine.
*/
type EventDecoder func(SourceRecord) (Event, error)

// PassthroughDecoder treats the record key as the group key and the record's log-append
// timestamp as event time. Useful when the producer stamps accurate timestamps.
func PassthroughDecoder(r SourceRecord) (Event, error) {
	if len(r.Key) == 0 {
		return Event{}, fmt.Errorf("record at partition %d offset %d has no key", r.Partition, r.Offset)
	}
	return Event{
		EventTime: r.Timestamp.UnixMilli(),
		Key:       r.Key,
		Payload:   r.Value,
	}, nil
}

/*
JSONEventDecoder returns a decoder for JSON payloads carrying their own event time and
group key, ala:

	{"sensor_id": "sensor_7", "temperature": 23.1, "timestamp": "2025-06-01T12:00:00Z"}

`timestampField` accepts RFC3339/RFC3339Nano strings or integer Unix milliseconds.
A payload that does not decode, or is missing either field, is routed to the
dead-letter path.
*/
func JSONEventDecoder(timestampField, keyField string) EventDecoder {
	return func(r SourceRecord) (Event, error) {
		fields := make(map[string]any)
		if err := defaultJson.Unmarshal(r.Value, &fields); err != nil {
			return Event{}, fmt.Errorf("undecodable payload: %w", err)
		}
		ts, ok := fields[timestampField]
		if !ok {
			return Event{}, fmt.Errorf("missing timestamp field %q", timestampField)
		}
		eventTime, err := parseEventTime(ts)
		if err != nil {
			return Event{}, err
		}
		key, ok := fields[keyField]
		if !ok {
			return Event{}, fmt.Errorf("missing key field %q", keyField)
		}
		return Event{
			EventTime: eventTime,
			Key:       []byte(fmt.Sprintf("%v", key)),
			Payload:   r.Value,
		}, nil
	}
}

func parseEventTime(v any) (int64, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return 0, fmt.Errorf("unparseable timestamp %q: %w", t, err)
		}
		return parsed.UnixMilli(), nil
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	}
	return 0, fmt.Errorf("unsupported timestamp type %T", v)
}
