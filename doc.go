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

/*
Windrose is an embeddable windowed stream aggregation engine for Go. It consumes
partitioned, offset-addressable event logs (Kafka via the kafka subpackage, or any
Source implementation), assigns events to tumbling, sliding or session windows by
event time, folds them into per-key accumulators, and emits finalized window results
once the watermark says no more on-time events can arrive.

# Event time and watermarks

Events carry their own timestamps and arrive out of order. Windrose tracks the
maximum observed event time per partition, subtracts the configured allowed
lateness, and takes the minimum across partitions as the global watermark. A window
closes only when the watermark passes its end plus the allowed lateness, so a
single stalled partition holds back emission for all of them rather than producing
wrong results. Events older than the watermark are handled per the configured late
policy: dropped and counted, or merged into a retained accumulator and re-emitted
as a correction.

# Fault tolerance

Periodic checkpoints capture a consistent cut: all workers pause at a barrier, and
the read offsets, watermark and every open accumulator are written atomically to a
CheckpointStore. After a crash the engine restores the snapshot and replays each
partition from its checkpointed offset. Delivery to the sink is at-least-once;
SinkRecord carries an upsert key (window start, window end, group key) so an
idempotent downstream store converges to exactly-once results.

# Aggregators

An Aggregator is three functions over a user-chosen accumulator type: Merge folds
one event in, Combine folds two accumulators together (needed when session windows
bridge), and Finalize renders the result bytes for the sink. Merge must be
associative and commutative since replays and cross-partition interleavings present
events in no particular order. CountAggregator, SumAggregator and AvgAggregator
cover the common cases.

# What Windrose is not

It is not a distributed system: one engine owns the partitions its Source hands it,
and coordination across processes is the log's concern (consumer groups). It is not
a query engine either; results go to a Sink and serving them is up to you.
*/
package windrose
