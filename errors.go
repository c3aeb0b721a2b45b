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

// ErrorResponse instructs the engine how to proceed when a pluggable handler
// encounters an error.
type ErrorResponse int

const (
	// CompleteAndContinue marks the failing unit handled and continues processing.
	CompleteAndContinue ErrorResponse = iota
	// FailPartition stops the worker for the partition in error. Other partitions
	// continue; the partition resumes from its checkpointed offset on reassignment.
	FailPartition
	// FatallyExit halts the whole engine. The last durable checkpoint remains the
	// recovery source.
	FatallyExit
)

/*
DeadLetterHandler receives records that could not be decoded into events (undecodable
payload, missing timestamp). The pipeline continues and the state store is never
touched by such records. Implementations typically forward to a dead-letter topic;
see the kafka subpackage.
*/
type DeadLetterHandler func(record SourceRecord, err error)

// DefaultDeadLetterHandler logs the record coordinates and drops it.
func DefaultDeadLetterHandler(record SourceRecord, err error) {
	log.Errorf("dead letter at partition: %d, offset: %d, err: %v", record.Partition, record.Offset, err)
}

/*
SinkErrorHandler is consulted after the emitter has exhausted its retries for a
record. Returning CompleteAndContinue drops the record (it will reappear on replay
only if the engine restarts before the next checkpoint); FatallyExit halts the engine
so the record is replayed from the last checkpoint on restart.
*/
type SinkErrorHandler func(record SinkRecord, err error) ErrorResponse

// DefaultSinkErrorHandler halts the engine. Continuing past a dead sink risks loss
// beyond the documented at-least-once bounds.
func DefaultSinkErrorHandler(record SinkRecord, err error) ErrorResponse {
	log.Errorf("failing engine due to sink failure for window %d-%d, err: %v", record.WindowStart, record.WindowEnd, err)
	return FatallyExit
}

// SourceErrorHandler is consulted when a partition read fails after retries.
type SourceErrorHandler func(partition int32, err error) ErrorResponse

// DefaultSourceErrorHandler fails only the partition in error.
func DefaultSourceErrorHandler(partition int32, err error) ErrorResponse {
	log.Errorf("failing partition %d due to source failure, err: %v", partition, err)
	return FailPartition
}
