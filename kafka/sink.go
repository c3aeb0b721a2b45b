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
	"context"
	"strconv"
	"time"

	"github.com/windrose-streams/windrose"

	"github.com/twmb/franz-go/pkg/kgo"
)

// SinkConfig configures a Kafka-backed windrose.Sink.
type SinkConfig struct {
	Cluster Cluster
	Topic   string
}

/*
Sink produces window results to a Kafka topic. The record key is the result's
upsert key, so a compacted topic retains exactly one (the latest) result per
(window, group key) even across engine replays and EmitUpdate corrections.
Window bounds, the update flag and the checkpoint id travel as record headers.

Emit produces synchronously. At-least-once: a result is acknowledged by the broker
before the engine considers it delivered.
*/
type Sink struct {
	config SinkConfig
	client *kgo.Client
}

func NewSink(config SinkConfig) (*Sink, error) {
	client, err := NewClient(config.Cluster,
		kgo.DefaultProduceTopic(config.Topic),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	return &Sink{config: config, client: client}, nil
}

func (s *Sink) Emit(ctx context.Context, record windrose.SinkRecord) error {
	kr := &kgo.Record{
		Key:   []byte(record.UpsertKey()),
		Value: record.Result,
		Headers: []kgo.RecordHeader{
			{Key: "window_start", Value: strconv.AppendInt(nil, record.WindowStart, 10)},
			{Key: "window_end", Value: strconv.AppendInt(nil, record.WindowEnd, 10)},
			{Key: "group_key", Value: record.Key},
			{Key: "checkpoint_id", Value: strconv.AppendInt(nil, record.CheckpointID, 10)},
			{Key: "update", Value: strconv.AppendBool(nil, record.Update)},
		},
	}
	return s.client.ProduceSync(ctx, kr).FirstErr()
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

// DeadLetterProducer returns a windrose.DeadLetterHandler that forwards undecodable
// records to a dead-letter topic, preserving the original key and value and noting
// the source coordinates and decode error in headers. Produce failures are logged
// and dropped; the dead-letter path never stalls the pipeline.
func DeadLetterProducer(cluster Cluster, topic string) (windrose.DeadLetterHandler, func(), error) {
	client, err := NewClient(cluster, kgo.DefaultProduceTopic(topic))
	if err != nil {
		return nil, nil, err
	}
	handler := func(record windrose.SourceRecord, cause error) {
		kr := &kgo.Record{
			Key:   record.Key,
			Value: record.Value,
			Headers: []kgo.RecordHeader{
				{Key: "source_partition", Value: strconv.AppendInt(nil, int64(record.Partition), 10)},
				{Key: "source_offset", Value: strconv.AppendInt(nil, record.Offset, 10)},
				{Key: "error", Value: []byte(cause.Error())},
			},
		}
		client.Produce(context.Background(), kr, func(_ *kgo.Record, err error) {
			if err != nil {
				log.Errorf("dead letter produce failed for partition %d offset %d: %v",
					record.Partition, record.Offset, err)
			}
		})
	}
	return handler, client.Close, nil
}
