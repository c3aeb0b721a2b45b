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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/windrose-streams/windrose"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// SourceConfig configures a Kafka-backed windrose.Source.
type SourceConfig struct {
	Cluster Cluster
	Topic   string
	// FetchMaxWait bounds how long a fetch waits for new records before returning
	// an empty batch. Defaults to 500ms. Keep this short: the engine interleaves
	// polling with checkpoint coordination.
	FetchMaxWait time.Duration
	// Partitions restricts consumption to a subset of the topic's partitions. When
	// empty, all partitions are consumed. Restrict when running multiple engine
	// processes against one topic; windrose does not join a consumer group.
	Partitions []int32
}

/*
Source consumes one Kafka topic with a direct (non-group) consumer. The engine
drives the offset position: Seek adds the partition to the client at the
checkpointed offset, and commits never go to Kafka since the engine's checkpoint is
the source of truth for resume positions.

A single kgo client serves all partitions. Fetches are demultiplexed into
per-partition buffers so each engine worker polls only its own partition.
*/
type Source struct {
	config  SourceConfig
	client  *kgo.Client
	fetchMu sync.Mutex
	mu      sync.Mutex
	buffers map[int32][]windrose.SourceRecord
}

func NewSource(config SourceConfig) (*Source, error) {
	if config.FetchMaxWait <= 0 {
		config.FetchMaxWait = 500 * time.Millisecond
	}
	client, err := NewClient(config.Cluster,
		kgo.FetchMaxWait(config.FetchMaxWait),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{}),
	)
	if err != nil {
		return nil, err
	}
	return &Source{
		config:  config,
		client:  client,
		buffers: make(map[int32][]windrose.SourceRecord),
	}, nil
}

func (s *Source) Partitions(ctx context.Context) ([]int32, error) {
	if len(s.config.Partitions) > 0 {
		return s.config.Partitions, nil
	}
	adminClient := kadm.NewClient(s.client)
	topics, err := adminClient.ListTopics(ctx, s.config.Topic)
	if err != nil {
		return nil, err
	}
	detail, ok := topics[s.config.Topic]
	if !ok {
		return nil, fmt.Errorf("topic %s does not exist", s.config.Topic)
	}
	if detail.Err != nil {
		return nil, detail.Err
	}
	partitions := detail.Partitions.Numbers()
	log.Debugf("topic %s has partitions %v", s.config.Topic, partitions)
	return partitions, nil
}

func (s *Source) Seek(partition int32, offset int64) {
	if offset < 0 {
		offset = 0
	}
	s.client.RemoveConsumePartitions(map[string][]int32{s.config.Topic: {partition}})
	s.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		s.config.Topic: {partition: kgo.NewOffset().At(offset)},
	})
	s.mu.Lock()
	s.buffers[partition] = nil
	s.mu.Unlock()
	log.Debugf("seek partition %d to offset %d", partition, offset)
}

func (s *Source) Poll(ctx context.Context, partition int32, max int) ([]windrose.SourceRecord, error) {
	if batch := s.take(partition, max); len(batch) > 0 {
		return batch, nil
	}
	s.fetchMu.Lock()
	// another worker may have fetched our records while we waited for the lock
	if batch := s.take(partition, max); len(batch) > 0 {
		s.fetchMu.Unlock()
		return batch, nil
	}
	// PollRecords blocks until records arrive; the deadline keeps the wait bounded
	// so callers regain control even on an idle topic.
	fetchCtx, cancel := context.WithTimeout(ctx, s.config.FetchMaxWait)
	fetches := s.client.PollRecords(fetchCtx, max)
	cancel()
	s.fetchMu.Unlock()
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	var fetchErr error
	fetches.EachError(func(topic string, p int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		if fetchErr == nil {
			fetchErr = err
		}
	})
	if fetchErr != nil {
		return nil, fetchErr
	}
	s.mu.Lock()
	fetches.EachRecord(func(r *kgo.Record) {
		s.buffers[r.Partition] = append(s.buffers[r.Partition], windrose.SourceRecord{
			Partition: r.Partition,
			Offset:    r.Offset,
			Timestamp: r.Timestamp,
			Key:       r.Key,
			Value:     r.Value,
		})
	})
	s.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return s.take(partition, max), nil
}

func (s *Source) take(partition int32, max int) []windrose.SourceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	buffered := s.buffers[partition]
	if len(buffered) == 0 {
		return nil
	}
	if max > len(buffered) {
		max = len(buffered)
	}
	batch := buffered[:max]
	s.buffers[partition] = buffered[max:]
	return batch
}

func (s *Source) Close() error {
	s.client.Close()
	return nil
}
