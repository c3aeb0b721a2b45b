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

// Package kafka provides Kafka-backed implementations of the windrose Source and
// Sink interfaces, built on franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/windrose-streams/windrose"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// An interface for a reusable Kafka client configuration.
type Cluster interface {
	// Returns the list of kgo.Opt(s) used whenever a connection is made to this
	// cluster. At minimum, it should return the kgo.SeedBrokers() option.
	Config() ([]kgo.Opt, error)
}

// A [Cluster] implementation useful for local development/testing. Establishes a
// plain text connection to a Kafka cluster.
//
//	cluster := kafka.SimpleCluster([]string{"127.0.0.1:9092"})
type SimpleCluster []string

// Returns []kgo.Opt{kgo.SeedBrokers(sc...)}
func (sc SimpleCluster) Config() ([]kgo.Opt, error) {
	return []kgo.Opt{kgo.SeedBrokers(sc...)}, nil
}

// NewClient creates a kgo.Client from the options returned from the provided
// [Cluster] and additional `options`. Used internally and exposed for convenience.
func NewClient(cluster Cluster, options ...kgo.Opt) (*kgo.Client, error) {
	configOptions := []kgo.Opt{kgo.WithLogger(kgoLogger)}
	clusterOpts, err := cluster.Config()
	if err != nil {
		return nil, err
	}
	configOptions = append(configOptions, clusterOpts...)
	configOptions = append(configOptions, options...)
	return kgo.NewClient(configOptions...)
}

var log windrose.Logger = windrose.SimpleLogger(windrose.LogLevelError)

// InitLogger sets the logger for the kafka package. Call before creating any
// sources or sinks.
func InitLogger(l windrose.Logger) {
	log = l
}

var kgoLogger kgo.Logger = kgoLogWrapper(kgo.LogLevelError)

type kgoLogWrapper kgo.LogLevel

func (klw kgoLogWrapper) Level() kgo.LogLevel {
	return kgo.LogLevel(klw)
}

func (klw kgoLogWrapper) Log(level kgo.LogLevel, msg string, keyvals ...interface{}) {
	switch level {
	case kgo.LogLevelDebug:
		log.Debugf(msg, keyvals...)
	case kgo.LogLevelInfo:
		log.Infof(msg, keyvals...)
	case kgo.LogLevelWarn:
		log.Warnf(msg, keyvals...)
	case kgo.LogLevelError:
		log.Errorf(msg, keyvals...)
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var opError *net.OpError
	if errors.As(err, &opError) {
		log.Warnf("network error for operation: %s, error: %v", opError.Op, opError)
		return true
	}
	return false
}

// TopicSpec describes a topic that CreateTopics will ensure exists.
type TopicSpec struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
	// Config holds additional topic configs, "retention.ms" and the like.
	Config map[string]*string
}

func createTopic(adminClient *kadm.Client, spec TopicSpec) error {
	res, err := adminClient.CreateTopics(context.Background(), int32(spec.NumPartitions),
		int16(spec.ReplicationFactor), spec.Config, spec.Name)
	log.Infof("createTopic res: %+v, err: %v", res, err)
	return err
}

// CreateTopics ensures the given topics exist, retrying through transient network
// errors. Topics that already exist are left untouched.
func CreateTopics(cluster Cluster, specs ...TopicSpec) error {
	client, err := NewClient(cluster)
	if err != nil {
		return err
	}
	defer client.Close()
	adminClient := kadm.NewClient(client)
	for _, spec := range specs {
		for retryCount := 0; retryCount < 15; retryCount++ {
			err = createTopic(adminClient, spec)
			if !isNetworkError(err) {
				break
			}
			time.Sleep(time.Second)
		}
		if err != nil {
			return fmt.Errorf("creating topic %s: %w", spec.Name, err)
		}
	}
	return nil
}
