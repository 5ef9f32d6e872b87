// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

// Command broker wires the core subsystems (cleaner, offset index, delayed
// fetch, record accumulator, consumer group coordinator) into a runnable
// node. It owns no wire protocol: it is the composition root other entry
// points (a gRPC/Kafka-wire front end, tests, tools) would sit in front of.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/novatechflow/corelog/internal/config"
	"github.com/novatechflow/corelog/pkg/accumulator"
	"github.com/novatechflow/corelog/pkg/fetch"
	"github.com/novatechflow/corelog/pkg/group"
	"github.com/novatechflow/corelog/pkg/lease"
	"github.com/novatechflow/corelog/pkg/storage"
)

func main() {
	configPath := flag.String("config", "broker.yaml", "path to the broker YAML config")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := newNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("start node", "err", err)
		os.Exit(1)
	}
	defer node.Close()

	logger.Info("broker node started", "broker_id", cfg.BrokerID, "data_dir", cfg.DataDir)
	<-ctx.Done()
	logger.Info("shutting down")
}

// node bundles every wired-up subsystem for a single broker process.
type node struct {
	logger *slog.Logger

	etcdClient *clientv3.Client
	leases     *lease.PartitionLeaseManager
	router     *lease.PartitionRouter
	checker    *lease.Checker

	cleaner        *storage.Cleaner
	checkpoint     *storage.CleanerCheckpoint
	cleanerManager *storage.CleanerManager
	archiver       *storage.Archiver

	logs        *logRegistry
	purgatory   *fetch.Purgatory
	accumulator *accumulator.RecordAccumulator
	groups      *group.Coordinator
}

// logRegistry is the trivial fetch.Registry log map this process keeps for
// every open partition. OpenPartition registers each log it opens here and
// ClosePartition unregisters it; CleanerManager keeps its own map.
type logRegistry struct {
	logs map[string]*storage.Log
}

// OpenPartition brings a topic-partition fully online: it acquires the
// partition's etcd lease (a no-op if this broker already owns it, an
// ErrNotOwner if another broker does), opens the log on disk, and registers
// it with every subsystem that needs to know about it. Call ClosePartition
// to reverse this when the partition is reassigned away from this broker.
func (n *node) OpenPartition(ctx context.Context, cfg config.Config, topic string, partition int32) (*storage.Log, error) {
	tp := storage.TopicPartition{Topic: topic, Partition: partition}
	if n.leases != nil {
		if err := n.leases.Acquire(ctx, topic, partition); err != nil {
			return nil, fmt.Errorf("acquire lease for %s/%d: %w", topic, partition, err)
		}
	}

	l, err := storage.OpenLog(cfg.DataDir, topic, partition, storage.LogConfig{
		SegmentBytes: cfg.Cleaner.SegmentSize,
		Archiver:     n.archiver,
	})
	if err != nil {
		if n.leases != nil {
			n.leases.Release(topic, partition)
		}
		return nil, fmt.Errorf("open log for %s/%d: %w", topic, partition, err)
	}

	n.logs.register(topic, partition, l)
	n.cleanerManager.Register(tp, l)
	return l, nil
}

// ClosePartition takes a topic-partition offline on this broker: it blocks
// until the cleaner has stopped touching the partition's segments (so it's
// safe to close the log underneath it), drops it from the registries, and
// releases the lease so another broker can take over immediately.
func (n *node) ClosePartition(topic string, partition int32) {
	tp := storage.TopicPartition{Topic: topic, Partition: partition}
	n.cleanerManager.AbortAndPause(tp)
	n.cleanerManager.Unregister(tp)
	n.logs.unregister(topic, partition)
	if n.leases != nil {
		n.leases.Release(topic, partition)
	}
}

func newNode(ctx context.Context, cfg config.Config, logger *slog.Logger) (*node, error) {
	n := &node{logger: logger}

	if len(cfg.Lease.Endpoints) > 0 {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Lease.Endpoints,
			DialTimeout: cfg.Lease.DialTimeout(),
		})
		if err != nil {
			return nil, err
		}
		n.etcdClient = client

		n.leases = lease.NewPartitionLeaseManager(client, lease.PartitionLeaseConfig{
			BrokerID:        cfg.BrokerID,
			LeaseTTLSeconds: cfg.Lease.LeaseTTLSeconds,
			Logger:          logger,
		})

		router, err := lease.NewPartitionRouter(ctx, client, logger)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.router = router
		n.checker = lease.NewChecker(n.leases, n.router)
	}

	if cfg.Archive.Enabled {
		archiver, err := storage.NewArchiver(ctx, storage.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			ForcePathStyle:  cfg.Archive.ForcePathStyle,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			SessionToken:    cfg.Archive.SessionToken,
			KMSKeyARN:       cfg.Archive.KMSKeyARN,
		}, int64(cfg.Archive.MaxConcurrentUploads), logger)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.archiver = archiver
	}

	checkpoint, err := storage.LoadCheckpoint(cfg.Cleaner.CheckpointPath)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.checkpoint = checkpoint

	n.cleaner = storage.NewCleaner(storage.CleanerConfig{
		DedupeBufferSize:       int(cfg.Cleaner.DedupeBufferSize),
		DedupeBufferLoadFactor: cfg.Cleaner.DedupeBufferLoadFactor,
		IOBufferSize:           cfg.Cleaner.IOBufferSize,
		DeleteRetention:        cfg.Cleaner.DeleteRetention(),
		Logger:                 logger,
	})

	var checker storage.LeaderChecker
	if n.checker != nil {
		checker = n.checker
	}
	n.cleanerManager = storage.NewCleanerManager(n.cleaner, n.checkpoint, checker, logger)

	var fetchChecker fetch.LeaderChecker
	if n.checker != nil {
		fetchChecker = n.checker
	}
	n.logs = &logRegistry{logs: make(map[string]*storage.Log)}
	n.purgatory = fetch.NewPurgatory(n.logs, fetchChecker, logger)

	n.accumulator = accumulator.NewRecordAccumulator(accumulator.Config{
		BatchSize:       cfg.Accumulator.BatchSize,
		Linger:          cfg.Accumulator.Linger(),
		DeliveryTimeout: cfg.Accumulator.DeliveryTimeout(),
		RetryBackoff:    cfg.Accumulator.RetryBackoff(),
		BufferMemory:    cfg.Accumulator.TotalMemory,
	})

	n.groups = group.NewCoordinator(group.CoordinatorConfig{
		CleanupInterval: cfg.Group.CleanupInterval(),
	}, logger)

	go n.runCleanerLoop(ctx, cfg)

	return n, nil
}

// runCleanerLoop drives CleanerManager.GrabFilthiest/RunOnce on a fixed
// cadence, the way the teacher's background goroutines poll for work.
func (n *node) runCleanerLoop(ctx context.Context, cfg config.Config) {
	ticker := time.NewTicker(cfg.Cleaner.BackOff())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tp, ok := n.cleanerManager.GrabFilthiest(cfg.Cleaner.MinCleanableRatio)
			if !ok {
				continue
			}
			if err := n.cleanerManager.RunOnce(tp, cfg.Cleaner.SegmentSize); err != nil {
				n.logger.Warn("cleaning cycle failed", "topic", tp.Topic, "partition", tp.Partition, "err", err)
			}
		}
	}
}

func (n *node) Close() {
	if n.groups != nil {
		n.groups.Stop()
	}
	if n.accumulator != nil {
		n.accumulator.Pool().Close()
	}
	if n.archiver != nil {
		_ = n.archiver.Wait()
	}
	if n.leases != nil {
		n.leases.ReleaseAll()
	}
	if n.router != nil {
		n.router.Stop()
	}
	if n.etcdClient != nil {
		_ = n.etcdClient.Close()
	}
}

func (r *logRegistry) Reader(topic string, partition int32) (fetch.Reader, bool) {
	l, ok := r.logs[logKey(topic, partition)]
	if !ok {
		return nil, false
	}
	return l, true
}

func (r *logRegistry) register(topic string, partition int32, l *storage.Log) {
	r.logs[logKey(topic, partition)] = l
}

func (r *logRegistry) unregister(topic string, partition int32) {
	delete(r.logs, logKey(topic, partition))
}

func logKey(topic string, partition int32) string {
	return fmt.Sprintf("%s/%d", topic, partition)
}
