package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/parleyhq/pulse/internal/logging"
	"github.com/parleyhq/pulse/internal/metrics"
)

// KafkaBridge consumes broadcast requests from Kafka topics. Consumption
// starts at the end of each partition: a fan-out server that was down has no
// use for stale realtime events.
type KafkaBridge struct {
	client *kgo.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup

	broadcaster Broadcaster
	collector   *metrics.Collector
	logger      zerolog.Logger
}

// KafkaConfig configures the consumer.
type KafkaConfig struct {
	Brokers []string
	Topics  []string
	Group   string
}

func NewKafkaBridge(cfg KafkaConfig, b Broadcaster, col *metrics.Collector, logger zerolog.Logger) (*KafkaBridge, error) {
	if len(cfg.Brokers) == 0 || len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka ingest needs brokers and topics")
	}
	br := &KafkaBridge{
		broadcaster: b,
		collector:   col,
		logger:      logging.Component(logger, "ingest_kafka"),
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			br.logger.Info().Interface("partitions", assigned).Msg("Kafka partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			br.logger.Info().Interface("partitions", revoked).Msg("Kafka partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	br.client = client

	ctx, cancel := context.WithCancel(context.Background())
	br.cancel = cancel
	br.wg.Add(1)
	go br.consumeLoop(ctx)

	br.logger.Info().
		Strs("brokers", cfg.Brokers).
		Strs("topics", cfg.Topics).
		Str("group", cfg.Group).
		Msg("Kafka ingest started")
	return br, nil
}

func (b *KafkaBridge) consumeLoop(ctx context.Context) {
	defer logging.RecoverPanic(b.logger, "kafka_consume", nil)
	defer b.wg.Done()

	for {
		fetches := b.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}
		for _, err := range fetches.Errors() {
			b.collector.IngestError("kafka")
			b.logger.Error().
				Err(err.Err).
				Str("topic", err.Topic).
				Int32("partition", err.Partition).
				Msg("Kafka fetch error")
		}
		fetches.EachRecord(func(record *kgo.Record) {
			deliver("kafka", record.Value, b.broadcaster, b.collector, b.logger)
		})
	}
}

// Stop cancels the poll loop and closes the client.
func (b *KafkaBridge) Stop() {
	b.cancel()
	b.wg.Wait()
	b.client.Close()
	b.logger.Info().Msg("Kafka ingest stopped")
}
