package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	commonkafka "github.com/YaganovValera/candle-feeder/common/kafka"
	"github.com/YaganovValera/candle-feeder/common/kafka/consumer"
	"github.com/YaganovValera/candle-feeder/common/logger"
)

// KafkaConfig — топик на очередь, consumer group на очередь.
type KafkaConfig struct {
	Brokers     []string       `mapstructure:"brokers"`
	TopicPrefix string         `mapstructure:"topic_prefix"`
	Version     string         `mapstructure:"version"`
	Rebalance   string         `mapstructure:"rebalance"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

// ConsumerFactory opens a consumer group; swapped out in tests.
type ConsumerFactory func(ctx context.Context, groupID string) (commonkafka.Consumer, error)

// KafkaTransport carries jobs as JSON messages keyed by the dedup key,
// so one key always lands on one partition.
type KafkaTransport struct {
	producer    commonkafka.Producer
	newConsumer ConsumerFactory
	prefix      string
	log         *logger.Logger
}

// NewKafkaTransport uses the shared producer and opens one consumer
// group per received queue.
func NewKafkaTransport(cfg KafkaConfig, prod commonkafka.Producer, log *logger.Logger) *KafkaTransport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "feeder.jobs"
	}
	factory := func(ctx context.Context, groupID string) (commonkafka.Consumer, error) {
		return consumer.New(ctx, consumer.Config{
			Brokers:      cfg.Brokers,
			GroupID:      groupID,
			Version:      cfg.Version,
			OffsetOldest: true,
			Rebalance:    cfg.Rebalance,
			Backoff:      cfg.Backoff,
		}, log)
	}
	return newKafkaTransport(cfg.TopicPrefix, prod, factory, log)
}

func newKafkaTransport(prefix string, prod commonkafka.Producer, f ConsumerFactory, log *logger.Logger) *KafkaTransport {
	return &KafkaTransport{producer: prod, newConsumer: f, prefix: prefix, log: log.Named("jobs-kafka")}
}

func (k *KafkaTransport) topic(q Queue) string { return k.prefix + "." + string(q) }

func (k *KafkaTransport) Send(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs kafka: encode: %w", err)
	}
	ctx = commonkafka.WithHeaders(ctx, map[string]string{
		"job-id": job.ID,
		"queue":  string(job.Queue),
	})
	return k.producer.Publish(ctx, k.topic(job.Queue), []byte(job.Payload.Key()), raw)
}

func (k *KafkaTransport) Receive(ctx context.Context, q Queue, deliver func(ctx context.Context, job *Job) error) error {
	c, err := k.newConsumer(ctx, k.topic(q))
	if err != nil {
		return fmt.Errorf("jobs kafka: consumer %s: %w", q, err)
	}
	defer c.Close()

	return c.Consume(ctx, []string{k.topic(q)}, func(ctx context.Context, msg *commonkafka.Message) error {
		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			// битое сообщение пропускаем, иначе партиция встанет
			k.log.Warn("drop undecodable job", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
			return nil
		}
		return deliver(ctx, &job)
	})
}

// Close is a no-op: the producer is shared and closed by its owner.
func (k *KafkaTransport) Close() error { return nil }
