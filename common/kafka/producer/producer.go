// common/kafka/producer/producer.go
package producer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	commonkafka "github.com/YaganovValera/candle-feeder/common/kafka"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/common/telemetry"
)

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName.
func SetServiceLabel(name string) { serviceLabel = name }

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kafka", Subsystem: "producer", Name: "messages_total",
		Help: "Published messages by topic and result",
	}, []string{"service", "topic", "result"})
	publishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kafka", Subsystem: "producer", Name: "publish_seconds",
		Help:    "Publish latency including retries",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"service"})
	connects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kafka", Subsystem: "producer", Name: "connects_total",
		Help: "Connect attempts by result",
	}, []string{"service", "result"})
)

var tracer = telemetry.Tracer("kafka-producer")

var acksByName = map[string]sarama.RequiredAcks{
	"all":    sarama.WaitForAll,
	"leader": sarama.WaitForLocal,
	"none":   sarama.NoResponse,
}

var codecByName = map[string]sarama.CompressionCodec{
	"none":   sarama.CompressionNone,
	"gzip":   sarama.CompressionGZIP,
	"snappy": sarama.CompressionSnappy,
	"lz4":    sarama.CompressionLZ4,
	"zstd":   sarama.CompressionZSTD,
}

// Config — параметры sync-продьюсера.
type Config struct {
	Brokers  []string
	Version  string // "2.8.0"; пусто — дефолт sarama
	ClientID string
	// RequiredAcks: all | leader | none.
	RequiredAcks string
	Timeout      time.Duration
	// Compression: none | gzip | snappy | lz4 | zstd.
	Compression string
	Backoff     backoff.Config
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.ClientID == "" {
		c.ClientID = "candle-feeder"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka producer: brokers required")
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	acks, ok := acksByName[strings.ToLower(c.RequiredAcks)]
	if !ok {
		return nil, fmt.Errorf("kafka producer: invalid RequiredAcks %q", c.RequiredAcks)
	}
	codec, ok := codecByName[strings.ToLower(c.Compression)]
	if !ok {
		return nil, fmt.Errorf("kafka producer: invalid Compression %q", c.Compression)
	}

	sc := sarama.NewConfig()
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: invalid Version %q: %w", c.Version, err)
		}
		sc.Version = v
	}
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	sc.Producer.RequiredAcks = acks
	sc.Producer.Compression = codec
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// ключ = дедуп-ключ задачи, поэтому hash-партиционирование
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	if acks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}
	return sc, nil
}

type kafkaProducer struct {
	prod   sarama.SyncProducer
	client sarama.Client
	bo     backoff.Config
	log    *logger.Logger
}

// New подключается с ретраями и оборачивает продьюсер otelsarama.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	ctx, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	defer span.End()

	var (
		client sarama.Client
		sp     sarama.SyncProducer
	)
	err = backoff.Retry(ctx, "kafka-connect", cfg.Backoff, log, func(context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err == nil {
			sp, err = sarama.NewSyncProducerFromClient(c)
			if err != nil {
				_ = c.Close()
			}
		}
		if err != nil {
			connects.WithLabelValues(serviceLabel, "error").Inc()
			return err
		}
		connects.WithLabelValues(serviceLabel, "ok").Inc()
		client = c
		return nil
	})
	if err != nil {
		telemetry.Fail(span, err, "connect")
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}

	log.Info("kafka producer ready", zap.Strings("brokers", cfg.Brokers), zap.String("acks", cfg.RequiredAcks))
	return newProducer(otelsarama.WrapSyncProducer(sc, sp), client, cfg.Backoff, log), nil
}

func newProducer(p sarama.SyncProducer, c sarama.Client, bo backoff.Config, log *logger.Logger) *kafkaProducer {
	return &kafkaProducer{prod: p, client: c, bo: bo, log: log}
}

// recordHeaders переводит заголовки из ctx в sarama, порядок стабильный.
func recordHeaders(ctx context.Context) []sarama.RecordHeader {
	h := commonkafka.HeadersFrom(ctx)
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(h[k])})
	}
	return out
}

// Publish отправляет одно сообщение; транспортные ошибки ретраятся.
func (k *kafkaProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("bytes", len(value)),
	))
	defer span.End()

	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(value), Headers: recordHeaders(ctx)}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	start := time.Now()
	err := backoff.Retry(ctx, "kafka-publish", k.bo, k.log, func(context.Context) error {
		_, _, err := k.prod.SendMessage(msg)
		return err
	})
	publishLatency.WithLabelValues(serviceLabel).Observe(time.Since(start).Seconds())
	if err != nil {
		published.WithLabelValues(serviceLabel, topic, "error").Inc()
		telemetry.Fail(span, err, "")
		k.log.WithContext(ctx).Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	published.WithLabelValues(serviceLabel, topic, "ok").Inc()
	return nil
}

// Ping освежает метаданные кластера.
func (k *kafkaProducer) Ping(ctx context.Context) error {
	if k.client == nil {
		return nil
	}
	if err := k.client.RefreshMetadata(); err != nil {
		return fmt.Errorf("kafka producer: metadata: %w", err)
	}
	if len(k.client.Brokers()) == 0 {
		return fmt.Errorf("kafka producer: no reachable brokers")
	}
	return ctx.Err()
}

// Close закрывает продьюсер, затем клиент.
func (k *kafkaProducer) Close() error {
	err := k.prod.Close()
	if k.client != nil && !k.client.Closed() {
		if cerr := k.client.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		k.log.Warn("kafka producer close", zap.Error(err))
		return err
	}
	k.log.Info("kafka producer closed")
	return nil
}
