// common/kafka/consumer/consumer.go
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	commonkafka "github.com/YaganovValera/candle-feeder/common/kafka"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/common/telemetry"
)

var serviceLabel = "unknown"

// SetServiceLabel задаёт имя сервиса для метрик.
func SetServiceLabel(name string) { serviceLabel = name }

var (
	consumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kafka", Subsystem: "consumer", Name: "messages_total",
		Help: "Handled messages by topic and result",
	}, []string{"service", "topic", "result"})
	sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kafka", Subsystem: "consumer", Name: "sessions_total",
		Help: "Consumer group sessions by outcome",
	}, []string{"service", "group", "outcome"})
	claimed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kafka", Subsystem: "consumer", Name: "claimed_partitions",
		Help: "Partitions owned by this member",
	}, []string{"service", "group"})
)

var tracer = telemetry.Tracer("kafka-consumer")

// Config — параметры consumer group.
type Config struct {
	Brokers []string
	GroupID string
	Version string // "2.8.0"
	// OffsetOldest — новая группа читает с начала топика.
	OffsetOldest bool
	// Rebalance: sticky (дефолт) | roundrobin | range.
	Rebalance string
	Backoff   backoff.Config
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.Rebalance == "" {
		c.Rebalance = "sticky"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka consumer: brokers required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka consumer: GroupID required")
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: invalid Version %q: %w", c.Version, err)
	}
	sc := sarama.NewConfig()
	sc.Version = version
	sc.Consumer.Return.Errors = true
	if c.OffsetOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	switch strings.ToLower(c.Rebalance) {
	case "sticky":
		sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	case "roundrobin":
		sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	case "range":
		sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	default:
		return nil, fmt.Errorf("kafka consumer: invalid Rebalance %q", c.Rebalance)
	}
	return sc, nil
}

type group struct {
	cg    sarama.ConsumerGroup
	id    string
	pause time.Duration
	log   *logger.Logger
}

// New подключает consumer group с ретраями.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Consumer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	log = log.Named("kafka-consumer").With(zap.String("group", cfg.GroupID))

	ctx, span := tracer.Start(ctx, "Connect", trace.WithAttributes(
		attribute.StringSlice("brokers", cfg.Brokers),
		attribute.String("group", cfg.GroupID),
	))
	defer span.End()

	var cg sarama.ConsumerGroup
	err = backoff.Retry(ctx, "kafka-join", cfg.Backoff, log, func(context.Context) error {
		g, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
		if err != nil {
			return err
		}
		cg = g
		return nil
	})
	if err != nil {
		telemetry.Fail(span, err, "connect")
		return nil, fmt.Errorf("kafka consumer: connect: %w", err)
	}

	log.Info("kafka consumer group joined", zap.Strings("brokers", cfg.Brokers), zap.String("rebalance", cfg.Rebalance))
	pause := cfg.Backoff.InitialInterval
	if pause <= 0 {
		pause = time.Second
	}
	return &group{cg: cg, id: cfg.GroupID, pause: pause, log: log}, nil
}

// Consume крутит сессии группы; после упавшей сессии ждёт InitialInterval.
func (g *group) Consume(ctx context.Context, topics []string, handler func(ctx context.Context, msg *commonkafka.Message) error) error {
	h := &claimHandler{group: g.id, handler: handler, log: g.log}
	for {
		err := g.cg.Consume(ctx, topics, h)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return nil
		case err == nil:
			sessions.WithLabelValues(serviceLabel, g.id, "rebalance").Inc()
			continue
		}

		sessions.WithLabelValues(serviceLabel, g.id, "error").Inc()
		g.log.Warn("consume session failed", zap.Strings("topics", topics), zap.Error(err))
		t := time.NewTimer(g.pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (g *group) Close() error { return g.cg.Close() }

// claimHandler реализует sarama.ConsumerGroupHandler.
type claimHandler struct {
	group   string
	handler func(ctx context.Context, msg *commonkafka.Message) error
	log     *logger.Logger
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	n := 0
	for _, parts := range sess.Claims() {
		n += len(parts)
	}
	claimed.WithLabelValues(serviceLabel, h.group).Set(float64(n))
	h.log.Debug("session started", zap.Int("partitions", n), zap.Int32("generation", sess.GenerationID()))
	return nil
}

func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	claimed.WithLabelValues(serviceLabel, h.group).Set(0)
	return nil
}

func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if h.handle(sess.Context(), m) {
				sess.MarkMessage(m, "")
			}
		}
	}
}

// handle возвращает true, если offset можно коммитить.
func (h *claimHandler) handle(ctx context.Context, m *sarama.ConsumerMessage) bool {
	// продьюсер обёрнут otelsarama, поэтому контекст трассы лежит в заголовках
	ctx = otel.GetTextMapPropagator().Extract(ctx, otelsarama.NewConsumerMessageCarrier(m))
	ctx, span := tracer.Start(ctx, "Handle", trace.WithAttributes(
		attribute.String("topic", m.Topic),
		attribute.Int("partition", int(m.Partition)),
		attribute.Int64("offset", m.Offset),
	))
	defer span.End()

	if err := h.handler(ctx, toMessage(m)); err != nil {
		consumed.WithLabelValues(serviceLabel, m.Topic, "error").Inc()
		telemetry.Fail(span, err, "")
		h.log.WithContext(ctx).Error("handler failed",
			zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return false
	}
	consumed.WithLabelValues(serviceLabel, m.Topic, "ok").Inc()
	return true
}

func toMessage(m *sarama.ConsumerMessage) *commonkafka.Message {
	msg := &commonkafka.Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
	}
	if len(m.Headers) > 0 {
		msg.Headers = make(map[string][]byte, len(m.Headers))
		for _, rh := range m.Headers {
			if rh != nil && len(rh.Key) > 0 {
				msg.Headers[string(rh.Key)] = rh.Value
			}
		}
	}
	return msg
}
