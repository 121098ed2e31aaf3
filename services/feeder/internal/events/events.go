// Package events publishes pipeline results downstream: accepted candles,
// fresh indicator values and order history.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	commonkafka "github.com/YaganovValera/candle-feeder/common/kafka"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/orders"
)

// Sink is where the pipeline reports what it produced.
type Sink interface {
	Candles(ctx context.Context, k candle.Key, cs []candle.Candle) error
	Indicators(ctx context.Context, k candle.Key, vs []candle.IndicatorValue) error
	OrderEvents(ctx context.Context, o orders.Order, evs []orders.Event) error
}

// Topics — префиксы топиков; к свечам и индикаторам добавляется ".<tf>".
type Topics struct {
	Candles     string `mapstructure:"candles"`
	Indicators  string `mapstructure:"indicators"`
	OrderEvents string `mapstructure:"order_events"`
}

func (t *Topics) applyDefaults() {
	if t.Candles == "" {
		t.Candles = "feeder.candles"
	}
	if t.Indicators == "" {
		t.Indicators = "feeder.indicators"
	}
	if t.OrderEvents == "" {
		t.OrderEvents = "feeder.order-events"
	}
}

// DefaultConcurrency bounds in-flight publishes of one batch.
const DefaultConcurrency = 16

type candleMessage struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	candle.Candle
}

type indicatorMessage struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	candle.IndicatorValue
}

type orderEventMessage struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	orders.Event
}

type message struct {
	key   []byte
	value interface{}
}

// KafkaSink publishes JSON records with a bounded fan-out per batch.
type KafkaSink struct {
	producer    commonkafka.Producer
	topics      Topics
	concurrency int
	log         *logger.Logger
}

func NewKafkaSink(p commonkafka.Producer, topics Topics, concurrency int, log *logger.Logger) *KafkaSink {
	topics.applyDefaults()
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &KafkaSink{producer: p, topics: topics, concurrency: concurrency, log: log.Named("events")}
}

func (s *KafkaSink) Candles(ctx context.Context, k candle.Key, cs []candle.Candle) error {
	msgs := make([]message, len(cs))
	for i, c := range cs {
		msgs[i] = message{
			key:   []byte(k.String()),
			value: candleMessage{Exchange: k.Exchange, Symbol: k.Symbol, Timeframe: k.Timeframe.String(), Candle: c},
		}
	}
	return s.publish(ctx, "candles", s.topics.Candles+"."+k.Timeframe.String(), msgs)
}

func (s *KafkaSink) Indicators(ctx context.Context, k candle.Key, vs []candle.IndicatorValue) error {
	msgs := make([]message, len(vs))
	for i, v := range vs {
		msgs[i] = message{
			key:   []byte(k.String()),
			value: indicatorMessage{Exchange: k.Exchange, Symbol: k.Symbol, Timeframe: k.Timeframe.String(), IndicatorValue: v},
		}
	}
	return s.publish(ctx, "indicators", s.topics.Indicators+"."+k.Timeframe.String(), msgs)
}

func (s *KafkaSink) OrderEvents(ctx context.Context, o orders.Order, evs []orders.Event) error {
	msgs := make([]message, len(evs))
	for i, e := range evs {
		msgs[i] = message{
			key:   []byte(o.ID),
			value: orderEventMessage{OrderID: o.ID, UserID: o.UserID, Event: e},
		}
	}
	return s.publish(ctx, "order_events", s.topics.OrderEvents, msgs)
}

func (s *KafkaSink) publish(ctx context.Context, kind, topic string, msgs []message) error {
	if len(msgs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, m := range msgs {
		m := m
		g.Go(func() error {
			raw, err := json.Marshal(m.value)
			if err != nil {
				return fmt.Errorf("events: encode %s: %w", kind, err)
			}
			return s.producer.Publish(gctx, topic, m.key, raw)
		})
	}
	if err := g.Wait(); err != nil {
		metrics.EventsPublished.WithLabelValues(kind, "error").Add(float64(len(msgs)))
		s.log.Warn("publish failed", zap.String("topic", topic), zap.Int("batch", len(msgs)), zap.Error(err))
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	metrics.EventsPublished.WithLabelValues(kind, "ok").Add(float64(len(msgs)))
	return nil
}

// Nop drops everything. Used when Kafka is not configured.
type Nop struct{}

func (Nop) Candles(context.Context, candle.Key, []candle.Candle) error            { return nil }
func (Nop) Indicators(context.Context, candle.Key, []candle.IndicatorValue) error { return nil }
func (Nop) OrderEvents(context.Context, orders.Order, []orders.Event) error       { return nil }
