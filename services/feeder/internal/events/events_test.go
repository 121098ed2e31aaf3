package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/events"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/orders"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

type published struct {
	topic string
	key   string
	value map[string]interface{}
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (r *recorder) Publish(_ context.Context, topic string, key, value []byte) error {
	if r.err != nil {
		return r.err
	}
	var v map[string]interface{}
	_ = json.Unmarshal(value, &v)
	r.mu.Lock()
	r.msgs = append(r.msgs, published{topic: topic, key: string(key), value: v})
	r.mu.Unlock()
	return nil
}
func (r *recorder) Ping(context.Context) error { return nil }
func (r *recorder) Close() error               { return nil }

var key = candle.Key{Exchange: "binance", Symbol: "BTC/USDT", Timeframe: timeframe.M15}

func TestKafkaSink_CandlesTopicPerTimeframe(t *testing.T) {
	rec := &recorder{}
	sink := events.NewKafkaSink(rec, events.Topics{Candles: "md.candles"}, 4, logger.NewNop())
	err := sink.Candles(context.Background(), key, []candle.Candle{{Time: 1, Close: 10}, {Time: 2, Close: 11}})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.msgs) != 2 {
		t.Fatalf("published %d", len(rec.msgs))
	}
	for _, m := range rec.msgs {
		if m.topic != "md.candles.15m" || m.key != "binance:BTC/USDT:15m" {
			t.Errorf("topic/key = %s/%s", m.topic, m.key)
		}
		if m.value["symbol"] != "BTC/USDT" || m.value["timeframe"] != "15m" {
			t.Errorf("envelope = %v", m.value)
		}
		if _, ok := m.value["close"]; !ok {
			t.Errorf("candle fields must be inlined: %v", m.value)
		}
	}
}

func TestKafkaSink_IndicatorsAndOrders(t *testing.T) {
	rec := &recorder{}
	sink := events.NewKafkaSink(rec, events.Topics{}, 0, logger.NewNop())
	ctx := context.Background()

	v := candle.IndicatorValue{Time: 5, Values: map[string]candle.Output{"sma-20": {candle.ScalarKey: 1.5}}}
	if err := sink.Indicators(ctx, key, []candle.IndicatorValue{v}); err != nil {
		t.Fatal(err)
	}
	o := orders.Order{ID: "o1", UserID: "u1"}
	if err := sink.OrderEvents(ctx, o, []orders.Event{{ID: "e1", Type: "FILLED"}}); err != nil {
		t.Fatal(err)
	}
	if rec.msgs[0].topic != "feeder.indicators.15m" {
		t.Errorf("indicator topic = %s", rec.msgs[0].topic)
	}
	if rec.msgs[1].topic != "feeder.order-events" || rec.msgs[1].key != "o1" || rec.msgs[1].value["orderId"] != "o1" {
		t.Errorf("order event = %+v", rec.msgs[1])
	}
}

func TestKafkaSink_PropagatesErrors(t *testing.T) {
	rec := &recorder{err: errors.New("broker down")}
	sink := events.NewKafkaSink(rec, events.Topics{}, 2, logger.NewNop())
	if err := sink.Candles(context.Background(), key, []candle.Candle{{Time: 1}}); err == nil {
		t.Fatal("expected error")
	}
	if err := sink.Candles(context.Background(), key, nil); err != nil {
		t.Errorf("empty batch must be a no-op: %v", err)
	}
}
