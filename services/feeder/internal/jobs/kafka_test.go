package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	commonkafka "github.com/YaganovValera/candle-feeder/common/kafka"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

// syncProducer adapts a sarama mock to commonkafka.Producer.
type syncProducer struct{ p sarama.SyncProducer }

func (s syncProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{Topic: topic, Key: sarama.ByteEncoder(key), Value: sarama.ByteEncoder(value)}
	for k, v := range commonkafka.HeadersFrom(ctx) {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	_, _, err := s.p.SendMessage(msg)
	return err
}
func (s syncProducer) Ping(context.Context) error { return nil }
func (s syncProducer) Close() error               { return s.p.Close() }

type replayConsumer struct {
	msgs   []*commonkafka.Message
	topics []string
}

func (r *replayConsumer) Consume(ctx context.Context, topics []string, h func(context.Context, *commonkafka.Message) error) error {
	r.topics = topics
	for _, m := range r.msgs {
		if err := h(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
func (r *replayConsumer) Close() error { return nil }

func TestKafkaTransport_SendKeyedByPayload(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	mp := mocks.NewSyncProducer(t, cfg)
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != "jobs.update-candles" {
			t.Errorf("topic = %s", m.Topic)
		}
		k, _ := m.Key.Encode()
		if string(k) != "binance:BTC/USDT:1h" {
			t.Errorf("key = %s", k)
		}
		hdr := map[string]string{}
		for _, h := range m.Headers {
			hdr[string(h.Key)] = string(h.Value)
		}
		if hdr["job-id"] != "1" || hdr["queue"] != "update-candles" {
			t.Errorf("headers = %v", hdr)
		}
		return nil
	})

	tr := newKafkaTransport("jobs", syncProducer{mp}, nil, logger.NewNop())
	job := &Job{ID: "1", Queue: QueueUpdateCandles, Payload: Payload{Exchange: "binance", Symbol: "BTC/USDT", Timeframe: timeframe.H1}}
	if err := tr.Send(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if err := mp.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestKafkaTransport_ReceiveSkipsGarbage(t *testing.T) {
	good, _ := json.Marshal(&Job{ID: "ok", Queue: QueueCollectCandles})
	rc := &replayConsumer{msgs: []*commonkafka.Message{
		{Topic: "jobs.collect-candles", Value: []byte("{not json")},
		{Topic: "jobs.collect-candles", Value: good},
	}}
	var groups []string
	tr := newKafkaTransport("jobs", nil, func(_ context.Context, group string) (commonkafka.Consumer, error) {
		groups = append(groups, group)
		return rc, nil
	}, logger.NewNop())

	var got []string
	err := tr.Receive(context.Background(), QueueCollectCandles, func(_ context.Context, j *Job) error {
		got = append(got, j.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Errorf("delivered %v", got)
	}
	if len(groups) != 1 || groups[0] != "jobs.collect-candles" || rc.topics[0] != "jobs.collect-candles" {
		t.Errorf("groups %v topics %v", groups, rc.topics)
	}
}
