package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	commonkafka "github.com/YaganovValera/candle-feeder/common/kafka"
	"github.com/YaganovValera/candle-feeder/common/logger"
)

// Проверяем applyDefaults и validate.
func TestConfigDefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name     string
		input    Config
		wantErr  bool
		wantAcks string
		wantComp string
	}{
		{"empty", Config{}, true, "all", "none"},
		{"noBrokers", Config{Compression: "gzip"}, true, "all", "gzip"},
		{"ok", Config{Brokers: []string{"b1"}}, false, "all", "none"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.input
			cfg.applyDefaults()
			if cfg.RequiredAcks != c.wantAcks {
				t.Errorf("RequiredAcks = %q; want %q", cfg.RequiredAcks, c.wantAcks)
			}
			if cfg.Compression != c.wantComp {
				t.Errorf("Compression = %q; want %q", cfg.Compression, c.wantComp)
			}
			if err := cfg.validate(); (err != nil) != c.wantErr {
				t.Errorf("validate() error = %v; wantErr=%v", err, c.wantErr)
			}
		})
	}
}

func TestBuildSaramaConfig(t *testing.T) {
	cases := []struct {
		acks, comp string
		wantErr    bool
		idempotent bool
	}{
		{"all", "none", false, true},
		{"LeAdEr", "gzip", false, false},
		{"none", "zstd", false, false},
		{"invalid", "none", true, false},
		{"all", "brotli", true, false},
	}
	for _, c := range cases {
		t.Run(c.acks+"/"+c.comp, func(t *testing.T) {
			sc, err := buildSaramaConfig(Config{RequiredAcks: c.acks, Compression: c.comp})
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sc.Producer.Idempotent != c.idempotent {
				t.Errorf("Idempotent = %v, want %v", sc.Producer.Idempotent, c.idempotent)
			}
		})
	}
}

func TestPublish_SendsToTopic(t *testing.T) {
	sc := mocks.NewTestConfig()
	sc.Producer.Return.Successes = true
	mp := mocks.NewSyncProducer(t, sc)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "payload" {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})

	p := newProducer(mp, nil, backoff.Config{MaxRetries: 1, InitialInterval: time.Millisecond}, logger.NewNop())
	if err := p.Publish(context.Background(), "candles.1h", []byte("k"), []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPublish_RetriesThenFails(t *testing.T) {
	sc := mocks.NewTestConfig()
	sc.Producer.Return.Successes = true
	mp := mocks.NewSyncProducer(t, sc)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newProducer(mp, nil, backoff.Config{MaxRetries: 1, InitialInterval: time.Millisecond}, logger.NewNop())
	err := p.Publish(context.Background(), "candles.1h", nil, []byte("x"))
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
	_ = p.Close()
}

func TestBuildSaramaConfig_Version(t *testing.T) {
	sc, err := buildSaramaConfig(Config{RequiredAcks: "all", Compression: "none", Version: "2.8.0"})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Version != sarama.V2_8_0_0 {
		t.Errorf("Version = %v", sc.Version)
	}
	if _, err := buildSaramaConfig(Config{RequiredAcks: "all", Compression: "none", Version: "banana"}); err == nil {
		t.Error("expected error for bad version")
	}
}

func TestPublish_HeadersFromContext(t *testing.T) {
	sc := mocks.NewTestConfig()
	sc.Producer.Return.Successes = true
	mp := mocks.NewSyncProducer(t, sc)
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if len(m.Headers) != 2 {
			return errors.New("want 2 headers")
		}
		if string(m.Headers[0].Key) != "job-id" || string(m.Headers[1].Value) != "update-candles" {
			return errors.New("headers out of order")
		}
		return nil
	})

	p := newProducer(mp, nil, backoff.Config{MaxRetries: 1, InitialInterval: time.Millisecond}, logger.NewNop())
	ctx := commonkafka.WithHeaders(context.Background(), map[string]string{"queue": "update-candles"})
	ctx = commonkafka.WithHeaders(ctx, map[string]string{"job-id": "42"})
	if err := p.Publish(ctx, "jobs.update-candles", []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	_ = p.Close()
}
