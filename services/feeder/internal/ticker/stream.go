package ticker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
)

// Config задаёт один websocket-поток тикеров.
type Config struct {
	Exchange    string         `mapstructure:"exchange"`
	URL         string         `mapstructure:"url"`
	ReadTimeout time.Duration  `mapstructure:"read_timeout"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Minute
	}
}

func (c Config) validate() error {
	if c.Exchange == "" {
		return errors.New("ticker: exchange is required")
	}
	if c.URL == "" {
		return errors.New("ticker: url is required")
	}
	return nil
}

// Stream reads one exchange feed into a Cache and reconnects on failure.
type Stream struct {
	cfg   Config
	dec   Decoder
	cache *Cache
	log   *logger.Logger
}

func NewStream(cfg Config, dec Decoder, cache *Cache, log *logger.Logger) (*Stream, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Stream{cfg: cfg, dec: dec, cache: cache, log: log.Named("ticker").With(zap.String("exchange", cfg.Exchange))}, nil
}

// Run blocks until ctx is cancelled. A session that ends before the first
// frame counts as a failure: the next dial waits a growing pause.
func (s *Stream) Run(ctx context.Context) error {
	pause, err := backoff.NewPauser(s.cfg.Backoff)
	if err != nil {
		return fmt.Errorf("ticker %s: %w", s.cfg.Exchange, err)
	}
	for {
		var conn *websocket.Conn
		err := backoff.Retry(ctx, "ticker-dial", s.cfg.Backoff, s.log, func(ctx context.Context) error {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ticker %s: dial: %w", s.cfg.Exchange, err)
		}
		s.log.Info("ws: connected", zap.String("url", s.cfg.URL))

		frames, err := s.session(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if frames > 0 {
			pause.Reset()
			s.log.Warn("ws: session ended, reconnecting", zap.Int("frames", frames), zap.Error(err))
			continue
		}
		s.log.Warn("ws: session dropped before first frame", zap.Error(err))
		if pause.Wait(ctx) != nil {
			return nil
		}
	}
}

// session returns the number of frames read before the connection ended.
func (s *Stream) session(ctx context.Context, conn *websocket.Conn) (frames int, err error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	if msg := s.dec.Subscribe(); msg != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return 0, fmt.Errorf("subscribe: %w", err)
		}
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return frames, err
		}
		frames++
		rows, err := s.dec.ParseMessage(data)
		if err != nil {
			s.log.Debug("ws: undecodable frame", zap.Error(err))
			continue
		}
		if len(rows) == 0 {
			continue
		}
		s.cache.Update(rows...)
		metrics.TickerUpdates.WithLabelValues(s.cfg.Exchange).Add(float64(len(rows)))
	}
}
