// Package timescaledb — холодное хранилище в TimescaleDB (PostgreSQL).
package timescaledb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/common/telemetry"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/coldstore"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/orders"
)

//go:embed migrations/*.sql
var migrations embed.FS

var tracer = telemetry.Tracer("coldstore")

var _ coldstore.Archiver = (*Store)(nil)

// Config описывает подключение к TimescaleDB.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BatchSize       int           `mapstructure:"batch_size"`
}

func (c Config) Validate() error {
	if c.DSN == "" {
		return errors.New("timescaledb: dsn is required")
	}
	if c.MaxConns < 0 || c.MinConns < 0 || c.MinConns > c.MaxConns && c.MaxConns > 0 {
		return fmt.Errorf("timescaledb: invalid pool bounds min=%d max=%d", c.MinConns, c.MaxConns)
	}
	return nil
}

// Store реализует coldstore.Archiver поверх pgxpool.
type Store struct {
	pool      *pgxpool.Pool
	batchSize int
	log       *logger.Logger
}

// Migrate применяет встроенные миграции через database/sql + goose.
func Migrate(ctx context.Context, dsn string, log *logger.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("timescaledb migrate: open DB: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("timescaledb migrate: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("timescaledb migrate: up: %w", err)
	}
	log.Info("timescaledb: migrations applied")
	return nil
}

// New создаёт пул соединений и проверяет связь. Миграции не запускаются.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("timescaledb: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		pgxCfg.MaxConns = int32(cfg.MaxConns)
	}
	pgxCfg.MinConns = int32(cfg.MinConns)
	if cfg.ConnMaxLifetime > 0 {
		pgxCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("timescaledb: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("timescaledb: ping: %w", err)
	}
	log.Info("timescaledb: connected", zap.Int32("max_conns", pgxCfg.MaxConns))

	size := cfg.BatchSize
	if size <= 0 {
		size = 500
	}
	return &Store{pool: pool, batchSize: size, log: log.Named("timescaledb")}, nil
}

const upsertCandle = `
INSERT INTO candles_archive
  (exchange, symbol, timeframe, time, open, high, low, close, volume, finished, updated_at)
VALUES
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (exchange, symbol, timeframe, time) DO UPDATE SET
  open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
  close = EXCLUDED.close, volume = EXCLUDED.volume,
  finished = EXCLUDED.finished, updated_at = EXCLUDED.updated_at;
`

const upsertIndicator = `
INSERT INTO indicators_archive
  (exchange, symbol, timeframe, time, finished, values, updated_at)
VALUES
  ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (exchange, symbol, timeframe, time) DO UPDATE SET
  finished = EXCLUDED.finished, values = EXCLUDED.values, updated_at = EXCLUDED.updated_at;
`

const upsertOrder = `
INSERT INTO orders_archive
  (id, user_id, exchange, symbol, side, status, price, amount, filled, created_at, updated_at)
VALUES
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status, price = EXCLUDED.price, amount = EXCLUDED.amount,
  filled = EXCLUDED.filled, updated_at = EXCLUDED.updated_at;
`

func (s *Store) ArchiveCandles(ctx context.Context, k candle.Key, cs []candle.Candle) error {
	ctx, span := tracer.Start(ctx, "ArchiveCandles")
	defer span.End()
	span.SetAttributes(attribute.String("series", k.String()), attribute.Int("rows", len(cs)))

	err := s.send(ctx, len(cs), func(b *pgx.Batch, i int) {
		c := cs[i]
		b.Queue(upsertCandle,
			k.Exchange, k.Symbol, string(k.Timeframe), msTime(c.Time),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Finished, msTime(c.UpdatedAt))
	})
	return s.finish(span, "candles", k, err)
}

func (s *Store) ArchiveIndicators(ctx context.Context, k candle.Key, vs []candle.IndicatorValue) error {
	ctx, span := tracer.Start(ctx, "ArchiveIndicators")
	defer span.End()
	span.SetAttributes(attribute.String("series", k.String()), attribute.Int("rows", len(vs)))

	err := s.send(ctx, len(vs), func(b *pgx.Batch, i int) {
		v := vs[i]
		values := v.Values
		if values == nil {
			values = map[string]candle.Output{}
		}
		b.Queue(upsertIndicator,
			k.Exchange, k.Symbol, string(k.Timeframe), msTime(v.Time),
			v.Finished, values, msTime(v.Update))
	})
	return s.finish(span, "indicators", k, err)
}

func (s *Store) ArchiveOrders(ctx context.Context, os []orders.Order) error {
	ctx, span := tracer.Start(ctx, "ArchiveOrders")
	defer span.End()
	span.SetAttributes(attribute.Int("rows", len(os)))

	err := s.send(ctx, len(os), func(b *pgx.Batch, i int) {
		o := os[i]
		b.Queue(upsertOrder,
			o.ID, o.UserID, o.Exchange, o.Symbol, o.Side, string(o.Status),
			o.Price, o.Amount, o.Filled, msTime(o.CreatedAt), msTime(o.UpdatedAt))
	})
	return s.finish(span, "orders", candle.Key{}, err)
}

// send отправляет n строк пачками по batchSize.
func (s *Store) send(ctx context.Context, n int, queue func(b *pgx.Batch, i int)) error {
	for from := 0; from < n; from += s.batchSize {
		to := min(from+s.batchSize, n)
		b := &pgx.Batch{}
		for i := from; i < to; i++ {
			queue(b, i)
		}
		br := s.pool.SendBatch(ctx, b)
		for i := from; i < to; i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) finish(span trace.Span, what string, k candle.Key, err error) error {
	if err == nil {
		return nil
	}
	telemetry.Fail(span, err, "archive failed")
	s.log.Error("archive failed", zap.String("table", what), zap.String("series", k.String()), zap.Error(err))
	return fmt.Errorf("timescaledb: archive %s: %w", what, err)
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() {
	s.pool.Close()
	s.log.Info("timescaledb: pool closed")
}

func msTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
