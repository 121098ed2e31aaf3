package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/httpserver"
	commonkafka "github.com/YaganovValera/candle-feeder/common/kafka"
	producer "github.com/YaganovValera/candle-feeder/common/kafka/producer"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/badsymbol"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/coldstore"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/coldstore/timescaledb"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/config"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/events"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/exchange"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/feeder"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/fetcher"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/flags"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/gc"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/glue"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/indicator"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/jobs"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/orders"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/series"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/ticker"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

// Components — собранный граф зависимостей сервиса.
type Components struct {
	Calendar *timeframe.Calendar
	Hot      hotstore.Storage
	Cold     coldstore.Archiver
	Producer commonkafka.Producer
	Gateway  *exchange.Hub
	Broker   *jobs.Broker
	Sink     events.Sink
	Flags    flags.Source

	Candles    *series.Series[candle.Candle]
	Indicators *series.Series[candle.IndicatorValue]
	Orders     *orders.Store

	Fetcher     *fetcher.Fetcher
	Engine      *indicator.Engine
	CandleGC    *gc.Collector[candle.Candle]
	IndicatorGC *gc.Collector[candle.IndicatorValue]
	OrderGC     *gc.OrderCollector
	Sweeper     *gc.DelistSweeper
	Tickers     *ticker.Cache
	Streams     []*ticker.Stream
	Feeder      *feeder.Feeder

	log     *logger.Logger
	closers []func() error
}

// Build connects to every backend and wires the pipeline. On error the
// already opened resources are closed.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *Components, err error) {
	c := &Components{log: log}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	loc, err := cfg.TimeLocation()
	if err != nil {
		return nil, err
	}
	c.Calendar = timeframe.NewCalendar(loc, nil)
	c.Flags = flags.NewEnv("")

	// ---- hot store ----
	c.Hot, err = hotstore.NewRedis(ctx, hotstore.Config{
		URL:      cfg.Redis.URL,
		PoolSize: cfg.Redis.PoolSize,
		Backoff:  cfg.Redis.Backoff,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("redis init: %w", err)
	}
	c.closers = append(c.closers, c.Hot.Close)

	// ---- cold store ----
	if cfg.Postgres.DSN != "" {
		store, err := timescaledb.New(ctx, cfg.Postgres, log)
		if err != nil {
			return nil, fmt.Errorf("timescaledb init: %w", err)
		}
		c.Cold = store
	} else {
		log.Warn("postgres.dsn is empty: evicted entries are kept in memory only")
		c.Cold = coldstore.NewMemory()
	}
	c.closers = append(c.closers, func() error { c.Cold.Close(); return nil })

	// ---- kafka ----
	if cfg.Jobs.Transport == "kafka" || cfg.Events.Enabled {
		c.Producer, err = producer.New(ctx, producer.Config{
			Brokers:      cfg.Kafka.Brokers,
			Version:      cfg.Kafka.Version,
			ClientID:     cfg.ServiceName,
			RequiredAcks: cfg.Kafka.Acks,
			Timeout:      cfg.Kafka.Timeout,
			Compression:  cfg.Kafka.Compression,
			Backoff:      cfg.Kafka.Backoff,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("kafka producer init: %w", err)
		}
		c.closers = append(c.closers, c.Producer.Close)
	}
	if cfg.Events.Enabled {
		c.Sink = events.NewKafkaSink(c.Producer, cfg.Events.Topics, cfg.Events.Concurrency, log)
	} else {
		c.Sink = events.Nop{}
	}

	// ---- exchanges ----
	connectors := make([]exchange.Connector, 0, len(cfg.Exchanges))
	for _, ec := range cfg.Exchanges {
		b, err := exchange.NewBinance(ec, log)
		if err != nil {
			return nil, fmt.Errorf("exchange %q init: %w", ec.ID, err)
		}
		connectors = append(connectors, b)
	}
	c.Gateway = exchange.NewHub(cfg.MarketTTL, connectors...)

	// ---- jobs ----
	queues, err := jobs.ParseQueues(cfg.Jobs.Queues)
	if err != nil {
		return nil, err
	}
	var tr jobs.Transport
	if cfg.Jobs.Transport == "kafka" {
		tr = jobs.NewKafkaTransport(jobs.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			TopicPrefix: cfg.Jobs.TopicPrefix,
			Version:     cfg.Kafka.Version,
			Rebalance:   cfg.Kafka.Rebalance,
			Backoff:     cfg.Kafka.Backoff,
		}, c.Producer, log)
	} else {
		tr = jobs.NewMemoryTransport()
	}
	c.closers = append(c.closers, tr.Close)
	c.Broker = jobs.NewBroker(c.Hot, tr, queues, log)

	// ---- pipeline ----
	catalog, err := indicator.LoadCatalog(cfg.Indicators.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("indicator catalog: %w", err)
	}
	c.Candles = series.New[candle.Candle](c.Hot, "candles")
	c.Indicators = series.New[candle.IndicatorValue](c.Hot, "indicators")
	c.Orders = orders.NewStore(c.Hot)
	bad := badsymbol.New(c.Hot, cfg.BadSymbol.Registry(), time.Now)

	deriver := glue.NewDeriver(c.Calendar, c.Candles, c.Broker, c.Sink, log)
	c.Fetcher = fetcher.New(cfg.Fetcher, fetcher.Deps{
		Calendar: c.Calendar,
		Gateway:  c.Gateway,
		Candles:  c.Candles,
		Bad:      bad,
		Jobs:     c.Broker,
		Deriver:  deriver,
		Sink:     c.Sink,
		Flags:    c.Flags,
	}, log)
	c.Engine = indicator.NewEngine(indicator.Deps{
		Calendar:   c.Calendar,
		Gateway:    c.Gateway,
		Candles:    c.Candles,
		Indicators: c.Indicators,
		Catalog:    catalog,
		Bad:        bad,
		Jobs:       c.Broker,
		Sink:       c.Sink,
		Flags:      c.Flags,
	}, cfg.Indicators.DefaultLimit, log)

	gcDeps := gc.Deps{
		Calendar:   c.Calendar,
		Gateway:    c.Gateway,
		Candles:    c.Candles,
		Indicators: c.Indicators,
		Archive:    c.Cold,
		Jobs:       c.Broker,
		Flags:      c.Flags,
	}
	c.CandleGC = gc.NewCandleCollector(cfg.GC, gcDeps, log)
	c.IndicatorGC = gc.NewIndicatorCollector(cfg.GC, gcDeps, log)
	c.OrderGC = gc.NewOrderCollector(c.Orders, c.Cold, c.Sink, c.Flags, log)
	c.Sweeper = gc.NewDelistSweeper(gcDeps, log)

	c.Broker.Handle(jobs.QueueUpdateCandles, c.Fetcher.Handle)
	c.Broker.Handle(jobs.QueueCalculateIndicator, c.Engine.Handle)
	c.Broker.Handle(jobs.QueueCollectCandles, c.CandleGC.Handle)
	c.Broker.Handle(jobs.QueueCollectIndicators, c.IndicatorGC.Handle)
	c.Broker.Handle(jobs.QueueCollectOrders, c.OrderGC.Handle)

	// ---- tickers ----
	c.Tickers = ticker.NewCache()
	for _, tc := range cfg.Tickers {
		s, err := ticker.NewStream(tc, ticker.NewBinanceDecoder(tc.Exchange), c.Tickers, log)
		if err != nil {
			return nil, err
		}
		c.Streams = append(c.Streams, s)
	}

	// ---- scheduler ----
	var cpu feeder.CPUGauge
	if cfg.Feeder.MaxCPU > 0 {
		sampler, err := feeder.NewCPUSampler("")
		if err != nil {
			log.Warn("cpu gate disabled", zap.Error(err))
		} else {
			cpu = sampler
		}
	}
	c.Feeder, err = feeder.New(cfg.Feeder, feeder.Deps{
		Calendar: c.Calendar,
		Gateway:  c.Gateway,
		Jobs:     c.Broker,
		Hot:      c.Hot,
		Tickers:  c.Tickers,
		Sweeper:  c.Sweeper,
		Orders:   c.Orders,
		CPU:      cpu,
		Flags:    c.Flags,
	}, log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Checks lists the backends /readyz pings.
func (c *Components) Checks() []httpserver.Check {
	checks := []httpserver.Check{
		{Name: "redis", Fn: c.Hot.Ping},
		{Name: "coldstore", Fn: c.Cold.Ping},
	}
	if c.Producer != nil {
		checks = append(checks, httpserver.Check{Name: "kafka", Fn: c.Producer.Ping})
	}
	return checks
}

// Close releases resources in reverse order of opening.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.log.Error("close", zap.Error(err))
		}
	}
	c.closers = nil
}
