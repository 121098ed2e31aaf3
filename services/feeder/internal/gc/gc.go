// Package gc migrates hot-store entries past the retention horizon to
// the cold store and deletes them from the hot store.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/coldstore"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/exchange"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/flags"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/jobs"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/series"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

const (
	DefaultRetention = 1000
	DefaultFloor     = 16
)

// Config — горизонт хранения в бакетах и минимальная пачка.
type Config struct {
	Retention int `mapstructure:"retention"`
	Floor     int `mapstructure:"floor"`
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Floor <= 0 {
		c.Floor = DefaultFloor
	}
}

// Deps groups the collaborators shared by the collectors.
type Deps struct {
	Calendar   *timeframe.Calendar
	Gateway    exchange.Gateway
	Candles    *series.Series[candle.Candle]
	Indicators *series.Series[candle.IndicatorValue]
	Archive    coldstore.Archiver
	Jobs       jobs.Scheduler
	Flags      flags.Source
}

// Collector evicts one series family. The same code serves candles and
// indicator values; only the archive call and the follow-up differ.
type Collector[T series.Record] struct {
	cfg     Config
	cal     *timeframe.Calendar
	gw      exchange.Gateway
	series  *series.Series[T]
	archive func(ctx context.Context, k candle.Key, recs []T) error
	after   func(ctx context.Context, k candle.Key, limit int)
	flags   flags.Source
	log     *logger.Logger
}

// NewCandleCollector collects candles and then schedules collect-indicators
// for the same key.
func NewCandleCollector(cfg Config, d Deps, log *logger.Logger) *Collector[candle.Candle] {
	cfg.applyDefaults()
	c := &Collector[candle.Candle]{
		cfg:     cfg,
		cal:     d.Calendar,
		gw:      d.Gateway,
		series:  d.Candles,
		archive: d.Archive.ArchiveCandles,
		flags:   d.Flags,
		log:     log.Named("gc.candles"),
	}
	c.after = func(ctx context.Context, k candle.Key, limit int) {
		_, err := d.Jobs.Enqueue(ctx, jobs.QueueCollectIndicators, jobs.Payload{
			Exchange: k.Exchange, Symbol: k.Symbol, Timeframe: k.Timeframe, Limit: limit,
		}, jobs.Options{})
		if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
			c.log.WithContext(ctx).Warn("enqueue indicator gc", zap.String("key", k.String()), zap.Error(err))
		}
	}
	return c
}

func NewIndicatorCollector(cfg Config, d Deps, log *logger.Logger) *Collector[candle.IndicatorValue] {
	cfg.applyDefaults()
	return &Collector[candle.IndicatorValue]{
		cfg:     cfg,
		cal:     d.Calendar,
		gw:      d.Gateway,
		series:  d.Indicators,
		archive: d.Archive.ArchiveIndicators,
		flags:   d.Flags,
		log:     log.Named("gc.indicators"),
	}
}

// Handle adapts Collect to the job broker.
func (c *Collector[T]) Handle(ctx context.Context, job *jobs.Job) error {
	_, err := c.Collect(ctx, job.Payload.CandleKey(), job.Payload.Limit)
	return err
}

// Collect moves entries strictly older than the cutoff. Fewer than Floor
// candidates is a no-op. Returns the number of entries moved.
func (c *Collector[T]) Collect(ctx context.Context, k candle.Key, limit int) (int, error) {
	if !c.flags.Enabled(flags.GCEnabled) {
		return 0, nil
	}
	log := c.log.WithContext(ctx).With(zap.String("key", k.String()))

	cutoff, delisted, err := c.cutoff(ctx, k, limit)
	if err != nil {
		return 0, err
	}
	times, err := c.series.Times(ctx, k)
	if err != nil {
		return 0, fmt.Errorf("gc: %w", err)
	}
	n := sort.Search(len(times), func(i int) bool { return times[i] >= cutoff })
	old := times[:n]
	if len(old) < c.cfg.Floor {
		return 0, nil
	}

	recs, err := c.series.Load(ctx, k, old)
	if err != nil {
		return 0, fmt.Errorf("gc: %w", err)
	}
	if err := c.archive(ctx, k, recs); err != nil {
		// hot store is left intact; the next pass retries
		return 0, fmt.Errorf("gc: archive %s: %w", k, err)
	}
	metrics.GCMigrated.WithLabelValues(c.series.Name()).Add(float64(len(recs)))

	if err := c.series.Delete(ctx, k, old); err != nil {
		return 0, fmt.Errorf("gc: %w", err)
	}
	metrics.GCDeleted.WithLabelValues(c.series.Name()).Add(float64(len(old)))
	log.Info("collected", zap.Int("entries", len(old)), zap.Bool("delisted", delisted), zap.Int64("cutoff", cutoff))

	if c.after != nil {
		c.after(ctx, k, limit)
	}
	return len(old), nil
}

func (c *Collector[T]) cutoff(ctx context.Context, k candle.Key, limit int) (int64, bool, error) {
	tradable, err := c.gw.Tradable(ctx, k.Exchange)
	if err != nil {
		// без списка рынков считаем символ живым
		c.log.WithContext(ctx).Warn("tradable list unavailable", zap.String("exchange", k.Exchange), zap.Error(err))
		tradable = nil
	}
	if len(tradable) > 0 && !containsString(tradable, k.Symbol) {
		return c.cal.NowMs(), true, nil
	}
	keep := limit
	if keep < c.cfg.Retention {
		keep = c.cfg.Retention
	}
	cutoff, err := c.cal.BucketStartByShift(k.Timeframe, keep+1)
	if err != nil {
		return 0, false, fmt.Errorf("gc: %w", err)
	}
	return cutoff, false, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
