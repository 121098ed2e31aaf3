// Package feeder is the leader-only scheduler: it turns cron ticks into
// fetch, delist-sweep and order-GC jobs.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/common/safe"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/exchange"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/flags"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/gc"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/jobs"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/orders"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/ticker"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

// Config — расписания и фильтры тика. Cron-выражения с секундами.
type Config struct {
	CandleSchedule string        `mapstructure:"candle_schedule"`
	DelistSchedule string        `mapstructure:"delist_schedule"`
	OrdersSchedule string        `mapstructure:"orders_schedule"`
	Timeframes     []string      `mapstructure:"timeframes"`
	Symbols        []string      `mapstructure:"symbols"`
	Limit          int           `mapstructure:"limit"`
	MaxCPU         float64       `mapstructure:"max_cpu"`
	MaxPending     int           `mapstructure:"max_pending"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
}

func (c *Config) applyDefaults() {
	if c.CandleSchedule == "" {
		c.CandleSchedule = "5 * * * * *"
	}
	if c.DelistSchedule == "" {
		c.DelistSchedule = "0 17 * * * *"
	}
	if c.OrdersSchedule == "" {
		c.OrdersSchedule = "30 */5 * * * *"
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = []string{"15m", "1h"}
	}
}

// Validate parses timeframes, cron specs and symbol patterns.
func (c Config) Validate() error {
	cfg := c
	cfg.applyDefaults()
	if _, err := timeframe.ParseList(cfg.Timeframes); err != nil {
		return fmt.Errorf("feeder: %w", err)
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, spec := range []string{cfg.CandleSchedule, cfg.DelistSchedule, cfg.OrdersSchedule} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("feeder: schedule %q: %w", spec, err)
		}
	}
	for _, p := range cfg.Symbols {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("feeder: symbol pattern %q: %w", p, err)
		}
	}
	if cfg.MaxCPU < 0 || cfg.MaxCPU > 100 {
		return fmt.Errorf("feeder: max_cpu must be in [0,100]")
	}
	return nil
}

// CPUGauge reports current CPU usage in percent.
type CPUGauge interface {
	Usage() (float64, error)
}

// Deps groups collaborators; Tickers, Sweeper, Orders and CPU are optional.
type Deps struct {
	Calendar *timeframe.Calendar
	Gateway  exchange.Gateway
	Jobs     jobs.Scheduler
	Hot      hotstore.Storage
	Tickers  *ticker.Cache
	Sweeper  *gc.DelistSweeper
	Orders   *orders.Store
	CPU      CPUGauge
	Flags    flags.Source
}

type Feeder struct {
	cfg        Config
	tfs        []timeframe.Timeframe
	d          Deps
	lease      *Lease
	orderLease *Lease
	log        *logger.Logger
}

func New(cfg Config, d Deps, log *logger.Logger) (*Feeder, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tfs, _ := timeframe.ParseList(cfg.Timeframes)
	return &Feeder{
		cfg:        cfg,
		tfs:        fetchBases(tfs),
		d:          d,
		lease:      NewLease(d.Hot, LeaseFeeder, cfg.LeaseTTL, log),
		orderLease: NewLease(d.Hot, LeaseOrderManager, cfg.LeaseTTL, log),
		log:        log.Named("feeder"),
	}, nil
}

// Run keeps both leases alive and fires schedules while the matching
// lease is held. Blocks until ctx is cancelled.
func (f *Feeder) Run(ctx context.Context) error {
	g := safe.New(ctx, f.log)
	g.Go(f.lease.Run)
	g.Go(f.orderLease.Run)

	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(f.d.Calendar.Location()),
		cron.WithChain(cron.Recover(cronLogger{f.log}), cron.SkipIfStillRunning(cronLogger{f.log})),
	)
	add := func(spec, name string, lease *Lease, fn func(context.Context) (int, error)) error {
		_, err := c.AddFunc(spec, func() {
			if !lease.Held() {
				return
			}
			n, err := fn(g.Context())
			if err != nil {
				f.log.Warn("schedule failed", zap.String("schedule", name), zap.Error(err))
				return
			}
			metrics.TickJobs.WithLabelValues(name).Add(float64(n))
		})
		if err != nil {
			return fmt.Errorf("feeder: register %s: %w", name, err)
		}
		return nil
	}
	if err := add(f.cfg.CandleSchedule, "candles", f.lease, f.Tick); err != nil {
		return err
	}
	if f.d.Sweeper != nil {
		if err := add(f.cfg.DelistSchedule, "delist", f.lease, f.d.Sweeper.Sweep); err != nil {
			return err
		}
	}
	if f.d.Orders != nil {
		if err := add(f.cfg.OrdersSchedule, "orders", f.orderLease, f.EnqueueOrdersGC); err != nil {
			return err
		}
	}

	c.Start()
	f.log.Info("scheduler started", zap.String("instance", f.lease.ID()))
	<-g.Context().Done()
	<-c.Stop().Done()
	f.log.Info("scheduler stopped")
	return g.Wait()
}

// Tick enqueues update-candles for every tradable (and allow-listed)
// market and configured timeframe. Returns the number of jobs queued.
func (f *Feeder) Tick(ctx context.Context) (int, error) {
	if !f.d.Flags.Enabled(flags.FeederEnabled) {
		metrics.TickSkipped.WithLabelValues("flag").Inc()
		return 0, nil
	}
	if f.cfg.MaxCPU > 0 && f.d.CPU != nil {
		usage, err := f.d.CPU.Usage()
		if err != nil {
			f.log.Debug("cpu usage unavailable", zap.Error(err))
		} else if usage > f.cfg.MaxCPU {
			metrics.TickSkipped.WithLabelValues("cpu").Inc()
			f.log.Info("tick skipped: cpu", zap.Float64("usage", usage))
			return 0, nil
		}
	}
	if f.cfg.MaxPending > 0 {
		n, err := f.d.Jobs.CountPending(ctx, jobs.QueueUpdateCandles, nil)
		if err != nil {
			return 0, fmt.Errorf("feeder: pending: %w", err)
		}
		if n >= f.cfg.MaxPending {
			metrics.TickSkipped.WithLabelValues("busy").Inc()
			f.log.Info("tick skipped: queue busy", zap.Int("pending", n))
			return 0, nil
		}
	}

	queued := 0
	for _, ex := range f.d.Gateway.Exchanges() {
		n, err := f.tickExchange(ctx, ex)
		queued += n
		if err != nil {
			f.log.Warn("tick exchange", zap.String("exchange", ex), zap.Error(err))
		}
	}
	f.log.Debug("tick", zap.Int("jobs", queued))
	return queued, nil
}

func (f *Feeder) tickExchange(ctx context.Context, ex string) (int, error) {
	supported, err := f.d.Gateway.SupportedTimeframes(ex)
	if err != nil {
		return 0, err
	}
	markets, err := f.d.Gateway.FetchMarkets(ctx, ex)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, m := range markets {
		if !m.Active || !f.allowed(m.Symbol) {
			continue
		}
		prio := f.priority(ex, m.ID)
		for _, tf := range f.tfs {
			if !containsTf(supported, tf) {
				continue
			}
			_, err := f.d.Jobs.Enqueue(ctx, jobs.QueueUpdateCandles, jobs.Payload{
				Exchange: ex, Symbol: m.Symbol, Timeframe: tf, Limit: f.cfg.Limit,
			}, jobs.Options{Priority: prio})
			switch {
			case err == nil:
				queued++
			case errors.Is(err, jobs.ErrDuplicate):
			default:
				return queued, err
			}
		}
	}
	return queued, nil
}

// EnqueueOrdersGC queues one collect-orders job per user.
func (f *Feeder) EnqueueOrdersGC(ctx context.Context) (int, error) {
	if !f.d.Flags.Enabled(flags.OrdersGCEnabled) {
		return 0, nil
	}
	users, err := f.d.Orders.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("feeder: %w", err)
	}
	queued := 0
	for _, u := range users {
		_, err := f.d.Jobs.Enqueue(ctx, jobs.QueueCollectOrders, jobs.Payload{UserID: u}, jobs.Options{})
		if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
			return queued, fmt.Errorf("feeder: enqueue orders gc: %w", err)
		}
		if err == nil {
			queued++
		}
	}
	return queued, nil
}

func (f *Feeder) allowed(symbol string) bool {
	if len(f.cfg.Symbols) == 0 {
		return true
	}
	for _, p := range f.cfg.Symbols {
		if ok, _ := path.Match(p, symbol); ok {
			return true
		}
	}
	return false
}

// priority — порядок величины суточного оборота в котируемой валюте.
func (f *Feeder) priority(ex, marketID string) int {
	if f.d.Tickers == nil {
		return 0
	}
	qv := f.d.Tickers.QuoteVolume(ex, marketID)
	if qv <= 0 {
		return 0
	}
	return int(math.Log10(qv + 1))
}

func fetchBases(tfs []timeframe.Timeframe) []timeframe.Timeframe {
	seen := make(map[timeframe.Timeframe]bool, len(tfs))
	out := make([]timeframe.Timeframe, 0, len(tfs))
	for _, tf := range tfs {
		b := timeframe.FetchBase(tf)
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

func containsTf(list []timeframe.Timeframe, tf timeframe.Timeframe) bool {
	for _, v := range list {
		if v == tf {
			return true
		}
	}
	return false
}

// cronLogger adapts the zap wrapper to cron.Logger.
type cronLogger struct{ log *logger.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Sugar().Debugw("cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Sugar().Errorw("cron: "+msg, append(kv, "error", err)...)
}
