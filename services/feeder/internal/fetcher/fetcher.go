// Package fetcher pulls base-timeframe candles from exchanges into the
// hot store, resuming from the oldest unfinished bucket.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/badsymbol"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/events"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/exchange"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/flags"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/glue"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/jobs"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/series"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

// State — итог одного fetch-задания.
type State string

const (
	StateDiscard  State = "discard"
	StateBackfill State = "backfill"
	StateDone     State = "done"
)

const (
	DefaultLimit    = 300
	DefaultPageSize = 500
)

// Config — параметры догрузки.
type Config struct {
	DefaultLimit int            `mapstructure:"default_limit"`
	PageSize     int            `mapstructure:"page_size"`
	Retry        backoff.Config `mapstructure:"retry"`
}

func (c *Config) applyDefaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	// одна немедленная повторная попытка
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 1
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 10 * time.Millisecond
	}
}

// safety margins in buckets, by base timeframe
var margins = map[timeframe.Timeframe]int{
	timeframe.M15: 5,
	timeframe.H1:  9,
}

// Request is one fetch job.
type Request struct {
	Exchange  string
	Symbol    string
	Timeframe timeframe.Timeframe
	Limit     int
	Priority  int
}

type Fetcher struct {
	cfg     Config
	cal     *timeframe.Calendar
	gw      exchange.Gateway
	candles *series.Series[candle.Candle]
	bad     *badsymbol.Registry
	sched   jobs.Scheduler
	deriver *glue.Deriver
	sink    events.Sink
	flags   flags.Source
	log     *logger.Logger
}

// Deps groups the collaborators of a Fetcher.
type Deps struct {
	Calendar *timeframe.Calendar
	Gateway  exchange.Gateway
	Candles  *series.Series[candle.Candle]
	Bad      *badsymbol.Registry
	Jobs     jobs.Scheduler
	Deriver  *glue.Deriver
	Sink     events.Sink
	Flags    flags.Source
}

func New(cfg Config, d Deps, log *logger.Logger) *Fetcher {
	cfg.applyDefaults()
	return &Fetcher{
		cfg:     cfg,
		cal:     d.Calendar,
		gw:      d.Gateway,
		candles: d.Candles,
		bad:     d.Bad,
		sched:   d.Jobs,
		deriver: d.Deriver,
		sink:    d.Sink,
		flags:   d.Flags,
		log:     log.Named("fetcher"),
	}
}

// Handle adapts Fetch to the job broker.
func (f *Fetcher) Handle(ctx context.Context, job *jobs.Job) error {
	_, err := f.Fetch(ctx, Request{
		Exchange:  job.Payload.Exchange,
		Symbol:    job.Payload.Symbol,
		Timeframe: job.Payload.Timeframe,
		Limit:     job.Payload.Limit,
		Priority:  job.Priority,
	})
	return err
}

// Fetch runs the backfill state machine for one series. Gates that skip
// the work return (StateDiscard, nil); upstream failures mark the series
// bad and return (StateDiscard, err) without writing anything.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (State, error) {
	state, err := f.fetch(ctx, req)
	metrics.FetchResults.WithLabelValues(string(state)).Inc()
	return state, err
}

func (f *Fetcher) fetch(ctx context.Context, req Request) (State, error) {
	if !f.flags.Enabled(flags.CandlesEnabled) {
		return StateDiscard, nil
	}
	if !req.Timeframe.Valid() {
		return StateDiscard, fmt.Errorf("fetcher: %w: %q", timeframe.ErrUnknownTimeframe, req.Timeframe)
	}
	tf := timeframe.FetchBase(req.Timeframe)
	key := candle.Key{Exchange: req.Exchange, Symbol: req.Symbol, Timeframe: tf}
	log := f.log.WithContext(ctx).With(zap.String("key", key.String()))

	supported, err := f.gw.SupportedTimeframes(req.Exchange)
	if err != nil {
		return StateDiscard, fmt.Errorf("fetcher: %s: %w", key, err)
	}
	if !contains(supported, tf) {
		log.Debug("timeframe not supported by exchange")
		return StateDiscard, nil
	}
	if bad, err := f.bad.IsBad(ctx, key); err != nil {
		return StateDiscard, fmt.Errorf("fetcher: %w", err)
	} else if bad {
		log.Debug("skip bad symbol")
		return StateDiscard, nil
	}

	nowBucket, err := f.cal.NowBucket(tf)
	if err != nil {
		return StateDiscard, err
	}
	if cur, ok, err := f.candles.Get(ctx, key, nowBucket); err != nil {
		return StateDiscard, fmt.Errorf("fetcher: %w", err)
	} else if ok && cur.IsFinished() {
		return StateDiscard, nil
	}

	limit := req.Limit
	if limit < f.cfg.DefaultLimit {
		limit = f.cfg.DefaultLimit
	}
	floor, err := f.cal.BucketStartByShift(tf, limit)
	if err != nil {
		return StateDiscard, err
	}
	start, err := f.resumePoint(ctx, key, nowBucket, floor)
	if err != nil {
		return StateDiscard, err
	}

	log.Debug("state", zap.String("state", string(StateBackfill)), zap.Int64("from", start), zap.Int64("floor", floor))
	rows, err := f.backfill(ctx, key, start, nowBucket)
	if err != nil {
		n, merr := f.bad.Mark(ctx, key)
		if merr != nil {
			log.Warn("mark bad symbol", zap.Error(merr))
		}
		metrics.BadSymbolMarks.WithLabelValues(key.Exchange, "fetch").Inc()
		log.Warn("fetch failed, series marked", zap.Int("bad_count", n), zap.Error(err))
		return StateDiscard, fmt.Errorf("fetcher: %s: %w", key, err)
	}

	accepted := f.accept(log, tf, rows, nowBucket)
	if len(accepted) > 0 {
		if err := f.candles.Put(ctx, key, accepted...); err != nil {
			return StateDiscard, fmt.Errorf("fetcher: %w", err)
		}
		metrics.CandlesStored.WithLabelValues(key.Exchange, tf.String()).Add(float64(len(accepted)))
		if err := f.sink.Candles(ctx, key, accepted); err != nil {
			log.Warn("publish candles", zap.Error(err))
		}
	}
	log.Debug("fetched", zap.Int("rows", len(rows)), zap.Int("accepted", len(accepted)), zap.Int64("from", start))

	f.followUp(ctx, log, key, start, req)
	return StateDone, nil
}

// resumePoint walks back from nowBucket while the previous bucket is not
// finished, then steps back the safety margin. Never below floor.
func (f *Fetcher) resumePoint(ctx context.Context, key candle.Key, nowBucket, floor int64) (int64, error) {
	stored, err := f.candles.Range(ctx, key, floor)
	if err != nil {
		return 0, fmt.Errorf("fetcher: %w", err)
	}
	finished := make(map[int64]bool, len(stored))
	for _, c := range stored {
		if c.IsFinished() {
			finished[c.Time] = true
		}
	}

	t := nowBucket
	for t > floor {
		prev, err := f.cal.BucketStart(key.Timeframe, t-1)
		if err != nil {
			return 0, err
		}
		if finished[prev] {
			break
		}
		t = prev
	}
	for i := 0; i < margins[key.Timeframe] && t > floor; i++ {
		prev, err := f.cal.BucketStart(key.Timeframe, t-1)
		if err != nil {
			return 0, err
		}
		t = prev
	}
	if t < floor {
		t = floor
	}
	return t, nil
}

// backfill pages forward from start, deduplicating by bucket time.
func (f *Fetcher) backfill(ctx context.Context, key candle.Key, start, nowBucket int64) ([]exchange.OHLCV, error) {
	seen := make(map[int64]exchange.OHLCV)
	since := start
	for since <= nowBucket {
		page, err := f.page(ctx, key, since)
		if err != nil {
			return nil, err
		}
		last := since - 1
		for _, row := range page {
			t := int64(row[0])
			seen[t] = row
			if t > last {
				last = t
			}
		}
		if len(page) < f.cfg.PageSize || last < since {
			break
		}
		since = last + 1
	}

	out := make([]exchange.OHLCV, 0, len(seen))
	for _, row := range seen {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

// page fetches one page, retrying once. Rate limiting is not retried.
func (f *Fetcher) page(ctx context.Context, key candle.Key, since int64) ([]exchange.OHLCV, error) {
	var rows []exchange.OHLCV
	err := backoff.Retry(ctx, "exchange-fetch", f.cfg.Retry, f.log, func(ctx context.Context) error {
		r, err := f.gw.FetchCandles(ctx, key.Exchange, key.Symbol, key.Timeframe, since, f.cfg.PageSize)
		if err != nil {
			if exchange.IsRateLimited(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		rows = r
		return nil
	})
	return rows, err
}

// accept drops misaligned and future rows and sets the finished flag.
func (f *Fetcher) accept(log *logger.Logger, tf timeframe.Timeframe, rows []exchange.OHLCV, nowBucket int64) []candle.Candle {
	now := f.cal.NowMs()
	out := make([]candle.Candle, 0, len(rows))
	for _, row := range rows {
		c := candle.FromOHLCV(row)
		aligned, err := f.cal.IsAligned(tf, c.Time)
		if err != nil || !aligned {
			log.Warn("drop misaligned candle", zap.Int64("time", c.Time))
			continue
		}
		if c.Time > nowBucket {
			log.Warn("drop candle from the future", zap.Int64("time", c.Time))
			continue
		}
		if c.Time != nowBucket {
			c.Finished = candle.Flag(true)
		}
		c.UpdatedAt = now
		out = append(out, c)
	}
	return out
}

// followUp enqueues indicators for the base key and glues derived
// timeframes. Failures here do not undo the stored candles.
func (f *Fetcher) followUp(ctx context.Context, log *logger.Logger, key candle.Key, start int64, req Request) {
	_, err := f.sched.Enqueue(ctx, jobs.QueueCalculateIndicator, jobs.Payload{
		Exchange: key.Exchange, Symbol: key.Symbol, Timeframe: key.Timeframe, Limit: req.Limit,
	}, jobs.Options{Priority: req.Priority})
	if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		log.Warn("enqueue indicators", zap.Error(err))
	}
	for _, d := range timeframe.Derived(key.Timeframe) {
		if _, err := f.deriver.Derive(ctx, key, d, start, req.Limit); err != nil {
			log.Warn("derive", zap.String("target", d.String()), zap.Error(err))
		}
	}
}

func contains(list []timeframe.Timeframe, tf timeframe.Timeframe) bool {
	for _, v := range list {
		if v == tf {
			return true
		}
	}
	return false
}
