// Package indicator computes technical indicators over stored candle
// windows and writes them to the sibling indicator series.
package indicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/badsymbol"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/events"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/exchange"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/flags"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/jobs"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/series"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

const (
	DefaultLimit = 300
	// MinCandles — меньше этого окно считается битым.
	MinCandles = 4
)

// Request is one calculation. Empty IndicatorID means every active card.
type Request struct {
	Exchange    string
	Symbol      string
	Timeframe   timeframe.Timeframe
	Limit       int
	IndicatorID string
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Calendar   *timeframe.Calendar
	Gateway    exchange.Gateway
	Candles    *series.Series[candle.Candle]
	Indicators *series.Series[candle.IndicatorValue]
	Catalog    *Catalog
	Bad        *badsymbol.Registry
	Jobs       jobs.Scheduler
	Sink       events.Sink
	Flags      flags.Source
}

type Engine struct {
	Deps
	defaultLimit int
	log          *logger.Logger
}

// NewEngine builds an engine. defaultLimit <= 0 means DefaultLimit.
func NewEngine(d Deps, defaultLimit int, log *logger.Logger) *Engine {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Engine{Deps: d, defaultLimit: defaultLimit, log: log.Named("indicator")}
}

// Handle adapts Calculate to the job broker.
func (e *Engine) Handle(ctx context.Context, job *jobs.Job) error {
	_, err := e.Calculate(ctx, Request{
		Exchange:    job.Payload.Exchange,
		Symbol:      job.Payload.Symbol,
		Timeframe:   job.Payload.Timeframe,
		Limit:       job.Payload.Limit,
		IndicatorID: job.Payload.IndicatorID,
	})
	return err
}

// Calculate recomputes indicator values for shifts 0..min(limit, n/2)
// and upserts them by candle time. false means a gate stopped the work.
func (e *Engine) Calculate(ctx context.Context, req Request) (bool, error) {
	if !e.Flags.Enabled(flags.IndicatorsEnabled) {
		return false, nil
	}
	key := candle.Key{Exchange: req.Exchange, Symbol: req.Symbol, Timeframe: req.Timeframe}
	log := e.log.WithContext(ctx).With(zap.String("key", key.String()))

	if bad, err := e.Bad.IsBad(ctx, key); err != nil {
		return false, fmt.Errorf("indicator: %w", err)
	} else if bad {
		return false, nil
	}

	market, ok, err := e.Gateway.Market(ctx, req.Exchange, req.Symbol)
	if err != nil {
		return false, fmt.Errorf("indicator: market %s: %w", key, err)
	}
	if !ok || market.PricePrecision < 0 {
		log.Debug("price precision unknown")
		return false, nil
	}

	cards, err := e.cards(req.IndicatorID)
	if err != nil {
		return false, err
	}
	if len(cards) == 0 {
		return false, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = e.defaultLimit
	}
	lookback := limit
	if lookback < 2*e.defaultLimit {
		lookback = 2 * e.defaultLimit
	}
	from, err := e.Calendar.BucketStartByShift(req.Timeframe, lookback)
	if err != nil {
		return false, err
	}
	window, err := e.Candles.Range(ctx, key, from)
	if err != nil {
		return false, fmt.Errorf("indicator: %w", err)
	}
	if len(window) < MinCandles {
		if _, err := e.Bad.Mark(ctx, key); err != nil {
			log.Warn("mark bad symbol", zap.Error(err))
		}
		metrics.BadSymbolMarks.WithLabelValues(key.Exchange, "indicator").Inc()
		log.Info("not enough candles", zap.Int("candles", len(window)))
		return false, nil
	}

	stored, err := e.Indicators.Range(ctx, key, window[len(window)-1].Time)
	if err != nil {
		return false, fmt.Errorf("indicator: %w", err)
	}
	existing := make(map[int64]candle.IndicatorValue, len(stored))
	for _, v := range stored {
		existing[v.Time] = v
	}

	ids := make([]string, len(cards))
	for i, c := range cards {
		ids[i] = c.ID
	}

	maxShift := len(window) / 2
	if limit < maxShift {
		maxShift = limit
	}
	now := e.Calendar.NowMs()
	var out []candle.IndicatorValue
	for shift := 0; shift <= maxShift; shift++ {
		base := window[shift]
		prev, had := existing[base.Time]
		if had && prev.IsFinished() && prev.Has(ids...) {
			continue
		}
		val := candle.IndicatorValue{Time: base.Time, Update: now, Finished: base.Finished, Values: map[string]candle.Output{}}
		for id, o := range prev.Values {
			val.Values[id] = o
		}
		computed := 0
		for _, card := range cards {
			o, ok, err := card.Compute(window[shift:])
			if err != nil {
				log.Warn("compute", zap.String("card", card.ID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			val.Values[card.ID] = round(o, market.PricePrecision, card.priceKeys())
			computed++
		}
		if computed == 0 {
			continue
		}
		out = append(out, val)
	}

	if len(out) > 0 {
		if err := e.Indicators.Put(ctx, key, out...); err != nil {
			return false, fmt.Errorf("indicator: %w", err)
		}
		metrics.IndicatorValues.WithLabelValues(req.Timeframe.String()).Add(float64(len(out)))
		if out[0].Time == window[0].Time {
			if err := e.Sink.Indicators(ctx, key, out[:1]); err != nil {
				log.Warn("publish indicators", zap.Error(err))
			}
		}
	}

	_, err = e.Jobs.Enqueue(ctx, jobs.QueueCollectCandles, jobs.Payload{
		Exchange: req.Exchange, Symbol: req.Symbol, Timeframe: req.Timeframe, Limit: req.Limit,
	}, jobs.Options{})
	if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		log.Warn("enqueue candle gc", zap.Error(err))
	}
	log.Debug("calculated", zap.Int("values", len(out)), zap.Int("window", len(window)))
	return true, nil
}

func (e *Engine) cards(id string) ([]Card, error) {
	if id == "" {
		return e.Catalog.Active(), nil
	}
	card, ok := e.Catalog.Get(id)
	if !ok || !card.Active() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCard, id)
	}
	return []Card{card}, nil
}

// round приводит ценовые значения к точности рынка, остальные не трогает.
func round(o candle.Output, precision int, priceKeys map[string]bool) candle.Output {
	out := make(candle.Output, len(o))
	for k, v := range o {
		if !priceKeys[k] {
			out[k] = v
			continue
		}
		out[k] = decimal.NewFromFloat(v).Round(int32(precision)).InexactFloat64()
	}
	return out
}
