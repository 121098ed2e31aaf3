package gc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/flags"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
)

// DelistSweeper drops every hot series of symbols that an exchange still
// lists but no longer trades.
type DelistSweeper struct {
	d   Deps
	log *logger.Logger
}

func NewDelistSweeper(d Deps, log *logger.Logger) *DelistSweeper {
	return &DelistSweeper{d: d, log: log.Named("gc.delist")}
}

// Sweep returns the number of series removed.
func (s *DelistSweeper) Sweep(ctx context.Context) (int, error) {
	if !s.d.Flags.Enabled(flags.GCEnabled) {
		return 0, nil
	}
	delisted := make(map[string]map[string]bool)
	for _, ex := range s.d.Gateway.Exchanges() {
		set, err := s.delisted(ctx, ex)
		if err != nil {
			s.log.WithContext(ctx).Warn("skip exchange", zap.String("exchange", ex), zap.Error(err))
			continue
		}
		if len(set) > 0 {
			delisted[ex] = set
			metrics.Delisted.WithLabelValues(ex).Add(float64(len(set)))
		}
	}
	if len(delisted) == 0 {
		return 0, nil
	}

	removed := 0
	drop := func(keys []candle.Key, del func(context.Context, candle.Key) error) error {
		for _, k := range keys {
			if !delisted[k.Exchange][k.Symbol] {
				continue
			}
			if err := del(ctx, k); err != nil {
				return err
			}
			removed++
		}
		return nil
	}

	ck, err := s.d.Candles.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("gc: delist: %w", err)
	}
	if err := drop(ck, s.d.Candles.DeleteSeries); err != nil {
		return removed, fmt.Errorf("gc: delist: %w", err)
	}
	ik, err := s.d.Indicators.Keys(ctx)
	if err != nil {
		return removed, fmt.Errorf("gc: delist: %w", err)
	}
	if err := drop(ik, s.d.Indicators.DeleteSeries); err != nil {
		return removed, fmt.Errorf("gc: delist: %w", err)
	}
	s.log.WithContext(ctx).Info("delisted series removed", zap.Int("series", removed))
	return removed, nil
}

func (s *DelistSweeper) delisted(ctx context.Context, ex string) (map[string]bool, error) {
	markets, err := s.d.Gateway.FetchMarkets(ctx, ex)
	if err != nil {
		return nil, err
	}
	tradable, err := s.d.Gateway.Tradable(ctx, ex)
	if err != nil {
		return nil, err
	}
	// пустой список торгуемых — скорее сбой биржи, чем делистинг всего
	if len(tradable) == 0 {
		return nil, nil
	}
	active := make(map[string]bool, len(tradable))
	for _, sym := range tradable {
		active[sym] = true
	}
	out := make(map[string]bool)
	for _, m := range markets {
		if !active[m.Symbol] {
			out[m.Symbol] = true
		}
	}
	return out, nil
}
