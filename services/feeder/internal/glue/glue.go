// Package glue synthesises derived timeframes (30m, 2h, 4h) from the
// base candles actually fetched from exchanges.
package glue

import (
	"fmt"
	"sort"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

type group struct {
	agg     candle.Candle
	first   int64
	last    int64
	buckets map[int64]struct{}
}

// Glue folds src into target-timeframe candles.
//
// A group is emitted when it holds exactly GlueSources(target) distinct
// source buckets, or when it is the live target bucket. Complete
// non-live groups are finished; the live bucket has Finished == nil.
// Anything else is dropped.
func Glue(cal *timeframe.Calendar, src []candle.Candle, target timeframe.Timeframe) ([]candle.Candle, error) {
	need, ok := timeframe.GlueSources(target)
	if !ok {
		return nil, fmt.Errorf("glue: %s is not a derived timeframe", target)
	}
	live, err := cal.NowBucket(target)
	if err != nil {
		return nil, err
	}

	groups := make(map[int64]*group)
	for _, c := range src {
		start, err := cal.BucketStart(target, c.Time)
		if err != nil {
			return nil, err
		}
		g, ok := groups[start]
		if !ok {
			groups[start] = &group{
				agg: candle.Candle{
					Time: start, Open: c.Open, High: c.High, Low: c.Low,
					Close: c.Close, Volume: c.Volume, UpdatedAt: c.UpdatedAt,
				},
				first:   c.Time,
				last:    c.Time,
				buckets: map[int64]struct{}{c.Time: {}},
			}
			continue
		}
		if _, dup := g.buckets[c.Time]; dup {
			// один бакет источника учитываем один раз
			continue
		}
		g.buckets[c.Time] = struct{}{}
		if c.Time < g.first {
			g.first = c.Time
			g.agg.Open = c.Open
		}
		if c.Time > g.last {
			g.last = c.Time
			g.agg.Close = c.Close
		}
		if c.High > g.agg.High {
			g.agg.High = c.High
		}
		if c.Low < g.agg.Low {
			g.agg.Low = c.Low
		}
		g.agg.Volume += c.Volume
		if c.UpdatedAt > g.agg.UpdatedAt {
			g.agg.UpdatedAt = c.UpdatedAt
		}
	}

	out := make([]candle.Candle, 0, len(groups))
	for start, g := range groups {
		complete := len(g.buckets) == need
		switch {
		case start == live:
			g.agg.Finished = nil
		case complete:
			g.agg.Finished = candle.Flag(true)
		default:
			continue
		}
		out = append(out, g.agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}
