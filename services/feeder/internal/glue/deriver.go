package glue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/events"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/jobs"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/series"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

// Deriver glues stored base candles into a derived series.
type Deriver struct {
	cal     *timeframe.Calendar
	candles *series.Series[candle.Candle]
	sched   jobs.Scheduler
	sink    events.Sink
	log     *logger.Logger
}

func NewDeriver(cal *timeframe.Calendar, candles *series.Series[candle.Candle], sched jobs.Scheduler, sink events.Sink, log *logger.Logger) *Deriver {
	return &Deriver{cal: cal, candles: candles, sched: sched, sink: sink, log: log.Named("glue")}
}

// Derive re-glues base candles from the target bucket containing since
// onward, writes the result under the target timeframe and enqueues its
// indicator calculation. limit is forwarded to that job.
func (d *Deriver) Derive(ctx context.Context, base candle.Key, target timeframe.Timeframe, since int64, limit int) ([]candle.Candle, error) {
	from, err := d.cal.BucketStart(target, since)
	if err != nil {
		return nil, err
	}
	src, err := d.candles.Range(ctx, base, from)
	if err != nil {
		return nil, fmt.Errorf("glue: read %s: %w", base, err)
	}
	glued, err := Glue(d.cal, src, target)
	if err != nil {
		return nil, err
	}
	dst := base.WithTimeframe(target)
	if len(glued) == 0 {
		return nil, nil
	}
	if err := d.candles.Put(ctx, dst, glued...); err != nil {
		return nil, fmt.Errorf("glue: write %s: %w", dst, err)
	}
	if err := d.sink.Candles(ctx, dst, glued); err != nil {
		d.log.Warn("publish glued candles", zap.String("key", dst.String()), zap.Error(err))
	}

	_, err = d.sched.Enqueue(ctx, jobs.QueueCalculateIndicator, jobs.Payload{
		Exchange: dst.Exchange, Symbol: dst.Symbol, Timeframe: dst.Timeframe, Limit: limit,
	}, jobs.Options{})
	if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		return glued, fmt.Errorf("glue: enqueue indicators %s: %w", dst, err)
	}
	d.log.Debug("derived", zap.String("key", dst.String()), zap.Int("candles", len(glued)))
	return glued, nil
}
