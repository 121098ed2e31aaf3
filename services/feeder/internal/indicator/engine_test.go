package indicator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/badsymbol"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/events"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/exchange"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/flags"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/indicator"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/jobs"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/series"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

const hour = int64(time.Hour / time.Millisecond)

var (
	now       = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	nowBucket = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	key       = candle.Key{Exchange: "binance", Symbol: "BTC/USDT", Timeframe: timeframe.H1}
)

type engineHarness struct {
	e          *indicator.Engine
	candles    *series.Series[candle.Candle]
	indicators *series.Series[candle.IndicatorValue]
	bad        *badsymbol.Registry
	tr         *jobs.MemoryTransport
}

func newEngine(t *testing.T, precision int, fl flags.Static) *engineHarness {
	t.Helper()
	clock := func() time.Time { return now }
	hot := hotstore.NewMemoryWithClock(clock)
	cat, err := indicator.ParseCatalog([]byte(catalogYAML))
	if err != nil {
		t.Fatal(err)
	}
	fake := exchange.NewFake("binance", exchange.MarketMeta{ID: "BTCUSDT", Symbol: "BTC/USDT", Active: true, PricePrecision: precision})
	tr := jobs.NewMemoryTransport()
	h := &engineHarness{
		candles:    series.New[candle.Candle](hot, "candles"),
		indicators: series.New[candle.IndicatorValue](hot, "indicators"),
		bad:        badsymbol.New(hot, badsymbol.Config{}, clock),
		tr:         tr,
	}
	h.e = indicator.NewEngine(indicator.Deps{
		Calendar:   timeframe.NewCalendar(time.UTC, clock),
		Gateway:    exchange.NewHub(0, fake),
		Candles:    h.candles,
		Indicators: h.indicators,
		Catalog:    cat,
		Bad:        h.bad,
		Jobs:       jobs.NewBroker(hot, tr, nil, logger.NewNop()),
		Sink:       events.Nop{},
		Flags:      fl,
	}, 0, logger.NewNop())
	return h
}

// seed stores n hourly candles ending at the now bucket.
func (h *engineHarness) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ts := nowBucket - int64(i)*hour
		c := candle.Candle{Time: ts, Open: 1, High: 2, Low: 1, Close: 1 + float64(i)/3}
		if ts != nowBucket {
			c.Finished = candle.Flag(true)
		}
		if err := h.candles.Put(context.Background(), key, c); err != nil {
			t.Fatal(err)
		}
	}
}

func calc(h *engineHarness, id string) (bool, error) {
	return h.e.Calculate(context.Background(), indicator.Request{
		Exchange: "binance", Symbol: "BTC/USDT", Timeframe: timeframe.H1, Limit: 300, IndicatorID: id,
	})
}

func TestCalculate_ShiftLoop(t *testing.T) {
	h := newEngine(t, 2, nil)
	h.seed(t, 10)

	ok, err := calc(h, "")
	if err != nil || !ok {
		t.Fatalf("Calculate = %v, %v", ok, err)
	}
	vals, _ := h.indicators.Range(context.Background(), key, 0)
	// shifts 0..min(300, 10/2)
	if len(vals) != 6 {
		t.Fatalf("values = %d, want 6", len(vals))
	}
	for _, v := range vals {
		if _, ok := v.Values["macd"]; ok {
			t.Errorf("MACD computed on a 10-candle window at %d", v.Time)
		}
		out, ok := v.Values["sma-3"]
		if !ok {
			t.Fatalf("no sma-3 at %d", v.Time)
		}
		if decimal.NewFromFloat(out[candle.ScalarKey]).Exponent() < -2 {
			t.Errorf("value %v not rounded to 2 digits", out[candle.ScalarKey])
		}
	}
	if vals[0].Time != nowBucket || vals[0].Finished != nil {
		t.Errorf("shift 0 = %+v", vals[0])
	}
	if !vals[1].IsFinished() {
		t.Error("closed bucket value must be finished")
	}
	if j := h.tr.Pop(jobs.QueueCollectCandles); j == nil || j.Payload.Symbol != "BTC/USDT" {
		t.Errorf("collect-candles job = %+v", j)
	}
}

func TestCalculate_SkipsFinishedValues(t *testing.T) {
	ctx := context.Background()
	h := newEngine(t, 2, nil)
	h.seed(t, 10)
	if _, err := calc(h, ""); err != nil {
		t.Fatal(err)
	}

	sentinel := candle.Output{candle.ScalarKey: -1}
	closed := candle.IndicatorValue{Time: nowBucket - hour, Finished: candle.Flag(true), Values: map[string]candle.Output{"sma-3": sentinel, "macd": sentinel}}
	live := candle.IndicatorValue{Time: nowBucket, Values: map[string]candle.Output{"sma-3": sentinel}}
	_ = h.indicators.Put(ctx, key, closed, live)

	if _, err := calc(h, ""); err != nil {
		t.Fatal(err)
	}
	got, _, _ := h.indicators.Get(ctx, key, nowBucket-hour)
	if got.Values["sma-3"][candle.ScalarKey] != -1 {
		t.Error("finished value holding every card must not be recomputed")
	}
	got, _, _ = h.indicators.Get(ctx, key, nowBucket)
	if got.Values["sma-3"][candle.ScalarKey] == -1 {
		t.Error("live value must be recomputed")
	}
}

func TestCalculate_Gates(t *testing.T) {
	t.Run("unknown precision", func(t *testing.T) {
		h := newEngine(t, -1, nil)
		h.seed(t, 10)
		ok, err := calc(h, "")
		if ok || err != nil {
			t.Fatalf("Calculate = %v, %v", ok, err)
		}
		if n, _ := h.bad.Count(context.Background(), key); n != 0 {
			t.Error("missing precision must not mark the symbol")
		}
	})
	t.Run("too few candles", func(t *testing.T) {
		h := newEngine(t, 2, nil)
		h.seed(t, 3)
		if ok, _ := calc(h, ""); ok {
			t.Fatal("expected false")
		}
		if n, _ := h.bad.Count(context.Background(), key); n != 1 {
			t.Errorf("bad count = %d, want 1", n)
		}
	})
	t.Run("bad symbol", func(t *testing.T) {
		h := newEngine(t, 2, nil)
		h.seed(t, 10)
		for i := 0; i < badsymbol.DefaultFringe; i++ {
			_, _ = h.bad.Mark(context.Background(), key)
		}
		if ok, _ := calc(h, ""); ok {
			t.Fatal("expected false")
		}
	})
	t.Run("flag off", func(t *testing.T) {
		h := newEngine(t, 2, flags.Static{flags.IndicatorsEnabled: false})
		h.seed(t, 10)
		if ok, _ := calc(h, ""); ok {
			t.Fatal("expected false")
		}
	})
}

func TestCalculate_SingleCard(t *testing.T) {
	h := newEngine(t, 2, nil)
	h.seed(t, 10)
	if _, err := calc(h, "old-ema"); !errors.Is(err, indicator.ErrUnknownCard) {
		t.Errorf("archived card: %v", err)
	}
	if _, err := calc(h, "nope"); !errors.Is(err, indicator.ErrUnknownCard) {
		t.Errorf("unknown card: %v", err)
	}
	ok, err := calc(h, "sma-3")
	if err != nil || !ok {
		t.Fatalf("Calculate = %v, %v", ok, err)
	}
}
