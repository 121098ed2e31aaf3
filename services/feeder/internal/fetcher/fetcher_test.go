package fetcher_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/badsymbol"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/events"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/exchange"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/fetcher"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/flags"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/glue"
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

type harness struct {
	f       *fetcher.Fetcher
	fake    *exchange.Fake
	candles *series.Series[candle.Candle]
	bad     *badsymbol.Registry
	tr      *jobs.MemoryTransport
}

func newHarness(t *testing.T, pageSize int, fl flags.Static) *harness {
	t.Helper()
	clock := func() time.Time { return now }
	cal := timeframe.NewCalendar(time.UTC, clock)
	hot := hotstore.NewMemoryWithClock(clock)
	log := logger.NewNop()

	fake := exchange.NewFake("binance", exchange.MarketMeta{ID: "BTCUSDT", Symbol: "BTC/USDT", Active: true, PricePrecision: 2})
	for i := int64(0); i <= 400; i++ {
		fake.AddRows("BTCUSDT", timeframe.H1, exchange.OHLCV{float64(nowBucket - i*hour), 1, 2, 0.5, 1.5, 10})
	}
	candles := series.New[candle.Candle](hot, "candles")
	bad := badsymbol.New(hot, badsymbol.Config{}, clock)
	tr := jobs.NewMemoryTransport()
	broker := jobs.NewBroker(hot, tr, nil, log)

	f := fetcher.New(fetcher.Config{PageSize: pageSize}, fetcher.Deps{
		Calendar: cal,
		Gateway:  exchange.NewHub(0, fake),
		Candles:  candles,
		Bad:      bad,
		Jobs:     broker,
		Deriver:  glue.NewDeriver(cal, candles, broker, events.Nop{}, log),
		Sink:     events.Nop{},
		Flags:    fl,
	}, log)
	return &harness{f: f, fake: fake, candles: candles, bad: bad, tr: tr}
}

func fetch(t *testing.T, h *harness, tf timeframe.Timeframe) (fetcher.State, error) {
	t.Helper()
	return h.f.Fetch(context.Background(), fetcher.Request{Exchange: "binance", Symbol: "BTC/USDT", Timeframe: tf})
}

func TestFetch_FreshSeriesBackfillsToFloor(t *testing.T) {
	h := newHarness(t, 100, nil)
	ctx := context.Background()

	state, err := fetch(t, h, timeframe.H1)
	if err != nil || state != fetcher.StateDone {
		t.Fatalf("Fetch = %s, %v", state, err)
	}
	times, _ := h.candles.Times(ctx, key)
	if len(times) != 301 {
		t.Fatalf("stored %d candles, want 301", len(times))
	}
	if times[0] != nowBucket-300*hour {
		t.Errorf("oldest = %d, want floor %d", times[0], nowBucket-300*hour)
	}
	if h.fake.Calls() != 4 {
		t.Errorf("pages = %d, want 4", h.fake.Calls())
	}

	live, _, _ := h.candles.Get(ctx, key, nowBucket)
	if live.Finished != nil {
		t.Error("now bucket must stay unfinished")
	}
	prev, _, _ := h.candles.Get(ctx, key, nowBucket-hour)
	if !prev.IsFinished() {
		t.Error("closed bucket must be finished")
	}

	tfs := map[timeframe.Timeframe]bool{}
	for j := h.tr.Pop(jobs.QueueCalculateIndicator); j != nil; j = h.tr.Pop(jobs.QueueCalculateIndicator) {
		tfs[j.Payload.Timeframe] = true
	}
	for _, tf := range []timeframe.Timeframe{timeframe.H1, timeframe.H2, timeframe.H4} {
		if !tfs[tf] {
			t.Errorf("no indicator job for %s", tf)
		}
	}
	if n, _ := h.candles.Times(ctx, key.WithTimeframe(timeframe.H4)); len(n) == 0 {
		t.Error("4h series must be glued")
	}
}

func TestFetch_ResumesFromUnfinishedWithMargin(t *testing.T) {
	h := newHarness(t, 500, nil)
	if _, err := fetch(t, h, timeframe.H1); err != nil {
		t.Fatal(err)
	}
	tfs := []timeframe.Timeframe{timeframe.H1, timeframe.H2, timeframe.H4}
	before := make(map[timeframe.Timeframe]map[int64]candle.Candle, len(tfs))
	for _, tf := range tfs {
		before[tf] = snapshot(t, h, tf)
	}

	state, err := fetch(t, h, timeframe.H1)
	if err != nil || state != fetcher.StateDone {
		t.Fatalf("second Fetch = %s, %v", state, err)
	}
	since := h.fake.Since()
	if got, want := since[len(since)-1], nowBucket-9*hour; got != want {
		t.Errorf("resumed at %d, want %d (now bucket minus 9h margin)", got, want)
	}
	for _, tf := range tfs {
		after := snapshot(t, h, tf)
		if len(after) != len(before[tf]) {
			t.Errorf("%s: refetch changed bucket count %d -> %d", tf, len(before[tf]), len(after))
		}
		for ts, c := range before[tf] {
			if !reflect.DeepEqual(after[ts], c) {
				t.Errorf("%s @%d: %+v -> %+v", tf, ts, c, after[ts])
			}
		}
	}
}

// snapshot — все свечи таймфрейма без UpdatedAt.
func snapshot(t *testing.T, h *harness, tf timeframe.Timeframe) map[int64]candle.Candle {
	t.Helper()
	recs, err := h.candles.Range(context.Background(), key.WithTimeframe(tf), 0)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[int64]candle.Candle, len(recs))
	for _, c := range recs {
		c.UpdatedAt = 0
		out[c.Time] = c
	}
	return out
}

func TestFetch_DiscardWhenNowBucketFinished(t *testing.T) {
	h := newHarness(t, 500, nil)
	_ = h.candles.Put(context.Background(), key, candle.Candle{Time: nowBucket, Finished: candle.Flag(true)})
	state, err := fetch(t, h, timeframe.H1)
	if err != nil || state != fetcher.StateDiscard {
		t.Fatalf("Fetch = %s, %v", state, err)
	}
	if h.fake.Calls() != 0 {
		t.Error("no exchange call expected")
	}
}

func TestFetch_Failures(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantState fetcher.State
		wantCalls int
		wantBad   int
	}{
		{"retry once then succeed", []error{errors.New("timeout")}, fetcher.StateDone, 2, 0},
		{"two failures", []error{errors.New("timeout"), errors.New("timeout")}, fetcher.StateDiscard, 2, 1},
		{"rate limited is not retried", []error{fmt.Errorf("429: %w", exchange.ErrRateLimited)}, fetcher.StateDiscard, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 500, nil)
			h.fake.FailNext(tt.errs...)
			state, err := fetch(t, h, timeframe.H1)
			if state != tt.wantState {
				t.Fatalf("state = %s (%v), want %s", state, err, tt.wantState)
			}
			if (err != nil) != (tt.wantState == fetcher.StateDiscard) {
				t.Errorf("err = %v", err)
			}
			if h.fake.Calls() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", h.fake.Calls(), tt.wantCalls)
			}
			if n, _ := h.bad.Count(context.Background(), key); n != tt.wantBad {
				t.Errorf("bad count = %d, want %d", n, tt.wantBad)
			}
			if tt.wantState == fetcher.StateDiscard {
				if times, _ := h.candles.Times(context.Background(), key); len(times) != 0 {
					t.Errorf("failed fetch must not commit, stored %d", len(times))
				}
			}
		})
	}
}

func TestFetch_DropsMisaligned(t *testing.T) {
	h := newHarness(t, 500, nil)
	odd := nowBucket - hour/2
	h.fake.AddRows("BTCUSDT", timeframe.H1, exchange.OHLCV{float64(odd), 1, 1, 1, 1, 1})
	if _, err := fetch(t, h, timeframe.H1); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.candles.Get(context.Background(), key, odd); ok {
		t.Error("misaligned candle stored")
	}
}

func TestFetch_NormalizesDerivedTimeframe(t *testing.T) {
	h := newHarness(t, 500, nil)
	if _, err := fetch(t, h, timeframe.H4); err != nil {
		t.Fatal(err)
	}
	if times, _ := h.candles.Times(context.Background(), key); len(times) == 0 {
		t.Error("4h request must fetch 1h")
	}
}

func TestFetch_Gates(t *testing.T) {
	t.Run("bad symbol", func(t *testing.T) {
		h := newHarness(t, 500, nil)
		for i := 0; i < badsymbol.DefaultFringe; i++ {
			_, _ = h.bad.Mark(context.Background(), key)
		}
		if state, _ := fetch(t, h, timeframe.H1); state != fetcher.StateDiscard || h.fake.Calls() != 0 {
			t.Errorf("state %s, calls %d", state, h.fake.Calls())
		}
	})
	t.Run("flag off", func(t *testing.T) {
		h := newHarness(t, 500, flags.Static{flags.CandlesEnabled: false})
		if state, _ := fetch(t, h, timeframe.H1); state != fetcher.StateDiscard || h.fake.Calls() != 0 {
			t.Errorf("state %s, calls %d", state, h.fake.Calls())
		}
	})
	t.Run("unsupported timeframe", func(t *testing.T) {
		h := newHarness(t, 500, nil)
		h.fake.SetTimeframes(timeframe.H1)
		if state, _ := fetch(t, h, timeframe.M15); state != fetcher.StateDiscard || h.fake.Calls() != 0 {
			t.Errorf("state %s, calls %d", state, h.fake.Calls())
		}
	})
}
