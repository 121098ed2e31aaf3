package series_test

import (
	"context"
	"testing"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/series"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

var key = candle.Key{Exchange: "binance", Symbol: "BTC/USDT", Timeframe: timeframe.H1}

func TestSeries_PutOverwritesByBucket(t *testing.T) {
	ctx := context.Background()
	s := series.New[candle.Candle](hotstore.NewMemory(), "candles")

	if err := s.Put(ctx, key, candle.Candle{Time: 1000, Close: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, key, candle.Candle{Time: 1000, Close: 2, Finished: candle.Flag(true)}); err != nil {
		t.Fatal(err)
	}
	times, _ := s.Times(ctx, key)
	if len(times) != 1 {
		t.Fatalf("expected one bucket, got %v", times)
	}
	got, ok, err := s.Get(ctx, key, 1000)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Close != 2 || !got.IsFinished() {
		t.Errorf("unexpected candle %+v", got)
	}
	if _, ok, _ := s.Get(ctx, key, 2000); ok {
		t.Error("Get of a missing bucket must report !ok")
	}
}

func TestSeries_RangeDescending(t *testing.T) {
	ctx := context.Background()
	s := series.New[candle.Candle](hotstore.NewMemory(), "candles")
	for _, ts := range []int64{500, 100, 400, 200, 300} {
		_ = s.Put(ctx, key, candle.Candle{Time: ts})
	}
	got, err := s.Range(ctx, key, 200)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{500, 400, 300, 200}
	if len(got) != len(want) {
		t.Fatalf("Range len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Time != want[i] {
			t.Errorf("Range[%d] = %d, want %d", i, got[i].Time, want[i])
		}
	}
}

func TestSeries_DeleteAndKeys(t *testing.T) {
	ctx := context.Background()
	hot := hotstore.NewMemory()
	s := series.New[candle.Candle](hot, "candles")
	other := key.WithTimeframe(timeframe.M15)
	_ = s.Put(ctx, key, candle.Candle{Time: 1}, candle.Candle{Time: 2}, candle.Candle{Time: 3})
	_ = s.Put(ctx, other, candle.Candle{Time: 1})

	if err := s.Delete(ctx, key, []int64{1, 3}); err != nil {
		t.Fatal(err)
	}
	times, _ := s.Times(ctx, key)
	if len(times) != 1 || times[0] != 2 {
		t.Errorf("Times after Delete = %v", times)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys = %v", keys)
	}
	for _, k := range keys {
		if k.Symbol != "BTC/USDT" || k.Exchange != "binance" {
			t.Errorf("parsed key %+v", k)
		}
	}

	if err := s.DeleteSeries(ctx, other); err != nil {
		t.Fatal(err)
	}
	keys, _ = s.Keys(ctx)
	if len(keys) != 1 {
		t.Errorf("Keys after DeleteSeries = %v", keys)
	}
}
