package coldstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/coldstore"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/orders"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

func TestMemoryUpsert(t *testing.T) {
	ctx := context.Background()
	m := coldstore.NewMemory()
	k := candle.Key{Exchange: "binance", Symbol: "BTC/USDT", Timeframe: timeframe.M1}

	if err := m.ArchiveCandles(ctx, k, []candle.Candle{{Time: 120_000}, {Time: 60_000}}); err != nil {
		t.Fatal(err)
	}
	if err := m.ArchiveCandles(ctx, k, []candle.Candle{{Time: 60_000, Close: 2}}); err != nil {
		t.Fatal(err)
	}
	got := m.CandleTimes(k)
	if len(got) != 2 || got[0] != 60_000 || got[1] != 120_000 {
		t.Fatalf("CandleTimes = %v", got)
	}

	if err := m.ArchiveIndicators(ctx, k, []candle.IndicatorValue{{Time: 60_000}}); err != nil {
		t.Fatal(err)
	}
	if got := m.IndicatorTimes(k); len(got) != 1 {
		t.Fatalf("IndicatorTimes = %v", got)
	}

	if err := m.ArchiveOrders(ctx, []orders.Order{{ID: "o1", Status: orders.StatusClosed}}); err != nil {
		t.Fatal(err)
	}
	if o, ok := m.Order("o1"); !ok || o.Status != orders.StatusClosed {
		t.Fatalf("Order = %+v, %v", o, ok)
	}
}

func TestMemoryFailWith(t *testing.T) {
	m := coldstore.NewMemory()
	boom := errors.New("boom")
	m.FailWith(boom)
	k := candle.Key{Exchange: "binance", Symbol: "ETH/USDT", Timeframe: timeframe.H1}
	if err := m.ArchiveCandles(context.Background(), k, []candle.Candle{{Time: 1}}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(m.CandleTimes(k)) != 0 {
		t.Fatal("failed write must not store")
	}
	m.FailWith(nil)
	if err := m.ArchiveCandles(context.Background(), k, []candle.Candle{{Time: 1}}); err != nil {
		t.Fatal(err)
	}
}

var _ coldstore.Archiver = (*coldstore.Memory)(nil)
