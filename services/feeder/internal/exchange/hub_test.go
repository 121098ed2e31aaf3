package exchange_test

import (
	"context"
	"errors"
	"testing"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/exchange"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

func TestHub_RoutesBySymbol(t *testing.T) {
	ctx := context.Background()
	fake := exchange.NewFake("fakex",
		exchange.MarketMeta{ID: "BTC-USDT", Symbol: "BTC/USDT", Active: true, PricePrecision: 2},
		exchange.MarketMeta{ID: "XRP-USDT", Symbol: "XRP/USDT", Active: false, PricePrecision: 4},
	)
	fake.AddRows("BTC-USDT", timeframe.H1, exchange.OHLCV{1000, 1, 2, 0.5, 1.5, 10}, exchange.OHLCV{2000, 1, 2, 0.5, 1.5, 10})
	hub := exchange.NewHub(0, fake)

	rows, err := hub.FetchCandles(ctx, "fakex", "BTC/USDT", timeframe.H1, 1500, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0][0] != 2000 {
		t.Errorf("rows = %v", rows)
	}

	tradable, _ := hub.Tradable(ctx, "fakex")
	if len(tradable) != 1 || tradable[0] != "BTC/USDT" {
		t.Errorf("tradable = %v", tradable)
	}
	m, ok, _ := hub.Market(ctx, "fakex", "XRP/USDT")
	if !ok || m.PricePrecision != 4 {
		t.Errorf("market = %+v %v", m, ok)
	}

	if _, err := hub.FetchMarkets(ctx, "nope"); !errors.Is(err, exchange.ErrUnknownExchange) {
		t.Errorf("expected ErrUnknownExchange, got %v", err)
	}
	if got := hub.Exchanges(); len(got) != 1 || got[0] != "fakex" {
		t.Errorf("Exchanges = %v", got)
	}
}

func TestHub_CachesMarkets(t *testing.T) {
	ctx := context.Background()
	fake := exchange.NewFake("fakex", exchange.MarketMeta{ID: "A", Symbol: "A/USDT", Active: true})
	hub := exchange.NewHub(0, fake)
	if _, err := hub.Tradable(ctx, "fakex"); err != nil {
		t.Fatal(err)
	}
	fake.SetMarkets(exchange.MarketMeta{ID: "B", Symbol: "B/USDT", Active: true})
	got, _ := hub.Tradable(ctx, "fakex")
	if got[0] != "A/USDT" {
		t.Errorf("expected cached list, got %v", got)
	}
	hub.Invalidate("fakex")
	got, _ = hub.Tradable(ctx, "fakex")
	if got[0] != "B/USDT" {
		t.Errorf("expected refreshed list, got %v", got)
	}
}
