package badsymbol_test

import (
	"context"
	"testing"
	"time"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/badsymbol"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var key = candle.Key{Exchange: "binance", Symbol: "ETH/USDT", Timeframe: timeframe.M15}

func TestRegistry_BreakerTripsAtFringe(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := badsymbol.New(hotstore.NewMemoryWithClock(clk.now), badsymbol.Config{}, clk.now)

	for i := 1; i < reg.Fringe(); i++ {
		n, err := reg.Mark(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("Mark #%d returned %d", i, n)
		}
		if bad, _ := reg.IsBad(ctx, key); bad {
			t.Fatalf("series bad after %d failures", i)
		}
		clk.advance(time.Hour)
	}
	if _, err := reg.Mark(ctx, key); err != nil {
		t.Fatal(err)
	}
	if bad, _ := reg.IsBad(ctx, key); !bad {
		t.Fatal("series must be bad at the fringe")
	}

	other := key.WithTimeframe(timeframe.H1)
	if bad, _ := reg.IsBad(ctx, other); bad {
		t.Error("counters must be per timeframe")
	}
}

func TestRegistry_ResetsAfterCooldown(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := badsymbol.New(hotstore.NewMemoryWithClock(clk.now), badsymbol.Config{}, clk.now)

	for i := 0; i < 5; i++ {
		_, _ = reg.Mark(ctx, key)
	}
	clk.advance(23 * time.Hour)
	if bad, _ := reg.IsBad(ctx, key); !bad {
		t.Fatal("still within cooldown")
	}
	clk.advance(2 * time.Hour)
	n, err := reg.Count(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Count after 25h quiet = %d, want 0", n)
	}
	if n, _ := reg.Mark(ctx, key); n != 1 {
		t.Errorf("first failure after reset = %d, want 1", n)
	}
}

func TestRegistry_Reset(t *testing.T) {
	ctx := context.Background()
	reg := badsymbol.New(hotstore.NewMemory(), badsymbol.Config{Fringe: 2}, nil)
	_, _ = reg.Mark(ctx, key)
	_, _ = reg.Mark(ctx, key)
	if bad, _ := reg.IsBad(ctx, key); !bad {
		t.Fatal("expected bad with fringe 2")
	}
	if err := reg.Reset(ctx, key); err != nil {
		t.Fatal(err)
	}
	if n, _ := reg.Count(ctx, key); n != 0 {
		t.Errorf("Count after Reset = %d", n)
	}
}
