package hotstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	"github.com/YaganovValera/candle-feeder/common/logger"
)

type backend struct {
	name    string
	store   Storage
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rs := newRedisStorage(client, backoff.Config{MaxRetries: 1, InitialInterval: time.Millisecond}, logger.NewNop())

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mem := NewMemoryWithClock(func() time.Time { return now })

	return []backend{
		{"redis", rs, mr.FastForward},
		{"memory", mem, func(d time.Duration) { now = now.Add(d) }},
	}
}

func TestStorage_Strings(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			if _, err := b.store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
			}
			if err := b.store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
				t.Fatal(err)
			}
			got, err := b.store.Get(ctx, "k")
			if err != nil || string(got) != "v" {
				t.Fatalf("Get(k) = %q, %v", got, err)
			}
			b.advance(2 * time.Minute)
			if _, err := b.store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected expiry, got err=%v", err)
			}
		})
	}
}

func TestStorage_LeasePrimitives(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ok, err := b.store.SetNX(ctx, "lease", []byte("a"), time.Minute)
			if err != nil || !ok {
				t.Fatalf("first SetNX = %v, %v", ok, err)
			}
			ok, _ = b.store.SetNX(ctx, "lease", []byte("b"), time.Minute)
			if ok {
				t.Fatal("second SetNX must fail while lease is held")
			}
			ok, _ = b.store.CompareAndExpire(ctx, "lease", []byte("b"), time.Hour)
			if ok {
				t.Fatal("CompareAndExpire with wrong owner must fail")
			}
			ok, _ = b.store.CompareAndExpire(ctx, "lease", []byte("a"), time.Hour)
			if !ok {
				t.Fatal("owner must be able to renew")
			}
			b.advance(30 * time.Minute)
			if _, err := b.store.Get(ctx, "lease"); err != nil {
				t.Fatalf("renewed lease expired early: %v", err)
			}
			ok, _ = b.store.CompareAndDelete(ctx, "lease", []byte("a"))
			if !ok {
				t.Fatal("owner must be able to release")
			}
			ok, _ = b.store.SetNX(ctx, "lease", []byte("b"), time.Minute)
			if !ok {
				t.Fatal("lease should be free after release")
			}
		})
	}
}

func TestStorage_Hashes(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			err := b.store.HSet(ctx, "h", map[string][]byte{"1": []byte("a"), "2": []byte("b"), "3": []byte("c")})
			if err != nil {
				t.Fatal(err)
			}
			if v, err := b.store.HGet(ctx, "h", "2"); err != nil || string(v) != "b" {
				t.Fatalf("HGet = %q, %v", v, err)
			}
			if _, err := b.store.HGet(ctx, "h", "9"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("HGet(missing) err = %v", err)
			}
			vals, err := b.store.HMGet(ctx, "h", "1", "9", "3")
			if err != nil {
				t.Fatal(err)
			}
			if string(vals[0]) != "a" || vals[1] != nil || string(vals[2]) != "c" {
				t.Fatalf("HMGet = %q", vals)
			}
			if err := b.store.HDel(ctx, "h", "1", "3"); err != nil {
				t.Fatal(err)
			}
			keys, _ := b.store.HKeys(ctx, "h")
			if len(keys) != 1 || keys[0] != "2" {
				t.Fatalf("HKeys = %v", keys)
			}
			all, _ := b.store.HGetAll(ctx, "h")
			if len(all) != 1 {
				t.Fatalf("HGetAll = %v", all)
			}
			if err := b.store.Delete(ctx, "h"); err != nil {
				t.Fatal(err)
			}
			keys, _ = b.store.HKeys(ctx, "h")
			if len(keys) != 0 {
				t.Fatalf("HKeys after Delete = %v", keys)
			}
		})
	}
}

func TestStorage_Scan(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_ = b.store.HSet(ctx, "orders:u1", map[string][]byte{"o": []byte("x")})
			_ = b.store.HSet(ctx, "orders:u2", map[string][]byte{"o": []byte("x")})
			_ = b.store.Set(ctx, "other", []byte("x"), 0)
			_ = b.store.HSet(ctx, "candles:binance:BTC/USDT:1h", map[string][]byte{"1": []byte("x")})
			_ = b.store.Set(ctx, "job:update-candles:binance:ETH/BTC:15m", []byte("x"), time.Minute)
			keys, err := b.store.Scan(ctx, "orders:*")
			if err != nil {
				t.Fatal(err)
			}
			if len(keys) != 2 {
				t.Fatalf("Scan = %v", keys)
			}
			// '*' пересекает '/' в символе, как MATCH у Redis
			for pattern, want := range map[string]int{
				"candles:*":                   1,
				"candles:*:1h":                1,
				"job:update-candles:*":        1,
				"*USDT*":                      1,
				"candles:binance:???/USDT:1h": 1,
			} {
				keys, err := b.store.Scan(ctx, pattern)
				if err != nil {
					t.Fatal(err)
				}
				if len(keys) != want {
					t.Errorf("Scan(%q) = %v, want %d keys", pattern, keys, want)
				}
			}
		})
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"candles:*", "candles:binance:BTC/USDT:1h", true},
		{"*", "", true},
		{"a*b*c", "a/x/b/y/c", true},
		{"a*b*c", "a/x/b/y/d", false},
		{"h?llo", "hello", true},
		{"h?llo", "hllo", false},
		{"h[ae]llo", "hallo", true},
		{"h[^e]llo", "hello", false},
		{"h[^e]llo", "hallo", true},
		{"h[a-c]llo", "hbllo", true},
		{"h[a-c]llo", "hdllo", false},
		{`h\*llo`, "h*llo", true},
		{`h\*llo`, "hello", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, c := range cases {
		if got := matchGlob(c.pattern, c.key); got != c.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", c.pattern, c.key, got, c.want)
		}
	}
}
