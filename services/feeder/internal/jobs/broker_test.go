package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/jobs"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

func payload(sym string) jobs.Payload {
	return jobs.Payload{Exchange: "binance", Symbol: sym, Timeframe: timeframe.H1, Limit: 300}
}

func TestEnqueue_DeduplicatesByKey(t *testing.T) {
	ctx := context.Background()
	tr := jobs.NewMemoryTransport()
	b := jobs.NewBroker(hotstore.NewMemory(), tr, nil, logger.NewNop())

	if _, err := b.Enqueue(ctx, jobs.QueueUpdateCandles, payload("BTC/USDT"), jobs.Options{}); err != nil {
		t.Fatal(err)
	}
	p := payload("BTC/USDT")
	p.Limit = 5
	if _, err := b.Enqueue(ctx, jobs.QueueUpdateCandles, p, jobs.Options{}); !errors.Is(err, jobs.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// другая очередь — другой ключ
	if _, err := b.Enqueue(ctx, jobs.QueueCalculateIndicator, p, jobs.Options{}); err != nil {
		t.Fatalf("other queue must not collide: %v", err)
	}
	if n := tr.Len(jobs.QueueUpdateCandles); n != 1 {
		t.Errorf("transport holds %d jobs, want 1", n)
	}
}

func TestEnqueue_UnknownQueue(t *testing.T) {
	b := jobs.NewBroker(hotstore.NewMemory(), jobs.NewMemoryTransport(), nil, logger.NewNop())
	if _, err := b.Enqueue(context.Background(), jobs.Queue("nope"), payload("X"), jobs.Options{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCountPendingAndDiscard(t *testing.T) {
	ctx := context.Background()
	b := jobs.NewBroker(hotstore.NewMemory(), jobs.NewMemoryTransport(), nil, logger.NewNop())

	j1, _ := b.Enqueue(ctx, jobs.QueueUpdateCandles, payload("BTC/USDT"), jobs.Options{})
	_, _ = b.Enqueue(ctx, jobs.QueueUpdateCandles, payload("ETH/USDT"), jobs.Options{})

	n, err := b.CountPending(ctx, jobs.QueueUpdateCandles, nil)
	if err != nil || n != 2 {
		t.Fatalf("CountPending = %d, %v", n, err)
	}
	n, _ = b.CountPending(ctx, jobs.QueueUpdateCandles, func(p jobs.Payload) bool { return p.Symbol == "ETH/USDT" })
	if n != 1 {
		t.Errorf("filtered CountPending = %d", n)
	}

	if err := b.Discard(ctx, j1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Enqueue(ctx, jobs.QueueUpdateCandles, payload("BTC/USDT"), jobs.Options{}); err != nil {
		t.Errorf("enqueue after discard: %v", err)
	}
}

func TestLeaseExpiresWithTimeout(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hot := hotstore.NewMemoryWithClock(func() time.Time { return now })
	b := jobs.NewBroker(hot, jobs.NewMemoryTransport(), nil, logger.NewNop())

	_, _ = b.Enqueue(ctx, jobs.QueueCalculateIndicator, payload("BTC/USDT"), jobs.Options{Timeout: time.Minute})
	now = now.Add(2 * time.Minute)
	if _, err := b.Enqueue(ctx, jobs.QueueCalculateIndicator, payload("BTC/USDT"), jobs.Options{}); err != nil {
		t.Fatalf("expired lease must allow enqueue: %v", err)
	}
}

func TestRun_ExecutesAndReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := jobs.NewBroker(hotstore.NewMemory(), jobs.NewMemoryTransport(), nil, logger.NewNop())

	var (
		mu   sync.Mutex
		seen []string
		done = make(chan struct{}, 3)
	)
	b.Handle(jobs.QueueUpdateCandles, func(ctx context.Context, job *jobs.Job) error {
		mu.Lock()
		seen = append(seen, job.Payload.Symbol)
		mu.Unlock()
		defer func() { done <- struct{}{} }()
		switch job.Payload.Symbol {
		case "PANIC/USDT":
			panic("boom")
		case "ERR/USDT":
			return errors.New("upstream down")
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job must run with a deadline")
		}
		return nil
	})

	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()

	for _, s := range []string{"BTC/USDT", "PANIC/USDT", "ERR/USDT"} {
		if _, err := b.Enqueue(ctx, jobs.QueueUpdateCandles, payload(s), jobs.Options{}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs not processed")
		}
	}

	// лизы снимаются асинхронно после handler-а
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := b.CountPending(ctx, jobs.QueueUpdateCandles, nil)
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d leases still held", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("handled %v", seen)
	}
}

func TestMemoryTransport_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	tr := jobs.NewMemoryTransport()
	for i, prio := range []int{1, 5, 3, 5} {
		_ = tr.Send(ctx, &jobs.Job{ID: string(rune('a' + i)), Queue: jobs.QueueUpdateCandles, Priority: prio})
	}
	var got string
	for j := tr.Pop(jobs.QueueUpdateCandles); j != nil; j = tr.Pop(jobs.QueueUpdateCandles) {
		got += j.ID
	}
	if got != "bdca" {
		t.Errorf("order = %q, want bdca", got)
	}
}

func TestParseQueues(t *testing.T) {
	qs, err := jobs.ParseQueues(map[string]jobs.QueueConfig{"update-candles": {Concurrency: 4}})
	if err != nil {
		t.Fatal(err)
	}
	uc := qs[jobs.QueueUpdateCandles]
	if uc.Concurrency != 4 || uc.Timeout != 300*time.Second {
		t.Errorf("update-candles = %+v", uc)
	}
	if qs[jobs.QueueCalculateIndicator].Timeout != time.Minute {
		t.Errorf("indicator timeout = %v", qs[jobs.QueueCalculateIndicator].Timeout)
	}
	if _, err := jobs.ParseQueues(map[string]jobs.QueueConfig{"bogus": {}}); err == nil {
		t.Error("unknown queue must fail")
	}
}
