// Package coldstore archives entries evicted from the hot store.
// Writes are upserts keyed by (exchange, symbol, timeframe, time), so a
// repeated eviction of the same bucket is harmless.
package coldstore

import (
	"context"
	"sort"
	"sync"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/orders"
)

// Archiver is the cold store contract.
type Archiver interface {
	ArchiveCandles(ctx context.Context, k candle.Key, cs []candle.Candle) error
	ArchiveIndicators(ctx context.Context, k candle.Key, vs []candle.IndicatorValue) error
	ArchiveOrders(ctx context.Context, os []orders.Order) error
	Ping(ctx context.Context) error
	Close()
}

// Memory is an in-process Archiver for tests and local runs.
type Memory struct {
	mu         sync.Mutex
	candles    map[candle.Key]map[int64]candle.Candle
	indicators map[candle.Key]map[int64]candle.IndicatorValue
	orders     map[string]orders.Order
	err        error
}

func NewMemory() *Memory {
	return &Memory{
		candles:    make(map[candle.Key]map[int64]candle.Candle),
		indicators: make(map[candle.Key]map[int64]candle.IndicatorValue),
		orders:     make(map[string]orders.Order),
	}
}

// FailWith makes every following write return err; nil clears it.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) ArchiveCandles(_ context.Context, k candle.Key, cs []candle.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.candles[k] == nil {
		m.candles[k] = make(map[int64]candle.Candle)
	}
	for _, c := range cs {
		m.candles[k][c.Time] = c
	}
	return nil
}

func (m *Memory) ArchiveIndicators(_ context.Context, k candle.Key, vs []candle.IndicatorValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.indicators[k] == nil {
		m.indicators[k] = make(map[int64]candle.IndicatorValue)
	}
	for _, v := range vs {
		m.indicators[k][v.Time] = v
	}
	return nil
}

func (m *Memory) ArchiveOrders(_ context.Context, os []orders.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, o := range os {
		m.orders[o.ID] = o
	}
	return nil
}

// CandleTimes returns archived bucket times of k, ascending.
func (m *Memory) CandleTimes(k candle.Key) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedTimes(m.candles[k])
}

// IndicatorTimes returns archived indicator bucket times of k, ascending.
func (m *Memory) IndicatorTimes(k candle.Key) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedTimes(m.indicators[k])
}

// Order returns an archived order by id.
func (m *Memory) Order(id string) (orders.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close()                     {}

func sortedTimes[V any](byTime map[int64]V) []int64 {
	out := make([]int64, 0, len(byTime))
	for t := range byTime {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
