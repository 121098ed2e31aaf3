// Package ticker keeps the latest 24h ticker per market from exchange
// websocket streams. The feeder reads quote volume from it to order work.
package ticker

import (
	"sort"
	"sync"
)

// Ticker — последние 24h-данные рынка.
type Ticker struct {
	Exchange    string
	MarketID    string
	Last        float64
	QuoteVolume float64
	Time        int64
}

// Decoder turns one raw frame into tickers. Frames that carry no ticker
// data (acks, heartbeats) return (nil, nil).
type Decoder interface {
	// Subscribe returns the message sent right after connect, nil for none.
	Subscribe() []byte
	ParseMessage(raw []byte) ([]Ticker, error)
}

// Cache is safe for concurrent use.
type Cache struct {
	mu   sync.RWMutex
	byEx map[string]map[string]Ticker
}

func NewCache() *Cache {
	return &Cache{byEx: make(map[string]map[string]Ticker)}
}

// Update stores ts, keeping the newer row when times collide.
func (c *Cache) Update(ts ...Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range ts {
		m := c.byEx[t.Exchange]
		if m == nil {
			m = make(map[string]Ticker)
			c.byEx[t.Exchange] = m
		}
		if prev, ok := m[t.MarketID]; ok && prev.Time > t.Time {
			continue
		}
		m[t.MarketID] = t
	}
}

func (c *Cache) Get(exchange, marketID string) (Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byEx[exchange][marketID]
	return t, ok
}

// QuoteVolume returns 0 for unknown markets.
func (c *Cache) QuoteVolume(exchange, marketID string) float64 {
	t, _ := c.Get(exchange, marketID)
	return t.QuoteVolume
}

// Len returns the number of markets cached for exchange.
func (c *Cache) Len(exchange string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byEx[exchange])
}

// Top returns up to n market ids of exchange by quote volume, descending.
func (c *Cache) Top(exchange string, n int) []string {
	c.mu.RLock()
	rows := make([]Ticker, 0, len(c.byEx[exchange]))
	for _, t := range c.byEx[exchange] {
		rows = append(rows, t)
	}
	c.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].QuoteVolume != rows[j].QuoteVolume {
			return rows[i].QuoteVolume > rows[j].QuoteVolume
		}
		return rows[i].MarketID < rows[j].MarketID
	})
	if n > 0 && n < len(rows) {
		rows = rows[:n]
	}
	out := make([]string, len(rows))
	for i, t := range rows {
		out[i] = t.MarketID
	}
	return out
}
