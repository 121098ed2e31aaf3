// Package exchange talks to upstream exchanges: candle history, market
// metadata and the supported timeframe list.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

var (
	// ErrRateLimited — биржа вернула 429/418. Не ретраить.
	ErrRateLimited = errors.New("exchange: rate limited")
	// ErrUnknownExchange — exchange id не сконфигурирован.
	ErrUnknownExchange = errors.New("exchange: unknown exchange")
)

// IsRateLimited reports whether err came from upstream throttling.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// OHLCV is the raw exchange row: [time, open, high, low, close, volume].
type OHLCV [6]float64

// MarketMeta описывает торговую пару биржи.
type MarketMeta struct {
	ID             string `json:"id"`     // "BTCUSDT"
	Symbol         string `json:"symbol"` // "BTC/USDT"
	Base           string `json:"base"`
	Quote          string `json:"quote"`
	Active         bool   `json:"active"`
	PricePrecision int    `json:"pricePrecision"` // знаков после запятой, -1 — неизвестно
}

// Connector is one exchange's raw API.
type Connector interface {
	ID() string
	Timeframes() []timeframe.Timeframe
	// FetchCandles takes the exchange-native market id.
	FetchCandles(ctx context.Context, marketID string, tf timeframe.Timeframe, since int64, limit int) ([]OHLCV, error)
	FetchMarkets(ctx context.Context) ([]MarketMeta, error)
}

// Gateway is what the pipeline needs from the exchanges.
type Gateway interface {
	Exchanges() []string
	SupportedTimeframes(exchangeID string) ([]timeframe.Timeframe, error)
	FetchCandles(ctx context.Context, exchangeID, symbol string, tf timeframe.Timeframe, since int64, limit int) ([]OHLCV, error)
	FetchMarkets(ctx context.Context, exchangeID string) ([]MarketMeta, error)
	Market(ctx context.Context, exchangeID, symbol string) (MarketMeta, bool, error)
	Tradable(ctx context.Context, exchangeID string) ([]string, error)
}

const DefaultMarketTTL = 10 * time.Minute

type marketEntry struct {
	loadedAt time.Time
	list     []MarketMeta
	bySymbol map[string]MarketMeta
}

// Hub routes calls to connectors by exchange id and caches market lists.
type Hub struct {
	connectors map[string]Connector
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	markets map[string]*marketEntry
}

// NewHub builds a Hub. ttl <= 0 means DefaultMarketTTL.
func NewHub(ttl time.Duration, connectors ...Connector) *Hub {
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	h := &Hub{
		connectors: make(map[string]Connector, len(connectors)),
		ttl:        ttl,
		now:        time.Now,
		markets:    make(map[string]*marketEntry),
	}
	for _, c := range connectors {
		h.connectors[c.ID()] = c
	}
	return h
}

func (h *Hub) connector(id string) (Connector, error) {
	c, ok := h.connectors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, id)
	}
	return c, nil
}

// Exchanges returns configured exchange ids, sorted.
func (h *Hub) Exchanges() []string {
	out := make([]string, 0, len(h.connectors))
	for id := range h.connectors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) SupportedTimeframes(exchangeID string) ([]timeframe.Timeframe, error) {
	c, err := h.connector(exchangeID)
	if err != nil {
		return nil, err
	}
	return c.Timeframes(), nil
}

// FetchMarkets returns the full market list, cached for the hub TTL.
func (h *Hub) FetchMarkets(ctx context.Context, exchangeID string) ([]MarketMeta, error) {
	e, err := h.entry(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	return e.list, nil
}

// Market looks one symbol up in the cached market list.
func (h *Hub) Market(ctx context.Context, exchangeID, symbol string) (MarketMeta, bool, error) {
	e, err := h.entry(ctx, exchangeID)
	if err != nil {
		return MarketMeta{}, false, err
	}
	m, ok := e.bySymbol[symbol]
	return m, ok, nil
}

// Tradable lists active symbols.
func (h *Hub) Tradable(ctx context.Context, exchangeID string) ([]string, error) {
	e, err := h.entry(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(e.list))
	for _, m := range e.list {
		if m.Active {
			out = append(out, m.Symbol)
		}
	}
	return out, nil
}

// FetchCandles resolves symbol to the market id and delegates.
func (h *Hub) FetchCandles(ctx context.Context, exchangeID, symbol string, tf timeframe.Timeframe, since int64, limit int) ([]OHLCV, error) {
	c, err := h.connector(exchangeID)
	if err != nil {
		return nil, err
	}
	id := strings.ReplaceAll(symbol, "/", "")
	if e, err := h.entry(ctx, exchangeID); err == nil {
		if m, ok := e.bySymbol[symbol]; ok {
			id = m.ID
		}
	} else if IsRateLimited(err) {
		return nil, err
	}
	return c.FetchCandles(ctx, id, tf, since, limit)
}

// Invalidate drops the cached markets of one exchange.
func (h *Hub) Invalidate(exchangeID string) {
	h.mu.Lock()
	delete(h.markets, exchangeID)
	h.mu.Unlock()
}

func (h *Hub) entry(ctx context.Context, exchangeID string) (*marketEntry, error) {
	c, err := h.connector(exchangeID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	e, ok := h.markets[exchangeID]
	h.mu.Unlock()
	if ok && h.now().Sub(e.loadedAt) < h.ttl {
		return e, nil
	}

	list, err := c.FetchMarkets(ctx)
	if err != nil {
		if ok {
			// устаревший кеш лучше, чем ничего
			return e, nil
		}
		return nil, fmt.Errorf("exchange %s: markets: %w", exchangeID, err)
	}
	e = &marketEntry{loadedAt: h.now(), list: list, bySymbol: make(map[string]MarketMeta, len(list))}
	for _, m := range list {
		e.bySymbol[m.Symbol] = m
	}
	h.mu.Lock()
	h.markets[exchangeID] = e
	h.mu.Unlock()
	return e, nil
}
