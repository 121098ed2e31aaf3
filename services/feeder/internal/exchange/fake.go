package exchange

import (
	"context"
	"sort"
	"sync"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

// Fake is an in-memory Connector for tests and local runs.
// Errors queued in Errs are returned, one per FetchCandles call, before
// any data.
type Fake struct {
	mu      sync.Mutex
	id      string
	tfs     []timeframe.Timeframe
	markets []MarketMeta
	rows    map[string][]OHLCV
	errs    []error
	calls   int
	since   []int64
}

// NewFake returns a Fake that supports every timeframe.
func NewFake(id string, markets ...MarketMeta) *Fake {
	return &Fake{id: id, tfs: timeframe.All(), markets: markets, rows: make(map[string][]OHLCV)}
}

func (f *Fake) ID() string { return f.id }

func (f *Fake) Timeframes() []timeframe.Timeframe {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tfs
}

// SetTimeframes overrides the supported list.
func (f *Fake) SetTimeframes(tfs ...timeframe.Timeframe) {
	f.mu.Lock()
	f.tfs = tfs
	f.mu.Unlock()
}

// SetMarkets replaces the market list.
func (f *Fake) SetMarkets(markets ...MarketMeta) {
	f.mu.Lock()
	f.markets = markets
	f.mu.Unlock()
}

// AddRows stores rows for (marketID, tf).
func (f *Fake) AddRows(marketID string, tf timeframe.Timeframe, rows ...OHLCV) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := marketID + "|" + tf.String()
	f.rows[k] = append(f.rows[k], rows...)
	sort.Slice(f.rows[k], func(i, j int) bool { return f.rows[k][i][0] < f.rows[k][j][0] })
}

// FailNext queues errors for the next FetchCandles calls.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	f.errs = append(f.errs, errs...)
	f.mu.Unlock()
}

// Calls returns how many FetchCandles calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Since returns the since argument of every FetchCandles call.
func (f *Fake) Since() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.since...)
}

func (f *Fake) FetchCandles(_ context.Context, marketID string, tf timeframe.Timeframe, since int64, limit int) ([]OHLCV, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.since = append(f.since, since)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []OHLCV
	for _, r := range f.rows[marketID+"|"+tf.String()] {
		if int64(r[0]) < since {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) FetchMarkets(context.Context) ([]MarketMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MarketMeta(nil), f.markets...), nil
}
