// Package series stores bucket-keyed time series in the hot store: one
// hash per (exchange, symbol, timeframe), one field per bucket start.
package series

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

// Record is anything stored under a bucket start.
type Record interface {
	BucketTime() int64
}

// Series — типизированная обёртка над хешами hot store.
type Series[T Record] struct {
	hot    hotstore.Storage
	prefix string
}

// New creates a Series whose hashes live under "<prefix>:".
func New[T Record](hot hotstore.Storage, prefix string) *Series[T] {
	return &Series[T]{hot: hot, prefix: prefix}
}

// Name returns the key prefix ("candles", "indicators").
func (s *Series[T]) Name() string { return s.prefix }

func (s *Series[T]) hashKey(k candle.Key) string {
	return s.prefix + ":" + k.String()
}

func field(t int64) string { return strconv.FormatInt(t, 10) }

// Get returns the record at bucket t.
func (s *Series[T]) Get(ctx context.Context, k candle.Key, t int64) (T, bool, error) {
	var zero T
	raw, err := s.hot.HGet(ctx, s.hashKey(k), field(t))
	if errors.Is(err, hotstore.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("series %s: get %s@%d: %w", s.prefix, k, t, err)
	}
	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return zero, false, fmt.Errorf("series %s: decode %s@%d: %w", s.prefix, k, t, err)
	}
	return rec, true, nil
}

// Put overwrites records by their bucket time.
func (s *Series[T]) Put(ctx context.Context, k candle.Key, recs ...T) error {
	if len(recs) == 0 {
		return nil
	}
	values := make(map[string][]byte, len(recs))
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("series %s: encode %s@%d: %w", s.prefix, k, r.BucketTime(), err)
		}
		values[field(r.BucketTime())] = b
	}
	if err := s.hot.HSet(ctx, s.hashKey(k), values); err != nil {
		return fmt.Errorf("series %s: put %s: %w", s.prefix, k, err)
	}
	return nil
}

// Times lists stored bucket starts in ascending order. Fields that are
// not integers are skipped.
func (s *Series[T]) Times(ctx context.Context, k candle.Key) ([]int64, error) {
	fields, err := s.hot.HKeys(ctx, s.hashKey(k))
	if err != nil {
		return nil, fmt.Errorf("series %s: list %s: %w", s.prefix, k, err)
	}
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		t, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Load reads the given buckets; missing ones are skipped.
func (s *Series[T]) Load(ctx context.Context, k candle.Key, times []int64) ([]T, error) {
	if len(times) == 0 {
		return nil, nil
	}
	fields := make([]string, len(times))
	for i, t := range times {
		fields[i] = field(t)
	}
	raws, err := s.hot.HMGet(ctx, s.hashKey(k), fields...)
	if err != nil {
		return nil, fmt.Errorf("series %s: load %s: %w", s.prefix, k, err)
	}
	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("series %s: decode %s@%s: %w", s.prefix, k, fields[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Range returns records with time >= from, newest first.
func (s *Series[T]) Range(ctx context.Context, k candle.Key, from int64) ([]T, error) {
	times, err := s.Times(ctx, k)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(times), func(i int) bool { return times[i] >= from })
	window := times[i:]
	recs, err := s.Load(ctx, k, window)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].BucketTime() > recs[j].BucketTime() })
	return recs, nil
}

// Delete removes the given buckets.
func (s *Series[T]) Delete(ctx context.Context, k candle.Key, times []int64) error {
	if len(times) == 0 {
		return nil
	}
	fields := make([]string, len(times))
	for i, t := range times {
		fields[i] = field(t)
	}
	if err := s.hot.HDel(ctx, s.hashKey(k), fields...); err != nil {
		return fmt.Errorf("series %s: delete %s: %w", s.prefix, k, err)
	}
	return nil
}

// DeleteSeries drops the whole series.
func (s *Series[T]) DeleteSeries(ctx context.Context, k candle.Key) error {
	if err := s.hot.Delete(ctx, s.hashKey(k)); err != nil {
		return fmt.Errorf("series %s: drop %s: %w", s.prefix, k, err)
	}
	return nil
}

// Keys enumerates every stored series.
func (s *Series[T]) Keys(ctx context.Context) ([]candle.Key, error) {
	raw, err := s.hot.Scan(ctx, s.prefix+":*")
	if err != nil {
		return nil, fmt.Errorf("series %s: scan: %w", s.prefix, err)
	}
	out := make([]candle.Key, 0, len(raw))
	for _, r := range raw {
		if k, ok := parseKey(strings.TrimPrefix(r, s.prefix+":")); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// parseKey reverses candle.Key.String. The symbol may itself contain ':'.
func parseKey(s string) (candle.Key, bool) {
	first := strings.Index(s, ":")
	last := strings.LastIndex(s, ":")
	if first <= 0 || last <= first+1 || last == len(s)-1 {
		return candle.Key{}, false
	}
	tf, err := timeframe.Parse(s[last+1:])
	if err != nil {
		return candle.Key{}, false
	}
	return candle.Key{Exchange: s[:first], Symbol: s[first+1 : last], Timeframe: tf}, true
}
