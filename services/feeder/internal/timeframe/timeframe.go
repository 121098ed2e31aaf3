// Package timeframe holds the candle timeframe table and the bucket
// arithmetic every stored series is keyed by.
package timeframe

import (
	"errors"
	"fmt"
	"time"
)

// Timeframe — идентификатор свечного интервала в формате биржи ("1m", "4h", "1M").
type Timeframe string

const (
	M1  Timeframe = "1m"
	M3  Timeframe = "3m"
	M5  Timeframe = "5m"
	M15 Timeframe = "15m"
	M30 Timeframe = "30m"
	H1  Timeframe = "1h"
	H2  Timeframe = "2h"
	H4  Timeframe = "4h"
	H6  Timeframe = "6h"
	H8  Timeframe = "8h"
	H12 Timeframe = "12h"
	D1  Timeframe = "1d"
	D3  Timeframe = "3d"
	W1  Timeframe = "1w"
	MN1 Timeframe = "1M"
)

// ErrUnknownTimeframe is returned for values outside the table.
var ErrUnknownTimeframe = errors.New("timeframe: unknown timeframe")

type unit int

const (
	unitMinute unit = iota
	unitHour
	unitDay
	unitMonth
)

type entry struct {
	unit unit
	n    int
	dur  time.Duration
}

const day = 24 * time.Hour

// ordered is the declaration order; durations are strictly increasing.
var ordered = []Timeframe{M1, M3, M5, M15, M30, H1, H2, H4, H6, H8, H12, D1, D3, W1, MN1}

var table = map[Timeframe]entry{
	M1:  {unitMinute, 1, time.Minute},
	M3:  {unitMinute, 3, 3 * time.Minute},
	M5:  {unitMinute, 5, 5 * time.Minute},
	M15: {unitMinute, 15, 15 * time.Minute},
	M30: {unitMinute, 30, 30 * time.Minute},
	H1:  {unitHour, 1, time.Hour},
	H2:  {unitHour, 2, 2 * time.Hour},
	H4:  {unitHour, 4, 4 * time.Hour},
	H6:  {unitHour, 6, 6 * time.Hour},
	H8:  {unitHour, 8, 8 * time.Hour},
	H12: {unitHour, 12, 12 * time.Hour},
	D1:  {unitDay, 1, day},
	D3:  {unitDay, 3, 3 * day},
	W1:  {unitDay, 7, 7 * day},
	MN1: {unitMonth, 1, 30 * day},
}

// All returns every supported timeframe in ascending order.
func All() []Timeframe {
	out := make([]Timeframe, len(ordered))
	copy(out, ordered)
	return out
}

// Parse validates s against the table.
func Parse(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := table[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// ParseList parses every element of raw.
func ParseList(raw []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(raw))
	for _, s := range raw {
		tf, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

func (tf Timeframe) String() string { return string(tf) }

// Valid reports whether tf is in the table.
func (tf Timeframe) Valid() bool {
	_, ok := table[tf]
	return ok
}

// Duration returns the nominal length of one bucket. 1M is 30 days.
func (tf Timeframe) Duration() (time.Duration, error) {
	e, ok := table[tf]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTimeframe, string(tf))
	}
	return e.dur, nil
}

// DurationMs is Duration in epoch milliseconds.
func DurationMs(tf Timeframe) (int64, error) {
	d, err := tf.Duration()
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

func index(tf Timeframe) int {
	for i, v := range ordered {
		if v == tf {
			return i
		}
	}
	return -1
}

// Lower steps n positions down the ordered list, clamped at 1m.
// Unknown timeframes are returned unchanged.
func Lower(tf Timeframe, n int) Timeframe {
	i := index(tf)
	if i < 0 {
		return tf
	}
	i -= n
	if i < 0 {
		i = 0
	}
	if i >= len(ordered) {
		i = len(ordered) - 1
	}
	return ordered[i]
}

// Higher steps n positions up the ordered list, clamped at 1M.
func Higher(tf Timeframe, n int) Timeframe {
	return Lower(tf, -n)
}

// FetchBase maps a requested timeframe to the one actually fetched from
// the exchange: 30m comes from 15m, 2h and 4h come from 1h.
func FetchBase(tf Timeframe) Timeframe {
	switch tf {
	case M30:
		return M15
	case H2, H4:
		return H1
	default:
		return tf
	}
}

// Derived lists the timeframes glued from tf.
func Derived(tf Timeframe) []Timeframe {
	switch tf {
	case M15:
		return []Timeframe{M30}
	case H1:
		return []Timeframe{H2, H4}
	default:
		return nil
	}
}

// GlueSources returns how many base buckets make up one closed bucket of
// a derived timeframe.
func GlueSources(tf Timeframe) (int, bool) {
	switch tf {
	case M30, H2:
		return 2, true
	case H4:
		return 4, true
	default:
		return 0, false
	}
}
