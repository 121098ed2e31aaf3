package timeframe

import (
	"time"
)

// Calendar does bucket arithmetic in a fixed location against an
// injectable clock. Bucket boundaries follow the location's wall clock,
// not UTC: historical series were keyed that way and must stay stable.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

// NewCalendar returns a Calendar. nil loc means time.Local, nil now means time.Now.
func NewCalendar(loc *time.Location, now func() time.Time) *Calendar {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Calendar{loc: loc, now: now}
}

// Local is the host-local calendar with the real clock.
func Local() *Calendar { return NewCalendar(nil, nil) }

// Now returns the calendar's current instant.
func (c *Calendar) Now() time.Time { return c.now() }

// NowMs returns Now in epoch milliseconds.
func (c *Calendar) NowMs() int64 { return c.now().UnixMilli() }

// Location returns the calendar's location.
func (c *Calendar) Location() *time.Location { return c.loc }

// Truncate returns the start of the bucket containing t.
func (c *Calendar) Truncate(tf Timeframe, t time.Time) (time.Time, error) {
	e, ok := table[tf]
	if !ok {
		return time.Time{}, ErrUnknownTimeframe
	}
	t = t.In(c.loc)
	y, mo, d := t.Date()
	h, mi := t.Hour(), t.Minute()

	switch e.unit {
	case unitMinute:
		return time.Date(y, mo, d, h, mi-mi%e.n, 0, 0, c.loc), nil
	case unitHour:
		return time.Date(y, mo, d, h-h%e.n, 0, 0, 0, c.loc), nil
	case unitDay:
		// day-of-month is 1-based
		return time.Date(y, mo, d-(d-1)%e.n, 0, 0, 0, 0, c.loc), nil
	default:
		return time.Date(y, mo, 1, 0, 0, 0, 0, c.loc), nil
	}
}

// BucketStart truncates an epoch-ms instant to its bucket start.
func (c *Calendar) BucketStart(tf Timeframe, ms int64) (int64, error) {
	t, err := c.Truncate(tf, time.UnixMilli(ms))
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// NowBucket is BucketStart of the current instant.
func (c *Calendar) NowBucket(tf Timeframe) (int64, error) {
	return c.BucketStart(tf, c.NowMs())
}

// IsAligned reports whether ms is exactly a bucket boundary.
func (c *Calendar) IsAligned(tf Timeframe, ms int64) (bool, error) {
	b, err := c.BucketStart(tf, ms)
	if err != nil {
		return false, err
	}
	return b == ms, nil
}

// Shift counts whole buckets between the current bucket and the bucket
// of ms. It is 0 for the live bucket and never negative.
func (c *Calendar) Shift(tf Timeframe, ms int64) (int, error) {
	nowB, err := c.Truncate(tf, c.now())
	if err != nil {
		return 0, err
	}
	b, _ := c.Truncate(tf, time.UnixMilli(ms))

	var n int64
	switch e := table[tf]; e.unit {
	case unitMonth:
		n = int64(nowB.Year()-b.Year())*12 + int64(nowB.Month()-b.Month())
	case unitDay:
		n = dayBuckets(b, nowB, e.n)
	default:
		n = (nowB.UnixMilli() - b.UnixMilli()) / e.dur.Milliseconds()
	}
	if n < 0 {
		return 0, nil
	}
	return int(n), nil
}

// dayBuckets counts n-day buckets from b up to now by wall-clock dates.
// Buckets restart on day 1 of every month, so the last one of a month
// may be short, and a DST day lasts 23 or 25 hours.
func dayBuckets(b, now time.Time, n int) int64 {
	perMonth := func(y int, m time.Month) int64 {
		days := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
		return int64((days + n - 1) / n)
	}
	index := func(t time.Time) int64 { return int64((t.Day() - 1) / n) }

	by, bm, _ := b.Date()
	ny, nm, _ := now.Date()
	if by > ny || (by == ny && bm > nm) {
		return -1
	}
	if by == ny && bm == nm {
		return index(now) - index(b)
	}
	total := perMonth(by, bm) - index(b)
	y, m := by, bm+1
	for y < ny || (y == ny && m < nm) {
		if m > time.December {
			y, m = y+1, time.January
			continue
		}
		total += perMonth(y, m)
		m++
	}
	return total + index(now)
}

// BucketStartByShift returns the bucket start shift buckets before now.
func (c *Calendar) BucketStartByShift(tf Timeframe, shift int) (int64, error) {
	return c.BucketStartByShiftAt(tf, shift, c.NowMs())
}

// BucketStartByShiftAt is BucketStart(at) - shift*DurationMs(tf).
func (c *Calendar) BucketStartByShiftAt(tf Timeframe, shift int, at int64) (int64, error) {
	b, err := c.BucketStart(tf, at)
	if err != nil {
		return 0, err
	}
	dur, _ := DurationMs(tf)
	return b - int64(shift)*dur, nil
}
