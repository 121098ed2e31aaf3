package indicator

import (
	"errors"
)

// ErrShortSeries — окна не хватает для расчёта.
var ErrShortSeries = errors.New("indicator: not enough data")

var errPeriod = errors.New("indicator: period must be positive")

// Все функции ниже принимают цены в хронологическом порядке: последний
// элемент — самый свежий бакет.

// SMA is the mean of the last period prices.
func SMA(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errPeriod
	}
	if len(prices) < period {
		return 0, ErrShortSeries
	}
	sum := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		sum += prices[i]
	}
	return sum / float64(period), nil
}

// EMA needs at least period prices. The recursion is seeded with the SMA
// of the oldest period prices and runs forward to the newest.
func EMA(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errPeriod
	}
	if len(prices) < period {
		return 0, ErrShortSeries
	}
	return ema(prices, period), nil
}

// ema seeds from the oldest min(period, len) prices. len(prices) > 0.
func ema(prices []float64, period int) float64 {
	seedLen := period
	if seedLen > len(prices) {
		seedLen = len(prices)
	}
	v := 0.0
	for _, p := range prices[:seedLen] {
		v += p
	}
	v /= float64(seedLen)

	alpha := 2 / float64(period+1)
	for _, p := range prices[seedLen:] {
		v = alpha*p + (1-alpha)*v
	}
	return v
}

// LWMA weights the newest price by period, the oldest in the window by 1.
func LWMA(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errPeriod
	}
	if len(prices) < period {
		return 0, ErrShortSeries
	}
	window := prices[len(prices)-period:]
	num, den := 0.0, 0.0
	for i, p := range window {
		w := float64(i + 1)
		num += w * p
		den += w
	}
	return num / den, nil
}

// MACDResult holds the three MACD lines at the newest bucket.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACDMinLen is the shortest series MACD accepts.
func MACDMinLen(fast, slow, signal int) int {
	return maxInt(fast, maxInt(slow, signal)) + 1
}

// MACD = EMA(fast) − EMA(slow); signal is the SMA of the last signal
// MACD values; histogram = MACD − signal.
//
// The line point j buckets back is computed on prices[:len-j]. Near the
// minimum length those windows are shorter than slow, and their slow
// EMA degrades to the SMA of the whole window.
func MACD(prices []float64, fast, slow, signal int) (MACDResult, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 {
		return MACDResult{}, errPeriod
	}
	if len(prices) < MACDMinLen(fast, slow, signal) {
		return MACDResult{}, ErrShortSeries
	}
	line := make([]float64, signal)
	for j := 0; j < signal; j++ {
		// j бакетов назад
		window := prices[:len(prices)-j]
		line[j] = ema(window, fast) - ema(window, slow)
	}
	sig := 0.0
	for _, v := range line {
		sig += v
	}
	sig /= float64(signal)
	return MACDResult{MACD: line[0], Signal: sig, Histogram: line[0] - sig}, nil
}

// TrendResult is the fast/slow EMA composite.
type TrendResult struct {
	Direction float64 // +1 вверх, -1 вниз, 0 флэт
	Strength  float64 // (emaFast − emaSlow) / emaSlow, %
	Slope     float64 // изменение emaSlow за один бакет
}

// Trend needs slow+1 prices.
func Trend(prices []float64, fast, slow int) (TrendResult, error) {
	if fast <= 0 || slow <= 0 {
		return TrendResult{}, errPeriod
	}
	if len(prices) < slow+1 || len(prices) < fast {
		return TrendResult{}, ErrShortSeries
	}
	f := ema(prices, fast)
	s := ema(prices, slow)
	prev := ema(prices[:len(prices)-1], slow)

	var r TrendResult
	switch {
	case f > s:
		r.Direction = 1
	case f < s:
		r.Direction = -1
	}
	if s != 0 {
		r.Strength = (f - s) / s * 100
	}
	r.Slope = s - prev
	return r, nil
}

// RSI is Wilder-smoothed and needs period+1 prices.
func RSI(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errPeriod
	}
	if len(prices) < period+1 {
		return 0, ErrShortSeries
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
