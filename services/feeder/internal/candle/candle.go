// Package candle defines the OHLCV record, the indicator value record
// and the series key shared by every stored time series.
package candle

import (
	"fmt"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

// Candle — OHLCV свеча одного бакета.
//
// Finished трёхзначный: true — бакет закрыт и неизменяем, nil — ещё
// формируется или статус неизвестен, false — склеенная свеча заведомо
// неполная.
type Candle struct {
	Time      int64   `json:"time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	UpdatedAt int64   `json:"updatedAt"`
	Finished  *bool   `json:"finished,omitempty"`
}

// BucketTime implements series.Record.
func (c Candle) BucketTime() int64 { return c.Time }

// IsFinished reports Finished == true.
func (c Candle) IsFinished() bool { return c.Finished != nil && *c.Finished }

// Flag returns a pointer to v for the Finished field.
func Flag(v bool) *bool { return &v }

// FromOHLCV builds a candle from the exchange 6-tuple.
func FromOHLCV(row [6]float64) Candle {
	return Candle{
		Time:   int64(row[0]),
		Open:   row[1],
		High:   row[2],
		Low:    row[3],
		Close:  row[4],
		Volume: row[5],
	}
}

// Key identifies one (exchange, symbol, timeframe) series.
type Key struct {
	Exchange  string              `json:"exchange"`
	Symbol    string              `json:"symbol"`
	Timeframe timeframe.Timeframe `json:"timeframe"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Symbol, k.Timeframe)
}

// WithTimeframe returns a copy of k for another timeframe.
func (k Key) WithTimeframe(tf timeframe.Timeframe) Key {
	k.Timeframe = tf
	return k
}
