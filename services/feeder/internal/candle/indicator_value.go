package candle

// Output is one card's result at one bucket. Scalar indicators use the
// "value" key; composite ones (MACD, TREND) use several.
type Output map[string]float64

// ScalarKey is the Output key of single-value indicators.
const ScalarKey = "value"

// IndicatorValue — все карточки индикаторов на одном бакете.
type IndicatorValue struct {
	Time     int64             `json:"time"`
	Update   int64             `json:"update"`
	Finished *bool             `json:"finished,omitempty"`
	Values   map[string]Output `json:"values"`
}

// BucketTime implements series.Record.
func (v IndicatorValue) BucketTime() int64 { return v.Time }

// IsFinished reports Finished == true.
func (v IndicatorValue) IsFinished() bool { return v.Finished != nil && *v.Finished }

// Has reports whether every id has a stored output.
func (v IndicatorValue) Has(ids ...string) bool {
	for _, id := range ids {
		if _, ok := v.Values[id]; !ok {
			return false
		}
	}
	return true
}
