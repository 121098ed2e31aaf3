package indicator

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
)

// AppliedPrice selects which OHLC combination an indicator reads.
type AppliedPrice string

const (
	PriceClose        AppliedPrice = "close"
	PriceOpen         AppliedPrice = "open"
	PriceHigh         AppliedPrice = "high"
	PriceLow          AppliedPrice = "low"
	PriceMedian       AppliedPrice = "median"        // (h+l)/2
	PriceTypical      AppliedPrice = "typical"       // (h+l+c)/3
	PriceWeighted     AppliedPrice = "weighted"      // (h+l+2c)/4
	PriceFullWeighted AppliedPrice = "full-weighted" // (o+h+l+c)/4
)

// Valid reports whether p is one of the eight prices. Empty means close.
func (p AppliedPrice) Valid() bool {
	switch p {
	case "", PriceClose, PriceOpen, PriceHigh, PriceLow,
		PriceMedian, PriceTypical, PriceWeighted, PriceFullWeighted:
		return true
	}
	return false
}

// Of returns the applied price of one candle.
func (p AppliedPrice) Of(c candle.Candle) float64 {
	switch p {
	case PriceOpen:
		return c.Open
	case PriceHigh:
		return c.High
	case PriceLow:
		return c.Low
	case PriceMedian:
		return (c.High + c.Low) / 2
	case PriceTypical:
		return (c.High + c.Low + c.Close) / 3
	case PriceWeighted:
		return (c.High + c.Low + 2*c.Close) / 4
	case PriceFullWeighted:
		return (c.Open + c.High + c.Low + c.Close) / 4
	default:
		return c.Close
	}
}

// series turns a newest-first window into chronological prices.
func (p AppliedPrice) series(newestFirst []candle.Candle) []float64 {
	out := make([]float64, len(newestFirst))
	for i, c := range newestFirst {
		out[len(out)-1-i] = p.Of(c)
	}
	return out
}

// UnmarshalYAML accepts prices in any case ("Typical", "CLOSE").
func (p *AppliedPrice) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	v, err := parsePrice(raw)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func parsePrice(s string) (AppliedPrice, error) {
	p := AppliedPrice(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("indicator: unknown applied price %q", s)
	}
	return p, nil
}
