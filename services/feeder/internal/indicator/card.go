package indicator

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
)

// ErrUnknownCard — карточки нет в каталоге либо она архивная/удалённая.
var ErrUnknownCard = errors.New("indicator: unknown card")

// Kind — алгоритм карточки.
type Kind string

const (
	KindSMA   Kind = "SMA"
	KindEMA   Kind = "EMA"
	KindLWMA  Kind = "LWMA"
	KindMACD  Kind = "MACD"
	KindTrend Kind = "TREND"
	KindRSI   Kind = "RSI"
)

// Params covers every supported algorithm; unused fields stay zero.
type Params struct {
	Period int          `yaml:"period,omitempty" json:"period,omitempty"`
	Fast   int          `yaml:"fast,omitempty" json:"fast,omitempty"`
	Slow   int          `yaml:"slow,omitempty" json:"slow,omitempty"`
	Signal int          `yaml:"signal,omitempty" json:"signal,omitempty"`
	Price  AppliedPrice `yaml:"price,omitempty" json:"price,omitempty"`
}

// Card is one configured indicator.
type Card struct {
	ID         string `yaml:"id" json:"id"`
	Name       Kind   `yaml:"name" json:"name"`
	Params     Params `yaml:"params" json:"params"`
	IsArchived bool   `yaml:"archived" json:"isArchived"`
	IsDeleted  bool   `yaml:"deleted" json:"isDeleted"`
}

// Active reports whether the card takes part in calculation.
func (c Card) Active() bool { return !c.IsArchived && !c.IsDeleted }

// MinLen is the shortest window the card can be computed on.
func (c Card) MinLen() int {
	p := c.Params
	switch c.Name {
	case KindMACD:
		return MACDMinLen(p.Fast, p.Slow, p.Signal)
	case KindTrend:
		return maxInt(p.Slow+1, p.Fast)
	case KindRSI:
		return p.Period + 1
	default:
		return p.Period
	}
}

// priceKeys lists outputs denominated in quote currency.
func (c Card) priceKeys() map[string]bool {
	switch c.Name {
	case KindRSI:
		return nil
	case KindTrend:
		return map[string]bool{"slope": true}
	case KindMACD:
		return map[string]bool{"macd": true, "signal": true, "histogram": true}
	default:
		return map[string]bool{candle.ScalarKey: true}
	}
}

func (c Card) validate() error {
	if c.ID == "" {
		return fmt.Errorf("indicator: card without id")
	}
	if !c.Params.Price.Valid() {
		return fmt.Errorf("indicator: card %s: unknown applied price %q", c.ID, c.Params.Price)
	}
	p := c.Params
	switch c.Name {
	case KindSMA, KindEMA, KindLWMA, KindRSI:
		if p.Period <= 0 {
			return fmt.Errorf("indicator: card %s: period must be positive", c.ID)
		}
	case KindMACD:
		if p.Fast <= 0 || p.Slow <= 0 || p.Signal <= 0 {
			return fmt.Errorf("indicator: card %s: fast/slow/signal must be positive", c.ID)
		}
	case KindTrend:
		if p.Fast <= 0 || p.Slow <= 0 {
			return fmt.Errorf("indicator: card %s: fast/slow must be positive", c.ID)
		}
	default:
		return fmt.Errorf("indicator: card %s: unknown algorithm %q", c.ID, c.Name)
	}
	return nil
}

// Compute evaluates the card on a newest-first window. ok is false when
// the window is shorter than MinLen.
func (c Card) Compute(window []candle.Candle) (candle.Output, bool, error) {
	if len(window) < c.MinLen() {
		return nil, false, nil
	}
	prices := c.Params.Price.series(window)
	p := c.Params

	var (
		v   float64
		err error
	)
	switch c.Name {
	case KindSMA:
		v, err = SMA(prices, p.Period)
	case KindEMA:
		v, err = EMA(prices, p.Period)
	case KindLWMA:
		v, err = LWMA(prices, p.Period)
	case KindRSI:
		v, err = RSI(prices, p.Period)
	case KindMACD:
		m, err := MACD(prices, p.Fast, p.Slow, p.Signal)
		if err != nil {
			return nil, false, err
		}
		return candle.Output{"macd": m.MACD, "signal": m.Signal, "histogram": m.Histogram}, true, nil
	case KindTrend:
		t, err := Trend(prices, p.Fast, p.Slow)
		if err != nil {
			return nil, false, err
		}
		return candle.Output{"direction": t.Direction, "strength": t.Strength, "slope": t.Slope}, true, nil
	default:
		return nil, false, fmt.Errorf("indicator: unknown algorithm %q", c.Name)
	}
	if err != nil {
		return nil, false, err
	}
	return candle.Output{candle.ScalarKey: v}, true, nil
}

// Catalog is the set of configured cards, archived ones included.
type Catalog struct {
	cards map[string]Card
}

type catalogFile struct {
	Indicators []Card `yaml:"indicators"`
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("indicator: parse catalog: %w", err)
	}
	return NewCatalog(f.Indicators...)
}

// LoadCatalog reads a YAML catalog from disk. Empty path gives DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("indicator: read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func NewCatalog(cards ...Card) (*Catalog, error) {
	c := &Catalog{cards: make(map[string]Card, len(cards))}
	for _, card := range cards {
		if err := card.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.cards[card.ID]; dup {
			return nil, fmt.Errorf("indicator: duplicate card id %q", card.ID)
		}
		c.cards[card.ID] = card
	}
	return c, nil
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(
		Card{ID: "sma-20", Name: KindSMA, Params: Params{Period: 20, Price: PriceClose}},
		Card{ID: "ema-50", Name: KindEMA, Params: Params{Period: 50, Price: PriceClose}},
		Card{ID: "lwma-20", Name: KindLWMA, Params: Params{Period: 20, Price: PriceTypical}},
		Card{ID: "macd-12-26-9", Name: KindMACD, Params: Params{Fast: 12, Slow: 26, Signal: 9, Price: PriceClose}},
		Card{ID: "trend-20-50", Name: KindTrend, Params: Params{Fast: 20, Slow: 50, Price: PriceClose}},
		Card{ID: "rsi-14", Name: KindRSI, Params: Params{Period: 14, Price: PriceClose}},
	)
	return c
}

// Get looks a card up by id, archived and deleted ones included.
func (c *Catalog) Get(id string) (Card, bool) {
	card, ok := c.cards[id]
	return card, ok
}

// Active lists cards that take part in calculation, sorted by id.
func (c *Catalog) Active() []Card {
	out := make([]Card, 0, len(c.cards))
	for _, card := range c.cards {
		if card.Active() {
			out = append(out, card)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
