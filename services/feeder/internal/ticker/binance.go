package ticker

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// BinanceDecoder reads the all-market mini/full ticker arrays
// (!ticker@arr, !miniTicker@arr), raw or combined-stream wrapped.
type BinanceDecoder struct {
	exchange string
	streams  []string
}

// NewBinanceDecoder subscribes to streams; empty means none (the stream
// is then selected by the URL path).
func NewBinanceDecoder(exchange string, streams ...string) *BinanceDecoder {
	return &BinanceDecoder{exchange: exchange, streams: streams}
}

func (d *BinanceDecoder) Subscribe() []byte {
	if len(d.streams) == 0 {
		return nil
	}
	params := ""
	for i, s := range d.streams {
		if i > 0 {
			params += ","
		}
		params += fmt.Sprintf("%q", s)
	}
	return []byte(`{"method":"SUBSCRIBE","params":[` + params + `],"id":1}`)
}

func (d *BinanceDecoder) ParseMessage(raw []byte) ([]Ticker, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("ticker: binance: invalid json")
	}
	doc := gjson.ParseBytes(raw)
	if data := doc.Get("data"); data.Exists() {
		doc = data
	}
	var rows []gjson.Result
	switch {
	case doc.IsArray():
		rows = doc.Array()
	case doc.Get("e").Exists():
		rows = []gjson.Result{doc}
	default:
		// ответ на SUBSCRIBE и прочие служебные кадры
		return nil, nil
	}

	out := make([]Ticker, 0, len(rows))
	for _, r := range rows {
		ev := r.Get("e").String()
		if ev != "24hrTicker" && ev != "24hrMiniTicker" {
			continue
		}
		sym := r.Get("s").String()
		if sym == "" {
			continue
		}
		out = append(out, Ticker{
			Exchange:    d.exchange,
			MarketID:    sym,
			Last:        r.Get("c").Float(),
			QuoteVolume: r.Get("q").Float(),
			Time:        r.Get("E").Int(),
		})
	}
	return out, nil
}
