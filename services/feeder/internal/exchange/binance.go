package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/common/telemetry"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

var (
	requestMetrics = struct {
		Requests *prometheus.CounterVec
		Latency  *prometheus.HistogramVec
	}{
		Requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feeder", Subsystem: "exchange", Name: "requests_total",
			Help: "Exchange REST requests by endpoint and HTTP status",
		}, []string{"exchange", "endpoint", "code"}),
		Latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feeder", Subsystem: "exchange", Name: "request_latency_seconds",
			Help:    "Exchange REST latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange", "endpoint"}),
	}
	tracer = telemetry.Tracer("exchange")
)

// BinanceConfig — параметры Binance-совместимого REST API.
type BinanceConfig struct {
	ID         string        `mapstructure:"id"`
	BaseURL    string        `mapstructure:"base_url"`
	RPS        float64       `mapstructure:"rps"`
	Burst      int           `mapstructure:"burst"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Timeframes []string      `mapstructure:"timeframes"`
}

func (c *BinanceConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "binance"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.binance.com"
	}
	if c.RPS <= 0 {
		c.RPS = 10
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

// Binance implements Connector over /api/v3/klines and /api/v3/exchangeInfo.
type Binance struct {
	id      string
	baseURL string
	tfs     []timeframe.Timeframe
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

// NewBinance builds a connector. Unknown entries in cfg.Timeframes are an error.
func NewBinance(cfg BinanceConfig, log *logger.Logger) (*Binance, error) {
	cfg.applyDefaults()
	tfs := timeframe.All()
	if len(cfg.Timeframes) > 0 {
		parsed, err := timeframe.ParseList(cfg.Timeframes)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: %w", cfg.ID, err)
		}
		tfs = parsed
	}
	return &Binance{
		id:      cfg.ID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tfs:     tfs,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		log:     log.Named("exchange").With(zap.String("exchange", cfg.ID)),
	}, nil
}

func (b *Binance) ID() string                        { return b.id }
func (b *Binance) Timeframes() []timeframe.Timeframe { return b.tfs }

// FetchCandles returns up to limit rows starting at since (ms).
func (b *Binance) FetchCandles(ctx context.Context, marketID string, tf timeframe.Timeframe, since int64, limit int) ([]OHLCV, error) {
	q := url.Values{}
	q.Set("symbol", marketID)
	q.Set("interval", tf.String())
	if since > 0 {
		q.Set("startTime", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := b.get(ctx, "/api/v3/klines", q)
	if err != nil {
		return nil, err
	}
	return parseKlines(body)
}

// FetchMarkets loads every listed pair with its price precision.
func (b *Binance) FetchMarkets(ctx context.Context) ([]MarketMeta, error) {
	body, err := b.get(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	return parseExchangeInfo(body)
}

func (b *Binance) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Exchange.GET", trace.WithAttributes(
		attribute.String("exchange", b.id),
		attribute.String("endpoint", endpoint),
	))
	defer span.End()

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := b.baseURL + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange %s: build request: %w", b.id, err)
	}

	start := time.Now()
	resp, err := b.http.Do(req)
	requestMetrics.Latency.WithLabelValues(b.id, endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		requestMetrics.Requests.WithLabelValues(b.id, endpoint, "error").Inc()
		telemetry.Fail(span, err, "transport")
		return nil, fmt.Errorf("exchange %s: %s: %w", b.id, endpoint, err)
	}
	defer resp.Body.Close()
	requestMetrics.Requests.WithLabelValues(b.id, endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange %s: %s: read body: %w", b.id, endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		b.log.Warn("rate limited", zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode))
		telemetry.Fail(span, ErrRateLimited, "")
		return nil, fmt.Errorf("exchange %s: %s: %w", b.id, endpoint, ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		msg := gjson.GetBytes(body, "msg").String()
		telemetry.Fail(span, errors.New(msg), resp.Status)
		return nil, fmt.Errorf("exchange %s: %s: status %d: %s", b.id, endpoint, resp.StatusCode, msg)
	}
	return body, nil
}

// parseKlines: [[openTime,"open","high","low","close","volume",closeTime,...], ...]
func parseKlines(body []byte) ([]OHLCV, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("exchange: klines: invalid json")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("exchange: klines: expected array, got %s", root.Type)
	}
	rows := root.Array()
	out := make([]OHLCV, 0, len(rows))
	for _, r := range rows {
		cols := r.Array()
		if len(cols) < 6 {
			continue
		}
		var row OHLCV
		for i := 0; i < 6; i++ {
			row[i] = cols[i].Float()
		}
		out = append(out, row)
	}
	return out, nil
}

func parseExchangeInfo(body []byte) ([]MarketMeta, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("exchange: exchangeInfo: invalid json")
	}
	symbols := gjson.GetBytes(body, "symbols")
	if !symbols.IsArray() {
		return nil, fmt.Errorf("exchange: exchangeInfo: no symbols")
	}
	var out []MarketMeta
	symbols.ForEach(func(_, s gjson.Result) bool {
		base, quote := s.Get("baseAsset").String(), s.Get("quoteAsset").String()
		out = append(out, MarketMeta{
			ID:             s.Get("symbol").String(),
			Symbol:         base + "/" + quote,
			Base:           base,
			Quote:          quote,
			Active:         s.Get("status").String() == "TRADING",
			PricePrecision: tickPrecision(s.Get(`filters.#(filterType=="PRICE_FILTER").tickSize`).String()),
		})
		return true
	})
	return out, nil
}

// tickPrecision: "0.01000000" → 2, "1.00000000" → 0. Пустой tickSize → -1.
func tickPrecision(tick string) int {
	if tick == "" {
		return -1
	}
	dot := strings.IndexByte(tick, '.')
	if dot < 0 {
		return 0
	}
	frac := strings.TrimRight(tick[dot+1:], "0")
	return len(frac)
}
