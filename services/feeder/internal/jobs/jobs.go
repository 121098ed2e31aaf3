// Package jobs is the keyed work queue of the pipeline: deduplicated
// enqueue through hot-store leases, pluggable transport and a bounded
// worker pool per queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

// Queue — имя очереди.
type Queue string

const (
	QueueUpdateCandles      Queue = "update-candles"
	QueueCalculateIndicator Queue = "calculate-indicator"
	QueueCollectCandles     Queue = "collect-candles"
	QueueCollectIndicators  Queue = "collect-indicators"
	QueueCollectOrders      Queue = "collect-orders"
)

// Queues lists every queue the broker knows.
func Queues() []Queue {
	return []Queue{
		QueueUpdateCandles,
		QueueCalculateIndicator,
		QueueCollectCandles,
		QueueCollectIndicators,
		QueueCollectOrders,
	}
}

// ErrDuplicate — такой же ключ уже в работе или в очереди.
var ErrDuplicate = errors.New("jobs: duplicate job")

// Payload identifies the unit of work. Zero fields are omitted.
type Payload struct {
	Exchange    string              `json:"exchange,omitempty"`
	Symbol      string              `json:"symbol,omitempty"`
	Timeframe   timeframe.Timeframe `json:"timeframe,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
	IndicatorID string              `json:"indicatorId,omitempty"`
	UserID      string              `json:"userId,omitempty"`
}

// Key is the dedup key. Limit does not take part: two fetches of the
// same series are the same work.
func (p Payload) Key() string {
	parts := []string{p.Exchange, p.Symbol, p.Timeframe.String()}
	if p.IndicatorID != "" {
		parts = append(parts, "ind="+p.IndicatorID)
	}
	if p.UserID != "" {
		parts = append(parts, "user="+p.UserID)
	}
	return strings.Join(parts, ":")
}

// CandleKey returns the series the payload refers to.
func (p Payload) CandleKey() candle.Key {
	return candle.Key{Exchange: p.Exchange, Symbol: p.Symbol, Timeframe: p.Timeframe}
}

// Options tune one enqueue. Zero Timeout means the queue default.
type Options struct {
	Timeout  time.Duration
	Priority int
}

// Job is what travels through the transport.
type Job struct {
	ID         string        `json:"id"`
	Queue      Queue         `json:"queue"`
	Payload    Payload       `json:"payload"`
	Priority   int           `json:"priority,omitempty"`
	Timeout    time.Duration `json:"timeout"`
	EnqueuedAt int64         `json:"enqueuedAt"`
}

func (j *Job) String() string {
	return fmt.Sprintf("%s[%s]#%s", j.Queue, j.Payload.Key(), j.ID)
}

// Scheduler is the enqueue side used by pipeline components.
type Scheduler interface {
	Enqueue(ctx context.Context, q Queue, p Payload, opts Options) (*Job, error)
	CountPending(ctx context.Context, q Queue, match func(Payload) bool) (int, error)
	Discard(ctx context.Context, job *Job) error
}

// Handler processes one job. Returned errors are logged; the job is
// never retried by the broker.
type Handler func(ctx context.Context, job *Job) error

// Transport moves jobs from Enqueue to the workers.
type Transport interface {
	Send(ctx context.Context, job *Job) error
	// Receive blocks, calling deliver for each job of q, until ctx ends.
	Receive(ctx context.Context, q Queue, deliver func(ctx context.Context, job *Job) error) error
	Close() error
}

// QueueConfig — лимиты одной очереди.
type QueueConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DefaultQueues returns the production concurrency and timeouts.
func DefaultQueues() map[Queue]QueueConfig {
	return map[Queue]QueueConfig{
		QueueUpdateCandles:      {Concurrency: 16, Timeout: 300 * time.Second},
		QueueCalculateIndicator: {Concurrency: 16, Timeout: 60 * time.Second},
		QueueCollectCandles:     {Concurrency: 2, Timeout: 300 * time.Second},
		QueueCollectIndicators:  {Concurrency: 2, Timeout: 300 * time.Second},
		QueueCollectOrders:      {Concurrency: 2, Timeout: 300 * time.Second},
	}
}

// ParseQueues converts config keys to typed queues, filling missing
// fields from DefaultQueues.
func ParseQueues(raw map[string]QueueConfig) (map[Queue]QueueConfig, error) {
	out := DefaultQueues()
	for name, qc := range raw {
		q := Queue(name)
		def, ok := out[q]
		if !ok {
			return nil, fmt.Errorf("jobs: unknown queue %q", name)
		}
		if qc.Concurrency <= 0 {
			qc.Concurrency = def.Concurrency
		}
		if qc.Timeout <= 0 {
			qc.Timeout = def.Timeout
		}
		out[q] = qc
	}
	return out, nil
}

func leaseKey(q Queue, p Payload) string {
	return "job:" + string(q) + ":" + p.Key()
}
