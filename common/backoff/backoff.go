// common/backoff/backoff.go
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
)

var serviceLabel = "unknown"

// SetServiceLabel вызывается один раз из common.InitServiceName.
func SetServiceLabel(name string) { serviceLabel = name }

var (
	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backoff", Name: "operations_total",
		Help: "Retried operations by op and outcome (ok, permanent, exhausted)",
	}, []string{"service", "op", "outcome"})
	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backoff", Name: "retries_total",
		Help: "Retry attempts by op",
	}, []string{"service", "op"})
	delays = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "backoff", Name: "delay_seconds",
		Help:    "Sleep before each retry",
		Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
	}, []string{"service", "op"})
)

// Config — экспоненциальный backoff. Нулевые поля берут дефолты.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`     // 1s
	RandomizationFactor float64       `mapstructure:"randomization_factor"` // 0.5, ±jitter
	Multiplier          float64       `mapstructure:"multiplier"`           // 2
	MaxInterval         time.Duration `mapstructure:"max_interval"`         // 30s
	// MaxElapsedTime ограничивает все попытки вместе; 0 — без лимита.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`
	// MaxRetries — повторов после первой попытки; 0 — без лимита.
	MaxRetries uint64 `mapstructure:"max_retries"`
	// PerAttemptTimeout — таймаут одного вызова fn; 0 — нет.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c Config) withDefaults() (Config, error) {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor == 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		return c, fmt.Errorf("backoff: randomization_factor must be in [0,1], got %v", c.RandomizationFactor)
	}
	if c.Multiplier < 1 {
		return c, fmt.Errorf("backoff: multiplier must be >= 1, got %v", c.Multiplier)
	}
	return c, nil
}

func (c Config) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.InitialInterval),
		backoff.WithRandomizationFactor(c.RandomizationFactor),
		backoff.WithMultiplier(c.Multiplier),
		backoff.WithMaxInterval(c.MaxInterval),
		backoff.WithMaxElapsedTime(c.MaxElapsedTime),
	)
	var b backoff.BackOff = exp
	if c.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// RetryableFunc — единица работы, которую можно повторить.
type RetryableFunc func(ctx context.Context) error

// ErrMaxRetries — fn так и не прошла; Err — последняя ошибка.
type ErrMaxRetries struct {
	Op       string
	Err      error
	Attempts int
}

func (e *ErrMaxRetries) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("backoff %s: %d attempt(s) failed: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("backoff: %d attempt(s) failed: %v", e.Attempts, e.Err)
}

func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неретраибельную; Retry вернёт её как есть.
func Permanent(err error) error { return backoff.Permanent(err) }

// IsPermanent reports whether err was produced by Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Execute — Retry без имени операции.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	return Retry(ctx, "", cfg, log, fn)
}

// Retry выполняет fn по политике cfg. op попадает в метрики и логи.
// Permanent-ошибка останавливает цикл сразу и возвращается без обёртки
// ErrMaxRetries.
func Retry(ctx context.Context, op string, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	label := op
	if label == "" {
		label = "unnamed"
	}

	var (
		attempts  int
		permanent bool
	)
	attempt := func() error {
		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.PerAttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		}
		err := fn(actx)
		cancel()
		permanent = IsPermanent(err)
		return err
	}
	notify := func(err error, d time.Duration) {
		retries.WithLabelValues(serviceLabel, label).Inc()
		delays.WithLabelValues(serviceLabel, label).Observe(d.Seconds())
		log.Warn("retrying", zap.String("op", label), zap.Int("attempt", attempts), zap.Duration("delay", d), zap.Error(err))
	}

	err = backoff.RetryNotify(attempt, cfg.policy(ctx), notify)
	switch {
	case err == nil:
		outcomes.WithLabelValues(serviceLabel, label, "ok").Inc()
		return nil
	case permanent:
		outcomes.WithLabelValues(serviceLabel, label, "permanent").Inc()
		return err
	default:
		outcomes.WithLabelValues(serviceLabel, label, "exhausted").Inc()
		log.Debug("giving up", zap.String("op", label), zap.Int("attempts", attempts), zap.Error(err))
		return &ErrMaxRetries{Op: op, Err: err, Attempts: attempts}
	}
}

// Pauser выдаёт растущие паузы между переподключениями долгоживущих
// сессий. Reset после удачной сессии возвращает к InitialInterval.
type Pauser struct {
	b backoff.BackOff
}

// NewPauser ignores MaxRetries and MaxElapsedTime: pauses never run out.
func NewPauser(cfg Config) (*Pauser, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	cfg.MaxRetries, cfg.MaxElapsedTime = 0, 0
	return &Pauser{b: cfg.policy(context.Background())}, nil
}

// Next returns the next pause.
func (p *Pauser) Next() time.Duration { return p.b.NextBackOff() }

func (p *Pauser) Reset() { p.b.Reset() }

// Wait sleeps for Next() or until ctx is done.
func (p *Pauser) Wait(ctx context.Context) error {
	t := time.NewTimer(p.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
