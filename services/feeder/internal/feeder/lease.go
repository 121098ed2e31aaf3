package feeder

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

const (
	LeaseFeeder       = "main-feeder"
	LeaseOrderManager = "main-order-manager"

	DefaultLeaseTTL = 60 * time.Second
)

// Lease is a named leader lock in the hot store. The value is this
// instance id, so only the holder can renew or release it.
type Lease struct {
	hot  hotstore.Storage
	name string
	id   []byte
	ttl  time.Duration
	held atomic.Bool
	log  *logger.Logger
}

// NewLease — ttl <= 0 means DefaultLeaseTTL.
func NewLease(hot hotstore.Storage, name string, ttl time.Duration, log *logger.Logger) *Lease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Lease{
		hot:  hot,
		name: name,
		id:   []byte(uuid.NewString()),
		ttl:  ttl,
		log:  log.Named("lease").With(zap.String("lease", name)),
	}
}

func (l *Lease) Name() string { return l.name }
func (l *Lease) ID() string   { return string(l.id) }
func (l *Lease) Held() bool   { return l.held.Load() }

func (l *Lease) key() string { return "leader:" + l.name }

// TryAcquire renews a held lease or takes a free one.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	var (
		ok  bool
		err error
	)
	if l.held.Load() {
		ok, err = l.hot.CompareAndExpire(ctx, l.key(), l.id, l.ttl)
	}
	if !ok && err == nil {
		ok, err = l.hot.SetNX(ctx, l.key(), l.id, l.ttl)
	}
	if err != nil {
		l.set(false)
		return false, err
	}
	l.set(ok)
	return ok, nil
}

func (l *Lease) set(held bool) {
	if prev := l.held.Swap(held); prev != held {
		if held {
			l.log.Info("lease acquired", zap.String("instance", l.ID()))
		} else {
			l.log.Info("lease lost", zap.String("instance", l.ID()))
		}
	}
	v := 0.0
	if held {
		v = 1
	}
	metrics.Leader.WithLabelValues(l.name).Set(v)
}

// Run keeps the lease renewed every ttl/3 and releases it on exit.
func (l *Lease) Run(ctx context.Context) error {
	tick := time.NewTicker(l.ttl / 3)
	defer tick.Stop()
	for {
		if _, err := l.TryAcquire(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Warn("lease renew failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			l.Release(context.WithoutCancel(ctx))
			return nil
		case <-tick.C:
		}
	}
}

// Release drops the lease if this instance holds it.
func (l *Lease) Release(ctx context.Context) {
	if !l.held.Load() {
		return
	}
	if _, err := l.hot.CompareAndDelete(ctx, l.key(), l.id); err != nil {
		l.log.Warn("lease release failed", zap.Error(err))
	}
	l.set(false)
}
