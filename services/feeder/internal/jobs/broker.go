package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/common/safe"
	"github.com/YaganovValera/candle-feeder/common/telemetry"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

var tracer = telemetry.Tracer("jobs")

// Broker implements Scheduler and runs the worker pools.
type Broker struct {
	hot       hotstore.Storage
	transport Transport
	queues    map[Queue]QueueConfig
	handlers  map[Queue]Handler
	log       *logger.Logger
	now       func() time.Time
}

// NewBroker wires a broker. queues == nil means DefaultQueues.
func NewBroker(hot hotstore.Storage, tr Transport, queues map[Queue]QueueConfig, log *logger.Logger) *Broker {
	if queues == nil {
		queues = DefaultQueues()
	}
	return &Broker{
		hot:       hot,
		transport: tr,
		queues:    queues,
		handlers:  make(map[Queue]Handler),
		log:       log.Named("jobs"),
		now:       time.Now,
	}
}

// Handle registers h for q. Must be called before Run.
func (b *Broker) Handle(q Queue, h Handler) {
	b.handlers[q] = h
}

// Enqueue takes the per-key lease and hands the job to the transport.
// A live lease for the same key yields ErrDuplicate.
func (b *Broker) Enqueue(ctx context.Context, q Queue, p Payload, opts Options) (*Job, error) {
	qc, ok := b.queues[q]
	if !ok {
		return nil, fmt.Errorf("jobs: unknown queue %q", q)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = qc.Timeout
	}
	job := &Job{
		ID:         uuid.NewString(),
		Queue:      q,
		Payload:    p,
		Priority:   opts.Priority,
		Timeout:    timeout,
		EnqueuedAt: b.now().UnixMilli(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode %s: %w", job, err)
	}

	got, err := b.hot.SetNX(ctx, leaseKey(q, p), raw, timeout)
	if err != nil {
		metrics.JobsEnqueued.WithLabelValues(string(q), "error").Inc()
		return nil, fmt.Errorf("jobs: lease %s: %w", job, err)
	}
	if !got {
		metrics.JobsEnqueued.WithLabelValues(string(q), "duplicate").Inc()
		return nil, ErrDuplicate
	}

	if err := b.transport.Send(ctx, job); err != nil {
		metrics.JobsEnqueued.WithLabelValues(string(q), "error").Inc()
		_, _ = b.hot.CompareAndDelete(ctx, leaseKey(q, p), raw)
		return nil, fmt.Errorf("jobs: send %s: %w", job, err)
	}
	metrics.JobsEnqueued.WithLabelValues(string(q), "ok").Inc()
	return job, nil
}

// CountPending counts live leases of q whose payload matches.
// nil match counts all of them.
func (b *Broker) CountPending(ctx context.Context, q Queue, match func(Payload) bool) (int, error) {
	keys, err := b.hot.Scan(ctx, "job:"+string(q)+":*")
	if err != nil {
		return 0, fmt.Errorf("jobs: scan %s: %w", q, err)
	}
	n := 0
	for _, k := range keys {
		raw, err := b.hot.Get(ctx, k)
		if errors.Is(err, hotstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("jobs: read lease %s: %w", k, err)
		}
		var j Job
		if err := json.Unmarshal(raw, &j); err != nil {
			continue
		}
		if match == nil || match(j.Payload) {
			n++
		}
	}
	return n, nil
}

// Discard releases the job's lease if it still belongs to this job.
func (b *Broker) Discard(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode %s: %w", job, err)
	}
	if _, err := b.hot.CompareAndDelete(ctx, leaseKey(job.Queue, job.Payload), raw); err != nil {
		return fmt.Errorf("jobs: discard %s: %w", job, err)
	}
	return nil
}

// Run starts a receiver and a worker pool for every queue with a
// handler and blocks until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	g := safe.New(ctx, b.log)
	for q, h := range b.handlers {
		q, h := q, h
		qc := b.queues[q]
		if qc.Concurrency <= 0 {
			qc.Concurrency = 1
		}
		work := make(chan *Job)

		g.Go(func(ctx context.Context) error {
			defer close(work)
			err := b.transport.Receive(ctx, q, func(ctx context.Context, job *Job) error {
				select {
				case work <- job:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
		for i := 0; i < qc.Concurrency; i++ {
			g.Go(func(ctx context.Context) error {
				for job := range work {
					b.execute(ctx, h, job)
				}
				return nil
			})
		}
		b.log.Info("queue started", zap.String("queue", string(q)), zap.Int("concurrency", qc.Concurrency))
	}
	<-g.Context().Done()
	return g.Wait()
}

// execute runs one job under its timeout. Errors and panics stop here.
func (b *Broker) execute(ctx context.Context, h Handler, job *Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = b.queues[job.Queue].Timeout
	}
	jctx, cancel := context.WithTimeout(logger.ContextWithJobID(ctx, job.ID), timeout)
	defer cancel()
	jctx, span := tracer.Start(jctx, "Job."+string(job.Queue), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.key", job.Payload.Key()),
	))
	defer span.End()

	// поля задачи попадают во все логи хендлера через WithContext
	jctx = logger.ContextWithFields(jctx,
		zap.String("queue", string(job.Queue)),
		zap.String("exchange", job.Payload.Exchange),
		zap.String("symbol", job.Payload.Symbol),
		zap.String("timeframe", job.Payload.Timeframe.String()),
	)
	log := b.log.WithContext(jctx)

	start := b.now()
	err := safe.Call(func() error { return h(jctx, job) })
	metrics.JobDuration.WithLabelValues(string(job.Queue)).Observe(time.Since(start).Seconds())

	var pe *safe.PanicError
	switch {
	case err == nil:
		metrics.JobsProcessed.WithLabelValues(string(job.Queue), "ok").Inc()
	case errors.As(err, &pe):
		metrics.JobsProcessed.WithLabelValues(string(job.Queue), "panic").Inc()
		telemetry.Fail(span, err, "panic")
		log.Error("job panicked", zap.Any("panic", pe.Value), zap.ByteString("stack", pe.Stack))
	default:
		metrics.JobsProcessed.WithLabelValues(string(job.Queue), "error").Inc()
		telemetry.Fail(span, err, "")
		log.Error("job failed", zap.Error(err))
	}

	// лиза снимается всегда, даже если jctx уже истёк
	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer dcancel()
	if err := b.Discard(dctx, job); err != nil {
		log.Warn("lease release failed", zap.Error(err))
	}
}
