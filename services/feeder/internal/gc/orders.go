package gc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/coldstore"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/events"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/flags"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/jobs"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/orders"
)

const ordersSeries = "orders"

// OrderResult — итог одного прохода по ордерам.
type OrderResult struct {
	Users    int
	Events   int
	Archived int
	Deleted  int
}

// OrderCollector moves embedded order events to the event pipeline,
// archives every order and drops terminal ones from the hot store.
type OrderCollector struct {
	store   *orders.Store
	archive coldstore.Archiver
	sink    events.Sink
	flags   flags.Source
	log     *logger.Logger
}

func NewOrderCollector(store *orders.Store, archive coldstore.Archiver, sink events.Sink, fl flags.Source, log *logger.Logger) *OrderCollector {
	return &OrderCollector{store: store, archive: archive, sink: sink, flags: fl, log: log.Named("gc.orders")}
}

// Handle adapts Collect to the job broker. An empty UserID means all users.
func (o *OrderCollector) Handle(ctx context.Context, job *jobs.Job) error {
	_, err := o.Collect(ctx, job.Payload.UserID)
	return err
}

func (o *OrderCollector) Collect(ctx context.Context, userID string) (OrderResult, error) {
	var res OrderResult
	if !o.flags.Enabled(flags.OrdersGCEnabled) {
		return res, nil
	}
	users := []string{userID}
	if userID == "" {
		var err error
		if users, err = o.store.Users(ctx); err != nil {
			return res, fmt.Errorf("gc: %w", err)
		}
	}
	for _, u := range users {
		if err := o.collectUser(ctx, u, &res); err != nil {
			return res, err
		}
		res.Users++
	}
	if res.Archived > 0 {
		o.log.WithContext(ctx).Info("orders collected",
			zap.Int("users", res.Users), zap.Int("events", res.Events),
			zap.Int("archived", res.Archived), zap.Int("deleted", res.Deleted))
	}
	return res, nil
}

func (o *OrderCollector) collectUser(ctx context.Context, userID string, res *OrderResult) error {
	list, err := o.store.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	if len(list) == 0 {
		return nil
	}

	var migrated []orders.Order
	for i := range list {
		if len(list[i].Events) == 0 {
			continue
		}
		if err := o.sink.OrderEvents(ctx, list[i], list[i].Events); err != nil {
			return fmt.Errorf("gc: order %s events: %w", list[i].ID, err)
		}
		res.Events += len(list[i].Events)
		list[i].Events = nil
		migrated = append(migrated, list[i])
	}
	if len(migrated) > 0 {
		if err := o.store.Put(ctx, migrated...); err != nil {
			return fmt.Errorf("gc: %w", err)
		}
	}

	if err := o.archive.ArchiveOrders(ctx, list); err != nil {
		return fmt.Errorf("gc: archive orders of %s: %w", userID, err)
	}
	res.Archived += len(list)
	metrics.GCMigrated.WithLabelValues(ordersSeries).Add(float64(len(list)))

	var terminal []string
	for _, ord := range list {
		if ord.Status.Terminal() {
			terminal = append(terminal, ord.ID)
		}
	}
	if err := o.store.Delete(ctx, userID, terminal...); err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	res.Deleted += len(terminal)
	metrics.GCDeleted.WithLabelValues(ordersSeries).Add(float64(len(terminal)))
	return nil
}
