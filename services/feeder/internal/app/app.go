// services/feeder/internal/app/app.go
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/candle-feeder/common"
	httpserver "github.com/YaganovValera/candle-feeder/common/httpserver"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/common/telemetry"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/config"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/metrics"
)

// Run wires up and runs the feeder service until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// -------------------------------------------------------------------------
	// 0) service-label и метрики
	// -------------------------------------------------------------------------
	common.InitServiceName(cfg.ServiceName)
	metrics.Register(nil)

	// -------------------------------------------------------------------------
	// 1) OpenTelemetry
	// -------------------------------------------------------------------------
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Insecure:       cfg.Telemetry.Insecure,
		SamplerRatio:   cfg.Telemetry.SamplerRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	// -------------------------------------------------------------------------
	// 2) Зависимости и конвейер
	// -------------------------------------------------------------------------
	c, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	// -------------------------------------------------------------------------
	// 3) HTTP: /metrics, /healthz, /readyz
	// -------------------------------------------------------------------------
	httpSrv, err := httpserver.New(
		httpserver.Config{
			Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
			ReadTimeout:     cfg.HTTP.ReadTimeout,
			WriteTimeout:    cfg.HTTP.WriteTimeout,
			IdleTimeout:     cfg.HTTP.IdleTimeout,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
			CheckTimeout:    cfg.HTTP.CheckTimeout,
			MetricsPath:     cfg.HTTP.MetricsPath,
			HealthzPath:     cfg.HTTP.HealthzPath,
			ReadyzPath:      cfg.HTTP.ReadyzPath,
		},
		log,
		c.Checks()...,
	)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	log.Info("feeder: components initialized, entering run-loop")

	// -------------------------------------------------------------------------
	// 4) Concurrent loops
	// -------------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return httpSrv.Start(gctx) })
	g.Go(func() error { return c.Broker.Run(gctx) })
	g.Go(func() error { return c.Feeder.Run(gctx) })
	for _, s := range c.Streams {
		g.Go(func() error { return s.Run(gctx) })
	}

	// -------------------------------------------------------------------------
	// 5) Wait & graceful shutdown
	// -------------------------------------------------------------------------
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithContext(ctx).Error("runtime error", zap.Error(err))
		return err
	}
	log.Info("feeder shutdown complete")
	return nil
}
