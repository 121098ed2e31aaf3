// services/feeder/cmd/feeder/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/app"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/coldstore/timescaledb"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/config"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/fetcher"
	"github.com/YaganovValera/candle-feeder/services/feeder/internal/timeframe"
)

var (
	cfgFile     string
	envFile     string
	printConfig bool
	logLevel    string
)

func main() {
	root := &cobra.Command{
		Use:           "feeder",
		Short:         "Candle feeder: exchange OHLCV ingest, indicators and hot-store GC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	globalFlags(root.PersistentFlags())

	root.AddCommand(runCmd(), migrateCmd(), sweepCmd(), fetchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "feeder: %v\n", err)
		os.Exit(1)
	}
}

func globalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfgFile, "config", "config/feeder.yaml", "path to config file")
	fs.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")
	fs.BoolVar(&printConfig, "print-config", false, "print the resolved config")
	fs.StringVar(&logLevel, "log-level", "", "override logging.level")
	fs.SortFlags = false
}

// setup загружает .env, конфиг и логгер.
func setup() (*config.Config, *logger.Logger, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("env file %q: %w", envFile, err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	if printConfig {
		cfg.Print(os.Stdout)
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, DevMode: cfg.Logging.DevMode})
	if err != nil {
		return nil, nil, fmt.Errorf("logger init error: %w", err)
	}
	if logLevel != "" {
		if err := log.SetLevel(logLevel); err != nil {
			return nil, nil, err
		}
	}
	common.InitServiceName(cfg.ServiceName)
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run workers, scheduler and HTTP probes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			log.Sugar().Infow("starting service",
				"service.name", cfg.ServiceName,
				"service.version", cfg.ServiceVersion,
			)
			if err := app.Run(ctx, cfg, log); err != nil {
				log.Error("application exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply cold-store schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.Postgres.DSN == "" {
				return errors.New("postgres.dsn is empty")
			}
			ctx, cancel := signalContext()
			defer cancel()
			return timescaledb.Migrate(ctx, cfg.Postgres.DSN, log)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove hot series of delisted symbols once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, cancel := signalContext()
			defer cancel()

			c, err := app.Build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()
			n, err := c.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d series\n", n)
			return nil
		},
	}
}

func fetchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "fetch <exchange> <symbol> <timeframe>",
		Short: "Backfill one series synchronously",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := timeframe.Parse(args[2])
			if err != nil {
				return err
			}
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, cancel := signalContext()
			defer cancel()

			c, err := app.Build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()
			state, err := c.Fetcher.Fetch(ctx, fetcher.Request{
				Exchange: args[0], Symbol: args[1], Timeframe: tf, Limit: limit,
			})
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: %s\n", args[0], args[1], tf, state)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", fetcher.DefaultLimit, "buckets to keep backfilled")
	return cmd
}
