package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtrntr/spot-exchange/internal/app"
	"github.com/xtrntr/spot-exchange/internal/config"
	"github.com/xtrntr/spot-exchange/internal/dispatch"
	"go.uber.org/zap"
)

// Standalone matching worker draining the redis dispatch queue
func main() {
	var configFile string
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.Parse()

	if err := run(configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cfg.Dispatch.Mode != config.ModeRedis {
		return fmt.Errorf("worker needs dispatch.mode %q, got %q", config.ModeRedis, cfg.Dispatch.Mode)
	}
	log, err := app.Logger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStore(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer st.Close()

	queue, client, err := app.OpenRedisQueue(ctx, cfg.Dispatch)
	if err != nil {
		return err
	}
	defer client.Close()

	if n, err := queue.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Info("recovered stranded messages", zap.Int("count", n))
	}

	ex := app.NewExchange(st, cfg.Exchange, log)
	w := dispatch.NewWorker(queue, ex, cfg.Dispatch.Workers, cfg.Dispatch.MaxAttempts, log.Named("worker"))

	log.Info("starting worker", zap.Int("workers", cfg.Dispatch.Workers), zap.String("queue", cfg.Dispatch.Queue))
	w.Run(ctx)
	log.Info("worker stopped")
	return nil
}
