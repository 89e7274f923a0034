// Package app wires configuration into the store, the engine and the
// dispatch pipeline shared by the server and worker binaries.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/spot-exchange/internal/config"
	"github.com/xtrntr/spot-exchange/internal/db"
	"github.com/xtrntr/spot-exchange/internal/dispatch"
	"github.com/xtrntr/spot-exchange/internal/exchange"
	"github.com/xtrntr/spot-exchange/internal/logging"
	"github.com/xtrntr/spot-exchange/internal/store"
	"github.com/xtrntr/spot-exchange/internal/store/memory"
	"go.uber.org/zap"
)

// Logger builds the process logger from cfg
func Logger(cfg config.LogConfig) (*zap.Logger, error) {
	return logging.New(cfg.Level, cfg.Development)
}

// OpenStore opens the configured backend, running migrations first when
// auto_migrate is set.
func OpenStore(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory storage; state is lost on exit")
		return memory.New(), nil
	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := db.Migrate(cfg.Migrations, cfg.DatabaseURL, log); err != nil {
				return nil, err
			}
		}
		pg, err := db.Connect(ctx, db.Config{
			URL:            cfg.DatabaseURL,
			MaxConns:       cfg.MaxConns,
			Isolation:      cfg.Isolation,
			ConnectTimeout: cfg.ConnectTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// NewExchange builds the engine on s
func NewExchange(s store.Store, cfg config.ExchangeConfig, log *zap.Logger) *exchange.Exchange {
	return exchange.New(s, exchange.Options{
		QuoteTicker:          cfg.QuoteTicker,
		MaxRetries:           cfg.MaxRetries,
		RetryInitialInterval: cfg.RetryInitialInterval,
		Logger:               log.Named("exchange"),
	})
}

// Pipeline is a running dispatch setup. Close stops its workers, waits for
// them and releases the queue.
type Pipeline struct {
	Dispatcher dispatch.Dispatcher
	Queue      dispatch.Queue

	cancel context.CancelFunc
	wg     sync.WaitGroup
	client *redis.Client
}

// StartDispatch builds the dispatcher for cfg.Mode. In pool mode, and in
// redis mode with embedded workers, a Worker is started on matcher.
func StartDispatch(ctx context.Context, cfg config.DispatchConfig, matcher dispatch.Matcher, log *zap.Logger) (*Pipeline, error) {
	p := &Pipeline{}
	switch cfg.Mode {
	case config.ModeInline:
		p.Dispatcher = dispatch.Inline{Matcher: matcher}
		return p, nil
	case config.ModePool:
		p.Queue = dispatch.NewMemoryQueue(cfg.Buffer)
		p.Dispatcher = dispatch.QueueDispatcher{Queue: p.Queue}
		p.run(ctx, dispatch.NewWorker(p.Queue, matcher, cfg.Workers, cfg.MaxAttempts, log.Named("worker")))
		return p, nil
	case config.ModeRedis:
		q, client, err := OpenRedisQueue(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p.Queue, p.client = q, client
		p.Dispatcher = dispatch.QueueDispatcher{Queue: q}
		if cfg.EmbeddedWorkers {
			if n, err := q.Recover(ctx); err != nil {
				log.Error("failed to recover stranded messages", zap.Error(err))
			} else if n > 0 {
				log.Info("recovered stranded messages", zap.Int("count", n))
			}
			p.run(ctx, dispatch.NewWorker(q, matcher, cfg.Workers, cfg.MaxAttempts, log.Named("worker")))
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Mode)
}

// OpenRedisQueue connects to cfg.RedisURL
func OpenRedisQueue(ctx context.Context, cfg config.DispatchConfig) (*dispatch.RedisQueue, *redis.Client, error) {
	client, err := dispatch.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return dispatch.NewRedisQueue(client, cfg.Queue), client, nil
}

func (p *Pipeline) run(ctx context.Context, w *dispatch.Worker) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.Run(ctx)
	}()
}

func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.Queue != nil {
		p.Queue.Close()
	}
	if p.client != nil {
		p.client.Close()
	}
}
