package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/spot-exchange/internal/api"
	"github.com/xtrntr/spot-exchange/internal/app"
	"github.com/xtrntr/spot-exchange/internal/auth"
	"github.com/xtrntr/spot-exchange/internal/config"
	"go.uber.org/zap"
)

// Main entry point: sets up storage, the matching engine, dispatch and the HTTP server
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

	ex := app.NewExchange(st, cfg.Exchange, log)

	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if cfg.Auth.BcryptCost > 0 {
		authService.Cost = cfg.Auth.BcryptCost
	}

	pipeline, err := app.StartDispatch(ctx, cfg.Dispatch, ex, log)
	if err != nil {
		return fmt.Errorf("failed to start dispatch: %w", err)
	}
	defer pipeline.Close()

	handler := api.NewHandler(st, ex, authService, pipeline.Dispatcher, log.Named("api"))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(handler, api.RouterOptions{
			RequestTimeout: cfg.HTTP.RequestTimeout,
			OrderRate:      cfg.HTTP.OrderRate,
			OrderBurst:     cfg.HTTP.OrderBurst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("dispatch", cfg.Dispatch.Mode))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
