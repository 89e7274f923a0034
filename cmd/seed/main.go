package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/xtrntr/spot-exchange/internal/app"
	"github.com/xtrntr/spot-exchange/internal/auth"
	"github.com/xtrntr/spot-exchange/internal/config"
	"github.com/xtrntr/spot-exchange/internal/exchange"
	"github.com/xtrntr/spot-exchange/internal/models"
)

var instruments = []models.Instrument{
	{Ticker: "MEMCOIN", Name: "Meme Coin"},
	{Ticker: "DODGE", Name: "Dodge"},
}

type trader struct {
	name     string
	deposits map[string]int64
	orders   []models.OrderRequest
}

var traders = []trader{
	{
		name:     "trader1",
		deposits: map[string]int64{"RUB": 100000},
		orders: []models.OrderRequest{
			models.LimitOrderRequest{Direction: models.Buy, Ticker: "MEMCOIN", Qty: 10, Price: 95},
			models.LimitOrderRequest{Direction: models.Buy, Ticker: "MEMCOIN", Qty: 20, Price: 90},
			models.LimitOrderRequest{Direction: models.Buy, Ticker: "DODGE", Qty: 50, Price: 12},
		},
	},
	{
		name:     "trader2",
		deposits: map[string]int64{"MEMCOIN": 100, "DODGE": 500},
		orders: []models.OrderRequest{
			models.LimitOrderRequest{Direction: models.Sell, Ticker: "MEMCOIN", Qty: 15, Price: 105},
			models.LimitOrderRequest{Direction: models.Sell, Ticker: "MEMCOIN", Qty: 5, Price: 110},
			models.LimitOrderRequest{Direction: models.Sell, Ticker: "DODGE", Qty: 100, Price: 15},
		},
	},
}

// Seed the store with an admin, instruments and two traders with resting orders
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
	ctx := context.Background()
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log, err := app.Logger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := app.OpenStore(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ex := app.NewExchange(st, cfg.Exchange, log)
	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	existing, err := st.ListInstruments(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		fmt.Printf("Store already has %d instruments. No need to seed.\n", len(existing))
		return nil
	}

	admin, key, err := authService.CreateAdmin(ctx, "admin")
	if err != nil {
		return err
	}
	fmt.Printf("admin %s api key: %s\n", admin.ID, key)

	for i := range instruments {
		if err := st.CreateInstrument(ctx, &instruments[i]); err != nil && !errors.Is(err, models.ErrAlreadyExists) {
			return err
		}
	}

	for _, tr := range traders {
		if err := seedTrader(ctx, ex, authService, tr); err != nil {
			return fmt.Errorf("failed to seed %s: %w", tr.name, err)
		}
	}

	fmt.Println("Successfully seeded the store!")
	return nil
}

// seedTrader registers tr, funds it and places its orders. The orders do
// not cross, so each matching cycle leaves them resting.
func seedTrader(ctx context.Context, ex *exchange.Exchange, authService *auth.AuthService, tr trader) error {
	user, key, err := authService.Register(ctx, tr.name)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s api key: %s\n", tr.name, user.ID, key)

	for ticker, amount := range tr.deposits {
		if _, err := ex.Deposit(ctx, user.ID, ticker, amount); err != nil {
			return err
		}
	}
	for _, req := range tr.orders {
		o, err := ex.PlaceOrder(ctx, user.ID, req)
		if err != nil {
			return err
		}
		if _, err := ex.MatchOrder(ctx, o.ID); err != nil {
			return err
		}
	}
	return nil
}
