package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/lotshare/lotshare/params"
	"github.com/lotshare/lotshare/pkg/api"
	"github.com/lotshare/lotshare/pkg/app/market"
	"github.com/lotshare/lotshare/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	sugar, err := util.NewDaemonLogger(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer sugar.Sync()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	var operator common.Address
	if cfg.Market.MarketOperator != "" {
		if !common.IsHexAddress(cfg.Market.MarketOperator) {
			sugar.Fatalw("invalid_market_operator", "value", cfg.Market.MarketOperator)
		}
		operator = common.HexToAddress(cfg.Market.MarketOperator)
	}

	app, err := market.New(market.Config{
		DataDir:        cfg.Market.DataDir,
		MaxBidsPerLot:  cfg.Market.MaxBidsPerLot,
		Log:            sugar,
		MarketOperator: operator,
	})
	if err != nil {
		sugar.Fatalw("app_init_failed", "err", err)
	}
	defer app.Close()

	server := api.NewServer(app, sugar, cfg.API.AllowedOrigins)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("marketd_starting",
		"api_addr", cfg.API.Addr,
		"data_dir", cfg.Market.DataDir,
		"max_bids_per_lot", cfg.Market.MaxBidsPerLot)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(cfg.API.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		sugar.Fatalw("marketd_failed", "err", err)
	}
	sugar.Info("marketd_stopped")
}
