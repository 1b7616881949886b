// Command acctsvc runs the account service: it owns the shared-memory
// segments, the order book and position table, and the single-threaded
// event loop between the strategy and the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/config"
	"github.com/tradecore/acctsvc/internal/core"
	"github.com/tradecore/acctsvc/internal/metrics"
	"github.com/tradecore/acctsvc/internal/monitor"
	"github.com/tradecore/acctsvc/internal/order"
	"github.com/tradecore/acctsvc/internal/orderbook"
	"github.com/tradecore/acctsvc/internal/portfolio"
	"github.com/tradecore/acctsvc/internal/risk"
	"github.com/tradecore/acctsvc/internal/shm"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the service config file")
	tradingDay := flag.String("trading-day", "", "override the configured trading day (YYYYMMDD)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return 2
	}
	if *tradingDay != "" {
		cfg.Shm.TradingDay = *tradingDay
	}
	if !shm.IsValidTradingDay(cfg.Shm.TradingDay) {
		logger.Error("invalid trading day", zap.String("trading_day", cfg.Shm.TradingDay))
		return 2
	}

	runID := uuid.New().String()
	logger = logger.With(zap.String("run_id", runID), zap.Uint32("account_id", cfg.Account.ID))
	logger.Info("account service starting", zap.String("trading_day", cfg.Shm.TradingDay))

	mode := shm.ModeOpen
	if cfg.Shm.CreateIfMissing {
		mode = shm.ModeOpenOrCreate
	}

	manager := &shm.Manager{}
	upstream, err := manager.OpenUpstream(cfg.Shm.UpstreamName, mode)
	if err != nil {
		logger.Error("open upstream shm failed", zap.Error(err))
		return 1
	}
	defer upstream.Region.Close()

	downstream, err := manager.OpenDownstream(cfg.Shm.DownstreamName, mode)
	if err != nil {
		logger.Error("open downstream shm failed", zap.Error(err))
		return 1
	}
	defer downstream.Region.Close()

	trades, err := manager.OpenTrades(cfg.Shm.TradesName, mode)
	if err != nil {
		logger.Error("open trades shm failed", zap.Error(err))
		return 1
	}
	defer trades.Region.Close()

	pool, err := manager.OpenOrderPool(cfg.Shm.OrdersBaseName, cfg.Shm.TradingDay,
		cfg.Shm.OrderPoolSize, mode, logger)
	if err != nil {
		logger.Error("open order pool failed", zap.Error(err))
		return 1
	}

	positionsSeg, err := manager.OpenPositions(cfg.Shm.PositionsName, mode)
	if err != nil {
		logger.Error("open positions shm failed", zap.Error(err))
		return 1
	}
	defer positionsSeg.Region.Close()

	positions := portfolio.NewManager(positionsSeg, logger)
	if err := positions.Initialize(); err != nil {
		logger.Error("position table init failed", zap.Error(err))
		return 1
	}
	if err := positions.LoadBootstrapDB(cfg.Bootstrap.SQLitePath, cfg.Account.ID); err != nil {
		logger.Error("position bootstrap db failed", zap.Error(err))
		return 1
	}
	if err := positions.LoadBootstrapCSV(cfg.Bootstrap.CSVPath); err != nil {
		logger.Error("position bootstrap csv failed", zap.Error(err))
		return 1
	}

	maxOrderValue, err := cfg.MaxOrderValueCents()
	if err != nil {
		logger.Error("invalid risk config", zap.Error(err))
		return 2
	}
	riskManager := risk.NewManager(positions, risk.Config{
		MaxOrderValue:       maxOrderValue,
		MaxOrderVolume:      cfg.Risk.MaxOrderVolume,
		MaxOrdersPerSecond:  cfg.Risk.MaxOrdersPerSecond,
		EnablePriceLimit:    cfg.Risk.EnablePriceLimit,
		EnableDuplicate:     cfg.Risk.EnableDuplicate,
		EnableFundCheck:     cfg.Risk.EnableFundCheck,
		EnablePositionCheck: cfg.Risk.EnablePositionCheck,
		DuplicateWindow:     cfg.DuplicateWindow(),
	}, logger)

	splitStrategy, ok := order.ParseSplitStrategy(cfg.Splitter.Strategy)
	if !ok {
		logger.Error("invalid splitter strategy", zap.String("strategy", cfg.Splitter.Strategy))
		return 2
	}

	book := orderbook.New(orderbook.DefaultCapacity, logger)
	router := order.NewRouter(book, downstream, pool, order.SplitConfig{
		Strategy:       splitStrategy,
		MaxChildVolume: cfg.Splitter.MaxChildVolume,
		MinChildVolume: cfg.Splitter.MinChildVolume,
		MaxChildCount:  cfg.Splitter.MaxChildCount,
	}, logger)

	loop := core.NewEventLoop(core.LoopConfig{
		PollBatchSize:   cfg.Loop.PollBatchSize,
		IdleSleepUs:     cfg.Loop.IdleSleepUs,
		BusyPolling:     cfg.Loop.BusyPolling,
		StatsIntervalMs: cfg.Loop.StatsIntervalMs,
		PinCPU:          cfg.Loop.PinCPU,
		CPUCore:         cfg.Loop.CPUCore,
	}, upstream, trades, pool, book, router, positions, riskManager, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	if cfg.Monitor.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewCollector(metrics.Sources{
			Loop:   loop.Stats,
			Risk:   riskManager.Stats,
			Router: router.Stats,
			Pool:   pool,
			Book:   book,
		}))
		server := monitor.NewServer(monitor.Sources{
			Positions: positions,
			Pool:      pool,
			Book:      book,
			Loop:      loop.Stats,
			Risk:      riskManager.Stats,
			Router:    router.Stats,
		}, registry, logger)

		httpServer := &http.Server{Addr: cfg.Monitor.ListenAddr, Handler: server.Handler()}
		group.Go(func() error {
			logger.Info("monitor server listening", zap.String("addr", cfg.Monitor.ListenAddr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			return httpServer.Shutdown(context.Background())
		})
	}

	group.Go(func() error {
		loop.Run(ctx)
		stop()
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		loop.Stop()
		return nil
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("service failed", zap.Error(err))
		return 1
	}

	if acerr.ShouldExitProcess() {
		logger.Error("exiting on fatal error",
			zap.String("last_error", acerr.LatestError().Error()))
		return 1
	}
	logger.Info("account service stopped")
	return 0
}
