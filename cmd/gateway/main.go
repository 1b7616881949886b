// Command gateway drains the downstream order queue, submits mapped
// requests to a broker adapter (sim or plugin) and pushes trade responses
// back onto the trades queue.
//
// Exit codes: 0 success, 2 argument error, 1 runtime error.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tradecore/acctsvc/internal/brokerapi"
	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/gateway"
	"github.com/tradecore/acctsvc/internal/shm"
)

func main() {
	os.Exit(run())
}

func run() int {
	config, parseResult := gateway.ParseArgs(os.Args[1:], os.Stderr)
	switch parseResult {
	case gateway.ParseHelp:
		return 0
	case gateway.ParseError:
		return 2
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logger = logger.With(zap.Uint32("account_id", config.AccountID))

	mode := shm.ModeOpen
	if config.CreateIfNotExist {
		mode = shm.ModeOpenOrCreate
	}

	manager := &shm.Manager{}
	downstream, err := manager.OpenDownstream(config.DownstreamShmName, mode)
	if err != nil {
		logger.Error("open downstream shm failed", zap.Error(err))
		return 1
	}
	defer downstream.Region.Close()

	trades, err := manager.OpenTrades(config.TradesShmName, mode)
	if err != nil {
		logger.Error("open trades shm failed", zap.Error(err))
		return 1
	}
	defer trades.Region.Close()

	pool, err := manager.OpenOrderPool(config.OrdersShmName, config.TradingDay,
		shm.DailyOrderPoolCapacity, mode, logger)
	if err != nil {
		logger.Error("open order pool failed", zap.Error(err))
		return 1
	}

	var (
		adapter brokerapi.Adapter
		destroy func()
	)
	switch config.BrokerType {
	case "plugin":
		adapter, destroy, err = brokerapi.LoadPlugin(config.AdapterSoPath, config.AdapterSymPrefix)
		if err != nil {
			logger.Error("load adapter plugin failed", zap.Error(err))
			return 1
		}
		defer destroy()
	default:
		adapter, err = brokerapi.NewAdapter(config.BrokerType)
		if err != nil {
			logger.Error("create adapter failed", zap.Error(err))
			return 1
		}
	}

	if !adapter.Initialize(brokerapi.RuntimeConfig{
		AccountID: config.AccountID,
		AutoFill:  config.AutoFill,
	}) {
		logger.Error("broker adapter initialization failed")
		return 1
	}
	defer adapter.Shutdown()

	loop := gateway.NewLoop(config, downstream, trades, pool, adapter, logger)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		loop.Stop()
	}()

	logger.Info("gateway starting",
		zap.String("broker_type", config.BrokerType),
		zap.String("trading_day", config.TradingDay))

	rc := loop.Run()
	if acerr.ShouldExitProcess() {
		logger.Error("exiting on fatal error",
			zap.String("last_error", acerr.LatestError().Error()))
		return 1
	}
	logger.Info("gateway stopped")
	return rc
}
