// Package core runs the account service event loop: a single cooperative
// thread that drains upstream orders, applies risk, routes downstream, and
// folds trade responses back into the order book and position table.
package core

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/common/timeutil"
	"github.com/tradecore/acctsvc/internal/order"
	"github.com/tradecore/acctsvc/internal/orderbook"
	"github.com/tradecore/acctsvc/internal/portfolio"
	"github.com/tradecore/acctsvc/internal/risk"
	"github.com/tradecore/acctsvc/internal/shm"
)

// LoopConfig tunes the event loop.
type LoopConfig struct {
	PollBatchSize   int
	IdleSleepUs     int
	BusyPolling     bool
	StatsIntervalMs int
	PinCPU          bool
	CPUCore         int
}

// DefaultLoopConfig returns production defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		PollBatchSize:   64,
		IdleSleepUs:     100,
		StatsIntervalMs: 5000,
		CPUCore:         -1,
	}
}

// LoopStats counts event loop activity and iteration latency.
type LoopStats struct {
	TotalIterations    uint64
	OrdersProcessed    uint64
	ResponsesProcessed uint64
	IdleIterations     uint64
	StartTimeNs        uint64
	LastOrderTimeNs    uint64
	LastResponseTimeNs uint64

	MinLatencyNs   uint64
	MaxLatencyNs   uint64
	TotalLatencyNs uint64
	LatencySamples uint64
}

// AvgLatencyNs returns the mean iteration latency.
func (s *LoopStats) AvgLatencyNs() float64 {
	if s.LatencySamples == 0 {
		return 0
	}
	return float64(s.TotalLatencyNs) / float64(s.LatencySamples)
}

// EventLoop is the account-side single-threaded loop. All cross-process
// coordination goes through the SPSC queues and the seqlock slots; the only
// in-process locks are the order-book and position-row locks it calls into.
type EventLoop struct {
	config LoopConfig

	upstream *shm.IndexQueueSegment
	trades   *shm.TradeQueueSegment
	pool     *shm.OrderPool

	book      *orderbook.Book
	router    *order.Router
	positions *portfolio.Manager
	risk      *risk.Manager

	running     atomic.Bool
	stats       LoopStats
	lastStatsNs uint64
	logger      *zap.Logger
}

// NewEventLoop wires the loop to its collaborators.
func NewEventLoop(config LoopConfig, upstream *shm.IndexQueueSegment, trades *shm.TradeQueueSegment,
	pool *shm.OrderPool, book *orderbook.Book, router *order.Router,
	positions *portfolio.Manager, riskManager *risk.Manager, logger *zap.Logger) *EventLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLoop{
		config:    config,
		upstream:  upstream,
		trades:    trades,
		pool:      pool,
		book:      book,
		router:    router,
		positions: positions,
		risk:      riskManager,
		logger:    logger,
	}
}

// Stats returns a copy of the loop statistics.
func (l *EventLoop) Stats() LoopStats { return l.stats }

// ResetStats zeroes the statistics.
func (l *EventLoop) ResetStats() { l.stats = LoopStats{MinLatencyNs: math.MaxUint64} }

// Stop requests the loop to exit.
func (l *EventLoop) Stop() { l.running.Store(false) }

// IsRunning reports whether Run is active.
func (l *EventLoop) IsRunning() bool { return l.running.Load() }

// Run executes the loop until the context is cancelled, Stop is called, or
// a critical error raises the global shutdown flag.
func (l *EventLoop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer l.running.Store(false)

	if l.config.PinCPU && l.config.CPUCore >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		l.setCPUAffinity(l.config.CPUCore)
	}

	l.stats.StartTimeNs = timeutil.NowNs()
	if l.stats.MinLatencyNs == 0 {
		l.stats.MinLatencyNs = math.MaxUint64
	}
	l.lastStatsNs = timeutil.MonotonicNs()

	for l.running.Load() {
		if ctx.Err() != nil {
			break
		}
		l.RunOnce()
		if acerr.ShouldStopService() {
			l.logger.Warn("shutdown flag raised, exiting event loop",
				zap.String("severity", acerr.ShutdownReason().String()))
			break
		}
	}
}

// RunOnce executes a single loop iteration.
func (l *EventLoop) RunOnce() {
	start := timeutil.MonotonicNs()
	l.stats.TotalIterations++

	orders := l.processUpstreamOrders()
	responses := l.processTradeResponses()

	if orders == 0 && responses == 0 {
		l.stats.IdleIterations++
		if !l.config.BusyPolling && l.config.IdleSleepUs > 0 {
			time.Sleep(time.Duration(l.config.IdleSleepUs) * time.Microsecond)
		}
	}

	now := timeutil.MonotonicNs()
	if l.config.StatsIntervalMs > 0 {
		intervalNs := uint64(l.config.StatsIntervalMs) * 1_000_000
		if now >= l.lastStatsNs && now-l.lastStatsNs >= intervalNs {
			l.logPeriodicStats()
			l.lastStatsNs = now
		}
	}
	l.updateLatencyStats(start, now)
}

// processUpstreamOrders drains up to poll_batch_size slot indices from the
// upstream queue and handles each order.
func (l *EventLoop) processUpstreamOrders() int {
	if l.upstream == nil {
		return 0
	}

	batchLimit := l.config.PollBatchSize
	if batchLimit <= 0 {
		batchLimit = 1
	}

	processed := 0
	for processed < batchLimit {
		index, ok := l.upstream.Queue.TryPop()
		if !ok {
			break
		}
		l.handleUpstreamIndex(index)
		processed++
	}

	if processed > 0 {
		l.stats.OrdersProcessed += uint64(processed)
		l.stats.LastOrderTimeNs = timeutil.NowNs()
	}
	return processed
}

// handleUpstreamIndex reads the slot behind an upstream index and runs the
// admit → risk → route pipeline for it.
func (l *EventLoop) handleUpstreamIndex(index shm.OrderIndex) {
	snapshot, result := l.pool.ReadSnapshot(index)
	if result != shm.ReadOK {
		status := acerr.New(acerr.DomainOrder, acerr.OrderNotFound, "event_loop",
			"failed to read upstream order slot")
		acerr.Record(status)
		l.logger.Error("upstream slot read failed", zap.Uint32("index", index))
		return
	}

	l.pool.UpdateStage(index, shm.StageUpstreamDequeued, timeutil.NowNs())

	request := snapshot.Request
	if request.InternalOrderID == 0 {
		request.InternalOrderID = l.book.NextOrderID()
		l.pool.Sync(index, &request, timeutil.NowNs())
	}

	now := timeutil.NowNs()
	entry := orderbook.Entry{
		Request:       request,
		SubmitTimeNs:  now,
		LastUpdateNs:  now,
		RiskResult:    risk.Pass,
		ShmOrderIndex: index,
	}

	if !l.book.AddOrder(entry) {
		status := acerr.New(acerr.DomainOrder, acerr.OrderBookFull, "event_loop",
			"order_book add_order failed")
		acerr.Record(status)
		l.logger.Error("order admission failed", zap.Uint32("order_id", request.InternalOrderID))
		return
	}

	orderID := request.InternalOrderID
	l.book.UpdateStatus(orderID, shm.StatusRiskControllerPending)

	if request.OrderType == shm.OrderTypeNew {
		riskResult := l.risk.CheckOrder(&request)
		l.book.SetRiskResult(orderID, riskResult.Code)

		if !riskResult.Passed() {
			l.book.UpdateStatus(orderID, shm.StatusRiskControllerRejected)
			l.pool.UpdateStage(index, shm.StageRiskRejected, timeutil.NowNs())
			return
		}
		l.book.UpdateStatus(orderID, shm.StatusRiskControllerAccepted)
	} else {
		// Cancels bypass risk.
		l.book.UpdateStatus(orderID, shm.StatusRiskControllerAccepted)
	}

	active, ok := l.book.FindOrder(orderID)
	if !ok || !l.router.RouteOrder(&active) {
		l.book.UpdateStatus(orderID, shm.StatusTraderError)
		status := acerr.New(acerr.DomainOrder, acerr.RouteFailed, "event_loop", "route_order failed")
		acerr.Record(status)
		l.logger.Error("route failed", zap.Uint32("order_id", orderID))
	}
}

// processTradeResponses drains up to poll_batch_size trade responses.
func (l *EventLoop) processTradeResponses() int {
	if l.trades == nil {
		return 0
	}

	batchLimit := l.config.PollBatchSize
	if batchLimit <= 0 {
		batchLimit = 1
	}

	processed := 0
	for processed < batchLimit {
		response, ok := l.trades.Queue.TryPop()
		if !ok {
			break
		}
		l.handleTradeResponse(&response)
		processed++
	}

	if processed > 0 {
		l.stats.ResponsesProcessed += uint64(processed)
		l.stats.LastResponseTimeNs = timeutil.NowNs()
	}
	return processed
}

// handleTradeResponse applies one response: status update, fill accounting,
// position application with on-demand security row creation, and archival
// on terminal statuses.
func (l *EventLoop) handleTradeResponse(response *shm.TradeResponse) {
	if response.InternalOrderID == 0 {
		return
	}

	l.book.UpdateStatus(response.InternalOrderID, response.NewStatus)

	if response.VolumeTraded > 0 {
		l.book.UpdateTrade(response.InternalOrderID, response.VolumeTraded,
			response.DPriceTraded, response.DValueTraded, response.DFee)

		entry, ok := l.book.FindOrder(response.InternalOrderID)
		if ok && entry.Request.OrderType == shm.OrderTypeNew {
			l.applyTradeToPositions(response, &entry)
		}
	}

	if response.NewStatus.IsTerminal() {
		l.book.ArchiveOrder(response.InternalOrderID)
	}
}

func (l *EventLoop) applyTradeToPositions(response *shm.TradeResponse, entry *orderbook.Entry) {
	securityKey := response.InternalSecurityID.String()
	if securityKey == "" {
		securityKey = entry.Request.InternalSecurityID.String()
	}
	if securityKey == "" {
		return
	}

	if !l.positions.HasPosition(securityKey) && !entry.Request.SecurityID.Empty() {
		code := entry.Request.SecurityID.String()
		added, ok := l.positions.AddSecurity(code, code, entry.Request.Market)
		if !ok {
			status := acerr.New(acerr.DomainPortfolio, acerr.PositionUpdateFailed, "event_loop",
				"failed to create missing position row")
			acerr.Record(status)
			l.logger.Error("position row creation failed", zap.String("security", securityKey))
		} else if added != securityKey {
			status := acerr.New(acerr.DomainPortfolio, acerr.OrderInvariantBroken, "event_loop",
				"security id mismatch while creating position row")
			acerr.Record(status)
			l.logger.Error("security key mismatch",
				zap.String("expected", securityKey), zap.String("added", added))
		}
	}

	switch response.TradeSide {
	case shm.SideBuy:
		if !l.positions.AddPosition(securityKey, response.VolumeTraded,
			response.DPriceTraded, response.InternalOrderID) {
			status := acerr.New(acerr.DomainPortfolio, acerr.PositionUpdateFailed, "event_loop",
				"failed to add position from trade response")
			acerr.Record(status)
			l.logger.Error("buy trade position update failed", zap.String("security", securityKey))
		}
	case shm.SideSell:
		if !l.positions.DeductPosition(securityKey, response.VolumeTraded,
			response.DValueTraded, response.InternalOrderID) {
			status := acerr.New(acerr.DomainPortfolio, acerr.PositionUpdateFailed, "event_loop",
				"failed to deduct position from trade response")
			acerr.Record(status)
			l.logger.Error("sell trade position update failed", zap.String("security", securityKey))
		}
	}
}

func (l *EventLoop) updateLatencyStats(start, end uint64) {
	if end < start {
		return
	}
	latency := end - start
	if l.stats.MinLatencyNs == 0 {
		l.stats.MinLatencyNs = math.MaxUint64
	}
	if latency < l.stats.MinLatencyNs {
		l.stats.MinLatencyNs = latency
	}
	if latency > l.stats.MaxLatencyNs {
		l.stats.MaxLatencyNs = latency
	}
	l.stats.TotalLatencyNs += latency
	l.stats.LatencySamples++
}

func (l *EventLoop) logPeriodicStats() {
	minLatency := l.stats.MinLatencyNs
	if minLatency == math.MaxUint64 {
		minLatency = 0
	}
	l.logger.Info("event loop stats",
		zap.Uint64("iterations", l.stats.TotalIterations),
		zap.Uint64("orders", l.stats.OrdersProcessed),
		zap.Uint64("responses", l.stats.ResponsesProcessed),
		zap.Uint64("idle", l.stats.IdleIterations),
		zap.Float64("avg_latency_ns", l.stats.AvgLatencyNs()),
		zap.Uint64("min_latency_ns", minLatency),
		zap.Uint64("max_latency_ns", l.stats.MaxLatencyNs),
		zap.Int("active_orders", l.book.ActiveCount()))
}

// setCPUAffinity pins the loop's OS thread to one core.
func (l *EventLoop) setCPUAffinity(core int) {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		l.logger.Warn("cpu affinity not applied", zap.Int("core", core), zap.Error(err))
	}
}
