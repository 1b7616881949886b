package gateway

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/acctsvc/internal/brokerapi"
	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/common/timeutil"
	"github.com/tradecore/acctsvc/internal/shm"
)

// responsePushAttempts bounds local retries when the trades queue is full.
const responsePushAttempts = 3

// maxEventBatch caps how many adapter events one iteration consumes.
const maxEventBatch = 256

// Stats counts gateway loop activity.
type Stats struct {
	LoopIterations   uint64
	IdleIterations   uint64
	OrdersReceived   uint64
	OrdersSubmitted  uint64
	OrdersFailed     uint64
	RetriesScheduled uint64
	RetriesExhausted uint64
	EventsReceived   uint64
	ResponsesPushed  uint64
	ResponsesDropped uint64
	RetryQueueSize   uint64
	LastOrderTimeNs  uint64
}

type retryItem struct {
	request       brokerapi.OrderRequest
	attempts      uint32
	nextRetryAtNs uint64
}

// Loop is the single-threaded gateway event loop wrapping a broker adapter.
type Loop struct {
	config     Config
	downstream *shm.IndexQueueSegment
	trades     *shm.TradeQueueSegment
	pool       *shm.OrderPool
	adapter    brokerapi.Adapter

	running    atomic.Bool
	retryQueue []retryItem
	stats      Stats
	eventBuf   [maxEventBatch]brokerapi.Event

	lastStatsNs uint64
	logger      *zap.Logger
}

// NewLoop wires a gateway loop.
func NewLoop(config Config, downstream *shm.IndexQueueSegment, trades *shm.TradeQueueSegment,
	pool *shm.OrderPool, adapter brokerapi.Adapter, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		config:     config,
		downstream: downstream,
		trades:     trades,
		pool:       pool,
		adapter:    adapter,
		logger:     logger,
	}
}

// Stats returns a copy of the loop statistics.
func (l *Loop) Stats() Stats { return l.stats }

// Stop requests the loop to exit after the current iteration.
func (l *Loop) Stop() { l.running.Store(false) }

// IsRunning reports whether Run is active.
func (l *Loop) IsRunning() bool { return l.running.Load() }

// Run executes the loop until stopped. Returns 0 on a clean stop, 1 when a
// dependency was missing or the loop died on a fatal condition.
func (l *Loop) Run() int {
	if l.downstream == nil || l.trades == nil || l.pool == nil || l.adapter == nil {
		status := acerr.New(acerr.DomainCore, acerr.ComponentUnavailable, "gateway_loop",
			"shared memory or adapter not available")
		acerr.Record(status)
		l.logger.Error("gateway loop cannot start", zap.Error(status))
		return 1
	}

	l.running.Store(true)
	l.lastStatsNs = timeutil.NowNs()

	for l.running.Load() {
		l.stats.LoopIterations++

		didWork := l.processRetryQueue()
		didWork = l.processOrders(l.config.PollBatchSize) || didWork
		didWork = l.processEvents(l.config.PollBatchSize) || didWork

		if !didWork {
			l.stats.IdleIterations++
			if l.config.IdleSleepUs > 0 {
				time.Sleep(time.Duration(l.config.IdleSleepUs) * time.Microsecond)
			}
		}

		if l.config.StatsIntervalMs > 0 {
			now := timeutil.NowNs()
			intervalNs := uint64(l.config.StatsIntervalMs) * 1_000_000
			if now >= l.lastStatsNs+intervalNs {
				l.logPeriodicStats()
				l.lastStatsNs = now
			}
		}

		if acerr.ShouldStopService() {
			l.running.Store(false)
		}
	}
	return 0
}

// RunOnce executes a single iteration. Test hook; Run is the service path.
func (l *Loop) RunOnce() bool {
	l.stats.LoopIterations++
	didWork := l.processRetryQueue()
	didWork = l.processOrders(l.config.PollBatchSize) || didWork
	didWork = l.processEvents(l.config.PollBatchSize) || didWork
	if !didWork {
		l.stats.IdleIterations++
	}
	return didWork
}

// processRetryQueue resubmits due retry items. Items not yet due are
// requeued; only the items present at iteration start are considered so a
// storm cannot monopolize the loop.
func (l *Loop) processRetryQueue() bool {
	if len(l.retryQueue) == 0 {
		return false
	}

	didWork := false
	now := timeutil.NowNs()
	count := len(l.retryQueue)

	for i := 0; i < count; i++ {
		item := l.retryQueue[0]
		l.retryQueue = l.retryQueue[1:]

		if item.nextRetryAtNs > now {
			l.retryQueue = append(l.retryQueue, item)
			continue
		}
		didWork = true
		l.submitRequest(item.request, item.attempts)
	}

	l.stats.RetryQueueSize = uint64(len(l.retryQueue))
	return didWork
}

// processOrders drains downstream slot indices and submits them.
func (l *Loop) processOrders(batchLimit int) bool {
	if batchLimit <= 0 {
		return false
	}

	didWork := false
	for processed := 0; processed < batchLimit; processed++ {
		index, ok := l.downstream.Queue.TryPop()
		if !ok {
			break
		}
		didWork = true
		l.stats.OrdersReceived++
		l.stats.LastOrderTimeNs = timeutil.NowNs()

		snapshot, result := l.pool.ReadSnapshot(index)
		if result != shm.ReadOK {
			l.stats.OrdersFailed++
			status := acerr.New(acerr.DomainOrder, acerr.OrderNotFound, "gateway_loop",
				"failed to read downstream order slot")
			acerr.Record(status)
			l.logger.Error("downstream slot read failed", zap.Uint32("index", index))
			continue
		}

		l.pool.UpdateStage(index, shm.StageDownstreamDequeued, timeutil.NowNs())

		mapped, ok := MapOrderRequestToBroker(&snapshot.Request)
		if !ok {
			l.stats.OrdersFailed++
			l.emitTraderError(snapshot.Request.InternalOrderID,
				snapshot.Request.InternalSecurityID.String(), snapshot.Request.TradeSide)
			continue
		}

		l.submitRequest(mapped, 0)
	}
	return didWork
}

// processEvents polls the adapter and forwards mapped trade responses.
func (l *Loop) processEvents(batchLimit int) bool {
	if batchLimit <= 0 {
		return false
	}
	maxEvents := batchLimit
	if maxEvents > len(l.eventBuf) {
		maxEvents = len(l.eventBuf)
	}

	count := l.adapter.PollEvents(l.eventBuf[:maxEvents])
	if count == 0 {
		return false
	}
	l.stats.EventsReceived += uint64(count)

	for i := 0; i < count; i++ {
		response, ok := MapBrokerEventToTradeResponse(&l.eventBuf[i])
		if !ok {
			l.stats.ResponsesDropped++
			continue
		}

		if !l.pushResponse(&response) {
			l.stats.ResponsesDropped++
			l.Stop()
			status := acerr.New(acerr.DomainOrder, acerr.QueuePushFailed, "gateway_loop",
				"failed to push trade response")
			acerr.Record(status)
			l.logger.Error("trades queue stayed full, stopping gateway loop")
			break
		}
		l.stats.ResponsesPushed++
	}
	return true
}

// submitRequest submits to the adapter; a retryable failure is rescheduled
// until the attempt budget runs out, anything else synthesizes TraderError.
func (l *Loop) submitRequest(request brokerapi.OrderRequest, attempts uint32) {
	result := l.adapter.Submit(request)
	if result.Accepted {
		l.stats.OrdersSubmitted++
		return
	}

	if result.Retryable && attempts < l.config.MaxRetryAttempts {
		l.retryQueue = append(l.retryQueue, retryItem{
			request:       request,
			attempts:      attempts + 1,
			nextRetryAtNs: timeutil.NowNs() + uint64(l.config.RetryIntervalUs)*1000,
		})
		l.stats.RetriesScheduled++
		l.stats.RetryQueueSize = uint64(len(l.retryQueue))
		return
	}

	l.stats.OrdersFailed++
	if attempts > 0 {
		l.stats.RetriesExhausted++
	}
	l.emitTraderError(request.InternalOrderID, request.InternalSecurityID, toOrderSide(request.TradeSide))
}

// pushResponse pushes with a short bounded retry to ride out momentary
// backpressure on the trades queue.
func (l *Loop) pushResponse(response *shm.TradeResponse) bool {
	for attempt := 0; attempt < responsePushAttempts; attempt++ {
		if l.trades.Queue.TryPush(*response) {
			l.trades.Touch()
			return true
		}
		if l.config.RetryIntervalUs > 0 {
			time.Sleep(time.Duration(l.config.RetryIntervalUs) * time.Microsecond)
		}
	}
	return false
}

// emitTraderError writes the in-band terminal failure signal back upstream.
func (l *Loop) emitTraderError(internalOrderID uint32, internalSecurityID string, side shm.TradeSide) {
	if internalOrderID == 0 {
		return
	}

	var response shm.TradeResponse
	response.InternalOrderID = internalOrderID
	response.InternalSecurityID.Set(internalSecurityID)
	response.TradeSide = side
	response.NewStatus = shm.StatusTraderError
	response.RecvTimeNs = timeutil.NowNs()

	if l.pushResponse(&response) {
		l.stats.ResponsesPushed++
	} else {
		l.stats.ResponsesDropped++
	}
}

func (l *Loop) logPeriodicStats() {
	l.logger.Info("gateway stats",
		zap.Uint64("loops", l.stats.LoopIterations),
		zap.Uint64("idle", l.stats.IdleIterations),
		zap.Uint64("received", l.stats.OrdersReceived),
		zap.Uint64("submitted", l.stats.OrdersSubmitted),
		zap.Uint64("failed", l.stats.OrdersFailed),
		zap.Uint64("retry_queue", l.stats.RetryQueueSize),
		zap.Uint64("events", l.stats.EventsReceived),
		zap.Uint64("responses", l.stats.ResponsesPushed),
		zap.Uint64("dropped", l.stats.ResponsesDropped))
}
