package order

import (
	"go.uber.org/zap"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/common/timeutil"
	"github.com/tradecore/acctsvc/internal/orderbook"
	"github.com/tradecore/acctsvc/internal/risk"
	"github.com/tradecore/acctsvc/internal/shm"
)

// RouterStats counts router outcomes.
type RouterStats struct {
	OrdersReceived  uint64
	OrdersSent      uint64
	OrdersRejected  uint64
	OrdersSplit     uint64
	QueueFullCount  uint64
	LastOrderTimeNs uint64
}

// Router takes risk-passed entries, optionally splits them, materializes
// each order into a pool slot plus the order book, and pushes the slot index
// onto the downstream queue. It runs on the event-loop thread; partial
// failures latch the parent to TraderError.
type Router struct {
	book       *orderbook.Book
	downstream *shm.IndexQueueSegment
	pool       *shm.OrderPool
	splitter   *Splitter
	stats      RouterStats
	logger     *zap.Logger
}

// NewRouter wires the router and points the splitter's id generator at the
// order book.
func NewRouter(book *orderbook.Book, downstream *shm.IndexQueueSegment, pool *shm.OrderPool,
	splitConfig SplitConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		book:       book,
		downstream: downstream,
		pool:       pool,
		splitter:   NewSplitter(splitConfig),
		logger:     logger,
	}
	r.splitter.SetIDGenerator(book.NextOrderID)
	return r
}

// Splitter exposes the router's splitter for config updates.
func (r *Router) Splitter() *Splitter { return r.splitter }

// Stats returns a copy of the router statistics.
func (r *Router) Stats() RouterStats { return r.stats }

// ResetStats zeroes the statistics.
func (r *Router) ResetStats() { r.stats = RouterStats{} }

// RouteOrder dispatches one entry. Cancels fan out via RouteCancel; New
// orders either split or go straight downstream.
func (r *Router) RouteOrder(entry *orderbook.Entry) bool {
	if entry.Request.OrderType == shm.OrderTypeCancel {
		return r.RouteCancel(entry.Request.OrigInternalOrderID,
			entry.Request.InternalOrderID, entry.Request.MDTimeDriven)
	}

	r.stats.OrdersReceived++
	r.stats.LastOrderTimeNs = timeutil.NowNs()

	if r.splitter.ShouldSplit(&entry.Request) {
		return r.handleSplitOrder(entry)
	}

	if entry.ShmOrderIndex == shm.InvalidOrderIndex {
		r.stats.OrdersRejected++
		r.book.UpdateStatus(entry.Request.InternalOrderID, shm.StatusTraderError)
		r.fail(acerr.OrderInvariantBroken, "missing order shm index")
		return false
	}

	if !r.sendToDownstream(entry.ShmOrderIndex) {
		r.stats.OrdersRejected++
		r.stats.QueueFullCount++
		r.book.UpdateStatus(entry.Request.InternalOrderID, shm.StatusTraderError)
		r.fail(acerr.QueuePushFailed, "failed to push order to downstream")
		return false
	}

	r.stats.OrdersSent++
	r.book.UpdateStatus(entry.Request.InternalOrderID, shm.StatusTraderSubmitted)
	return true
}

// RouteOrders dispatches a batch and returns the success count.
func (r *Router) RouteOrders(entries []*orderbook.Entry) int {
	count := 0
	for _, entry := range entries {
		if entry != nil && r.RouteOrder(entry) {
			count++
		}
	}
	return count
}

// RouteCancel synthesizes cancel orders for origID. A split parent gets one
// cancel per live New child (the first uses the caller's cancelID, the rest
// pull fresh ids); a plain order gets a single cancel. Partial failure
// latches the parent to TraderError.
func (r *Router) RouteCancel(origID, cancelID uint32, mdTime uint32) bool {
	r.stats.OrdersReceived++
	r.stats.LastOrderTimeNs = timeutil.NowNs()

	// An upstream cancel was already admitted to the book under cancelID by
	// the event loop; a cancel arriving through the API has no entry yet.
	admitted, preAdmitted := r.book.FindOrder(cancelID)
	preAdmitted = preAdmitted && admitted.Request.OrderType == shm.OrderTypeCancel

	children := r.book.Children(origID)
	if len(children) > 0 {
		anySent := false
		anyFailed := false
		// The caller's id is free for the first synthesized cancel only
		// when no admitted entry holds it.
		usedCancelID := preAdmitted

		for _, childID := range children {
			child, ok := r.book.FindOrder(childID)
			if !ok || child.Request.OrderType != shm.OrderTypeNew || child.IsTerminal() {
				continue
			}

			childCancelID := cancelID
			if usedCancelID {
				childCancelID = r.book.NextOrderID()
			}
			usedCancelID = true

			if r.submitCancel(childCancelID, mdTime, childID, origID, true, child.StrategyID) {
				anySent = true
			} else {
				anyFailed = true
			}
		}

		if preAdmitted {
			// The admitted cancel entry stands for the whole fan-out.
			if anySent {
				r.book.UpdateStatus(cancelID, shm.StatusTraderSubmitted)
			} else {
				r.book.UpdateStatus(cancelID, shm.StatusTraderError)
			}
			if admitted.ShmOrderIndex != shm.InvalidOrderIndex {
				r.pool.UpdateStage(admitted.ShmOrderIndex, shm.StageTerminal, timeutil.NowNs())
			}
		}
		if anyFailed {
			r.book.UpdateStatus(origID, shm.StatusTraderError)
		}
		return anySent
	}

	if preAdmitted && admitted.ShmOrderIndex != shm.InvalidOrderIndex {
		// Reuse the admitted slot instead of materializing a second cancel
		// with the same id.
		if !r.sendToDownstream(admitted.ShmOrderIndex) {
			r.stats.OrdersRejected++
			r.stats.QueueFullCount++
			r.book.UpdateStatus(cancelID, shm.StatusTraderError)
			r.fail(acerr.QueuePushFailed, "failed to send cancel request")
			return false
		}
		r.stats.OrdersSent++
		r.book.UpdateStatus(cancelID, shm.StatusTraderSubmitted)
		return true
	}

	return r.submitCancel(cancelID, mdTime, origID, 0, false, 0)
}

// submitCancel builds one cancel request, allocates its pool slot, admits it
// to the book and sends it downstream.
func (r *Router) submitCancel(cancelID uint32, mdTime uint32, targetID, parentID uint32,
	isSplitChild bool, strategyID uint16) bool {
	var cancelRequest shm.OrderRequest
	cancelRequest.InitCancel(cancelID, mdTime, targetID)
	cancelRequest.Status = shm.StatusTraderPending

	cancelIndex, ok := r.pool.Append(&cancelRequest, shm.StageUpstreamDequeued,
		shm.SourceAccountInternal, timeutil.NowNs())
	if !ok {
		r.stats.OrdersRejected++
		r.fail(acerr.OrderPoolFull, "failed to allocate cancel order slot")
		return false
	}

	now := timeutil.NowNs()
	cancelEntry := orderbook.Entry{
		Request:       cancelRequest,
		SubmitTimeNs:  now,
		LastUpdateNs:  now,
		StrategyID:    strategyID,
		RiskResult:    risk.Pass,
		IsSplitChild:  isSplitChild,
		ParentOrderID: parentID,
		ShmOrderIndex: cancelIndex,
	}

	if !r.book.AddOrder(cancelEntry) {
		r.pool.UpdateStage(cancelIndex, shm.StageQueuePushFailed, timeutil.NowNs())
		r.stats.OrdersRejected++
		r.fail(acerr.OrderBookFull, "failed to add cancel order")
		return false
	}

	if !r.sendToDownstream(cancelIndex) {
		r.stats.OrdersRejected++
		r.stats.QueueFullCount++
		r.book.UpdateStatus(cancelID, shm.StatusTraderError)
		r.fail(acerr.QueuePushFailed, "failed to send cancel request")
		return false
	}

	r.stats.OrdersSent++
	r.book.UpdateStatus(cancelID, shm.StatusTraderSubmitted)
	return true
}

// handleSplitOrder materializes each child of a split parent. Children that
// make it downstream flip to TraderSubmitted; any failure latches the
// parent to TraderError while already-submitted children keep their status.
func (r *Router) handleSplitOrder(parent *orderbook.Entry) bool {
	r.stats.OrdersSplit++

	result := r.splitter.Split(&parent.Request)
	if !result.Success || len(result.Children) == 0 {
		r.stats.OrdersRejected++
		r.book.UpdateStatus(parent.Request.InternalOrderID, shm.StatusTraderError)
		r.fail(acerr.SplitFailed, "split order failed")
		return false
	}

	anySent := false
	anyFailed := false

	for i := range result.Children {
		childRequest := &result.Children[i]
		childRequest.Status = shm.StatusTraderPending

		childIndex, ok := r.pool.Append(childRequest, shm.StageUpstreamDequeued,
			shm.SourceAccountInternal, timeutil.NowNs())
		if !ok {
			anyFailed = true
			r.stats.OrdersRejected++
			r.fail(acerr.OrderPoolFull, "failed to allocate child order slot")
			continue
		}

		now := timeutil.NowNs()
		childEntry := orderbook.Entry{
			Request:       *childRequest,
			SubmitTimeNs:  now,
			LastUpdateNs:  now,
			StrategyID:    parent.StrategyID,
			RiskResult:    parent.RiskResult,
			IsSplitChild:  true,
			ParentOrderID: parent.Request.InternalOrderID,
			ShmOrderIndex: childIndex,
		}

		if !r.book.AddOrder(childEntry) {
			r.pool.UpdateStage(childIndex, shm.StageQueuePushFailed, timeutil.NowNs())
			anyFailed = true
			r.stats.OrdersRejected++
			r.fail(acerr.OrderBookFull, "failed to add child order")
			continue
		}

		if !r.sendToDownstream(childIndex) {
			anyFailed = true
			r.stats.OrdersRejected++
			r.stats.QueueFullCount++
			r.book.UpdateStatus(childRequest.InternalOrderID, shm.StatusTraderError)
			r.fail(acerr.QueuePushFailed, "failed to send child order")
			continue
		}

		r.stats.OrdersSent++
		anySent = true
		r.book.UpdateStatus(childRequest.InternalOrderID, shm.StatusTraderSubmitted)
	}

	if anyFailed {
		r.book.UpdateStatus(parent.Request.InternalOrderID, shm.StatusTraderError)
	}
	return anySent
}

// sendToDownstream pushes the slot index and records the stage transition.
func (r *Router) sendToDownstream(index shm.OrderIndex) bool {
	if r.downstream == nil || r.pool == nil {
		r.fail(acerr.ComponentUnavailable, "downstream/orders shm unavailable")
		return false
	}

	if r.downstream.Queue.TryPush(index) {
		r.downstream.Touch()
		r.pool.UpdateStage(index, shm.StageDownstreamQueued, timeutil.NowNs())
		return true
	}
	r.pool.UpdateStage(index, shm.StageQueuePushFailed, timeutil.NowNs())
	return false
}

func (r *Router) fail(code acerr.Code, message string) {
	status := acerr.New(acerr.DomainOrder, code, "order_router", message)
	acerr.Record(status)
	r.logger.Error("router operation failed",
		zap.String("code", code.String()), zap.String("message", message))
}
