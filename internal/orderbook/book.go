// Package orderbook keeps the in-process mirror of live orders: a
// fixed-capacity slab indexed by id, broker id and security, with
// parent↔children aggregation for split orders. All operations run under a
// single spinlock; callers never see a partially applied mutation.
package orderbook

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/common/spin"
	"github.com/tradecore/acctsvc/internal/common/timeutil"
	"github.com/tradecore/acctsvc/internal/risk"
	"github.com/tradecore/acctsvc/internal/shm"
)

// DefaultCapacity is the slab size of a production book.
const DefaultCapacity = shm.MaxActiveOrders

// Entry wraps an order request with the in-process bookkeeping the event
// loop and router attach to it.
type Entry struct {
	Request       shm.OrderRequest
	SubmitTimeNs  uint64
	LastUpdateNs  uint64
	StrategyID    uint16
	RiskResult    risk.Result
	RetryCount    uint8
	IsSplitChild  bool
	ParentOrderID uint32
	ShmOrderIndex shm.OrderIndex
}

// IsTerminal reports whether the entry reached a terminal status.
func (e *Entry) IsTerminal() bool { return e.Request.Status.IsTerminal() }

// IsActive reports whether the entry is still live.
func (e *Entry) IsActive() bool { return !e.IsTerminal() }

// statusProgressRank orders non-terminal statuses by pipeline progress for
// split-parent aggregation.
func statusProgressRank(status shm.OrderStatus) int {
	switch status {
	case shm.StatusMarketAccepted:
		return 7
	case shm.StatusBrokerAccepted:
		return 6
	case shm.StatusTraderSubmitted:
		return 5
	case shm.StatusTraderPending:
		return 4
	case shm.StatusRiskControllerAccepted:
		return 3
	case shm.StatusRiskControllerPending:
		return 2
	case shm.StatusStrategySubmitted:
		return 1
	default:
		return 0
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// Book is the order slab plus its indexes.
type Book struct {
	lock spin.Lock

	orders      []Entry
	freeSlots   []int
	idToIndex   map[uint32]int
	brokerIDMap map[uint64]uint32
	// securityOrders maps a security key to every order id referencing it.
	securityOrders map[string][]uint32
	// Split bookkeeping. Parent↔child links are never removed, even when a
	// child is archived; consumers filter as needed.
	parentToChildren map[uint32][]uint32
	childToParent    map[uint32]uint32
	errorLatched     map[uint32]struct{}

	activeCount int
	nextOrderID uint32
	logger      *zap.Logger
}

// New creates a book with the given slab capacity.
func New(capacity int, logger *zap.Logger) *Book {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Book{
		orders:           make([]Entry, capacity),
		freeSlots:        make([]int, 0, capacity),
		idToIndex:        make(map[uint32]int),
		brokerIDMap:      make(map[uint64]uint32),
		securityOrders:   make(map[string][]uint32),
		parentToChildren: make(map[uint32][]uint32),
		childToParent:    make(map[uint32]uint32),
		errorLatched:     make(map[uint32]struct{}),
		nextOrderID:      1,
		logger:           logger,
	}
	for i := capacity - 1; i >= 0; i-- {
		b.freeSlots = append(b.freeSlots, i)
	}
	return b
}

// Capacity returns the slab size.
func (b *Book) Capacity() int { return len(b.orders) }

// NextOrderID returns a fresh monotonically increasing internal order id.
func (b *Book) NextOrderID() uint32 {
	return atomic.AddUint32(&b.nextOrderID, 1) - 1
}

// AddOrder admits an entry into the book. It fails on a zero id, a
// duplicate id or a full slab; it never overwrites an existing entry.
func (b *Book) AddOrder(entry Entry) bool {
	orderID := entry.Request.InternalOrderID
	if orderID == 0 {
		b.fail(acerr.InvalidOrderID, "order id is zero")
		return false
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if _, exists := b.idToIndex[orderID]; exists {
		b.fail(acerr.DuplicateOrder, "duplicate order id")
		return false
	}
	if len(b.freeSlots) == 0 {
		b.fail(acerr.OrderBookFull, "order book free slots exhausted")
		return false
	}

	index := b.freeSlots[len(b.freeSlots)-1]
	b.freeSlots = b.freeSlots[:len(b.freeSlots)-1]

	if entry.SubmitTimeNs == 0 {
		entry.SubmitTimeNs = timeutil.NowNs()
	}
	if entry.LastUpdateNs == 0 {
		entry.LastUpdateNs = entry.SubmitTimeNs
	}
	if entry.Request.OrderType == shm.OrderTypeNew && entry.Request.VolumeRemain == 0 &&
		entry.Request.VolumeEntrust >= entry.Request.VolumeTraded {
		entry.Request.VolumeRemain = entry.Request.VolumeEntrust - entry.Request.VolumeTraded
	}

	b.orders[index] = entry
	b.idToIndex[orderID] = index

	if brokerID := entry.Request.BrokerOrderIDUint(); brokerID != 0 {
		b.brokerIDMap[brokerID] = orderID
	}
	if key := entry.Request.InternalSecurityID.String(); key != "" {
		b.securityOrders[key] = append(b.securityOrders[key], orderID)
	}
	if entry.IsSplitChild && entry.ParentOrderID != 0 {
		b.parentToChildren[entry.ParentOrderID] = append(b.parentToChildren[entry.ParentOrderID], orderID)
		b.childToParent[orderID] = entry.ParentOrderID
		b.refreshParentFromChildren(entry.ParentOrderID)
	}

	b.activeCount++
	return true
}

// FindOrder returns a copy of the entry for the id.
func (b *Book) FindOrder(orderID uint32) (Entry, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	entry := b.find(orderID)
	if entry == nil {
		return Entry{}, false
	}
	return *entry, true
}

// FindByBrokerID returns a copy of the entry for the numeric broker id.
func (b *Book) FindByBrokerID(brokerOrderID uint64) (Entry, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	orderID, ok := b.brokerIDMap[brokerOrderID]
	if !ok {
		return Entry{}, false
	}
	entry := b.find(orderID)
	if entry == nil {
		return Entry{}, false
	}
	return *entry, true
}

// SetRiskResult records the risk decision on the entry.
func (b *Book) SetRiskResult(orderID uint32, result risk.Result) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	entry := b.find(orderID)
	if entry == nil {
		return false
	}
	entry.RiskResult = result
	return true
}

// SetBrokerOrderID records the broker's id for the order and indexes it.
func (b *Book) SetBrokerOrderID(orderID uint32, brokerOrderID uint64) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	entry := b.find(orderID)
	if entry == nil {
		return false
	}
	entry.Request.SetBrokerOrderIDUint(brokerOrderID)
	if brokerOrderID != 0 {
		b.brokerIDMap[brokerOrderID] = orderID
	}
	return true
}

// UpdateStatus writes a new business status. A TraderError on a split
// parent latches the parent; a status change on a child re-aggregates its
// parent.
func (b *Book) UpdateStatus(orderID uint32, newStatus shm.OrderStatus) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	entry := b.find(orderID)
	if entry == nil {
		b.fail(acerr.OrderNotFound, "update_status order not found")
		return false
	}

	entry.Request.Status = newStatus
	entry.LastUpdateNs = timeutil.NowNs()

	if newStatus == shm.StatusTraderError {
		if _, isParent := b.parentToChildren[orderID]; isParent {
			b.errorLatched[orderID] = struct{}{}
		}
	}
	if parentID, isChild := b.childToParent[orderID]; isChild {
		b.refreshParentFromChildren(parentID)
	}
	return true
}

// UpdateTrade applies a fill to the entry: saturating adds on traded
// volume/value/fee, floor-zero on remaining volume, clamped traded volume,
// average price refresh and auto-Finish when nothing remains.
func (b *Book) UpdateTrade(orderID uint32, volume, price, value, fee uint64) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	entry := b.find(orderID)
	if entry == nil {
		b.fail(acerr.OrderNotFound, "update_trade order not found")
		return false
	}

	request := &entry.Request
	request.VolumeTraded = saturatingAdd(request.VolumeTraded, volume)
	if request.VolumeEntrust > 0 && request.VolumeTraded > request.VolumeEntrust {
		request.VolumeTraded = request.VolumeEntrust
	}

	if volume >= request.VolumeRemain {
		request.VolumeRemain = 0
	} else {
		request.VolumeRemain -= volume
	}

	request.DValueTraded = saturatingAdd(request.DValueTraded, value)
	request.DFeeExecuted = saturatingAdd(request.DFeeExecuted, fee)

	if request.VolumeTraded > 0 {
		if request.DValueTraded > 0 {
			request.DPriceTraded = request.DValueTraded / request.VolumeTraded
		} else {
			request.DPriceTraded = price
		}
	}

	if request.VolumeRemain == 0 && !request.Status.IsTerminal() {
		request.Status = shm.StatusFinished
	}

	entry.LastUpdateNs = timeutil.NowNs()

	if parentID, isChild := b.childToParent[orderID]; isChild {
		b.refreshParentFromChildren(parentID)
	}
	return true
}

// ArchiveOrder frees the slab slot and removes the id from the by-id,
// by-broker-id and by-security indexes. Parent↔child links persist.
func (b *Book) ArchiveOrder(orderID uint32) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	index, ok := b.idToIndex[orderID]
	if !ok {
		b.fail(acerr.OrderNotFound, "archive_order order not found")
		return false
	}

	entry := &b.orders[index]
	if brokerID := entry.Request.BrokerOrderIDUint(); brokerID != 0 {
		if mapped, ok := b.brokerIDMap[brokerID]; ok && mapped == orderID {
			delete(b.brokerIDMap, brokerID)
		}
	}
	if key := entry.Request.InternalSecurityID.String(); key != "" {
		orders := b.securityOrders[key]
		kept := orders[:0]
		for _, id := range orders {
			if id != orderID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(b.securityOrders, key)
		} else {
			b.securityOrders[key] = kept
		}
	}

	delete(b.idToIndex, orderID)
	b.orders[index] = Entry{}
	b.freeSlots = append(b.freeSlots, index)
	if b.activeCount > 0 {
		b.activeCount--
	}
	return true
}

// ActiveOrderIDs returns the ids of all live entries.
func (b *Book) ActiveOrderIDs() []uint32 {
	b.lock.Lock()
	defer b.lock.Unlock()

	out := make([]uint32, 0, len(b.idToIndex))
	for id := range b.idToIndex {
		out = append(out, id)
	}
	return out
}

// OrdersBySecurity returns the ids referencing the security key.
func (b *Book) OrdersBySecurity(securityKey string) []uint32 {
	b.lock.Lock()
	defer b.lock.Unlock()

	orders := b.securityOrders[securityKey]
	out := make([]uint32, len(orders))
	copy(out, orders)
	return out
}

// Children returns the child ids of a split parent, including archived
// children.
func (b *Book) Children(parentID uint32) []uint32 {
	b.lock.Lock()
	defer b.lock.Unlock()

	children := b.parentToChildren[parentID]
	out := make([]uint32, len(children))
	copy(out, children)
	return out
}

// Parent returns the parent id of a split child.
func (b *Book) Parent(childID uint32) (uint32, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	parentID, ok := b.childToParent[childID]
	return parentID, ok
}

// ActiveCount returns the number of live entries.
func (b *Book) ActiveCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.activeCount
}

// Clear resets the book. Initialization/tests only.
func (b *Book) Clear() {
	b.lock.Lock()
	defer b.lock.Unlock()

	capacity := len(b.orders)
	b.idToIndex = make(map[uint32]int)
	b.brokerIDMap = make(map[uint64]uint32)
	b.securityOrders = make(map[string][]uint32)
	b.parentToChildren = make(map[uint32][]uint32)
	b.childToParent = make(map[uint32]uint32)
	b.errorLatched = make(map[uint32]struct{})
	b.freeSlots = b.freeSlots[:0]
	for i := capacity - 1; i >= 0; i-- {
		b.orders[i] = Entry{}
		b.freeSlots = append(b.freeSlots, i)
	}
	b.activeCount = 0
}

func (b *Book) find(orderID uint32) *Entry {
	index, ok := b.idToIndex[orderID]
	if !ok {
		return nil
	}
	return &b.orders[index]
}

func (b *Book) fail(code acerr.Code, message string) {
	status := acerr.New(acerr.DomainOrder, code, "order_book", message)
	acerr.Record(status)
	b.logger.Error("order book operation failed",
		zap.String("code", code.String()), zap.String("message", message))
}

// refreshParentFromChildren recomputes a split parent's aggregate from its
// New children. Runs inside the book lock, so every child change is
// reflected in the parent within the same critical section.
func (b *Book) refreshParentFromChildren(parentID uint32) {
	parent := b.find(parentID)
	if parent == nil {
		status := acerr.New(acerr.DomainOrder, acerr.OrderInvariantBroken, "order_book",
			"parent missing while refreshing split state")
		acerr.Record(status)
		b.logger.Error("split parent missing", zap.Uint32("parent_id", parentID))
		return
	}

	children, ok := b.parentToChildren[parentID]
	if !ok {
		return
	}

	var (
		totalVolumeTraded uint64
		totalVolumeRemain uint64
		totalDValueTraded uint64
		totalFee          uint64
	)
	latestUpdateNs := parent.LastUpdateNs

	allTerminal := true
	bestStatus := shm.StatusNotSet
	bestRank := -1
	newChildCount := 0

	for _, childID := range children {
		child := b.find(childID)
		if child == nil || child.Request.OrderType != shm.OrderTypeNew {
			continue
		}
		newChildCount++

		totalVolumeTraded = saturatingAdd(totalVolumeTraded, child.Request.VolumeTraded)
		totalVolumeRemain = saturatingAdd(totalVolumeRemain, child.Request.VolumeRemain)
		totalDValueTraded = saturatingAdd(totalDValueTraded, child.Request.DValueTraded)
		totalFee = saturatingAdd(totalFee, child.Request.DFeeExecuted)
		if child.LastUpdateNs > latestUpdateNs {
			latestUpdateNs = child.LastUpdateNs
		}

		childStatus := child.Request.Status
		if !childStatus.IsTerminal() {
			allTerminal = false
		}
		if rank := statusProgressRank(childStatus); rank > bestRank {
			bestRank = rank
			bestStatus = childStatus
		}
	}

	if newChildCount == 0 {
		return
	}

	parent.Request.VolumeTraded = totalVolumeTraded
	parent.Request.VolumeRemain = totalVolumeRemain
	parent.Request.DValueTraded = totalDValueTraded
	parent.Request.DFeeExecuted = totalFee
	if totalVolumeTraded > 0 {
		parent.Request.DPriceTraded = totalDValueTraded / totalVolumeTraded
	}
	if parent.Request.VolumeEntrust > 0 && parent.Request.VolumeRemain > parent.Request.VolumeEntrust {
		parent.Request.VolumeRemain = parent.Request.VolumeEntrust
	}
	parent.LastUpdateNs = latestUpdateNs

	// The error latch is sticky and beats every other aggregate status.
	if _, latched := b.errorLatched[parentID]; latched {
		parent.Request.Status = shm.StatusTraderError
		return
	}
	if allTerminal {
		parent.Request.Status = shm.StatusFinished
		return
	}
	if bestStatus != shm.StatusNotSet {
		parent.Request.Status = bestStatus
	}
}
