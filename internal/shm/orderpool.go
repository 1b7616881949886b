package shm

import (
	"strings"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/common/timeutil"
)

// snapshotAttempts bounds seqlock read retries before surfacing Retry.
const snapshotAttempts = 32

// ReadResult is the outcome of a slot snapshot read.
type ReadResult int

const (
	// ReadOK means the snapshot is coherent.
	ReadOK ReadResult = iota
	// ReadRetry means a writer kept the slot busy; the caller may retry.
	ReadRetry
	// ReadNotFound means the index is not visible (unpublished or out of range).
	ReadNotFound
)

// SlotSnapshot is a coherent copy of one pool slot.
type SlotSnapshot struct {
	Request      OrderRequest
	Stage        SlotStage
	Source       SlotSource
	LastUpdateNs uint64
}

// IsValidTradingDay reports whether s is an 8-digit YYYYMMDD string.
func IsValidTradingDay(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// OrdersShmName builds the dated pool segment name ("<base>_YYYYMMDD").
func OrdersShmName(base, tradingDay string) string {
	return base + "_" + tradingDay
}

// ExtractTradingDayFromName recovers the trading day from a dated name.
func ExtractTradingDayFromName(name string) (string, bool) {
	pos := strings.LastIndexByte(name, '_')
	if pos < 0 {
		return "", false
	}
	day := name[pos+1:]
	if !IsValidTradingDay(day) {
		return "", false
	}
	return day, true
}

// OrderPoolSegmentSize returns the byte size of a pool with the given
// slot capacity.
func OrderPoolSegmentSize(capacity uint32) int {
	return OrdersHeaderSize + int(capacity)*OrderSlotSize
}

// OrderPool is the append-only daily order pool: a capacity-fixed array of
// seqlock-protected slots. Slot indices are allocated once per trading day
// and never reused; any process that can map the segment may read slots.
type OrderPool struct {
	header *OrdersHeader
	slots  unsafe.Pointer
	region *Region
	logger *zap.Logger
}

// CreateOrderPool initializes a freshly created region as an order pool.
func CreateOrderPool(region *Region, capacity uint32, tradingDay string, logger *zap.Logger) (*OrderPool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !IsValidTradingDay(tradingDay) {
		status := acerr.Newf(acerr.DomainShm, acerr.InvalidParam, "order_pool",
			"invalid trading day %q", tradingDay)
		acerr.Record(status)
		return nil, status
	}
	if region.Size() != OrderPoolSegmentSize(capacity) {
		status := acerr.Newf(acerr.DomainShm, acerr.ShmResizeFailed, "order_pool",
			"region size %d does not fit capacity %d", region.Size(), capacity)
		acerr.Record(status)
		return nil, status
	}

	p := &OrderPool{
		header: (*OrdersHeader)(region.Base()),
		slots:  unsafe.Add(region.Base(), OrdersHeaderSize),
		region: region,
		logger: logger,
	}

	h := p.header
	h.Magic = OrdersMagic
	h.Version = OrdersVersion
	h.HeaderSize = OrdersHeaderSize
	h.TotalSize = uint32(region.Size())
	h.Capacity = capacity
	h.CreateTimeNs = timeutil.NowNs()
	h.LastUpdateNs = h.CreateTimeNs
	atomic.StoreUint32(&h.NextIndex, 0)
	atomic.StoreUint64(&h.FullRejectCount, 0)
	h.TradingDay = [9]byte{}
	copy(h.TradingDay[:8], tradingDay)
	h.InitState = 1
	return p, nil
}

// AttachOrderPool wraps an existing pool region, validating its header
// against the mapped size.
func AttachOrderPool(region *Region, logger *zap.Logger) (*OrderPool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if region.Size() < OrdersHeaderSize {
		status := acerr.New(acerr.DomainShm, acerr.ShmHeaderInvalid, "order_pool", "region smaller than header")
		acerr.Record(status)
		return nil, status
	}

	h := (*OrdersHeader)(region.Base())
	if h.Magic != OrdersMagic || h.Version != OrdersVersion ||
		h.HeaderSize != OrdersHeaderSize || h.InitState != 1 {
		status := acerr.Newf(acerr.DomainShm, acerr.ShmHeaderInvalid, "order_pool",
			"pool header mismatch for %s", region.Name)
		acerr.Record(status)
		return nil, status
	}
	if int(h.TotalSize) != region.Size() || OrderPoolSegmentSize(h.Capacity) != region.Size() {
		status := acerr.Newf(acerr.DomainShm, acerr.ShmHeaderCorrupted, "order_pool",
			"pool size fields inconsistent for %s", region.Name)
		acerr.Record(status)
		return nil, status
	}

	return &OrderPool{
		header: h,
		slots:  unsafe.Add(region.Base(), OrdersHeaderSize),
		region: region,
		logger: logger,
	}, nil
}

// OpenOrderPool opens or creates the dated pool segment for tradingDay.
func (m *Manager) OpenOrderPool(baseName, tradingDay string, capacity uint32, mode Mode, logger *zap.Logger) (*OrderPool, error) {
	name := OrdersShmName(baseName, tradingDay)
	region, err := m.Open(name, OrderPoolSegmentSize(capacity), mode)
	if err != nil {
		return nil, err
	}
	var pool *OrderPool
	if region.Created {
		pool, err = CreateOrderPool(region, capacity, tradingDay, logger)
	} else {
		pool, err = AttachOrderPool(region, logger)
	}
	if err != nil {
		region.Close()
		return nil, err
	}
	return pool, nil
}

// Header returns the pool header view.
func (p *OrderPool) Header() *OrdersHeader { return p.header }

// Capacity returns the slot capacity.
func (p *OrderPool) Capacity() uint32 { return p.header.Capacity }

// TradingDay returns the trading day the pool was created for.
func (p *OrderPool) TradingDay() string { return p.header.TradingDayString() }

// NextIndex returns the published slot upper bound.
func (p *OrderPool) NextIndex() OrderIndex {
	return atomic.LoadUint32(&p.header.NextIndex)
}

// FullRejectCount returns how many allocations failed on a full pool.
func (p *OrderPool) FullRejectCount() uint64 {
	return atomic.LoadUint64(&p.header.FullRejectCount)
}

func (p *OrderPool) slot(index OrderIndex) *OrderSlot {
	return (*OrderSlot)(unsafe.Add(p.slots, uintptr(index)*OrderSlotSize))
}

// IndexExists reports whether the index is visible: published by the
// allocator and within capacity.
func (p *OrderPool) IndexExists(index OrderIndex) bool {
	if index == InvalidOrderIndex {
		return false
	}
	upper := atomic.LoadUint32(&p.header.NextIndex)
	return index < upper && index < p.header.Capacity
}

// Allocate claims the next slot index. Indices are never reused within the
// trading day; a full pool bumps FullRejectCount and fails.
func (p *OrderPool) Allocate() (OrderIndex, bool) {
	for {
		current := atomic.LoadUint32(&p.header.NextIndex)
		if current >= p.header.Capacity {
			atomic.AddUint64(&p.header.FullRejectCount, 1)
			return InvalidOrderIndex, false
		}
		next := current + 1
		if atomic.CompareAndSwapUint32(&p.header.NextIndex, current, next) {
			capacity := uint64(p.header.Capacity)
			if uint64(next) == capacity*80/100 {
				p.logger.Warn("order pool usage reached 80%",
					zap.Uint32("used", next), zap.Uint32("capacity", p.header.Capacity))
			} else if uint64(next) == capacity*95/100 {
				p.logger.Warn("order pool usage reached 95%",
					zap.Uint32("used", next), zap.Uint32("capacity", p.header.Capacity))
			}
			return current, true
		}
	}
}

// mutateSlot runs fn on the slot under the seqlock write protocol. The
// writer is the sole owner of the slot for the stage updates it performs; an
// odd seq observed here means a previous write was torn and is forced even.
func (p *OrderPool) mutateSlot(index OrderIndex, fn func(*OrderSlot)) bool {
	if !p.IndexExists(index) {
		return false
	}

	slot := p.slot(index)
	seq := atomic.LoadUint64(&slot.Seq)
	if seq&1 != 0 {
		seq++
	}

	atomic.StoreUint64(&slot.Seq, seq+1) // odd: write in progress
	fn(slot)
	atomic.StoreUint64(&slot.Seq, seq+2) // even: publish
	atomic.StoreUint64(&p.header.LastUpdateNs, timeutil.NowNs())
	return true
}

// Write stores a full request plus slot metadata at index.
func (p *OrderPool) Write(index OrderIndex, request *OrderRequest, stage SlotStage, source SlotSource, updateNs uint64) bool {
	return p.mutateSlot(index, func(slot *OrderSlot) {
		slot.Request = *request
		slot.Stage = stage
		slot.Source = source
		slot.LastUpdateNs = updateNs
	})
}

// Sync refreshes the request payload without touching stage or source.
func (p *OrderPool) Sync(index OrderIndex, request *OrderRequest, updateNs uint64) bool {
	return p.mutateSlot(index, func(slot *OrderSlot) {
		slot.Request = *request
		slot.LastUpdateNs = updateNs
	})
}

// UpdateStage transitions the slot stage.
func (p *OrderPool) UpdateStage(index OrderIndex, stage SlotStage, updateNs uint64) bool {
	return p.mutateSlot(index, func(slot *OrderSlot) {
		slot.Stage = stage
		slot.LastUpdateNs = updateNs
	})
}

// Append allocates a slot and writes the request into it.
func (p *OrderPool) Append(request *OrderRequest, stage SlotStage, source SlotSource, updateNs uint64) (OrderIndex, bool) {
	index, ok := p.Allocate()
	if !ok {
		return InvalidOrderIndex, false
	}
	if !p.Write(index, request, stage, source, updateNs) {
		return InvalidOrderIndex, false
	}
	return index, true
}

// ReadSnapshot copies the slot under the seqlock read protocol. A reader
// that races a writer for all attempts gets ReadRetry and may retry on its
// own schedule; it never observes a torn request.
func (p *OrderPool) ReadSnapshot(index OrderIndex) (SlotSnapshot, ReadResult) {
	var out SlotSnapshot
	if !p.IndexExists(index) {
		return out, ReadNotFound
	}

	slot := p.slot(index)
	for attempt := 0; attempt < snapshotAttempts; attempt++ {
		seq0 := atomic.LoadUint64(&slot.Seq)
		if seq0&1 != 0 {
			continue
		}

		snapshot := SlotSnapshot{
			Request:      slot.Request,
			Stage:        slot.Stage,
			Source:       slot.Source,
			LastUpdateNs: slot.LastUpdateNs,
		}

		seq1 := atomic.LoadUint64(&slot.Seq)
		if seq0 == seq1 && seq1&1 == 0 {
			out = snapshot
			return out, ReadOK
		}
	}
	return out, ReadRetry
}
