// Package shm implements the shared-memory substrate of the account service:
// bit-stable cross-process types, named region management, SPSC index and
// record queues, the seqlock-protected order pool and the position table.
//
// Every type in this file is mapped directly into shared memory and must keep
// fixed offsets and sizes. Layouts are asserted at init; changing a field
// here is a wire-format change.
package shm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Queue and table capacities. Queue capacities must be powers of two.
const (
	StrategyOrderQueueCapacity = 65536
	DownstreamQueueCapacity    = 65536
	ResponseQueueCapacity      = 131072
	MaxPositions               = 8192
	MaxActiveOrders            = 1 << 20
	DailyOrderPoolCapacity     = 262144
)

// Default shared-memory segment names.
const (
	DefaultUpstreamShmName   = "/strategy_order_shm"
	DefaultDownstreamShmName = "/downstream_order_shm"
	DefaultTradesShmName     = "/trades_shm"
	DefaultOrdersShmBaseName = "/orders_shm"
	DefaultPositionsShmName  = "/positions_shm"
)

// Header magics and versions.
const (
	ShmMagic          uint32 = 0x41435354 // "ACST"
	ShmVersion        uint32 = 3
	OrdersMagic       uint32 = 0x4143534F // "ACSO"
	OrdersVersion     uint32 = 2
	PositionsMagic    uint32 = 0x41435354
	PositionsVersion  uint32 = 3
	CacheLineSize            = 64
	SecurityIDSize           = 16
	BrokerOrderIDSize        = 32
)

// OrderIndex identifies a slot in the daily order pool. The index queues
// carry only these, never full requests.
type OrderIndex = uint32

// InvalidOrderIndex is the sentinel for "no slot".
const InvalidOrderIndex OrderIndex = ^OrderIndex(0)

// OrderType is the kind of an order request.
type OrderType uint8

const (
	OrderTypeNotSet  OrderType = 0
	OrderTypeNew     OrderType = 1
	OrderTypeCancel  OrderType = 2
	OrderTypeUnknown OrderType = 0xFF
)

// TradeSide is the direction of an order.
type TradeSide uint8

const (
	SideNotSet TradeSide = 0
	SideBuy    TradeSide = 1
	SideSell   TradeSide = 2
)

// Market identifies the exchange a security trades on.
type Market uint8

const (
	MarketNotSet  Market = 0
	MarketSZ      Market = 1
	MarketSH      Market = 2
	MarketBJ      Market = 3
	MarketHK      Market = 4
	MarketUnknown Market = 0xFF
)

// Prefix returns the security-key prefix for the market ("SZ", "SH", ...).
func (m Market) Prefix() string {
	switch m {
	case MarketSZ:
		return "SZ"
	case MarketSH:
		return "SH"
	case MarketBJ:
		return "BJ"
	case MarketHK:
		return "HK"
	default:
		return ""
	}
}

// OrderStatus is the business status of an order, distinct from the slot
// stage which tracks the slot's position in the IPC pipeline.
type OrderStatus uint8

const (
	StatusNotSet                 OrderStatus = 0
	StatusStrategySubmitted      OrderStatus = 0x12
	StatusRiskControllerPending  OrderStatus = 0x20
	StatusRiskControllerRejected OrderStatus = 0x21
	StatusRiskControllerAccepted OrderStatus = 0x22
	StatusTraderPending          OrderStatus = 0x30
	StatusTraderRejected         OrderStatus = 0x31
	StatusTraderSubmitted        OrderStatus = 0x32
	StatusTraderError            OrderStatus = 0x33
	StatusBrokerRejected         OrderStatus = 0x41
	StatusBrokerAccepted         OrderStatus = 0x42
	StatusMarketRejected         OrderStatus = 0x51
	StatusMarketAccepted         OrderStatus = 0x52
	StatusFinished               OrderStatus = 0x62
	StatusUnknown                OrderStatus = 0xFF
)

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusRiskControllerRejected, StatusTraderRejected, StatusTraderError,
		StatusBrokerRejected, StatusMarketRejected, StatusFinished, StatusUnknown:
		return true
	default:
		return false
	}
}

// SlotStage is the lifecycle position of a pool slot inside the system.
type SlotStage uint8

const (
	StageEmpty              SlotStage = 0
	StageReserved           SlotStage = 1
	StageUpstreamQueued     SlotStage = 2
	StageUpstreamDequeued   SlotStage = 3
	StageRiskRejected       SlotStage = 4
	StageDownstreamQueued   SlotStage = 5
	StageDownstreamDequeued SlotStage = 6
	StageTerminal           SlotStage = 7
	StageQueuePushFailed    SlotStage = 8
)

// SlotSource records which subsystem created a pool slot.
type SlotSource uint8

const (
	SourceUnknown         SlotSource = 0
	SourceStrategy        SlotSource = 1
	SourceAccountInternal SlotSource = 2
)

// String16 is a fixed 16-byte NUL-padded string for shared-memory structs.
type String16 [16]byte

// Set copies v into the fixed buffer, truncating to 15 bytes plus NUL.
func (s *String16) Set(v string) {
	*s = String16{}
	n := len(v)
	if n > len(s)-1 {
		n = len(s) - 1
	}
	copy(s[:n], v)
}

// String returns the value up to the first NUL.
func (s String16) String() string {
	if i := bytes.IndexByte(s[:], 0); i >= 0 {
		return string(s[:i])
	}
	return string(s[:])
}

// Empty reports whether the string has no content.
func (s String16) Empty() bool { return s[0] == 0 }

// String32 is a fixed 32-byte NUL-padded string for shared-memory structs.
type String32 [32]byte

// Set copies v into the fixed buffer, truncating to 31 bytes plus NUL.
func (s *String32) Set(v string) {
	*s = String32{}
	n := len(v)
	if n > len(s)-1 {
		n = len(s) - 1
	}
	copy(s[:n], v)
}

// String returns the value up to the first NUL.
func (s String32) String() string {
	if i := bytes.IndexByte(s[:], 0); i >= 0 {
		return string(s[:i])
	}
	return string(s[:])
}

// Empty reports whether the string has no content.
func (s String32) Empty() bool { return s[0] == 0 }

// OrderRequest is the 192-byte, three-cache-line order record shared between
// the strategy, the account service, the gateway and monitors. The struct is
// copied whole under the slot seqlock; no field is individually atomic.
type OrderRequest struct {
	// cache line 0
	InternalOrderID     uint32
	_                   uint8
	OrderType           OrderType
	TradeSide           TradeSide
	Market              Market
	VolumeEntrust       uint64
	DPriceEntrust       uint64
	OrigInternalOrderID uint32
	InternalSecurityID  String16
	SecurityID          String16
	_                   [4]byte

	// cache line 1. BrokerOrderID holds the counter order id as a string;
	// its first 8 bytes overlay the numeric form.
	BrokerOrderID String32
	VolumeTraded  uint64
	VolumeRemain  uint64
	DValueTraded  uint64
	DPriceTraded  uint64

	// cache line 2
	DFeeEstimate         uint64
	DFeeExecuted         uint64
	MDTimeDriven         uint32
	MDTimeEntrust        uint32
	MDTimeCancelSent     uint32
	MDTimeCancelDone     uint32
	MDTimeBrokerResponse uint32
	MDTimeMarketResponse uint32
	MDTimeTradedFirst    uint32
	MDTimeTradedLatest   uint32
	Status               OrderStatus
	_                    [15]byte
}

// BrokerOrderIDUint returns the numeric overlay of the broker order id.
func (r *OrderRequest) BrokerOrderIDUint() uint64 {
	return binary.LittleEndian.Uint64(r.BrokerOrderID[:8])
}

// SetBrokerOrderIDUint stores the numeric overlay of the broker order id.
func (r *OrderRequest) SetBrokerOrderIDUint(v uint64) {
	r.BrokerOrderID = String32{}
	binary.LittleEndian.PutUint64(r.BrokerOrderID[:8], v)
}

// InitNew resets the request as a fresh New order.
func (r *OrderRequest) InitNew(securityID, internalSecurityID string, id uint32,
	side TradeSide, market Market, volume, dprice uint64, mdTimeDriven uint32) {
	r.InternalOrderID = id
	r.OrderType = OrderTypeNew
	r.TradeSide = side
	r.Market = market
	r.VolumeEntrust = volume
	r.DPriceEntrust = dprice
	r.MDTimeDriven = mdTimeDriven
	r.MDTimeEntrust = 0 // filled by the trader side
	r.SecurityID.Set(securityID)
	r.InternalSecurityID.Set(internalSecurityID)
	r.OrigInternalOrderID = 0
	r.MDTimeCancelSent = 0
	r.MDTimeCancelDone = 0
	r.VolumeTraded = 0
	r.VolumeRemain = volume
	r.DValueTraded = 0
	r.DPriceTraded = 0
	r.DFeeEstimate = 0
	r.DFeeExecuted = 0
}

// InitCancel resets the request as a cancel targeting origID.
func (r *OrderRequest) InitCancel(id uint32, mdTimeDriven uint32, origID uint32) {
	r.InternalOrderID = id
	r.OrderType = OrderTypeCancel
	r.TradeSide = SideNotSet
	r.Market = MarketNotSet
	r.VolumeEntrust = 0
	r.DPriceEntrust = 0
	r.MDTimeDriven = mdTimeDriven
	r.MDTimeEntrust = 0
	r.SecurityID = String16{}
	r.InternalSecurityID = String16{}
	r.OrigInternalOrderID = origID
	r.MDTimeCancelSent = 0
	r.MDTimeCancelDone = 0
	r.BrokerOrderID = String32{}
	r.VolumeTraded = 0
	r.VolumeRemain = 0
	r.DValueTraded = 0
	r.DPriceTraded = 0
	r.DFeeEstimate = 0
	r.DFeeExecuted = 0
	r.MDTimeBrokerResponse = 0
	r.MDTimeMarketResponse = 0
	r.MDTimeTradedFirst = 0
	r.MDTimeTradedLatest = 0
}

// OrderSlot is one cell of the daily order pool: a seqlock word, slot
// metadata and the embedded request, 64-byte aligned, 256 bytes total.
// Seq even means stable, odd means a writer is in progress.
type OrderSlot struct {
	Seq          uint64
	LastUpdateNs uint64
	Stage        SlotStage
	Source       SlotSource
	_            [6]byte
	_            [40]byte
	Request      OrderRequest
}

// ShmHeader heads the three queue segments.
type ShmHeader struct {
	Magic        uint32
	Version      uint32
	CreateTimeNs uint64
	LastUpdateNs uint64
	NextOrderID  uint32 // accessed atomically
	_            uint32
	Reserved     [4]uint64
}

// OrdersHeader heads the daily order pool segment.
type OrdersHeader struct {
	Magic           uint32
	Version         uint32
	HeaderSize      uint32
	TotalSize       uint32
	Capacity        uint32
	InitState       uint32
	CreateTimeNs    uint64
	LastUpdateNs    uint64
	NextIndex       uint32 // accessed atomically; only grows
	_               uint32
	FullRejectCount uint64 // accessed atomically
	TradingDay      [9]byte
	_               [7]byte
	Reserved        [3]uint64
	_               [32]byte
}

// TradingDayString returns the trading day recorded in the header.
func (h *OrdersHeader) TradingDayString() string {
	if i := bytes.IndexByte(h.TradingDay[:], 0); i >= 0 {
		return string(h.TradingDay[:i])
	}
	return string(h.TradingDay[:])
}

// PositionsHeader heads the position table segment.
type PositionsHeader struct {
	Magic          uint32
	Version        uint32
	HeaderSize     uint32
	TotalSize      uint32
	Capacity       uint32
	InitState      uint32
	CreateTimeNs   uint64
	LastUpdateNs   uint64
	NextSecurityID uint32 // accessed atomically
	Reserved       [3]uint32
	_              [8]byte
}

// TradeResponse is the 128-byte fill/status record pushed by the gateway and
// consumed by the account loop.
type TradeResponse struct {
	InternalOrderID    uint32
	BrokerOrderID      uint32
	InternalSecurityID String16
	TradeSide          TradeSide
	NewStatus          OrderStatus
	_                  [6]byte
	VolumeTraded       uint64
	DPriceTraded       uint64
	DValueTraded       uint64
	DFee               uint64
	MDTimeTraded       uint32
	_                  uint32
	RecvTimeNs         uint64
	_                  [48]byte
}

// Position indexes for the table.
const (
	FundPositionIndex          = 0
	FirstSecurityPositionIndex = 1
	FundPositionID             = "FUND"
)

// Position is one row of the position table. Row 0 is the FUND row and
// reinterprets four counters as fund quantities (see the Fund accessors);
// rows 1..count are securities keyed by "<MARKET>.<code>".
type Position struct {
	Locked            uint64 // row spinlock word, accessed atomically
	Available         uint64
	VolumeAvailableT0 uint64
	VolumeAvailableT1 uint64
	VolumeBuy         uint64
	DValueBuy         uint64
	VolumeBuyTraded   uint64
	DValueBuyTraded   uint64
	VolumeSell        uint64
	DValueSell        uint64
	VolumeSellTraded  uint64
	DValueSellTraded  uint64
	CountOrder        uint64
	ID                String16
	Name              String16
}

// Lock acquires the row spinlock.
func (p *Position) Lock() {
	for !atomic.CompareAndSwapUint64(&p.Locked, 0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the row spinlock.
func (p *Position) Unlock() {
	atomic.StoreUint64(&p.Locked, 0)
}

// Fund field mapping on the FUND row. Monitors read these same slots, so the
// aliasing is part of the wire format.
func (p *Position) FundTotalAsset() *uint64  { return &p.VolumeAvailableT0 }
func (p *Position) FundAvailable() *uint64   { return &p.Available }
func (p *Position) FundFrozen() *uint64      { return &p.VolumeAvailableT1 }
func (p *Position) FundMarketValue() *uint64 { return &p.VolumeBuy }

// FundInfo is a point-in-time copy of the FUND row quantities, in cents.
type FundInfo struct {
	TotalAsset  uint64 `json:"total_asset"`
	Available   uint64 `json:"available"`
	Frozen      uint64 `json:"frozen"`
	MarketValue uint64 `json:"market_value"`
}

// LoadFund copies the fund quantities out of the row. The caller must hold
// the row lock, or use AtomicLoadFund for a monitor-style read.
func (p *Position) LoadFund() FundInfo {
	return FundInfo{
		TotalAsset:  *p.FundTotalAsset(),
		Available:   *p.FundAvailable(),
		Frozen:      *p.FundFrozen(),
		MarketValue: *p.FundMarketValue(),
	}
}

// StoreFund writes the fund quantities into the row under the caller's lock.
func (p *Position) StoreFund(f FundInfo) {
	*p.FundTotalAsset() = f.TotalAsset
	*p.FundAvailable() = f.Available
	*p.FundFrozen() = f.Frozen
	*p.FundMarketValue() = f.MarketValue
}

// AtomicLoadFund reads the fund quantities without taking the row lock.
// Each field is individually coherent; the set as a whole may straddle a
// concurrent update, which monitors accept.
func (p *Position) AtomicLoadFund() FundInfo {
	return FundInfo{
		TotalAsset:  atomic.LoadUint64(p.FundTotalAsset()),
		Available:   atomic.LoadUint64(p.FundAvailable()),
		Frozen:      atomic.LoadUint64(p.FundFrozen()),
		MarketValue: atomic.LoadUint64(p.FundMarketValue()),
	}
}

// Layout sizes that the rest of the system depends on.
const (
	OrderRequestSize    = 192
	OrderSlotSize       = 256
	TradeResponseSize   = 128
	ShmHeaderSize       = 64
	OrdersHeaderSize    = 128
	PositionsHeaderSize = 64
	PositionSize        = 136
)

func assertSize(name string, got uintptr, want uintptr) {
	if got != want {
		panic(fmt.Sprintf("shm: %s size is %d, expected %d", name, got, want))
	}
}

func assertOffset(name string, got uintptr, want uintptr) {
	if got != want {
		panic(fmt.Sprintf("shm: %s offset is %d, expected %d", name, got, want))
	}
}

func init() {
	assertSize("OrderRequest", unsafe.Sizeof(OrderRequest{}), OrderRequestSize)
	assertSize("OrderSlot", unsafe.Sizeof(OrderSlot{}), OrderSlotSize)
	assertSize("TradeResponse", unsafe.Sizeof(TradeResponse{}), TradeResponseSize)
	assertSize("ShmHeader", unsafe.Sizeof(ShmHeader{}), ShmHeaderSize)
	assertSize("OrdersHeader", unsafe.Sizeof(OrdersHeader{}), OrdersHeaderSize)
	assertSize("PositionsHeader", unsafe.Sizeof(PositionsHeader{}), PositionsHeaderSize)
	assertSize("Position", unsafe.Sizeof(Position{}), PositionSize)

	var r OrderRequest
	assertOffset("OrderRequest.BrokerOrderID", unsafe.Offsetof(r.BrokerOrderID), 64)
	assertOffset("OrderRequest.DFeeEstimate", unsafe.Offsetof(r.DFeeEstimate), 128)
	var s OrderSlot
	assertOffset("OrderSlot.Request", unsafe.Offsetof(s.Request), 64)
}
