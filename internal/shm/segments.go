package shm

import (
	"sync/atomic"
	"unsafe"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/common/timeutil"
)

// Segment byte sizes. Openers must observe these exact sizes.
func UpstreamSegmentSize() int {
	return ShmHeaderSize + int(RingBytes[OrderIndex](StrategyOrderQueueCapacity))
}

func DownstreamSegmentSize() int {
	return ShmHeaderSize + int(RingBytes[OrderIndex](DownstreamQueueCapacity))
}

func TradesSegmentSize() int {
	return ShmHeaderSize + int(RingBytes[TradeResponse](ResponseQueueCapacity))
}

func PositionsSegmentSize() int {
	return PositionsHeaderSize + CacheLineSize + MaxPositions*PositionSize
}

// IndexQueueSegment is a queue segment carrying order-pool indices
// (upstream and downstream order queues).
type IndexQueueSegment struct {
	Header *ShmHeader
	Queue  *Ring[OrderIndex]
	Region *Region
}

// TradeQueueSegment is the trades queue segment (gateway to account loop).
type TradeQueueSegment struct {
	Header *ShmHeader
	Queue  *Ring[TradeResponse]
	Region *Region
}

// Touch publishes the segment's last-update timestamp.
func (s *IndexQueueSegment) Touch() {
	atomic.StoreUint64(&s.Header.LastUpdateNs, timeutil.NowNs())
}

// Touch publishes the segment's last-update timestamp.
func (s *TradeQueueSegment) Touch() {
	atomic.StoreUint64(&s.Header.LastUpdateNs, timeutil.NowNs())
}

func initShmHeader(h *ShmHeader) {
	h.Magic = ShmMagic
	h.Version = ShmVersion
	h.CreateTimeNs = timeutil.NowNs()
	h.LastUpdateNs = h.CreateTimeNs
	atomic.StoreUint32(&h.NextOrderID, 1)
}

func validateShmHeader(h *ShmHeader, name string) error {
	if h.Magic != ShmMagic || h.Version != ShmVersion {
		status := acerr.Newf(acerr.DomainShm, acerr.ShmHeaderInvalid, "shm_manager",
			"header mismatch for %s: magic=%#x version=%d", name, h.Magic, h.Version)
		acerr.Record(status)
		return status
	}
	return nil
}

func (m *Manager) openIndexQueue(name string, capacity uint64, size int, mode Mode) (*IndexQueueSegment, error) {
	region, err := m.Open(name, size, mode)
	if err != nil {
		return nil, err
	}

	header := (*ShmHeader)(region.Base())
	queue := RingView[OrderIndex](unsafe.Add(region.Base(), ShmHeaderSize), capacity)
	if region.Created {
		initShmHeader(header)
		queue.Init()
	} else if err := validateShmHeader(header, name); err != nil {
		region.Close()
		return nil, err
	}

	return &IndexQueueSegment{Header: header, Queue: queue, Region: region}, nil
}

// OpenUpstream attaches the strategy order queue segment.
func (m *Manager) OpenUpstream(name string, mode Mode) (*IndexQueueSegment, error) {
	return m.openIndexQueue(name, StrategyOrderQueueCapacity, UpstreamSegmentSize(), mode)
}

// OpenDownstream attaches the downstream order queue segment.
func (m *Manager) OpenDownstream(name string, mode Mode) (*IndexQueueSegment, error) {
	return m.openIndexQueue(name, DownstreamQueueCapacity, DownstreamSegmentSize(), mode)
}

// OpenTrades attaches the trade response queue segment.
func (m *Manager) OpenTrades(name string, mode Mode) (*TradeQueueSegment, error) {
	region, err := m.Open(name, TradesSegmentSize(), mode)
	if err != nil {
		return nil, err
	}

	header := (*ShmHeader)(region.Base())
	queue := RingView[TradeResponse](unsafe.Add(region.Base(), ShmHeaderSize), ResponseQueueCapacity)
	if region.Created {
		initShmHeader(header)
		queue.Init()
	} else if err := validateShmHeader(header, name); err != nil {
		region.Close()
		return nil, err
	}

	return &TradeQueueSegment{Header: header, Queue: queue, Region: region}, nil
}

// PositionsSegment is a view over the position table segment: header, the
// row count on its own cache line, and MaxPositions rows.
type PositionsSegment struct {
	Header *PositionsHeader
	Region *Region

	countPtr *uint64
	rows     unsafe.Pointer
}

// OpenPositions attaches the position table segment. A freshly created
// segment gets its header written with init_state=0; the position manager
// finishes initialization. An opened segment is validated field-exactly.
func (m *Manager) OpenPositions(name string, mode Mode) (*PositionsSegment, error) {
	region, err := m.Open(name, PositionsSegmentSize(), mode)
	if err != nil {
		return nil, err
	}

	seg := &PositionsSegment{
		Header:   (*PositionsHeader)(region.Base()),
		Region:   region,
		countPtr: (*uint64)(unsafe.Add(region.Base(), PositionsHeaderSize)),
		rows:     unsafe.Add(region.Base(), PositionsHeaderSize+CacheLineSize),
	}

	h := seg.Header
	if region.Created {
		h.Magic = PositionsMagic
		h.Version = PositionsVersion
		h.HeaderSize = PositionsHeaderSize
		h.TotalSize = uint32(PositionsSegmentSize())
		h.Capacity = MaxPositions
		h.InitState = 0
		h.CreateTimeNs = timeutil.NowNs()
		h.LastUpdateNs = h.CreateTimeNs
		atomic.StoreUint32(&h.NextSecurityID, FirstSecurityPositionIndex)
	} else if h.Magic != PositionsMagic || h.Version != PositionsVersion ||
		h.HeaderSize != PositionsHeaderSize || h.TotalSize != uint32(PositionsSegmentSize()) ||
		h.Capacity != MaxPositions {
		region.Close()
		status := acerr.Newf(acerr.DomainShm, acerr.ShmHeaderInvalid, "shm_manager",
			"positions header mismatch for %s", name)
		acerr.Record(status)
		return nil, status
	}

	return seg, nil
}

// Row returns the i'th position row. Row 0 is FUND.
func (s *PositionsSegment) Row(i int) *Position {
	if i < 0 || i >= MaxPositions {
		return nil
	}
	return (*Position)(unsafe.Add(s.rows, i*PositionSize))
}

// Count returns the published security row count.
func (s *PositionsSegment) Count() uint64 {
	return atomic.LoadUint64(s.countPtr)
}

// SetCount publishes a new security row count. It only ever grows.
func (s *PositionsSegment) SetCount(n uint64) {
	atomic.StoreUint64(s.countPtr, n)
}

// Capacity returns the total number of rows including FUND.
func (s *PositionsSegment) Capacity() int { return MaxPositions }

// Touch publishes the segment's last-update timestamp.
func (s *PositionsSegment) Touch() {
	atomic.StoreUint64(&s.Header.LastUpdateNs, timeutil.NowNs())
}
