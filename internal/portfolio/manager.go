// Package portfolio maintains the authoritative per-account fund and
// position state in the shared position table: row 0 is the FUND row, rows
// 1..count are securities keyed by "<MARKET>.<code>". All mutations take the
// row spinlock; monitors read with lock-free patterns.
package portfolio

import (
	"sync/atomic"

	"go.uber.org/zap"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/shm"
)

// DefaultInitialFund is the seed funding (in cents) of a freshly
// initialized FUND row.
const DefaultInitialFund uint64 = 100_000_000

// MaxSecurityKeyCodeLen bounds the bare security code so the composed
// "<MARKET>.<code>" key fits the fixed 16-byte field.
const MaxSecurityKeyCodeLen = 12

// BuildSecurityKey composes the internal security key for a market and code.
func BuildSecurityKey(market shm.Market, code string) (string, bool) {
	if code == "" || len(code) > MaxSecurityKeyCodeLen {
		return "", false
	}
	prefix := market.Prefix()
	if prefix == "" {
		return "", false
	}
	return prefix + "." + code, true
}

// Manager owns the position table of one account. It is not safe for use
// from multiple goroutines except through the row locks it takes itself; the
// account service accesses it from the single event-loop thread.
type Manager struct {
	seg           *shm.PositionsSegment
	securityToRow map[string]int
	logger        *zap.Logger
}

// NewManager wraps an attached positions segment.
func NewManager(seg *shm.PositionsSegment, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		seg:           seg,
		securityToRow: make(map[string]int),
		logger:        logger,
	}
}

func (m *Manager) maxSecurityRows() int {
	return m.seg.Capacity() - shm.FirstSecurityPositionIndex
}

func (m *Manager) clampCount(count uint64) int {
	if count > uint64(m.maxSecurityRows()) {
		return m.maxSecurityRows()
	}
	return int(count)
}

// Initialize brings the table to a readable state. A fresh segment
// (init_state 0, count 0) is zeroed and seeded with the FUND defaults; an
// initialized segment has its in-process key map rebuilt from the rows. Any
// other combination is a fatal header inconsistency.
func (m *Manager) Initialize() error {
	m.securityToRow = make(map[string]int)
	header := m.seg.Header

	if header.InitState != 1 {
		if m.seg.Count() != 0 {
			status := acerr.New(acerr.DomainPortfolio, acerr.ShmHeaderCorrupted, "position_manager",
				"positions init_state is 0 while count is non-zero")
			acerr.Record(status)
			return status
		}

		m.seg.SetCount(0)
		for i := 0; i < m.seg.Capacity(); i++ {
			*m.seg.Row(i) = shm.Position{}
		}

		fund := m.seg.Row(shm.FundPositionIndex)
		fund.ID.Set(shm.FundPositionID)
		fund.Name.Set(shm.FundPositionID)
		fund.StoreFund(shm.FundInfo{
			TotalAsset: DefaultInitialFund,
			Available:  DefaultInitialFund,
		})

		atomic.StoreUint32(&header.NextSecurityID, shm.FirstSecurityPositionIndex)
		header.InitState = 1
		m.seg.Touch()
		return nil
	}

	fund := m.seg.Row(shm.FundPositionIndex)
	fund.ID.Set(shm.FundPositionID)
	fund.Name.Set(shm.FundPositionID)

	count := m.clampCount(m.seg.Count())
	if uint64(count) != m.seg.Count() {
		m.seg.SetCount(uint64(count))
	}

	for row := shm.FirstSecurityPositionIndex; row <= count && row < m.seg.Capacity(); row++ {
		pos := m.seg.Row(row)
		if pos.ID.Empty() {
			continue
		}
		m.securityToRow[pos.ID.String()] = row
	}

	atomic.StoreUint32(&header.NextSecurityID, uint32(count+shm.FirstSecurityPositionIndex))
	m.seg.Touch()
	return nil
}

// fundRow returns the FUND row.
func (m *Manager) fundRow() *shm.Position { return m.seg.Row(shm.FundPositionIndex) }

// AvailableFund returns the currently available cash in cents.
func (m *Manager) AvailableFund() uint64 {
	fund := m.fundRow()
	fund.Lock()
	defer fund.Unlock()
	return *fund.FundAvailable()
}

// Fund returns a point-in-time copy of the fund quantities.
func (m *Manager) Fund() shm.FundInfo {
	fund := m.fundRow()
	fund.Lock()
	defer fund.Unlock()
	return fund.LoadFund()
}

// FreezeFund moves amount from available to frozen. Fails when available is
// insufficient or frozen would overflow.
func (m *Manager) FreezeFund(amount uint64, orderID uint32) bool {
	_ = orderID
	fund := m.fundRow()
	fund.Lock()
	defer fund.Unlock()

	available := *fund.FundAvailable()
	frozen := *fund.FundFrozen()
	if available < amount {
		return false
	}
	newFrozen := frozen + amount
	if newFrozen < frozen {
		return false
	}

	*fund.FundAvailable() = available - amount
	*fund.FundFrozen() = newFrozen
	m.seg.Touch()
	return true
}

// UnfreezeFund moves amount from frozen back to available.
func (m *Manager) UnfreezeFund(amount uint64, orderID uint32) bool {
	_ = orderID
	fund := m.fundRow()
	fund.Lock()
	defer fund.Unlock()

	available := *fund.FundAvailable()
	frozen := *fund.FundFrozen()
	if frozen < amount {
		return false
	}
	newAvailable := available + amount
	if newAvailable < available {
		return false
	}

	*fund.FundFrozen() = frozen - amount
	*fund.FundAvailable() = newAvailable
	m.seg.Touch()
	return true
}

// DeductFund consumes amount+fee from frozen on a buy fill: market value
// grows by amount and total asset shrinks by the fee (saturating at zero).
func (m *Manager) DeductFund(amount, fee uint64, orderID uint32) bool {
	_ = orderID
	total := amount + fee
	if total < amount {
		return false
	}

	fund := m.fundRow()
	fund.Lock()
	defer fund.Unlock()

	frozen := *fund.FundFrozen()
	if frozen < total {
		return false
	}

	marketValue := *fund.FundMarketValue()
	newMarketValue := marketValue + amount
	if newMarketValue < marketValue {
		return false
	}

	totalAsset := *fund.FundTotalAsset()
	newTotalAsset := uint64(0)
	if totalAsset > fee {
		newTotalAsset = totalAsset - fee
	}

	*fund.FundFrozen() = frozen - total
	*fund.FundTotalAsset() = newTotalAsset
	*fund.FundMarketValue() = newMarketValue
	m.seg.Touch()
	return true
}

// AddFund grows available and total asset, e.g. on a sell settlement.
func (m *Manager) AddFund(amount uint64, orderID uint32) bool {
	_ = orderID
	fund := m.fundRow()
	fund.Lock()
	defer fund.Unlock()

	available := *fund.FundAvailable()
	totalAsset := *fund.FundTotalAsset()
	newAvailable := available + amount
	if newAvailable < available {
		return false
	}
	newTotalAsset := totalAsset + amount
	if newTotalAsset < totalAsset {
		return false
	}

	*fund.FundAvailable() = newAvailable
	*fund.FundTotalAsset() = newTotalAsset
	m.seg.Touch()
	return true
}

// securityRow returns the row for the key, or nil.
func (m *Manager) securityRow(key string) *shm.Position {
	row, ok := m.securityToRow[key]
	if !ok {
		return nil
	}
	count := m.clampCount(m.seg.Count())
	if row < shm.FirstSecurityPositionIndex || row > count {
		return nil
	}
	return m.seg.Row(row)
}

// HasPosition reports whether a row exists for the security key.
func (m *Manager) HasPosition(key string) bool {
	return m.securityRow(key) != nil
}

// PositionSnapshot returns a copy of the security row.
func (m *Manager) PositionSnapshot(key string) (shm.Position, bool) {
	pos := m.securityRow(key)
	if pos == nil {
		return shm.Position{}, false
	}
	pos.Lock()
	defer pos.Unlock()
	return *pos, true
}

// SellableVolume returns t0+t1 for the security.
func (m *Manager) SellableVolume(key string) uint64 {
	pos := m.securityRow(key)
	if pos == nil {
		return 0
	}
	pos.Lock()
	defer pos.Unlock()
	return pos.VolumeAvailableT0 + pos.VolumeAvailableT1
}

// FreezePosition reserves volume for a sell order, drawing from t1 first and
// then t0, and routes the volume into VolumeSell.
func (m *Manager) FreezePosition(key string, volume uint64, orderID uint32) bool {
	_ = orderID
	pos := m.securityRow(key)
	if pos == nil {
		return false
	}

	pos.Lock()
	defer pos.Unlock()

	if pos.VolumeAvailableT0+pos.VolumeAvailableT1 < volume {
		return false
	}

	remaining := volume
	if pos.VolumeAvailableT1 >= remaining {
		pos.VolumeAvailableT1 -= remaining
		remaining = 0
	} else {
		remaining -= pos.VolumeAvailableT1
		pos.VolumeAvailableT1 = 0
		if pos.VolumeAvailableT0 < remaining {
			return false
		}
		pos.VolumeAvailableT0 -= remaining
	}

	pos.VolumeSell += volume
	pos.CountOrder++
	m.seg.Touch()
	return true
}

// UnfreezePosition returns reserved sell volume to t0.
func (m *Manager) UnfreezePosition(key string, volume uint64, orderID uint32) bool {
	_ = orderID
	pos := m.securityRow(key)
	if pos == nil {
		return false
	}

	pos.Lock()
	defer pos.Unlock()

	if pos.VolumeSell < volume {
		return false
	}
	pos.VolumeSell -= volume
	pos.VolumeAvailableT0 += volume
	m.seg.Touch()
	return true
}

// DeductPosition settles a sell fill. The regular path consumes reserved
// VolumeSell; when the fill was not pre-frozen it falls back to drawing t1
// then t0 so the trade response does not fail outright. The fallback relaxes
// the freeze-before-sell invariant and is logged as an anomaly.
func (m *Manager) DeductPosition(key string, volume, value uint64, orderID uint32) bool {
	pos := m.securityRow(key)
	if pos == nil {
		return false
	}

	pos.Lock()
	defer pos.Unlock()

	if pos.VolumeSell >= volume {
		pos.VolumeSell -= volume
	} else {
		m.logger.Warn("sell trade without matching freeze, drawing available volume",
			zap.String("security", key),
			zap.Uint32("order_id", orderID),
			zap.Uint64("volume", volume),
			zap.Uint64("volume_sell", pos.VolumeSell))

		remaining := volume - pos.VolumeSell
		pos.VolumeSell = 0

		if pos.VolumeAvailableT0+pos.VolumeAvailableT1 < remaining {
			return false
		}
		if pos.VolumeAvailableT1 >= remaining {
			pos.VolumeAvailableT1 -= remaining
			remaining = 0
		} else {
			remaining -= pos.VolumeAvailableT1
			pos.VolumeAvailableT1 = 0
			if pos.VolumeAvailableT0 < remaining {
				return false
			}
			pos.VolumeAvailableT0 -= remaining
		}
	}

	pos.VolumeSellTraded += volume
	pos.DValueSellTraded += value
	m.seg.Touch()
	return true
}

// AddPosition applies a buy fill: traded counters grow and the bought volume
// lands in t1 (sellable from the next trading day).
func (m *Manager) AddPosition(key string, volume, price uint64, orderID uint32) bool {
	_ = orderID
	pos := m.securityRow(key)
	if pos == nil {
		return false
	}

	pos.Lock()
	defer pos.Unlock()

	var value uint64
	if volume != 0 && price != 0 {
		value = volume * price
	}
	pos.VolumeBuy += volume
	pos.DValueBuy += value
	pos.VolumeBuyTraded += volume
	pos.DValueBuyTraded += value
	pos.VolumeAvailableT1 += volume
	m.seg.Touch()
	return true
}

// AddSecurity creates a row for the security on first reference and returns
// its key. Existing rows are returned as-is; rows are never removed.
func (m *Manager) AddSecurity(code, name string, market shm.Market) (string, bool) {
	key, ok := BuildSecurityKey(market, code)
	if !ok {
		return "", false
	}
	if _, exists := m.securityToRow[key]; exists {
		return key, true
	}

	count := m.clampCount(m.seg.Count())
	row := count + shm.FirstSecurityPositionIndex
	if row >= m.seg.Capacity() {
		status := acerr.Newf(acerr.DomainPortfolio, acerr.PositionUpdateFailed, "position_manager",
			"position table full while adding %s", key)
		acerr.Record(status)
		return "", false
	}

	pos := m.seg.Row(row)
	pos.Lock()
	*pos = shm.Position{Locked: pos.Locked}
	pos.ID.Set(key)
	if name == "" {
		name = code
	}
	pos.Name.Set(name)
	pos.Unlock()

	m.securityToRow[key] = row
	m.seg.SetCount(uint64(count + 1))
	atomic.AddUint32(&m.seg.Header.NextSecurityID, 1)
	m.seg.Touch()
	return key, true
}

// SeedSecurityCounters overwrites the counters of an existing row. Used only
// by the bootstrap loader before the loops start.
func (m *Manager) SeedSecurityCounters(key string, seed shm.Position) bool {
	pos := m.securityRow(key)
	if pos == nil {
		return false
	}
	pos.Lock()
	defer pos.Unlock()

	id, name := pos.ID, pos.Name
	locked := pos.Locked
	*pos = seed
	pos.Locked = locked
	pos.ID, pos.Name = id, name
	m.seg.Touch()
	return true
}

// SeedFund overwrites the FUND quantities. Bootstrap-loader only.
func (m *Manager) SeedFund(fund shm.FundInfo) {
	row := m.fundRow()
	row.Lock()
	defer row.Unlock()
	row.StoreFund(fund)
	m.seg.Touch()
}

// PositionCount returns the number of security rows.
func (m *Manager) PositionCount() int {
	return m.clampCount(m.seg.Count())
}

// AllPositions returns copies of every populated security row.
func (m *Manager) AllPositions() []shm.Position {
	count := m.clampCount(m.seg.Count())
	out := make([]shm.Position, 0, count)
	for row := shm.FirstSecurityPositionIndex; row <= count && row < m.seg.Capacity(); row++ {
		pos := m.seg.Row(row)
		if pos.ID.Empty() {
			continue
		}
		pos.Lock()
		out = append(out, *pos)
		pos.Unlock()
	}
	return out
}

// MonitorFund reads the fund quantities without the row lock, the way an
// external monitor process does.
func (m *Manager) MonitorFund() shm.FundInfo {
	return m.fundRow().AtomicLoadFund()
}
