package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/acctsvc/internal/shm"
)

func newEntry(id uint32, volume, price uint64) Entry {
	var entry Entry
	entry.Request.InitNew("000001", "SZ.000001", id, shm.SideBuy, shm.MarketSZ, volume, price, 93000000)
	entry.Request.Status = shm.StatusStrategySubmitted
	return entry
}

func newChildEntry(id, parentID uint32, volume uint64) Entry {
	entry := newEntry(id, volume, 1000)
	entry.IsSplitChild = true
	entry.ParentOrderID = parentID
	return entry
}

func TestAddOrderRejectsZeroAndDuplicate(t *testing.T) {
	book := New(16, nil)

	assert.False(t, book.AddOrder(Entry{}), "zero id must be rejected")

	require.True(t, book.AddOrder(newEntry(1, 100, 1000)))
	assert.False(t, book.AddOrder(newEntry(1, 100, 1000)), "duplicate id must be rejected")
	assert.Equal(t, 1, book.ActiveCount())
}

func TestAddOrderFullSlab(t *testing.T) {
	book := New(4, nil)
	for i := uint32(1); i <= 4; i++ {
		require.True(t, book.AddOrder(newEntry(i, 100, 1000)))
	}
	assert.False(t, book.AddOrder(newEntry(5, 100, 1000)), "the capacity+1'th order must be rejected")
	assert.Equal(t, 4, book.ActiveCount())

	// Archiving frees the slot for reuse.
	require.True(t, book.ArchiveOrder(1))
	assert.True(t, book.AddOrder(newEntry(5, 100, 1000)))
}

func TestAddOrderDerivesVolumeRemain(t *testing.T) {
	book := New(16, nil)
	entry := newEntry(1, 100, 1000)
	entry.Request.VolumeRemain = 0
	entry.Request.VolumeTraded = 30
	require.True(t, book.AddOrder(entry))

	stored, ok := book.FindOrder(1)
	require.True(t, ok)
	assert.Equal(t, uint64(70), stored.Request.VolumeRemain)
}

func TestUpdateStatusAndFind(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(1, 100, 1000)))

	require.True(t, book.UpdateStatus(1, shm.StatusTraderSubmitted))
	stored, ok := book.FindOrder(1)
	require.True(t, ok)
	assert.Equal(t, shm.StatusTraderSubmitted, stored.Request.Status)

	assert.False(t, book.UpdateStatus(99, shm.StatusFinished))
}

func TestFindByBrokerID(t *testing.T) {
	book := New(16, nil)
	entry := newEntry(1, 100, 1000)
	entry.Request.SetBrokerOrderIDUint(777)
	require.True(t, book.AddOrder(entry))

	stored, ok := book.FindByBrokerID(777)
	require.True(t, ok)
	assert.Equal(t, uint32(1), stored.Request.InternalOrderID)

	_, ok = book.FindByBrokerID(778)
	assert.False(t, ok)
}

func TestUpdateTradeFillAndFinish(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(1, 100, 1000)))
	require.True(t, book.UpdateStatus(1, shm.StatusBrokerAccepted))

	require.True(t, book.UpdateTrade(1, 40, 1000, 40_000, 4))
	stored, _ := book.FindOrder(1)
	assert.Equal(t, uint64(40), stored.Request.VolumeTraded)
	assert.Equal(t, uint64(60), stored.Request.VolumeRemain)
	assert.Equal(t, uint64(1000), stored.Request.DPriceTraded)
	assert.Equal(t, shm.StatusBrokerAccepted, stored.Request.Status, "partial fill keeps status")

	require.True(t, book.UpdateTrade(1, 60, 1000, 60_000, 6))
	stored, _ = book.FindOrder(1)
	assert.Zero(t, stored.Request.VolumeRemain)
	assert.Equal(t, uint64(100), stored.Request.VolumeTraded)
	assert.Equal(t, uint64(10), stored.Request.DFeeExecuted)
	assert.Equal(t, shm.StatusFinished, stored.Request.Status, "full fill finishes the order")
}

func TestUpdateTradeClampsOverfill(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(1, 100, 1000)))

	require.True(t, book.UpdateTrade(1, 150, 1000, 150_000, 0))
	stored, _ := book.FindOrder(1)
	assert.Equal(t, uint64(100), stored.Request.VolumeTraded, "traded clamps to entrust")
	assert.Zero(t, stored.Request.VolumeRemain)
}

func TestArchiveRemovesIndexes(t *testing.T) {
	book := New(16, nil)
	entry := newEntry(1, 100, 1000)
	entry.Request.SetBrokerOrderIDUint(777)
	require.True(t, book.AddOrder(entry))

	require.True(t, book.ArchiveOrder(1))
	_, ok := book.FindOrder(1)
	assert.False(t, ok)
	_, ok = book.FindByBrokerID(777)
	assert.False(t, ok)
	assert.Empty(t, book.OrdersBySecurity("SZ.000001"))
	assert.Zero(t, book.ActiveCount())

	assert.False(t, book.ArchiveOrder(1), "double archive must fail")
}

func TestArchiveKeepsParentChildLinks(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(10, 300, 1000)))
	require.True(t, book.AddOrder(newChildEntry(11, 10, 100)))
	require.True(t, book.AddOrder(newChildEntry(12, 10, 200)))

	require.True(t, book.ArchiveOrder(11))
	children := book.Children(10)
	assert.ElementsMatch(t, []uint32{11, 12}, children,
		"archived children stay linked by design")

	parentID, ok := book.Parent(11)
	require.True(t, ok)
	assert.Equal(t, uint32(10), parentID)
}

func TestSplitAggregationSums(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(10, 300, 1000)))
	require.True(t, book.AddOrder(newChildEntry(11, 10, 100)))
	require.True(t, book.AddOrder(newChildEntry(12, 10, 100)))
	require.True(t, book.AddOrder(newChildEntry(13, 10, 100)))

	require.True(t, book.UpdateTrade(11, 100, 1000, 100_000, 10))
	require.True(t, book.UpdateTrade(12, 50, 1000, 50_000, 5))

	parent, _ := book.FindOrder(10)
	assert.Equal(t, uint64(150), parent.Request.VolumeTraded)
	assert.Equal(t, uint64(150), parent.Request.VolumeRemain)
	assert.Equal(t, uint64(150_000), parent.Request.DValueTraded)
	assert.Equal(t, uint64(15), parent.Request.DFeeExecuted)
	assert.Equal(t, uint64(1000), parent.Request.DPriceTraded)
}

func TestSplitAggregationBestProgressStatus(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(10, 300, 1000)))
	require.True(t, book.AddOrder(newChildEntry(11, 10, 100)))
	require.True(t, book.AddOrder(newChildEntry(12, 10, 100)))

	require.True(t, book.UpdateStatus(11, shm.StatusTraderSubmitted))
	parent, _ := book.FindOrder(10)
	assert.Equal(t, shm.StatusTraderSubmitted, parent.Request.Status)

	require.True(t, book.UpdateStatus(12, shm.StatusBrokerAccepted))
	parent, _ = book.FindOrder(10)
	assert.Equal(t, shm.StatusBrokerAccepted, parent.Request.Status,
		"best-progress child status propagates")

	require.True(t, book.UpdateStatus(11, shm.StatusMarketAccepted))
	parent, _ = book.FindOrder(10)
	assert.Equal(t, shm.StatusMarketAccepted, parent.Request.Status)
}

func TestSplitAggregationAllTerminalFinishes(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(10, 200, 1000)))
	require.True(t, book.AddOrder(newChildEntry(11, 10, 100)))
	require.True(t, book.AddOrder(newChildEntry(12, 10, 100)))

	require.True(t, book.UpdateTrade(11, 100, 1000, 100_000, 0))
	parent, _ := book.FindOrder(10)
	assert.NotEqual(t, shm.StatusFinished, parent.Request.Status,
		"one live child keeps the parent open")

	require.True(t, book.UpdateTrade(12, 100, 1000, 100_000, 0))
	parent, _ = book.FindOrder(10)
	assert.Equal(t, shm.StatusFinished, parent.Request.Status,
		"every New child terminal finishes the parent")
}

func TestSplitParentErrorLatchIsSticky(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(10, 200, 1000)))
	require.True(t, book.AddOrder(newChildEntry(11, 10, 100)))
	require.True(t, book.AddOrder(newChildEntry(12, 10, 100)))

	// Latch the parent, then drive a child to a good status.
	require.True(t, book.UpdateStatus(10, shm.StatusTraderError))
	require.True(t, book.UpdateStatus(11, shm.StatusMarketAccepted))

	parent, _ := book.FindOrder(10)
	assert.Equal(t, shm.StatusTraderError, parent.Request.Status,
		"latched parent stays TraderError")

	// Even all-terminal children cannot clear the latch.
	require.True(t, book.UpdateTrade(11, 100, 1000, 100_000, 0))
	require.True(t, book.UpdateTrade(12, 100, 1000, 100_000, 0))
	parent, _ = book.FindOrder(10)
	assert.Equal(t, shm.StatusTraderError, parent.Request.Status)
}

func TestCancelChildrenDoNotAggregate(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(10, 200, 1000)))
	require.True(t, book.AddOrder(newChildEntry(11, 10, 200)))

	var cancel Entry
	cancel.Request.InitCancel(12, 93100000, 11)
	cancel.IsSplitChild = true
	cancel.ParentOrderID = 10
	require.True(t, book.AddOrder(cancel))

	require.True(t, book.UpdateTrade(11, 200, 1000, 200_000, 0))
	parent, _ := book.FindOrder(10)
	assert.Equal(t, uint64(200), parent.Request.VolumeTraded,
		"cancel children are excluded from sums")
	assert.Equal(t, shm.StatusFinished, parent.Request.Status,
		"cancel children are excluded from the terminal check")
}

func TestNextOrderIDMonotonic(t *testing.T) {
	book := New(16, nil)
	first := book.NextOrderID()
	second := book.NextOrderID()
	assert.Greater(t, second, first)
}

func TestActiveOrderIDsAndSecurityIndex(t *testing.T) {
	book := New(16, nil)
	require.True(t, book.AddOrder(newEntry(1, 100, 1000)))
	require.True(t, book.AddOrder(newEntry(2, 100, 1000)))

	assert.ElementsMatch(t, []uint32{1, 2}, book.ActiveOrderIDs())
	assert.ElementsMatch(t, []uint32{1, 2}, book.OrdersBySecurity("SZ.000001"))
	assert.Empty(t, book.OrdersBySecurity("SH.600000"))
}
