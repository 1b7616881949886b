package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/acctsvc/internal/orderbook"
	"github.com/tradecore/acctsvc/internal/shm"
)

type routerFixture struct {
	book       *orderbook.Book
	downstream *shm.IndexQueueSegment
	pool       *shm.OrderPool
	router     *Router
}

func newRouterFixture(t *testing.T, splitConfig SplitConfig) *routerFixture {
	t.Helper()
	m := &shm.Manager{BaseDir: t.TempDir()}

	downstream, err := m.OpenDownstream("/downstream_order_shm", shm.ModeCreate)
	require.NoError(t, err)
	t.Cleanup(func() { downstream.Region.Close() })

	pool, err := m.OpenOrderPool("/orders_shm", "20260801", 1024, shm.ModeCreate, nil)
	require.NoError(t, err)

	book := orderbook.New(4096, nil)
	return &routerFixture{
		book:       book,
		downstream: downstream,
		pool:       pool,
		router:     NewRouter(book, downstream, pool, splitConfig, nil),
	}
}

// admitNew allocates a pool slot and a book entry the way the event loop
// does before routing.
func (f *routerFixture) admitNew(t *testing.T, id uint32, volume, price uint64) *orderbook.Entry {
	t.Helper()
	var request shm.OrderRequest
	request.InitNew("000001", "SZ.000001", id, shm.SideBuy, shm.MarketSZ, volume, price, 93000000)
	request.Status = shm.StatusRiskControllerAccepted

	index, ok := f.pool.Append(&request, shm.StageUpstreamDequeued, shm.SourceStrategy, 1)
	require.True(t, ok)

	entry := orderbook.Entry{Request: request, ShmOrderIndex: index}
	require.True(t, f.book.AddOrder(entry))
	stored, ok := f.book.FindOrder(id)
	require.True(t, ok)
	return &stored
}

func (f *routerFixture) drainDownstream() []shm.OrderIndex {
	var out []shm.OrderIndex
	for {
		index, ok := f.downstream.Queue.TryPop()
		if !ok {
			return out
		}
		out = append(out, index)
	}
}

func TestRouteOrderNoSplit(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{})
	entry := f.admitNew(t, 5001, 100, 1000)

	require.True(t, f.router.RouteOrder(entry))

	indices := f.drainDownstream()
	require.Len(t, indices, 1)
	assert.Equal(t, entry.ShmOrderIndex, indices[0])

	snapshot, result := f.pool.ReadSnapshot(indices[0])
	require.Equal(t, shm.ReadOK, result)
	assert.Equal(t, shm.StageDownstreamQueued, snapshot.Stage)
	assert.Equal(t, uint32(5001), snapshot.Request.InternalOrderID)
	assert.Equal(t, uint64(100), snapshot.Request.VolumeEntrust)

	stored, _ := f.book.FindOrder(5001)
	assert.Equal(t, shm.StatusTraderSubmitted, stored.Request.Status)
	assert.Equal(t, uint64(1), f.router.Stats().OrdersSent)
}

func TestRouteOrderMissingSlotIndex(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{})
	entry := f.admitNew(t, 5001, 100, 1000)
	entry.ShmOrderIndex = shm.InvalidOrderIndex

	assert.False(t, f.router.RouteOrder(entry))
	stored, _ := f.book.FindOrder(5001)
	assert.Equal(t, shm.StatusTraderError, stored.Request.Status)
}

func TestRouteSplitOrder(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{
		Strategy: SplitFixedSize, MaxChildVolume: 100, MaxChildCount: 16,
	})
	parent := f.admitNew(t, 5001, 300, 1000)

	require.True(t, f.router.RouteOrder(parent))

	indices := f.drainDownstream()
	require.Len(t, indices, 3)

	children := f.book.Children(5001)
	require.Len(t, children, 3)
	var totalVolume uint64
	for _, childID := range children {
		child, ok := f.book.FindOrder(childID)
		require.True(t, ok)
		assert.True(t, child.IsSplitChild)
		assert.Equal(t, uint32(5001), child.ParentOrderID)
		assert.Equal(t, shm.StatusTraderSubmitted, child.Request.Status)
		totalVolume += child.Request.VolumeEntrust
	}
	assert.Equal(t, uint64(300), totalVolume)

	stored, _ := f.book.FindOrder(5001)
	assert.Equal(t, shm.StatusTraderSubmitted, stored.Request.Status)
	assert.Equal(t, uint64(1), f.router.Stats().OrdersSplit)
}

// Scenario B: with the downstream queue nearly full, one child makes it out
// and the rest fail; the parent latches to TraderError.
func TestRouteSplitOrderPartialQueueFull(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{
		Strategy: SplitFixedSize, MaxChildVolume: 100, MaxChildCount: 16,
	})

	// Fill the queue to capacity-1: exactly one free slot remains.
	for f.downstream.Queue.Size() < f.downstream.Queue.Capacity()-1 {
		require.True(t, f.downstream.Queue.TryPush(shm.InvalidOrderIndex))
	}

	parent := f.admitNew(t, 5001, 300, 1000)
	assert.True(t, f.router.RouteOrder(parent), "one child was still sent")

	submitted := 0
	errored := 0
	for _, childID := range f.book.Children(5001) {
		child, ok := f.book.FindOrder(childID)
		require.True(t, ok)
		switch child.Request.Status {
		case shm.StatusTraderSubmitted:
			submitted++
		case shm.StatusTraderError:
			errored++
		}
	}
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 2, errored)

	stored, _ := f.book.FindOrder(5001)
	assert.Equal(t, shm.StatusTraderError, stored.Request.Status,
		"parent is error-latched on partial failure")
	assert.Equal(t, uint64(2), f.router.Stats().QueueFullCount)
}

// Scenario C: cancelling a split parent fans out one cancel per live child.
func TestRouteCancelSplitParent(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{
		Strategy: SplitFixedSize, MaxChildVolume: 100, MaxChildCount: 16,
	})
	parent := f.admitNew(t, 5001, 300, 1000)
	require.True(t, f.router.RouteOrder(parent))
	childIDs := f.book.Children(5001)
	require.Len(t, childIDs, 3)
	f.drainDownstream()

	cancelID := f.book.NextOrderID()
	require.True(t, f.router.RouteCancel(5001, cancelID, 93100000))

	indices := f.drainDownstream()
	require.Len(t, indices, 3, "one cancel per live child")

	cancelled := map[uint32]bool{}
	for _, index := range indices {
		snapshot, result := f.pool.ReadSnapshot(index)
		require.Equal(t, shm.ReadOK, result)
		request := snapshot.Request
		assert.Equal(t, shm.OrderTypeCancel, request.OrderType)
		assert.Equal(t, uint32(93100000), request.MDTimeDriven)
		cancelled[request.OrigInternalOrderID] = true

		entry, ok := f.book.FindOrder(request.InternalOrderID)
		require.True(t, ok)
		assert.Equal(t, uint32(5001), entry.ParentOrderID,
			"cancels are linked to the split parent")
		assert.Equal(t, shm.StatusTraderSubmitted, entry.Request.Status)
	}

	// Each cancel targets a distinct child.
	assert.Len(t, cancelled, 3)
	for _, childID := range childIDs {
		assert.True(t, cancelled[childID], "child %d must be cancelled", childID)
	}
}

func TestRouteCancelPlainOrder(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{})
	entry := f.admitNew(t, 5001, 100, 1000)
	require.True(t, f.router.RouteOrder(entry))
	f.drainDownstream()

	require.True(t, f.router.RouteCancel(5001, 6001, 93100000))

	indices := f.drainDownstream()
	require.Len(t, indices, 1)
	snapshot, result := f.pool.ReadSnapshot(indices[0])
	require.Equal(t, shm.ReadOK, result)
	assert.Equal(t, shm.OrderTypeCancel, snapshot.Request.OrderType)
	assert.Equal(t, uint32(5001), snapshot.Request.OrigInternalOrderID)
	assert.Equal(t, uint32(6001), snapshot.Request.InternalOrderID)
	assert.Equal(t, shm.SourceAccountInternal, snapshot.Source)
}

func TestRouteCancelViaRouteOrder(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{})
	target := f.admitNew(t, 5001, 100, 1000)
	require.True(t, f.router.RouteOrder(target))
	f.drainDownstream()

	var cancel orderbook.Entry
	cancel.Request.InitCancel(6001, 93100000, 5001)
	assert.True(t, f.router.RouteOrder(&cancel), "cancels route through RouteCancel")
	assert.Len(t, f.drainDownstream(), 1)
}

// An upstream cancel is already in the book under its own id; the router
// must reuse that entry's slot rather than materializing a duplicate.
func TestRouteCancelReusesAdmittedEntry(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{})
	target := f.admitNew(t, 5001, 100, 1000)
	require.True(t, f.router.RouteOrder(target))
	f.drainDownstream()

	var cancelRequest shm.OrderRequest
	cancelRequest.InitCancel(6001, 93100000, 5001)
	index, ok := f.pool.Append(&cancelRequest, shm.StageUpstreamDequeued, shm.SourceStrategy, 1)
	require.True(t, ok)
	require.True(t, f.book.AddOrder(orderbook.Entry{Request: cancelRequest, ShmOrderIndex: index}))

	var entry orderbook.Entry
	entry.Request = cancelRequest
	entry.ShmOrderIndex = index
	require.True(t, f.router.RouteOrder(&entry))

	indices := f.drainDownstream()
	require.Len(t, indices, 1)
	assert.Equal(t, index, indices[0], "the admitted slot goes downstream")

	stored, ok := f.book.FindOrder(6001)
	require.True(t, ok)
	assert.Equal(t, shm.StatusTraderSubmitted, stored.Request.Status)
}

// An upstream cancel of a split parent fans out per child with fresh ids;
// the admitted cancel entry stands for the whole fan-out.
func TestRouteCancelSplitParentFromUpstream(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{
		Strategy: SplitFixedSize, MaxChildVolume: 100, MaxChildCount: 16,
	})
	parent := f.admitNew(t, 5001, 300, 1000)
	require.True(t, f.router.RouteOrder(parent))
	f.drainDownstream()

	var cancelRequest shm.OrderRequest
	cancelRequest.InitCancel(6001, 93100000, 5001)
	index, ok := f.pool.Append(&cancelRequest, shm.StageUpstreamDequeued, shm.SourceStrategy, 1)
	require.True(t, ok)
	require.True(t, f.book.AddOrder(orderbook.Entry{Request: cancelRequest, ShmOrderIndex: index}))

	var entry orderbook.Entry
	entry.Request = cancelRequest
	entry.ShmOrderIndex = index
	require.True(t, f.router.RouteOrder(&entry))

	indices := f.drainDownstream()
	assert.Len(t, indices, 3, "one synthesized cancel per live child")
	for _, idx := range indices {
		assert.NotEqual(t, index, idx, "children cancels use fresh slots")
		snapshot, result := f.pool.ReadSnapshot(idx)
		require.Equal(t, shm.ReadOK, result)
		assert.NotEqual(t, uint32(6001), snapshot.Request.InternalOrderID,
			"the admitted id is never reused for a child cancel")
	}

	stored, ok := f.book.FindOrder(6001)
	require.True(t, ok)
	assert.Equal(t, shm.StatusTraderSubmitted, stored.Request.Status)
}

func TestRouteOrdersBatch(t *testing.T) {
	f := newRouterFixture(t, SplitConfig{})
	first := f.admitNew(t, 1, 100, 1000)
	second := f.admitNew(t, 2, 100, 1000)

	count := f.router.RouteOrders([]*orderbook.Entry{first, nil, second})
	assert.Equal(t, 2, count)
	assert.Len(t, f.drainDownstream(), 2)
}
