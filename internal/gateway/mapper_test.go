package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/acctsvc/internal/brokerapi"
	"github.com/tradecore/acctsvc/internal/shm"
)

func TestMapOrderRequestToBrokerNew(t *testing.T) {
	var request shm.OrderRequest
	request.InitNew("000001", "SZ.000001", 5001, shm.SideBuy, shm.MarketSZ, 100, 1000, 93000000)

	mapped, ok := MapOrderRequestToBroker(&request)
	require.True(t, ok)
	assert.Equal(t, uint32(5001), mapped.InternalOrderID)
	assert.Equal(t, brokerapi.RequestNew, mapped.Type)
	assert.Equal(t, brokerapi.SideBuy, mapped.TradeSide)
	assert.Equal(t, brokerapi.MarketSZ, mapped.Market)
	assert.Equal(t, uint64(100), mapped.Volume)
	assert.Equal(t, uint64(1000), mapped.Price)
	assert.Equal(t, "000001", mapped.SecurityID)
	assert.Equal(t, "SZ.000001", mapped.InternalSecurityID)
	assert.Equal(t, uint32(93000000), mapped.MDTime, "md_time falls back to the driven time")
}

func TestMapOrderRequestToBrokerCancel(t *testing.T) {
	var request shm.OrderRequest
	request.InitCancel(6001, 93100000, 5001)

	mapped, ok := MapOrderRequestToBroker(&request)
	require.True(t, ok)
	assert.Equal(t, brokerapi.RequestCancel, mapped.Type)
	assert.Equal(t, uint32(5001), mapped.OrigInternalOrderID)
}

func TestMapOrderRequestToBrokerRejectsInvalid(t *testing.T) {
	var zeroID shm.OrderRequest
	zeroID.InitNew("000001", "SZ.000001", 0, shm.SideBuy, shm.MarketSZ, 100, 1000, 1)
	_, ok := MapOrderRequestToBroker(&zeroID)
	assert.False(t, ok)

	var notSet shm.OrderRequest
	notSet.InternalOrderID = 1
	_, ok = MapOrderRequestToBroker(&notSet)
	assert.False(t, ok, "NotSet order type is unmappable")

	var noVolume shm.OrderRequest
	noVolume.InitNew("000001", "SZ.000001", 1, shm.SideBuy, shm.MarketSZ, 0, 1000, 1)
	_, ok = MapOrderRequestToBroker(&noVolume)
	assert.False(t, ok)

	var noSecurity shm.OrderRequest
	noSecurity.InitNew("", "SZ.000001", 1, shm.SideBuy, shm.MarketSZ, 100, 1000, 1)
	_, ok = MapOrderRequestToBroker(&noSecurity)
	assert.False(t, ok)

	var noMarket shm.OrderRequest
	noMarket.InitNew("000001", "SZ.000001", 1, shm.SideBuy, shm.MarketNotSet, 100, 1000, 1)
	_, ok = MapOrderRequestToBroker(&noMarket)
	assert.False(t, ok)
}

// The event-kind mapping is injective over the known kinds and rejects
// everything else.
func TestEventKindStatusMappingTotality(t *testing.T) {
	known := map[brokerapi.EventKind]shm.OrderStatus{
		brokerapi.EventBrokerAccepted: shm.StatusBrokerAccepted,
		brokerapi.EventBrokerRejected: shm.StatusBrokerRejected,
		brokerapi.EventMarketRejected: shm.StatusMarketRejected,
		brokerapi.EventTrade:          shm.StatusMarketAccepted,
		brokerapi.EventFinished:       shm.StatusFinished,
	}

	seen := map[shm.OrderStatus]bool{}
	for kind, expected := range known {
		got := mapEventKindToStatus(kind)
		assert.Equal(t, expected, got)
		assert.False(t, seen[got], "mapping must be injective")
		seen[got] = true
	}

	assert.Equal(t, shm.StatusUnknown, mapEventKindToStatus(brokerapi.EventNone))
	assert.Equal(t, shm.StatusUnknown, mapEventKindToStatus(brokerapi.EventKind(200)))
}

func TestMapBrokerEventToTradeResponse(t *testing.T) {
	event := brokerapi.Event{
		Kind:               brokerapi.EventTrade,
		InternalOrderID:    5001,
		BrokerOrderID:      9,
		InternalSecurityID: "SZ.000001",
		TradeSide:          brokerapi.SideBuy,
		VolumeTraded:       100,
		PriceTraded:        1000,
		ValueTraded:        100_000,
		Fee:                10,
		MDTimeTraded:       93000500,
		RecvTimeNs:         12345,
	}

	response, ok := MapBrokerEventToTradeResponse(&event)
	require.True(t, ok)
	assert.Equal(t, uint32(5001), response.InternalOrderID)
	assert.Equal(t, uint32(9), response.BrokerOrderID)
	assert.Equal(t, "SZ.000001", response.InternalSecurityID.String())
	assert.Equal(t, shm.SideBuy, response.TradeSide)
	assert.Equal(t, shm.StatusMarketAccepted, response.NewStatus)
	assert.Equal(t, uint64(100), response.VolumeTraded)
	assert.Equal(t, uint64(100_000), response.DValueTraded)
	assert.Equal(t, uint64(12345), response.RecvTimeNs)
}

func TestMapBrokerEventRejects(t *testing.T) {
	noID := brokerapi.Event{Kind: brokerapi.EventTrade}
	_, ok := MapBrokerEventToTradeResponse(&noID)
	assert.False(t, ok)

	unknownKind := brokerapi.Event{Kind: brokerapi.EventNone, InternalOrderID: 1}
	_, ok = MapBrokerEventToTradeResponse(&unknownKind)
	assert.False(t, ok)
}

func TestMapBrokerEventStampsRecvTime(t *testing.T) {
	event := brokerapi.Event{Kind: brokerapi.EventFinished, InternalOrderID: 1}
	response, ok := MapBrokerEventToTradeResponse(&event)
	require.True(t, ok)
	assert.NotZero(t, response.RecvTimeNs, "missing recv time is filled locally")
}
