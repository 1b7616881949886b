package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/acctsvc/internal/brokerapi"
)

func newTestRequest(id uint32) brokerapi.OrderRequest {
	return brokerapi.OrderRequest{
		InternalOrderID:    id,
		InternalSecurityID: "SZ.000001",
		Type:               brokerapi.RequestNew,
		TradeSide:          brokerapi.SideBuy,
		Market:             brokerapi.MarketSZ,
		Volume:             100,
		Price:              1000,
		MDTime:             93000000,
		SecurityID:         "000001",
	}
}

func TestSimAdapterRequiresInitialize(t *testing.T) {
	adapter := NewSimBrokerAdapter()
	result := adapter.Submit(newTestRequest(1))
	assert.False(t, result.Accepted)
	assert.False(t, result.Retryable)
}

// Scenario A, gateway side: an auto-fill New order yields BrokerAccepted,
// a full Trade and Finished, in that order.
func TestSimAdapterAutoFillSequence(t *testing.T) {
	adapter := NewSimBrokerAdapter()
	require.True(t, adapter.Initialize(brokerapi.RuntimeConfig{AccountID: 1, AutoFill: true}))

	result := adapter.Submit(newTestRequest(5001))
	require.True(t, result.Accepted)

	events := make([]brokerapi.Event, 8)
	n := adapter.PollEvents(events)
	require.Equal(t, 3, n)

	assert.Equal(t, brokerapi.EventBrokerAccepted, events[0].Kind)
	assert.Equal(t, brokerapi.EventTrade, events[1].Kind)
	assert.Equal(t, brokerapi.EventFinished, events[2].Kind)

	trade := events[1]
	assert.Equal(t, uint32(5001), trade.InternalOrderID)
	assert.Equal(t, uint64(100), trade.VolumeTraded)
	assert.Equal(t, uint64(1000), trade.PriceTraded)
	assert.Equal(t, uint64(100_000), trade.ValueTraded)
	assert.Equal(t, uint64(10), trade.Fee)
	assert.NotZero(t, trade.BrokerOrderID)

	assert.Zero(t, adapter.PollEvents(events), "events drain once")
}

func TestSimAdapterNoAutoFill(t *testing.T) {
	adapter := NewSimBrokerAdapter()
	require.True(t, adapter.Initialize(brokerapi.RuntimeConfig{AutoFill: false}))

	require.True(t, adapter.Submit(newTestRequest(1)).Accepted)
	events := make([]brokerapi.Event, 8)
	n := adapter.PollEvents(events)
	require.Equal(t, 1, n)
	assert.Equal(t, brokerapi.EventBrokerAccepted, events[0].Kind)
}

func TestSimAdapterCancelSequence(t *testing.T) {
	adapter := NewSimBrokerAdapter()
	require.True(t, adapter.Initialize(brokerapi.RuntimeConfig{AutoFill: true}))

	cancel := brokerapi.OrderRequest{
		InternalOrderID:     6001,
		OrigInternalOrderID: 5001,
		Type:                brokerapi.RequestCancel,
	}
	require.True(t, adapter.Submit(cancel).Accepted)

	events := make([]brokerapi.Event, 8)
	n := adapter.PollEvents(events)
	require.Equal(t, 2, n)
	assert.Equal(t, brokerapi.EventBrokerAccepted, events[0].Kind)
	assert.Equal(t, brokerapi.EventFinished, events[1].Kind)
}

func TestSimAdapterRejectsInvalid(t *testing.T) {
	adapter := NewSimBrokerAdapter()
	require.True(t, adapter.Initialize(brokerapi.RuntimeConfig{}))

	zeroID := newTestRequest(0)
	assert.False(t, adapter.Submit(zeroID).Accepted)

	noVolume := newTestRequest(1)
	noVolume.Volume = 0
	assert.False(t, adapter.Submit(noVolume).Accepted)

	badCancel := brokerapi.OrderRequest{InternalOrderID: 1, Type: brokerapi.RequestCancel}
	assert.False(t, adapter.Submit(badCancel).Accepted)

	unknown := brokerapi.OrderRequest{InternalOrderID: 1, Type: brokerapi.RequestUnknown}
	assert.False(t, adapter.Submit(unknown).Accepted)
}

func TestSimAdapterPollEventsPartialDrain(t *testing.T) {
	adapter := NewSimBrokerAdapter()
	require.True(t, adapter.Initialize(brokerapi.RuntimeConfig{AutoFill: true}))
	require.True(t, adapter.Submit(newTestRequest(1)).Accepted)

	buf := make([]brokerapi.Event, 2)
	assert.Equal(t, 2, adapter.PollEvents(buf))
	assert.Equal(t, 1, adapter.PollEvents(buf), "remaining events arrive next poll")
}

func TestSimAdapterRegisteredFactory(t *testing.T) {
	adapter, err := brokerapi.NewAdapter("sim")
	require.NoError(t, err)
	assert.NotNil(t, adapter)

	_, err = brokerapi.NewAdapter("none-such")
	assert.Error(t, err)
}

func TestFeeFloor(t *testing.T) {
	assert.Equal(t, uint64(1), calcFee(5000), "sub-bp values pay the one-cent floor")
	assert.Equal(t, uint64(10), calcFee(100_000))
	assert.Zero(t, calcFee(0))
}
